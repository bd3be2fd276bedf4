package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gatekeeper/internal/admission"
	"gatekeeper/internal/chat"
	groupModels "gatekeeper/internal/groups/models"
	"gatekeeper/internal/panel"
	"gatekeeper/internal/pending/models"
	rlModels "gatekeeper/internal/ratelimit/models"
	tokenModels "gatekeeper/internal/token/models"
	tokenService "gatekeeper/internal/token/service"
	id "gatekeeper/pkg/domain"
	dErrors "gatekeeper/pkg/domain-errors"
)

// Admission handles membership events.
type Admission interface {
	HandleJoin(ctx context.Context, ev admission.JoinEvent) (*admission.Decision, error)
	HandleJoinRequest(ctx context.Context, ev admission.JoinEvent) (*admission.Decision, error)
	HandleLeave(ctx context.Context, group id.GroupID, user id.UserID) error
}

// Panel handles the private verification conversation.
type Panel interface {
	Open(ctx context.Context, raw string, actor id.UserID) (*panel.Panel, error)
	AttachPanelMessage(ctx context.Context, pendingID id.PendingID, chatID, messageID int64) error
	SatisfyGate(ctx context.Context, pendingID id.PendingID, actor id.UserID, gate models.Gate, answer string) (*panel.Panel, error)
	Confirm(ctx context.Context, pendingID id.PendingID, actor id.UserID) (*panel.Panel, error)
	Decide(ctx context.Context, pendingID id.PendingID, admin id.UserID, approve bool) (bool, error)
	IssueSupportLink(ctx context.Context, pendingID id.PendingID, actor id.UserID) (string, error)
	RedeemSupportLink(ctx context.Context, raw string, actor id.UserID) (*models.PendingVerification, error)
}

// Groups handles settings links and the whitelist.
type Groups interface {
	IssueSettingsLink(ctx context.Context, group id.GroupID, admin id.UserID) (string, error)
	RedeemSettingsLink(ctx context.Context, raw string, actor id.UserID) (*groupModels.Settings, error)
	Whitelist(ctx context.Context, group id.GroupID, user, by id.UserID) error
	Unwhitelist(ctx context.Context, group id.GroupID, user id.UserID) error
}

// Identity handles the identity block list.
type Identity interface {
	Ban(ctx context.Context, externalID string, by id.UserID, reason string) error
	Unban(ctx context.Context, externalID string) error
}

// Limiter throttles per-user interactions.
type Limiter interface {
	Allow(ctx context.Context, class rlModels.Class, user id.UserID) bool
}

// Dispatcher routes decoded envelopes. Errors returned are infrastructure
// failures; flow errors are reported to the user and swallowed.
type Dispatcher struct {
	admission Admission
	panel     Panel
	groups    Groups
	identity  Identity
	platform  chat.Platform
	limiter   Limiter
	logger    *slog.Logger
}

type DispatcherOption func(*Dispatcher)

// WithLimiter drops start and callback events from users over their limit.
func WithLimiter(l Limiter) DispatcherOption {
	return func(d *Dispatcher) {
		d.limiter = l
	}
}

func NewDispatcher(adm Admission, p Panel, groups Groups, identity Identity, platform chat.Platform, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		admission: adm,
		panel:     p,
		groups:    groups,
		identity:  identity,
		platform:  platform,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch handles one envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) error {
	switch env.Type {
	case TypeMemberJoined, TypeJoinRequest:
		var m Member
		if err := decode(env, &m); err != nil {
			return err
		}
		return d.join(ctx, env, m)
	case TypeMemberLeft:
		var m Member
		if err := decode(env, &m); err != nil {
			return err
		}
		return d.admission.HandleLeave(ctx, m.GroupID, m.UserID)
	case TypeStart:
		var st Start
		if err := decode(env, &st); err != nil {
			return err
		}
		if !d.allow(ctx, rlModels.ClassStart, st.UserID) {
			return nil
		}
		return d.start(ctx, st)
	case TypeCallback:
		var cb Callback
		if err := decode(env, &cb); err != nil {
			return err
		}
		if !d.allow(ctx, rlModels.ClassCallback, cb.UserID) {
			return nil
		}
		return d.callback(ctx, cb)
	case TypeCommand:
		var cmd Command
		if err := decode(env, &cmd); err != nil {
			return err
		}
		return d.command(ctx, cmd)
	default:
		d.logger.DebugContext(ctx, "ignoring event", "type", env.Type, "event_id", env.ID)
		return nil
	}
}

func (d *Dispatcher) allow(ctx context.Context, class rlModels.Class, user id.UserID) bool {
	return d.limiter == nil || d.limiter.Allow(ctx, class, user)
}

func decode(env Envelope, v any) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed "+env.Type+" payload")
	}
	return nil
}

func (d *Dispatcher) join(ctx context.Context, env Envelope, m Member) error {
	ev := admission.JoinEvent{
		GroupID:    m.GroupID,
		UserID:     m.UserID,
		Username:   m.Username,
		FirstName:  m.FirstName,
		IsBot:      m.IsBot,
		GroupTitle: m.GroupTitle,
	}
	var err error
	if env.Type == TypeJoinRequest {
		ev.Kind = models.KindStrict
		ev.UserChatID = m.UserChatID
		ev.RequestedAt = env.OccurredAt
		_, err = d.admission.HandleJoinRequest(ctx, ev)
	} else {
		ev.Kind = models.KindSoft
		_, err = d.admission.HandleJoin(ctx, ev)
	}
	return err
}

func (d *Dispatcher) start(ctx context.Context, st Start) error {
	kind, raw, err := tokenService.ParseStartPayload(st.Payload)
	if err != nil {
		return d.reply(ctx, st.ChatID, "Hi! Use the link from your group to verify.")
	}

	switch kind {
	case tokenModels.KindVerification:
		p, err := d.panel.Open(ctx, raw, st.UserID)
		if err != nil {
			return d.flowError(ctx, st.ChatID, err)
		}
		msgID, err := d.platform.SendMessage(ctx, st.ChatID, panel.Render(p))
		if err != nil {
			return fmt.Errorf("send panel: %w", err)
		}
		return d.panel.AttachPanelMessage(ctx, p.Record.ID, st.ChatID, msgID)

	case tokenModels.KindSettings:
		settings, err := d.groups.RedeemSettingsLink(ctx, raw, st.UserID)
		if err != nil {
			return d.flowError(ctx, st.ChatID, err)
		}
		return d.reply(ctx, st.ChatID, describeSettings(settings))

	case tokenModels.KindSupport:
		rec, err := d.panel.RedeemSupportLink(ctx, raw, st.UserID)
		if err != nil {
			return d.flowError(ctx, st.ChatID, err)
		}
		return d.reply(ctx, st.ChatID, fmt.Sprintf("Support reference %s\nStatus: %s\nShare this with a group admin.", rec.ID, rec.Status))
	}
	return nil
}

func (d *Dispatcher) callback(ctx context.Context, in Callback) error {
	cb, err := chat.ParseCallback(in.Data)
	if err != nil {
		d.logger.DebugContext(ctx, "ignoring callback", "error", err)
		return nil
	}

	var p *panel.Panel
	switch cb.Action {
	case chat.ActionApprove, chat.ActionReject:
		_, err := d.panel.Decide(ctx, cb.PendingID, in.UserID, cb.Action == chat.ActionApprove)
		if err != nil && !dErrors.HasCode(err, dErrors.CodeForbidden) {
			return d.infraOnly(err)
		}
		return nil
	case chat.ActionRules:
		p, err = d.panel.SatisfyGate(ctx, cb.PendingID, in.UserID, models.GateRules, "")
	case chat.ActionAnswer:
		p, err = d.panel.SatisfyGate(ctx, cb.PendingID, in.UserID, models.GateChallenge, cb.Arg)
		if dErrors.HasCode(err, dErrors.CodeTooManyAttempts) {
			return d.exhausted(ctx, in, cb.PendingID, err)
		}
	case chat.ActionConfirm:
		p, err = d.panel.Confirm(ctx, cb.PendingID, in.UserID)
		if dErrors.HasCode(err, dErrors.CodeAlreadyStarting) {
			// the tap that took the marker renders the panel
			return nil
		}
	}
	if err != nil {
		return d.flowError(ctx, in.ChatID, err)
	}
	err = d.platform.EditMessage(ctx, in.ChatID, in.MessageID, panel.Render(p))
	return chat.IgnoreGone(err)
}

// exhausted tells the user to wait and hands them a support reference.
func (d *Dispatcher) exhausted(ctx context.Context, in Callback, pendingID id.PendingID, cause error) error {
	text := panel.UserMessage(cause)
	link, err := d.panel.IssueSupportLink(ctx, pendingID, in.UserID)
	if err != nil {
		d.logger.WarnContext(ctx, "failed to issue support link", "pending_id", pendingID.String(), "error", err)
	} else {
		text += "\n\nSupport link: " + link
	}
	return chat.IgnoreGone(d.platform.EditMessage(ctx, in.ChatID, in.MessageID, chat.Message{Text: text}))
}

func (d *Dispatcher) command(ctx context.Context, cmd Command) error {
	name := strings.TrimPrefix(strings.ToLower(cmd.Name), "/")
	if _, known := commandUsage[name]; !known {
		return nil
	}
	isAdmin, err := d.platform.IsAdmin(ctx, cmd.GroupID, cmd.UserID)
	if err != nil {
		return fmt.Errorf("check admin: %w", err)
	}
	if !isAdmin {
		return nil
	}
	group := chat.GroupChatID(cmd.GroupID)

	if name == "settings" {
		link, err := d.groups.IssueSettingsLink(ctx, cmd.GroupID, cmd.UserID)
		if err != nil {
			return d.flowError(ctx, group, err)
		}
		return d.reply(ctx, chat.PrivateChatID(cmd.UserID), "Open the group settings: "+link)
	}

	if len(cmd.Args) == 0 {
		return d.reply(ctx, group, "Usage: "+commandUsage[name])
	}
	arg := cmd.Args[0]
	switch name {
	case "whitelist", "unwhitelist":
		user, err := id.ParseUserID(arg)
		if err != nil {
			return d.reply(ctx, group, "Usage: "+commandUsage[name])
		}
		if name == "whitelist" {
			err = d.groups.Whitelist(ctx, cmd.GroupID, user, cmd.UserID)
		} else {
			err = d.groups.Unwhitelist(ctx, cmd.GroupID, user)
		}
		if err != nil {
			return d.flowError(ctx, group, err)
		}
	case "ban":
		reason := strings.Join(cmd.Args[1:], " ")
		if err := d.identity.Ban(ctx, arg, cmd.UserID, reason); err != nil {
			return d.flowError(ctx, group, err)
		}
	case "unban":
		if err := d.identity.Unban(ctx, arg); err != nil {
			return d.flowError(ctx, group, err)
		}
	}
	return d.reply(ctx, group, "Done.")
}

var commandUsage = map[string]string{
	"settings":    "/settings",
	"whitelist":   "/whitelist <user id>",
	"unwhitelist": "/unwhitelist <user id>",
	"ban":         "/ban <external id> [reason]",
	"unban":       "/unban <external id>",
}

// flowError shows the user guidance for expected failures and returns
// anything else to the consumer.
func (d *Dispatcher) flowError(ctx context.Context, chatID int64, err error) error {
	if infra := d.infraOnly(err); infra != nil {
		d.logger.ErrorContext(ctx, "event handling failed", "error", err)
	}
	return d.reply(ctx, chatID, panel.UserMessage(err))
}

func (d *Dispatcher) infraOnly(err error) error {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeInternal:
		return err
	default:
		return nil
	}
}

func (d *Dispatcher) reply(ctx context.Context, chatID int64, text string) error {
	if _, err := d.platform.SendMessage(ctx, chatID, chat.Message{Text: text}); err != nil {
		if errors.Is(err, chat.ErrUserUnreachable) || errors.Is(err, chat.ErrPermissionDenied) {
			d.logger.InfoContext(ctx, "reply not delivered", "chat_id", chatID, "error", err)
			return nil
		}
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

func describeSettings(st *groupModels.Settings) string {
	onOff := func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	}
	var b strings.Builder
	title := st.Title
	if title == "" {
		title = st.GroupID.String()
	}
	fmt.Fprintf(&b, "Settings for %s\n", title)
	fmt.Fprintf(&b, "Verification: %s\n", onOff(st.GatingEnabled))
	fmt.Fprintf(&b, "Join requests: %s\n", onOff(st.JoinGateEnabled))
	fmt.Fprintf(&b, "Timeout: %s, then %s\n", st.Timeout.Round(time.Second), st.TimeoutAction)
	fmt.Fprintf(&b, "Lockdown: %s\n", onOff(st.Lockdown))
	fmt.Fprintf(&b, "Username required: %s\n", onOff(st.RequireUsername))
	fmt.Fprintf(&b, "Rules gate: %s\n", onOff(st.RulesGate()))
	fmt.Fprintf(&b, "Captcha: %s", onOff(st.CaptchaEnabled))
	if st.CaptchaEnabled {
		fmt.Fprintf(&b, " (%s, %d attempts)", st.CaptchaStyle, st.CaptchaMaxAttempts)
	}
	return b.String()
}

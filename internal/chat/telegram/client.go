// Package telegram implements chat.Platform over the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"gatekeeper/internal/chat"
	id "gatekeeper/pkg/domain"
)

const (
	DefaultAPIEndpoint = "https://api.telegram.org"
	DefaultTimeout     = 10 * time.Second
	maxResponseSize    = 1 << 20
)

// Client calls the Bot API. Methods return chat.Err* sentinels for the
// failures callers branch on.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client

	mu       sync.RWMutex
	username string
	botID    int64
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.HTTPClient = c }
}

func WithBaseURL(u string) Option {
	return func(cl *Client) { cl.BaseURL = strings.TrimRight(u, "/") }
}

// WithUsername skips the getMe lookup for the bot's username.
func WithUsername(username string) Option {
	return func(cl *Client) { cl.username = strings.TrimPrefix(username, "@") }
}

func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    DefaultAPIEndpoint,
		Token:      token,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type user struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type chatMember struct {
	Status             string `json:"status"`
	CanRestrictMembers bool   `json:"can_restrict_members"`
}

type sentMessage struct {
	MessageID int64 `json:"message_id"`
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
	URL          string `json:"url,omitempty"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type permissions struct {
	CanSendMessages       bool `json:"can_send_messages"`
	CanSendAudios         bool `json:"can_send_audios"`
	CanSendDocuments      bool `json:"can_send_documents"`
	CanSendPhotos         bool `json:"can_send_photos"`
	CanSendVideos         bool `json:"can_send_videos"`
	CanSendVideoNotes     bool `json:"can_send_video_notes"`
	CanSendVoiceNotes     bool `json:"can_send_voice_notes"`
	CanSendPolls          bool `json:"can_send_polls"`
	CanSendOtherMessages  bool `json:"can_send_other_messages"`
	CanAddWebPagePreviews bool `json:"can_add_web_page_previews"`
	CanInviteUsers        bool `json:"can_invite_users"`
}

func allowAll() permissions {
	return permissions{
		CanSendMessages: true, CanSendAudios: true, CanSendDocuments: true,
		CanSendPhotos: true, CanSendVideos: true, CanSendVideoNotes: true,
		CanSendVoiceNotes: true, CanSendPolls: true, CanSendOtherMessages: true,
		CanAddWebPagePreviews: true, CanInviteUsers: true,
	}
}

// Init resolves the bot's own id and username via getMe.
func (c *Client) Init(ctx context.Context) error {
	var me user
	if err := c.call(ctx, "getMe", struct{}{}, &me); err != nil {
		return fmt.Errorf("getMe: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.botID = me.ID
	if c.username == "" {
		c.username = me.Username
	}
	return nil
}

func (c *Client) BotUsername() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

func (c *Client) RestrictMember(ctx context.Context, group id.GroupID, u id.UserID) error {
	return c.call(ctx, "restrictChatMember", map[string]any{
		"chat_id":                          int64(group),
		"user_id":                          int64(u),
		"permissions":                      permissions{},
		"use_independent_chat_permissions": true,
	}, nil)
}

func (c *Client) UnrestrictMember(ctx context.Context, group id.GroupID, u id.UserID) error {
	return c.call(ctx, "restrictChatMember", map[string]any{
		"chat_id":                          int64(group),
		"user_id":                          int64(u),
		"permissions":                      allowAll(),
		"use_independent_chat_permissions": true,
	}, nil)
}

// Kick bans then immediately unbans so the user may rejoin later.
func (c *Client) Kick(ctx context.Context, group id.GroupID, u id.UserID) error {
	params := map[string]any{"chat_id": int64(group), "user_id": int64(u)}
	if err := c.call(ctx, "banChatMember", params, nil); err != nil {
		return err
	}
	params["only_if_banned"] = true
	return c.call(ctx, "unbanChatMember", params, nil)
}

func (c *Client) ApproveJoinRequest(ctx context.Context, group id.GroupID, u id.UserID) error {
	return c.call(ctx, "approveChatJoinRequest", map[string]any{"chat_id": int64(group), "user_id": int64(u)}, nil)
}

func (c *Client) DeclineJoinRequest(ctx context.Context, group id.GroupID, u id.UserID) error {
	return c.call(ctx, "declineChatJoinRequest", map[string]any{"chat_id": int64(group), "user_id": int64(u)}, nil)
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, msg chat.Message) (int64, error) {
	params := map[string]any{
		"chat_id":                  chatID,
		"text":                     msg.Text,
		"disable_web_page_preview": true,
	}
	if len(msg.Buttons) > 0 {
		params["reply_markup"] = markup(msg.Buttons)
	}
	var sent sentMessage
	if err := c.call(ctx, "sendMessage", params, &sent); err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (c *Client) EditMessage(ctx context.Context, chatID, messageID int64, msg chat.Message) error {
	params := map[string]any{
		"chat_id":                  chatID,
		"message_id":               messageID,
		"text":                     msg.Text,
		"disable_web_page_preview": true,
		"reply_markup":             markup(msg.Buttons),
	}
	return c.call(ctx, "editMessageText", params, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return c.call(ctx, "deleteMessage", map[string]any{"chat_id": chatID, "message_id": messageID}, nil)
}

func (c *Client) IsAdmin(ctx context.Context, group id.GroupID, u id.UserID) (bool, error) {
	member, err := c.member(ctx, group, int64(u))
	if err != nil {
		return false, err
	}
	return member.Status == "creator" || member.Status == "administrator", nil
}

// CanRestrict reports whether the bot itself may restrict members of group.
func (c *Client) CanRestrict(ctx context.Context, group id.GroupID) (bool, error) {
	c.mu.RLock()
	botID := c.botID
	c.mu.RUnlock()
	if botID == 0 {
		if err := c.Init(ctx); err != nil {
			return false, err
		}
		c.mu.RLock()
		botID = c.botID
		c.mu.RUnlock()
	}
	member, err := c.member(ctx, group, botID)
	if err != nil {
		return false, err
	}
	return member.Status == "creator" || (member.Status == "administrator" && member.CanRestrictMembers), nil
}

func (c *Client) member(ctx context.Context, group id.GroupID, userID int64) (*chatMember, error) {
	var member chatMember
	if err := c.call(ctx, "getChatMember", map[string]any{"chat_id": int64(group), "user_id": userID}, &member); err != nil {
		return nil, err
	}
	return &member, nil
}

func markup(rows [][]chat.Button) replyMarkup {
	kb := make([][]inlineButton, 0, len(rows))
	for _, row := range rows {
		out := make([]inlineButton, 0, len(row))
		for _, b := range row {
			out = append(out, inlineButton{Text: b.Text, CallbackData: b.Data, URL: b.URL})
		}
		kb = append(kb, out)
	}
	return replyMarkup{InlineKeyboard: kb}
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/bot"+c.Token+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", method, chat.ErrUnavailable, redact(err, c.Token))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%s: %w: read response: %v", method, chat.ErrUnavailable, err)
	}

	var api apiResponse
	if err := json.Unmarshal(raw, &api); err != nil {
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s: %w: status %d", method, chat.ErrUnavailable, resp.StatusCode)
		}
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if !api.OK {
		return fmt.Errorf("%s: %w", method, classify(api, resp.StatusCode))
	}
	if out != nil && len(api.Result) > 0 {
		if err := json.Unmarshal(api.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

// classify maps Bot API failures onto the chat error set.
func classify(api apiResponse, status int) error {
	desc := strings.ToLower(api.Description)
	code := api.ErrorCode
	if code == 0 {
		code = status
	}
	switch {
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: %s", chat.ErrUnavailable, api.Description)
	case strings.Contains(desc, "message is not modified"):
		return chat.ErrNotModified
	case strings.Contains(desc, "message to delete not found"),
		strings.Contains(desc, "message to edit not found"),
		strings.Contains(desc, "message can't be deleted"):
		return chat.ErrMessageGone
	case strings.Contains(desc, "bot was blocked"),
		strings.Contains(desc, "user is deactivated"),
		strings.Contains(desc, "can't initiate conversation"),
		strings.Contains(desc, "chat not found") && code == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", chat.ErrUserUnreachable, api.Description)
	case strings.Contains(desc, "not enough rights"),
		strings.Contains(desc, "admin_required"),
		strings.Contains(desc, "administrator"),
		code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", chat.ErrPermissionDenied, api.Description)
	default:
		return fmt.Errorf("bot api error %d: %s", code, api.Description)
	}
}

func redact(err error, token string) string {
	if token == "" {
		return err.Error()
	}
	return strings.ReplaceAll(err.Error(), token, "<token>")
}

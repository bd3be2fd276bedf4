package admission

import (
	"time"

	groupModels "gatekeeper/internal/groups/models"
	"gatekeeper/internal/pending/models"
	id "gatekeeper/pkg/domain"
)

// Verdict is the outcome of evaluating a join.
type Verdict int

const (
	VerdictAdmit Verdict = iota
	VerdictRestrict
	VerdictReject
)

func (v Verdict) String() string {
	switch v {
	case VerdictAdmit:
		return "admit"
	case VerdictRestrict:
		return "restrict"
	case VerdictReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Reason attributes a verdict to the rule that produced it.
type Reason string

const (
	ReasonBot                  Reason = "bot"
	ReasonIdentityBanned       Reason = "identity_banned"
	ReasonLockdown             Reason = "lockdown"
	ReasonUsernameRequired     Reason = "username_required"
	ReasonGatingDisabled       Reason = "gating_disabled"
	ReasonVerified             Reason = "verified"
	ReasonWhitelisted          Reason = "whitelisted"
	ReasonVerificationRequired Reason = "verification_required"
)

// JoinEvent is a member joining (soft) or requesting to join (strict).
type JoinEvent struct {
	GroupID    id.GroupID
	UserID     id.UserID
	Kind       models.Kind
	Username   string
	FirstName  string
	IsBot      bool
	GroupTitle string
	// UserChatID and RequestedAt are set for join requests; the platform only
	// lets the bot DM the requester for a short window.
	UserChatID  int64
	RequestedAt time.Time
}

// JoinContext is everything the rules look at, resolved once per event.
type JoinContext struct {
	Event       JoinEvent
	Settings    groupModels.Settings
	Banned      bool
	Verified    bool
	Whitelisted bool
}

// Trusted is computed from facts loaded before evaluation, never re-queried.
func (c JoinContext) Trusted() bool {
	return c.Verified || c.Whitelisted
}

func (c JoinContext) gatingEnabled() bool {
	if c.Event.Kind == models.KindStrict {
		return c.Settings.StrictGating()
	}
	return c.Settings.GatingEnabled
}

// rule returns done=false to pass evaluation to the next rule.
type rule func(JoinContext) (v Verdict, r Reason, done bool)

// rules run in order; the first rule that decides wins.
var rules = []rule{
	func(c JoinContext) (Verdict, Reason, bool) {
		return VerdictReject, ReasonIdentityBanned, c.Banned
	},
	func(c JoinContext) (Verdict, Reason, bool) {
		return VerdictReject, ReasonLockdown, c.Settings.Lockdown && !c.Trusted()
	},
	func(c JoinContext) (Verdict, Reason, bool) {
		return VerdictReject, ReasonUsernameRequired,
			c.Settings.RequireUsername && c.Event.Username == "" && !c.Trusted()
	},
	func(c JoinContext) (Verdict, Reason, bool) {
		return VerdictAdmit, ReasonGatingDisabled, !c.gatingEnabled()
	},
	func(c JoinContext) (Verdict, Reason, bool) {
		switch {
		case c.Verified:
			return VerdictAdmit, ReasonVerified, true
		case c.Whitelisted:
			return VerdictAdmit, ReasonWhitelisted, true
		}
		return 0, "", false
	},
}

// Evaluate applies the admission rules to c.
func Evaluate(c JoinContext) (Verdict, Reason) {
	for _, r := range rules {
		if v, reason, done := r(c); done {
			return v, reason
		}
	}
	return VerdictRestrict, ReasonVerificationRequired
}

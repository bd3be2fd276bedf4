package models

import (
	"time"

	id "gatekeeper/pkg/domain"
)

// TimeoutAction is applied to soft-gated members whose verification deadline passes.
type TimeoutAction string

const (
	TimeoutKick TimeoutAction = "kick"
	TimeoutMute TimeoutAction = "mute"
)

func (a TimeoutAction) IsValid() bool {
	return a == TimeoutKick || a == TimeoutMute
}

// CaptchaStyle selects how the challenge gate is rendered.
type CaptchaStyle string

const (
	CaptchaButton CaptchaStyle = "button"
	CaptchaMath   CaptchaStyle = "math"
)

func (c CaptchaStyle) IsValid() bool {
	return c == CaptchaButton || c == CaptchaMath
}

// Settings is the per-group admission configuration.
type Settings struct {
	GroupID            id.GroupID
	Title              string
	GatingEnabled      bool
	JoinGateEnabled    bool
	Timeout            time.Duration
	TimeoutAction      TimeoutAction
	Lockdown           bool
	RequireUsername    bool
	RulesText          string
	RequireRules       bool
	CaptchaEnabled     bool
	CaptchaStyle       CaptchaStyle
	CaptchaMaxAttempts int
	UpdatedAt          time.Time
}

// StrictGating reports whether join requests are held for verification.
func (s Settings) StrictGating() bool {
	return s.GatingEnabled && s.JoinGateEnabled
}

// RulesGate reports whether members must accept rules before confirming.
func (s Settings) RulesGate() bool {
	return s.RequireRules && s.RulesText != ""
}

// WhitelistEntry exempts one user from verification in one group.
type WhitelistEntry struct {
	GroupID id.GroupID
	UserID  id.UserID
	AddedBy id.UserID
	AddedAt time.Time
}

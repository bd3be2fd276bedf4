package models

import (
	"strings"
	"time"
)

// Class groups the bot interactions that share a limit.
type Class string

const (
	// ClassStart covers /start deep-link opens in private chat.
	ClassStart Class = "start"
	// ClassCallback covers inline button taps.
	ClassCallback Class = "callback"
)

// Limit is the number of events allowed per sliding window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Result is the outcome of one check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Key builds the bucket key for a class and subject. Delimiters inside
// segments are escaped so one subject cannot address another's bucket.
func Key(class Class, subject string) string {
	return "rl:" + sanitize(string(class)) + ":" + sanitize(subject)
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

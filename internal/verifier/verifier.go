// Package verifier defines the external identity verifier the verification
// handshake talks to. Attempts are created once per pending record and then
// polled until they reach a final status.
package verifier

import (
	"context"
)

//go:generate mockgen -source=verifier.go -destination=mocks/verifier_mock.go -package=mocks Verifier

// Status is the verifier's view of an attempt.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// IsFinal reports whether polling can stop.
func (s Status) IsFinal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Attempt is a freshly created verification attempt.
type Attempt struct {
	ID       string
	DeepLink string
	QRData   string
}

// Result is one status observation. ExternalID is set once approved.
type Result struct {
	Status     Status
	ExternalID string
}

// Verifier creates and inspects verification attempts. Implementations wrap
// transport failures, rate limits and 5xx responses with sentinel.ErrUnavailable.
type Verifier interface {
	CreateAttempt(ctx context.Context, metadata map[string]string) (*Attempt, error)
	GetStatus(ctx context.Context, attemptID string) (*Result, error)
}

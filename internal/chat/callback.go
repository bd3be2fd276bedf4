package chat

import (
	"strings"

	id "gatekeeper/pkg/domain"
	dErrors "gatekeeper/pkg/domain-errors"
)

const callbackPrefix = "pv"

// Callback actions carried by inline buttons.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionRules   = "rules"
	ActionAnswer  = "answer"
	ActionConfirm = "confirm"
)

// Callback is the decoded payload of a pending-verification button.
type Callback struct {
	Action    string
	PendingID id.PendingID
	Arg       string
}

// Data encodes c as "pv:<action>:<pending id>[:<arg>]", within the 64 byte
// callback data bound.
func (c Callback) Data() string {
	parts := []string{callbackPrefix, c.Action, c.PendingID.String()}
	if c.Arg != "" {
		parts = append(parts, c.Arg)
	}
	return strings.Join(parts, ":")
}

// ParseCallback decodes button data produced by Callback.Data.
func ParseCallback(data string) (Callback, error) {
	parts := strings.SplitN(data, ":", 4)
	if len(parts) < 3 || parts[0] != callbackPrefix {
		return Callback{}, dErrors.New(dErrors.CodeInvalidInput, "unknown callback data")
	}
	switch parts[1] {
	case ActionApprove, ActionReject, ActionRules, ActionAnswer, ActionConfirm:
	default:
		return Callback{}, dErrors.New(dErrors.CodeInvalidInput, "unknown callback action")
	}
	pendingID, err := id.ParsePendingID(parts[2])
	if err != nil {
		return Callback{}, err
	}
	cb := Callback{Action: parts[1], PendingID: pendingID}
	if len(parts) == 4 {
		cb.Arg = parts[3]
	}
	return cb, nil
}

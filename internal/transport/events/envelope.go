// Package events consumes chat platform updates from NATS and dispatches
// them to the admission, panel and group services.
package events

import (
	"encoding/json"
	"time"

	id "gatekeeper/pkg/domain"
)

// Event types published by the platform gateway.
const (
	TypeMemberJoined = "member_joined"
	TypeMemberLeft   = "member_left"
	TypeJoinRequest  = "join_request"
	TypeStart        = "start"
	TypeCallback     = "callback"
	TypeCommand      = "command"
)

// Envelope wraps every inbound update.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Member describes the user a membership event is about.
type Member struct {
	GroupID    id.GroupID `json:"group_id"`
	GroupTitle string     `json:"group_title"`
	UserID     id.UserID  `json:"user_id"`
	Username   string     `json:"username"`
	FirstName  string     `json:"first_name"`
	IsBot      bool       `json:"is_bot"`
	// UserChatID is only present on join requests.
	UserChatID int64 `json:"user_chat_id,omitempty"`
}

// Start is a private /start with a deep-link payload.
type Start struct {
	UserID  id.UserID `json:"user_id"`
	ChatID  int64     `json:"chat_id"`
	Payload string    `json:"payload"`
}

// Callback is an inline button press.
type Callback struct {
	UserID    id.UserID `json:"user_id"`
	ChatID    int64     `json:"chat_id"`
	MessageID int64     `json:"message_id"`
	Data      string    `json:"data"`
}

// Command is an admin command typed in a group.
type Command struct {
	GroupID id.GroupID `json:"group_id"`
	UserID  id.UserID  `json:"user_id"`
	Name    string     `json:"name"`
	Args    []string   `json:"args"`
}

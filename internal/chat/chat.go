// Package chat defines the chat platform surface the admission flow drives:
// member restrictions, join-request decisions and bot messages.
package chat

import (
	"context"
	"errors"

	id "gatekeeper/pkg/domain"
)

//go:generate mockgen -source=chat.go -destination=mocks/platform_mock.go -package=mocks Platform

var (
	// ErrMessageGone means the target message was already deleted.
	ErrMessageGone = errors.New("message gone")
	// ErrNotModified means an edit would not change the message.
	ErrNotModified = errors.New("message not modified")
	// ErrPermissionDenied means the bot lacks the admin right for the action.
	ErrPermissionDenied = errors.New("platform permission denied")
	// ErrUnavailable means the platform could not be reached or rate limited us.
	ErrUnavailable = errors.New("platform unavailable")
	// ErrUserUnreachable means the user cannot be messaged (no DM, blocked bot).
	ErrUserUnreachable = errors.New("user unreachable")
)

// Button is an inline keyboard button. Exactly one of Data or URL is set.
type Button struct {
	Text string
	Data string
	URL  string
}

// Message is the plain text plus buttons view model the bot sends.
type Message struct {
	Text    string
	Buttons [][]Button
}

// MessageRef locates a sent message.
type MessageRef struct {
	ChatID    int64
	MessageID int64
}

// Platform is the chat platform as seen by the admission and verification flow.
type Platform interface {
	RestrictMember(ctx context.Context, group id.GroupID, user id.UserID) error
	UnrestrictMember(ctx context.Context, group id.GroupID, user id.UserID) error
	// Kick removes the member without a permanent ban so they can rejoin.
	Kick(ctx context.Context, group id.GroupID, user id.UserID) error
	ApproveJoinRequest(ctx context.Context, group id.GroupID, user id.UserID) error
	DeclineJoinRequest(ctx context.Context, group id.GroupID, user id.UserID) error
	SendMessage(ctx context.Context, chatID int64, msg Message) (int64, error)
	EditMessage(ctx context.Context, chatID, messageID int64, msg Message) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	BotUsername() string
	IsAdmin(ctx context.Context, group id.GroupID, user id.UserID) (bool, error)
	CanRestrict(ctx context.Context, group id.GroupID) (bool, error)
}

// IgnoreGone drops errors that mean the message is already in the wanted state.
func IgnoreGone(err error) error {
	if errors.Is(err, ErrMessageGone) || errors.Is(err, ErrNotModified) {
		return nil
	}
	return err
}

// GroupChatID is the chat id messages to a group are sent to.
func GroupChatID(group id.GroupID) int64 {
	return int64(group)
}

// PrivateChatID is the DM chat of a user who has started the bot.
func PrivateChatID(user id.UserID) int64 {
	return int64(user)
}

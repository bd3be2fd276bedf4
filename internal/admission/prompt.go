package admission

import (
	"fmt"
	"strings"
	"time"

	"gatekeeper/internal/chat"
	"gatekeeper/internal/pending/models"
)

// GroupPrompt is posted in the group when a member is restricted. The admin
// row lets moderators decide without the user.
func GroupPrompt(ev JoinEvent, rec *models.PendingVerification, link string) chat.Message {
	text := fmt.Sprintf("Welcome, %s! Verify within %s to start chatting in this group.",
		displayName(ev), humanDuration(rec.ExpiresAt.Sub(rec.CreatedAt)))
	return chat.Message{
		Text: text,
		Buttons: [][]chat.Button{
			{{Text: "Verify", URL: link}},
			{
				{Text: "Approve", Data: chat.Callback{Action: chat.ActionApprove, PendingID: rec.ID}.Data()},
				{Text: "Reject", Data: chat.Callback{Action: chat.ActionReject, PendingID: rec.ID}.Data()},
			},
		},
	}
}

// JoinRequestPrompt is sent privately to a join requester.
func JoinRequestPrompt(ev JoinEvent, link string) chat.Message {
	title := ev.GroupTitle
	if title == "" {
		title = "the group"
	}
	return chat.Message{
		Text: fmt.Sprintf("Verification required to join %s.\n\nTap below to verify. Once approved, your join request is accepted.", title),
		Buttons: [][]chat.Button{
			{{Text: "Verify to join", URL: link}},
		},
	}
}

func displayName(ev JoinEvent) string {
	if ev.Username != "" {
		return "@" + ev.Username
	}
	if name := strings.TrimSpace(ev.FirstName); name != "" {
		return name
	}
	return "there"
}

func humanDuration(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return fmt.Sprintf("%d seconds", int(d.Round(time.Second)/time.Second))
}

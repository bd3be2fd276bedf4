package panel

import (
	"fmt"

	"gatekeeper/internal/chat"
	"gatekeeper/internal/pending/models"
	dErrors "gatekeeper/pkg/domain-errors"
)

// Render turns a panel into the private message the user interacts with.
func Render(p *Panel) chat.Message {
	rec := p.Record
	title := p.Settings.Title
	if title == "" {
		title = "this group"
	}
	cb := func(action, arg string) string {
		return chat.Callback{Action: action, PendingID: rec.ID, Arg: arg}.Data()
	}

	switch p.Step {
	case StepRules:
		return chat.Message{
			Text:    fmt.Sprintf("Rules of %s:\n\n%s", title, p.Settings.RulesText),
			Buttons: [][]chat.Button{{{Text: "I accept the rules", Data: cb(chat.ActionRules, "")}}},
		}
	case StepChallenge:
		row := make([]chat.Button, 0, len(p.Challenge.Options))
		for _, opt := range p.Challenge.Options {
			row = append(row, chat.Button{Text: opt, Data: cb(chat.ActionAnswer, opt)})
		}
		return chat.Message{
			Text:    "Quick check before verification.\n\n" + p.Challenge.Question,
			Buttons: [][]chat.Button{row},
		}
	case StepConfirm:
		return chat.Message{
			Text:    fmt.Sprintf("Verify your identity to join %s.\n\nTap Confirm to start. The link expires at %s UTC.", title, rec.ExpiresAt.UTC().Format("15:04")),
			Buttons: [][]chat.Button{{{Text: "Confirm", Data: cb(chat.ActionConfirm, "")}}},
		}
	case StepStarted:
		msg := chat.Message{Text: "Verification started. Complete it in the verifier app; this message updates when you are done."}
		if p.AttemptLink != "" {
			msg.Buttons = [][]chat.Button{{{Text: "Open verifier", URL: p.AttemptLink}}}
		}
		return msg
	default:
		return OutcomeMessage(rec.Status, rec.Kind)
	}
}

// OutcomeMessage is the final panel text for a resolved record.
func OutcomeMessage(status models.Status, kind models.Kind) chat.Message {
	switch status {
	case models.StatusApproved:
		if kind == models.KindStrict {
			return chat.Message{Text: "Verified. Your join request has been approved."}
		}
		return chat.Message{Text: "Verified. You can now chat in the group."}
	case models.StatusRejected:
		return chat.Message{Text: "Verification was not successful. Ask a group admin if you think this is a mistake."}
	case models.StatusTimedOut:
		return chat.Message{Text: "Verification timed out. Ask a group admin for a new link."}
	case models.StatusCancelled:
		return chat.Message{Text: "Verification cancelled."}
	default:
		return chat.Message{Text: "Verification in progress."}
	}
}

// UserMessage maps a flow error to the guidance shown to the user.
func UserMessage(err error) string {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeExpired, dErrors.CodeAlreadyUsed, dErrors.CodeNotFound, dErrors.CodeTerminal:
		return "This link has expired. Ask a group admin for a new one."
	case dErrors.CodeTooManyAttempts:
		return "Too many wrong answers. Please wait for a group admin to review your request."
	case dErrors.CodeWrongAnswer:
		return "That's not right. Try again."
	case dErrors.CodeGatesUnsatisfied:
		return "Please complete the steps above first."
	case dErrors.CodeAlreadyStarting:
		return "Verification is already starting."
	case dErrors.CodeExternalUnavailable:
		return "The verification service is unavailable right now. Tap Confirm again in a moment."
	case dErrors.CodeForbidden:
		return "Only group admins can do that."
	default:
		return "Something went wrong. Please try again later."
	}
}

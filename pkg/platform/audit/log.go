package audit

import (
	"context"
	"log/slog"

	"gatekeeper/pkg/requestcontext"
)

// LogAudit writes the event to the structured log and hands it to the emitter.
// Either may be nil.
func LogAudit(ctx context.Context, logger *slog.Logger, emitter Emitter, event Event) {
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	if event.Category == "" {
		event.Category = AuditEvent(event.Action).Category()
	}

	if logger != nil {
		args := []any{
			"event", event.Action,
			"log_type", "audit",
			"category", string(event.Category),
			"group_id", int64(event.GroupID),
			"user_id", int64(event.UserID),
		}
		if event.PendingID != "" {
			args = append(args, "pending_id", event.PendingID)
		}
		if event.Outcome != "" {
			args = append(args, "outcome", event.Outcome)
		}
		if event.Reason != "" {
			args = append(args, "reason", event.Reason)
		}
		if event.ActorID != 0 {
			args = append(args, "actor_id", int64(event.ActorID))
		}
		if event.RequestID != "" {
			args = append(args, "request_id", event.RequestID)
		}
		logger.InfoContext(ctx, event.Action, args...)
	}

	if emitter != nil {
		emitter.Emit(ctx, event)
	}
}

package worker

import (
	"context"
	"fmt"
	"log/slog"

	"condominio/internal/amqp"
)

// NotificationSink delivers one resident notification. Implementations
// are best-effort; the money transaction already committed by the time
// a message reaches the sink.
type NotificationSink interface {
	Notify(ctx context.Context, residentID, kind, message string) error
}

// LogSink writes notifications to the structured log. Stands in until a
// real delivery channel (mail, push) is wired.
type LogSink struct{}

func (LogSink) Notify(ctx context.Context, residentID, kind, message string) error {
	slog.InfoContext(ctx, "Notification delivered",
		"resident_id", residentID,
		"kind", kind,
		"message", message)
	return nil
}

// NotifyWorker consumes notification messages and hands them to the sink.
type NotifyWorker struct {
	sink NotificationSink
}

func NewNotifyWorker(sink NotificationSink) *NotifyWorker {
	if sink == nil {
		sink = LogSink{}
	}
	return &NotifyWorker{sink: sink}
}

// HandleNotification delivers one message. Sink failures requeue via the
// consumer's nack path.
func (w *NotifyWorker) HandleNotification(ctx context.Context, msg *amqp.NotificationMessage) error {
	if msg.ResidentID == "" {
		slog.WarnContext(ctx, "Notification without resident, dropping", "kind", msg.Kind)
		return nil
	}
	if err := w.sink.Notify(ctx, msg.ResidentID, msg.Kind, msg.Message); err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	return nil
}

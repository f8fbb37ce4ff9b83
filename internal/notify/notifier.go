// Package notify is the fire-and-forget notification collaborator. Delivery
// outcome never affects the signing transition that triggered it.
package notify

import (
	"context"
	"log/slog"
)

// Notifier delivers a message to a destination (an email address here).
type Notifier interface {
	Send(ctx context.Context, destination, message string) error
}

// LogNotifier writes notifications to the log. Default when no broker is
// configured; also what tests inspect.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier builds a log-backed Notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, destination, message string) error {
	n.logger.InfoContext(ctx, "notification",
		"destination", destination,
		"message", message,
	)
	return nil
}

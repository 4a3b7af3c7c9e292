package observability

import (
	"context"
	"log/slog"
)

// SlogObserver writes events to a structured logger at the slog level
// corresponding to each event's severity.
//
// The observer uses slog's context-aware logging to propagate cancellation
// signals and tracing context from the execution context.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	observer := observability.NewSlogObserver(logger)
//	observability.RegisterObserver("production", observer)
type SlogObserver struct {
	logger *slog.Logger
}

// NewSlogObserver creates a new SlogObserver with the specified logger.
// Pass slog.Default() for the default logger configuration.
func NewSlogObserver(logger *slog.Logger) *SlogObserver {
	return &SlogObserver{
		logger: logger,
	}
}

// OnEvent logs the event with structured fields: type, source, timestamp
// and the event-specific data map.
func (o *SlogObserver) OnEvent(ctx context.Context, event Event) {
	o.logger.LogAttrs(
		ctx,
		event.Level.SlogLevel(),
		"Event",
		slog.String("type", string(event.Type)),
		slog.String("source", event.Source),
		slog.Time("timestamp", event.Timestamp),
		slog.Any("data", event.Data),
	)
}

// Package listener routes externally reported task events to their
// registered handlers.
package listener

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/orcasched/orca/internal/log"
	"github.com/orcasched/orca/internal/metrickeys"
	"github.com/orcasched/orca/metrics"
	"github.com/orcasched/orca/taskevent"
)

// Handler processes one event of a registered kind.
type Handler func(ctx context.Context, event *taskevent.Event) error

// Dispatch looks up the handler for an event's kind and forwards the event
// with workflow/task trace context attached. The handler table is built once
// at initialization and read-only afterwards.
type Dispatch struct {
	handlers map[taskevent.Kind]Handler

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics metrics.Client
}

func New(logger *slog.Logger, tracer trace.Tracer, mc metrics.Client) *Dispatch {
	return &Dispatch{
		handlers: map[taskevent.Kind]Handler{},
		logger:   logger,
		tracer:   tracer,
		metrics:  mc,
	}
}

// Register binds a handler to an event kind. Not safe for concurrent use
// with Handle; register everything before serving.
func (d *Dispatch) Register(kind taskevent.Kind, handler Handler) {
	d.handlers[kind] = handler
}

// Handle accepts one reported event and forwards it to the handler for its
// kind. Unknown kinds are logged and dropped so that a newer worker version
// cannot crash an older master. The span carrying the workflow and task
// identifiers is closed on every exit path; trace context never leaks into
// the next event handled on this path.
func (d *Dispatch) Handle(ctx context.Context, event *taskevent.Event) error {
	ctx, span := d.tracer.Start(ctx, fmt.Sprintf("TaskEvent: %s", event.Kind), trace.WithAttributes(
		attribute.String(log.InstanceIDKey, event.WorkflowInstanceID),
		attribute.String(log.TaskIDKey, event.TaskInstanceID),
		attribute.String(log.EventKindKey, event.Kind.String()),
	))
	defer span.End()

	logger := d.logger.With(
		log.InstanceIDKey, event.WorkflowInstanceID,
		log.TaskIDKey, event.TaskInstanceID,
	)

	d.metrics.Counter(metrickeys.EventReceived, metrics.Tags{metrickeys.EventKind: event.Kind.String()}, 1)

	handler, ok := d.handlers[event.Kind]
	if !ok {
		logger.WarnContext(ctx, "Dropping task event of unknown kind",
			log.EventKindKey, event.Kind.String(),
			log.EventIDKey, event.ID,
		)
		d.metrics.Counter(metrickeys.EventDropped, metrics.Tags{metrickeys.EventKind: event.Kind.String()}, 1)

		return nil
	}

	logger.DebugContext(ctx, "Received task event", log.EventKindKey, event.Kind.String())

	if err := handler(ctx, event); err != nil {
		span.RecordError(err)
		logger.ErrorContext(ctx, "Handling task event", "error", err, log.EventKindKey, event.Kind.String())

		return fmt.Errorf("handling %s event: %w", event.Kind, err)
	}

	return nil
}

package listener

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/orcasched/orca/metrics"
	"github.com/orcasched/orca/taskevent"
)

func newDispatch() *Dispatch {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return New(logger, noop.NewTracerProvider().Tracer("test"), metrics.NewNoopClient())
}

func TestDispatch_RoutesByKind(t *testing.T) {
	d := newDispatch()

	var acks, results []*taskevent.Event
	d.Register(taskevent.KindAck, func(ctx context.Context, e *taskevent.Event) error {
		acks = append(acks, e)
		return nil
	})
	d.Register(taskevent.KindResult, func(ctx context.Context, e *taskevent.Event) error {
		results = append(results, e)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, d.Handle(ctx, taskevent.NewAckEvent("wf-1", "t-1", "w1:1234", time.Unix(100, 0))))
	require.NoError(t, d.Handle(ctx, taskevent.NewResultEvent("wf-1", "t-1", "w1:1234", 0, nil, time.Unix(101, 0))))

	require.Len(t, acks, 1)
	require.Len(t, results, 1)
}

func TestDispatch_UnknownKindDroppedWithoutError(t *testing.T) {
	d := newDispatch()

	// No handler registered for kill events, as an older master would have
	// for kinds introduced by newer workers.
	err := d.Handle(context.Background(), taskevent.NewKillEvent("wf-1", "t-1", "", time.Unix(100, 0)))
	require.NoError(t, err)
}

func TestDispatch_HandlerErrorWrapped(t *testing.T) {
	d := newDispatch()

	sentinel := errors.New("buffer full")
	d.Register(taskevent.KindAck, func(ctx context.Context, e *taskevent.Event) error {
		return sentinel
	})

	err := d.Handle(context.Background(), taskevent.NewAckEvent("wf-1", "t-1", "w1:1234", time.Unix(100, 0)))
	require.ErrorIs(t, err, sentinel)
}

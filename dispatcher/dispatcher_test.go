package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/orcasched/orca/core"
	"github.com/orcasched/orca/metrics"
	"github.com/orcasched/orca/registry"
	"github.com/orcasched/orca/resource/local"
	"github.com/orcasched/orca/taskevent"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     []string
	failFor  map[string]bool
	canceled []string
}

func (t *fakeTransport) Send(ctx context.Context, host string, cmd *ExecutionCommand) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failFor[host] {
		return errors.New("connection refused")
	}

	t.sent = append(t.sent, host)

	return nil
}

func (t *fakeTransport) Cancel(ctx context.Context, host string, taskInstanceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.canceled = append(t.canceled, taskInstanceID)

	return nil
}

func (t *fakeTransport) sentHosts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]string(nil), t.sent...)
}

type captureSink struct {
	events chan *taskevent.Event
}

func newCaptureSink() *captureSink {
	return &captureSink{events: make(chan *taskevent.Event, 16)}
}

func (s *captureSink) SubmitEvent(ctx context.Context, event *taskevent.Event) error {
	s.events <- event
	return nil
}

func (s *captureSink) next(t *testing.T) *taskevent.Event {
	t.Helper()

	select {
	case e := <-s.events:
		return e
	case <-time.After(time.Second * 2):
		t.Fatal("no event raised")
		return nil
	}
}

func registerWorkers(t *testing.T, reg registry.Registry, hosts ...string) {
	t.Helper()

	for _, host := range hosts {
		require.NoError(t, reg.Register(context.Background(), registry.Worker{
			Host:  host,
			Group: "default",
			Slots: 4,
		}))
	}
}

func newTestDispatcher(t *testing.T, transport Transport, sink *captureSink, options Options, hosts ...string) *Dispatcher {
	t.Helper()

	c := clock.New()
	reg := registry.NewMemoryRegistry(c, time.Minute)
	registerWorkers(t, reg, hosts...)

	d := New(
		reg,
		transport,
		local.NewLocalStorage(t.TempDir()),
		sink,
		NewRoundRobin(),
		c,
		slog.Default(),
		metrics.NewNoopClient(),
		options,
	)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	t.Cleanup(func() {
		cancel()
		d.Shutdown()
	})

	return d
}

func task() (*core.TaskInstance, *core.Node) {
	ti := core.NewTaskInstance("wf-1", "node-a", time.Now())
	node := &core.Node{Code: "node-a", TaskType: "shell", WorkerGroup: "default"}

	return ti, node
}

func TestDispatcher_SendsAndRaisesDispatchedEvent(t *testing.T) {
	transport := &fakeTransport{}
	sink := newCaptureSink()
	d := newTestDispatcher(t, transport, sink, DefaultOptions, "w1:1234")

	ti, node := task()
	require.NoError(t, d.Dispatch(context.Background(), "tenant-a", ti, node))

	event := sink.next(t)
	require.Equal(t, taskevent.KindDispatched, event.Kind)
	require.Equal(t, ti.ID, event.TaskInstanceID)
	require.Equal(t, "w1:1234", event.Host)
	require.Equal(t, []string{"w1:1234"}, transport.sentHosts())

	// The worker acknowledged; no deadline fires afterwards.
	d.Ack(ti.ID)
}

func TestDispatcher_FailedSendTriesAnotherWorker(t *testing.T) {
	transport := &fakeTransport{failFor: map[string]bool{"w1:1234": true}}
	sink := newCaptureSink()
	d := newTestDispatcher(t, transport, sink, Options{
		DispatchDeadline:       time.Second * 30,
		MaxDispatchAttempts:    3,
		RequeueInitialInterval: time.Millisecond,
		RequeueMaxElapsed:      time.Second,
	}, "w1:1234", "w2:1234")

	ti, node := task()
	require.NoError(t, d.Dispatch(context.Background(), "tenant-a", ti, node))

	event := sink.next(t)
	require.Equal(t, taskevent.KindDispatched, event.Kind)
	require.Equal(t, "w2:1234", event.Host)
	d.Ack(ti.ID)
}

func TestDispatcher_ExhaustsAfterMaxAttempts(t *testing.T) {
	transport := &fakeTransport{failFor: map[string]bool{"w1:1234": true, "w2:1234": true}}
	sink := newCaptureSink()
	d := newTestDispatcher(t, transport, sink, Options{
		DispatchDeadline:       time.Second * 30,
		MaxDispatchAttempts:    2,
		RequeueInitialInterval: time.Millisecond,
		RequeueMaxElapsed:      time.Millisecond * 100,
	}, "w1:1234", "w2:1234")

	ti, node := task()
	require.NoError(t, d.Dispatch(context.Background(), "tenant-a", ti, node))

	event := sink.next(t)
	require.Equal(t, taskevent.KindTimeout, event.Kind)
	require.Equal(t, taskevent.CauseDispatchExhausted, event.Cause)
	require.Equal(t, ti.ID, event.TaskInstanceID)
}

func TestDispatcher_NoWorkerEventuallyExhausts(t *testing.T) {
	transport := &fakeTransport{}
	sink := newCaptureSink()
	d := newTestDispatcher(t, transport, sink, Options{
		DispatchDeadline:       time.Second * 30,
		MaxDispatchAttempts:    3,
		RequeueInitialInterval: time.Millisecond,
		RequeueMaxElapsed:      time.Millisecond * 50,
	})

	ti, node := task()
	require.NoError(t, d.Dispatch(context.Background(), "tenant-a", ti, node))

	event := sink.next(t)
	require.Equal(t, taskevent.KindTimeout, event.Kind)
	require.Equal(t, taskevent.CauseNoEligibleWorker, event.Cause)
	require.Empty(t, transport.sentHosts())
}

// ackOnSendTransport acknowledges the dispatch from inside Send, the way a
// fast worker's ack can arrive before the send call returns.
type ackOnSendTransport struct {
	fakeTransport
	dispatcher *Dispatcher
}

func (t *ackOnSendTransport) Send(ctx context.Context, host string, cmd *ExecutionCommand) error {
	if err := t.fakeTransport.Send(ctx, host, cmd); err != nil {
		return err
	}

	t.dispatcher.Ack(cmd.TaskInstanceID)

	return nil
}

func TestDispatcher_AckDuringSendPreventsRedispatch(t *testing.T) {
	transport := &ackOnSendTransport{}
	sink := newCaptureSink()
	d := newTestDispatcher(t, transport, sink, Options{
		DispatchDeadline:       time.Millisecond * 50,
		MaxDispatchAttempts:    3,
		RequeueInitialInterval: time.Millisecond,
		RequeueMaxElapsed:      time.Second,
	}, "w1:1234", "w2:1234")
	transport.dispatcher = d

	ti, node := task()
	require.NoError(t, d.Dispatch(context.Background(), "tenant-a", ti, node))

	event := sink.next(t)
	require.Equal(t, taskevent.KindDispatched, event.Kind)

	// The deadline record was registered before the send, so the in-flight
	// ack found it; no deadline expires and the task stays on one worker.
	time.Sleep(time.Millisecond * 200)
	require.Len(t, transport.sentHosts(), 1)
}

func TestDispatcher_UnackedDeadlineRedispatchesElsewhere(t *testing.T) {
	transport := &fakeTransport{}
	sink := newCaptureSink()
	d := newTestDispatcher(t, transport, sink, Options{
		DispatchDeadline:       time.Millisecond * 50,
		MaxDispatchAttempts:    3,
		RequeueInitialInterval: time.Millisecond,
		RequeueMaxElapsed:      time.Second,
	}, "w1:1234", "w2:1234")

	ti, node := task()
	require.NoError(t, d.Dispatch(context.Background(), "tenant-a", ti, node))

	first := sink.next(t)
	require.Equal(t, taskevent.KindDispatched, first.Kind)

	// No ack arrives; the deadline expires and the task goes to the other
	// worker.
	second := sink.next(t)
	require.Equal(t, taskevent.KindDispatched, second.Kind)
	require.NotEqual(t, first.Host, second.Host)

	d.Ack(ti.ID)
}

func TestDispatcher_MissingResourceFailsDispatch(t *testing.T) {
	transport := &fakeTransport{}
	sink := newCaptureSink()
	d := newTestDispatcher(t, transport, sink, DefaultOptions, "w1:1234")

	ti, node := task()
	node.Resources = []string{"scripts/etl.sql"}

	err := d.Dispatch(context.Background(), "tenant-a", ti, node)
	require.Error(t, err)
	require.Empty(t, transport.sentHosts())
}

func TestDispatcher_CancelForwardsToWorker(t *testing.T) {
	transport := &fakeTransport{}
	sink := newCaptureSink()
	d := newTestDispatcher(t, transport, sink, DefaultOptions, "w1:1234")

	require.NoError(t, d.Cancel(context.Background(), "w1:1234", "task-1"))
	require.Equal(t, []string{"task-1"}, transport.canceled)

	// A task that never reached a worker has nothing to cancel.
	require.NoError(t, d.Cancel(context.Background(), "", "task-2"))
	require.Len(t, transport.canceled, 1)
}

func TestRoundRobin_CyclesThroughWorkers(t *testing.T) {
	lb := NewRoundRobin()
	workers := []registry.Worker{{Host: "a"}, {Host: "b"}, {Host: "c"}}

	var picked []string
	for i := 0; i < 6; i++ {
		w, ok := lb.Select(workers)
		require.True(t, ok)
		picked = append(picked, w.Host)
	}

	require.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picked)

	_, ok := lb.Select(nil)
	require.False(t, ok)
}

func TestLowerLoad_PicksLeastLoaded(t *testing.T) {
	lb := NewLowerLoad()

	w, ok := lb.Select([]registry.Worker{
		{Host: "a", Load: 0.9},
		{Host: "b", Load: 0.1},
		{Host: "c", Load: 0.5},
	})
	require.True(t, ok)
	require.Equal(t, "b", w.Host)

	_, ok = lb.Select(nil)
	require.False(t, ok)
}

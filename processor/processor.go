// Package processor drains the task event queue and drives the task instance
// state machine.
//
// A fixed pool of workers consumes the queue; the queue's per-instance
// partitioning guarantees that at most one worker processes events of a given
// workflow instance at a time, so transitions within an instance are applied
// in arrival order while unrelated instances progress in parallel.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	goerrors "github.com/go-errors/errors"

	"github.com/orcasched/orca/core"
	"github.com/orcasched/orca/internal/eventqueue"
	"github.com/orcasched/orca/internal/log"
	"github.com/orcasched/orca/internal/metrickeys"
	"github.com/orcasched/orca/metrics"
	"github.com/orcasched/orca/store"
	"github.com/orcasched/orca/taskevent"
)

// ErrIllegalTransition marks an event that does not match the task's current
// state. The event is dropped and the task keeps its last valid state so
// operators can diagnose and intervene.
var ErrIllegalTransition = errors.New("illegal task state transition")

// Notifier receives the outcomes the processing service cannot handle alone:
// terminal task transitions feed the DAG executor, workflow-level kill events
// terminate the whole instance.
type Notifier interface {
	OnTaskTerminal(ctx context.Context, task *core.TaskInstance)
	OnWorkflowKill(ctx context.Context, instanceID, cause string)
}

// Acker releases the dispatch deadline of an acknowledged task.
type Acker interface {
	Ack(taskInstanceID string)
}

type Service struct {
	queue    *eventqueue.Queue
	store    store.Store
	notifier Notifier
	acker    Acker

	clock   clock.Clock
	logger  *slog.Logger
	metrics metrics.Client

	workers int
	wg      sync.WaitGroup
}

func NewService(
	queue *eventqueue.Queue,
	st store.Store,
	notifier Notifier,
	acker Acker,
	c clock.Clock,
	logger *slog.Logger,
	mc metrics.Client,
	workers int,
) *Service {
	return &Service{
		queue:    queue,
		store:    st,
		notifier: notifier,
		acker:    acker,
		clock:    c,
		logger:   logger,
		metrics:  mc,
		workers:  workers,
	}
}

// Start launches the worker pool draining the queue until ctx is canceled or
// the queue is closed and drained.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(s.workers)

	for i := 0; i < s.workers; i++ {
		go s.worker(ctx)
	}
}

// WaitForCompletion blocks until all pool workers exited.
func (s *Service) WaitForCompletion() {
	s.wg.Wait()
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		event, done, err := s.queue.Dequeue(ctx)
		if err != nil {
			// Context canceled or queue closed and drained.
			return
		}

		s.handle(ctx, event)
		done()
	}
}

// handle isolates event failures: an error or panic while processing one
// event must never take down a shared pool worker.
func (s *Service) handle(ctx context.Context, event *taskevent.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "Panic processing task event",
				log.EventIDKey, event.ID,
				log.InstanceIDKey, event.WorkflowInstanceID,
				"panic", fmt.Sprintf("%v", r),
				"stack", goerrors.Wrap(r, 2).ErrorStack(),
			)
		}
	}()

	if err := s.Process(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "Processing task event",
			"error", err,
			log.EventIDKey, event.ID,
			log.EventKindKey, event.Kind.String(),
			log.InstanceIDKey, event.WorkflowInstanceID,
			log.TaskIDKey, event.TaskInstanceID,
		)
	}
}

// Process idempotently persists one event and applies it to the task
// instance state machine. Duplicate deliveries are no-ops; events that do
// not match the task's current state are logged as inconsistencies and
// dropped without corrupting the task.
func (s *Service) Process(ctx context.Context, event *taskevent.Event) error {
	if err := s.store.AppendEvent(ctx, event); err != nil {
		if errors.Is(err, store.ErrDuplicateEvent) {
			s.metrics.Counter(metrickeys.EventDuplicate, metrics.Tags{metrickeys.EventKind: event.Kind.String()}, 1)
			s.logger.DebugContext(ctx, "Skipping duplicate task event", log.EventIDKey, event.ID)
			return nil
		}

		return fmt.Errorf("journaling event: %w", err)
	}

	// A kill without a task instance id terminates the whole instance. It
	// traveled through the same per-instance ordered stream, so it is
	// applied strictly after every event enqueued before it.
	if event.Kind == taskevent.KindKill && event.TaskInstanceID == "" {
		s.notifier.OnWorkflowKill(ctx, event.WorkflowInstanceID, event.Cause)
		s.metrics.Counter(metrickeys.EventProcessed, metrics.Tags{metrickeys.EventKind: event.Kind.String()}, 1)
		return nil
	}

	task, err := s.store.GetTaskInstance(ctx, event.TaskInstanceID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			s.inconsistency(ctx, event, "event references unknown task instance")
			return nil
		}

		return fmt.Errorf("loading task instance: %w", err)
	}

	changed, err := s.apply(task, event)
	if err != nil {
		if errors.Is(err, ErrIllegalTransition) {
			s.inconsistency(ctx, event, fmt.Sprintf("event does not match task state %s", task.State))
			return nil
		}

		return err
	}

	if changed {
		if err := s.store.UpdateTaskInstance(ctx, task); err != nil {
			return fmt.Errorf("persisting task instance: %w", err)
		}
	}

	if event.Kind == taskevent.KindAck {
		s.acker.Ack(task.ID)
	}

	s.metrics.Counter(metrickeys.EventProcessed, metrics.Tags{metrickeys.EventKind: event.Kind.String()}, 1)
	s.metrics.Timing(metrickeys.EventQueueTime, metrics.Tags{metrickeys.EventKind: event.Kind.String()}, s.clock.Since(event.Timestamp))

	if task.State.Terminal() {
		s.notifier.OnTaskTerminal(ctx, task)
	}

	return nil
}

// apply mutates the task according to the event, enforcing the legal
// transition table. It returns whether the task changed.
func (s *Service) apply(task *core.TaskInstance, event *taskevent.Event) (bool, error) {
	switch event.Kind {
	case taskevent.KindDispatched:
		// Informational host assignment; the state moves on the worker ack.
		if task.State != core.TaskStateSubmitted {
			return false, nil
		}
		task.Host = event.Host
		return true, nil

	case taskevent.KindAck:
		if err := s.transition(task, core.TaskStateDispatched); err != nil {
			return false, err
		}
		task.Host = event.Host
		return true, nil

	case taskevent.KindRunning:
		if err := s.transition(task, core.TaskStateRunning); err != nil {
			return false, err
		}
		task.StartedAt = event.Timestamp
		return true, nil

	case taskevent.KindResult:
		target := core.TaskStateSuccess
		if event.ExitCode != 0 {
			target = core.TaskStateFailed
		}
		if err := s.transition(task, target); err != nil {
			return false, err
		}
		task.ExitCode = event.ExitCode
		task.EndedAt = event.Timestamp
		task.Varpool = event.Varpool
		if target == core.TaskStateFailed {
			task.FailureCause = fmt.Sprintf("task exited with code %d", event.ExitCode)
		}
		return true, nil

	case taskevent.KindTimeout:
		// A dispatch that never got acknowledged fails outright; a running
		// task that overran its timeout keeps its retry semantics.
		target := core.TaskStateTimedOut
		if task.State == core.TaskStateSubmitted {
			target = core.TaskStateFailed
		}
		if err := s.transition(task, target); err != nil {
			return false, err
		}
		task.EndedAt = event.Timestamp
		task.FailureCause = event.Cause
		return true, nil

	case taskevent.KindKill:
		if err := s.transition(task, core.TaskStateKilled); err != nil {
			return false, err
		}
		task.EndedAt = event.Timestamp
		task.FailureCause = event.Cause
		return true, nil

	default:
		return false, fmt.Errorf("%w: unhandled event kind %s", ErrIllegalTransition, event.Kind)
	}
}

func (s *Service) transition(task *core.TaskInstance, target core.TaskState) error {
	if !task.State.CanTransition(target) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, task.State, target)
	}

	task.State = target

	return nil
}

func (s *Service) inconsistency(ctx context.Context, event *taskevent.Event, reason string) {
	s.metrics.Counter(metrickeys.TaskInconsistentEvent, metrics.Tags{metrickeys.EventKind: event.Kind.String()}, 1)
	s.logger.ErrorContext(ctx, "Dropping inconsistent task event",
		log.CauseKey, reason,
		log.EventIDKey, event.ID,
		log.EventKindKey, event.Kind.String(),
		log.InstanceIDKey, event.WorkflowInstanceID,
		log.TaskIDKey, event.TaskInstanceID,
	)
}

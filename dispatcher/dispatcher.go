// Package dispatcher sends task execution commands to workers and supervises
// their acknowledgement.
//
// Each dispatch is tracked in a TTL cache keyed by task instance id; the TTL
// is the ack deadline. An entry expiring unacknowledged counts as a dispatch
// failure: the task is redispatched to a different worker, up to a bounded
// number of attempts, after which a synthetic timeout event with a
// dispatch-exhausted cause is injected into the event stream. Dispatcher
// goroutines never block on network round-trips waiting for acks.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/jellydator/ttlcache/v3"

	"github.com/orcasched/orca/core"
	"github.com/orcasched/orca/internal/log"
	"github.com/orcasched/orca/internal/metrickeys"
	"github.com/orcasched/orca/metrics"
	"github.com/orcasched/orca/registry"
	"github.com/orcasched/orca/resource"
	"github.com/orcasched/orca/taskevent"
)

// ExecutionCommand is what gets sent to a worker. The wire encoding is owned
// by the transport.
type ExecutionCommand struct {
	TaskInstanceID     string
	WorkflowInstanceID string
	NodeCode           string
	TaskType           string
	Timeout            time.Duration
	Params             map[string]string

	// Resources are the resolved full storage paths of the node's resource
	// file references.
	Resources []string
}

// Transport delivers commands to workers.
type Transport interface {
	Send(ctx context.Context, host string, cmd *ExecutionCommand) error

	// Cancel requests best-effort termination of a running task.
	Cancel(ctx context.Context, host string, taskInstanceID string) error
}

// EventSink receives the synthetic events the dispatcher raises (dispatched,
// dispatch timeout). In the engine this is the same at-least-once path worker
// reports arrive on, keeping per-instance ordering.
type EventSink interface {
	SubmitEvent(ctx context.Context, event *taskevent.Event) error
}

type Options struct {
	// DispatchDeadline is how long to wait for a worker ack.
	DispatchDeadline time.Duration

	// MaxDispatchAttempts bounds sends per task instance, first try included.
	MaxDispatchAttempts int

	// RequeueInitialInterval and RequeueMaxElapsed bound the backoff loop
	// waiting for an eligible worker to appear.
	RequeueInitialInterval time.Duration
	RequeueMaxElapsed      time.Duration
}

var DefaultOptions = Options{
	DispatchDeadline:       time.Second * 30,
	MaxDispatchAttempts:    3,
	RequeueInitialInterval: time.Second,
	RequeueMaxElapsed:      time.Minute * 5,
}

type record struct {
	mu sync.Mutex

	taskInstanceID     string
	workflowInstanceID string
	command            *ExecutionCommand
	workerGroup        string

	attempts   int
	triedHosts map[string]bool
	host       string
	acked      bool
}

type Dispatcher struct {
	registry  registry.Registry
	transport Transport
	storage   resource.Storage
	sink      EventSink
	balancer  LoadBalancer

	records *ttlcache.Cache[string, *record]

	options Options
	clock   clock.Clock
	logger  *slog.Logger
	metrics metrics.Client

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
}

func New(
	reg registry.Registry,
	transport Transport,
	storage resource.Storage,
	sink EventSink,
	balancer LoadBalancer,
	c clock.Clock,
	logger *slog.Logger,
	mc metrics.Client,
	options Options,
) *Dispatcher {
	d := &Dispatcher{
		registry:  reg,
		transport: transport,
		storage:   storage,
		sink:      sink,
		balancer:  balancer,
		options:   options,
		clock:     c,
		logger:    logger,
		metrics:   mc,
	}

	d.records = ttlcache.New(
		ttlcache.WithTTL[string, *record](options.DispatchDeadline),
		ttlcache.WithDisableTouchOnHit[string, *record](),
	)

	d.records.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *record]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}

		d.onDeadlineExpired(item.Value())
	})

	return d
}

// Start runs the deadline eviction loop until ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.baseCtx, d.cancelBase = context.WithCancel(context.Background())

	go d.records.Start()

	go func() {
		<-ctx.Done()
		d.records.Stop()
		d.cancelBase()
	}()
}

// Shutdown waits for in-flight dispatch attempts to settle.
func (d *Dispatcher) Shutdown() {
	if d.cancelBase != nil {
		d.cancelBase()
	}
	d.wg.Wait()
}

// Dispatch resolves the node's resource references and sends the task to a
// worker of the node's group. Resource resolution failure fails the dispatch
// immediately with a resource-not-found cause; transient worker
// unavailability is retried with backoff instead of failing the task.
func (d *Dispatcher) Dispatch(ctx context.Context, tenant string, task *core.TaskInstance, node *core.Node) error {
	resources, err := d.resolveResources(ctx, tenant, node)
	if err != nil {
		return err
	}

	rec := &record{
		taskInstanceID:     task.ID,
		workflowInstanceID: task.WorkflowInstanceID,
		workerGroup:        node.WorkerGroup,
		triedHosts:         map[string]bool{},
		command: &ExecutionCommand{
			TaskInstanceID:     task.ID,
			WorkflowInstanceID: task.WorkflowInstanceID,
			NodeCode:           node.Code,
			TaskType:           node.TaskType,
			Timeout:            node.Timeout,
			Params:             node.Params,
			Resources:          resources,
		},
	}

	d.wg.Add(1)
	go d.run(rec)

	return nil
}

// Ack marks a dispatch as acknowledged by the worker and drops its deadline.
func (d *Dispatcher) Ack(taskInstanceID string) {
	item := d.records.Get(taskInstanceID)
	if item == nil {
		return
	}

	rec := item.Value()
	rec.mu.Lock()
	rec.acked = true
	rec.mu.Unlock()

	d.records.Delete(taskInstanceID)
}

// Cancel requests best-effort termination of a task on its worker.
func (d *Dispatcher) Cancel(ctx context.Context, host, taskInstanceID string) error {
	if host == "" {
		return nil
	}

	return d.transport.Cancel(ctx, host, taskInstanceID)
}

func (d *Dispatcher) resolveResources(ctx context.Context, tenant string, node *core.Node) ([]string, error) {
	var resolved []string
	for _, name := range node.Resources {
		fullName := d.storage.ResourceFullName(tenant, name)

		exists, err := d.storage.Exists(ctx, fullName)
		if err != nil {
			return nil, fmt.Errorf("resolving resource %s: %w", name, err)
		}
		if !exists {
			return nil, fmt.Errorf("resolving resource %s: %w", name, resource.ErrResourceNotFound)
		}

		resolved = append(resolved, fullName)
	}

	return resolved, nil
}

func (d *Dispatcher) run(rec *record) {
	defer d.wg.Done()

	ctx := d.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}

	b := backoff.ExponentialBackOff{
		InitialInterval:     d.options.RequeueInitialInterval,
		MaxInterval:         d.options.RequeueInitialInterval * 30,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxElapsedTime:      d.options.RequeueMaxElapsed,
		Stop:                backoff.Stop,
		Clock:               d.clock,
	}
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		rec.mu.Lock()
		acked := rec.acked
		rec.mu.Unlock()
		if acked {
			return
		}

		worker, ok := d.selectWorker(ctx, rec)
		if !ok {
			// No eligible worker right now; requeue rather than failing
			// the task on transient unavailability.
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				d.exhaust(ctx, rec, taskevent.CauseNoEligibleWorker)
				return
			}

			d.clock.Sleep(wait)
			continue
		}

		rec.mu.Lock()
		rec.attempts++
		attempt := rec.attempts
		rec.host = worker.Host
		rec.mu.Unlock()

		// The deadline is registered before the send so an ack racing the
		// network round-trip finds its record; otherwise an already
		// acknowledged task would expire and be sent to a second worker.
		d.records.Set(rec.taskInstanceID, rec, d.options.DispatchDeadline)

		if err := d.transport.Send(ctx, worker.Host, rec.command); err != nil {
			d.records.Delete(rec.taskInstanceID)

			d.logger.WarnContext(ctx, "Dispatch failed",
				log.TaskIDKey, rec.taskInstanceID,
				log.WorkerHostKey, worker.Host,
				log.AttemptKey, attempt,
				"error", err,
			)

			rec.mu.Lock()
			rec.host = ""
			rec.triedHosts[worker.Host] = true
			exhausted := rec.attempts >= d.options.MaxDispatchAttempts
			rec.mu.Unlock()

			if exhausted {
				d.exhaust(ctx, rec, taskevent.CauseDispatchExhausted)
				return
			}

			continue
		}

		d.metrics.Counter(metrickeys.TaskDispatched, metrics.Tags{metrickeys.WorkerHost: worker.Host}, 1)
		d.logger.DebugContext(ctx, "Dispatched task",
			log.InstanceIDKey, rec.workflowInstanceID,
			log.TaskIDKey, rec.taskInstanceID,
			log.WorkerHostKey, worker.Host,
			log.AttemptKey, attempt,
		)

		event := taskevent.NewDispatchedEvent(rec.workflowInstanceID, rec.taskInstanceID, worker.Host, d.clock.Now())
		if err := d.sink.SubmitEvent(ctx, event); err != nil {
			d.logger.ErrorContext(ctx, "Submitting dispatched event", "error", err, log.TaskIDKey, rec.taskInstanceID)
		}

		return
	}
}

func (d *Dispatcher) selectWorker(ctx context.Context, rec *record) (registry.Worker, bool) {
	workers, err := d.registry.Workers(ctx, rec.workerGroup)
	if err != nil {
		d.logger.ErrorContext(ctx, "Listing workers", "error", err, log.WorkerGroupKey, rec.workerGroup)
		return registry.Worker{}, false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	eligible := workers[:0:0]
	for _, w := range workers {
		if w.Slots <= 0 {
			continue
		}
		if rec.triedHosts[w.Host] {
			continue
		}
		eligible = append(eligible, w)
	}

	return d.balancer.Select(eligible)
}

// onDeadlineExpired handles a dispatch record whose ack deadline elapsed.
func (d *Dispatcher) onDeadlineExpired(rec *record) {
	rec.mu.Lock()
	if rec.acked {
		rec.mu.Unlock()
		return
	}

	// The worker never acknowledged; exclude it from the next selection.
	if rec.host != "" {
		rec.triedHosts[rec.host] = true
	}
	exhausted := rec.attempts >= d.options.MaxDispatchAttempts
	rec.mu.Unlock()

	ctx := d.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}

	if exhausted {
		d.exhaust(ctx, rec, taskevent.CauseDispatchExhausted)
		return
	}

	d.metrics.Counter(metrickeys.TaskRedispatched, metrics.Tags{}, 1)
	d.logger.WarnContext(ctx, "Dispatch not acknowledged in time, redispatching",
		log.InstanceIDKey, rec.workflowInstanceID,
		log.TaskIDKey, rec.taskInstanceID,
		log.WorkerHostKey, rec.host,
		log.AttemptKey, rec.attempts,
	)

	d.wg.Add(1)
	go d.run(rec)
}

func (d *Dispatcher) exhaust(ctx context.Context, rec *record, cause string) {
	d.metrics.Counter(metrickeys.TaskDispatchExhausted, metrics.Tags{}, 1)
	d.logger.ErrorContext(ctx, "Dispatch attempts exhausted",
		log.InstanceIDKey, rec.workflowInstanceID,
		log.TaskIDKey, rec.taskInstanceID,
		log.CauseKey, cause,
	)

	event := taskevent.NewTimeoutEvent(rec.workflowInstanceID, rec.taskInstanceID, cause, d.clock.Now())
	if err := d.sink.SubmitEvent(ctx, event); err != nil {
		d.logger.ErrorContext(ctx, "Submitting dispatch timeout event", "error", err, log.TaskIDKey, rec.taskInstanceID)
	}
}

// Package engine wires the master's event-driven execution core: listener,
// event queue, processing service, DAG executors and dispatcher.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/trace"

	"github.com/orcasched/orca/core"
	"github.com/orcasched/orca/dispatcher"
	"github.com/orcasched/orca/executor"
	"github.com/orcasched/orca/internal/eventqueue"
	"github.com/orcasched/orca/internal/log"
	"github.com/orcasched/orca/internal/metrickeys"
	"github.com/orcasched/orca/listener"
	"github.com/orcasched/orca/metrics"
	"github.com/orcasched/orca/processor"
	"github.com/orcasched/orca/registry"
	"github.com/orcasched/orca/resource"
	"github.com/orcasched/orca/store"
	"github.com/orcasched/orca/taskevent"
)

var (
	ErrInstanceAlreadyRunning = errors.New("workflow instance already has a live state machine")
	ErrInstanceStillRunning   = errors.New("workflow instance is still running")
	ErrWaitTimeout            = errors.New("workflow instance did not finish in time")
)

// subWorkflowHost marks task instances whose "worker" is a child workflow
// instance.
const subWorkflowHost = "sub-workflow"

type Engine struct {
	options *Options

	store       store.Store
	definitions DefinitionLoader

	queue      *eventqueue.Queue
	listener   *listener.Dispatch
	processor  *processor.Service
	dispatcher *dispatcher.Dispatcher

	tracer trace.Tracer

	mu        sync.Mutex
	executors map[string]*executor.WorkflowExecutor
	started   bool

	cancel context.CancelFunc
}

// New assembles an engine. The transport delivers execution commands to
// workers; storage resolves tenant resource files at dispatch time.
func New(
	st store.Store,
	reg registry.Registry,
	transport dispatcher.Transport,
	storage resource.Storage,
	definitions DefinitionLoader,
	opts ...Option,
) *Engine {
	options := ApplyOptions(opts...)

	e := &Engine{
		options:     options,
		store:       st,
		definitions: definitions,
		executors:   map[string]*executor.WorkflowExecutor{},
		tracer:      options.TracerProvider.Tracer(TracerName),
	}

	e.queue = eventqueue.New(options.QueueCapacity, options.Backpressure)

	e.dispatcher = dispatcher.New(
		reg,
		transport,
		storage,
		e,
		options.LoadBalancer,
		options.Clock,
		options.Logger,
		options.Metrics,
		options.Dispatch,
	)

	e.listener = listener.New(options.Logger, e.tracer, options.Metrics)
	enqueue := func(ctx context.Context, event *taskevent.Event) error {
		return e.queue.Enqueue(ctx, event)
	}
	for _, kind := range []taskevent.Kind{
		taskevent.KindDispatched,
		taskevent.KindAck,
		taskevent.KindRunning,
		taskevent.KindResult,
		taskevent.KindTimeout,
		taskevent.KindKill,
	} {
		e.listener.Register(kind, enqueue)
	}

	e.processor = processor.NewService(
		e.queue,
		st,
		e,
		e.dispatcher,
		options.Clock,
		options.Logger,
		options.Metrics,
		options.ProcessWorkers,
	)

	return e
}

// Start verifies the store, reconstructs live state machines for instances
// not in a terminal persisted state, and begins processing. A store that
// cannot be reached is fatal: the engine refuses to run with potentially
// inconsistent state.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("persistence layer unavailable: %w", err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		cancel()
		return errors.New("engine already started")
	}
	e.started = true
	e.cancel = cancel
	e.mu.Unlock()

	e.dispatcher.Start(baseCtx)
	e.processor.Start(baseCtx)

	if err := e.recoverInstances(ctx); err != nil {
		return err
	}

	return nil
}

// Shutdown drains buffered events, waits for the processing pool and stops
// the dispatcher. The store stays open; it belongs to the caller.
func (e *Engine) Shutdown() {
	e.queue.Close()
	e.processor.WaitForCompletion()

	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	e.dispatcher.Shutdown()
}

func (e *Engine) recoverInstances(ctx context.Context) error {
	instances, err := e.store.ListRunningWorkflowInstances(ctx)
	if err != nil {
		return fmt.Errorf("listing running workflow instances: %w", err)
	}

	for _, wi := range instances {
		wi.CommandType = core.CommandTypeRecover

		if err := e.spawnExecutor(ctx, wi); err != nil {
			e.options.Logger.ErrorContext(ctx, "Recovering workflow instance",
				"error", err,
				log.InstanceIDKey, wi.ID,
			)
		}
	}

	return nil
}

// SubmitEvent accepts one externally reported task event. Delivery is
// at-least-once; duplicates are deduplicated downstream.
func (e *Engine) SubmitEvent(ctx context.Context, event *taskevent.Event) error {
	return e.listener.Handle(ctx, event)
}

// SubmitCommand executes a workflow-level command. Commands arrive through
// the already-authorized API path.
func (e *Engine) SubmitCommand(ctx context.Context, cmd *core.Command) (*core.WorkflowInstance, error) {
	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("SubmitCommand: %s", cmd.Type))
	defer span.End()

	switch cmd.Type {
	case core.CommandTypeStart:
		return e.startInstance(ctx, cmd.DefinitionID, core.CommandTypeStart, "", "")

	case core.CommandTypeRerun:
		previous, err := e.store.GetWorkflowInstance(ctx, cmd.InstanceID)
		if err != nil {
			return nil, fmt.Errorf("loading workflow instance for rerun: %w", err)
		}
		if !previous.State.Terminal() {
			return nil, ErrInstanceStillRunning
		}

		return e.startInstance(ctx, previous.DefinitionID, core.CommandTypeRerun, "", "")

	case core.CommandTypeRecover:
		return e.recoverInstance(ctx, cmd.InstanceID)

	case core.CommandTypeKill:
		wi, err := e.store.GetWorkflowInstance(ctx, cmd.InstanceID)
		if err != nil {
			return nil, fmt.Errorf("loading workflow instance for kill: %w", err)
		}

		// The kill travels the ordered per-instance stream so it lands
		// strictly after every previously submitted event.
		event := taskevent.NewKillEvent(cmd.InstanceID, "", "killed by command", e.options.Clock.Now())
		if err := e.SubmitEvent(ctx, event); err != nil {
			return nil, err
		}

		return wi, nil

	default:
		return nil, fmt.Errorf("unknown command type %d", cmd.Type)
	}
}

func (e *Engine) startInstance(ctx context.Context, definitionID string, commandType core.CommandType, parentInstanceID, parentNodeCode string) (*core.WorkflowInstance, error) {
	definition, err := e.definitions.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, fmt.Errorf("loading definition: %w", err)
	}

	wi := core.NewWorkflowInstance(definitionID, commandType, e.options.Clock.Now())
	wi.Tenant = definition.Tenant
	wi.ParentInstanceID = parentInstanceID
	wi.ParentNodeCode = parentNodeCode

	if err := e.store.CreateWorkflowInstance(ctx, wi); err != nil {
		return nil, fmt.Errorf("persisting workflow instance: %w", err)
	}

	if err := e.spawnExecutor(ctx, wi); err != nil {
		return nil, err
	}

	e.options.Metrics.Counter(metrickeys.WorkflowInstanceCreated, metrics.Tags{}, 1)
	e.options.Logger.InfoContext(ctx, "Created workflow instance",
		log.InstanceIDKey, wi.ID,
		log.DefinitionIDKey, definitionID,
		log.CommandTypeKey, commandType.String(),
	)

	return wi, nil
}

func (e *Engine) recoverInstance(ctx context.Context, instanceID string) (*core.WorkflowInstance, error) {
	wi, err := e.store.GetWorkflowInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("loading workflow instance for recovery: %w", err)
	}

	if wi.State == core.WorkflowStateRunning {
		e.mu.Lock()
		_, live := e.executors[instanceID]
		e.mu.Unlock()
		if live {
			return nil, ErrInstanceAlreadyRunning
		}
	}

	wi.State = core.WorkflowStateRunning
	wi.CommandType = core.CommandTypeRecover
	wi.EndedAt = time.Time{}

	if err := e.store.UpdateWorkflowInstance(ctx, wi); err != nil {
		return nil, fmt.Errorf("persisting recovered workflow instance: %w", err)
	}

	if err := e.spawnExecutor(ctx, wi); err != nil {
		return nil, err
	}

	return wi, nil
}

// spawnExecutor registers the single live state machine for an instance id
// and dispatches its initial ready set. Insert-if-absent keeps the invariant
// that no two executors mutate the same instance.
func (e *Engine) spawnExecutor(ctx context.Context, wi *core.WorkflowInstance) error {
	definition, err := e.definitions.GetDefinition(ctx, wi.DefinitionID)
	if err != nil {
		return fmt.Errorf("loading definition: %w", err)
	}

	ex := executor.New(
		wi,
		definition,
		e.store,
		e.dispatcher,
		e,
		e.options.Clock,
		e.options.Logger,
		e.options.Metrics,
		e.onWorkflowFinished,
	)

	e.mu.Lock()
	if _, exists := e.executors[wi.ID]; exists {
		e.mu.Unlock()
		return ErrInstanceAlreadyRunning
	}
	e.executors[wi.ID] = ex
	e.mu.Unlock()

	if err := ex.Start(ctx); err != nil {
		e.mu.Lock()
		delete(e.executors, wi.ID)
		e.mu.Unlock()

		return fmt.Errorf("starting workflow executor: %w", err)
	}

	return nil
}

func (e *Engine) executorFor(instanceID string) (*executor.WorkflowExecutor, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ex, ok := e.executors[instanceID]

	return ex, ok
}

// OnTaskTerminal routes a terminal task transition to its instance's state
// machine. Calls for one instance arrive serialized by the event queue.
func (e *Engine) OnTaskTerminal(ctx context.Context, task *core.TaskInstance) {
	ex, ok := e.executorFor(task.WorkflowInstanceID)
	if !ok {
		e.options.Logger.ErrorContext(ctx, "Terminal task for instance without live state machine",
			log.InstanceIDKey, task.WorkflowInstanceID,
			log.TaskIDKey, task.ID,
		)
		return
	}

	ex.OnTaskTerminal(ctx, task)
}

// OnWorkflowKill terminates an instance's state machine. The kill cascades
// to live child instances started by sub-workflow nodes; an orphaned child
// must not keep running into a terminal parent.
func (e *Engine) OnWorkflowKill(ctx context.Context, instanceID, cause string) {
	ex, ok := e.executorFor(instanceID)
	if !ok {
		e.options.Logger.WarnContext(ctx, "Kill for instance without live state machine",
			log.InstanceIDKey, instanceID,
		)
		return
	}

	children := map[string][]*executor.WorkflowExecutor{}
	for _, live := range e.liveExecutors() {
		wi := live.Instance()
		if wi.SubWorkflow() {
			children[wi.ParentInstanceID] = append(children[wi.ParentInstanceID], live)
		}
	}

	frontier := []string{instanceID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]

		for _, child := range children[id] {
			frontier = append(frontier, child.Instance().ID)
			child.Kill(ctx, cause)
		}
	}

	ex.Kill(ctx, cause)
}

func (e *Engine) liveExecutors() []*executor.WorkflowExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*executor.WorkflowExecutor, 0, len(e.executors))
	for _, ex := range e.executors {
		out = append(out, ex)
	}

	return out
}

// StartSubWorkflow starts the child instance backing a sub-workflow node.
func (e *Engine) StartSubWorkflow(ctx context.Context, definitionID, parentInstanceID, parentNodeCode string) error {
	_, err := e.startInstance(ctx, definitionID, core.CommandTypeStart, parentInstanceID, parentNodeCode)

	return err
}

// onWorkflowFinished removes the instance's state machine and, for a
// sub-workflow, reports the child's terminal state into the parent's event
// stream as the node's result.
func (e *Engine) onWorkflowFinished(instanceID string, state core.WorkflowState) {
	e.mu.Lock()
	ex, ok := e.executors[instanceID]
	delete(e.executors, instanceID)
	e.mu.Unlock()

	if !ok {
		return
	}

	wi := ex.Instance()
	if !wi.SubWorkflow() {
		return
	}

	ctx := context.Background()

	parent, ok := e.executorFor(wi.ParentInstanceID)
	if !ok {
		e.options.Logger.Warn("Sub-workflow finished but parent has no live state machine",
			log.InstanceIDKey, wi.ParentInstanceID,
		)
		return
	}

	task, ok := parent.NodeTask(wi.ParentNodeCode)
	if !ok {
		e.options.Logger.Error("Sub-workflow finished but parent node has no task instance",
			log.InstanceIDKey, wi.ParentInstanceID,
			log.NodeCodeKey, wi.ParentNodeCode,
		)
		return
	}

	exitCode := 0
	if state != core.WorkflowStateSuccess {
		exitCode = 1
	}

	now := e.options.Clock.Now()
	events := []*taskevent.Event{
		taskevent.NewAckEvent(wi.ParentInstanceID, task.ID, subWorkflowHost, now),
		taskevent.NewRunningEvent(wi.ParentInstanceID, task.ID, subWorkflowHost, "", now),
		taskevent.NewResultEvent(wi.ParentInstanceID, task.ID, subWorkflowHost, exitCode, nil, now),
	}

	for _, event := range events {
		if err := e.SubmitEvent(ctx, event); err != nil {
			e.options.Logger.Error("Reporting sub-workflow result to parent", "error", err,
				log.InstanceIDKey, wi.ParentInstanceID,
			)
			return
		}
	}
}

// WaitForWorkflowInstance polls until the instance reaches a terminal
// persisted state or the timeout expires.
func (e *Engine) WaitForWorkflowInstance(ctx context.Context, instanceID string, timeout time.Duration) (core.WorkflowState, error) {
	if timeout == 0 {
		timeout = time.Second * 20
	}

	b := backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond * 1,
		MaxInterval:         time.Second * 1,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxElapsedTime:      timeout,
		Stop:                backoff.Stop,
		Clock:               e.options.Clock,
	}
	b.Reset()

	ticker := backoff.NewTicker(&b)
	defer ticker.Stop()

	for range ticker.C {
		wi, err := e.store.GetWorkflowInstance(ctx, instanceID)
		if err != nil {
			return core.WorkflowStateRunning, fmt.Errorf("getting workflow instance: %w", err)
		}

		if wi.State.Terminal() {
			return wi.State, nil
		}
	}

	return core.WorkflowStateRunning, ErrWaitTimeout
}

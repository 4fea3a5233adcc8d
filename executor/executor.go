// Package executor drives the DAG state machine of one workflow instance.
//
// A WorkflowExecutor is the single owner of its instance's mutable state:
// the engine guarantees at most one executor per instance id, and all entry
// points serialize on the executor's mutex, so per-instance transitions are
// applied strictly in event order while unrelated instances progress in
// parallel.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/orcasched/orca/core"
	"github.com/orcasched/orca/internal/log"
	"github.com/orcasched/orca/internal/metrickeys"
	"github.com/orcasched/orca/metrics"
	"github.com/orcasched/orca/store"
	"github.com/orcasched/orca/taskevent"
)

// CauseBranchConflict marks a node whose branch predecessors disagreed on
// the selected successor; a malformed DAG is failed deterministically rather
// than guessed at.
const CauseBranchConflict = "branch predecessors disagree on selected successor"

// TaskDispatcher hands runnable task instances to workers.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, tenant string, task *core.TaskInstance, node *core.Node) error
	Cancel(ctx context.Context, host, taskInstanceID string) error
}

// SubWorkflowStarter starts a child workflow instance for a sub-workflow
// node. The child's terminal state is reported back through the parent's
// event stream; the parent has no visibility into the child's internal DAG.
type SubWorkflowStarter interface {
	StartSubWorkflow(ctx context.Context, definitionID, parentInstanceID, parentNodeCode string) error
}

// FinishedFunc is invoked exactly once when the workflow instance reaches a
// terminal state, after it was persisted.
type FinishedFunc func(instanceID string, state core.WorkflowState)

// nodeStatus classifies a node during ready-set computation.
type nodeStatus int

const (
	// nodePending has not started and may still become ready.
	nodePending nodeStatus = iota
	// nodeActive has a non-terminal task instance or a retry scheduled.
	nodeActive
	// nodeSucceeded finished with a successful terminal attempt.
	nodeSucceeded
	// nodeFailed finished terminally with its retry budget exhausted.
	nodeFailed
	// nodeSkipped was deselected by a branch predecessor; it will never run.
	nodeSkipped
	// nodeBlocked depends on a failed or skipped node and can never run.
	nodeBlocked
)

type WorkflowExecutor struct {
	mu sync.Mutex

	instance   *core.WorkflowInstance
	definition *core.Definition

	store        store.Store
	dispatcher   TaskDispatcher
	subWorkflows SubWorkflowStarter

	clock   clock.Clock
	logger  *slog.Logger
	metrics metrics.Client

	onFinished FinishedFunc

	// tasks holds the latest attempt per node code.
	tasks map[string]*core.TaskInstance

	// outcome holds the final terminal attempt per node code once no
	// further attempt will be made.
	outcome map[string]*core.TaskInstance

	retryTimers map[string]*clock.Timer

	stopped bool
}

func New(
	instance *core.WorkflowInstance,
	definition *core.Definition,
	st store.Store,
	dispatcher TaskDispatcher,
	subWorkflows SubWorkflowStarter,
	c clock.Clock,
	logger *slog.Logger,
	mc metrics.Client,
	onFinished FinishedFunc,
) *WorkflowExecutor {
	return &WorkflowExecutor{
		instance:     instance,
		definition:   definition,
		store:        st,
		dispatcher:   dispatcher,
		subWorkflows: subWorkflows,
		clock:        c,
		logger: logger.With(
			log.InstanceIDKey, instance.ID,
			log.DefinitionIDKey, definition.ID,
		),
		metrics:     mc,
		onFinished:  onFinished,
		tasks:       map[string]*core.TaskInstance{},
		outcome:     map[string]*core.TaskInstance{},
		retryTimers: map[string]*clock.Timer{},
	}
}

// Instance returns a copy of the executor's workflow instance.
func (e *WorkflowExecutor) Instance() core.WorkflowInstance {
	e.mu.Lock()
	defer e.mu.Unlock()

	return *e.instance
}

// NodeTask returns the latest task instance for a node code.
func (e *WorkflowExecutor) NodeTask(code string) (*core.TaskInstance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ti, ok := e.tasks[code]
	if !ok {
		return nil, false
	}

	t := *ti
	return &t, true
}

// Start validates the definition and dispatches the initial ready set. For a
// recovered instance the completed-node set is first rebuilt from persisted
// terminal task states so that only unfinished or failed branches re-execute.
func (e *WorkflowExecutor) Start(ctx context.Context) error {
	if err := e.definition.Validate(); err != nil {
		return fmt.Errorf("validating definition: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.instance.CommandType == core.CommandTypeRecover {
		if err := e.recover(ctx); err != nil {
			return err
		}
	}

	e.dispatchReady(ctx)
	e.checkComplete(ctx)

	return nil
}

func (e *WorkflowExecutor) recover(ctx context.Context) error {
	persisted, err := e.store.ListTaskInstances(ctx, e.instance.ID)
	if err != nil {
		return fmt.Errorf("loading persisted task instances: %w", err)
	}

	// Keep the latest attempt per node; only successful terminal attempts
	// count as done, everything else re-executes.
	latest := map[string]*core.TaskInstance{}
	for _, ti := range persisted {
		latest[ti.NodeCode] = ti
	}

	for code, ti := range latest {
		if ti.State == core.TaskStateSuccess {
			e.tasks[code] = ti
			e.outcome[code] = ti
		}
	}

	e.logger.InfoContext(ctx, "Recovered workflow instance",
		"completed_nodes", len(e.outcome),
		"total_nodes", len(e.definition.Nodes),
	)

	return nil
}

// OnTaskTerminal applies one task instance's terminal transition to the DAG.
// It is called once per terminal transition by the processing service.
func (e *WorkflowExecutor) OnTaskTerminal(ctx context.Context, task *core.TaskInstance) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.instance.State.Terminal() {
		// Late event after fail-fast or kill; last valid state is kept.
		return
	}

	node, ok := e.definition.Nodes[task.NodeCode]
	if !ok {
		e.logger.ErrorContext(ctx, "Terminal task references unknown node",
			log.TaskIDKey, task.ID,
			log.NodeCodeKey, task.NodeCode,
		)
		return
	}

	e.tasks[task.NodeCode] = task
	e.metrics.Counter(metrickeys.TaskTerminal, metrics.Tags{metrickeys.TaskState: task.State.String()}, 1)

	switch task.State {
	case core.TaskStateSuccess:
		e.outcome[task.NodeCode] = task
		e.dispatchReady(ctx)
		e.checkComplete(ctx)

	case core.TaskStateKilled:
		e.outcome[task.NodeCode] = task
		e.finish(ctx, core.WorkflowStateKilled)

	case core.TaskStateFailed, core.TaskStateTimedOut:
		e.onTaskFailed(ctx, task, node)

	default:
		e.logger.ErrorContext(ctx, "Non-terminal state reported as terminal",
			log.TaskIDKey, task.ID,
			log.TaskStateKey, task.State.String(),
		)
	}
}

func (e *WorkflowExecutor) onTaskFailed(ctx context.Context, task *core.TaskInstance, node *core.Node) {
	if task.RetryCount < node.Retry.MaxRetries {
		e.scheduleRetry(ctx, task, node)
		return
	}

	e.outcome[task.NodeCode] = task
	e.logger.WarnContext(ctx, "Node failed terminally",
		log.NodeCodeKey, node.Code,
		log.TaskIDKey, task.ID,
		log.AttemptKey, task.RetryCount,
		log.CauseKey, task.FailureCause,
	)

	if e.failurePolicy(node) == core.FailurePolicyFailFast {
		e.stopped = true
		e.cancelInFlight(ctx)
		e.finish(ctx, core.WorkflowStateFailed)
		return
	}

	// Continue-on-error: unaffected branches keep going; nodes downstream
	// of the failure are blocked and excluded from completion.
	e.dispatchReady(ctx)
	e.checkComplete(ctx)
}

func (e *WorkflowExecutor) failurePolicy(node *core.Node) core.FailurePolicy {
	if node.OnFailure != core.FailurePolicyDefault {
		return node.OnFailure
	}
	if e.definition.OnError != core.FailurePolicyDefault {
		return e.definition.OnError
	}

	return core.FailurePolicyFailFast
}

// scheduleRetry resubmits a failed task after the node's retry interval.
// The retry is the Failed -> Submitted edge of the task state machine; the
// budget lives on the task instance, not in control flow.
func (e *WorkflowExecutor) scheduleRetry(ctx context.Context, task *core.TaskInstance, node *core.Node) {
	e.metrics.Counter(metrickeys.TaskRetried, metrics.Tags{}, 1)
	e.logger.InfoContext(ctx, "Scheduling task retry",
		log.NodeCodeKey, node.Code,
		log.AttemptKey, task.RetryCount+1,
	)

	code := node.Code
	prev := task

	e.retryTimers[code] = e.clock.AfterFunc(node.Retry.RetryInterval, func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		delete(e.retryTimers, code)

		if e.stopped || e.instance.State.Terminal() {
			return
		}

		next := prev.NewRetryAttempt(e.clock.Now())
		e.submitTask(context.Background(), next, node)
	})
}

// dispatchReady computes the ready set and submits every ready node: nodes
// whose predecessors all succeeded, filtered through branch selections.
func (e *WorkflowExecutor) dispatchReady(ctx context.Context) {
	if e.stopped {
		return
	}

	for code, node := range e.definition.Nodes {
		// A branch conflict earlier in this pass may have stopped the run.
		if e.stopped {
			return
		}

		if _, started := e.tasks[code]; started {
			continue
		}

		status, conflict := e.classify(code)
		if conflict {
			e.failBranchConflict(ctx, node)
			continue
		}
		if status != nodePending {
			continue
		}

		if !e.ready(code) {
			continue
		}

		task := core.NewTaskInstance(e.instance.ID, code, e.clock.Now())
		e.submitTask(ctx, task, node)
	}
}

// ready reports whether every predecessor succeeded and, where a predecessor
// is a branch node, whether it selected this node.
func (e *WorkflowExecutor) ready(code string) bool {
	for _, pred := range e.definition.Predecessors(code) {
		out, ok := e.outcome[pred]
		if !ok || out.State != core.TaskStateSuccess {
			return false
		}

		predNode := e.definition.Nodes[pred]
		if predNode.Kind == core.NodeKindBranch && out.Varpool[taskevent.BranchKey] != code {
			return false
		}
	}

	return true
}

// classify determines whether a node can still run. The second return value
// reports a branch conflict: at least one branch predecessor selected the
// node while another selected a different successor.
func (e *WorkflowExecutor) classify(code string) (nodeStatus, bool) {
	if out, ok := e.outcome[code]; ok {
		if out.State == core.TaskStateSuccess {
			return nodeSucceeded, false
		}
		return nodeFailed, false
	}

	if _, ok := e.retryTimers[code]; ok {
		return nodeActive, false
	}

	if ti, ok := e.tasks[code]; ok && !ti.State.Terminal() {
		return nodeActive, false
	}

	selected, deselected := false, false

	for _, pred := range e.definition.Predecessors(code) {
		predStatus, _ := e.classify(pred)

		switch predStatus {
		case nodeFailed, nodeBlocked:
			return nodeBlocked, false
		case nodeSkipped:
			return nodeSkipped, false
		case nodeSucceeded:
			predNode := e.definition.Nodes[pred]
			if predNode.Kind == core.NodeKindBranch {
				if e.outcome[pred].Varpool[taskevent.BranchKey] == code {
					selected = true
				} else {
					deselected = true
				}
			}
		}
	}

	if selected && deselected {
		return nodePending, true
	}
	if deselected {
		return nodeSkipped, false
	}

	return nodePending, false
}

// failBranchConflict fails a node fed by disagreeing branch predecessors
// without dispatching it.
func (e *WorkflowExecutor) failBranchConflict(ctx context.Context, node *core.Node) {
	e.logger.ErrorContext(ctx, "Branch predecessors disagree, failing node",
		log.NodeCodeKey, node.Code,
	)

	now := e.clock.Now()
	task := core.NewTaskInstance(e.instance.ID, node.Code, now)
	task.State = core.TaskStateFailed
	task.EndedAt = now
	task.FailureCause = CauseBranchConflict

	if err := e.store.CreateTaskInstance(ctx, task); err != nil {
		e.logger.ErrorContext(ctx, "Persisting conflict-failed task", "error", err, log.NodeCodeKey, node.Code)
	}

	e.tasks[node.Code] = task
	e.outcome[node.Code] = task

	if e.failurePolicy(node) == core.FailurePolicyFailFast {
		e.stopped = true
		e.cancelInFlight(ctx)
		e.finish(ctx, core.WorkflowStateFailed)
	}
}

// submitTask persists a new attempt in Submitted state and hands it to the
// dispatcher, or starts the child instance for sub-workflow nodes.
func (e *WorkflowExecutor) submitTask(ctx context.Context, task *core.TaskInstance, node *core.Node) {
	if err := e.store.CreateTaskInstance(ctx, task); err != nil {
		e.logger.ErrorContext(ctx, "Persisting task instance", "error", err, log.NodeCodeKey, node.Code)
		return
	}

	e.tasks[node.Code] = task

	if node.Kind == core.NodeKindSubWorkflow {
		if err := e.subWorkflows.StartSubWorkflow(ctx, node.SubWorkflowID, e.instance.ID, node.Code); err != nil {
			e.logger.ErrorContext(ctx, "Starting sub-workflow", "error", err, log.NodeCodeKey, node.Code)
			e.failSubmission(ctx, task, node, err)
		}
		return
	}

	if err := e.dispatcher.Dispatch(ctx, e.definition.Tenant, task, node); err != nil {
		e.logger.ErrorContext(ctx, "Dispatching task", "error", err, log.NodeCodeKey, node.Code)
		e.failSubmission(ctx, task, node, err)
	}
}

// failSubmission records a terminal failure for an attempt that never
// reached a worker, then re-evaluates the instance: without the completion
// check a failed resubmission would leave the instance running forever with
// no further event to wake it.
func (e *WorkflowExecutor) failSubmission(ctx context.Context, task *core.TaskInstance, node *core.Node, cause error) {
	now := e.clock.Now()
	task.State = core.TaskStateFailed
	task.EndedAt = now
	task.FailureCause = cause.Error()

	if err := e.store.UpdateTaskInstance(ctx, task); err != nil {
		e.logger.ErrorContext(ctx, "Persisting failed submission", "error", err, log.TaskIDKey, task.ID)
	}

	e.outcome[node.Code] = task

	if e.failurePolicy(node) == core.FailurePolicyFailFast {
		e.stopped = true
		e.cancelInFlight(ctx)
		e.finish(ctx, core.WorkflowStateFailed)
		return
	}

	e.checkComplete(ctx)
}

// checkComplete finishes the instance once no node remains that can still
// run: every node either has a terminal outcome, was deselected by a branch,
// or is blocked behind a failure.
func (e *WorkflowExecutor) checkComplete(ctx context.Context) {
	if e.instance.State.Terminal() {
		return
	}

	failed := false
	for code := range e.definition.Nodes {
		status, conflict := e.classify(code)
		if conflict {
			return
		}

		switch status {
		case nodePending, nodeActive:
			return
		case nodeFailed:
			failed = true
		}
	}

	if failed {
		e.finish(ctx, core.WorkflowStateFailed)
	} else {
		e.finish(ctx, core.WorkflowStateSuccess)
	}
}

// Kill terminates the instance: every non-terminal task is transitioned to
// Killed and its worker asked to stop, best effort.
func (e *WorkflowExecutor) Kill(ctx context.Context, cause string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.instance.State.Terminal() {
		return
	}

	e.stopped = true
	now := e.clock.Now()

	for code, ti := range e.tasks {
		if ti.State.Terminal() {
			continue
		}

		if err := e.dispatcher.Cancel(ctx, ti.Host, ti.ID); err != nil {
			e.logger.WarnContext(ctx, "Cancelling task at worker", "error", err,
				log.TaskIDKey, ti.ID,
				log.WorkerHostKey, ti.Host,
			)
		}

		ti.State = core.TaskStateKilled
		ti.EndedAt = now
		ti.FailureCause = cause

		if err := e.store.UpdateTaskInstance(ctx, ti); err != nil {
			e.logger.ErrorContext(ctx, "Persisting killed task", "error", err, log.TaskIDKey, ti.ID)
		}

		e.outcome[code] = ti
	}

	e.finish(ctx, core.WorkflowStateKilled)
}

func (e *WorkflowExecutor) cancelInFlight(ctx context.Context) {
	for _, ti := range e.tasks {
		if ti.State.Terminal() {
			continue
		}

		if err := e.dispatcher.Cancel(ctx, ti.Host, ti.ID); err != nil {
			e.logger.WarnContext(ctx, "Cancelling task at worker", "error", err,
				log.TaskIDKey, ti.ID,
				log.WorkerHostKey, ti.Host,
			)
		}
	}
}

// finish persists the terminal state and reports it upward exactly once.
func (e *WorkflowExecutor) finish(ctx context.Context, state core.WorkflowState) {
	if e.instance.State.Terminal() {
		return
	}

	for code, timer := range e.retryTimers {
		timer.Stop()
		delete(e.retryTimers, code)
	}

	e.instance.State = state
	e.instance.EndedAt = e.clock.Now()

	if err := e.store.UpdateWorkflowInstance(ctx, e.instance); err != nil {
		e.logger.ErrorContext(ctx, "Persisting workflow terminal state", "error", err)
	}

	e.metrics.Counter(metrickeys.WorkflowInstanceFinished, metrics.Tags{metrickeys.TaskState: state.String()}, 1)
	e.logger.InfoContext(ctx, "Workflow instance finished", log.TaskStateKey, state.String())

	if e.onFinished != nil {
		finished := e.onFinished
		id := e.instance.ID

		// Outside the lock; the callback may call back into the engine.
		go finished(id, state)
	}
}

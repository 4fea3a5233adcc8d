// Package taskevent defines the immutable lifecycle events reported for task
// instances. Events are created once on receipt, consumed exactly once by the
// processing service and never mutated.
package taskevent

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of event kinds. Unknown kinds received from a newer
// worker version are logged and dropped by the listener, never fatal.
type Kind uint

const (
	_ Kind = iota

	// KindDispatched is recorded by the master when the execution command
	// was sent to a worker; it carries the assigned host.
	KindDispatched
	// KindAck is the worker's acknowledgement that it accepted the task.
	KindAck
	// KindRunning reports that execution started on the worker.
	KindRunning
	// KindResult reports the final exit status of the execution.
	KindResult
	// KindTimeout reports a timeout, either raised by the worker for a
	// running task or synthesized by the dispatcher when no ack arrived.
	KindTimeout
	// KindKill requests termination; workflow-level kills carry an empty
	// task instance id.
	KindKill
)

func (k Kind) String() string {
	switch k {
	case KindDispatched:
		return "Dispatched"
	case KindAck:
		return "Ack"
	case KindRunning:
		return "Running"
	case KindResult:
		return "Result"
	case KindTimeout:
		return "Timeout"
	case KindKill:
		return "Kill"
	default:
		return "Unknown"
	}
}

// BranchKey is the varpool key under which a branch task reports the node
// code of its selected successor.
const BranchKey = "branch.select"

// CauseDispatchExhausted marks a synthetic failure after all dispatch
// attempts ran out without an acknowledgement.
const CauseDispatchExhausted = "dispatch attempts exhausted"

// CauseNoEligibleWorker marks a synthetic failure after no worker of the
// task's group became available within the requeue window.
const CauseNoEligibleWorker = "no eligible worker"

// Event is one reported fact about a task instance.
type Event struct {
	ID   string
	Kind Kind

	WorkflowInstanceID string
	TaskInstanceID     string

	Timestamp time.Time

	// Host is the reporting or assigned worker.
	Host string

	// ExitCode is meaningful for KindResult only.
	ExitCode int

	// LogPath points at the remote task log for diagnostics.
	LogPath string

	// Varpool is the task's output variable snapshot for KindResult.
	Varpool map[string]string

	// Cause annotates synthetic timeout and kill events.
	Cause string
}

func newEvent(kind Kind, workflowInstanceID, taskInstanceID string, ts time.Time) *Event {
	return &Event{
		ID:                 uuid.NewString(),
		Kind:               kind,
		WorkflowInstanceID: workflowInstanceID,
		TaskInstanceID:     taskInstanceID,
		Timestamp:          ts,
	}
}

func NewDispatchedEvent(workflowInstanceID, taskInstanceID, host string, ts time.Time) *Event {
	e := newEvent(KindDispatched, workflowInstanceID, taskInstanceID, ts)
	e.Host = host

	return e
}

func NewAckEvent(workflowInstanceID, taskInstanceID, host string, ts time.Time) *Event {
	e := newEvent(KindAck, workflowInstanceID, taskInstanceID, ts)
	e.Host = host

	return e
}

func NewRunningEvent(workflowInstanceID, taskInstanceID, host, logPath string, ts time.Time) *Event {
	e := newEvent(KindRunning, workflowInstanceID, taskInstanceID, ts)
	e.Host = host
	e.LogPath = logPath

	return e
}

func NewResultEvent(workflowInstanceID, taskInstanceID, host string, exitCode int, varpool map[string]string, ts time.Time) *Event {
	e := newEvent(KindResult, workflowInstanceID, taskInstanceID, ts)
	e.Host = host
	e.ExitCode = exitCode
	e.Varpool = varpool

	return e
}

func NewTimeoutEvent(workflowInstanceID, taskInstanceID, cause string, ts time.Time) *Event {
	e := newEvent(KindTimeout, workflowInstanceID, taskInstanceID, ts)
	e.Cause = cause

	return e
}

func NewKillEvent(workflowInstanceID, taskInstanceID, cause string, ts time.Time) *Event {
	e := newEvent(KindKill, workflowInstanceID, taskInstanceID, ts)
	e.Cause = cause

	return e
}

// Fingerprint identifies an event for duplicate detection. The transport
// between master and worker is at-least-once, so the same report may arrive
// twice with a different Event.ID; kind, task and timestamp identify the
// underlying fact.
func (e *Event) Fingerprint() string {
	return fmt.Sprintf("%d:%s:%s:%d", e.Kind, e.WorkflowInstanceID, e.TaskInstanceID, e.Timestamp.UnixNano())
}

func (e *Event) String() string {
	return fmt.Sprintf("%s(instance=%s task=%s)", e.Kind, e.WorkflowInstanceID, e.TaskInstanceID)
}

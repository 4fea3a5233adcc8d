package core

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowInstance is one run of a DAG definition. There is at most one live
// in-memory state machine per instance ID at any time; all mutation goes
// through that state machine.
type WorkflowInstance struct {
	ID           string
	DefinitionID string
	State        WorkflowState
	CommandType  CommandType
	Tenant       string

	// ParentInstanceID and ParentNodeCode link a sub-workflow instance back
	// to the node that started it.
	ParentInstanceID string
	ParentNodeCode   string

	StartedAt time.Time
	EndedAt   time.Time
}

func NewWorkflowInstance(definitionID string, commandType CommandType, now time.Time) *WorkflowInstance {
	return &WorkflowInstance{
		ID:           uuid.NewString(),
		DefinitionID: definitionID,
		State:        WorkflowStateRunning,
		CommandType:  commandType,
		StartedAt:    now,
	}
}

func NewSubWorkflowInstance(definitionID, parentInstanceID, parentNodeCode string, now time.Time) *WorkflowInstance {
	wi := NewWorkflowInstance(definitionID, CommandTypeStart, now)
	wi.ParentInstanceID = parentInstanceID
	wi.ParentNodeCode = parentNodeCode

	return wi
}

func (wi *WorkflowInstance) SubWorkflow() bool {
	return wi.ParentInstanceID != ""
}

// TaskInstance is one execution attempt of a DAG node within a workflow
// instance. It is mutated only through validated state transitions driven by
// task events.
type TaskInstance struct {
	ID                 string
	WorkflowInstanceID string
	NodeCode           string
	State              TaskState
	Host               string
	RetryCount         int

	SubmittedAt time.Time
	StartedAt   time.Time
	EndedAt     time.Time

	ExitCode     int
	FailureCause string

	// Varpool carries the node's output variables; for branch nodes it
	// includes the selected successor under taskevent.BranchKey.
	Varpool map[string]string
}

func NewTaskInstance(workflowInstanceID, nodeCode string, now time.Time) *TaskInstance {
	return &TaskInstance{
		ID:                 uuid.NewString(),
		WorkflowInstanceID: workflowInstanceID,
		NodeCode:           nodeCode,
		State:              TaskStateSubmitted,
		SubmittedAt:        now,
	}
}

// NewRetryAttempt creates the next attempt for a failed or timed-out task,
// carrying the incremented retry count.
func (ti *TaskInstance) NewRetryAttempt(now time.Time) *TaskInstance {
	next := NewTaskInstance(ti.WorkflowInstanceID, ti.NodeCode, now)
	next.RetryCount = ti.RetryCount + 1

	return next
}

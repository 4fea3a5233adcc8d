package core

// TaskState is the lifecycle state of a single task instance.
type TaskState int

const (
	TaskStateSubmitted TaskState = iota
	TaskStateDispatched
	TaskStateRunning
	TaskStateSuccess
	TaskStateFailed
	TaskStateKilled
	TaskStateTimedOut
)

func (s TaskState) String() string {
	switch s {
	case TaskStateSubmitted:
		return "Submitted"
	case TaskStateDispatched:
		return "Dispatched"
	case TaskStateRunning:
		return "Running"
	case TaskStateSuccess:
		return "Success"
	case TaskStateFailed:
		return "Failed"
	case TaskStateKilled:
		return "Killed"
	case TaskStateTimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further worker-reported transition can occur.
// Failed and TimedOut tasks may still be resubmitted by the DAG executor if
// the node's retry budget allows; that resubmission creates a fresh attempt.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateSuccess, TaskStateFailed, TaskStateKilled, TaskStateTimedOut:
		return true
	default:
		return false
	}
}

// taskTransitions is the legal-transition table. Transitions not listed here
// are inconsistencies and must be rejected without mutating the task.
var taskTransitions = map[TaskState][]TaskState{
	TaskStateSubmitted:  {TaskStateDispatched, TaskStateFailed, TaskStateKilled},
	TaskStateDispatched: {TaskStateRunning, TaskStateFailed, TaskStateTimedOut, TaskStateKilled},
	TaskStateRunning:    {TaskStateSuccess, TaskStateFailed, TaskStateTimedOut, TaskStateKilled},
	TaskStateFailed:     {TaskStateSubmitted},
	TaskStateTimedOut:   {TaskStateSubmitted},
}

// CanTransition reports whether moving from s to target is legal.
func (s TaskState) CanTransition(target TaskState) bool {
	for _, t := range taskTransitions[s] {
		if t == target {
			return true
		}
	}

	return false
}

// WorkflowState is the lifecycle state of a workflow instance.
type WorkflowState int

const (
	WorkflowStateRunning WorkflowState = iota
	WorkflowStateSuccess
	WorkflowStateFailed
	WorkflowStateKilled
)

func (s WorkflowState) String() string {
	switch s {
	case WorkflowStateRunning:
		return "Running"
	case WorkflowStateSuccess:
		return "Success"
	case WorkflowStateFailed:
		return "Failed"
	case WorkflowStateKilled:
		return "Killed"
	default:
		return "Unknown"
	}
}

func (s WorkflowState) Terminal() bool {
	return s != WorkflowStateRunning
}

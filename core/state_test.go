package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaskState_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		from    TaskState
		to      TaskState
		allowed bool
	}{
		{"submitted to dispatched", TaskStateSubmitted, TaskStateDispatched, true},
		{"submitted to failed", TaskStateSubmitted, TaskStateFailed, true},
		{"submitted to killed", TaskStateSubmitted, TaskStateKilled, true},
		{"submitted to running skips ack", TaskStateSubmitted, TaskStateRunning, false},
		{"submitted to success skips lifecycle", TaskStateSubmitted, TaskStateSuccess, false},
		{"dispatched to running", TaskStateDispatched, TaskStateRunning, true},
		{"dispatched to timed out", TaskStateDispatched, TaskStateTimedOut, true},
		{"dispatched to success skips running", TaskStateDispatched, TaskStateSuccess, false},
		{"running to success", TaskStateRunning, TaskStateSuccess, true},
		{"running to failed", TaskStateRunning, TaskStateFailed, true},
		{"running to timed out", TaskStateRunning, TaskStateTimedOut, true},
		{"running to killed", TaskStateRunning, TaskStateKilled, true},
		{"running to dispatched goes backwards", TaskStateRunning, TaskStateDispatched, false},
		{"failed to submitted is the retry edge", TaskStateFailed, TaskStateSubmitted, true},
		{"timed out to submitted is the retry edge", TaskStateTimedOut, TaskStateSubmitted, true},
		{"success is final", TaskStateSuccess, TaskStateSubmitted, false},
		{"killed is final", TaskStateKilled, TaskStateSubmitted, false},
		{"failed to running without resubmit", TaskStateFailed, TaskStateRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTaskState_Terminal(t *testing.T) {
	terminal := []TaskState{TaskStateSuccess, TaskStateFailed, TaskStateKilled, TaskStateTimedOut}
	for _, s := range terminal {
		require.True(t, s.Terminal(), s.String())
	}

	nonTerminal := []TaskState{TaskStateSubmitted, TaskStateDispatched, TaskStateRunning}
	for _, s := range nonTerminal {
		require.False(t, s.Terminal(), s.String())
	}
}

func TestWorkflowState_Terminal(t *testing.T) {
	require.False(t, WorkflowStateRunning.Terminal())
	require.True(t, WorkflowStateSuccess.Terminal())
	require.True(t, WorkflowStateFailed.Terminal())
	require.True(t, WorkflowStateKilled.Terminal())
}

// Package store defines the persistence contract the engine requires.
// Persisted state is the source of truth on restart: the engine reconstructs
// live state machines only for instances not in a terminal persisted state.
package store

import (
	"context"
	"errors"

	"github.com/orcasched/orca/core"
	"github.com/orcasched/orca/taskevent"
)

var (
	ErrInstanceNotFound      = errors.New("workflow instance not found")
	ErrInstanceAlreadyExists = errors.New("workflow instance already exists")
	ErrTaskNotFound          = errors.New("task instance not found")

	// ErrDuplicateEvent is returned by AppendEvent when an event with the
	// same fingerprint was journaled before. Callers treat it as a no-op.
	ErrDuplicateEvent = errors.New("event already journaled")
)

type Store interface {
	// Ping verifies the store is reachable. The engine refuses to start
	// processing when this fails.
	Ping(ctx context.Context) error

	CreateWorkflowInstance(ctx context.Context, instance *core.WorkflowInstance) error
	GetWorkflowInstance(ctx context.Context, instanceID string) (*core.WorkflowInstance, error)
	UpdateWorkflowInstance(ctx context.Context, instance *core.WorkflowInstance) error

	// ListRunningWorkflowInstances returns instances whose persisted state
	// is not terminal, used for startup recovery.
	ListRunningWorkflowInstances(ctx context.Context) ([]*core.WorkflowInstance, error)

	CreateTaskInstance(ctx context.Context, task *core.TaskInstance) error
	UpdateTaskInstance(ctx context.Context, task *core.TaskInstance) error
	GetTaskInstance(ctx context.Context, taskInstanceID string) (*core.TaskInstance, error)
	ListTaskInstances(ctx context.Context, instanceID string) ([]*core.TaskInstance, error)

	// AppendEvent journals an event, keyed by its fingerprint for duplicate
	// detection across at-least-once delivery.
	AppendEvent(ctx context.Context, event *taskevent.Event) error

	Close() error
}

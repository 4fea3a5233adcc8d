// Package memory provides an in-memory store for tests and embedded use.
package memory

import (
	"context"
	"sync"

	"github.com/orcasched/orca/core"
	"github.com/orcasched/orca/store"
	"github.com/orcasched/orca/taskevent"
)

type memoryStore struct {
	mu sync.RWMutex

	instances map[string]*core.WorkflowInstance
	tasks     map[string]*core.TaskInstance

	// byInstance keeps task ids per workflow instance in creation order.
	byInstance map[string][]string

	fingerprints map[string]bool
	events       []*taskevent.Event
}

func NewMemoryStore() store.Store {
	return &memoryStore{
		instances:    map[string]*core.WorkflowInstance{},
		tasks:        map[string]*core.TaskInstance{},
		byInstance:   map[string][]string{},
		fingerprints: map[string]bool{},
	}
}

func (ms *memoryStore) Ping(ctx context.Context) error {
	return nil
}

func (ms *memoryStore) CreateWorkflowInstance(ctx context.Context, instance *core.WorkflowInstance) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.instances[instance.ID]; ok {
		return store.ErrInstanceAlreadyExists
	}

	wi := *instance
	ms.instances[instance.ID] = &wi

	return nil
}

func (ms *memoryStore) GetWorkflowInstance(ctx context.Context, instanceID string) (*core.WorkflowInstance, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	wi, ok := ms.instances[instanceID]
	if !ok {
		return nil, store.ErrInstanceNotFound
	}

	r := *wi
	return &r, nil
}

func (ms *memoryStore) UpdateWorkflowInstance(ctx context.Context, instance *core.WorkflowInstance) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.instances[instance.ID]; !ok {
		return store.ErrInstanceNotFound
	}

	wi := *instance
	ms.instances[instance.ID] = &wi

	return nil
}

func (ms *memoryStore) ListRunningWorkflowInstances(ctx context.Context) ([]*core.WorkflowInstance, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var running []*core.WorkflowInstance
	for _, wi := range ms.instances {
		if !wi.State.Terminal() {
			r := *wi
			running = append(running, &r)
		}
	}

	return running, nil
}

func (ms *memoryStore) CreateTaskInstance(ctx context.Context, task *core.TaskInstance) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ti := *task
	ms.tasks[task.ID] = &ti
	ms.byInstance[task.WorkflowInstanceID] = append(ms.byInstance[task.WorkflowInstanceID], task.ID)

	return nil
}

func (ms *memoryStore) UpdateTaskInstance(ctx context.Context, task *core.TaskInstance) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.tasks[task.ID]; !ok {
		return store.ErrTaskNotFound
	}

	ti := *task
	ms.tasks[task.ID] = &ti

	return nil
}

func (ms *memoryStore) GetTaskInstance(ctx context.Context, taskInstanceID string) (*core.TaskInstance, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	ti, ok := ms.tasks[taskInstanceID]
	if !ok {
		return nil, store.ErrTaskNotFound
	}

	r := *ti
	return &r, nil
}

func (ms *memoryStore) ListTaskInstances(ctx context.Context, instanceID string) ([]*core.TaskInstance, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var tasks []*core.TaskInstance
	for _, id := range ms.byInstance[instanceID] {
		r := *ms.tasks[id]
		tasks = append(tasks, &r)
	}

	return tasks, nil
}

func (ms *memoryStore) AppendEvent(ctx context.Context, event *taskevent.Event) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	fp := event.Fingerprint()
	if ms.fingerprints[fp] {
		return store.ErrDuplicateEvent
	}

	ms.fingerprints[fp] = true
	ms.events = append(ms.events, event)

	return nil
}

func (ms *memoryStore) Close() error {
	return nil
}

package registry

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type memoryRegistry struct {
	mu      sync.RWMutex
	workers map[string]Worker

	clock clock.Clock
	ttl   time.Duration
}

// NewMemoryRegistry keeps worker liveness in process memory. Workers whose
// last heartbeat is older than ttl are considered gone.
func NewMemoryRegistry(c clock.Clock, ttl time.Duration) Registry {
	return &memoryRegistry{
		workers: map[string]Worker{},
		clock:   c,
		ttl:     ttl,
	}
}

func (r *memoryRegistry) Register(ctx context.Context, worker Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker.LastHeartbeat = r.clock.Now()
	r.workers[worker.Host] = worker

	return nil
}

func (r *memoryRegistry) Heartbeat(ctx context.Context, host string, load float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, ok := r.workers[host]
	if !ok {
		return ErrWorkerNotFound
	}

	worker.Load = load
	worker.LastHeartbeat = r.clock.Now()
	r.workers[host] = worker

	return nil
}

func (r *memoryRegistry) Unregister(ctx context.Context, host string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.workers, host)

	return nil
}

func (r *memoryRegistry) Workers(ctx context.Context, group string) ([]Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := r.clock.Now().Add(-r.ttl)

	var workers []Worker
	for _, w := range r.workers {
		if w.Group != group {
			continue
		}
		if w.LastHeartbeat.Before(cutoff) {
			continue
		}
		workers = append(workers, w)
	}

	return workers, nil
}

// Package registry tracks the workers available for dispatch, partitioned by
// worker group.
package registry

import (
	"context"
	"errors"
	"time"
)

var ErrWorkerNotFound = errors.New("worker not registered")

// Worker is one remote worker process advertising capacity for a group.
type Worker struct {
	Host  string
	Group string

	// Slots is the number of tasks the worker accepts concurrently.
	Slots int

	// Load is the worker's last reported load factor in [0, 1].
	Load float64

	LastHeartbeat time.Time
}

type Registry interface {
	Register(ctx context.Context, worker Worker) error

	// Heartbeat refreshes a worker's liveness and load report. Workers that
	// stop heartbeating disappear from Workers results.
	Heartbeat(ctx context.Context, host string, load float64) error

	Unregister(ctx context.Context, host string) error

	// Workers returns the live workers of a group.
	Workers(ctx context.Context, group string) ([]Worker, error)
}

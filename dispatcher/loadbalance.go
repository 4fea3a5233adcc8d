package dispatcher

import (
	"sync/atomic"

	"github.com/orcasched/orca/registry"
)

// LoadBalancer picks one worker out of the eligible candidates. The concrete
// policy is configurable; the dispatcher only requires determinism-free
// selection among workers advertising capacity.
type LoadBalancer interface {
	Select(workers []registry.Worker) (registry.Worker, bool)
}

type roundRobin struct {
	next atomic.Uint64
}

// NewRoundRobin cycles through the candidates in turn.
func NewRoundRobin() LoadBalancer {
	return &roundRobin{}
}

func (rr *roundRobin) Select(workers []registry.Worker) (registry.Worker, bool) {
	if len(workers) == 0 {
		return registry.Worker{}, false
	}

	n := rr.next.Add(1) - 1

	return workers[int(n%uint64(len(workers)))], true
}

type lowerLoad struct{}

// NewLowerLoad picks the worker with the lowest reported load factor.
func NewLowerLoad() LoadBalancer {
	return &lowerLoad{}
}

func (lowerLoad) Select(workers []registry.Worker) (registry.Worker, bool) {
	if len(workers) == 0 {
		return registry.Worker{}, false
	}

	best := workers[0]
	for _, w := range workers[1:] {
		if w.Load < best.Load {
			best = w
		}
	}

	return best, true
}

// Package eventqueue provides the bounded task event buffer between the
// listener and the processing service.
//
// Consumption is partitioned by workflow-instance id: at most one event per
// id is in flight at any time, and events of one id are delivered in enqueue
// order. Events of different ids are consumed fully in parallel.
package eventqueue

import (
	"context"
	"errors"
	"sync"

	"github.com/orcasched/orca/taskevent"
)

// BackpressureMode controls Enqueue behavior when the buffer is full.
// Events are never dropped; a lost event leaves a workflow permanently stuck.
type BackpressureMode int

const (
	// Block makes Enqueue wait for free space or context cancellation.
	Block BackpressureMode = iota
	// Fail makes Enqueue return ErrQueueFull immediately.
	Fail
)

var (
	ErrQueueFull = errors.New("event queue full")
	ErrClosed    = errors.New("event queue closed")
)

type Queue struct {
	capacity int
	mode     BackpressureMode

	mu       sync.Mutex
	size     int
	closed   bool
	pending  map[string][]*taskevent.Event
	inflight map[string]bool

	// readyKeys holds, in FIFO order, keys with pending events and no event
	// in flight. readySet guards against duplicate entries.
	readyKeys []string
	readySet  map[string]bool

	// Generation channels closed on state changes so that all waiters
	// recheck; replaced with fresh channels after each broadcast.
	notFull  chan struct{}
	notEmpty chan struct{}
}

func New(capacity int, mode BackpressureMode) *Queue {
	return &Queue{
		capacity: capacity,
		mode:     mode,
		pending:  map[string][]*taskevent.Event{},
		inflight: map[string]bool{},
		readySet: map[string]bool{},
		notFull:  make(chan struct{}),
		notEmpty: make(chan struct{}),
	}
}

// Enqueue adds an event keyed by its workflow-instance id.
func (q *Queue) Enqueue(ctx context.Context, event *taskevent.Event) error {
	for {
		q.mu.Lock()

		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}

		if q.size < q.capacity {
			q.push(event)
			q.mu.Unlock()
			return nil
		}

		if q.mode == Fail {
			q.mu.Unlock()
			return ErrQueueFull
		}

		wait := q.notFull
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Dequeue returns the next event of a workflow instance with no event in
// flight, together with a completion callback. The callback must be called
// exactly once, after processing finishes; until then no further event of the
// same workflow instance is handed out.
func (q *Queue) Dequeue(ctx context.Context) (*taskevent.Event, func(), error) {
	for {
		q.mu.Lock()

		if len(q.readyKeys) > 0 {
			event, done := q.pop()
			q.mu.Unlock()
			return event, done, nil
		}

		if q.closed && q.size == 0 {
			q.mu.Unlock()
			return nil, nil, ErrClosed
		}

		wait := q.notEmpty
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-wait:
		}
	}
}

// Len returns the number of buffered events, in flight excluded.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.size
}

// Close stops accepting events. Buffered events can still be drained;
// Dequeue returns ErrClosed once the buffer is empty.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	q.broadcastNotEmpty()
	q.broadcastNotFull()
}

func (q *Queue) push(event *taskevent.Event) {
	key := event.WorkflowInstanceID
	q.pending[key] = append(q.pending[key], event)
	q.size++

	if !q.inflight[key] && !q.readySet[key] {
		q.readyKeys = append(q.readyKeys, key)
		q.readySet[key] = true
	}

	q.broadcastNotEmpty()
}

func (q *Queue) pop() (*taskevent.Event, func()) {
	key := q.readyKeys[0]
	q.readyKeys = q.readyKeys[1:]
	delete(q.readySet, key)

	events := q.pending[key]
	event := events[0]
	if len(events) == 1 {
		delete(q.pending, key)
	} else {
		q.pending[key] = events[1:]
	}

	q.size--
	q.inflight[key] = true
	q.broadcastNotFull()

	var once sync.Once
	done := func() {
		once.Do(func() {
			q.release(key)
		})
	}

	return event, done
}

func (q *Queue) release(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, key)

	if len(q.pending[key]) > 0 && !q.readySet[key] {
		q.readyKeys = append(q.readyKeys, key)
		q.readySet[key] = true
		q.broadcastNotEmpty()
	}
}

func (q *Queue) broadcastNotFull() {
	close(q.notFull)
	q.notFull = make(chan struct{})
}

func (q *Queue) broadcastNotEmpty() {
	close(q.notEmpty)
	q.notEmpty = make(chan struct{})
}

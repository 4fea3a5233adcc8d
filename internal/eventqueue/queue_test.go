package eventqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orcasched/orca/taskevent"
)

func event(instanceID, taskID string, seq int64) *taskevent.Event {
	return taskevent.NewRunningEvent(instanceID, taskID, "worker-1", "", time.Unix(0, seq))
}

func TestQueue_FIFOPerInstance(t *testing.T) {
	q := New(16, Block)
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, event("wf-1", "t", i)))
	}

	for i := int64(0); i < 5; i++ {
		e, done, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, i, e.Timestamp.UnixNano())
		done()
	}
}

func TestQueue_SingleInflightPerInstance(t *testing.T) {
	q := New(16, Block)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, event("wf-1", "t", 1)))
	require.NoError(t, q.Enqueue(ctx, event("wf-1", "t", 2)))

	_, done1, err := q.Dequeue(ctx)
	require.NoError(t, err)

	// The second wf-1 event is held back while the first is in flight.
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, _, err = q.Dequeue(waitCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done1()

	e, done2, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), e.Timestamp.UnixNano())
	done2()
}

func TestQueue_InstancesProgressIndependently(t *testing.T) {
	q := New(16, Block)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, event("wf-1", "t", 1)))
	require.NoError(t, q.Enqueue(ctx, event("wf-2", "t", 2)))

	e1, done1, err := q.Dequeue(ctx)
	require.NoError(t, err)

	// wf-1 is still in flight, but wf-2 is handed out immediately.
	e2, done2, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NotEqual(t, e1.WorkflowInstanceID, e2.WorkflowInstanceID)

	done1()
	done2()
}

func TestQueue_BackpressureFail(t *testing.T) {
	q := New(1, Fail)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, event("wf-1", "t", 1)))
	require.ErrorIs(t, q.Enqueue(ctx, event("wf-2", "t", 2)), ErrQueueFull)
}

func TestQueue_BackpressureBlock(t *testing.T) {
	q := New(1, Block)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, event("wf-1", "t", 1)))

	unblocked := make(chan error, 1)
	go func() {
		unblocked <- q.Enqueue(ctx, event("wf-2", "t", 2))
	}()

	select {
	case <-unblocked:
		t.Fatal("enqueue returned while queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	_, done, err := q.Dequeue(ctx)
	require.NoError(t, err)
	done()

	select {
	case err := <-unblocked:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("enqueue still blocked after space freed")
	}
}

func TestQueue_BlockedEnqueueHonorsContext(t *testing.T) {
	q := New(1, Block)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, event("wf-1", "t", 1)))

	cancelCtx, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	require.ErrorIs(t, q.Enqueue(cancelCtx, event("wf-2", "t", 2)), context.Canceled)
}

func TestQueue_CloseDrains(t *testing.T) {
	q := New(16, Block)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, event("wf-1", "t", 1)))

	q.Close()

	require.ErrorIs(t, q.Enqueue(ctx, event("wf-1", "t", 2)), ErrClosed)

	// The buffered event is still delivered before ErrClosed.
	e, done, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), e.Timestamp.UnixNano())
	done()

	_, _, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestQueue_CloseWakesBlockedConsumers(t *testing.T) {
	q := New(16, Block)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := q.Dequeue(ctx)
			require.ErrorIs(t, err, ErrClosed)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()

	wg.Wait()
}

func TestQueue_ConcurrentOrderingPerInstance(t *testing.T) {
	const perInstance = 50
	instances := []string{"wf-1", "wf-2", "wf-3"}

	q := New(8, Block)
	ctx := context.Background()

	var producers sync.WaitGroup
	for _, id := range instances {
		producers.Add(1)
		go func(id string) {
			defer producers.Done()
			for i := int64(0); i < perInstance; i++ {
				require.NoError(t, q.Enqueue(ctx, event(id, "t", i)))
			}
		}(id)
	}

	var mu sync.Mutex
	seen := map[string][]int64{}

	var consumers sync.WaitGroup
	for i := 0; i < 4; i++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				e, done, err := q.Dequeue(ctx)
				if err != nil {
					return
				}

				mu.Lock()
				seen[e.WorkflowInstanceID] = append(seen[e.WorkflowInstanceID], e.Timestamp.UnixNano())
				mu.Unlock()

				done()
			}
		}()
	}

	producers.Wait()
	q.Close()
	consumers.Wait()

	for _, id := range instances {
		require.Len(t, seen[id], perInstance)
		for i := int64(0); i < perInstance; i++ {
			require.Equal(t, i, seen[id][i], "instance %s out of order", id)
		}
	}
}

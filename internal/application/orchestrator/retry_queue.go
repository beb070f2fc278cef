package orchestrator

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/terrafusion/syncservice/internal/domain/job"
	"github.com/terrafusion/syncservice/internal/domain/record"
)

// retryItem is an operation waiting for its next attempt.
type retryItem struct {
	op *job.SyncOperation
	// base is the target row seen at detection time, used for update conflict checks.
	base record.Record
	// resolved marks writes produced by a conflict resolution; they are not checked again.
	resolved bool

	due   time.Time
	index int
}

type retryHeap []*retryItem

func (h retryHeap) Len() int { return len(h) }

func (h retryHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }

func (h retryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *retryHeap) Push(x any) {
	it := x.(*retryItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// retryQueue is a delay queue of operations consumed by a single worker.
type retryQueue struct {
	mu     sync.Mutex
	items  retryHeap
	closed bool
	wake   chan struct{}
}

func newRetryQueue() *retryQueue {
	return &retryQueue{wake: make(chan struct{}, 1)}
}

// Push schedules an item for its due time.
func (q *retryQueue) Push(it *retryItem) {
	q.mu.Lock()
	heap.Push(&q.items, it)
	q.mu.Unlock()
	q.signal()
}

// Close tells the worker that no more first attempts will be pushed. The
// worker still drains items pushed by its own callbacks.
func (q *retryQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Len returns the number of waiting items.
func (q *retryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns every waiting item.
func (q *retryQueue) Drain() []*retryItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*retryItem, 0, len(q.items))
	for len(q.items) > 0 {
		out = append(out, heap.Pop(&q.items).(*retryItem))
	}
	return out
}

func (q *retryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run calls fn for each item once it is due, until the queue is closed and
// empty or ctx is done. Items still waiting when ctx is done stay queued.
func (q *retryQueue) Run(ctx context.Context, fn func(*retryItem)) error {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.wake:
			}
			continue
		}

		next := q.items[0]
		wait := time.Until(next.due)
		if wait <= 0 {
			if err := ctx.Err(); err != nil {
				q.mu.Unlock()
				return err
			}
			heap.Pop(&q.items)
			q.mu.Unlock()
			fn(next)
			continue
		}
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

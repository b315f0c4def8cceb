package watch

import (
	"sync"
	"sync/atomic"
	"time"
)

// Queue is a bounded FIFO with membership dedup: a path already queued
// and not yet dequeued is not added again. Enqueuing into a full queue
// drops the event; the backfill pass picks up anything dropped here.
type Queue struct {
	mu      sync.Mutex
	items   []Event
	member  map[string]struct{}
	cap     int
	notify  chan struct{}
	dropped atomic.Int64
}

func NewQueue(capacity int) *Queue {
	return &Queue{
		member: make(map[string]struct{}, capacity),
		cap:    capacity,
		notify: make(chan struct{}, 1),
	}
}

// Enqueue adds ev unless its path is already queued or the queue is
// full. Reports whether the event was accepted.
func (q *Queue) Enqueue(ev Event) bool {
	q.mu.Lock()
	if _, dup := q.member[ev.Path]; dup {
		q.mu.Unlock()
		return true
	}
	if len(q.items) >= q.cap {
		q.mu.Unlock()
		q.dropped.Add(1)
		return false
	}
	q.items = append(q.items, ev)
	q.member[ev.Path] = struct{}{}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// DequeueBatch removes and returns up to max events. When the queue is
// empty it waits up to timeout for an enqueue before returning nil, so
// the drain worker neither busy-loops nor sleeps through fresh work.
func (q *Queue) DequeueBatch(max int, timeout time.Duration) []Event {
	if batch := q.take(max); batch != nil {
		return batch
	}
	select {
	case <-q.notify:
		return q.take(max)
	case <-time.After(timeout):
		return nil
	}
}

func (q *Queue) take(max int) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	n := min(max, len(q.items))
	batch := make([]Event, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	for _, ev := range batch {
		delete(q.member, ev.Path)
	}
	return batch
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped reports how many events were rejected because the queue was
// full.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

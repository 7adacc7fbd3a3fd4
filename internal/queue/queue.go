// Package queue holds closed activity records awaiting upload.
package queue

import (
	"sync"

	"timetracker-agent/internal/tracker"
)

// Queue is an unbounded FIFO of activity records. Producers (the
// tracker) and the consumer (the uploader) share it concurrently.
// Records that fail to upload go back at the tail, so a persistently
// failing record cannot starve the rest of the queue.
type Queue struct {
	mu    sync.Mutex
	items []tracker.ActivityRecord
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends a record at the tail.
func (q *Queue) Enqueue(rec tracker.ActivityRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, rec)
}

// Requeue appends failed records at the tail, preserving their order.
func (q *Queue) Requeue(recs []tracker.ActivityRecord) {
	if len(recs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, recs...)
}

// DequeueBatch removes and returns up to max records from the head.
// Returns nil when the queue is empty.
func (q *Queue) DequeueBatch(max int) []tracker.ActivityRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 || max <= 0 {
		return nil
	}
	if max > len(q.items) {
		max = len(q.items)
	}

	batch := make([]tracker.ActivityRecord, max)
	copy(batch, q.items[:max])
	q.items = q.items[max:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return batch
}

// DrainAll removes and returns everything, for the shutdown flush.
func (q *Queue) DrainAll() []tracker.ActivityRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	all := q.items
	q.items = nil
	return all
}

// Len returns the number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

package worker

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/marden/jobd/internal/store"
)

// jobQueue is the worker's local, advisory view of claimable work. It is
// fed concurrently by the initial store scan and the change feed; the
// claim loop is its only consumer. Correctness lives in the store-level
// conditional claim, not here, so a stale entry costs at most one no-op
// claim attempt.
type jobQueue struct {
	mu    sync.Mutex
	items []store.JobRecord
	ids   map[uuid.UUID]struct{}
	woken chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		ids:   make(map[uuid.UUID]struct{}),
		woken: make(chan struct{}, 1),
	}
}

// push inserts job unless a job with the same id is already queued.
// The queue stays ordered by priority descending, then created_at
// ascending. Returns whether the job was inserted.
func (q *jobQueue) push(job store.JobRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.ids[job.ID]; dup {
		return false
	}
	q.ids[job.ID] = struct{}{}
	q.items = append(q.items, job)
	sort.SliceStable(q.items, func(i, j int) bool {
		if q.items[i].Priority != q.items[j].Priority {
			return q.items[i].Priority > q.items[j].Priority
		}
		return q.items[i].CreatedAt.Before(q.items[j].CreatedAt)
	})

	select {
	case q.woken <- struct{}{}:
	default:
	}
	return true
}

// pop removes and returns the next job in claim order. Popping releases
// the id, so a later feed event may legitimately requeue the same job
// (e.g. after a claim transport error left it queued in the store).
func (q *jobQueue) pop() (store.JobRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return store.JobRecord{}, false
	}
	job := q.items[0]
	q.items = q.items[1:]
	delete(q.ids, job.ID)
	return job, true
}

// wake is signalled (coalesced) after every successful push.
func (q *jobQueue) wake() <-chan struct{} { return q.woken }

func (q *jobQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

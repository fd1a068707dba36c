package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemQueue is the in-process queue used by tests and DB-less deployments.
type MemQueue struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func NewMemQueue() *MemQueue {
	return &MemQueue{jobs: make(map[string]Job)}
}

func (q *MemQueue) Enqueue(_ context.Context, kind string, payload map[string]string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := newJob(kind, payload, time.Now().UTC())
	q.jobs[j.ID] = j
	return j.ID, nil
}

func (q *MemQueue) ClaimBatch(_ context.Context, now time.Time, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := make([]Job, 0)
	for _, j := range q.jobs {
		if j.Status == StatusPending && !j.NextRetryAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].CreatedAt.Before(due[k].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = StatusRunning
		due[i].UpdatedAt = now
		q.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (q *MemQueue) Finish(_ context.Context, jobID string, jobErr error, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return nil
	}
	j.UpdatedAt = now
	if jobErr == nil {
		j.Status = StatusCompleted
		j.LastError = ""
	} else {
		j.RetryCount++
		j.LastError = jobErr.Error()
		if j.RetryCount >= MaxRetries {
			j.Status = StatusFailed
		} else {
			j.Status = StatusPending
			j.NextRetryAt = now.Add(backoff(j.RetryCount))
		}
	}
	q.jobs[jobID] = j
	return nil
}

func (q *MemQueue) Prune(_ context.Context, cutoff time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pruned := 0
	for id, j := range q.jobs {
		if j.Status == StatusCompleted && j.UpdatedAt.Before(cutoff) {
			delete(q.jobs, id)
			pruned++
		}
	}
	return pruned, nil
}

// Job returns a copy for test assertions.
func (q *MemQueue) Job(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	return j, ok
}

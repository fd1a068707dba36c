// Package outbox runs non-critical side effects (notifications, analytics
// snapshots, backfills) at least once in the background. Money events never
// go through here; they are handled synchronously so the ledger and the
// processor mirror stay in lockstep.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const (
	// BatchSize jobs are claimed per poll.
	BatchSize = 10
	// PollInterval between empty polls.
	PollInterval = 5 * time.Second
	// CleanupInterval between prune passes.
	CleanupInterval = time.Hour
	// Retention for completed jobs before pruning.
	Retention = 7 * 24 * time.Hour
	// MaxRetries before a job is parked as failed.
	MaxRetries = 5
)

type Job struct {
	ID          string
	Kind        string
	Payload     map[string]string
	Status      Status
	RetryCount  int
	NextRetryAt time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

var ErrUnknownKind = errors.New("outbox: no handler registered for job kind")

// Queue is the durable job store.
type Queue interface {
	Enqueue(ctx context.Context, kind string, payload map[string]string) (string, error)
	// ClaimBatch atomically moves up to limit due pending jobs to running.
	ClaimBatch(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// Finish records the job outcome. Failed jobs with retries left go back
	// to pending with backoff.
	Finish(ctx context.Context, jobID string, jobErr error, now time.Time) error
	// Prune removes completed jobs older than the cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// backoff doubles per retry starting at 30s.
func backoff(retry int) time.Duration {
	d := 30 * time.Second
	for i := 0; i < retry && d < 30*time.Minute; i++ {
		d *= 2
	}
	return d
}

func newJob(kind string, payload map[string]string, now time.Time) Job {
	if payload == nil {
		payload = map[string]string{}
	}
	return Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     payload,
		Status:      StatusPending,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func marshalPayload(payload map[string]string) ([]byte, error) {
	if payload == nil {
		payload = map[string]string{}
	}
	return json.Marshal(payload)
}

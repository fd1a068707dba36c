package outbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/taskfoundry/escrow-core/internal/platform/clock"
)

func TestEnqueueClaimFinish(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := q.Enqueue(ctx, "notify", map[string]string{"user_id": "u1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	jobs, err := q.ClaimBatch(ctx, now.Add(time.Second), BatchSize)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != id || jobs[0].Status != StatusRunning {
		t.Fatalf("claimed = %+v", jobs)
	}
	if jobs[0].Payload["user_id"] != "u1" {
		t.Fatalf("payload = %v", jobs[0].Payload)
	}

	// A running job cannot be claimed twice.
	again, err := q.ClaimBatch(ctx, now.Add(time.Second), BatchSize)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("double claim: %+v", again)
	}

	if err := q.Finish(ctx, id, nil, now.Add(2*time.Second)); err != nil {
		t.Fatalf("finish: %v", err)
	}
	j, ok := q.Job(id)
	if !ok || j.Status != StatusCompleted {
		t.Fatalf("job after finish = %+v", j)
	}
}

func TestClaimBatchLimitAndOrder(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		if _, err := q.Enqueue(ctx, "notify", map[string]string{"n": fmt.Sprint(i)}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		// Distinct CreatedAt so the oldest-first ordering is observable.
		time.Sleep(time.Millisecond)
	}

	jobs, err := q.ClaimBatch(ctx, time.Now().UTC().Add(time.Second), BatchSize)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(jobs) != BatchSize {
		t.Fatalf("claimed %d, want %d", len(jobs), BatchSize)
	}
	for i := 1; i < len(jobs); i++ {
		if jobs[i].CreatedAt.Before(jobs[i-1].CreatedAt) {
			t.Fatal("batch not oldest-first")
		}
	}
}

func TestRetryBackoffAndParking(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := q.Enqueue(ctx, "flaky", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	boom := errors.New("downstream unavailable")
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		// Jump past whatever backoff the previous failure set.
		now = now.Add(time.Hour)
		jobs, err := q.ClaimBatch(ctx, now, BatchSize)
		if err != nil {
			t.Fatalf("claim %d: %v", attempt, err)
		}
		if len(jobs) != 1 {
			t.Fatalf("attempt %d claimed %d jobs", attempt, len(jobs))
		}
		if err := q.Finish(ctx, id, boom, now); err != nil {
			t.Fatalf("finish %d: %v", attempt, err)
		}

		j, _ := q.Job(id)
		if j.RetryCount != attempt {
			t.Fatalf("retry count = %d after attempt %d", j.RetryCount, attempt)
		}
		if attempt < MaxRetries {
			if j.Status != StatusPending {
				t.Fatalf("status = %s after attempt %d, want pending", j.Status, attempt)
			}
			if !j.NextRetryAt.After(now) {
				t.Fatalf("no backoff after attempt %d", attempt)
			}
		}
	}

	j, _ := q.Job(id)
	if j.Status != StatusFailed {
		t.Fatalf("status = %s after %d attempts, want failed", j.Status, MaxRetries)
	}
	if j.LastError != boom.Error() {
		t.Fatalf("last error = %q", j.LastError)
	}

	// Parked jobs stay parked.
	jobs, err := q.ClaimBatch(ctx, now.Add(24*time.Hour), BatchSize)
	if err != nil {
		t.Fatalf("claim parked: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("parked job claimed: %+v", jobs)
	}
}

func TestBackoffDoubles(t *testing.T) {
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{5, 16 * time.Minute},
		{6, 32 * time.Minute},
		{20, 32 * time.Minute}, // capped
	}
	for _, c := range cases {
		if got := backoff(c.retry); got != c.want {
			t.Errorf("backoff(%d) = %s, want %s", c.retry, got, c.want)
		}
	}
}

func TestPruneKeepsRecentAndUnfinished(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()
	now := time.Now().UTC()

	done, _ := q.Enqueue(ctx, "notify", nil)
	pending, _ := q.Enqueue(ctx, "notify", nil)
	if _, err := q.ClaimBatch(ctx, now.Add(time.Second), 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.Finish(ctx, done, nil, now); err != nil {
		t.Fatalf("finish: %v", err)
	}

	n, err := q.Prune(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, ok := q.Job(done); ok {
		t.Fatal("completed job survived prune")
	}
	if _, ok := q.Job(pending); !ok {
		t.Fatal("unfinished job pruned")
	}
}

func TestWorkerDispatch(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()
	w := NewWorker(q, clock.RealClock{}, zap.NewNop())

	var handled []string
	w.Register("notify", func(_ context.Context, job Job) error {
		handled = append(handled, job.Payload["user_id"])
		return nil
	})

	if _, err := q.Enqueue(ctx, "notify", map[string]string{"user_id": "u1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	unknown, err := q.Enqueue(ctx, "teleport", nil)
	if err != nil {
		t.Fatalf("enqueue unknown: %v", err)
	}

	time.Sleep(2 * time.Millisecond)
	n, err := w.RunBatch(ctx)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if n != 2 {
		t.Fatalf("ran %d jobs, want 2", n)
	}
	if len(handled) != 1 || handled[0] != "u1" {
		t.Fatalf("handled = %v", handled)
	}

	// The unregistered kind fails and is queued for retry.
	j, _ := q.Job(unknown)
	if j.Status != StatusPending || j.RetryCount != 1 {
		t.Fatalf("unknown-kind job = %+v", j)
	}
	if j.LastError != ErrUnknownKind.Error() {
		t.Fatalf("last error = %q", j.LastError)
	}
}

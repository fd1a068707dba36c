package outbox

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/taskfoundry/escrow-core/internal/platform/clock"
)

var jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "escrow_outbox_jobs_total",
	Help: "Outbox jobs processed, by kind and outcome.",
}, []string{"kind", "outcome"})

// Handler executes one job. At-least-once: handlers must tolerate replays.
type Handler func(ctx context.Context, job Job) error

// Worker polls the queue, dispatches to registered handlers, and prunes
// completed jobs past retention.
type Worker struct {
	Queue    Queue
	Clock    clock.Clock
	Log      *zap.Logger
	handlers map[string]Handler
}

func NewWorker(q Queue, clk clock.Clock, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		Queue:    q,
		Clock:    clk,
		Log:      log,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job kind. Must be called before Start.
func (w *Worker) Register(kind string, h Handler) {
	w.handlers[kind] = h
}

func (w *Worker) now() time.Time {
	return w.Clock.Now().UTC()
}

// RunBatch claims and executes one batch, returning how many jobs ran.
func (w *Worker) RunBatch(ctx context.Context) (int, error) {
	now := w.now()
	jobs, err := w.Queue.ClaimBatch(ctx, now, BatchSize)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		jobErr := w.dispatch(ctx, job)
		outcome := "ok"
		if jobErr != nil {
			outcome = "error"
			w.Log.Warn("outbox job failed",
				zap.String("job_id", job.ID),
				zap.String("kind", job.Kind),
				zap.Int("retry_count", job.RetryCount),
				zap.Error(jobErr))
		}
		jobsTotal.WithLabelValues(job.Kind, outcome).Inc()
		if err := w.Queue.Finish(ctx, job.ID, jobErr, w.now()); err != nil {
			w.Log.Error("failed to finish outbox job",
				zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return len(jobs), nil
}

func (w *Worker) dispatch(ctx context.Context, job Job) error {
	h, ok := w.handlers[job.Kind]
	if !ok {
		return ErrUnknownKind
	}
	return h(ctx, job)
}

// Start runs the poll and cleanup loops until the context ends.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.RunBatch(ctx); err != nil {
					w.Log.Error("outbox batch failed", zap.Error(err))
				}
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := w.Queue.Prune(ctx, w.now().Add(-Retention))
				if err != nil {
					w.Log.Error("outbox prune failed", zap.Error(err))
				} else if n > 0 {
					w.Log.Info("pruned completed outbox jobs", zap.Int("count", n))
				}
			}
		}
	}()
}

package engine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskfoundry/escrow-core/internal/psp"
)

const (
	reaperInterval   = time.Minute
	reaperStuckAfter = 5 * time.Minute
	escrowTimeout    = 48 * time.Hour
)

// PendingTransactionReaper resolves ledger work orphaned by a crash between
// the prepare and the commit. The processor mirror decides the direction: a
// mirror row means money moved, so the ledger must commit; no mirror means
// the processor never acted, so the transaction fails.
type PendingTransactionReaper struct {
	Engine *Engine
	Log    *zap.Logger
}

func NewPendingTransactionReaper(e *Engine) *PendingTransactionReaper {
	return &PendingTransactionReaper{Engine: e, Log: e.log.Named("reaper")}
}

// RunOnce sweeps once and reports how many transactions it resolved.
// Idempotent: a second run over the same rows is a no-op.
func (r *PendingTransactionReaper) RunOnce(ctx context.Context) (int, error) {
	e := r.Engine
	cutoff := e.now().Add(-reaperStuckAfter)
	resolved := 0

	prepares, err := e.ledger.OrphanPreparesOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, p := range prepares {
		n, err := r.resolve(ctx, p.ULID, p.IdempotencyKey, p.Metadata)
		if err != nil {
			r.Log.Error("failed to resolve orphan prepare",
				zap.String("transaction_ulid", p.ULID), zap.Error(err))
			continue
		}
		resolved += n
	}

	pending, err := e.ledger.PendingOlderThan(ctx, cutoff)
	if err != nil {
		return resolved, err
	}
	for _, tx := range pending {
		n, err := r.resolve(ctx, tx.ULID, tx.IdempotencyKey, tx.Metadata)
		if err != nil {
			r.Log.Error("failed to resolve pending transaction",
				zap.String("transaction_ulid", tx.ULID), zap.Error(err))
			continue
		}
		resolved += n
	}
	return resolved, nil
}

func (r *PendingTransactionReaper) resolve(ctx context.Context, txULID, ledgerKey string, meta map[string]string) (int, error) {
	e := r.Engine
	// Ledger prepares key on eventID + "_ledger"; the processor calls key on
	// the bare event id, with per-call suffixes for split resolutions.
	eventID := strings.TrimSuffix(ledgerKey, "_ledger")
	pspKeys := []string{eventID}
	if EventType(meta["event"]) == EventDisputeResolveSplit {
		pspKeys = []string{eventID + "_refund", eventID + "_transfer"}
	}

	var mirror *psp.MirrorRow
	for _, key := range pspKeys {
		row, err := e.bridge.Mirror(ctx, key)
		if err != nil {
			return 0, err
		}
		if row != nil {
			mirror = row
			break
		}
	}

	if mirror == nil {
		if err := e.ledger.Fail(ctx, txULID, "reaper: no processor mirror"); err != nil {
			return 0, err
		}
		reaperResolutionsTotal.WithLabelValues("failed").Inc()
		r.Log.Warn("failed orphaned ledger transaction",
			zap.String("transaction_ulid", txULID))
		return 1, nil
	}

	// Money moved. Re-drive the event through Handle so the resumed commit
	// also advances the state lock, awards XP on release, and lands the
	// processed-event row in the same transaction. The mirror answers the
	// processor call and the prepare is reused under its idempotency key.
	if req, ok := resumeRequest(meta); ok {
		if _, err := e.Handle(ctx, req); err != nil {
			return 0, err
		}
		reaperResolutionsTotal.WithLabelValues("resumed").Inc()
		r.Log.Warn("resumed money event from processor mirror",
			zap.String("transaction_ulid", txULID),
			zap.String("event_id", req.EventID),
			zap.String("psp_id", mirror.PSPID))
		return 1, nil
	}

	// Prepares staged outside the money paths carry no request context; the
	// ledger commit alone settles them.
	if err := e.ledger.Commit(ctx, txULID); err != nil {
		return 0, err
	}
	reaperResolutionsTotal.WithLabelValues("resumed").Inc()
	r.Log.Warn("resumed ledger commit from processor mirror",
		zap.String("transaction_ulid", txULID),
		zap.String("psp_id", mirror.PSPID))
	return 1, nil
}

// resumeRequest rebuilds the originating request from prepare metadata.
func resumeRequest(meta map[string]string) (HandleRequest, bool) {
	if meta["event"] == "" || meta["task_id"] == "" || meta["event_id"] == "" {
		return HandleRequest{}, false
	}
	req := HandleRequest{
		TaskID:          meta["task_id"],
		Event:           EventType(meta["event"]),
		EventID:         meta["event_id"],
		ExternalEventID: meta["external_event_id"],
		ActorID:         meta["actor_id"],
		AdminID:         meta["admin_id"],
		Context: EventContext{
			PaymentIntentID: meta["payment_intent_id"],
			Destination:     meta["destination"],
			Reason:          meta["reason"],
		},
	}
	req.Context.ReleaseCents, _ = strconv.ParseInt(meta["release_cents"], 10, 64)
	req.Context.RefundCents, _ = strconv.ParseInt(meta["refund_cents"], 10, 64)
	return req, true
}

// Start runs the reaper loop until the context ends.
func (r *PendingTransactionReaper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reaperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil {
					r.Log.Error("reaper pass failed", zap.Error(err))
				}
			}
		}
	}()
}

// EscrowTimeoutSweeper resolves escrows stuck in held past the timeout. The
// decision is deterministic: auto-release only when the task completed, no
// dispute is active, and the proof is not frozen; everything else refunds the
// poster.
type EscrowTimeoutSweeper struct {
	Engine   *Engine
	Log      *zap.Logger
	Interval time.Duration
	// Destination resolves the payout destination for an auto-release.
	Destination func(Task) string
}

func NewEscrowTimeoutSweeper(e *Engine, dest func(Task) string) *EscrowTimeoutSweeper {
	return &EscrowTimeoutSweeper{
		Engine:      e,
		Log:         e.log.Named("escrow_sweeper"),
		Interval:    time.Hour,
		Destination: dest,
	}
}

// timeoutEventID derives the stable idempotency handle for a swept task, so
// reruns and crash-retries collapse into one event.
func timeoutEventID(taskID string) string {
	return "timeout_" + taskID
}

// RunOnce sweeps once and reports how many escrows it resolved.
func (s *EscrowTimeoutSweeper) RunOnce(ctx context.Context) (int, error) {
	e := s.Engine
	cutoff := e.now().Add(-escrowTimeout)

	txn, err := e.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	stuck, err := txn.HeldLocksOlderThan(ctx, cutoff)
	txn.Rollback(ctx)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, taskID := range stuck {
		if err := s.sweep(ctx, taskID); err != nil {
			s.Log.Error("escrow sweep failed",
				zap.String("task_id", taskID), zap.Error(err))
			s.bumpRecovery(ctx, taskID)
			continue
		}
		resolved++
	}
	return resolved, nil
}

func (s *EscrowTimeoutSweeper) sweep(ctx context.Context, taskID string) error {
	e := s.Engine
	task, err := e.TaskByID(ctx, taskID)
	if err != nil {
		return err
	}

	release := task.Status == TaskCompleted && !task.ProofState.Frozen()
	if release {
		d, found, err := e.DisputeFor(ctx, taskID)
		if err != nil {
			return err
		}
		if found && d.Status != DisputeResolved {
			release = false
		}
	}

	req := HandleRequest{
		TaskID:  taskID,
		EventID: timeoutEventID(taskID),
		ActorID: "escrow_sweeper",
	}
	if release {
		req.Event = EventReleasePayout
		req.Context = EventContext{
			Destination: s.Destination(task),
			Reason:      "escrow timeout auto-release",
		}
	} else {
		req.Event = EventRefundEscrow
		req.Context = EventContext{Reason: "escrow timeout auto-refund"}
	}

	out, err := e.Handle(ctx, req)
	if err != nil {
		return err
	}
	if !out.Replayed {
		resolution := "auto_refund"
		if release {
			resolution = "auto_release"
		}
		escrowTimeoutsTotal.WithLabelValues(resolution).Inc()
		s.Log.Warn("timed-out escrow resolved",
			zap.String("task_id", taskID),
			zap.String("resolution", resolution))
	}
	return nil
}

func (s *EscrowTimeoutSweeper) bumpRecovery(ctx context.Context, taskID string) {
	e := s.Engine
	txn, err := e.store.Begin(ctx)
	if err != nil {
		return
	}
	defer txn.Rollback(ctx)
	lock, ok, err := txn.LockState(ctx, taskID)
	if err != nil || !ok {
		return
	}
	lock.RecoveryAttempts++
	lock.UpdatedAt = e.now()
	if err := txn.UpdateLock(ctx, lock); err != nil {
		return
	}
	_ = txn.Commit(ctx)
}

// Start runs the sweeper loop until the context ends.
func (s *EscrowTimeoutSweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil {
					s.Log.Error("sweeper pass failed", zap.Error(err))
				}
			}
		}
	}()
}

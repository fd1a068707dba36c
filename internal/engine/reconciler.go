package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const reconcileWindow = 30 * 24 * time.Hour

// EnqueueFunc hands a background job to the outbox. The reconciler never
// blocks on side effects; gaps become backfill jobs.
type EnqueueFunc func(ctx context.Context, kind string, payload map[string]string) error

// Reconciler compares three views of platform cash every pass: the committed
// ledger entries, the stored Platform Cash balance, and the live processor
// balance. Any disagreement engages the kill switch; nobody moves money on a
// ledger that cannot be trusted.
type Reconciler struct {
	Engine  *Engine
	Log     *zap.Logger
	Enqueue EnqueueFunc
}

func NewReconciler(e *Engine, enqueue EnqueueFunc) *Reconciler {
	return &Reconciler{Engine: e, Log: e.log.Named("reconciler"), Enqueue: enqueue}
}

// RunOnce performs one full pass: mirror coverage, then the three-way cash
// check. Returns the observed drift in cents.
func (r *Reconciler) RunOnce(ctx context.Context) (int64, error) {
	if err := r.checkMirrorCoverage(ctx); err != nil {
		r.Log.Error("mirror coverage pass failed", zap.Error(err))
	}
	return r.checkCash(ctx)
}

// checkMirrorCoverage lists the processor's recent objects and verifies each
// one has a local mirror row. Missing rows are reconciliation gaps: the
// processor did something we have no durable record of.
func (r *Reconciler) checkMirrorCoverage(ctx context.Context) error {
	e := r.Engine
	since := e.now().Add(-reconcileWindow)

	local, err := e.bridge.MirrorRowsSince(ctx, since)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(local))
	for _, row := range local {
		known[row.PSPID] = true
	}

	remote, err := e.bridge.Client.ListTransfers(ctx, since)
	if err != nil {
		return err
	}
	payouts, err := e.bridge.Client.ListPayouts(ctx, since)
	if err != nil {
		return err
	}
	remote = append(remote, payouts...)

	for _, obj := range remote {
		if known[obj.PSPID] {
			continue
		}
		reconcilerGapsTotal.Inc()
		r.Log.Error("RECONCILIATION_GAP: processor object with no local mirror",
			zap.String("psp_id", obj.PSPID),
			zap.String("type", string(obj.Type)))
		if r.Enqueue != nil {
			err := r.Enqueue(ctx, "reconciliation_backfill", map[string]string{
				"psp_id": obj.PSPID,
				"type":   string(obj.Type),
			})
			if err != nil {
				r.Log.Error("failed to enqueue backfill", zap.Error(err))
			}
		}
	}
	return nil
}

func (r *Reconciler) checkCash(ctx context.Context) (int64, error) {
	e := r.Engine

	acctID, err := e.ledger.EnsureAccount(ctx, PlatformCashSpec())
	if err != nil {
		return 0, err
	}
	acct, err := e.ledger.Account(ctx, acctID)
	if err != nil {
		return 0, err
	}
	// Leg one and two: stored balance vs committed entries.
	if err := e.ledger.VerifyAccount(ctx, acct.ID); err != nil {
		r.engageForDrift(ctx, acct.BalanceCents, acct.BalanceCents, err.Error())
		return 0, err
	}

	// Leg three: the live processor balance.
	bal, err := e.bridge.Client.RetrieveBalance(ctx)
	if err != nil {
		return 0, err
	}
	external := bal.AvailableCents + bal.PendingCents
	drift := acct.BalanceCents - external
	abs := drift
	if abs < 0 {
		abs = -abs
	}
	reconcilerDriftCents.Set(float64(abs))

	if drift != 0 {
		reason := fmt.Sprintf("LEDGER_DRIFT internal=%d external=%d drift=%d",
			acct.BalanceCents, external, drift)
		r.engageForDrift(ctx, acct.BalanceCents, external, reason)
		return drift, newErr(CodeLedgerDrift, reason)
	}

	r.Log.Info("reconciled platform cash",
		zap.Int64("balance_cents", acct.BalanceCents))
	return 0, nil
}

func (r *Reconciler) engageForDrift(ctx context.Context, internal, external int64, reason string) {
	r.Log.Error("ledger drift detected, engaging kill switch",
		zap.Int64("internal_cents", internal),
		zap.Int64("external_cents", external),
		zap.String("reason", reason))
	if err := r.Engine.EngageKillSwitch(ctx, "reconciler", reason); err != nil {
		r.Log.Error("failed to engage kill switch", zap.Error(err))
	}
}

// Start runs one pass immediately, then hourly until the context ends.
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		if _, err := r.RunOnce(ctx); err != nil {
			r.Log.Error("boot reconciliation failed", zap.Error(err))
		}
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil {
					r.Log.Error("reconciliation pass failed", zap.Error(err))
				}
			}
		}
	}()
}

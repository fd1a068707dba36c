package engine

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Resolution kinds accepted by ResolveDispute.
const (
	ResolutionRefund  = "refund"
	ResolutionRelease = "release"
	ResolutionSplit   = "split"
)

// OpenDispute records the dispute and locks the escrow via DISPUTE_OPEN. The
// task must already be DISPUTED; money moves to locked_dispute, which blocks
// release and refund from non-admin paths.
func (e *Engine) OpenDispute(ctx context.Context, taskID, reason string) (Dispute, error) {
	if reason == "" {
		return Dispute{}, newErr(CodeInvalidTransition, "dispute requires a reason")
	}

	txn, err := e.store.Begin(ctx)
	if err != nil {
		return Dispute{}, err
	}
	defer txn.Rollback(ctx)

	task, err := txn.Task(ctx, taskID)
	if err != nil {
		return Dispute{}, err
	}
	if task.Status != TaskProofSubmitted && task.Status != TaskDisputed {
		return Dispute{}, newErr(CodeInvalidTransition,
			"dispute requires submitted proof, task is "+string(task.Status))
	}
	if _, exists, err := txn.Dispute(ctx, taskID); err != nil {
		return Dispute{}, err
	} else if exists {
		return Dispute{}, newErr(CodeConflict, "dispute already open for task "+taskID)
	}

	if task.Status != TaskDisputed {
		task.Status = TaskDisputed
		if err := txn.UpdateTask(ctx, task); err != nil {
			return Dispute{}, err
		}
	}

	d := Dispute{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		PosterID:  task.PosterID,
		HustlerID: task.HustlerID,
		Status:    DisputeOpen,
		Evidence:  []string{reason},
		OpenedAt:  e.now(),
	}
	if err := txn.InsertDispute(ctx, d); err != nil {
		return Dispute{}, err
	}
	if err := txn.Commit(ctx); err != nil {
		return Dispute{}, err
	}

	// Lock the escrow through the money machine so the transition lands in
	// the audit trail like every other state change.
	_, err = e.Handle(ctx, HandleRequest{
		TaskID:  taskID,
		Event:   EventDisputeOpen,
		EventID: e.NewEventID(),
		ActorID: task.PosterID,
		Context: EventContext{Reason: reason},
	})
	if err != nil {
		return Dispute{}, err
	}

	e.log.Info("dispute opened",
		zap.String("task_id", taskID),
		zap.String("dispute_id", d.ID))
	return d, nil
}

// AddEvidence appends poster-side evidence to an unresolved dispute.
func (e *Engine) AddEvidence(ctx context.Context, taskID, evidence string) (Dispute, error) {
	return e.mutateDispute(ctx, taskID, func(d *Dispute) error {
		d.Evidence = append(d.Evidence, evidence)
		return nil
	})
}

// RespondToDispute records the hustler's side and moves the dispute to
// under_review.
func (e *Engine) RespondToDispute(ctx context.Context, taskID, response string) (Dispute, error) {
	return e.mutateDispute(ctx, taskID, func(d *Dispute) error {
		d.Responses = append(d.Responses, response)
		if d.Status == DisputeOpen {
			d.Status = DisputeUnderReview
		}
		return nil
	})
}

func (e *Engine) mutateDispute(ctx context.Context, taskID string, apply func(*Dispute) error) (Dispute, error) {
	txn, err := e.store.Begin(ctx)
	if err != nil {
		return Dispute{}, err
	}
	defer txn.Rollback(ctx)

	d, exists, err := txn.Dispute(ctx, taskID)
	if err != nil {
		return Dispute{}, err
	}
	if !exists {
		return Dispute{}, newErr(CodeNotFound, "no dispute for task "+taskID)
	}
	if d.Status == DisputeResolved {
		return Dispute{}, newErr(CodeInvalidTransition, "dispute for task "+taskID+" is resolved")
	}
	if err := apply(&d); err != nil {
		return Dispute{}, err
	}
	if err := txn.UpdateDispute(ctx, d); err != nil {
		return Dispute{}, err
	}
	if err := txn.Commit(ctx); err != nil {
		return Dispute{}, err
	}
	return d, nil
}

// DisputeResolution is the admin's decision.
type DisputeResolution struct {
	Kind         string // refund | release | split
	ReleaseCents int64  // split only
	RefundCents  int64  // split only
	Destination  string // payout destination for release and split
	Note         string
	// StrikeHustler and StrikePoster record trust penalties against the
	// losing side when the decision warrants one.
	StrikeHustler bool
	StrikePoster  bool
}

// ResolveDispute is admin-only. It pushes the matching money event through
// the state machine, stamps the dispute resolved and immutable, records the
// admin action and any trust strikes.
func (e *Engine) ResolveDispute(ctx context.Context, taskID, adminID string, res DisputeResolution) (Dispute, Outcome, error) {
	if adminID == "" {
		return Dispute{}, Outcome{}, newErr(CodeForbidden, "dispute resolution requires an admin")
	}

	var event EventType
	switch res.Kind {
	case ResolutionRefund:
		event = EventDisputeResolveRefund
	case ResolutionRelease:
		event = EventDisputeResolveRelease
	case ResolutionSplit:
		event = EventDisputeResolveSplit
	default:
		return Dispute{}, Outcome{}, newErr(CodeInvalidTransition, "unknown resolution "+res.Kind)
	}

	out, err := e.Handle(ctx, HandleRequest{
		TaskID:  taskID,
		Event:   event,
		EventID: e.NewEventID(),
		ActorID: adminID,
		AdminID: adminID,
		Context: EventContext{
			Destination:  res.Destination,
			Reason:       res.Note,
			ReleaseCents: res.ReleaseCents,
			RefundCents:  res.RefundCents,
		},
	})
	if err != nil {
		return Dispute{}, Outcome{}, err
	}

	txn, err := e.store.Begin(ctx)
	if err != nil {
		return Dispute{}, out, err
	}
	defer txn.Rollback(ctx)

	d, exists, err := txn.Dispute(ctx, taskID)
	if err != nil {
		return Dispute{}, out, err
	}
	if !exists {
		return Dispute{}, out, newErr(CodeNotFound, "no dispute for task "+taskID)
	}
	now := e.now()
	d.Status = DisputeResolved
	d.Resolution = res.Kind
	d.ResolvedBy = adminID
	d.LockedAt = now
	if err := txn.UpdateDispute(ctx, d); err != nil {
		return Dispute{}, out, err
	}

	if res.StrikeHustler && d.HustlerID != "" {
		err = txn.InsertTrustEntry(ctx, TrustEntry{
			UserID: d.HustlerID, Delta: -1,
			Reason: "dispute_strike", Trigger: "dispute:" + d.ID, CreatedAt: now,
		})
		if err != nil {
			return Dispute{}, out, err
		}
	}
	if res.StrikePoster {
		err = txn.InsertTrustEntry(ctx, TrustEntry{
			UserID: d.PosterID, Delta: -1,
			Reason: "dispute_strike", Trigger: "dispute:" + d.ID, CreatedAt: now,
		})
		if err != nil {
			return Dispute{}, out, err
		}
	}
	err = txn.InsertAdminAction(ctx, AdminAction{
		AdminID:   adminID,
		Action:    "dispute_resolve_" + res.Kind,
		ObjectID:  d.ID,
		Detail:    map[string]string{"task_id": taskID, "note": res.Note},
		CreatedAt: now,
	})
	if err != nil {
		return Dispute{}, out, err
	}
	if err := txn.Commit(ctx); err != nil {
		return Dispute{}, out, err
	}

	e.log.Info("dispute resolved",
		zap.String("task_id", taskID),
		zap.String("dispute_id", d.ID),
		zap.String("resolution", res.Kind),
		zap.String("admin_id", adminID))
	return d, out, nil
}

// DisputeFor is a read-only lookup.
func (e *Engine) DisputeFor(ctx context.Context, taskID string) (Dispute, bool, error) {
	txn, err := e.store.Begin(ctx)
	if err != nil {
		return Dispute{}, false, err
	}
	defer txn.Rollback(ctx)
	return txn.Dispute(ctx, taskID)
}

package engine

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateTask registers an open task for a poster. No money moves until the
// poster's intent is captured through HOLD_ESCROW.
func (e *Engine) CreateTask(ctx context.Context, posterID string, priceCents int64, category string) (Task, error) {
	if priceCents <= 0 {
		return Task{}, newErr(CodeInvalidTransition, "price must be positive cents")
	}
	task := Task{
		ID:         uuid.NewString(),
		PosterID:   posterID,
		PriceCents: priceCents,
		Status:     TaskOpen,
		ProofState: ProofNone,
		Category:   category,
		CreatedAt:  e.now(),
	}
	txn, err := e.store.Begin(ctx)
	if err != nil {
		return Task{}, err
	}
	defer txn.Rollback(ctx)
	if err := txn.InsertTask(ctx, task); err != nil {
		return Task{}, err
	}
	if err := txn.Commit(ctx); err != nil {
		return Task{}, err
	}
	return task, nil
}

// mutateTask loads, validates and persists one task transition in a single
// unit of work. The money state is read under the same transaction so the
// escrow guards cannot race a concurrent money event.
func (e *Engine) mutateTask(ctx context.Context, taskID string, to TaskStatus, adminID string, apply func(*Task) error) (Task, error) {
	txn, err := e.store.Begin(ctx)
	if err != nil {
		return Task{}, err
	}
	defer txn.Rollback(ctx)

	task, err := txn.Task(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	lock, _, err := txn.LockState(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if apply != nil {
		if err := apply(&task); err != nil {
			return Task{}, err
		}
	}
	if err := validateTaskTransition(task, to, lock.Current, adminID); err != nil {
		return Task{}, err
	}
	task.Status = to
	if err := txn.UpdateTask(ctx, task); err != nil {
		return Task{}, err
	}
	if err := txn.Commit(ctx); err != nil {
		return Task{}, err
	}
	e.log.Info("task transition",
		zap.String("task_id", task.ID),
		zap.String("status", string(to)))
	return task, nil
}

// AcceptTask assigns a hustler. Requires the escrow to already be held.
func (e *Engine) AcceptTask(ctx context.Context, taskID, hustlerID string) (Task, error) {
	return e.mutateTask(ctx, taskID, TaskAccepted, "", func(t *Task) error {
		if t.HustlerID != "" && t.HustlerID != hustlerID {
			return newErr(CodeConflict, "task already accepted by another hustler")
		}
		t.HustlerID = hustlerID
		t.AcceptedAt = e.now()
		return nil
	})
}

// SubmitProof attaches proof and moves the task to PROOF_SUBMITTED. The proof
// machine enters SUBMITTED, which freezes payouts until review.
func (e *Engine) SubmitProof(ctx context.Context, taskID, proofID string) (Task, error) {
	return e.mutateTask(ctx, taskID, TaskProofSubmitted, "", func(t *Task) error {
		if proofID == "" {
			return newErr(CodeInvalidTransition, "proof id required")
		}
		from := t.ProofState
		if from == ProofNone {
			from = ProofRequested
		}
		if !proofEdgeAllowed(from, ProofSubmitted) {
			return newErr(CodeInvalidTransition, "proof cannot be submitted from "+string(t.ProofState))
		}
		t.ProofID = proofID
		t.ProofState = ProofSubmitted
		return nil
	})
}

// ReviewProof advances the proof machine without touching the task status.
func (e *Engine) ReviewProof(ctx context.Context, taskID string, to ProofStatus) (Task, error) {
	txn, err := e.store.Begin(ctx)
	if err != nil {
		return Task{}, err
	}
	defer txn.Rollback(ctx)

	task, err := txn.Task(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if !proofEdgeAllowed(task.ProofState, to) {
		return Task{}, newErr(CodeInvalidTransition,
			"proof "+string(task.ProofState)+" -> "+string(to)+" not allowed")
	}
	task.ProofState = to
	if err := txn.UpdateTask(ctx, task); err != nil {
		return Task{}, err
	}
	if err := txn.Commit(ctx); err != nil {
		return Task{}, err
	}
	return task, nil
}

// CompleteTask marks the work done. Requires an accepted proof and a held
// escrow; release is a separate money event.
func (e *Engine) CompleteTask(ctx context.Context, taskID, adminID string) (Task, error) {
	return e.mutateTask(ctx, taskID, TaskCompleted, adminID, func(t *Task) error {
		t.CompletedAt = e.now()
		return nil
	})
}

// CancelTask cancels a not-yet-completed task. The caller is responsible for
// issuing REFUND_ESCROW when money is held.
func (e *Engine) CancelTask(ctx context.Context, taskID string) (Task, error) {
	return e.mutateTask(ctx, taskID, TaskCancelled, "", nil)
}

// ExpireTask is issued by the sweeper for tasks nobody picked up.
func (e *Engine) ExpireTask(ctx context.Context, taskID string) (Task, error) {
	return e.mutateTask(ctx, taskID, TaskExpired, "", nil)
}

// TaskByID is a read-only lookup.
func (e *Engine) TaskByID(ctx context.Context, taskID string) (Task, error) {
	txn, err := e.store.Begin(ctx)
	if err != nil {
		return Task{}, err
	}
	defer txn.Rollback(ctx)
	return txn.Task(ctx, taskID)
}

// StateLockFor returns the escrow lock for a task, if one exists.
func (e *Engine) StateLockFor(ctx context.Context, taskID string) (StateLock, bool, error) {
	txn, err := e.store.Begin(ctx)
	if err != nil {
		return StateLock{}, false, err
	}
	defer txn.Rollback(ctx)
	return txn.LockState(ctx, taskID)
}

// CreateUser seeds a user row. Mostly used by tests and backfills.
func (e *Engine) CreateUser(ctx context.Context, u User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.TrustTier == 0 {
		u.TrustTier = 1
	}
	if u.Level == 0 {
		u.Level = LevelForXP(u.XP)
	}
	txn, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer txn.Rollback(ctx)
	if err := txn.InsertUser(ctx, u); err != nil {
		return err
	}
	return txn.Commit(ctx)
}

// UserByID is a read-only lookup.
func (e *Engine) UserByID(ctx context.Context, userID string) (User, error) {
	txn, err := e.store.Begin(ctx)
	if err != nil {
		return User{}, err
	}
	defer txn.Rollback(ctx)
	return txn.User(ctx, userID)
}

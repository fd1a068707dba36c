// Package engine is the money state machine: it serializes escrow
// transitions per task, keeps the double-entry ledger and the processor in
// step, and awards XP exactly once per released escrow.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/taskfoundry/escrow-core/internal/ledger"
	"github.com/taskfoundry/escrow-core/internal/platform/audit"
	"github.com/taskfoundry/escrow-core/internal/platform/clock"
	"github.com/taskfoundry/escrow-core/internal/psp"
)

// Engine applies money events. One instance per process; all serialization
// happens in the store (row locks) and the processor bridge (mirror log).
type Engine struct {
	store  Store
	ledger *ledger.Engine
	bridge *psp.Bridge
	clk    clock.Clock
	log    *zap.Logger
	fee    FeeFunc

	// DisablePayouts refuses RELEASE_PAYOUT while leaving refunds and
	// disputes operational. Flipped by ops config, not by the kill switch.
	DisablePayouts bool
	// OverrideKillSwitch lets a recovery deployment push events through an
	// engaged kill switch.
	OverrideKillSwitch bool

	entropy *ulid.MonotonicEntropy
}

func New(store Store, led *ledger.Engine, bridge *psp.Bridge, clk clock.Clock, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:   store,
		ledger:  led,
		bridge:  bridge,
		clk:     clk,
		log:     log,
		fee:     DefaultFee,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// SetFee replaces the platform fee policy. Must be called before serving.
func (e *Engine) SetFee(f FeeFunc) {
	if f != nil {
		e.fee = f
	}
}

func (e *Engine) now() time.Time {
	return e.clk.Now().UTC()
}

// NewEventID mints a ULID for internally originated events.
func (e *Engine) NewEventID() string {
	return ulid.MustNew(ulid.Timestamp(e.now()), e.entropy).String()
}

func nextAllowedFor(s MoneyState) []EventType {
	return append([]EventType(nil), moneyEdges[s]...)
}

// Platform account names. Accounts are created on first use and live forever.
const (
	acctPlatformRevenue = "platform_revenue"
	acctPlatformCash    = "platform_cash"
)

func acctTaskEscrow(taskID string) ledger.AccountSpec {
	return ledger.AccountSpec{OwnerType: "task", OwnerID: taskID, Type: ledger.Liability, Name: "task_escrow:" + taskID}
}

func acctHustlerReceivable(userID string) ledger.AccountSpec {
	return ledger.AccountSpec{OwnerType: "user", OwnerID: userID, Type: ledger.Liability, Name: "hustler_receivable:" + userID}
}

func platformRevenueSpec() ledger.AccountSpec {
	return ledger.AccountSpec{OwnerType: "platform", Type: ledger.Equity, Name: acctPlatformRevenue}
}

// PlatformCashSpec is the internal mirror of the processor balance; the
// reconciler compares it against the live balance every pass.
func PlatformCashSpec() ledger.AccountSpec {
	return ledger.AccountSpec{OwnerType: "platform", Type: ledger.Asset, Name: acctPlatformCash}
}

// Handle applies one money event end to end: replay guard, kill switch, row
// lock, transition validation, ledger prepare, processor call, atomic ledger
// commit + state update + XP, processed log and audit trail.
func (e *Engine) Handle(ctx context.Context, req HandleRequest) (Outcome, error) {
	if req.EventID == "" {
		return Outcome{}, newErr(CodeInvalidTransition, "event id required")
	}
	if req.TaskID == "" {
		return Outcome{}, newErr(CodeInvalidTransition, "task id required")
	}

	out, err := e.handle(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = string(CodeOf(err))
		if outcome == "" {
			outcome = "error"
		}
	} else if out.Replayed {
		outcome = "replayed"
		moneyEventReplays.Inc()
	}
	moneyEventsTotal.WithLabelValues(string(req.Event), outcome).Inc()
	return out, err
}

func (e *Engine) handle(ctx context.Context, req HandleRequest) (Outcome, error) {
	txn, err := e.store.Begin(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer txn.Rollback(ctx)

	// Kill switch first: an engaged switch refuses new financial work before
	// any row is touched.
	if !e.OverrideKillSwitch {
		active, reason, err := txn.KillSwitch(ctx)
		if err != nil {
			return Outcome{}, err
		}
		if active {
			return Outcome{}, newErr(CodeBlockedByKillSwitch, "kill switch engaged: "+reason)
		}
	}

	lock, lockExists, err := txn.LockState(ctx, req.TaskID)
	if err != nil {
		return Outcome{}, err
	}

	// Replay guard, checked after the row lock so concurrent duplicates
	// serialize and the second sees the processed row.
	if done, err := txn.EventProcessed(ctx, req.EventID); err != nil {
		return Outcome{}, err
	} else if done {
		return Outcome{Replayed: true, PreviousState: lock.Current, NewState: lock.Current}, nil
	}
	if req.ExternalEventID != "" {
		if done, err := txn.ExternalEventProcessed(ctx, req.ExternalEventID); err != nil {
			return Outcome{}, err
		} else if done {
			return Outcome{Replayed: true, PreviousState: lock.Current, NewState: lock.Current}, nil
		}
	}

	if !lockExists {
		if req.Event != EventHoldEscrow {
			return Outcome{}, newErr(CodeNotFound, "no escrow for task "+req.TaskID)
		}
		lock = StateLock{
			TaskID:      req.TaskID,
			Current:     MoneyPending,
			NextAllowed: nextAllowedFor(MoneyPending),
			UpdatedAt:   e.now(),
		}
		if err := txn.InsertLock(ctx, lock); err != nil {
			return Outcome{}, err
		}
	}

	task, err := txn.Task(ctx, req.TaskID)
	if err != nil {
		return Outcome{}, err
	}
	if err := validateMoneyEvent(lock, task, req); err != nil {
		return Outcome{}, err
	}
	if e.DisablePayouts && (req.Event == EventReleasePayout || req.Event == EventDisputeResolveRelease) {
		return Outcome{}, newErr(CodePayoutsDisabled, "payouts are disabled")
	}

	plan, err := e.buildPlan(ctx, task, lock, req)
	if err != nil {
		return Outcome{}, err
	}

	// The prepare commits in its own short transaction so a crash during the
	// processor call leaves a durable record for the reaper. State-only
	// transitions (dispute lock) move no money and skip the ledger.
	var txULID string
	if len(plan.entries) > 0 {
		txULID, _, err = e.ledger.Prepare(ctx, req.EventID+"_ledger", plan.txType, plan.entries, plan.metadata)
		if err != nil {
			if errors.Is(err, ledger.ErrKeyConflict) {
				return Outcome{}, newErr(CodeConflict, "ledger prepare key conflict", err)
			}
			return Outcome{}, err
		}
	}

	var pspID, chargeID string
	for _, call := range plan.calls {
		obj, mirrored, err := e.bridge.Do(ctx, call)
		if err != nil {
			// Release the row lock before recording the failure; the audit
			// row goes in its own transaction since this one is dead.
			txn.Rollback(ctx)
			return Outcome{}, e.pspFailure(ctx, req, lock, call, err)
		}
		if mirrored {
			e.log.Info("processor call answered from mirror",
				zap.String("task_id", req.TaskID),
				zap.String("idempotency_key", call.IdempotencyKey))
		}
		pspID = obj.PSPID
		if obj.ChargeID != "" {
			chargeID = obj.ChargeID
		}
	}

	if txULID != "" {
		if err := txn.LedgerCommit(ctx, e.ledger, txULID); err != nil {
			return Outcome{}, err
		}
	}

	prev := lock.Current
	lock.Current = plan.nextState
	lock.NextAllowed = nextAllowedFor(plan.nextState)
	lock.Version++
	lock.UpdatedAt = e.now()
	if req.Event == EventHoldEscrow {
		lock.PaymentIntentID = req.Context.PaymentIntentID
		if chargeID != "" {
			lock.ChargeID = chargeID
		}
	}
	if err := txn.UpdateLock(ctx, lock); err != nil {
		return Outcome{}, err
	}

	var xp *XPResult
	if req.Event == EventReleasePayout {
		xp, err = e.awardXP(ctx, txn, task)
		if err != nil {
			return Outcome{}, err
		}
	}

	now := e.now()
	if err := txn.MarkEventProcessed(ctx, req.EventID, req.TaskID, now); err != nil {
		return Outcome{}, err
	}
	if req.ExternalEventID != "" {
		if err := txn.MarkExternalEventProcessed(ctx, req.ExternalEventID, now); err != nil {
			return Outcome{}, err
		}
	}
	if err := e.appendAudit(ctx, txn, req, prev, lock.Current, lock); err != nil {
		return Outcome{}, err
	}

	if err := txn.Commit(ctx); err != nil {
		return Outcome{}, err
	}

	e.log.Info("money event applied",
		zap.String("task_id", req.TaskID),
		zap.String("event", string(req.Event)),
		zap.String("event_id", req.EventID),
		zap.String("previous_state", string(prev)),
		zap.String("new_state", string(lock.Current)))

	out := Outcome{
		PreviousState: prev,
		NewState:      lock.Current,
		LedgerULID:    txULID,
		PSPID:         pspID,
		XP:            xp,
	}
	return out, nil
}

// eventPlan is the ledger and processor work one event expands into.
type eventPlan struct {
	txType    string
	entries   []ledger.EntryInput
	metadata  map[string]string
	calls     []psp.Call
	nextState MoneyState
}

func (e *Engine) buildPlan(ctx context.Context, task Task, lock StateLock, req HandleRequest) (eventPlan, error) {
	gross := task.PriceCents
	// The metadata carries the full originating request so a prepare orphaned
	// by a crash is self-describing: the reaper rebuilds the request from it
	// and resumes the whole money path.
	plan := eventPlan{
		metadata: map[string]string{
			"task_id":  task.ID,
			"event_id": req.EventID,
			"event":    string(req.Event),
		},
	}
	if req.ActorID != "" {
		plan.metadata["actor_id"] = req.ActorID
	}
	if req.AdminID != "" {
		plan.metadata["admin_id"] = req.AdminID
	}
	if req.ExternalEventID != "" {
		plan.metadata["external_event_id"] = req.ExternalEventID
	}
	if req.Context.PaymentIntentID != "" {
		plan.metadata["payment_intent_id"] = req.Context.PaymentIntentID
	}
	if req.Context.Destination != "" {
		plan.metadata["destination"] = req.Context.Destination
	}
	if req.Context.Reason != "" {
		plan.metadata["reason"] = req.Context.Reason
	}
	if req.Event == EventDisputeResolveSplit {
		plan.metadata["release_cents"] = strconv.FormatInt(req.Context.ReleaseCents, 10)
		plan.metadata["refund_cents"] = strconv.FormatInt(req.Context.RefundCents, 10)
	}

	// Platform Cash mirrors the processor balance leg for leg; the reconciler
	// depends on that to run its three-way check.
	cash, err := e.ledger.EnsureAccount(ctx, PlatformCashSpec())
	if err != nil {
		return eventPlan{}, err
	}
	escrow, err := e.ledger.EnsureAccount(ctx, acctTaskEscrow(task.ID))
	if err != nil {
		return eventPlan{}, err
	}

	// releaseLegs credits the fee to revenue and records the hustler payout:
	// the receivable is credited and settled in the same transaction because
	// the transfer goes out before the ledger commits.
	releaseLegs := func(amount int64) ([]ledger.EntryInput, int64, error) {
		fee := e.fee(Task{PriceCents: amount})
		if fee < 0 || fee >= amount {
			return nil, 0, newErr(CodeInvariantViolation, "fee out of range")
		}
		net := amount - fee
		hustler, err := e.ledger.EnsureAccount(ctx, acctHustlerReceivable(task.HustlerID))
		if err != nil {
			return nil, 0, err
		}
		revenue, err := e.ledger.EnsureAccount(ctx, platformRevenueSpec())
		if err != nil {
			return nil, 0, err
		}
		var legs []ledger.EntryInput
		if fee > 0 {
			legs = append(legs, ledger.EntryInput{AccountID: revenue, Direction: ledger.Credit, AmountCents: fee})
		}
		legs = append(legs,
			ledger.EntryInput{AccountID: hustler, Direction: ledger.Credit, AmountCents: net},
			ledger.EntryInput{AccountID: hustler, Direction: ledger.Debit, AmountCents: net},
			ledger.EntryInput{AccountID: cash, Direction: ledger.Credit, AmountCents: net})
		return legs, net, nil
	}

	switch req.Event {
	case EventHoldEscrow:
		plan.txType = "escrow_hold"
		plan.nextState = MoneyHeld
		plan.entries = []ledger.EntryInput{
			{AccountID: cash, Direction: ledger.Debit, AmountCents: gross},
			{AccountID: escrow, Direction: ledger.Credit, AmountCents: gross},
		}
		plan.calls = []psp.Call{{
			Type:            psp.CallCapture,
			IdempotencyKey:  req.EventID,
			PaymentIntentID: req.Context.PaymentIntentID,
		}}

	case EventReleasePayout, EventDisputeResolveRelease:
		if task.HustlerID == "" {
			return eventPlan{}, newErr(CodeInvalidTransition, "release requires a hustler")
		}
		if req.Context.Destination == "" {
			return eventPlan{}, newErr(CodeInvalidTransition, "release requires a payout destination")
		}
		legs, net, err := releaseLegs(gross)
		if err != nil {
			return eventPlan{}, err
		}
		plan.txType = "escrow_release"
		plan.nextState = MoneyReleased
		plan.entries = append([]ledger.EntryInput{
			{AccountID: escrow, Direction: ledger.Debit, AmountCents: gross},
		}, legs...)
		plan.calls = []psp.Call{{
			Type:           psp.CallTransfer,
			IdempotencyKey: req.EventID,
			AmountCents:    net,
			Destination:    req.Context.Destination,
			TransferGroup:  task.ID,
			Metadata:       map[string]string{"task_id": task.ID},
		}}

	case EventRefundEscrow, EventDisputeResolveRefund:
		plan.txType = "escrow_refund"
		plan.nextState = MoneyRefunded
		plan.entries = []ledger.EntryInput{
			{AccountID: escrow, Direction: ledger.Debit, AmountCents: gross},
			{AccountID: cash, Direction: ledger.Credit, AmountCents: gross},
		}
		plan.calls = []psp.Call{{
			Type:            psp.CallRefund,
			IdempotencyKey:  req.EventID,
			PaymentIntentID: lock.PaymentIntentID,
		}}

	case EventDisputeOpen:
		// State-only transition: funds stay in escrow, nothing moves.
		plan.txType = "dispute_lock"
		plan.nextState = MoneyLockedDispute

	case EventDisputeResolveSplit:
		release := req.Context.ReleaseCents
		refund := req.Context.RefundCents
		plan.txType = "dispute_split"
		if release > 0 {
			plan.nextState = MoneyReleased
		} else {
			plan.nextState = MoneyRefunded
		}
		plan.entries = []ledger.EntryInput{
			{AccountID: escrow, Direction: ledger.Debit, AmountCents: gross},
		}
		if refund > 0 {
			plan.entries = append(plan.entries,
				ledger.EntryInput{AccountID: cash, Direction: ledger.Credit, AmountCents: refund})
			plan.calls = append(plan.calls, psp.Call{
				Type:            psp.CallRefund,
				IdempotencyKey:  req.EventID + "_refund",
				PaymentIntentID: lock.PaymentIntentID,
				AmountCents:     refund,
			})
		}
		if release > 0 {
			if task.HustlerID == "" {
				return eventPlan{}, newErr(CodeInvalidTransition, "split release requires a hustler")
			}
			if req.Context.Destination == "" {
				return eventPlan{}, newErr(CodeInvalidTransition, "split release requires a payout destination")
			}
			legs, net, err := releaseLegs(release)
			if err != nil {
				return eventPlan{}, err
			}
			plan.entries = append(plan.entries, legs...)
			plan.calls = append(plan.calls, psp.Call{
				Type:           psp.CallTransfer,
				IdempotencyKey: req.EventID + "_transfer",
				AmountCents:    net,
				Destination:    req.Context.Destination,
				TransferGroup:  task.ID,
			})
		}

	default:
		return eventPlan{}, newErr(CodeInvalidTransition, "unknown event "+string(req.Event))
	}
	return plan, nil
}

// pspFailure classifies a bridge error. Timeouts leave the prepare orphaned
// for the reaper; deterministic rejections get an audit row in their own
// transaction since the main one is rolling back.
func (e *Engine) pspFailure(ctx context.Context, req HandleRequest, lock StateLock, call psp.Call, err error) error {
	if psp.IsRetryable(err) {
		e.log.Warn("processor call timed out, prepare left for reaper",
			zap.String("task_id", req.TaskID),
			zap.String("event_id", req.EventID),
			zap.String("idempotency_key", call.IdempotencyKey))
		return newErr(CodePSPTimeout, "processor outcome unknown for event "+req.EventID, err)
	}

	e.log.Error("processor rejected call",
		zap.String("task_id", req.TaskID),
		zap.String("event_id", req.EventID),
		zap.Error(err))
	if auditErr := e.recordRejection(ctx, req, lock); auditErr != nil {
		e.log.Error("failed to record rejection audit", zap.Error(auditErr))
	}
	return newErr(CodePSPAPIError, "processor rejected event "+req.EventID, err)
}

func (e *Engine) recordRejection(ctx context.Context, req HandleRequest, lock StateLock) error {
	txn, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer txn.Rollback(ctx)
	if err := e.appendAudit(ctx, txn, req, lock.Current, lock.Current, lock); err != nil {
		return err
	}
	return txn.Commit(ctx)
}

func (e *Engine) appendAudit(ctx context.Context, txn Txn, req HandleRequest, prev, next MoneyState, lock StateLock) error {
	raw, err := json.Marshal(req.Context)
	if err != nil {
		return err
	}
	last, err := txn.LastAuditHash(ctx)
	if err != nil {
		return err
	}
	ev := audit.Event{
		EventID:         req.EventID,
		TaskID:          req.TaskID,
		EventType:       string(req.Event),
		PreviousState:   string(prev),
		NewState:        string(next),
		ActorID:         req.ActorID,
		RawContext:      raw,
		PaymentIntentID: lock.PaymentIntentID,
		ChargeID:        lock.ChargeID,
		RecordedAt:      e.now(),
		HashPrev:        last,
	}
	ev.HashCurr = audit.ComputeHash(last, ev)
	return txn.InsertAudit(ctx, ev)
}

// awardXP runs inside the release transaction. The UNIQUE constraint on the
// escrow id makes a second award a no-op.
func (e *Engine) awardXP(ctx context.Context, txn Txn, task Task) (*XPResult, error) {
	if task.HustlerID == "" {
		return nil, newErr(CodeInvariantViolation, "release without hustler")
	}
	user, err := txn.User(ctx, task.HustlerID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	c := computeXP(task.PriceCents, user.XP, user.Streak, user.LastActiveAt, now)

	award := XPAward{
		ID:                   uuid.NewString(),
		UserID:               user.ID,
		TaskID:               task.ID,
		MoneyStateLockTaskID: task.ID,
		BaseXP:               c.BaseXP,
		DecayFactor:          c.DecayFactor.StringFixed(4),
		EffectiveXP:          c.EffectiveXP,
		StreakMultiplier:     c.StreakMultiplier.StringFixed(4),
		FinalXP:              c.FinalXP,
		Reason:               "task_completion",
		CreatedAt:            now,
	}
	inserted, err := txn.InsertXPAward(ctx, award)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return &XPResult{
			AlreadyAwarded: true,
			NewTotalXP:     user.XP,
			NewLevel:       user.Level,
			NewStreak:      user.Streak,
		}, nil
	}

	user.XP += c.FinalXP
	user.Level = LevelForXP(user.XP)
	user.Streak = c.NewStreak
	user.LastActiveAt = now
	if err := txn.UpdateUser(ctx, user); err != nil {
		return nil, err
	}
	xpAwardedTotal.Add(float64(c.FinalXP))

	return &XPResult{
		FinalXP:    c.FinalXP,
		NewTotalXP: user.XP,
		NewLevel:   user.Level,
		NewStreak:  user.Streak,
	}, nil
}

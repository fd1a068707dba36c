package engine

import (
	"time"
)

// MoneyState is the escrow lifecycle state held in money_state_lock.
type MoneyState string

const (
	MoneyPending       MoneyState = "pending"
	MoneyHeld          MoneyState = "held"
	MoneyReleased      MoneyState = "released"
	MoneyRefunded      MoneyState = "refunded"
	MoneyLockedDispute MoneyState = "locked_dispute"
	MoneyFailed        MoneyState = "failed"
)

// Terminal reports whether no further mutation of the lock is permitted.
// The database trigger enforces the same rule one layer down.
func (s MoneyState) Terminal() bool {
	switch s {
	case MoneyReleased, MoneyRefunded, MoneyFailed:
		return true
	}
	return false
}

type EventType string

const (
	EventHoldEscrow            EventType = "HOLD_ESCROW"
	EventReleasePayout         EventType = "RELEASE_PAYOUT"
	EventRefundEscrow          EventType = "REFUND_ESCROW"
	EventDisputeOpen           EventType = "DISPUTE_OPEN"
	EventDisputeResolveRefund  EventType = "DISPUTE_RESOLVE_REFUND"
	EventDisputeResolveRelease EventType = "DISPUTE_RESOLVE_RELEASE"
	EventDisputeResolveSplit   EventType = "DISPUTE_RESOLVE_SPLIT"
)

// moneyEdges maps each state to the events it accepts. Terminal states map
// to nothing.
var moneyEdges = map[MoneyState][]EventType{
	MoneyPending:       {EventHoldEscrow},
	MoneyHeld:          {EventReleasePayout, EventRefundEscrow, EventDisputeOpen},
	MoneyLockedDispute: {EventDisputeResolveRefund, EventDisputeResolveRelease, EventDisputeResolveSplit},
}

func (e EventType) adminOnly() bool {
	switch e {
	case EventDisputeResolveRefund, EventDisputeResolveRelease, EventDisputeResolveSplit:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskOpen           TaskStatus = "OPEN"
	TaskAccepted       TaskStatus = "ACCEPTED"
	TaskProofSubmitted TaskStatus = "PROOF_SUBMITTED"
	TaskDisputed       TaskStatus = "DISPUTED"
	TaskCompleted      TaskStatus = "COMPLETED"
	TaskCancelled      TaskStatus = "CANCELLED"
	TaskExpired        TaskStatus = "EXPIRED"
)

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskCancelled, TaskExpired:
		return true
	}
	return false
}

type ProofStatus string

const (
	ProofNone      ProofStatus = "none"
	ProofRequested ProofStatus = "REQUESTED"
	ProofSubmitted ProofStatus = "SUBMITTED"
	ProofAnalyzing ProofStatus = "ANALYZING"
	ProofEscalated ProofStatus = "ESCALATED"
	ProofAccepted  ProofStatus = "ACCEPTED"
	ProofRejected  ProofStatus = "REJECTED"
	ProofLocked    ProofStatus = "LOCKED"
)

// Frozen reports whether the proof is in a state that freezes payout: money
// must not release while verification is still in flight.
func (s ProofStatus) Frozen() bool {
	switch s {
	case ProofRequested, ProofSubmitted, ProofAnalyzing, ProofEscalated:
		return true
	}
	return false
}

type Task struct {
	ID          string
	PosterID    string
	HustlerID   string
	PriceCents  int64
	Status      TaskStatus
	ProofID     string
	ProofState  ProofStatus
	Category    string
	CreatedAt   time.Time
	AcceptedAt  time.Time
	CompletedAt time.Time
}

type User struct {
	ID           string
	TrustTier    int
	XP           int64
	Level        int
	Streak       int
	LastActiveAt time.Time
}

// StateLock is the per-task escrow serialization row.
type StateLock struct {
	TaskID           string
	Current          MoneyState
	NextAllowed      []EventType
	Version          int
	PaymentIntentID  string
	ChargeID         string
	RecoveryAttempts int
	UpdatedAt        time.Time
}

func (l StateLock) allows(e EventType) bool {
	for _, a := range l.NextAllowed {
		if a == e {
			return true
		}
	}
	return false
}

type DisputeStatus string

const (
	DisputeOpen        DisputeStatus = "open"
	DisputeUnderReview DisputeStatus = "under_review"
	DisputeResolved    DisputeStatus = "resolved"
)

type Dispute struct {
	ID         string
	TaskID     string
	PosterID   string
	HustlerID  string
	Status     DisputeStatus
	Evidence   []string
	Responses  []string
	Resolution string
	ResolvedBy string
	OpenedAt   time.Time
	LockedAt   time.Time
}

// XPAward is one xp_ledger row. MoneyStateLockTaskID carries the UNIQUE
// constraint that makes the award exactly-once per released escrow.
type XPAward struct {
	ID                   string
	UserID               string
	TaskID               string
	MoneyStateLockTaskID string
	BaseXP               int64
	DecayFactor          string // 4-decimal fixed point, e.g. "1.0000"
	EffectiveXP          int64
	StreakMultiplier     string
	FinalXP              int64
	Reason               string
	CreatedAt            time.Time
}

// XPResult is what AwardXPForTask returns to callers.
type XPResult struct {
	FinalXP        int64
	AlreadyAwarded bool
	NewTotalXP     int64
	NewLevel       int
	NewStreak      int
}

// EventContext carries per-event parameters into Handle.
type EventContext struct {
	AmountCents     int64  // hold amount; defaults to the task price
	PaymentIntentID string // authorized intent to capture on hold
	Destination     string // connected account for payout transfers
	Reason          string
	ReleaseCents    int64 // split resolution: gross escrow going to the hustler side
	RefundCents     int64 // split resolution: gross escrow going back to the poster
}

// HandleRequest is one money event presented to the state machine.
type HandleRequest struct {
	TaskID          string
	Event           EventType
	EventID         string // internal ULID; required
	ExternalEventID string // PSP webhook event id, when the event is external
	ActorID         string
	AdminID         string // verified admin, required for dispute resolutions
	Context         EventContext
}

// Outcome reports what Handle did.
type Outcome struct {
	Replayed      bool
	PreviousState MoneyState
	NewState      MoneyState
	LedgerULID    string
	PSPID         string
	XP            *XPResult
}

type TrustEntry struct {
	UserID    string
	Delta     int
	Reason    string
	Trigger   string
	CreatedAt time.Time
}

type AdminAction struct {
	AdminID   string
	Action    string
	ObjectID  string
	Detail    map[string]string
	CreatedAt time.Time
}

// FeeFunc computes the platform fee for a task. Injected so pricing policy
// can vary without touching ledger code.
type FeeFunc func(t Task) int64

// DefaultFee is the flat 12 percent platform cut, floored to cents.
func DefaultFee(t Task) int64 {
	return t.PriceCents * 12 / 100
}

package ledger

import (
	"errors"
	"time"
)

type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

type AccountType string

const (
	Asset     AccountType = "asset"
	Liability AccountType = "liability"
	Equity    AccountType = "equity"
	Expense   AccountType = "expense"
)

type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusExecuting TxStatus = "executing"
	StatusCommitted TxStatus = "committed"
	StatusConfirmed TxStatus = "confirmed"
	StatusFailed    TxStatus = "failed"
)

// AccountSpec identifies a ledger account by owner and role. Name is unique
// across the ledger and doubles as the human-readable audit handle.
type AccountSpec struct {
	OwnerType string // platform | user | task
	OwnerID   string
	Type      AccountType
	Name      string
}

type Account struct {
	ID              string
	OwnerType       string
	OwnerID         string
	Type            AccountType
	Currency        string
	BalanceCents    int64
	BaselineBalance int64
	BaselineTxULID  string
	Name            string
}

// EntryInput is one leg of a balanced transaction. Amounts are strictly
// positive integer USD cents; sign comes from the direction.
type EntryInput struct {
	AccountID   string
	Direction   Direction
	AmountCents int64
}

type Entry struct {
	ID              string
	TransactionULID string
	AccountID       string
	Direction       Direction
	AmountCents     int64
}

type Transaction struct {
	ULID           string
	Type           string
	IdempotencyKey string
	Status         TxStatus
	Description    string
	Metadata       map[string]string
	CreatedAt      time.Time
	CommittedAt    time.Time
	Entries        []Entry
}

// Prepare is the durable staging record written before any PSP call so a
// crash mid-call can be resumed by the reaper.
type Prepare struct {
	ULID           string
	IdempotencyKey string
	Type           string
	Metadata       map[string]string
	Entries        []EntryInput
	CreatedAt      time.Time
}

type SequenceRecord struct {
	SeqID           int64
	TransactionULID string
	TxHash          string
	CreatedAt       time.Time
}

type Snapshot struct {
	AccountID    string
	BalanceCents int64
	LastTxULID   string
	SnapshotHash string
	CreatedAt    time.Time
}

var (
	ErrKeyConflict       = errors.New("ledger: idempotency key reused with different payload")
	ErrUnknownTx         = errors.New("ledger: unknown transaction")
	ErrUnknownAccount    = errors.New("ledger: unknown account")
	ErrNotCommitted      = errors.New("ledger: transaction is not committed")
	ErrZeroSumViolation  = errors.New("ledger: zero-sum violation")
	ErrBalanceMismatch   = errors.New("ledger: stored balance does not match committed entries")
	ErrInvalidEntry      = errors.New("ledger: entry amount must be positive integer cents")
	ErrAlreadyFinal      = errors.New("ledger: transaction already committed or failed")
	ErrMissingIdempotency = errors.New("ledger: idempotency key required")
)

// signedDelta converts an entry into the balance delta for its account class:
// asset/expense grow on debit, liability/equity grow on credit.
func signedDelta(t AccountType, d Direction, amount int64) int64 {
	switch t {
	case Asset, Expense:
		if d == Debit {
			return amount
		}
		return -amount
	default:
		if d == Credit {
			return amount
		}
		return -amount
	}
}

// Package ledger implements durable, zero-sum, append-only double-entry
// bookkeeping with idempotent prepare/commit. Balances reflect committed
// transactions only.
package ledger

import (
	"context"
	crand "crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/taskfoundry/escrow-core/internal/platform/clock"
)

// Engine is the ledger service. With a database handle it persists through
// Postgres (the schema's triggers are authoritative); without one it keeps
// everything in process, enforcing the same invariants in code, which is the
// mode unit tests run in.
type Engine struct {
	Clock clock.Clock

	mu           sync.Mutex
	accounts     map[string]*Account // by id
	accountNames map[string]string   // name -> id
	txs          map[string]*Transaction
	txByIdemKey  map[string]string
	prepares     map[string]*Prepare // by ulid
	prepareByKey map[string]string
	seq          []SequenceRecord
	snapshots    []Snapshot
	lastSeqHash  string

	db      *sql.DB
	entropy *ulid.MonotonicEntropy
}

func NewEngine(clk clock.Clock, db ...*sql.DB) *Engine {
	var handle *sql.DB
	if len(db) > 0 {
		handle = db[0]
	}
	return &Engine{
		Clock:        clk,
		accounts:     make(map[string]*Account),
		accountNames: make(map[string]string),
		txs:          make(map[string]*Transaction),
		txByIdemKey:  make(map[string]string),
		prepares:     make(map[string]*Prepare),
		prepareByKey: make(map[string]string),
		lastSeqHash:  "GENESIS",
		db:           handle,
		entropy:      ulid.Monotonic(crand.Reader, 0),
	}
}

func (e *Engine) dbEnabled() bool {
	return e != nil && e.db != nil
}

func (e *Engine) now() time.Time {
	if e.Clock == nil {
		return time.Now().UTC()
	}
	return e.Clock.Now().UTC()
}

func validateEntries(entries []EntryInput) error {
	if len(entries) < 2 {
		return fmt.Errorf("%w: need at least two legs", ErrInvalidEntry)
	}
	var debits, credits int64
	for _, in := range entries {
		if in.AmountCents <= 0 {
			return ErrInvalidEntry
		}
		if in.AccountID == "" {
			return ErrUnknownAccount
		}
		switch in.Direction {
		case Debit:
			debits += in.AmountCents
		case Credit:
			credits += in.AmountCents
		default:
			return fmt.Errorf("%w: bad direction %q", ErrInvalidEntry, in.Direction)
		}
	}
	if debits != credits {
		return fmt.Errorf("%w: debits=%d credits=%d", ErrZeroSumViolation, debits, credits)
	}
	return nil
}

func entriesFingerprint(txType string, entries []EntryInput) string {
	h := sha256.New()
	_, _ = h.Write([]byte(txType))
	for _, in := range entries {
		fmt.Fprintf(h, "|%s|%s|%d", in.AccountID, in.Direction, in.AmountCents)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EnsureAccount creates the account if it does not exist and returns its id.
// Existing accounts are matched by name.
func (e *Engine) EnsureAccount(ctx context.Context, spec AccountSpec) (string, error) {
	if e.dbEnabled() {
		return e.ensureAccountDB(ctx, spec)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.accountNames[spec.Name]; ok {
		return id, nil
	}
	id := uuid.NewString()
	e.accounts[id] = &Account{
		ID:        id,
		OwnerType: spec.OwnerType,
		OwnerID:   spec.OwnerID,
		Type:      spec.Type,
		Currency:  "USD",
		Name:      spec.Name,
	}
	e.accountNames[spec.Name] = id
	return id, nil
}

// Account returns a copy of the account, or nil if unknown.
func (e *Engine) Account(ctx context.Context, id string) (*Account, error) {
	if e.dbEnabled() {
		return e.accountDB(ctx, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

// AccountByName resolves well-known accounts such as Platform Cash.
func (e *Engine) AccountByName(ctx context.Context, name string) (*Account, error) {
	if e.dbEnabled() {
		return e.accountByNameDB(ctx, name)
	}
	e.mu.Lock()
	id, ok := e.accountNames[name]
	e.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return e.Account(ctx, id)
}

// Prepare durably stages a balanced entry set under an idempotency key and
// returns its ULID. A replay with the identical payload is a no-op returning
// the existing ULID; a replay with a different payload fails with
// ErrKeyConflict. The staging record is committed immediately, before any PSP
// call, so a crash mid-call can be resumed.
func (e *Engine) Prepare(ctx context.Context, idemKey, txType string, entries []EntryInput, metadata map[string]string) (string, bool, error) {
	if idemKey == "" {
		return "", false, ErrMissingIdempotency
	}
	if err := validateEntries(entries); err != nil {
		return "", false, err
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["fingerprint"] = entriesFingerprint(txType, entries)

	if e.dbEnabled() {
		return e.prepareDB(ctx, idemKey, txType, entries, metadata)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.prepareByKey[idemKey]; ok {
		p := e.prepares[existing]
		if p.Metadata["fingerprint"] != metadata["fingerprint"] {
			return "", false, ErrKeyConflict
		}
		return existing, true, nil
	}
	id := ulid.MustNew(ulid.Timestamp(e.now()), e.entropy).String()
	staged := make([]EntryInput, len(entries))
	copy(staged, entries)
	e.prepares[id] = &Prepare{
		ULID:           id,
		IdempotencyKey: idemKey,
		Type:           txType,
		Metadata:       metadata,
		Entries:        staged,
		CreatedAt:      e.now(),
	}
	e.prepareByKey[idemKey] = id
	return id, false, nil
}

// PrepareByKey returns the staged record for an idempotency key, if any.
func (e *Engine) PrepareByKey(ctx context.Context, idemKey string) (*Prepare, error) {
	if e.dbEnabled() {
		return e.prepareByKeyDB(ctx, idemKey)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.prepareByKey[idemKey]
	if !ok {
		return nil, nil
	}
	cp := *e.prepares[id]
	return &cp, nil
}

// Commit writes the prepared transaction as committed: transaction row,
// entries, zero-sum verification, and signed balance updates, all in one
// SERIALIZABLE database transaction. Committing an already-committed ULID is
// a no-op.
func (e *Engine) Commit(ctx context.Context, txULID string) error {
	if e.dbEnabled() {
		tx, err := e.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := e.CommitInTx(ctx, tx, txULID); err != nil {
			return err
		}
		return tx.Commit()
	}
	return e.commitMem(txULID)
}

func (e *Engine) commitMem(txULID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.txs[txULID]; ok {
		if existing.Status == StatusCommitted || existing.Status == StatusConfirmed {
			return nil
		}
		return ErrAlreadyFinal
	}
	p, ok := e.prepares[txULID]
	if !ok {
		return ErrUnknownTx
	}

	now := e.now()
	tx := &Transaction{
		ULID:           p.ULID,
		Type:           p.Type,
		IdempotencyKey: p.IdempotencyKey,
		Status:         StatusCommitted,
		Metadata:       p.Metadata,
		CreatedAt:      p.CreatedAt,
		CommittedAt:    now,
	}
	var debits, credits int64
	for _, in := range p.Entries {
		acct, ok := e.accounts[in.AccountID]
		if !ok {
			return ErrUnknownAccount
		}
		tx.Entries = append(tx.Entries, Entry{
			ID:              uuid.NewString(),
			TransactionULID: p.ULID,
			AccountID:       in.AccountID,
			Direction:       in.Direction,
			AmountCents:     in.AmountCents,
		})
		switch in.Direction {
		case Debit:
			debits += in.AmountCents
		case Credit:
			credits += in.AmountCents
		}
		acct.BalanceCents += signedDelta(acct.Type, in.Direction, in.AmountCents)
	}
	if debits != credits || debits == 0 {
		return ErrZeroSumViolation
	}
	e.txs[p.ULID] = tx
	e.txByIdemKey[p.IdempotencyKey] = p.ULID

	hash := seqHash(e.lastSeqHash, p.ULID, tx.Entries)
	e.seq = append(e.seq, SequenceRecord{
		SeqID:           int64(len(e.seq) + 1),
		TransactionULID: p.ULID,
		TxHash:          hash,
		CreatedAt:       now,
	})
	e.lastSeqHash = hash
	return nil
}

func seqHash(prev, txULID string, entries []Entry) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|" + txULID))
	for _, en := range entries {
		fmt.Fprintf(h, "|%s|%s|%d", en.AccountID, en.Direction, en.AmountCents)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Transaction returns a copy of a transaction with its entries.
func (e *Engine) Transaction(ctx context.Context, txULID string) (*Transaction, error) {
	if e.dbEnabled() {
		return e.transactionDB(ctx, txULID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, ok := e.txs[txULID]
	if !ok {
		return nil, nil
	}
	cp := *tx
	cp.Entries = append([]Entry(nil), tx.Entries...)
	return &cp, nil
}

// TransactionByKey resolves a committed transaction by idempotency key.
func (e *Engine) TransactionByKey(ctx context.Context, idemKey string) (*Transaction, error) {
	if e.dbEnabled() {
		return e.transactionByKeyDB(ctx, idemKey)
	}
	e.mu.Lock()
	id, ok := e.txByIdemKey[idemKey]
	e.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return e.Transaction(ctx, id)
}

// Reverse produces a compensating transaction with swapped directions as a
// new append-only record and commits it. The original stays committed.
func (e *Engine) Reverse(ctx context.Context, txULID, reason string) (string, error) {
	orig, err := e.Transaction(ctx, txULID)
	if err != nil {
		return "", err
	}
	if orig == nil {
		return "", ErrUnknownTx
	}
	if orig.Status != StatusCommitted && orig.Status != StatusConfirmed {
		return "", ErrNotCommitted
	}
	swapped := make([]EntryInput, 0, len(orig.Entries))
	for _, en := range orig.Entries {
		d := Debit
		if en.Direction == Debit {
			d = Credit
		}
		swapped = append(swapped, EntryInput{AccountID: en.AccountID, Direction: d, AmountCents: en.AmountCents})
	}
	newULID, _, err := e.Prepare(ctx, "reverse_"+txULID, "reversal", swapped, map[string]string{
		"reverses": txULID,
		"reason":   reason,
	})
	if err != nil {
		return "", err
	}
	if err := e.Commit(ctx, newULID); err != nil {
		return "", err
	}
	return newULID, nil
}

// Verify recomputes the debit and credit sums of a committed transaction.
func (e *Engine) Verify(ctx context.Context, txULID string) error {
	tx, err := e.Transaction(ctx, txULID)
	if err != nil {
		return err
	}
	if tx == nil {
		return ErrUnknownTx
	}
	if tx.Status != StatusCommitted && tx.Status != StatusConfirmed {
		return ErrNotCommitted
	}
	var debits, credits int64
	for _, en := range tx.Entries {
		if en.AmountCents <= 0 {
			return ErrInvalidEntry
		}
		if en.Direction == Debit {
			debits += en.AmountCents
		} else {
			credits += en.AmountCents
		}
	}
	if debits != credits || debits == 0 {
		return ErrZeroSumViolation
	}
	return nil
}

// VerifyAccount recomputes the signed sum of committed entries for an account
// from its baseline forward and compares it with the stored balance (P2).
func (e *Engine) VerifyAccount(ctx context.Context, accountID string) error {
	if e.dbEnabled() {
		return e.verifyAccountDB(ctx, accountID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	acct, ok := e.accounts[accountID]
	if !ok {
		return ErrUnknownAccount
	}
	sum := acct.BaselineBalance
	for _, rec := range e.seq {
		if acct.BaselineTxULID != "" && rec.TransactionULID <= acct.BaselineTxULID {
			continue
		}
		tx := e.txs[rec.TransactionULID]
		if tx.Status != StatusCommitted && tx.Status != StatusConfirmed {
			continue
		}
		for _, en := range tx.Entries {
			if en.AccountID == accountID {
				sum += signedDelta(acct.Type, en.Direction, en.AmountCents)
			}
		}
	}
	if sum != acct.BalanceCents {
		return fmt.Errorf("%w: account=%s stored=%d recomputed=%d", ErrBalanceMismatch, accountID, acct.BalanceCents, sum)
	}
	return nil
}

// PendingOlderThan lists pending or executing transactions recorded before
// the cutoff. The reaper resolves them.
func (e *Engine) PendingOlderThan(ctx context.Context, cutoff time.Time) ([]Transaction, error) {
	if e.dbEnabled() {
		return e.pendingOlderThanDB(ctx, cutoff)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Transaction, 0)
	for _, tx := range e.txs {
		if (tx.Status == StatusPending || tx.Status == StatusExecuting) && tx.CreatedAt.Before(cutoff) {
			out = append(out, *tx)
		}
	}
	return out, nil
}

// OrphanPreparesOlderThan lists prepares that never became transactions.
func (e *Engine) OrphanPreparesOlderThan(ctx context.Context, cutoff time.Time) ([]Prepare, error) {
	if e.dbEnabled() {
		return e.orphanPreparesDB(ctx, cutoff)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Prepare, 0)
	for id, p := range e.prepares {
		if _, done := e.txs[id]; done {
			continue
		}
		if p.CreatedAt.Before(cutoff) {
			out = append(out, *p)
		}
	}
	return out, nil
}

// Fail marks a pending transaction failed. Failing an unknown or already
// final transaction is an error; failing is idempotent for failed ones.
func (e *Engine) Fail(ctx context.Context, txULID, reason string) error {
	if e.dbEnabled() {
		return e.failDB(ctx, txULID, reason)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, ok := e.txs[txULID]
	if !ok {
		// Never materialized past prepare: synthesize a failed record so the
		// outcome is durable and the reaper stays idempotent.
		p, okP := e.prepares[txULID]
		if !okP {
			return ErrUnknownTx
		}
		e.txs[txULID] = &Transaction{
			ULID:           p.ULID,
			Type:           p.Type,
			IdempotencyKey: p.IdempotencyKey,
			Status:         StatusFailed,
			Metadata:       map[string]string{"fail_reason": reason},
			CreatedAt:      p.CreatedAt,
		}
		e.txByIdemKey[p.IdempotencyKey] = p.ULID
		return nil
	}
	switch tx.Status {
	case StatusFailed:
		return nil
	case StatusCommitted, StatusConfirmed:
		return ErrAlreadyFinal
	}
	tx.Status = StatusFailed
	if tx.Metadata == nil {
		tx.Metadata = map[string]string{}
	}
	tx.Metadata["fail_reason"] = reason
	return nil
}

// GlobalSequence returns the committed-transaction order for audit readers.
func (e *Engine) GlobalSequence(ctx context.Context, fromSeq int64, limit int) ([]SequenceRecord, error) {
	if e.dbEnabled() {
		return e.globalSequenceDB(ctx, fromSeq, limit)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SequenceRecord, 0, limit)
	for _, rec := range e.seq {
		if rec.SeqID <= fromSeq {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

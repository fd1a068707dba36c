package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type snapshotEntry struct {
	AccountID   string    `json:"account_id"`
	Direction   Direction `json:"direction"`
	AmountCents int64     `json:"amount_cents"`
}

func marshalEntries(entries []EntryInput) ([]byte, error) {
	out := make([]snapshotEntry, 0, len(entries))
	for _, in := range entries {
		out = append(out, snapshotEntry{AccountID: in.AccountID, Direction: in.Direction, AmountCents: in.AmountCents})
	}
	return json.Marshal(out)
}

func unmarshalEntries(raw []byte) ([]EntryInput, error) {
	var rows []snapshotEntry
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	out := make([]EntryInput, 0, len(rows))
	for _, r := range rows {
		out = append(out, EntryInput{AccountID: r.AccountID, Direction: r.Direction, AmountCents: r.AmountCents})
	}
	return out, nil
}

func marshalMetadata(m map[string]string) []byte {
	if m == nil {
		m = map[string]string{}
	}
	raw, _ := json.Marshal(m)
	return raw
}

func (e *Engine) ensureAccountDB(ctx context.Context, spec AccountSpec) (string, error) {
	const q = `
INSERT INTO ledger_accounts (account_id, owner_type, owner_id, account_type, currency_code, name)
VALUES ($1, $2, $3, $4::ledger_account_type, 'USD', $5)
ON CONFLICT (name) DO UPDATE SET updated_at = NOW()
RETURNING account_id
`
	var id string
	err := e.db.QueryRowContext(ctx, q, uuid.NewString(), spec.OwnerType, spec.OwnerID, string(spec.Type), spec.Name).Scan(&id)
	return id, err
}

func scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	var typ string
	err := row.Scan(&a.ID, &a.OwnerType, &a.OwnerID, &typ, &a.Currency, &a.BalanceCents, &a.BaselineBalance, &a.BaselineTxULID, &a.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Type = AccountType(typ)
	return &a, nil
}

const accountColumns = `
SELECT account_id, owner_type, owner_id, account_type::text, currency_code,
       balance_cents, baseline_balance, baseline_tx_ulid, name
FROM ledger_accounts
`

func (e *Engine) accountDB(ctx context.Context, id string) (*Account, error) {
	return scanAccount(e.db.QueryRowContext(ctx, accountColumns+`WHERE account_id = $1`, id))
}

func (e *Engine) accountByNameDB(ctx context.Context, name string) (*Account, error) {
	return scanAccount(e.db.QueryRowContext(ctx, accountColumns+`WHERE name = $1`, name))
}

func (e *Engine) prepareDB(ctx context.Context, idemKey, txType string, entries []EntryInput, metadata map[string]string) (string, bool, error) {
	existing, err := e.prepareByKeyDB(ctx, idemKey)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		if existing.Metadata["fingerprint"] != metadata["fingerprint"] {
			return "", false, ErrKeyConflict
		}
		return existing.ULID, true, nil
	}

	id := ulid.MustNew(ulid.Timestamp(e.now()), e.entropy).String()
	snap, err := marshalEntries(entries)
	if err != nil {
		return "", false, err
	}
	const q = `
INSERT INTO ledger_prepares (transaction_ulid, idempotency_key, transaction_type, metadata, entries_snapshot)
VALUES ($1, $2, $3, $4::jsonb, $5::jsonb)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING transaction_ulid
`
	var got string
	err = e.db.QueryRowContext(ctx, q, id, idemKey, txType, marshalMetadata(metadata), snap).Scan(&got)
	if err == sql.ErrNoRows {
		// Lost a race to a concurrent prepare with the same key; re-read and
		// compare payloads.
		again, err := e.prepareByKeyDB(ctx, idemKey)
		if err != nil {
			return "", false, err
		}
		if again == nil {
			return "", false, ErrUnknownTx
		}
		if again.Metadata["fingerprint"] != metadata["fingerprint"] {
			return "", false, ErrKeyConflict
		}
		return again.ULID, true, nil
	}
	if err != nil {
		return "", false, err
	}
	return got, false, nil
}

func (e *Engine) prepareByKeyDB(ctx context.Context, idemKey string) (*Prepare, error) {
	const q = `
SELECT transaction_ulid, idempotency_key, transaction_type, metadata, entries_snapshot, created_at
FROM ledger_prepares
WHERE idempotency_key = $1
`
	return scanPrepare(e.db.QueryRowContext(ctx, q, idemKey))
}

func (e *Engine) prepareByULIDTx(ctx context.Context, tx *sql.Tx, txULID string) (*Prepare, error) {
	const q = `
SELECT transaction_ulid, idempotency_key, transaction_type, metadata, entries_snapshot, created_at
FROM ledger_prepares
WHERE transaction_ulid = $1
`
	return scanPrepare(tx.QueryRowContext(ctx, q, txULID))
}

func scanPrepare(row *sql.Row) (*Prepare, error) {
	var p Prepare
	var meta, snap []byte
	err := row.Scan(&p.ULID, &p.IdempotencyKey, &p.Type, &meta, &snap, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &p.Metadata); err != nil {
		return nil, err
	}
	entries, err := unmarshalEntries(snap)
	if err != nil {
		return nil, err
	}
	p.Entries = entries
	return &p, nil
}

// CommitInTx performs the full ledger commit inside the caller's database
// transaction: transaction row, entries, stored-function zero-sum check,
// signed balance updates, then the status flip that fires the global-sequence
// trigger. The money engine calls this so the state-lock update, XP award and
// ledger commit share one SERIALIZABLE transaction.
func (e *Engine) CommitInTx(ctx context.Context, tx *sql.Tx, txULID string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status::text FROM ledger_transactions WHERE transaction_ulid = $1 FOR UPDATE`, txULID).Scan(&status)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil {
		switch TxStatus(status) {
		case StatusCommitted, StatusConfirmed:
			return nil
		case StatusFailed:
			return ErrAlreadyFinal
		}
	}

	p, perr := e.prepareByULIDTx(ctx, tx, txULID)
	if perr != nil {
		return perr
	}
	if p == nil {
		return ErrUnknownTx
	}

	if err == sql.ErrNoRows {
		const insTx = `
INSERT INTO ledger_transactions (transaction_ulid, transaction_type, idempotency_key, status, metadata, created_at)
VALUES ($1, $2, $3, 'pending'::ledger_transaction_status, $4::jsonb, $5)
ON CONFLICT (transaction_ulid) DO NOTHING
`
		if _, err := tx.ExecContext(ctx, insTx, p.ULID, p.Type, p.IdempotencyKey, marshalMetadata(p.Metadata), p.CreatedAt); err != nil {
			return err
		}
	}

	const insEntry = `
INSERT INTO ledger_entries (transaction_ulid, account_id, direction, amount_cents, leg_index)
VALUES ($1, $2, $3::ledger_entry_direction, $4, $5)
`
	for i, in := range p.Entries {
		if _, err := tx.ExecContext(ctx, insEntry, p.ULID, in.AccountID, string(in.Direction), in.AmountCents, i); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `SELECT verify_transaction_invariants($1)`, p.ULID); err != nil {
		return err
	}

	// Signed balance update: asset/expense grow on debit, liability/equity on
	// credit. Balances therefore reflect committed transactions only, since
	// this statement runs nowhere else.
	const adjust = `
UPDATE ledger_accounts
SET balance_cents = balance_cents + CASE
      WHEN account_type IN ('asset', 'expense') THEN CASE WHEN $2 = 'debit' THEN $3::bigint ELSE -$3::bigint END
      ELSE CASE WHEN $2 = 'credit' THEN $3::bigint ELSE -$3::bigint END
    END,
    updated_at = NOW()
WHERE account_id = $1
`
	for _, in := range p.Entries {
		res, err := tx.ExecContext(ctx, adjust, in.AccountID, string(in.Direction), in.AmountCents)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrUnknownAccount
		}
	}

	var prevHash string
	err = tx.QueryRowContext(ctx, `SELECT tx_hash FROM ledger_global_sequence ORDER BY seq_id DESC LIMIT 1`).Scan(&prevHash)
	if err == sql.ErrNoRows {
		prevHash = "GENESIS"
	} else if err != nil {
		return err
	}
	entries := make([]Entry, 0, len(p.Entries))
	for _, in := range p.Entries {
		entries = append(entries, Entry{AccountID: in.AccountID, Direction: in.Direction, AmountCents: in.AmountCents})
	}
	hash := seqHash(prevHash, p.ULID, entries)

	const flip = `
UPDATE ledger_transactions
SET status = 'committed'::ledger_transaction_status,
    committed_at = $2,
    metadata = metadata || jsonb_build_object('tx_hash', $3::text)
WHERE transaction_ulid = $1
`
	if _, err := tx.ExecContext(ctx, flip, p.ULID, e.now(), hash); err != nil {
		return err
	}
	return nil
}

const txColumns = `
SELECT transaction_ulid, transaction_type, COALESCE(idempotency_key, ''), status::text,
       metadata, description, created_at, COALESCE(committed_at, 'epoch'::timestamptz)
FROM ledger_transactions
`

func (e *Engine) scanTransaction(ctx context.Context, row *sql.Row) (*Transaction, error) {
	var t Transaction
	var status string
	var meta []byte
	err := row.Scan(&t.ULID, &t.Type, &t.IdempotencyKey, &status, &meta, &t.Description, &t.CreatedAt, &t.CommittedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Status = TxStatus(status)
	if err := json.Unmarshal(meta, &t.Metadata); err != nil {
		return nil, err
	}

	const q = `
SELECT entry_id, transaction_ulid, account_id, direction::text, amount_cents
FROM ledger_entries
WHERE transaction_ulid = $1
ORDER BY leg_index, created_at
`
	rows, err := e.db.QueryContext(ctx, q, t.ULID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var en Entry
		var dir string
		if err := rows.Scan(&en.ID, &en.TransactionULID, &en.AccountID, &dir, &en.AmountCents); err != nil {
			return nil, err
		}
		en.Direction = Direction(dir)
		t.Entries = append(t.Entries, en)
	}
	return &t, rows.Err()
}

func (e *Engine) transactionDB(ctx context.Context, txULID string) (*Transaction, error) {
	return e.scanTransaction(ctx, e.db.QueryRowContext(ctx, txColumns+`WHERE transaction_ulid = $1`, txULID))
}

func (e *Engine) transactionByKeyDB(ctx context.Context, idemKey string) (*Transaction, error) {
	return e.scanTransaction(ctx, e.db.QueryRowContext(ctx, txColumns+`WHERE idempotency_key = $1`, idemKey))
}

func (e *Engine) verifyAccountDB(ctx context.Context, accountID string) error {
	const q = `
SELECT a.balance_cents,
       a.baseline_balance,
       COALESCE(SUM(
         CASE
           WHEN a.account_type IN ('asset', 'expense') THEN CASE WHEN en.direction = 'debit' THEN en.amount_cents ELSE -en.amount_cents END
           ELSE CASE WHEN en.direction = 'credit' THEN en.amount_cents ELSE -en.amount_cents END
         END
       ) FILTER (WHERE tx.status IN ('committed', 'confirmed') AND tx.transaction_ulid > a.baseline_tx_ulid), 0)
FROM ledger_accounts a
LEFT JOIN ledger_entries en ON en.account_id = a.account_id
LEFT JOIN ledger_transactions tx ON tx.transaction_ulid = en.transaction_ulid
WHERE a.account_id = $1
GROUP BY a.account_id
`
	var stored, baseline, delta int64
	err := e.db.QueryRowContext(ctx, q, accountID).Scan(&stored, &baseline, &delta)
	if err == sql.ErrNoRows {
		return ErrUnknownAccount
	}
	if err != nil {
		return err
	}
	if baseline+delta != stored {
		return ErrBalanceMismatch
	}
	return nil
}

func (e *Engine) pendingOlderThanDB(ctx context.Context, cutoff time.Time) ([]Transaction, error) {
	const q = `
SELECT transaction_ulid
FROM ledger_transactions
WHERE status IN ('pending', 'executing') AND created_at < $1
ORDER BY created_at
`
	rows, err := e.db.QueryContext(ctx, q, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]Transaction, 0, len(ids))
	for _, id := range ids {
		tx, err := e.transactionDB(ctx, id)
		if err != nil {
			return nil, err
		}
		if tx != nil {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (e *Engine) orphanPreparesDB(ctx context.Context, cutoff time.Time) ([]Prepare, error) {
	const q = `
SELECT p.transaction_ulid, p.idempotency_key, p.transaction_type, p.metadata, p.entries_snapshot, p.created_at
FROM ledger_prepares p
LEFT JOIN ledger_transactions t ON t.transaction_ulid = p.transaction_ulid
WHERE t.transaction_ulid IS NULL AND p.created_at < $1
ORDER BY p.created_at
`
	rows, err := e.db.QueryContext(ctx, q, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Prepare, 0)
	for rows.Next() {
		var p Prepare
		var meta, snap []byte
		if err := rows.Scan(&p.ULID, &p.IdempotencyKey, &p.Type, &meta, &snap, &p.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return nil, err
		}
		entries, err := unmarshalEntries(snap)
		if err != nil {
			return nil, err
		}
		p.Entries = entries
		out = append(out, p)
	}
	return out, rows.Err()
}

func (e *Engine) failDB(ctx context.Context, txULID, reason string) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status::text FROM ledger_transactions WHERE transaction_ulid = $1 FOR UPDATE`, txULID).Scan(&status)
	switch {
	case err == sql.ErrNoRows:
		p, perr := e.prepareByULIDTx(ctx, tx, txULID)
		if perr != nil {
			return perr
		}
		if p == nil {
			return ErrUnknownTx
		}
		const ins = `
INSERT INTO ledger_transactions (transaction_ulid, transaction_type, idempotency_key, status, metadata, created_at)
VALUES ($1, $2, $3, 'failed'::ledger_transaction_status, jsonb_build_object('fail_reason', $4::text), $5)
ON CONFLICT (transaction_ulid) DO NOTHING
`
		if _, err := tx.ExecContext(ctx, ins, p.ULID, p.Type, p.IdempotencyKey, reason, p.CreatedAt); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		switch TxStatus(status) {
		case StatusFailed:
			return tx.Commit()
		case StatusCommitted, StatusConfirmed:
			return ErrAlreadyFinal
		}
		const upd = `
UPDATE ledger_transactions
SET status = 'failed'::ledger_transaction_status,
    metadata = metadata || jsonb_build_object('fail_reason', $2::text)
WHERE transaction_ulid = $1
`
		if _, err := tx.ExecContext(ctx, upd, txULID, reason); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (e *Engine) globalSequenceDB(ctx context.Context, fromSeq int64, limit int) ([]SequenceRecord, error) {
	q := `
SELECT seq_id, transaction_ulid, tx_hash, created_at
FROM ledger_global_sequence
WHERE seq_id > $1
ORDER BY seq_id
`
	args := []any{fromSeq}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := e.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]SequenceRecord, 0)
	for rows.Next() {
		var rec SequenceRecord
		if err := rows.Scan(&rec.SeqID, &rec.TransactionULID, &rec.TxHash, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

func snapshotHash(accountID string, balance int64, lastULID string, at time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s", accountID, balance, lastULID, at.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

// SnapshotAccounts writes one snapshot row per account, verifying the stored
// balance against committed entries first. A verification failure aborts the
// run; a snapshot of a drifted balance would be worse than none.
func (e *Engine) SnapshotAccounts(ctx context.Context) (int, error) {
	if e.dbEnabled() {
		return e.snapshotAccountsDB(ctx)
	}

	e.mu.Lock()
	ids := make([]string, 0, len(e.accounts))
	for id := range e.accounts {
		ids = append(ids, id)
	}
	lastULID := ""
	if len(e.seq) > 0 {
		lastULID = e.seq[len(e.seq)-1].TransactionULID
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.VerifyAccount(ctx, id); err != nil {
			return 0, err
		}
	}

	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		acct := e.accounts[id]
		e.snapshots = append(e.snapshots, Snapshot{
			AccountID:    id,
			BalanceCents: acct.BalanceCents,
			LastTxULID:   lastULID,
			SnapshotHash: snapshotHash(id, acct.BalanceCents, lastULID, now),
			CreatedAt:    now,
		})
	}
	return len(ids), nil
}

func (e *Engine) snapshotAccountsDB(ctx context.Context) (int, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT account_id, balance_cents FROM ledger_accounts ORDER BY name`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	type acct struct {
		id      string
		balance int64
	}
	accts := make([]acct, 0)
	for rows.Next() {
		var a acct
		if err := rows.Scan(&a.id, &a.balance); err != nil {
			return 0, err
		}
		accts = append(accts, a)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var lastULID string
	err = e.db.QueryRowContext(ctx, `SELECT transaction_ulid FROM ledger_global_sequence ORDER BY seq_id DESC LIMIT 1`).Scan(&lastULID)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}

	now := e.now()
	const ins = `
INSERT INTO ledger_snapshots (account_id, balance_cents, last_tx_ulid, snapshot_hash, created_at)
VALUES ($1, $2, $3, $4, $5)
`
	for _, a := range accts {
		if err := e.verifyAccountDB(ctx, a.id); err != nil {
			return 0, err
		}
		if _, err := e.db.ExecContext(ctx, ins, a.id, a.balance, lastULID, snapshotHash(a.id, a.balance, lastULID, now), now); err != nil {
			return 0, err
		}
	}
	return len(accts), nil
}

// Snapshots returns the in-memory snapshot history (memory mode only; the
// Postgres rows are queried directly by operator tooling).
func (e *Engine) Snapshots() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, len(e.snapshots))
	copy(out, e.snapshots)
	return out
}

// StartSnapshotWorker snapshots every interval until the context ends.
func (e *Engine) StartSnapshotWorker(ctx context.Context, interval time.Duration, observer func(accounts int, err error)) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := e.SnapshotAccounts(ctx)
				if observer != nil {
					observer(n, err)
				}
			}
		}
	}()
}

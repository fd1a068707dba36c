package ledger

import (
	"context"
	"fmt"
)

const genesisSeqHash = "GENESIS"

// VerifySequence walks the whole global sequence in order, recomputing each
// chained hash from the committed entries and checking every transaction is
// zero-sum. Returns how many records were verified.
func (e *Engine) VerifySequence(ctx context.Context) (int, error) {
	records, err := e.GlobalSequence(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	prev := genesisSeqHash
	for i, rec := range records {
		tx, err := e.Transaction(ctx, rec.TransactionULID)
		if err != nil {
			return i, err
		}
		if tx == nil {
			return i, fmt.Errorf("%w: sequence %d references %s", ErrUnknownTx, rec.SeqID, rec.TransactionULID)
		}
		if tx.Status != StatusCommitted && tx.Status != StatusConfirmed {
			return i, fmt.Errorf("%w: %s in sequence with status %s", ErrNotCommitted, tx.ULID, tx.Status)
		}
		var debits, credits int64
		for _, en := range tx.Entries {
			switch en.Direction {
			case Debit:
				debits += en.AmountCents
			case Credit:
				credits += en.AmountCents
			}
		}
		if debits != credits {
			return i, fmt.Errorf("%w: %s debits=%d credits=%d", ErrZeroSumViolation, tx.ULID, debits, credits)
		}
		if got := seqHash(prev, tx.ULID, tx.Entries); got != rec.TxHash {
			return i, fmt.Errorf("ledger: sequence hash mismatch at seq %d (%s)", rec.SeqID, tx.ULID)
		}
		prev = rec.TxHash
	}
	return len(records), nil
}

// AccountIDs lists every account, for full-ledger verification sweeps.
func (e *Engine) AccountIDs(ctx context.Context) ([]string, error) {
	if e.dbEnabled() {
		rows, err := e.db.QueryContext(ctx, `SELECT account_id FROM ledger_accounts ORDER BY name`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		out := make([]string, 0)
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			out = append(out, id)
		}
		return out, rows.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.accounts))
	for id := range e.accounts {
		out = append(out, id)
	}
	return out, nil
}

// VerifyAll runs VerifySequence plus a balance check on every account.
func (e *Engine) VerifyAll(ctx context.Context) (int, error) {
	n, err := e.VerifySequence(ctx)
	if err != nil {
		return n, err
	}
	ids, err := e.AccountIDs(ctx)
	if err != nil {
		return n, err
	}
	for _, id := range ids {
		if err := e.VerifyAccount(ctx, id); err != nil {
			return n, err
		}
	}
	return n, nil
}

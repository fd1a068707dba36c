package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskfoundry/escrow-core/internal/platform/clock"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(clock.Fixed{T: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)})
}

func accounts(t *testing.T, e *Engine) (cash, escrow string) {
	t.Helper()
	ctx := context.Background()
	cash, err := e.EnsureAccount(ctx, AccountSpec{OwnerType: "platform", Type: Asset, Name: "platform_cash"})
	require.NoError(t, err)
	escrow, err = e.EnsureAccount(ctx, AccountSpec{OwnerType: "task", OwnerID: "t1", Type: Liability, Name: "task_escrow:t1"})
	require.NoError(t, err)
	return cash, escrow
}

func TestPrepareCommitMovesBalances(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	cash, escrow := accounts(t, e)

	ulid, replayed, err := e.Prepare(ctx, "evt_1_ledger", "escrow_hold", []EntryInput{
		{AccountID: cash, Direction: Debit, AmountCents: 5000},
		{AccountID: escrow, Direction: Credit, AmountCents: 5000},
	}, map[string]string{"task_id": "t1"})
	require.NoError(t, err)
	require.False(t, replayed)

	// Balances move on commit, never on prepare.
	a, err := e.Account(ctx, cash)
	require.NoError(t, err)
	require.Zero(t, a.BalanceCents)

	require.NoError(t, e.Commit(ctx, ulid))

	a, err = e.Account(ctx, cash)
	require.NoError(t, err)
	require.EqualValues(t, 5000, a.BalanceCents)
	b, err := e.Account(ctx, escrow)
	require.NoError(t, err)
	require.EqualValues(t, 5000, b.BalanceCents)

	tx, err := e.Transaction(ctx, ulid)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, tx.Status)
	require.Len(t, tx.Entries, 2)
	require.NoError(t, e.Verify(ctx, ulid))
}

func TestPrepareRejectsUnbalancedEntries(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	cash, escrow := accounts(t, e)

	_, _, err := e.Prepare(ctx, "evt_bad", "escrow_hold", []EntryInput{
		{AccountID: cash, Direction: Debit, AmountCents: 5000},
		{AccountID: escrow, Direction: Credit, AmountCents: 4000},
	}, nil)
	require.ErrorIs(t, err, ErrZeroSumViolation)

	_, _, err = e.Prepare(ctx, "evt_neg", "escrow_hold", []EntryInput{
		{AccountID: cash, Direction: Debit, AmountCents: -100},
		{AccountID: escrow, Direction: Credit, AmountCents: -100},
	}, nil)
	require.ErrorIs(t, err, ErrInvalidEntry)

	_, _, err = e.Prepare(ctx, "evt_single", "escrow_hold", []EntryInput{
		{AccountID: cash, Direction: Debit, AmountCents: 100},
	}, nil)
	require.ErrorIs(t, err, ErrInvalidEntry)

	_, _, err = e.Prepare(ctx, "", "escrow_hold", []EntryInput{
		{AccountID: cash, Direction: Debit, AmountCents: 100},
		{AccountID: escrow, Direction: Credit, AmountCents: 100},
	}, nil)
	require.ErrorIs(t, err, ErrMissingIdempotency)
}

func TestPrepareIdempotency(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	cash, escrow := accounts(t, e)
	entries := []EntryInput{
		{AccountID: cash, Direction: Debit, AmountCents: 1000},
		{AccountID: escrow, Direction: Credit, AmountCents: 1000},
	}

	first, replayed, err := e.Prepare(ctx, "evt_dup", "escrow_hold", entries, nil)
	require.NoError(t, err)
	require.False(t, replayed)

	// Identical payload replays to the same ULID.
	second, replayed, err := e.Prepare(ctx, "evt_dup", "escrow_hold", entries, nil)
	require.NoError(t, err)
	require.True(t, replayed)
	require.Equal(t, first, second)

	// Same key, different payload, is a conflict.
	_, _, err = e.Prepare(ctx, "evt_dup", "escrow_hold", []EntryInput{
		{AccountID: cash, Direction: Debit, AmountCents: 2000},
		{AccountID: escrow, Direction: Credit, AmountCents: 2000},
	}, nil)
	require.ErrorIs(t, err, ErrKeyConflict)

	// Double commit is a no-op, not a double balance move.
	require.NoError(t, e.Commit(ctx, first))
	require.NoError(t, e.Commit(ctx, first))
	a, err := e.Account(ctx, cash)
	require.NoError(t, err)
	require.EqualValues(t, 1000, a.BalanceCents)
}

func TestFailSemantics(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	cash, escrow := accounts(t, e)

	ulid, _, err := e.Prepare(ctx, "evt_fail", "escrow_hold", []EntryInput{
		{AccountID: cash, Direction: Debit, AmountCents: 700},
		{AccountID: escrow, Direction: Credit, AmountCents: 700},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, e.Fail(ctx, ulid, "processor never acted"))
	tx, err := e.Transaction(ctx, ulid)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, tx.Status)
	require.Equal(t, "processor never acted", tx.Metadata["fail_reason"])

	// Failing twice is fine; committing after failing is not.
	require.NoError(t, e.Fail(ctx, ulid, "again"))
	require.ErrorIs(t, e.Commit(ctx, ulid), ErrAlreadyFinal)

	a, err := e.Account(ctx, cash)
	require.NoError(t, err)
	require.Zero(t, a.BalanceCents)

	// And failing a committed transaction is refused.
	ulid2, _, err := e.Prepare(ctx, "evt_ok", "escrow_hold", []EntryInput{
		{AccountID: cash, Direction: Debit, AmountCents: 700},
		{AccountID: escrow, Direction: Credit, AmountCents: 700},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, ulid2))
	require.ErrorIs(t, e.Fail(ctx, ulid2, "too late"), ErrAlreadyFinal)

	require.ErrorIs(t, e.Fail(ctx, "01UNKNOWNULID", "x"), ErrUnknownTx)
}

func TestReverseRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	cash, escrow := accounts(t, e)

	ulid, _, err := e.Prepare(ctx, "evt_rev", "escrow_hold", []EntryInput{
		{AccountID: cash, Direction: Debit, AmountCents: 3000},
		{AccountID: escrow, Direction: Credit, AmountCents: 3000},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, ulid))

	revULID, err := e.Reverse(ctx, ulid, "operator correction")
	require.NoError(t, err)
	require.NotEqual(t, ulid, revULID)

	// Net zero, original untouched, both committed.
	a, err := e.Account(ctx, cash)
	require.NoError(t, err)
	require.Zero(t, a.BalanceCents)
	orig, err := e.Transaction(ctx, ulid)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, orig.Status)
	rev, err := e.Transaction(ctx, revULID)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, rev.Status)
	require.Equal(t, ulid, rev.Metadata["reverses"])

	// Reversing an uncommitted transaction is refused.
	pend, _, err := e.Prepare(ctx, "evt_pend", "escrow_hold", []EntryInput{
		{AccountID: cash, Direction: Debit, AmountCents: 100},
		{AccountID: escrow, Direction: Credit, AmountCents: 100},
	}, nil)
	require.NoError(t, err)
	_, err = e.Reverse(ctx, pend, "nope")
	require.ErrorIs(t, err, ErrUnknownTx)
}

func TestVerifyAccountDetectsTampering(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	cash, escrow := accounts(t, e)

	ulid, _, err := e.Prepare(ctx, "evt_v", "escrow_hold", []EntryInput{
		{AccountID: cash, Direction: Debit, AmountCents: 1500},
		{AccountID: escrow, Direction: Credit, AmountCents: 1500},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, ulid))
	require.NoError(t, e.VerifyAccount(ctx, cash))

	// Corrupt the stored balance behind the engine's back.
	e.mu.Lock()
	e.accounts[cash].BalanceCents += 1
	e.mu.Unlock()
	require.ErrorIs(t, e.VerifyAccount(ctx, cash), ErrBalanceMismatch)
}

func TestGlobalSequenceAndVerifyAll(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	cash, escrow := accounts(t, e)

	for _, key := range []string{"evt_s1", "evt_s2", "evt_s3"} {
		ulid, _, err := e.Prepare(ctx, key, "escrow_hold", []EntryInput{
			{AccountID: cash, Direction: Debit, AmountCents: 100},
			{AccountID: escrow, Direction: Credit, AmountCents: 100},
		}, nil)
		require.NoError(t, err)
		require.NoError(t, e.Commit(ctx, ulid))
	}

	seq, err := e.GlobalSequence(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, seq, 3)
	for i, rec := range seq {
		require.EqualValues(t, i+1, rec.SeqID)
		require.NotEmpty(t, rec.TxHash)
	}
	// Each hash chains on the previous one.
	require.NotEqual(t, seq[0].TxHash, seq[1].TxHash)

	n, err := e.VerifyAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	// Pagination.
	tail, err := e.GlobalSequence(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.EqualValues(t, 2, tail[0].SeqID)
}

func TestReaperQueries(t *testing.T) {
	clk := clock.Fixed{T: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	e := NewEngine(clk)
	ctx := context.Background()
	cash, escrow := accounts(t, e)

	orphan, _, err := e.Prepare(ctx, "evt_orphan", "escrow_hold", []EntryInput{
		{AccountID: cash, Direction: Debit, AmountCents: 100},
		{AccountID: escrow, Direction: Credit, AmountCents: 100},
	}, nil)
	require.NoError(t, err)

	done, _, err := e.Prepare(ctx, "evt_done", "escrow_hold", []EntryInput{
		{AccountID: cash, Direction: Debit, AmountCents: 200},
		{AccountID: escrow, Direction: Credit, AmountCents: 200},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, done))

	// Only the uncommitted prepare shows up, and only past the cutoff.
	got, err := e.OrphanPreparesOlderThan(ctx, clk.T.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, orphan, got[0].ULID)

	got, err = e.OrphanPreparesOlderThan(ctx, clk.T.Add(-time.Minute))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSnapshotAccounts(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	cash, escrow := accounts(t, e)

	ulid, _, err := e.Prepare(ctx, "evt_snap", "escrow_hold", []EntryInput{
		{AccountID: cash, Direction: Debit, AmountCents: 900},
		{AccountID: escrow, Direction: Credit, AmountCents: 900},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, ulid))

	n, err := e.SnapshotAccounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	snaps := e.Snapshots()
	require.Len(t, snaps, 2)
	for _, s := range snaps {
		require.NotEmpty(t, s.SnapshotHash)
	}
}

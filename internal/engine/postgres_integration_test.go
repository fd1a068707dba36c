package engine

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/taskfoundry/escrow-core/internal/ledger"
	"github.com/taskfoundry/escrow-core/internal/platform/clock"
	"github.com/taskfoundry/escrow-core/internal/psp"
	"github.com/taskfoundry/escrow-core/internal/schema"
)

func openPostgresIntegrationDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("ESCROW_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("set ESCROW_TEST_DATABASE_URL to run postgres integration tests")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	if err := schema.Apply(ctx, db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}

func resetPostgresIntegrationState(t *testing.T, db *sql.DB) {
	t.Helper()
	const q = `
TRUNCATE TABLE
  xp_ledger,
  badge_ledger,
  trust_ledger,
  admin_actions,
  money_events_audit,
  money_events_processed,
  processed_psp_events,
  processed_psp_subscription_events,
  psp_outbound_log,
  ledger_snapshots,
  ledger_global_sequence,
  ledger_entries,
  ledger_prepares,
  ledger_transactions,
  ledger_accounts,
  disputes,
  money_state_lock,
  tasks,
  users,
  job_queue,
  kill_switch
RESTART IDENTITY CASCADE
`
	if _, err := db.Exec(q); err != nil {
		t.Fatalf("truncate integration tables: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO kill_switch (id, active) VALUES (1, FALSE)`); err != nil {
		t.Fatalf("reseed kill switch: %v", err)
	}
}

// newPGEngine builds a full Postgres-backed engine, simulating a process
// start. The fake processor is shared so idempotency state survives the
// simulated restarts the way the real processor's does.
func newPGEngine(db *sql.DB, fake *psp.Fake) *Engine {
	clk := clock.Fixed{T: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return New(
		NewPGStore(db),
		ledger.NewEngine(clk, db),
		psp.NewBridge(fake, clk, zap.NewNop(), db),
		clk,
		zap.NewNop(),
	)
}

func seedPGUsersAndTask(t *testing.T, eng *Engine) (poster, hustler User, task Task) {
	t.Helper()
	ctx := context.Background()
	poster = User{ID: "11111111-1111-1111-1111-111111111111", TrustTier: 2}
	hustler = User{ID: "22222222-2222-2222-2222-222222222222", TrustTier: 2}
	if err := eng.CreateUser(ctx, poster); err != nil {
		t.Fatalf("create poster: %v", err)
	}
	if err := eng.CreateUser(ctx, hustler); err != nil {
		t.Fatalf("create hustler: %v", err)
	}
	task, err := eng.CreateTask(ctx, poster.ID, 5000, "errand")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return poster, hustler, task
}

func TestPostgresHoldReleaseAcrossRestart(t *testing.T) {
	db := openPostgresIntegrationDB(t)
	resetPostgresIntegrationState(t, db)
	ctx := context.Background()
	fake := psp.NewFake()

	engA := newPGEngine(db, fake)
	_, hustler, task := seedPGUsersAndTask(t, engA)

	out, err := engA.Handle(ctx, HandleRequest{
		TaskID:  task.ID,
		Event:   EventHoldEscrow,
		EventID: "evt_pg_hold",
		Context: EventContext{PaymentIntentID: "pi_pg_1"},
	})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if out.NewState != MoneyHeld {
		t.Fatalf("hold state = %s", out.NewState)
	}

	// Restart: a fresh engine sees the held lock through the database.
	engB := newPGEngine(db, fake)
	if _, err := engB.AcceptTask(ctx, task.ID, hustler.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := engB.SubmitProof(ctx, task.ID, "33333333-3333-3333-3333-333333333333"); err != nil {
		t.Fatalf("submit proof: %v", err)
	}
	if _, err := engB.ReviewProof(ctx, task.ID, ProofAccepted); err != nil {
		t.Fatalf("accept proof: %v", err)
	}
	if _, err := engB.CompleteTask(ctx, task.ID, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	releaseReq := HandleRequest{
		TaskID:  task.ID,
		Event:   EventReleasePayout,
		EventID: "evt_pg_release",
		Context: EventContext{Destination: "acct_" + hustler.ID},
	}
	out, err = engB.Handle(ctx, releaseReq)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if out.NewState != MoneyReleased {
		t.Fatalf("release state = %s", out.NewState)
	}
	if out.XP == nil || out.XP.FinalXP != 50 {
		t.Fatalf("xp = %+v, want 50", out.XP)
	}

	// Another restart: the same event id replays as a no-op.
	engC := newPGEngine(db, fake)
	replay, err := engC.Handle(ctx, releaseReq)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Replayed || replay.NewState != MoneyReleased {
		t.Fatalf("replay = %+v", replay)
	}

	var xpRows int
	if err := db.QueryRow(`SELECT COUNT(*) FROM xp_ledger`).Scan(&xpRows); err != nil {
		t.Fatalf("count xp rows: %v", err)
	}
	if xpRows != 1 {
		t.Fatalf("xp rows = %d, want exactly 1", xpRows)
	}

	var cash int64
	err = db.QueryRow(`SELECT balance_cents FROM ledger_accounts WHERE name = 'platform_cash'`).Scan(&cash)
	if err != nil {
		t.Fatalf("cash balance: %v", err)
	}
	if cash != 600 {
		t.Fatalf("cash = %d, want 600", cash)
	}
}

func TestPostgresTerminalLockTriggerBlocksMutation(t *testing.T) {
	db := openPostgresIntegrationDB(t)
	resetPostgresIntegrationState(t, db)
	ctx := context.Background()
	fake := psp.NewFake()

	eng := newPGEngine(db, fake)
	_, _, task := seedPGUsersAndTask(t, eng)
	if _, err := eng.Handle(ctx, HandleRequest{
		TaskID:  task.ID,
		Event:   EventHoldEscrow,
		EventID: "evt_pg_hold2",
		Context: EventContext{PaymentIntentID: "pi_pg_2"},
	}); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if _, err := eng.Handle(ctx, HandleRequest{
		TaskID:  task.ID,
		Event:   EventRefundEscrow,
		EventID: "evt_pg_refund",
	}); err != nil {
		t.Fatalf("refund: %v", err)
	}

	// The trigger rejects any mutation of a terminal lock, even raw SQL.
	_, err := db.Exec(`UPDATE money_state_lock SET version = version + 1 WHERE task_id = $1`, task.ID)
	if err == nil {
		t.Fatal("terminal lock mutated through raw SQL")
	}
	_, err = db.Exec(`DELETE FROM money_state_lock WHERE task_id = $1`, task.ID)
	if err == nil {
		t.Fatal("terminal lock deleted through raw SQL")
	}
}

func TestPostgresAppendOnlyTriggers(t *testing.T) {
	db := openPostgresIntegrationDB(t)
	resetPostgresIntegrationState(t, db)
	ctx := context.Background()
	fake := psp.NewFake()

	eng := newPGEngine(db, fake)
	_, _, task := seedPGUsersAndTask(t, eng)
	if _, err := eng.Handle(ctx, HandleRequest{
		TaskID:  task.ID,
		Event:   EventHoldEscrow,
		EventID: "evt_pg_hold3",
		Context: EventContext{PaymentIntentID: "pi_pg_3"},
	}); err != nil {
		t.Fatalf("hold: %v", err)
	}

	if _, err := db.Exec(`UPDATE ledger_entries SET amount_cents = 1`); err == nil {
		t.Fatal("ledger entries mutated")
	}
	if _, err := db.Exec(`DELETE FROM ledger_entries`); err == nil {
		t.Fatal("ledger entries deleted")
	}
	if _, err := db.Exec(`UPDATE money_events_audit SET new_state = 'released'`); err == nil {
		t.Fatal("audit trail mutated")
	}
	if _, err := db.Exec(`DELETE FROM money_events_audit`); err == nil {
		t.Fatal("audit trail deleted")
	}
}

func TestPostgresPositiveAmountEnforced(t *testing.T) {
	db := openPostgresIntegrationDB(t)
	resetPostgresIntegrationState(t, db)

	if _, err := db.Exec(`
INSERT INTO ledger_transactions (transaction_ulid, transaction_type, idempotency_key)
VALUES ('01TESTULID0000000000000000', 'escrow_hold', 'evt_pg_neg')
`); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	if _, err := db.Exec(`
INSERT INTO ledger_accounts (account_id, owner_type, account_type, name)
VALUES ('44444444-4444-4444-4444-444444444444', 'platform', 'asset', 'platform_cash')
`); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	_, err := db.Exec(`
INSERT INTO ledger_entries (transaction_ulid, account_id, direction, amount_cents)
VALUES ('01TESTULID0000000000000000', '44444444-4444-4444-4444-444444444444', 'debit', 0)
`)
	if err == nil {
		t.Fatal("zero-amount entry accepted")
	}
	_, err = db.Exec(`
INSERT INTO ledger_entries (transaction_ulid, account_id, direction, amount_cents)
VALUES ('01TESTULID0000000000000000', '44444444-4444-4444-4444-444444444444', 'debit', -100)
`)
	if err == nil {
		t.Fatal("negative-amount entry accepted")
	}
}

func TestPostgresGlobalSequenceChains(t *testing.T) {
	db := openPostgresIntegrationDB(t)
	resetPostgresIntegrationState(t, db)
	ctx := context.Background()
	fake := psp.NewFake()

	eng := newPGEngine(db, fake)
	_, hustler, task := seedPGUsersAndTask(t, eng)
	if _, err := eng.Handle(ctx, HandleRequest{
		TaskID:  task.ID,
		Event:   EventHoldEscrow,
		EventID: "evt_pg_seq_hold",
		Context: EventContext{PaymentIntentID: "pi_pg_4"},
	}); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if _, err := eng.AcceptTask(ctx, task.ID, hustler.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := eng.SubmitProof(ctx, task.ID, "33333333-3333-3333-3333-333333333333"); err != nil {
		t.Fatalf("submit proof: %v", err)
	}
	if _, err := eng.ReviewProof(ctx, task.ID, ProofAccepted); err != nil {
		t.Fatalf("accept proof: %v", err)
	}
	if _, err := eng.CompleteTask(ctx, task.ID, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := eng.Handle(ctx, HandleRequest{
		TaskID:  task.ID,
		Event:   EventReleasePayout,
		EventID: "evt_pg_seq_release",
		Context: EventContext{Destination: "acct_" + hustler.ID},
	}); err != nil {
		t.Fatalf("release: %v", err)
	}

	led := ledger.NewEngine(clock.RealClock{}, db)
	n, err := led.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("verify all: %v", err)
	}
	if n != 2 {
		t.Fatalf("verified %d sequence records, want 2 (hold and release)", n)
	}
}

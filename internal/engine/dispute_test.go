package engine

import (
	"context"
	"testing"
)

// disputedTask stands up a held task with a submitted proof and an open
// dispute on it.
func (r *testRig) disputedTask(t *testing.T, priceCents int64) (Task, Dispute) {
	t.Helper()
	ctx := context.Background()
	task := r.newHeldTask(t, priceCents)
	if _, err := r.eng.AcceptTask(ctx, task.ID, r.hustler.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := r.eng.SubmitProof(ctx, task.ID, "33333333-3333-3333-3333-333333333333"); err != nil {
		t.Fatalf("submit proof: %v", err)
	}
	d, err := r.eng.OpenDispute(ctx, task.ID, "work not done")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	return task, d
}

func TestOpenDisputeLocksEscrow(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	task, d := rig.disputedTask(t, 5000)

	if d.Status != DisputeOpen {
		t.Fatalf("dispute status = %s", d.Status)
	}
	lock, _, err := rig.eng.StateLockFor(ctx, task.ID)
	if err != nil {
		t.Fatalf("load lock: %v", err)
	}
	if lock.Current != MoneyLockedDispute {
		t.Fatalf("money state = %s, want locked_dispute", lock.Current)
	}

	// Locked escrow refuses the ordinary paths.
	for _, ev := range []EventType{EventReleasePayout, EventRefundEscrow} {
		_, err := rig.eng.Handle(ctx, HandleRequest{
			TaskID:  task.ID,
			Event:   ev,
			EventID: "evt_locked_" + string(ev),
			Context: EventContext{Destination: "acct_h"},
		})
		if CodeOf(err) != CodeInvalidTransition {
			t.Fatalf("%s on locked escrow: %v", ev, err)
		}
	}

	// One dispute per task.
	if _, err := rig.eng.OpenDispute(ctx, task.ID, "again"); CodeOf(err) != CodeConflict {
		t.Fatalf("second dispute: %v", err)
	}
}

func TestDisputeEvidenceAndResponse(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	task, _ := rig.disputedTask(t, 5000)

	if _, err := rig.eng.AddEvidence(ctx, task.ID, "photo: lawn untouched"); err != nil {
		t.Fatalf("add evidence: %v", err)
	}
	d, err := rig.eng.RespondToDispute(ctx, task.ID, "photo: lawn mowed at 3pm")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if d.Status != DisputeUnderReview {
		t.Fatalf("status = %s, want under_review", d.Status)
	}
	if len(d.Evidence) != 2 || len(d.Responses) != 1 {
		t.Fatalf("evidence=%d responses=%d", len(d.Evidence), len(d.Responses))
	}
}

func TestResolveDisputeSplit(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	task, _ := rig.disputedTask(t, 5000)

	d, out, err := rig.eng.ResolveDispute(ctx, task.ID, "admin_1", DisputeResolution{
		Kind:         ResolutionSplit,
		ReleaseCents: 3000,
		RefundCents:  2000,
		Destination:  "acct_" + rig.hustler.ID,
		Note:         "partial work verified",
		StrikePoster: true,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Status != DisputeResolved || d.Resolution != ResolutionSplit || d.ResolvedBy != "admin_1" {
		t.Fatalf("dispute after resolve: %+v", d)
	}
	if out.NewState != MoneyReleased {
		t.Fatalf("state = %s, want released (release side nonzero)", out.NewState)
	}
	// Split resolution is not a payout release; no XP.
	if out.XP != nil {
		t.Fatalf("xp awarded on split: %+v", out.XP)
	}

	// Fee applies to the released side only: 12% of 3000 = 360.
	revenue, err := rig.led.AccountByName(ctx, "platform_revenue")
	if err != nil {
		t.Fatalf("revenue account: %v", err)
	}
	if revenue.BalanceCents != 360 {
		t.Fatalf("revenue = %d, want 360", revenue.BalanceCents)
	}
	// 5000 captured, 2000 refunded, 2640 transferred out.
	cash, err := rig.led.AccountByName(ctx, "platform_cash")
	if err != nil {
		t.Fatalf("cash account: %v", err)
	}
	if cash.BalanceCents != 360 {
		t.Fatalf("cash = %d, want 360", cash.BalanceCents)
	}
	escrow, err := rig.led.AccountByName(ctx, "task_escrow:"+task.ID)
	if err != nil {
		t.Fatalf("escrow account: %v", err)
	}
	if escrow.BalanceCents != 0 {
		t.Fatalf("escrow = %d, want 0", escrow.BalanceCents)
	}
	// Capture, refund, transfer.
	if got := rig.fake.ObjectsCreated(); got != 3 {
		t.Fatalf("processor objects = %d, want 3", got)
	}

	// Resolved disputes are immutable.
	if _, err := rig.eng.AddEvidence(ctx, task.ID, "late"); CodeOf(err) != CodeInvalidTransition {
		t.Fatalf("evidence after resolve: %v", err)
	}
}

func TestResolveDisputeRefund(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	task, _ := rig.disputedTask(t, 4000)

	_, out, err := rig.eng.ResolveDispute(ctx, task.ID, "admin_1", DisputeResolution{
		Kind:          ResolutionRefund,
		Note:          "no proof of work",
		StrikeHustler: true,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.NewState != MoneyRefunded {
		t.Fatalf("state = %s, want refunded", out.NewState)
	}
	if out.XP != nil {
		t.Fatal("refund resolution must not award XP")
	}
	escrow, err := rig.led.AccountByName(ctx, "task_escrow:"+task.ID)
	if err != nil {
		t.Fatalf("escrow account: %v", err)
	}
	if escrow.BalanceCents != 0 {
		t.Fatalf("escrow = %d, want 0", escrow.BalanceCents)
	}
}

func TestResolveDisputeRequiresAdmin(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	task, _ := rig.disputedTask(t, 4000)

	_, _, err := rig.eng.ResolveDispute(ctx, task.ID, "", DisputeResolution{Kind: ResolutionRefund})
	if CodeOf(err) != CodeForbidden {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	_, _, err = rig.eng.ResolveDispute(ctx, task.ID, "admin_1", DisputeResolution{Kind: "coin_flip"})
	if CodeOf(err) != CodeInvalidTransition {
		t.Fatalf("unknown kind: %v", err)
	}
}

package psp

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/taskfoundry/escrow-core/internal/platform/clock"
)

func newTestBridge() (*Bridge, *Fake) {
	fake := NewFake()
	clk := clock.Fixed{T: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewBridge(fake, clk, zap.NewNop()), fake
}

func TestDoMirrorsSuccessfulCalls(t *testing.T) {
	b, fake := newTestBridge()
	ctx := context.Background()

	obj, mirrored, err := b.Do(ctx, Call{
		Type:            CallCapture,
		IdempotencyKey:  "evt_1",
		PaymentIntentID: "pi_1",
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if mirrored {
		t.Fatal("first call flagged as mirrored")
	}
	if obj.PSPID != "pi_1" || obj.ChargeID == "" {
		t.Fatalf("object = %+v", obj)
	}

	row, err := b.Mirror(ctx, "evt_1")
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if row == nil || row.PSPID != obj.PSPID || row.Type != CallCapture {
		t.Fatalf("mirror row = %+v", row)
	}

	// Replays are answered from the mirror without touching the processor.
	calls := fake.Calls()
	again, mirrored, err := b.Do(ctx, Call{
		Type:            CallCapture,
		IdempotencyKey:  "evt_1",
		PaymentIntentID: "pi_1",
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !mirrored {
		t.Fatal("replay not served from mirror")
	}
	if again.PSPID != obj.PSPID {
		t.Fatalf("replay payload = %+v", again)
	}
	if fake.Calls() != calls {
		t.Fatal("replay reached the processor")
	}
	if fake.ObjectsCreated() != 1 {
		t.Fatalf("objects = %d, want 1", fake.ObjectsCreated())
	}
}

func TestDoTimeoutLeavesNoMirror(t *testing.T) {
	b, fake := newTestBridge()
	ctx := context.Background()

	fake.FailNext = ErrTimeout
	_, _, err := b.Do(ctx, Call{
		Type:           CallTransfer,
		IdempotencyKey: "evt_t",
		AmountCents:    1000,
		Destination:    "acct_h",
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatal("timeout must be retryable")
	}
	row, err := b.Mirror(ctx, "evt_t")
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if row != nil {
		t.Fatalf("mirror written on unknown outcome: %+v", row)
	}

	// The retry goes back to the processor with the same key and converges.
	obj, mirrored, err := b.Do(ctx, Call{
		Type:           CallTransfer,
		IdempotencyKey: "evt_t",
		AmountCents:    1000,
		Destination:    "acct_h",
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if mirrored {
		t.Fatal("retry served from a mirror that should not exist")
	}
	if obj.PSPID == "" {
		t.Fatalf("object = %+v", obj)
	}
	if fake.ObjectsCreated() != 1 {
		t.Fatalf("objects = %d, want 1", fake.ObjectsCreated())
	}
}

func TestDoAPIErrorIsNotRetryable(t *testing.T) {
	b, fake := newTestBridge()
	ctx := context.Background()

	fake.FailNext = &APIError{Code: "card_declined", Message: "declined"}
	_, _, err := b.Do(ctx, Call{
		Type:            CallCapture,
		IdempotencyKey:  "evt_d",
		PaymentIntentID: "pi_d",
	})
	if !errors.Is(err, ErrAPIError) {
		t.Fatalf("expected API error, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatal("deterministic rejection must not be retryable")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "card_declined" {
		t.Fatalf("lost processor code: %v", err)
	}
}

func TestDoRefusesKeyReuseAcrossCallTypes(t *testing.T) {
	b, fake := newTestBridge()
	ctx := context.Background()

	if _, _, err := b.Do(ctx, Call{
		Type:            CallCapture,
		IdempotencyKey:  "evt_reuse",
		PaymentIntentID: "pi_r",
	}); err != nil {
		t.Fatalf("capture: %v", err)
	}

	_, _, err := b.Do(ctx, Call{
		Type:           CallTransfer,
		IdempotencyKey: "evt_reuse",
		AmountCents:    1000,
		Destination:    "acct_h",
	})
	if !errors.Is(err, ErrIdempotencyKeyMismatch) {
		t.Fatalf("expected key mismatch, got %v", err)
	}
	if fake.ObjectsCreated() != 1 {
		t.Fatalf("objects = %d, want 1", fake.ObjectsCreated())
	}
}

func TestValidateCallRejections(t *testing.T) {
	b, _ := newTestBridge()
	ctx := context.Background()

	cases := []struct {
		name string
		call Call
		want error
	}{
		{"no key", Call{Type: CallCapture, PaymentIntentID: "pi"}, ErrMissingIdempotencyKey},
		{"capture without intent", Call{Type: CallCapture, IdempotencyKey: "k1"}, ErrAPIError},
		{"transfer without destination", Call{Type: CallTransfer, IdempotencyKey: "k2", AmountCents: 100}, ErrMissingDestination},
		{"transfer zero amount", Call{Type: CallTransfer, IdempotencyKey: "k3", Destination: "acct"}, ErrInvalidAmount},
		{"refund negative amount", Call{Type: CallRefund, IdempotencyKey: "k4", PaymentIntentID: "pi", AmountCents: -1}, ErrInvalidAmount},
		{"reversal without transfer", Call{Type: CallReversal, IdempotencyKey: "k5", AmountCents: 100}, ErrAPIError},
		{"unknown type", Call{Type: CallType("payout"), IdempotencyKey: "k6"}, ErrAPIError},
	}
	for _, c := range cases {
		_, _, err := b.Do(ctx, c.call)
		if !errors.Is(err, c.want) {
			t.Errorf("%s: got %v, want %v", c.name, err, c.want)
		}
	}
}

func TestMirrorRowsSince(t *testing.T) {
	b, _ := newTestBridge()
	ctx := context.Background()

	for _, key := range []string{"evt_a", "evt_b"} {
		if _, _, err := b.Do(ctx, Call{
			Type:           CallTransfer,
			IdempotencyKey: key,
			AmountCents:    500,
			Destination:    "acct_h",
		}); err != nil {
			t.Fatalf("do %s: %v", key, err)
		}
	}

	rows, err := b.MirrorRowsSince(ctx, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("rows since: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	rows, err = b.MirrorRowsSince(ctx, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("rows since future: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("rows = %d, want 0", len(rows))
	}
}

func TestPruneMirrorKeepsRecentRows(t *testing.T) {
	b, _ := newTestBridge()
	ctx := context.Background()

	if _, _, err := b.Do(ctx, Call{
		Type:           CallTransfer,
		IdempotencyKey: "evt_keep",
		AmountCents:    500,
		Destination:    "acct_h",
	}); err != nil {
		t.Fatalf("do: %v", err)
	}

	n, err := b.PruneMirror(ctx, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 0 {
		t.Fatalf("pruned %d recent rows", n)
	}

	n, err = b.PruneMirror(ctx, time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("prune past cutoff: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	row, err := b.Mirror(ctx, "evt_keep")
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if row != nil {
		t.Fatalf("row survived prune: %+v", row)
	}
}

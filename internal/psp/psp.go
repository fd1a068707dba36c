// Package psp talks to the external payment processor. Every mutating call
// carries a caller-owned idempotency key and is mirrored locally on success;
// the mirror, not the processor, is what replays consult.
package psp

import (
	"context"
	"time"
)

type CallType string

const (
	CallCapture  CallType = "capture"
	CallTransfer CallType = "transfer"
	CallRefund   CallType = "refund"
	CallReversal CallType = "reversal"
)

// Object is the normalized result of a successful PSP call. It is also the
// payload stored in the outbound mirror log.
type Object struct {
	PSPID    string   `json:"psp_id"`
	Type     CallType `json:"type"`
	Status   string   `json:"status"`
	ChargeID string   `json:"charge_id,omitempty"`
}

type TransferRequest struct {
	AmountCents   int64
	Destination   string
	TransferGroup string
	Metadata      map[string]string
}

type RefundRequest struct {
	PaymentIntentID string
	// AmountCents of zero refunds the full charge.
	AmountCents int64
}

type Balance struct {
	AvailableCents int64
	PendingCents   int64
}

type BalanceTransaction struct {
	PSPID       string
	Type        string
	AmountCents int64
	CreatedAt   time.Time
}

// Client is the processor surface the bridge consumes. Implementations must
// pass the idempotency key through to the processor verbatim.
type Client interface {
	CapturePaymentIntent(ctx context.Context, paymentIntentID, idemKey string) (Object, error)
	CreateTransfer(ctx context.Context, req TransferRequest, idemKey string) (Object, error)
	CreateRefund(ctx context.Context, req RefundRequest, idemKey string) (Object, error)
	CreateReversal(ctx context.Context, transferID string, amountCents int64, idemKey string) (Object, error)

	RetrieveBalance(ctx context.Context) (Balance, error)
	ListBalanceTransactions(ctx context.Context, since time.Time) ([]BalanceTransaction, error)
	ListTransfers(ctx context.Context, since time.Time) ([]Object, error)
	ListPayouts(ctx context.Context, since time.Time) ([]Object, error)
}

// Call describes one outbound mutation for Bridge.Do.
type Call struct {
	Type            CallType
	IdempotencyKey  string
	PaymentIntentID string // capture, refund
	TransferID      string // reversal
	AmountCents     int64  // transfer, reversal; optional for refund
	Destination     string // transfer
	TransferGroup   string
	Metadata        map[string]string
}

// MirrorRow is one psp_outbound_log record: durable evidence that the
// processor side of a call already happened.
type MirrorRow struct {
	IdempotencyKey string
	PSPID          string
	Type           CallType
	Payload        Object
	CreatedAt      time.Time
}

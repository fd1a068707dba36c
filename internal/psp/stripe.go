package psp

import (
	"context"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// StripeClient implements Client against the live processor.
type StripeClient struct {
	api *client.API
}

func NewStripeClient(secretKey string) *StripeClient {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeClient{api: api}
}

// translate maps SDK failures onto the bridge's two failure classes. A
// *stripe.Error means the request reached the processor and was rejected
// deterministically; anything else (transport, context, DNS) leaves the
// outcome unknown.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		return &APIError{Code: string(se.Code), Message: se.Msg}
	}
	return errors.Join(ErrTimeout, err)
}

func (c *StripeClient) CapturePaymentIntent(ctx context.Context, paymentIntentID, idemKey string) (Object, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idemKey)
	pi, err := c.api.PaymentIntents.Capture(paymentIntentID, params)
	if err != nil {
		return Object{}, translate(err)
	}
	obj := Object{PSPID: pi.ID, Type: CallCapture, Status: string(pi.Status)}
	if pi.LatestCharge != nil {
		obj.ChargeID = pi.LatestCharge.ID
	}
	return obj, nil
}

func (c *StripeClient) CreateTransfer(ctx context.Context, req TransferRequest, idemKey string) (Object, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(string(stripe.CurrencyUSD)),
		Destination: stripe.String(req.Destination),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idemKey)
	if req.TransferGroup != "" {
		params.TransferGroup = stripe.String(req.TransferGroup)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	tr, err := c.api.Transfers.New(params)
	if err != nil {
		return Object{}, translate(err)
	}
	return Object{PSPID: tr.ID, Type: CallTransfer, Status: "created"}, nil
}

func (c *StripeClient) CreateRefund(ctx context.Context, req RefundRequest, idemKey string) (Object, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentIntentID),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idemKey)
	if req.AmountCents > 0 {
		params.Amount = stripe.Int64(req.AmountCents)
	}
	ref, err := c.api.Refunds.New(params)
	if err != nil {
		return Object{}, translate(err)
	}
	return Object{PSPID: ref.ID, Type: CallRefund, Status: string(ref.Status)}, nil
}

func (c *StripeClient) CreateReversal(ctx context.Context, transferID string, amountCents int64, idemKey string) (Object, error) {
	params := &stripe.TransferReversalParams{
		ID:     stripe.String(transferID),
		Amount: stripe.Int64(amountCents),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idemKey)
	rev, err := c.api.TransferReversals.New(params)
	if err != nil {
		return Object{}, translate(err)
	}
	return Object{PSPID: rev.ID, Type: CallReversal, Status: "created"}, nil
}

func (c *StripeClient) RetrieveBalance(ctx context.Context) (Balance, error) {
	params := &stripe.BalanceParams{}
	params.Context = ctx
	bal, err := c.api.Balance.Get(params)
	if err != nil {
		return Balance{}, translate(err)
	}
	var out Balance
	for _, a := range bal.Available {
		if a.Currency == stripe.CurrencyUSD {
			out.AvailableCents += a.Amount
		}
	}
	for _, p := range bal.Pending {
		if p.Currency == stripe.CurrencyUSD {
			out.PendingCents += p.Amount
		}
	}
	return out, nil
}

func (c *StripeClient) ListBalanceTransactions(ctx context.Context, since time.Time) ([]BalanceTransaction, error) {
	params := &stripe.BalanceTransactionListParams{}
	params.Context = ctx
	params.CreatedRange = &stripe.RangeQueryParams{GreaterThanOrEqual: since.Unix()}
	iter := c.api.BalanceTransactions.List(params)
	out := make([]BalanceTransaction, 0)
	for iter.Next() {
		bt := iter.BalanceTransaction()
		out = append(out, BalanceTransaction{
			PSPID:       bt.ID,
			Type:        string(bt.Type),
			AmountCents: bt.Amount,
			CreatedAt:   time.Unix(bt.Created, 0).UTC(),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (c *StripeClient) ListTransfers(ctx context.Context, since time.Time) ([]Object, error) {
	params := &stripe.TransferListParams{}
	params.Context = ctx
	params.CreatedRange = &stripe.RangeQueryParams{GreaterThanOrEqual: since.Unix()}
	iter := c.api.Transfers.List(params)
	out := make([]Object, 0)
	for iter.Next() {
		tr := iter.Transfer()
		out = append(out, Object{PSPID: tr.ID, Type: CallTransfer, Status: "created"})
	}
	if err := iter.Err(); err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (c *StripeClient) ListPayouts(ctx context.Context, since time.Time) ([]Object, error) {
	params := &stripe.PayoutListParams{}
	params.Context = ctx
	params.CreatedRange = &stripe.RangeQueryParams{GreaterThanOrEqual: since.Unix()}
	iter := c.api.Payouts.List(params)
	out := make([]Object, 0)
	for iter.Next() {
		po := iter.Payout()
		out = append(out, Object{PSPID: po.ID, Type: "payout", Status: string(po.Status)})
	}
	if err := iter.Err(); err != nil {
		return nil, translate(err)
	}
	return out, nil
}

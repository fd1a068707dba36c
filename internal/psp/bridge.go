package psp

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/taskfoundry/escrow-core/internal/platform/clock"
)

var callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "escrow_psp_call_duration_seconds",
	Help:    "Outbound processor call latency, by call type and outcome.",
	Buckets: prometheus.DefBuckets,
}, []string{"call_type", "outcome"})

// Bridge issues outbound processor calls at most once per idempotency key.
// The mirror log is consulted before every call and written after every
// success; a mirror hit short-circuits without touching the processor. The
// mirror insert deliberately happens outside any ledger transaction: it is
// the only durable evidence that the processor side already happened, and the
// reaper uses it to resume a crashed commit.
type Bridge struct {
	Client Client
	Clock  clock.Clock
	Log    *zap.Logger

	mu     sync.Mutex
	mirror map[string]MirrorRow

	db *sql.DB
}

func NewBridge(client Client, clk clock.Clock, log *zap.Logger, db ...*sql.DB) *Bridge {
	var handle *sql.DB
	if len(db) > 0 {
		handle = db[0]
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		Client: client,
		Clock:  clk,
		Log:    log,
		mirror: make(map[string]MirrorRow),
		db:     handle,
	}
}

func (b *Bridge) dbEnabled() bool {
	return b != nil && b.db != nil
}

func (b *Bridge) now() time.Time {
	if b.Clock == nil {
		return time.Now().UTC()
	}
	return b.Clock.Now().UTC()
}

func validateCall(c Call) error {
	if c.IdempotencyKey == "" {
		return ErrMissingIdempotencyKey
	}
	switch c.Type {
	case CallCapture:
		if c.PaymentIntentID == "" {
			return ErrAPIError
		}
	case CallTransfer:
		if c.AmountCents <= 0 {
			return ErrInvalidAmount
		}
		if c.Destination == "" {
			return ErrMissingDestination
		}
	case CallRefund:
		if c.PaymentIntentID == "" {
			return ErrAPIError
		}
		if c.AmountCents < 0 {
			return ErrInvalidAmount
		}
	case CallReversal:
		if c.TransferID == "" {
			return ErrAPIError
		}
		if c.AmountCents <= 0 {
			return ErrInvalidAmount
		}
	default:
		return ErrAPIError
	}
	return nil
}

// Do executes the call with split-brain recovery. mirrored is true when the
// result came from the mirror log and the processor was not contacted.
func (b *Bridge) Do(ctx context.Context, call Call) (obj Object, mirrored bool, err error) {
	if err := validateCall(call); err != nil {
		return Object{}, false, err
	}

	row, err := b.Mirror(ctx, call.IdempotencyKey)
	if err != nil {
		return Object{}, false, err
	}
	if row != nil {
		// A key that already names a different call type is a programming
		// error upstream; re-calling the processor here could move money
		// twice, so refuse instead.
		if row.Type != call.Type {
			b.Log.Error("idempotency key reused for a different call",
				zap.String("idempotency_key", call.IdempotencyKey),
				zap.String("mirrored_type", string(row.Type)),
				zap.String("requested_type", string(call.Type)))
			return Object{}, false, ErrIdempotencyKeyMismatch
		}
		b.Log.Info("psp mirror hit, skipping call",
			zap.String("idempotency_key", call.IdempotencyKey),
			zap.String("psp_id", row.PSPID),
			zap.String("call_type", string(row.Type)))
		return row.Payload, true, nil
	}

	started := time.Now()
	switch call.Type {
	case CallCapture:
		obj, err = b.Client.CapturePaymentIntent(ctx, call.PaymentIntentID, call.IdempotencyKey)
	case CallTransfer:
		obj, err = b.Client.CreateTransfer(ctx, TransferRequest{
			AmountCents:   call.AmountCents,
			Destination:   call.Destination,
			TransferGroup: call.TransferGroup,
			Metadata:      call.Metadata,
		}, call.IdempotencyKey)
	case CallRefund:
		obj, err = b.Client.CreateRefund(ctx, RefundRequest{
			PaymentIntentID: call.PaymentIntentID,
			AmountCents:     call.AmountCents,
		}, call.IdempotencyKey)
	case CallReversal:
		obj, err = b.Client.CreateReversal(ctx, call.TransferID, call.AmountCents, call.IdempotencyKey)
	}
	callDuration.WithLabelValues(string(call.Type), callOutcome(err)).
		Observe(time.Since(started).Seconds())
	if err != nil {
		// Timeout: outcome unknown, no mirror, replay-safe. API error:
		// deterministic, surfaced; the caller records the audit row.
		b.Log.Warn("psp call failed",
			zap.String("idempotency_key", call.IdempotencyKey),
			zap.String("call_type", string(call.Type)),
			zap.Bool("retryable", IsRetryable(err)),
			zap.Error(err))
		return Object{}, false, err
	}

	if err := b.insertMirror(ctx, MirrorRow{
		IdempotencyKey: call.IdempotencyKey,
		PSPID:          obj.PSPID,
		Type:           call.Type,
		Payload:        obj,
		CreatedAt:      b.now(),
	}); err != nil {
		// The processor acted but we could not record it. Surface as unknown
		// outcome: the next replay re-hits the processor with the same key
		// and dedupes there, then lands the mirror.
		b.Log.Error("psp mirror insert failed after successful call",
			zap.String("idempotency_key", call.IdempotencyKey),
			zap.String("psp_id", obj.PSPID),
			zap.Error(err))
		return Object{}, false, ErrTimeout
	}
	return obj, false, nil
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "api_error"
	}
}

// Mirror looks up the outbound log by idempotency key.
func (b *Bridge) Mirror(ctx context.Context, idemKey string) (*MirrorRow, error) {
	if b.dbEnabled() {
		const q = `
SELECT idempotency_key, psp_id, call_type, payload, created_at
FROM psp_outbound_log
WHERE idempotency_key = $1
`
		var row MirrorRow
		var typ string
		var payload []byte
		err := b.db.QueryRowContext(ctx, q, idemKey).Scan(&row.IdempotencyKey, &row.PSPID, &typ, &payload, &row.CreatedAt)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		row.Type = CallType(typ)
		if err := json.Unmarshal(payload, &row.Payload); err != nil {
			return nil, err
		}
		return &row, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	row, ok := b.mirror[idemKey]
	if !ok {
		return nil, nil
	}
	cp := row
	return &cp, nil
}

func (b *Bridge) insertMirror(ctx context.Context, row MirrorRow) error {
	if b.dbEnabled() {
		payload, err := json.Marshal(row.Payload)
		if err != nil {
			return err
		}
		const q = `
INSERT INTO psp_outbound_log (idempotency_key, psp_id, call_type, payload, created_at)
VALUES ($1, $2, $3, $4::jsonb, $5)
ON CONFLICT (idempotency_key) DO NOTHING
`
		_, err = b.db.ExecContext(ctx, q, row.IdempotencyKey, row.PSPID, string(row.Type), payload, row.CreatedAt)
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.mirror[row.IdempotencyKey]; !ok {
		b.mirror[row.IdempotencyKey] = row
	}
	return nil
}

// MirrorRowsSince lists mirror rows recorded since a cutoff; the reconciler
// compares them against the processor's own listings.
func (b *Bridge) MirrorRowsSince(ctx context.Context, since time.Time) ([]MirrorRow, error) {
	if b.dbEnabled() {
		const q = `
SELECT idempotency_key, psp_id, call_type, payload, created_at
FROM psp_outbound_log
WHERE created_at >= $1
ORDER BY created_at
`
		rows, err := b.db.QueryContext(ctx, q, since)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		out := make([]MirrorRow, 0)
		for rows.Next() {
			var row MirrorRow
			var typ string
			var payload []byte
			if err := rows.Scan(&row.IdempotencyKey, &row.PSPID, &typ, &payload, &row.CreatedAt); err != nil {
				return nil, err
			}
			row.Type = CallType(typ)
			if err := json.Unmarshal(payload, &row.Payload); err != nil {
				return nil, err
			}
			out = append(out, row)
		}
		return out, rows.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]MirrorRow, 0)
	for _, row := range b.mirror {
		if !row.CreatedAt.Before(since) {
			out = append(out, row)
		}
	}
	return out, nil
}

// PruneMirror deletes mirror rows older than the cutoff. The cutoff must sit
// well past the reconciliation window; recent rows are the recovery evidence
// the reaper and reconciler depend on.
func (b *Bridge) PruneMirror(ctx context.Context, cutoff time.Time) (int, error) {
	if b.dbEnabled() {
		res, err := b.db.ExecContext(ctx,
			`DELETE FROM psp_outbound_log WHERE created_at < $1`, cutoff)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		return int(n), err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	pruned := 0
	for key, row := range b.mirror {
		if row.CreatedAt.Before(cutoff) {
			delete(b.mirror, key)
			pruned++
		}
	}
	return pruned, nil
}

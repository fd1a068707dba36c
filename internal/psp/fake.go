package psp

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-process processor for tests. It deduplicates on idempotency
// key the way the real processor does, counts the objects it actually
// creates, and can be scripted to fail.
type Fake struct {
	mu sync.Mutex

	objects     map[string]Object // by idempotency key
	createCount int
	callCount   int
	nextID      int

	Balance Balance

	// FailNext, when non-nil, is returned for the next mutating call and
	// then cleared. Use ErrTimeout or an *APIError.
	FailNext error
	// FailAlways, when non-nil, is returned for every mutating call.
	FailAlways error
	// TimeoutAfterAct simulates the worst split-brain: the object is created
	// on the processor side but the response is lost.
	TimeoutAfterAct bool
}

func NewFake() *Fake {
	return &Fake{objects: make(map[string]Object)}
}

// ObjectsCreated reports how many distinct processor objects exist. P8 pins
// this to exactly one per logical event.
func (f *Fake) ObjectsCreated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCount
}

// Calls reports how many mutating calls reached the processor, including
// idempotent replays.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

func (f *Fake) do(idemKey string, build func(id string) Object) (Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++

	if f.FailAlways != nil {
		return Object{}, f.FailAlways
	}
	if f.FailNext != nil {
		err := f.FailNext
		f.FailNext = nil
		return Object{}, err
	}
	if obj, ok := f.objects[idemKey]; ok {
		return obj, nil
	}
	f.nextID++
	f.createCount++
	obj := build(fmt.Sprintf("psp_%06d", f.nextID))
	f.objects[idemKey] = obj
	if f.TimeoutAfterAct {
		f.TimeoutAfterAct = false
		return Object{}, ErrTimeout
	}
	return obj, nil
}

func (f *Fake) CapturePaymentIntent(_ context.Context, paymentIntentID, idemKey string) (Object, error) {
	return f.do(idemKey, func(id string) Object {
		return Object{PSPID: paymentIntentID, Type: CallCapture, Status: "succeeded", ChargeID: "ch_" + id}
	})
}

func (f *Fake) CreateTransfer(_ context.Context, req TransferRequest, idemKey string) (Object, error) {
	return f.do(idemKey, func(id string) Object {
		return Object{PSPID: "tr_" + id, Type: CallTransfer, Status: "created"}
	})
}

func (f *Fake) CreateRefund(_ context.Context, req RefundRequest, idemKey string) (Object, error) {
	return f.do(idemKey, func(id string) Object {
		return Object{PSPID: "re_" + id, Type: CallRefund, Status: "succeeded"}
	})
}

func (f *Fake) CreateReversal(_ context.Context, transferID string, amountCents int64, idemKey string) (Object, error) {
	return f.do(idemKey, func(id string) Object {
		return Object{PSPID: "trr_" + id, Type: CallReversal, Status: "created"}
	})
}

func (f *Fake) RetrieveBalance(_ context.Context) (Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Balance, nil
}

func (f *Fake) SetBalance(b Balance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Balance = b
}

func (f *Fake) ListBalanceTransactions(_ context.Context, _ time.Time) ([]BalanceTransaction, error) {
	return nil, nil
}

func (f *Fake) ListTransfers(_ context.Context, since time.Time) ([]Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Object, 0)
	for _, obj := range f.objects {
		if obj.Type == CallTransfer {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (f *Fake) ListPayouts(_ context.Context, _ time.Time) ([]Object, error) {
	return nil, nil
}

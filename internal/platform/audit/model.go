package audit

import "time"

// Event is one link in the money-event audit trail. Rows are append-only and
// hash-chained so tampering with history is detectable offline.
type Event struct {
	EventID         string
	TaskID          string
	EventType       string
	PreviousState   string
	NewState        string
	ActorID         string
	RawContext      []byte
	PaymentIntentID string
	ChargeID        string
	RecordedAt      time.Time
	HashPrev        string
	HashCurr        string
}

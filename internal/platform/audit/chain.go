package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeHash chains an event onto the previous hash. The field order is part
// of the chain format and must not change without versioning the trail.
func ComputeHash(prev string, e Event) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|" + e.EventID))
	_, _ = h.Write([]byte("|" + e.RecordedAt.UTC().Format("2006-01-02T15:04:05.999999999Z")))
	_, _ = h.Write([]byte("|" + e.TaskID + "|" + e.EventType + "|" + e.PreviousState + "|" + e.NewState))
	_, _ = h.Write([]byte("|" + e.ActorID + "|" + e.PaymentIntentID + "|" + e.ChargeID))
	_, _ = h.Write([]byte(fmt.Sprintf("|%x", e.RawContext)))
	return hex.EncodeToString(h.Sum(nil))
}

package engine

import "context"

// trust tier bounds mirror the users.trust_tier check constraint.
const (
	minTrustTier = 1
	maxTrustTier = 4
)

// TrustTierFor folds the append-only trust ledger into the current tier.
// Everyone starts at tier 1; deltas accumulate and the result is clamped.
func TrustTierFor(entries []TrustEntry) int {
	tier := minTrustTier
	for _, e := range entries {
		tier += e.Delta
	}
	if tier < minTrustTier {
		tier = minTrustTier
	}
	if tier > maxTrustTier {
		tier = maxTrustTier
	}
	return tier
}

// AdjustTrust records a tier delta and rewrites the user's cached tier from
// the resulting history, in one unit of work.
func (e *Engine) AdjustTrust(ctx context.Context, userID string, delta int, reason, trigger string) (int, error) {
	txn, err := e.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback(ctx)

	user, err := txn.User(ctx, userID)
	if err != nil {
		return 0, err
	}
	now := e.now()
	if err := txn.InsertTrustEntry(ctx, TrustEntry{
		UserID: userID, Delta: delta, Reason: reason, Trigger: trigger, CreatedAt: now,
	}); err != nil {
		return 0, err
	}

	tier := user.TrustTier + delta
	if tier < minTrustTier {
		tier = minTrustTier
	}
	if tier > maxTrustTier {
		tier = maxTrustTier
	}
	user.TrustTier = tier
	if err := txn.UpdateUser(ctx, user); err != nil {
		return 0, err
	}
	if err := txn.Commit(ctx); err != nil {
		return 0, err
	}
	return tier, nil
}

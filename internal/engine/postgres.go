package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/taskfoundry/escrow-core/internal/ledger"
	"github.com/taskfoundry/escrow-core/internal/platform/audit"
)

// pgStore maps the Txn contract onto SERIALIZABLE Postgres transactions.
// Per-task serialization comes from SELECT ... FOR UPDATE on money_state_lock.
type pgStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) Store {
	return &pgStore{db: db}
}

func (s *pgStore) Begin(ctx context.Context) (Txn, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, mapPgError(err, "begin")
	}
	return &pgTxn{tx: tx}, nil
}

type pgTxn struct {
	tx *sql.Tx
}

func (t *pgTxn) Commit(context.Context) error {
	return mapPgError(t.tx.Commit(), "commit")
}

func (t *pgTxn) Rollback(context.Context) error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

func nullTime(ts time.Time) sql.NullTime {
	return sql.NullTime{Time: ts, Valid: !ts.IsZero()}
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func eventsToArray(events []EventType) string {
	parts := make([]string, len(events))
	for i, e := range events {
		parts[i] = string(e)
	}
	return strings.Join(parts, ",")
}

func arrayToEvents(s string) []EventType {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]EventType, len(parts))
	for i, p := range parts {
		out[i] = EventType(p)
	}
	return out
}

func (t *pgTxn) LockState(ctx context.Context, taskID string) (StateLock, bool, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT task_id, current_state, array_to_string(next_allowed_events, ','),
		       version, COALESCE(psp_payment_intent_id, ''), COALESCE(psp_charge_id, ''),
		       recovery_attempts, updated_at
		FROM money_state_lock
		WHERE task_id = $1
		FOR UPDATE`, taskID)

	var lock StateLock
	var allowed string
	err := row.Scan(&lock.TaskID, &lock.Current, &allowed, &lock.Version,
		&lock.PaymentIntentID, &lock.ChargeID, &lock.RecoveryAttempts, &lock.UpdatedAt)
	if err == sql.ErrNoRows {
		return StateLock{}, false, nil
	}
	if err != nil {
		return StateLock{}, false, mapPgError(err, "lock state")
	}
	lock.NextAllowed = arrayToEvents(allowed)
	return lock, true, nil
}

func (t *pgTxn) InsertLock(ctx context.Context, lock StateLock) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO money_state_lock
		  (task_id, current_state, next_allowed_events, version,
		   psp_payment_intent_id, psp_charge_id, recovery_attempts, updated_at)
		VALUES ($1, $2, string_to_array($3, ','), $4, $5, $6, $7, $8)`,
		lock.TaskID, lock.Current, eventsToArray(lock.NextAllowed), lock.Version,
		nullStr(lock.PaymentIntentID), nullStr(lock.ChargeID),
		lock.RecoveryAttempts, lock.UpdatedAt)
	return mapPgError(err, "insert state lock")
}

func (t *pgTxn) UpdateLock(ctx context.Context, lock StateLock) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE money_state_lock
		SET current_state = $2, next_allowed_events = string_to_array($3, ','),
		    version = $4, psp_payment_intent_id = $5, psp_charge_id = $6,
		    recovery_attempts = $7, updated_at = $8
		WHERE task_id = $1`,
		lock.TaskID, lock.Current, eventsToArray(lock.NextAllowed), lock.Version,
		nullStr(lock.PaymentIntentID), nullStr(lock.ChargeID),
		lock.RecoveryAttempts, lock.UpdatedAt)
	if err != nil {
		return mapPgError(err, "update state lock")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return newErr(CodeNotFound, "no state lock for task "+lock.TaskID)
	}
	return nil
}

func (t *pgTxn) Task(ctx context.Context, taskID string) (Task, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT task_id, poster_id, COALESCE(hustler_id::text, ''), price_cents, status,
		       COALESCE(proof_id::text, ''), proof_state, category,
		       created_at, accepted_at, completed_at
		FROM tasks
		WHERE task_id = $1`, taskID)

	var task Task
	var acceptedAt, completedAt sql.NullTime
	err := row.Scan(&task.ID, &task.PosterID, &task.HustlerID, &task.PriceCents,
		&task.Status, &task.ProofID, &task.ProofState, &task.Category,
		&task.CreatedAt, &acceptedAt, &completedAt)
	if err == sql.ErrNoRows {
		return Task{}, newErr(CodeNotFound, "no task "+taskID)
	}
	if err != nil {
		return Task{}, mapPgError(err, "load task")
	}
	task.AcceptedAt = acceptedAt.Time
	task.CompletedAt = completedAt.Time
	return task, nil
}

func (t *pgTxn) InsertTask(ctx context.Context, task Task) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO tasks
		  (task_id, poster_id, hustler_id, price_cents, status, proof_id,
		   proof_state, category, created_at, accepted_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		task.ID, task.PosterID, nullStr(task.HustlerID), task.PriceCents,
		task.Status, nullStr(task.ProofID), task.ProofState, task.Category,
		task.CreatedAt, nullTime(task.AcceptedAt), nullTime(task.CompletedAt))
	return mapPgError(err, "insert task")
}

func (t *pgTxn) UpdateTask(ctx context.Context, task Task) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE tasks
		SET hustler_id = $2, status = $3, proof_id = $4, proof_state = $5,
		    accepted_at = $6, completed_at = $7
		WHERE task_id = $1`,
		task.ID, nullStr(task.HustlerID), task.Status, nullStr(task.ProofID),
		task.ProofState, nullTime(task.AcceptedAt), nullTime(task.CompletedAt))
	return mapPgError(err, "update task")
}

func (t *pgTxn) User(ctx context.Context, userID string) (User, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT user_id, trust_tier, xp, level, streak, last_active_at
		FROM users
		WHERE user_id = $1
		FOR UPDATE`, userID)

	var u User
	var lastActive sql.NullTime
	err := row.Scan(&u.ID, &u.TrustTier, &u.XP, &u.Level, &u.Streak, &lastActive)
	if err == sql.ErrNoRows {
		return User{}, newErr(CodeNotFound, "no user "+userID)
	}
	if err != nil {
		return User{}, mapPgError(err, "load user")
	}
	u.LastActiveAt = lastActive.Time
	return u, nil
}

func (t *pgTxn) InsertUser(ctx context.Context, u User) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO users (user_id, trust_tier, xp, level, streak, last_active_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.TrustTier, u.XP, u.Level, u.Streak, nullTime(u.LastActiveAt))
	return mapPgError(err, "insert user")
}

func (t *pgTxn) UpdateUser(ctx context.Context, u User) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE users
		SET trust_tier = $2, xp = $3, level = $4, streak = $5, last_active_at = $6
		WHERE user_id = $1`,
		u.ID, u.TrustTier, u.XP, u.Level, u.Streak, nullTime(u.LastActiveAt))
	return mapPgError(err, "update user")
}

func (t *pgTxn) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM money_events_processed WHERE event_id = $1)`,
		eventID).Scan(&exists)
	return exists, mapPgError(err, "check processed event")
}

func (t *pgTxn) ExternalEventProcessed(ctx context.Context, externalID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_psp_events WHERE psp_event_id = $1)`,
		externalID).Scan(&exists)
	return exists, mapPgError(err, "check processed external event")
}

func (t *pgTxn) MarkEventProcessed(ctx context.Context, eventID, taskID string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO money_events_processed (event_id, task_id, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`, eventID, taskID, at)
	return mapPgError(err, "mark event processed")
}

func (t *pgTxn) MarkExternalEventProcessed(ctx context.Context, externalID string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO processed_psp_events (psp_event_id, processed_at)
		VALUES ($1, $2)
		ON CONFLICT (psp_event_id) DO NOTHING`, externalID, at)
	return mapPgError(err, "mark external event processed")
}

func (t *pgTxn) InsertXPAward(ctx context.Context, award XPAward) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO xp_ledger
		  (user_id, task_id, money_state_lock_task_id, base_xp, decay_factor,
		   effective_xp, streak_multiplier, final_xp, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (money_state_lock_task_id) DO NOTHING`,
		award.UserID, award.TaskID, award.MoneyStateLockTaskID, award.BaseXP,
		award.DecayFactor, award.EffectiveXP, award.StreakMultiplier,
		award.FinalXP, award.Reason, award.CreatedAt)
	if err != nil {
		return false, mapPgError(err, "insert xp award")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *pgTxn) LastAuditHash(ctx context.Context) (string, error) {
	var hash string
	err := t.tx.QueryRowContext(ctx,
		`SELECT hash_curr FROM money_events_audit ORDER BY audit_id DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return audit.Genesis, nil
	}
	if err != nil {
		return "", mapPgError(err, "last audit hash")
	}
	return hash, nil
}

func (t *pgTxn) InsertAudit(ctx context.Context, e audit.Event) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO money_events_audit
		  (event_id, task_id, event_type, previous_state, new_state, actor_id,
		   raw_context, psp_payment_intent_id, psp_charge_id, hash_prev, hash_curr, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.EventID, e.TaskID, e.EventType, e.PreviousState, e.NewState, e.ActorID,
		e.RawContext, nullStr(e.PaymentIntentID), nullStr(e.ChargeID),
		e.HashPrev, e.HashCurr, e.RecordedAt)
	return mapPgError(err, "insert audit")
}

func (t *pgTxn) KillSwitch(ctx context.Context) (bool, string, error) {
	var active bool
	var reason sql.NullString
	err := t.tx.QueryRowContext(ctx,
		`SELECT active, reason FROM kill_switch WHERE id = 1`).Scan(&active, &reason)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", mapPgError(err, "read kill switch")
	}
	return active, reason.String, nil
}

func (t *pgTxn) SetKillSwitch(ctx context.Context, active bool, reason string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO kill_switch (id, active, reason, activated_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET active = EXCLUDED.active, reason = EXCLUDED.reason,
		    activated_at = EXCLUDED.activated_at`,
		active, nullStr(reason), nullTime(at))
	return mapPgError(err, "set kill switch")
}

func (t *pgTxn) Dispute(ctx context.Context, taskID string) (Dispute, bool, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT dispute_id, task_id, poster_id, hustler_id, status, evidence,
		       responses, COALESCE(resolution, ''), COALESCE(resolved_by, ''),
		       opened_at, locked_at
		FROM disputes
		WHERE task_id = $1
		FOR UPDATE`, taskID)

	var d Dispute
	var evidence, responses []byte
	var lockedAt sql.NullTime
	err := row.Scan(&d.ID, &d.TaskID, &d.PosterID, &d.HustlerID, &d.Status,
		&evidence, &responses, &d.Resolution, &d.ResolvedBy, &d.OpenedAt, &lockedAt)
	if err == sql.ErrNoRows {
		return Dispute{}, false, nil
	}
	if err != nil {
		return Dispute{}, false, mapPgError(err, "load dispute")
	}
	if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
		return Dispute{}, false, err
	}
	if err := json.Unmarshal(responses, &d.Responses); err != nil {
		return Dispute{}, false, err
	}
	d.LockedAt = lockedAt.Time
	return d, true, nil
}

func disputeJSON(d Dispute) ([]byte, []byte, error) {
	if d.Evidence == nil {
		d.Evidence = []string{}
	}
	if d.Responses == nil {
		d.Responses = []string{}
	}
	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return nil, nil, err
	}
	responses, err := json.Marshal(d.Responses)
	if err != nil {
		return nil, nil, err
	}
	return evidence, responses, nil
}

func (t *pgTxn) InsertDispute(ctx context.Context, d Dispute) error {
	evidence, responses, err := disputeJSON(d)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO disputes
		  (dispute_id, task_id, poster_id, hustler_id, status, evidence,
		   responses, resolution, resolved_by, opened_at, locked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.TaskID, d.PosterID, d.HustlerID, d.Status, evidence, responses,
		nullStr(d.Resolution), nullStr(d.ResolvedBy), d.OpenedAt, nullTime(d.LockedAt))
	return mapPgError(err, "insert dispute")
}

func (t *pgTxn) UpdateDispute(ctx context.Context, d Dispute) error {
	evidence, responses, err := disputeJSON(d)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE disputes
		SET status = $2, evidence = $3, responses = $4, resolution = $5,
		    resolved_by = $6, locked_at = $7
		WHERE task_id = $1`,
		d.TaskID, d.Status, evidence, responses,
		nullStr(d.Resolution), nullStr(d.ResolvedBy), nullTime(d.LockedAt))
	return mapPgError(err, "update dispute")
}

func (t *pgTxn) InsertTrustEntry(ctx context.Context, e TrustEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO trust_ledger (user_id, delta, reason, trigger, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.UserID, e.Delta, e.Reason, e.Trigger, e.CreatedAt)
	return mapPgError(err, "insert trust entry")
}

func (t *pgTxn) InsertAdminAction(ctx context.Context, a AdminAction) error {
	detail := a.Detail
	if detail == nil {
		detail = map[string]string{}
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO admin_actions (admin_id, action, object_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.AdminID, a.Action, a.ObjectID, payload, a.CreatedAt)
	return mapPgError(err, "insert admin action")
}

func (t *pgTxn) LedgerCommit(ctx context.Context, eng *ledger.Engine, txULID string) error {
	return mapPgError(eng.CommitInTx(ctx, t.tx, txULID), "ledger commit")
}

func (t *pgTxn) HeldLocksOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT task_id
		FROM money_state_lock
		WHERE current_state = 'held' AND updated_at < $1
		ORDER BY task_id`, cutoff)
	if err != nil {
		return nil, mapPgError(err, "list held locks")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

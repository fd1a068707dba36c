package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PGQueue stores jobs in the job_queue table. Claiming uses
// FOR UPDATE SKIP LOCKED so multiple workers never double-claim.
type PGQueue struct {
	db *sql.DB
}

func NewPGQueue(db *sql.DB) *PGQueue {
	return &PGQueue{db: db}
}

func (q *PGQueue) Enqueue(ctx context.Context, kind string, payload map[string]string) (string, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO job_queue (job_id, kind, payload, status, next_retry_at)
		VALUES ($1, $2, $3, 'pending', NOW())`, id, kind, body)
	return id, err
}

func (q *PGQueue) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT job_id, kind, payload, retry_count, next_retry_at, last_error, created_at
		FROM job_queue
		WHERE status = 'pending' AND next_retry_at <= $1
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, limit)
	for rows.Next() {
		var j Job
		var payload []byte
		if err := rows.Scan(&j.ID, &j.Kind, &payload, &j.RetryCount,
			&j.NextRetryAt, &j.LastError, &j.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			rows.Close()
			return nil, err
		}
		j.Status = StatusRunning
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, j := range jobs {
		_, err := tx.ExecContext(ctx, `
			UPDATE job_queue SET status = 'running', updated_at = $2
			WHERE job_id = $1`, j.ID, now)
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (q *PGQueue) Finish(ctx context.Context, jobID string, jobErr error, now time.Time) error {
	if jobErr == nil {
		_, err := q.db.ExecContext(ctx, `
			UPDATE job_queue
			SET status = 'completed', last_error = '', updated_at = $2
			WHERE job_id = $1`, jobID, now)
		return err
	}
	// Backoff doubles per retry starting at 30s, capped at 32m, same schedule
	// as the in-memory queue.
	_, err := q.db.ExecContext(ctx, `
		UPDATE job_queue
		SET retry_count = retry_count + 1,
		    last_error = $2,
		    status = CASE WHEN retry_count + 1 >= $3 THEN 'failed'::job_status ELSE 'pending'::job_status END,
		    next_retry_at = $4::timestamptz
		        + interval '30 seconds' * POWER(2, LEAST(retry_count + 1, 6)),
		    updated_at = $4
		WHERE job_id = $1`,
		jobID, jobErr.Error(), MaxRetries, now)
	return err
}

func (q *PGQueue) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM job_queue
		WHERE status = 'completed' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

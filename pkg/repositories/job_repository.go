package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

// JobRepository is the durable pipeline queue. Claiming is cross-tenant and
// runs on a connection without tenant scope.
type JobRepository interface {
	// Enqueue inserts a job. A job with the same (search, kind, scheduled time)
	// makes this a no-op and returns false.
	Enqueue(ctx context.Context, job *models.Job) (bool, error)
	// Claim leases the next runnable job of kind. A job is runnable when no
	// other job with its sequence key is running and no earlier-scheduled job
	// with that key is still pending. Returns nil when nothing is runnable.
	Claim(ctx context.Context, kind models.JobKind, lease time.Duration) (*models.Job, error)
	Complete(ctx context.Context, jobID uuid.UUID) error
	Retry(ctx context.Context, jobID uuid.UUID, runAt time.Time, lastErr string) error
	// Bury marks the job dead and copies it into dead_letters.
	Bury(ctx context.Context, job *models.Job, lastErr string) error
	ListDeadLetters(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.DeadLetter, int, error)
	DeleteFinishedBefore(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error)
}

type jobRepository struct{}

// NewJobRepository creates a JobRepository.
func NewJobRepository() JobRepository {
	return &jobRepository{}
}

var _ JobRepository = (*jobRepository)(nil)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const jobColumns = `
	id, tenant_id, search_id, kind, scheduled_time, sequence_key, payload,
	attempts, max_attempts, run_at, status, last_error, created_at, updated_at`

func insertJob(ctx context.Context, conn execer, job *models.Job) (bool, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.SequenceKey == "" {
		job.SequenceKey = job.SearchID.String()
	}
	if job.RunAt.IsZero() {
		job.RunAt = time.Now()
	}
	payload := job.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	tag, err := conn.Exec(ctx, `
		INSERT INTO jobs (
			id, tenant_id, search_id, kind, scheduled_time, sequence_key, payload,
			max_attempts, run_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending')
		ON CONFLICT (search_id, kind, scheduled_time) DO NOTHING`,
		job.ID, job.TenantID, job.SearchID, job.Kind, job.ScheduledTime, job.SequenceKey,
		payload, job.MaxAttempts, job.RunAt)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue %s job: %w", job.Kind, err)
	}
	job.Status = models.JobStatusPending
	return tag.RowsAffected() > 0, nil
}

func (r *jobRepository) Enqueue(ctx context.Context, job *models.Job) (bool, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return false, err
	}
	return insertJob(ctx, scope.Conn, job)
}

func (r *jobRepository) Claim(ctx context.Context, kind models.JobKind, lease time.Duration) (*models.Job, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `
		UPDATE jobs
		SET status = 'running', attempts = attempts + 1,
		    locked_until = now() + make_interval(secs => $2), updated_at = now()
		WHERE id = (
			SELECT j.id FROM jobs j
			WHERE j.kind = $1
			  AND ((j.status = 'pending' AND j.run_at <= now())
			       OR (j.status = 'running' AND j.locked_until < now()))
			  AND NOT EXISTS (
			      SELECT 1 FROM jobs r
			      WHERE r.sequence_key = j.sequence_key AND r.kind = j.kind AND r.id <> j.id
			        AND r.status = 'running' AND r.locked_until >= now())
			  AND NOT EXISTS (
			      SELECT 1 FROM jobs e
			      WHERE e.sequence_key = j.sequence_key AND e.kind = j.kind
			        AND e.status = 'pending' AND e.scheduled_time < j.scheduled_time)
			ORDER BY j.run_at, j.scheduled_time
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		kind, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim %s job: %w", kind, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to claim %s job: %w", kind, err)
		}
		return nil, nil
	}
	return scanJob(rows)
}

func (r *jobRepository) Complete(ctx context.Context, jobID uuid.UUID) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	if _, err := scope.Conn.Exec(ctx, `
		UPDATE jobs SET status = 'done', locked_until = NULL, updated_at = now()
		WHERE id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

func (r *jobRepository) Retry(ctx context.Context, jobID uuid.UUID, runAt time.Time, lastErr string) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	if _, err := scope.Conn.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', run_at = $2, last_error = $3, locked_until = NULL, updated_at = now()
		WHERE id = $1`, jobID, runAt, lastErr); err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return nil
}

func (r *jobRepository) Bury(ctx context.Context, job *models.Job, lastErr string) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = 'dead', last_error = $2, locked_until = NULL, updated_at = now()
		WHERE id = $1`, job.ID, lastErr); err != nil {
		return fmt.Errorf("failed to mark job dead: %w", err)
	}

	payload := job.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO dead_letters (job_id, tenant_id, search_id, kind, scheduled_time, payload, attempts, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.TenantID, job.SearchID, job.Kind, job.ScheduledTime, payload, job.Attempts, lastErr); err != nil {
		return fmt.Errorf("failed to write dead letter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit dead letter: %w", err)
	}
	return nil
}

func (r *jobRepository) ListDeadLetters(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.DeadLetter, int, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, 0, err
	}

	limit, offset = normalizePageParams(limit, offset)

	var total int
	if err := scope.Conn.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters WHERE tenant_id = $1`, tenantID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count dead letters: %w", err)
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT id, job_id, tenant_id, search_id, kind, scheduled_time, payload, attempts, error, created_at
		FROM dead_letters
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*models.DeadLetter
	for rows.Next() {
		d := &models.DeadLetter{}
		if err := rows.Scan(&d.ID, &d.JobID, &d.TenantID, &d.SearchID, &d.Kind, &d.ScheduledTime,
			&d.Payload, &d.Attempts, &d.Error, &d.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		letters = append(letters, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return letters, total, nil
}

func (r *jobRepository) DeleteFinishedBefore(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return 0, err
	}

	tag, err := scope.Conn.Exec(ctx, `
		DELETE FROM jobs WHERE tenant_id = $1 AND status IN ('done', 'dead') AND updated_at < $2`,
		tenantID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished jobs: %w", err)
	}
	deleted := tag.RowsAffected()

	tag, err = scope.Conn.Exec(ctx, `DELETE FROM dead_letters WHERE tenant_id = $1 AND created_at < $2`, tenantID, cutoff)
	if err != nil {
		return deleted, fmt.Errorf("failed to delete dead letters: %w", err)
	}
	return deleted + tag.RowsAffected(), nil
}

func scanJob(rows pgx.Rows) (*models.Job, error) {
	j := &models.Job{}
	err := rows.Scan(
		&j.ID, &j.TenantID, &j.SearchID, &j.Kind, &j.ScheduledTime, &j.SequenceKey, &j.Payload,
		&j.Attempts, &j.MaxAttempts, &j.RunAt, &j.Status, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	return j, nil
}

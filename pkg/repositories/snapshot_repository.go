package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

// SnapshotRepository provides append-only access to execution snapshots.
type SnapshotRepository interface {
	// Create inserts the snapshot unless one already exists for the same
	// (search, scheduled time); in that case it returns false and leaves the
	// existing row untouched.
	Create(ctx context.Context, snapshot *models.ExecutionSnapshot) (bool, error)
	GetByID(ctx context.Context, tenantID, snapshotID uuid.UUID) (*models.ExecutionSnapshot, error)
	// GetPrevious returns the latest usable snapshot scheduled strictly before
	// the given time, or nil on a first run.
	GetPrevious(ctx context.Context, tenantID, searchID uuid.UUID, before time.Time) (*models.ExecutionSnapshot, error)
	// LatestScheduledTime returns the newest scheduled time with a snapshot.
	LatestScheduledTime(ctx context.Context, tenantID, searchID uuid.UUID) (*time.Time, error)
	ListBySearch(ctx context.Context, tenantID, searchID uuid.UUID, limit, offset int) ([]*models.ExecutionSnapshot, int, error)
	CountSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (total int, failed int, err error)
	DeleteOlderThan(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error)
}

type snapshotRepository struct{}

// NewSnapshotRepository creates a SnapshotRepository.
func NewSnapshotRepository() SnapshotRepository {
	return &snapshotRepository{}
}

var _ SnapshotRepository = (*snapshotRepository)(nil)

const snapshotColumns = `
	id, tenant_id, search_id, scheduled_time, executed_at, items, status,
	warnings, error_detail, duration_ms, attempt`

func (r *snapshotRepository) Create(ctx context.Context, s *models.ExecutionSnapshot) (bool, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return false, err
	}

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	items := s.Items
	if items == nil {
		items = []models.ResultItem{}
	}
	warnings := s.Warnings
	if warnings == nil {
		warnings = []string{}
	}

	tag, err := scope.Conn.Exec(ctx, `
		INSERT INTO execution_snapshots (
			id, tenant_id, search_id, scheduled_time, executed_at, items, status,
			warnings, error_detail, duration_ms, attempt
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (search_id, scheduled_time) DO NOTHING`,
		s.ID, s.TenantID, s.SearchID, s.ScheduledTime, s.ExecutedAt, items, s.Status,
		warnings, s.ErrorDetail, s.DurationMs, s.Attempt)
	if err != nil {
		return false, fmt.Errorf("failed to create snapshot: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *snapshotRepository) GetByID(ctx context.Context, tenantID, snapshotID uuid.UUID) (*models.ExecutionSnapshot, error) {
	return r.getOne(ctx, `SELECT `+snapshotColumns+`
		FROM execution_snapshots WHERE tenant_id = $1 AND id = $2`, tenantID, snapshotID)
}

func (r *snapshotRepository) GetPrevious(ctx context.Context, tenantID, searchID uuid.UUID, before time.Time) (*models.ExecutionSnapshot, error) {
	return r.getOne(ctx, `SELECT `+snapshotColumns+`
		FROM execution_snapshots
		WHERE tenant_id = $1 AND search_id = $2 AND scheduled_time < $3
		  AND status IN ('completed', 'completed_with_warnings')
		ORDER BY scheduled_time DESC
		LIMIT 1`, tenantID, searchID, before)
}

func (r *snapshotRepository) getOne(ctx context.Context, query string, args ...any) (*models.ExecutionSnapshot, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get snapshot: %w", err)
		}
		return nil, nil
	}
	return scanSnapshot(rows)
}

func (r *snapshotRepository) LatestScheduledTime(ctx context.Context, tenantID, searchID uuid.UUID) (*time.Time, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	var latest *time.Time
	err = scope.Conn.QueryRow(ctx, `
		SELECT MAX(scheduled_time) FROM execution_snapshots WHERE tenant_id = $1 AND search_id = $2`,
		tenantID, searchID).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot time: %w", err)
	}
	return latest, nil
}

func (r *snapshotRepository) ListBySearch(ctx context.Context, tenantID, searchID uuid.UUID, limit, offset int) ([]*models.ExecutionSnapshot, int, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, 0, err
	}

	limit, offset = normalizePageParams(limit, offset)

	var total int
	if err := scope.Conn.QueryRow(ctx, `
		SELECT COUNT(*) FROM execution_snapshots WHERE tenant_id = $1 AND search_id = $2`,
		tenantID, searchID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count snapshots: %w", err)
	}

	rows, err := scope.Conn.Query(ctx, `SELECT `+snapshotColumns+`
		FROM execution_snapshots
		WHERE tenant_id = $1 AND search_id = $2
		ORDER BY scheduled_time DESC
		LIMIT $3 OFFSET $4`, tenantID, searchID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*models.ExecutionSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, 0, err
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return snapshots, total, nil
}

func (r *snapshotRepository) CountSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, int, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return 0, 0, err
	}

	var total, failed int
	err = scope.Conn.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'failed')
		FROM execution_snapshots
		WHERE tenant_id = $1 AND executed_at >= $2`, tenantID, since).Scan(&total, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return total, failed, nil
}

func (r *snapshotRepository) DeleteOlderThan(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return 0, err
	}

	// Keep the newest snapshot per search so the next delta still has a baseline.
	tag, err := scope.Conn.Exec(ctx, `
		DELETE FROM execution_snapshots s
		WHERE s.tenant_id = $1 AND s.created_at < $2
		  AND s.scheduled_time < (
		      SELECT MAX(l.scheduled_time) FROM execution_snapshots l WHERE l.search_id = s.search_id)`,
		tenantID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSnapshot(rows pgx.Rows) (*models.ExecutionSnapshot, error) {
	s := &models.ExecutionSnapshot{}
	err := rows.Scan(
		&s.ID, &s.TenantID, &s.SearchID, &s.ScheduledTime, &s.ExecutedAt, &s.Items, &s.Status,
		&s.Warnings, &s.ErrorDetail, &s.DurationMs, &s.Attempt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}
	return s, nil
}

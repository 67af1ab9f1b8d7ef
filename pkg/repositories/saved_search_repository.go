package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

// DueCursor is the keyset position for paging through due searches.
type DueCursor struct {
	NextDueAt time.Time
	ID        uuid.UUID
}

// SavedSearchRepository provides data access for saved searches.
type SavedSearchRepository interface {
	Create(ctx context.Context, search *models.SavedSearch) error
	GetByID(ctx context.Context, tenantID, searchID uuid.UUID) (*models.SavedSearch, error)
	List(ctx context.Context, tenantID uuid.UUID, ownerID string, status models.SearchStatus, limit, offset int) ([]*models.SavedSearch, int, error)
	Update(ctx context.Context, search *models.SavedSearch) error
	SetStatus(ctx context.Context, tenantID, searchID uuid.UUID, status models.SearchStatus, nextDueAt *time.Time) error
	Delete(ctx context.Context, tenantID, searchID uuid.UUID) (bool, error)
	CountByStatus(ctx context.Context, tenantID uuid.UUID) (map[models.SearchStatus]int, error)
	IncrementCounter(ctx context.Context, tenantID, searchID uuid.UUID, counter models.SearchCounter) error

	// ListDue returns active searches due at or before now across all tenants,
	// ordered by (next_due_at, id) and starting after the cursor.
	ListDue(ctx context.Context, now time.Time, after *DueCursor, limit int) ([]*models.SavedSearch, error)
	// AdvanceDue moves next_due_at from expectedDue to nextDue and, when job is
	// non-nil, enqueues it in the same transaction. It returns false when
	// another writer already advanced the search.
	AdvanceDue(ctx context.Context, searchID uuid.UUID, expectedDue, nextDue time.Time, job *models.Job) (bool, error)
}

type savedSearchRepository struct{}

// NewSavedSearchRepository creates a SavedSearchRepository.
func NewSavedSearchRepository() SavedSearchRepository {
	return &savedSearchRepository{}
}

var _ SavedSearchRepository = (*savedSearchRepository)(nil)

const savedSearchColumns = `
	id, tenant_id, owner_id, name, query, search_type, data_sources, filters,
	schedule, alert_settings, deep_search, shared_with, status, next_due_at,
	last_scheduled_at, execution_count, alert_count, false_positive_count,
	created_at, updated_at`

func (r *savedSearchRepository) Create(ctx context.Context, s *models.SavedSearch) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.SharedWith == nil {
		s.SharedWith = []string{}
	}

	err = scope.Conn.QueryRow(ctx, `
		INSERT INTO saved_searches (
			id, tenant_id, owner_id, name, query, search_type, data_sources, filters,
			schedule, alert_settings, deep_search, shared_with, status, next_due_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at`,
		s.ID, s.TenantID, s.OwnerID, s.Name, s.Query, s.SearchType, s.DataSources, s.Filters,
		s.Schedule, s.Alert, s.DeepSearch, s.SharedWith, s.Status, s.NextDueAt,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create saved search: %w", err)
	}
	return nil
}

func (r *savedSearchRepository) GetByID(ctx context.Context, tenantID, searchID uuid.UUID) (*models.SavedSearch, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `SELECT `+savedSearchColumns+`
		FROM saved_searches WHERE tenant_id = $1 AND id = $2`, tenantID, searchID)
	if err != nil {
		return nil, fmt.Errorf("failed to get saved search: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get saved search: %w", err)
		}
		return nil, nil
	}
	return scanSavedSearch(rows)
}

func (r *savedSearchRepository) List(ctx context.Context, tenantID uuid.UUID, ownerID string, status models.SearchStatus, limit, offset int) ([]*models.SavedSearch, int, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, 0, err
	}

	limit, offset = normalizePageParams(limit, offset)

	// Owners see their own searches and those shared with them.
	where := `tenant_id = $1 AND ($2 = '' OR owner_id = $2 OR $2 = ANY(shared_with)) AND ($3 = '' OR status = $3)`
	args := []any{tenantID, ownerID, string(status)}

	var total int
	if err := scope.Conn.QueryRow(ctx, `SELECT COUNT(*) FROM saved_searches WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count saved searches: %w", err)
	}

	rows, err := scope.Conn.Query(ctx, `SELECT `+savedSearchColumns+`
		FROM saved_searches WHERE `+where+`
		ORDER BY created_at DESC, id
		LIMIT $4 OFFSET $5`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list saved searches: %w", err)
	}
	defer rows.Close()

	var searches []*models.SavedSearch
	for rows.Next() {
		s, err := scanSavedSearch(rows)
		if err != nil {
			return nil, 0, err
		}
		searches = append(searches, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating saved searches: %w", err)
	}

	return searches, total, nil
}

func (r *savedSearchRepository) Update(ctx context.Context, s *models.SavedSearch) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	if s.SharedWith == nil {
		s.SharedWith = []string{}
	}

	err = scope.Conn.QueryRow(ctx, `
		UPDATE saved_searches
		SET name = $3, query = $4, search_type = $5, data_sources = $6, filters = $7,
		    schedule = $8, alert_settings = $9, deep_search = $10, shared_with = $11,
		    next_due_at = $12, updated_at = now()
		WHERE tenant_id = $1 AND id = $2
		RETURNING updated_at`,
		s.TenantID, s.ID, s.Name, s.Query, s.SearchType, s.DataSources, s.Filters,
		s.Schedule, s.Alert, s.DeepSearch, s.SharedWith, s.NextDueAt,
	).Scan(&s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("saved search %s not found", s.ID)
		}
		return fmt.Errorf("failed to update saved search: %w", err)
	}
	return nil
}

func (r *savedSearchRepository) SetStatus(ctx context.Context, tenantID, searchID uuid.UUID, status models.SearchStatus, nextDueAt *time.Time) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	tag, err := scope.Conn.Exec(ctx, `
		UPDATE saved_searches
		SET status = $3, next_due_at = COALESCE($4, next_due_at), updated_at = now()
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, searchID, status, nextDueAt)
	if err != nil {
		return fmt.Errorf("failed to set saved search status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("saved search %s not found", searchID)
	}
	return nil
}

func (r *savedSearchRepository) Delete(ctx context.Context, tenantID, searchID uuid.UUID) (bool, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return false, err
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	// Pending jobs have no foreign key to the search; clear them explicitly.
	if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE tenant_id = $1 AND search_id = $2 AND status IN ('pending', 'running')`,
		tenantID, searchID); err != nil {
		return false, fmt.Errorf("failed to delete pending jobs: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM saved_searches WHERE tenant_id = $1 AND id = $2`, tenantID, searchID)
	if err != nil {
		return false, fmt.Errorf("failed to delete saved search: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit delete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *savedSearchRepository) CountByStatus(ctx context.Context, tenantID uuid.UUID) (map[models.SearchStatus]int, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT status, COUNT(*) FROM saved_searches WHERE tenant_id = $1 GROUP BY status`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to count saved searches: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.SearchStatus]int)
	for rows.Next() {
		var status models.SearchStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *savedSearchRepository) IncrementCounter(ctx context.Context, tenantID, searchID uuid.UUID, counter models.SearchCounter) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	switch counter {
	case models.CounterExecutions, models.CounterAlerts, models.CounterFalsePositives:
	default:
		return fmt.Errorf("unknown counter %q", counter)
	}

	query := fmt.Sprintf(`UPDATE saved_searches SET %[1]s = %[1]s + 1 WHERE tenant_id = $1 AND id = $2`, counter)
	if _, err := scope.Conn.Exec(ctx, query, tenantID, searchID); err != nil {
		return fmt.Errorf("failed to increment %s: %w", counter, err)
	}
	return nil
}

func (r *savedSearchRepository) ListDue(ctx context.Context, now time.Time, after *DueCursor, limit int) ([]*models.SavedSearch, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 100
	}

	var rows pgx.Rows
	if after == nil {
		rows, err = scope.Conn.Query(ctx, `SELECT `+savedSearchColumns+`
			FROM saved_searches
			WHERE status = 'active' AND next_due_at <= $1
			ORDER BY next_due_at, id
			LIMIT $2`, now, limit)
	} else {
		rows, err = scope.Conn.Query(ctx, `SELECT `+savedSearchColumns+`
			FROM saved_searches
			WHERE status = 'active' AND next_due_at <= $1 AND (next_due_at, id) > ($2, $3)
			ORDER BY next_due_at, id
			LIMIT $4`, now, after.NextDueAt, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list due searches: %w", err)
	}
	defer rows.Close()

	var searches []*models.SavedSearch
	for rows.Next() {
		s, err := scanSavedSearch(rows)
		if err != nil {
			return nil, err
		}
		searches = append(searches, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due searches: %w", err)
	}
	return searches, nil
}

func (r *savedSearchRepository) AdvanceDue(ctx context.Context, searchID uuid.UUID, expectedDue, nextDue time.Time, job *models.Job) (bool, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return false, err
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	tag, err := tx.Exec(ctx, `
		UPDATE saved_searches
		SET next_due_at = $3, last_scheduled_at = $2, updated_at = now()
		WHERE id = $1 AND next_due_at = $2 AND status = 'active'`,
		searchID, expectedDue, nextDue)
	if err != nil {
		return false, fmt.Errorf("failed to advance next due: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if job != nil {
		if _, err := insertJob(ctx, tx, job); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit schedule advance: %w", err)
	}
	return true, nil
}

func scanSavedSearch(rows pgx.Rows) (*models.SavedSearch, error) {
	s := &models.SavedSearch{}
	err := rows.Scan(
		&s.ID, &s.TenantID, &s.OwnerID, &s.Name, &s.Query, &s.SearchType, &s.DataSources, &s.Filters,
		&s.Schedule, &s.Alert, &s.DeepSearch, &s.SharedWith, &s.Status, &s.NextDueAt,
		&s.LastScheduledAt, &s.ExecutionCount, &s.AlertCount, &s.FalsePositiveCount,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan saved search: %w", err)
	}
	return s, nil
}

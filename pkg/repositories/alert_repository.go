package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

// AlertRepository provides data access for alerts and their feedback.
type AlertRepository interface {
	// Create inserts the alert unless one already exists for its snapshot,
	// returning whether a row was written.
	Create(ctx context.Context, alert *models.Alert) (bool, error)
	GetByID(ctx context.Context, tenantID, alertID uuid.UUID) (*models.Alert, error)
	GetByIDs(ctx context.Context, tenantID uuid.UUID, alertIDs []uuid.UUID) ([]*models.Alert, error)
	List(ctx context.Context, tenantID uuid.UUID, filters models.AlertFilters) ([]*models.Alert, int, error)
	MarkRead(ctx context.Context, tenantID, alertID uuid.UUID, read bool) error
	Snooze(ctx context.Context, tenantID, alertID uuid.UUID, until *time.Time) error
	SetFeedback(ctx context.Context, tenantID, alertID uuid.UUID, verdict models.FeedbackVerdict, note *string) error
	CountSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error)
	DeleteOlderThan(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error)

	// UpsertFeedback records a user's verdict and returns the verdict it
	// replaced, FeedbackUnset when this is the user's first verdict.
	UpsertFeedback(ctx context.Context, fb *models.AlertFeedback) (models.FeedbackVerdict, error)
	FeedbackCountsSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (models.FeedbackCounts, error)
}

type alertRepository struct{}

// NewAlertRepository creates an AlertRepository.
func NewAlertRepository() AlertRepository {
	return &alertRepository{}
}

var _ AlertRepository = (*alertRepository)(nil)

const alertColumns = `
	id, tenant_id, search_id, search_type, snapshot_id, previous_snapshot_id,
	confidence, threshold, summary, key_changes, item_keys, read, snoozed_until,
	feedback, feedback_note, created_at`

func (r *alertRepository) Create(ctx context.Context, a *models.Alert) (bool, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return false, err
	}

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Feedback == "" {
		a.Feedback = models.FeedbackUnset
	}
	keyChanges := a.KeyChanges
	if keyChanges == nil {
		keyChanges = []models.KeyChange{}
	}
	itemKeys := a.ItemKeys
	if itemKeys == nil {
		itemKeys = []string{}
	}

	rows, err := scope.Conn.Query(ctx, `
		INSERT INTO alerts (
			id, tenant_id, search_id, search_type, snapshot_id, previous_snapshot_id,
			confidence, threshold, summary, key_changes, item_keys, feedback
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (snapshot_id) DO NOTHING
		RETURNING created_at`,
		a.ID, a.TenantID, a.SearchID, a.SearchType, a.SnapshotID, a.PreviousSnapshotID,
		a.Confidence, a.Threshold, a.Summary, keyChanges, itemKeys, a.Feedback)
	if err != nil {
		return false, fmt.Errorf("failed to create alert: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return false, fmt.Errorf("failed to create alert: %w", err)
		}
		return false, nil
	}
	if err := rows.Scan(&a.CreatedAt); err != nil {
		return false, fmt.Errorf("failed to scan alert timestamp: %w", err)
	}
	return true, nil
}

func (r *alertRepository) GetByID(ctx context.Context, tenantID, alertID uuid.UUID) (*models.Alert, error) {
	alerts, err := r.GetByIDs(ctx, tenantID, []uuid.UUID{alertID})
	if err != nil || len(alerts) == 0 {
		return nil, err
	}
	return alerts[0], nil
}

func (r *alertRepository) GetByIDs(ctx context.Context, tenantID uuid.UUID, alertIDs []uuid.UUID) ([]*models.Alert, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}
	if len(alertIDs) == 0 {
		return nil, nil
	}

	rows, err := scope.Conn.Query(ctx, `SELECT `+alertColumns+`
		FROM alerts WHERE tenant_id = $1 AND id = ANY($2)
		ORDER BY created_at`, tenantID, alertIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get alerts: %w", err)
	}
	defer rows.Close()

	return collectAlerts(rows)
}

func (r *alertRepository) List(ctx context.Context, tenantID uuid.UUID, filters models.AlertFilters) ([]*models.Alert, int, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, 0, err
	}

	limit, offset := normalizePageParams(filters.Limit, filters.Offset)

	conditions := []string{"tenant_id = $1"}
	args := []any{tenantID}
	argIdx := 2

	if filters.SearchID != nil {
		conditions = append(conditions, fmt.Sprintf("search_id = $%d", argIdx))
		args = append(args, *filters.SearchID)
		argIdx++
	}
	if filters.RecipientID != "" {
		conditions = append(conditions, fmt.Sprintf(
			"search_id IN (SELECT id FROM saved_searches WHERE tenant_id = $1 AND (owner_id = $%d OR $%d = ANY(shared_with)))", argIdx, argIdx))
		args = append(args, filters.RecipientID)
		argIdx++
	}
	if filters.UnreadOnly {
		conditions = append(conditions, "read = false")
		conditions = append(conditions, "(snoozed_until IS NULL OR snoozed_until <= now())")
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := scope.Conn.QueryRow(ctx, `SELECT COUNT(*) FROM alerts WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	dataQuery := fmt.Sprintf(`SELECT %s FROM alerts WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, alertColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := scope.Conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	alerts, err := collectAlerts(rows)
	if err != nil {
		return nil, 0, err
	}
	return alerts, total, nil
}

func (r *alertRepository) MarkRead(ctx context.Context, tenantID, alertID uuid.UUID, read bool) error {
	return r.updateOne(ctx, `UPDATE alerts SET read = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, alertID, read)
}

func (r *alertRepository) Snooze(ctx context.Context, tenantID, alertID uuid.UUID, until *time.Time) error {
	return r.updateOne(ctx, `UPDATE alerts SET snoozed_until = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, alertID, until)
}

func (r *alertRepository) SetFeedback(ctx context.Context, tenantID, alertID uuid.UUID, verdict models.FeedbackVerdict, note *string) error {
	return r.updateOne(ctx, `UPDATE alerts SET feedback = $3, feedback_note = $4 WHERE tenant_id = $1 AND id = $2`,
		tenantID, alertID, verdict, note)
}

func (r *alertRepository) updateOne(ctx context.Context, query string, tenantID, alertID uuid.UUID, args ...any) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	tag, err := scope.Conn.Exec(ctx, query, append([]any{tenantID, alertID}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alert %s not found", alertID)
	}
	return nil
}

func (r *alertRepository) CountSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return 0, err
	}

	var n int
	if err := scope.Conn.QueryRow(ctx, `SELECT COUNT(*) FROM alerts WHERE tenant_id = $1 AND created_at >= $2`,
		tenantID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

func (r *alertRepository) DeleteOlderThan(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return 0, err
	}

	tag, err := scope.Conn.Exec(ctx, `DELETE FROM alerts WHERE tenant_id = $1 AND created_at < $2`, tenantID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete alerts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *alertRepository) UpsertFeedback(ctx context.Context, fb *models.AlertFeedback) (models.FeedbackVerdict, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return "", err
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	previous := models.FeedbackUnset
	err = tx.QueryRow(ctx, `
		SELECT verdict FROM alert_feedback WHERE alert_id = $1 AND user_id = $2 FOR UPDATE`,
		fb.AlertID, fb.UserID).Scan(&previous)
	if err != nil && err != pgx.ErrNoRows {
		return "", fmt.Errorf("failed to read previous feedback: %w", err)
	}

	patterns := fb.Patterns
	if patterns == nil {
		patterns = []string{}
	}
	var note *string
	if fb.Note != "" {
		note = &fb.Note
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO alert_feedback (tenant_id, alert_id, search_id, user_id, verdict, note, patterns)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (alert_id, user_id) DO UPDATE
		SET verdict = EXCLUDED.verdict, note = EXCLUDED.note, patterns = EXCLUDED.patterns, created_at = now()
		RETURNING id, created_at`,
		fb.TenantID, fb.AlertID, fb.SearchID, fb.UserID, fb.Verdict, note, patterns,
	).Scan(&fb.ID, &fb.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to record feedback: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit feedback: %w", err)
	}
	return previous, nil
}

func (r *alertRepository) FeedbackCountsSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (models.FeedbackCounts, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return models.FeedbackCounts{}, err
	}

	var counts models.FeedbackCounts
	err = scope.Conn.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE verdict = 'relevant'),
		       COUNT(*) FILTER (WHERE verdict = 'false_positive')
		FROM alert_feedback
		WHERE tenant_id = $1 AND created_at >= $2`, tenantID, since).Scan(&counts.Relevant, &counts.FalsePositive)
	if err != nil {
		return models.FeedbackCounts{}, fmt.Errorf("failed to count feedback: %w", err)
	}
	return counts, nil
}

func collectAlerts(rows pgx.Rows) ([]*models.Alert, error) {
	var alerts []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return alerts, nil
}

func scanAlert(rows pgx.Rows) (*models.Alert, error) {
	a := &models.Alert{}
	err := rows.Scan(
		&a.ID, &a.TenantID, &a.SearchID, &a.SearchType, &a.SnapshotID, &a.PreviousSnapshotID,
		&a.Confidence, &a.Threshold, &a.Summary, &a.KeyChanges, &a.ItemKeys, &a.Read, &a.SnoozedUntil,
		&a.Feedback, &a.FeedbackNote, &a.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}
	return a, nil
}

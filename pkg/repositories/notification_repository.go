package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

// NotificationRepository stores delivery preferences, digest buckets and the
// in-app inbox.
type NotificationRepository interface {
	GetPreference(ctx context.Context, tenantID uuid.UUID, userID string) (*models.NotificationPreference, error)
	UpsertPreference(ctx context.Context, pref *models.NotificationPreference) error
	// ListDueDigests returns digest preferences across tenants whose next
	// digest time has passed. It must run without tenant scope.
	ListDueDigests(ctx context.Context, now time.Time, limit int) ([]*models.NotificationPreference, error)
	// AdvanceDigest moves next_digest_at forward iff it still equals expected.
	AdvanceDigest(ctx context.Context, tenantID uuid.UUID, userID string, expected, next time.Time) (bool, error)

	AddDigestEntry(ctx context.Context, entry *models.DigestEntry) error
	ListDigestEntries(ctx context.Context, tenantID uuid.UUID, userID string) ([]*models.DigestEntry, error)
	DeleteDigestEntries(ctx context.Context, tenantID uuid.UUID, entryIDs []uuid.UUID) error

	CreateInApp(ctx context.Context, n *models.InAppNotification) error
	ListInApp(ctx context.Context, tenantID uuid.UUID, userID string, unreadOnly bool, limit, offset int) ([]*models.InAppNotification, int, error)
}

type notificationRepository struct{}

// NewNotificationRepository creates a NotificationRepository.
func NewNotificationRepository() NotificationRepository {
	return &notificationRepository{}
}

var _ NotificationRepository = (*notificationRepository)(nil)

const preferenceColumns = `tenant_id, user_id, mode, channels, targets, digest_schedule, next_digest_at, updated_at`

func (r *notificationRepository) GetPreference(ctx context.Context, tenantID uuid.UUID, userID string) (*models.NotificationPreference, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `SELECT `+preferenceColumns+`
		FROM notification_preferences WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get notification preference: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get notification preference: %w", err)
		}
		return nil, nil
	}
	return scanPreference(rows)
}

func (r *notificationRepository) UpsertPreference(ctx context.Context, p *models.NotificationPreference) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	targets := p.Targets
	if targets == nil {
		targets = map[models.Channel]string{}
	}

	err = scope.Conn.QueryRow(ctx, `
		INSERT INTO notification_preferences (tenant_id, user_id, mode, channels, targets, digest_schedule, next_digest_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, user_id) DO UPDATE SET
			mode = EXCLUDED.mode,
			channels = EXCLUDED.channels,
			targets = EXCLUDED.targets,
			digest_schedule = EXCLUDED.digest_schedule,
			next_digest_at = EXCLUDED.next_digest_at,
			updated_at = now()
		RETURNING updated_at`,
		p.TenantID, p.UserID, p.Mode, channelStrings(p.Channels), targets, p.DigestSchedule, p.NextDigestAt,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save notification preference: %w", err)
	}
	return nil
}

func (r *notificationRepository) ListDueDigests(ctx context.Context, now time.Time, limit int) ([]*models.NotificationPreference, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 100
	}

	rows, err := scope.Conn.Query(ctx, `SELECT `+preferenceColumns+`
		FROM notification_preferences
		WHERE mode = 'digest' AND next_digest_at <= $1
		ORDER BY next_digest_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due digests: %w", err)
	}
	defer rows.Close()

	var prefs []*models.NotificationPreference
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, err
		}
		prefs = append(prefs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due digests: %w", err)
	}
	return prefs, nil
}

func (r *notificationRepository) AdvanceDigest(ctx context.Context, tenantID uuid.UUID, userID string, expected, next time.Time) (bool, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return false, err
	}

	tag, err := scope.Conn.Exec(ctx, `
		UPDATE notification_preferences SET next_digest_at = $4, updated_at = now()
		WHERE tenant_id = $1 AND user_id = $2 AND next_digest_at = $3`,
		tenantID, userID, expected, next)
	if err != nil {
		return false, fmt.Errorf("failed to advance digest: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *notificationRepository) AddDigestEntry(ctx context.Context, e *models.DigestEntry) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	if _, err := scope.Conn.Exec(ctx, `
		INSERT INTO digest_entries (tenant_id, user_id, alert_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, alert_id) DO NOTHING`,
		e.TenantID, e.UserID, e.AlertID); err != nil {
		return fmt.Errorf("failed to add digest entry: %w", err)
	}
	return nil
}

func (r *notificationRepository) ListDigestEntries(ctx context.Context, tenantID uuid.UUID, userID string) ([]*models.DigestEntry, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT id, tenant_id, user_id, alert_id, created_at
		FROM digest_entries
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY created_at`, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list digest entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.DigestEntry
	for rows.Next() {
		e := &models.DigestEntry{}
		if err := rows.Scan(&e.ID, &e.TenantID, &e.UserID, &e.AlertID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan digest entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *notificationRepository) DeleteDigestEntries(ctx context.Context, tenantID uuid.UUID, entryIDs []uuid.UUID) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}
	if len(entryIDs) == 0 {
		return nil
	}

	if _, err := scope.Conn.Exec(ctx, `DELETE FROM digest_entries WHERE tenant_id = $1 AND id = ANY($2)`,
		tenantID, entryIDs); err != nil {
		return fmt.Errorf("failed to clear digest entries: %w", err)
	}
	return nil
}

func (r *notificationRepository) CreateInApp(ctx context.Context, n *models.InAppNotification) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	alertIDs := n.AlertIDs
	if alertIDs == nil {
		alertIDs = []uuid.UUID{}
	}
	err = scope.Conn.QueryRow(ctx, `
		INSERT INTO in_app_notifications (tenant_id, user_id, alert_ids, title, body)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		n.TenantID, n.UserID, alertIDs, n.Title, n.Body,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create in-app notification: %w", err)
	}
	return nil
}

func (r *notificationRepository) ListInApp(ctx context.Context, tenantID uuid.UUID, userID string, unreadOnly bool, limit, offset int) ([]*models.InAppNotification, int, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, 0, err
	}

	limit, offset = normalizePageParams(limit, offset)
	where := `tenant_id = $1 AND user_id = $2 AND (NOT $3 OR read = false)`

	var total int
	if err := scope.Conn.QueryRow(ctx, `SELECT COUNT(*) FROM in_app_notifications WHERE `+where,
		tenantID, userID, unreadOnly).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count notifications: %w", err)
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT id, tenant_id, user_id, alert_ids, title, body, read, created_at
		FROM in_app_notifications WHERE `+where+`
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`, tenantID, userID, unreadOnly, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.InAppNotification
	for rows.Next() {
		n := &models.InAppNotification{}
		if err := rows.Scan(&n.ID, &n.TenantID, &n.UserID, &n.AlertIDs, &n.Title, &n.Body, &n.Read, &n.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating notifications: %w", err)
	}
	return out, total, nil
}

func channelStrings(channels []models.Channel) []string {
	out := make([]string, len(channels))
	for i, c := range channels {
		out[i] = string(c)
	}
	return out
}

func scanPreference(rows pgx.Rows) (*models.NotificationPreference, error) {
	p := &models.NotificationPreference{}
	var channels []string
	err := rows.Scan(&p.TenantID, &p.UserID, &p.Mode, &channels, &p.Targets, &p.DigestSchedule, &p.NextDigestAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan notification preference: %w", err)
	}
	p.Channels = make([]models.Channel, len(channels))
	for i, c := range channels {
		p.Channels[i] = models.Channel(c)
	}
	return p, nil
}

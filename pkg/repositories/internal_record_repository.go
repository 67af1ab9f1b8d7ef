package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

// InternalRecordRepository is the tenant's own document store queried by the
// internal data source.
type InternalRecordRepository interface {
	Create(ctx context.Context, record *models.InternalRecord) error
	// Search runs a ranked full-text query restricted to the tenant and the
	// optional record types and creation window.
	Search(ctx context.Context, tenantID uuid.UUID, query string, recordTypes []string, since *time.Time, limit int) ([]*models.InternalRecord, []float64, error)
}

type internalRecordRepository struct{}

// NewInternalRecordRepository creates an InternalRecordRepository.
func NewInternalRecordRepository() InternalRecordRepository {
	return &internalRecordRepository{}
}

var _ InternalRecordRepository = (*internalRecordRepository)(nil)

func (r *internalRecordRepository) Create(ctx context.Context, rec *models.InternalRecord) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	err = scope.Conn.QueryRow(ctx, `
		INSERT INTO internal_records (tenant_id, record_type, title, body, url)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		rec.TenantID, rec.RecordType, rec.Title, rec.Body, rec.URL,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create internal record: %w", err)
	}
	return nil
}

func (r *internalRecordRepository) Search(ctx context.Context, tenantID uuid.UUID, query string, recordTypes []string, since *time.Time, limit int) ([]*models.InternalRecord, []float64, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, nil, err
	}

	if strings.TrimSpace(query) == "" {
		return nil, nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	if recordTypes == nil {
		recordTypes = []string{}
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT id, tenant_id, record_type, title, body, url, created_at,
		       ts_rank(search_tsv, q, 32) AS rank
		FROM internal_records, websearch_to_tsquery('english', $2) q
		WHERE tenant_id = $1
		  AND search_tsv @@ q
		  AND (cardinality($3::text[]) = 0 OR record_type = ANY($3))
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		ORDER BY rank DESC, created_at DESC
		LIMIT $5`, tenantID, query, recordTypes, since, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to search internal records: %w", err)
	}
	defer rows.Close()

	var records []*models.InternalRecord
	var ranks []float64
	for rows.Next() {
		rec := &models.InternalRecord{}
		var rank float64
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.RecordType, &rec.Title, &rec.Body, &rec.URL,
			&rec.CreatedAt, &rank); err != nil {
			return nil, nil, fmt.Errorf("failed to scan internal record: %w", err)
		}
		records = append(records, rec)
		ranks = append(ranks, rank)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating internal records: %w", err)
	}
	return records, ranks, nil
}

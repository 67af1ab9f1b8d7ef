package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

// LearningRepository stores feedback aggregates, suppression patterns and
// prompt recommendations. Counter updates are single atomic statements and
// threshold changes are compare-and-set on the signal's version.
type LearningRepository interface {
	// AddCounts atomically adds the deltas to the signal for (type, search),
	// creating it on first use. Counts never drop below zero.
	AddCounts(ctx context.Context, tenantID uuid.UUID, searchType models.SearchType, searchID *uuid.UUID, relevantDelta, falsePositiveDelta int64) error
	GetSignal(ctx context.Context, tenantID uuid.UUID, searchType models.SearchType, searchID *uuid.UUID) (*models.LearningSignal, error)
	ListSignals(ctx context.Context, tenantID uuid.UUID) ([]*models.LearningSignal, error)
	// CompareAndSetThreshold stores the threshold and restarts the counting
	// window iff the signal is still at the expected version.
	CompareAndSetThreshold(ctx context.Context, signal *models.LearningSignal, threshold *float64) (bool, error)

	// RecordPatternHit counts one false-positive citation of pattern and
	// activates it once hit_count reaches minHits.
	RecordPatternHit(ctx context.Context, tenantID uuid.UUID, searchType models.SearchType, pattern string, minHits int, weight float64) (*models.SuppressionPattern, error)
	ListActivePatterns(ctx context.Context, tenantID uuid.UUID, searchType models.SearchType) ([]*models.SuppressionPattern, error)

	CreateRecommendation(ctx context.Context, rec *models.LearningRecommendation) error
	ListRecommendations(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.LearningRecommendation, error)
}

type learningRepository struct{}

// NewLearningRepository creates a LearningRepository.
func NewLearningRepository() LearningRepository {
	return &learningRepository{}
}

var _ LearningRepository = (*learningRepository)(nil)

const signalColumns = `
	tenant_id, search_type, search_id, relevant_count, false_positive_count,
	window_started_at, threshold, version, updated_at`

func (r *learningRepository) AddCounts(ctx context.Context, tenantID uuid.UUID, searchType models.SearchType, searchID *uuid.UUID, relevantDelta, falsePositiveDelta int64) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	_, err = scope.Conn.Exec(ctx, `
		INSERT INTO learning_signals (tenant_id, search_type, search_id, relevant_count, false_positive_count)
		VALUES ($1, $2, $3, GREATEST($4::bigint, 0), GREATEST($5::bigint, 0))
		ON CONFLICT (tenant_id, search_type, COALESCE(search_id, '00000000-0000-0000-0000-000000000000'::uuid))
		DO UPDATE SET
			relevant_count = GREATEST(learning_signals.relevant_count + $4::bigint, 0),
			false_positive_count = GREATEST(learning_signals.false_positive_count + $5::bigint, 0),
			updated_at = now()`,
		tenantID, searchType, searchID, relevantDelta, falsePositiveDelta)
	if err != nil {
		return fmt.Errorf("failed to update learning counts: %w", err)
	}
	return nil
}

func (r *learningRepository) GetSignal(ctx context.Context, tenantID uuid.UUID, searchType models.SearchType, searchID *uuid.UUID) (*models.LearningSignal, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `SELECT `+signalColumns+`
		FROM learning_signals
		WHERE tenant_id = $1 AND search_type = $2 AND search_id IS NOT DISTINCT FROM $3`,
		tenantID, searchType, searchID)
	if err != nil {
		return nil, fmt.Errorf("failed to get learning signal: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get learning signal: %w", err)
		}
		return nil, nil
	}
	return scanSignal(rows)
}

func (r *learningRepository) ListSignals(ctx context.Context, tenantID uuid.UUID) ([]*models.LearningSignal, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `SELECT `+signalColumns+`
		FROM learning_signals
		WHERE tenant_id = $1
		ORDER BY search_type, search_id NULLS FIRST`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list learning signals: %w", err)
	}
	defer rows.Close()

	var signals []*models.LearningSignal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating learning signals: %w", err)
	}
	return signals, nil
}

func (r *learningRepository) CompareAndSetThreshold(ctx context.Context, s *models.LearningSignal, threshold *float64) (bool, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return false, err
	}

	now := time.Now()
	tag, err := scope.Conn.Exec(ctx, `
		UPDATE learning_signals
		SET threshold = $5, relevant_count = 0, false_positive_count = 0,
		    window_started_at = $6, version = version + 1, updated_at = $6
		WHERE tenant_id = $1 AND search_type = $2 AND search_id IS NOT DISTINCT FROM $3 AND version = $4`,
		s.TenantID, s.SearchType, s.SearchID, s.Version, threshold, now)
	if err != nil {
		return false, fmt.Errorf("failed to update learned threshold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	s.Threshold = threshold
	s.RelevantCount = 0
	s.FalsePositiveCount = 0
	s.WindowStartedAt = now
	s.Version++
	return true, nil
}

func (r *learningRepository) RecordPatternHit(ctx context.Context, tenantID uuid.UUID, searchType models.SearchType, pattern string, minHits int, weight float64) (*models.SuppressionPattern, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	p := &models.SuppressionPattern{}
	err = scope.Conn.QueryRow(ctx, `
		INSERT INTO suppression_patterns (tenant_id, search_type, pattern, hit_count, active, weight)
		VALUES ($1, $2, $3, 1, 1 >= $4, $5)
		ON CONFLICT (tenant_id, search_type, pattern) DO UPDATE SET
			hit_count = suppression_patterns.hit_count + 1,
			active = suppression_patterns.active OR suppression_patterns.hit_count + 1 >= $4,
			updated_at = now()
		RETURNING id, tenant_id, search_type, pattern, hit_count, active, weight, created_at, updated_at`,
		tenantID, searchType, pattern, minHits, weight,
	).Scan(&p.ID, &p.TenantID, &p.SearchType, &p.Pattern, &p.HitCount, &p.Active, &p.Weight, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record suppression pattern: %w", err)
	}
	return p, nil
}

func (r *learningRepository) ListActivePatterns(ctx context.Context, tenantID uuid.UUID, searchType models.SearchType) ([]*models.SuppressionPattern, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT id, tenant_id, search_type, pattern, hit_count, active, weight, created_at, updated_at
		FROM suppression_patterns
		WHERE tenant_id = $1 AND search_type = $2 AND active
		ORDER BY hit_count DESC`, tenantID, searchType)
	if err != nil {
		return nil, fmt.Errorf("failed to list suppression patterns: %w", err)
	}
	defer rows.Close()

	var patterns []*models.SuppressionPattern
	for rows.Next() {
		p := &models.SuppressionPattern{}
		if err := rows.Scan(&p.ID, &p.TenantID, &p.SearchType, &p.Pattern, &p.HitCount, &p.Active, &p.Weight,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan suppression pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating suppression patterns: %w", err)
	}
	return patterns, nil
}

func (r *learningRepository) CreateRecommendation(ctx context.Context, rec *models.LearningRecommendation) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	err = scope.Conn.QueryRow(ctx, `
		INSERT INTO learning_recommendations (tenant_id, search_type, recommendation, false_positive_rate)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		rec.TenantID, rec.SearchType, rec.Recommendation, rec.FalsePositiveRate,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create recommendation: %w", err)
	}
	return nil
}

func (r *learningRepository) ListRecommendations(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.LearningRecommendation, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	limit, _ = normalizePageParams(limit, 0)

	rows, err := scope.Conn.Query(ctx, `
		SELECT id, tenant_id, search_type, recommendation, false_positive_rate, created_at
		FROM learning_recommendations
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recommendations: %w", err)
	}
	defer rows.Close()

	var recs []*models.LearningRecommendation
	for rows.Next() {
		rec := &models.LearningRecommendation{}
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.SearchType, &rec.Recommendation,
			&rec.FalsePositiveRate, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan recommendation: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recommendations: %w", err)
	}
	return recs, nil
}

func scanSignal(rows pgx.Rows) (*models.LearningSignal, error) {
	s := &models.LearningSignal{}
	err := rows.Scan(
		&s.TenantID, &s.SearchType, &s.SearchID, &s.RelevantCount, &s.FalsePositiveCount,
		&s.WindowStartedAt, &s.Threshold, &s.Version, &s.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan learning signal: %w", err)
	}
	return s, nil
}

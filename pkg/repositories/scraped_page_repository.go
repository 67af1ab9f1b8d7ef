package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

// ScrapedPageRepository stores deep-fetched page content and chunk embeddings.
type ScrapedPageRepository interface {
	// Save writes the page and its chunks. Saving the same (snapshot, item)
	// twice keeps the first copy and returns false.
	Save(ctx context.Context, page *models.ScrapedPage) (bool, error)
	ListBySnapshot(ctx context.Context, tenantID, snapshotID uuid.UUID) ([]*models.ScrapedPage, error)
	DeleteOlderThan(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error)
}

type scrapedPageRepository struct{}

// NewScrapedPageRepository creates a ScrapedPageRepository.
func NewScrapedPageRepository() ScrapedPageRepository {
	return &scrapedPageRepository{}
}

var _ ScrapedPageRepository = (*scrapedPageRepository)(nil)

func (r *scrapedPageRepository) Save(ctx context.Context, page *models.ScrapedPage) (bool, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return false, err
	}

	if page.ID == uuid.Nil {
		page.ID = uuid.New()
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	tag, err := tx.Exec(ctx, `
		INSERT INTO scraped_pages (
			id, tenant_id, snapshot_id, search_id, item_key, url, text,
			fetch_duration_ms, success, failure_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (snapshot_id, item_key) DO NOTHING`,
		page.ID, page.TenantID, page.SnapshotID, page.SearchID, page.ItemKey, page.URL, page.Text,
		page.FetchDurationMs, page.Success, page.FailureReason)
	if err != nil {
		return false, fmt.Errorf("failed to save scraped page: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if len(page.Chunks) > 0 {
		rows := make([][]any, len(page.Chunks))
		for i, c := range page.Chunks {
			rows[i] = []any{page.ID, page.TenantID, c.Index, c.Text, c.StartOffset, c.TokenCount, c.Embedding}
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"scraped_page_chunks"},
			[]string{"page_id", "tenant_id", "chunk_index", "text", "start_offset", "token_count", "embedding"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return false, fmt.Errorf("failed to save page chunks: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit scraped page: %w", err)
	}
	return true, nil
}

func (r *scrapedPageRepository) ListBySnapshot(ctx context.Context, tenantID, snapshotID uuid.UUID) ([]*models.ScrapedPage, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT id, tenant_id, snapshot_id, search_id, item_key, url, text,
		       fetch_duration_ms, success, failure_reason, created_at
		FROM scraped_pages
		WHERE tenant_id = $1 AND snapshot_id = $2
		ORDER BY created_at, item_key`, tenantID, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scraped pages: %w", err)
	}

	var pages []*models.ScrapedPage
	byID := make(map[uuid.UUID]*models.ScrapedPage)
	for rows.Next() {
		p := &models.ScrapedPage{}
		if err := rows.Scan(&p.ID, &p.TenantID, &p.SnapshotID, &p.SearchID, &p.ItemKey, &p.URL, &p.Text,
			&p.FetchDurationMs, &p.Success, &p.FailureReason, &p.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan scraped page: %w", err)
		}
		pages = append(pages, p)
		byID[p.ID] = p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scraped pages: %w", err)
	}
	if len(pages) == 0 {
		return nil, nil
	}

	chunkRows, err := scope.Conn.Query(ctx, `
		SELECT c.page_id, c.chunk_index, c.text, c.start_offset, c.token_count, c.embedding
		FROM scraped_page_chunks c
		JOIN scraped_pages p ON p.id = c.page_id
		WHERE p.tenant_id = $1 AND p.snapshot_id = $2
		ORDER BY c.page_id, c.chunk_index`, tenantID, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to list page chunks: %w", err)
	}
	defer chunkRows.Close()

	for chunkRows.Next() {
		var pageID uuid.UUID
		var c models.PageChunk
		if err := chunkRows.Scan(&pageID, &c.Index, &c.Text, &c.StartOffset, &c.TokenCount, &c.Embedding); err != nil {
			return nil, fmt.Errorf("failed to scan page chunk: %w", err)
		}
		if p, ok := byID[pageID]; ok {
			p.Chunks = append(p.Chunks, c)
		}
	}
	if err := chunkRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating page chunks: %w", err)
	}

	return pages, nil
}

func (r *scrapedPageRepository) DeleteOlderThan(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return 0, err
	}

	tag, err := scope.Conn.Exec(ctx, `DELETE FROM scraped_pages WHERE tenant_id = $1 AND created_at < $2`, tenantID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete scraped pages: %w", err)
	}
	return tag.RowsAffected(), nil
}

package datasource

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
	"github.com/ekaya-inc/ekaya-insights/pkg/retry"
)

const summaryRunes = 300

// InternalSource searches the tenant's own records through the document store.
// The caller's context must carry a tenant scope.
type InternalSource struct {
	records repositories.InternalRecordRepository
	limit   int
}

// NewInternalSource creates an InternalSource returning at most limit items.
func NewInternalSource(records repositories.InternalRecordRepository, limit int) *InternalSource {
	if limit <= 0 {
		limit = 50
	}
	return &InternalSource{records: records, limit: limit}
}

func (s *InternalSource) Name() models.ResultSource {
	return models.ResultSourceInternal
}

func (s *InternalSource) Search(ctx context.Context, q Query) ([]models.ResultItem, error) {
	limit := s.limit
	if q.MaxResults > 0 && q.MaxResults < limit {
		limit = q.MaxResults
	}

	records, ranks, err := s.records.Search(ctx, q.TenantID, q.Terms(), q.Filters.RecordTypes, q.Since(), limit)
	if err != nil {
		if ctx.Err() != nil {
			return nil, retry.Transient(fmt.Errorf("internal search timed out: %w", err))
		}
		return nil, fmt.Errorf("internal search failed: %w", err)
	}

	items := make([]models.ResultItem, 0, len(records))
	for i, rec := range records {
		item := models.ResultItem{
			ID:        rec.ID.String(),
			Title:     rec.Title,
			Summary:   summarize(rec.Body),
			Relevance: ranks[i],
			Source:    models.ResultSourceInternal,
		}
		if rec.URL != nil {
			item.URL = *rec.URL
		}
		created := rec.CreatedAt
		item.PublishedAt = &created
		items = append(items, item)
	}
	return items, nil
}

// summarize trims body to a sentence-ish prefix for display and comparison.
func summarize(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(body) <= summaryRunes {
		return body
	}
	runes := []rune(body)[:summaryRunes]
	cut := string(runes)
	if i := strings.LastIndexAny(cut, ".!?"); i > summaryRunes/2 {
		return cut[:i+1]
	}
	return strings.TrimSpace(cut) + "…"
}

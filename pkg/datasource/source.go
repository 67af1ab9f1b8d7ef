// Package datasource adapts the stores a saved search can query into a common
// Source interface.
package datasource

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

// Query is one execution's request to a source.
type Query struct {
	TenantID   uuid.UUID
	Text       string
	Filters    models.SearchFilters
	MaxResults int
	// Now anchors relative date filters.
	Now time.Time
}

// Since returns the lower creation bound implied by DateRangeDays, or nil.
func (q Query) Since() *time.Time {
	if q.Filters.DateRangeDays <= 0 {
		return nil
	}
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}
	since := now.AddDate(0, 0, -q.Filters.DateRangeDays)
	return &since
}

// Terms returns the query text extended with the include terms.
func (q Query) Terms() string {
	parts := []string{strings.TrimSpace(q.Text)}
	for _, t := range q.Filters.IncludeTerms {
		if t = strings.TrimSpace(t); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Source returns ranked items for a query. Implementations must honour ctx
// cancellation and mark transient failures retryable.
type Source interface {
	Name() models.ResultSource
	Search(ctx context.Context, q Query) ([]models.ResultItem, error)
}

// Select returns the sources a search's data_sources setting enables, in a
// stable order.
func Select(sources []Source, setting models.DataSources) []Source {
	var out []Source
	for _, s := range sources {
		switch s.Name() {
		case models.ResultSourceInternal:
			if setting.IncludesInternal() {
				out = append(out, s)
			}
		case models.ResultSourceWeb:
			if setting.IncludesWeb() {
				out = append(out, s)
			}
		}
	}
	return out
}

// Merge combines per-source results, dropping items that match exclude terms
// and collapsing duplicates by key. The highest-relevance copy of a duplicate
// wins. Output is ordered by relevance, then key.
func Merge(filters models.SearchFilters, lists ...[]models.ResultItem) []models.ResultItem {
	byKey := make(map[string]models.ResultItem)
	for _, list := range lists {
		for _, item := range list {
			if filters.Excludes(item.Title + " " + item.Summary) {
				continue
			}
			key := item.Key()
			if prev, ok := byKey[key]; ok && prev.Relevance >= item.Relevance {
				continue
			}
			byKey[key] = item
		}
	}

	out := make([]models.ResultItem, 0, len(byKey))
	for _, item := range byKey {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Relevance != out[j].Relevance {
			return out[i].Relevance > out[j].Relevance
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

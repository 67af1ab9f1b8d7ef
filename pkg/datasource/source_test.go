package datasource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/retry"
)

type stubSource struct {
	name models.ResultSource
}

func (s stubSource) Name() models.ResultSource { return s.name }
func (s stubSource) Search(context.Context, Query) ([]models.ResultItem, error) {
	return nil, nil
}

func TestSelect(t *testing.T) {
	all := []Source{stubSource{models.ResultSourceInternal}, stubSource{models.ResultSourceWeb}}

	assert.Len(t, Select(all, models.DataSourcesBoth), 2)

	internal := Select(all, models.DataSourcesInternal)
	require.Len(t, internal, 1)
	assert.Equal(t, models.ResultSourceInternal, internal[0].Name())

	web := Select(all, models.DataSourcesWeb)
	require.Len(t, web, 1)
	assert.Equal(t, models.ResultSourceWeb, web[0].Name())
}

func TestMerge_DedupesByNormalizedURLKeepingHighestRelevance(t *testing.T) {
	internal := []models.ResultItem{
		{ID: "r1", Title: "Acme recall", URL: "https://www.example.com/acme/", Relevance: 0.4, Source: models.ResultSourceInternal},
		{ID: "r2", Title: "Board minutes", Relevance: 0.3, Source: models.ResultSourceInternal},
	}
	web := []models.ResultItem{
		{ID: "w1", Title: "Acme recall (web)", URL: "https://example.com/acme?utm_source=feed", Relevance: 0.9, Source: models.ResultSourceWeb},
		{ID: "w2", Title: "Sponsored: buy widgets", URL: "https://ads.example.com/x", Relevance: 0.95, Source: models.ResultSourceWeb},
	}

	merged := Merge(models.SearchFilters{ExcludeTerms: []string{"sponsored"}}, internal, web)

	require.Len(t, merged, 2)
	assert.Equal(t, "w1", merged[0].ID)
	assert.Equal(t, "r2", merged[1].ID)
}

func TestQuery_TermsAndSince(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	q := Query{
		Text:    " supplier risk ",
		Filters: models.SearchFilters{IncludeTerms: []string{"lawsuit", " "}, DateRangeDays: 7},
		Now:     now,
	}

	assert.Equal(t, "supplier risk lawsuit", q.Terms())
	require.NotNil(t, q.Since())
	assert.True(t, q.Since().Equal(now.AddDate(0, 0, -7)))

	q.Filters.DateRangeDays = 0
	assert.Nil(t, q.Since())
}

func TestWebSource_Search(t *testing.T) {
	published := time.Date(2024, 5, 9, 8, 0, 0, 0, time.UTC)
	var got webSearchRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"title": "Acme recall", "url": "https://example.com/a", "snippet": "Recall announced", "score": 1.7, "published_at": published},
				{"title": "No link"},
			},
		})
	}))
	defer srv.Close()

	src, err := NewWebSource(WebConfig{Endpoint: srv.URL, APIKey: "secret", MaxResults: 10}, zap.NewNop())
	require.NoError(t, err)

	items, err := src.Search(context.Background(), Query{
		TenantID:   uuid.New(),
		Text:       "acme",
		Filters:    models.SearchFilters{Domains: []string{"example.com"}, DateRangeDays: 1},
		MaxResults: 5,
		Now:        published,
	})
	require.NoError(t, err)

	assert.Equal(t, "acme", got.Query)
	assert.Equal(t, 5, got.MaxResults)
	assert.Equal(t, []string{"example.com"}, got.Domains)
	assert.NotEmpty(t, got.Since)

	require.Len(t, items, 1)
	assert.Equal(t, "https://example.com/a", items[0].ID)
	assert.Equal(t, 1.0, items[0].Relevance)
	assert.Equal(t, models.ResultSourceWeb, items[0].Source)
	require.NotNil(t, items[0].PublishedAt)
}

func TestWebSource_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			src, err := NewWebSource(WebConfig{Endpoint: srv.URL}, zap.NewNop())
			require.NoError(t, err)

			_, err = src.Search(context.Background(), Query{Text: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.retryable, retry.IsRetryable(err))
		})
	}
}

func TestWebSource_TimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	src, err := NewWebSource(WebConfig{Endpoint: srv.URL, Timeout: 30 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	_, err = src.Search(context.Background(), Query{Text: "x"})
	require.Error(t, err)
	assert.True(t, retry.IsRetryable(err))
}

func TestNewWebSource_RequiresEndpoint(t *testing.T) {
	_, err := NewWebSource(WebConfig{}, zap.NewNop())
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "short body", summarize("  short\n body "))

	long := strings.Repeat("This sentence is filler text. ", 20)
	s := summarize(long)
	assert.LessOrEqual(t, len([]rune(s)), summaryRunes+1)
	assert.True(t, strings.HasSuffix(s, "."))
}

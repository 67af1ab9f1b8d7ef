package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/retry"
)

// WebConfig configures the web search provider endpoint.
type WebConfig struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	MaxResults int
}

// WebSource queries an external web search provider over a JSON HTTP API.
// Results are never cached: every execution sees the provider's current view.
type WebSource struct {
	client *http.Client
	cfg    WebConfig
	logger *zap.Logger
}

// NewWebSource creates a WebSource. Endpoint is required.
func NewWebSource(cfg WebConfig, logger *zap.Logger) (*WebSource, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("web search endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 20
	}
	return &WebSource{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger.Named("web-source"),
	}, nil
}

func (s *WebSource) Name() models.ResultSource {
	return models.ResultSourceWeb
}

type webSearchRequest struct {
	Query      string   `json:"query"`
	MaxResults int      `json:"max_results"`
	Domains    []string `json:"domains,omitempty"`
	Since      string   `json:"since,omitempty"`
}

type webSearchResponse struct {
	Results []struct {
		ID          string     `json:"id"`
		Title       string     `json:"title"`
		URL         string     `json:"url"`
		Snippet     string     `json:"snippet"`
		Score       float64    `json:"score"`
		PublishedAt *time.Time `json:"published_at"`
	} `json:"results"`
}

func (s *WebSource) Search(ctx context.Context, q Query) ([]models.ResultItem, error) {
	maxResults := s.cfg.MaxResults
	if q.MaxResults > 0 && q.MaxResults < maxResults {
		maxResults = q.MaxResults
	}

	body := webSearchRequest{
		Query:      q.Terms(),
		MaxResults: maxResults,
		Domains:    q.Filters.Domains,
	}
	if since := q.Since(); since != nil {
		body.Since = since.UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode web search request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to build web search request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, retry.Transient(fmt.Errorf("web search request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("web search returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, retry.Transient(err)
		}
		return nil, retry.Permanent(err)
	}

	var decoded webSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to decode web search response: %w", err))
	}

	items := make([]models.ResultItem, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		if r.URL == "" && r.ID == "" {
			continue
		}
		id := r.ID
		if id == "" {
			id = r.URL
		}
		items = append(items, models.ResultItem{
			ID:          id,
			Title:       r.Title,
			URL:         r.URL,
			Summary:     r.Snippet,
			Relevance:   clamp01(r.Score),
			Source:      models.ResultSourceWeb,
			PublishedAt: r.PublishedAt,
		})
	}

	s.logger.Debug("Web search completed",
		zap.Int("results", len(items)),
		zap.Int("status", resp.StatusCode))
	return items, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-insights/pkg/chunk"
	"github.com/ekaya-inc/ekaya-insights/pkg/fetcher"
	"github.com/ekaya-inc/ekaya-insights/pkg/llm"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
	"github.com/ekaya-inc/ekaya-insights/pkg/retry"
	"github.com/ekaya-inc/ekaya-insights/pkg/worker"
)

// PageFetcher downloads one result page.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*fetcher.Result, error)
}

// DeepContentConfig controls page fetching for one snapshot.
type DeepContentConfig struct {
	Concurrency int
	// FetchAttempts bounds retries of a single URL within one job run.
	FetchAttempts int
	ChunkTokens   int
}

type deepContentService struct {
	cfg      DeepContentConfig
	fetcher  PageFetcher
	embedder llm.Embedder
	pageRepo repositories.ScrapedPageRepository
	logger   *zap.Logger
	backoff  *retry.Config
	now      func() time.Time
}

// NewDeepContentService creates the deep_content job handler. embedder may
// be nil, in which case chunks are stored without embeddings.
func NewDeepContentService(cfg DeepContentConfig, f PageFetcher, embedder llm.Embedder, pageRepo repositories.ScrapedPageRepository, logger *zap.Logger) worker.Handler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.FetchAttempts <= 0 {
		cfg.FetchAttempts = 3
	}
	if cfg.ChunkTokens <= 0 {
		cfg.ChunkTokens = 512
	}
	return &deepContentService{
		cfg:      cfg,
		fetcher:  f,
		embedder: embedder,
		pageRepo: pageRepo,
		logger:   logger.Named("deep-content"),
		backoff: &retry.Config{
			MaxRetries:   cfg.FetchAttempts - 1,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			JitterFactor: 0.1,
		},
		now: time.Now,
	}
}

var _ worker.Handler = (*deepContentService)(nil)

func (s *deepContentService) Handle(ctx context.Context, job *models.Job) error {
	var payload models.DeepContentPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return retry.Permanent(fmt.Errorf("failed to decode deep content payload: %w", err))
	}

	logger := s.logger.With(
		zap.String("tenant_id", job.TenantID.String()),
		zap.String("search_id", job.SearchID.String()),
		zap.String("snapshot_id", payload.SnapshotID.String()))

	existing, err := s.pageRepo.ListBySnapshot(ctx, job.TenantID, payload.SnapshotID)
	if err != nil {
		return retry.Transient(fmt.Errorf("failed to list scraped pages: %w", err))
	}
	done := make(map[string]bool, len(existing))
	for _, p := range existing {
		done[p.ItemKey] = true
	}

	var todo []models.ResultItem
	for _, item := range payload.Items {
		if item.URL == "" || done[item.Key()] {
			continue
		}
		todo = append(todo, item)
	}
	if len(todo) == 0 {
		return nil
	}

	pages := make([]*models.ScrapedPage, len(todo))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, item := range todo {
		g.Go(func() error {
			pages[i] = s.fetchPage(gctx, job, payload.SnapshotID, item, logger)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.embedPages(ctx, pages, logger)

	saved, failed := 0, 0
	for _, page := range pages {
		if _, err := s.pageRepo.Save(ctx, page); err != nil {
			return retry.Transient(fmt.Errorf("failed to save scraped page: %w", err))
		}
		if page.Success {
			saved++
		} else {
			failed++
		}
	}

	logger.Info("Deep content fetched",
		zap.Int("pages", saved),
		zap.Int("unusable", failed))
	return nil
}

// fetchPage never fails the job: an unreachable page is recorded with its
// failure reason and detection proceeds without it.
func (s *deepContentService) fetchPage(ctx context.Context, job *models.Job, snapshotID uuid.UUID, item models.ResultItem, logger *zap.Logger) *models.ScrapedPage {
	page := &models.ScrapedPage{
		ID:         uuid.New(),
		TenantID:   job.TenantID,
		SnapshotID: snapshotID,
		SearchID:   job.SearchID,
		ItemKey:    item.Key(),
		URL:        item.URL,
		CreatedAt:  s.now(),
	}

	start := s.now()
	res, err := retry.DoIfRetryableWithResult(ctx, s.backoff, func() (*fetcher.Result, error) {
		return s.fetcher.Fetch(ctx, item.URL)
	})
	page.FetchDurationMs = s.now().Sub(start).Milliseconds()

	if err != nil {
		reason := err.Error()
		page.FailureReason = &reason
		logger.Debug("Page fetch failed", zap.String("url", item.URL), zap.Error(err))
		return page
	}
	if res.Skipped {
		reason := res.Reason
		page.FailureReason = &reason
		logger.Debug("Page skipped", zap.String("url", item.URL), zap.String("reason", res.Reason))
		return page
	}

	page.Text = res.Text
	page.Chunks = chunk.Split(res.Text, s.cfg.ChunkTokens)
	page.Success = true
	return page
}

// embedPages attaches embeddings in one batch. Failure leaves the chunks
// unembedded; they are still usable as prompt excerpts.
func (s *deepContentService) embedPages(ctx context.Context, pages []*models.ScrapedPage, logger *zap.Logger) {
	if s.embedder == nil {
		return
	}

	var inputs []string
	for _, p := range pages {
		for _, c := range p.Chunks {
			inputs = append(inputs, c.Text)
		}
	}
	if len(inputs) == 0 {
		return
	}

	vectors, err := s.embedder.Embed(ctx, inputs)
	if err != nil {
		logger.Warn("Failed to embed page chunks; storing without embeddings", zap.Error(err))
		return
	}
	if len(vectors) != len(inputs) {
		logger.Warn("Embedding count mismatch; storing without embeddings",
			zap.Int("expected", len(inputs)),
			zap.Int("got", len(vectors)))
		return
	}

	i := 0
	for _, p := range pages {
		for j := range p.Chunks {
			p.Chunks[j].Embedding = vectors[i]
			i++
		}
	}
}

// Package worker runs durable jobs from the job table with bounded concurrency.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/database"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/retry"
)

// Handler processes one claimed job. The context carries the job tenant's
// database scope. Returning nil completes the job; retryable errors schedule
// another attempt; anything else dead-letters it.
type Handler interface {
	Handle(ctx context.Context, job *models.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *models.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *models.Job) error {
	return f(ctx, job)
}

// ExhaustedHandler is implemented by handlers that record something before a
// job is dead-lettered, such as a failed snapshot.
type ExhaustedHandler interface {
	OnExhausted(ctx context.Context, job *models.Job, err error)
}

// JobStore is the subset of the job repository the pool needs.
type JobStore interface {
	Claim(ctx context.Context, kind models.JobKind, lease time.Duration) (*models.Job, error)
	Complete(ctx context.Context, jobID uuid.UUID) error
	Retry(ctx context.Context, jobID uuid.UUID, runAt time.Time, lastErr string) error
	Bury(ctx context.Context, job *models.Job, lastErr string) error
}

// Config configures a Pool.
type Config struct {
	Kind         models.JobKind
	Workers      int
	PollInterval time.Duration
	// Lease bounds how long a handler may run before the job can be reclaimed.
	Lease time.Duration
	// MaxAttempts applies to jobs that do not carry their own limit.
	MaxAttempts int
	Backoff     *retry.Config
}

// Pool claims jobs of one kind and runs them on a fixed number of workers.
type Pool struct {
	cfg       Config
	store     JobStore
	handler   Handler
	systemCtx database.SystemContextFunc
	tenantCtx database.TenantContextFunc
	logger    *zap.Logger

	wake chan struct{}
	now  func() time.Time
}

// NewPool creates a Pool. Zero config values take defaults.
func NewPool(cfg Config, store JobStore, handler Handler, systemCtx database.SystemContextFunc, tenantCtx database.TenantContextFunc, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.DefaultConfig()
	}
	return &Pool{
		cfg:       cfg,
		store:     store,
		handler:   handler,
		systemCtx: systemCtx,
		tenantCtx: tenantCtx,
		logger:    logger.Named("worker").With(zap.String("kind", string(cfg.Kind))),
		wake:      make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Notify wakes an idle worker so a freshly enqueued job starts without
// waiting for the next poll.
func (p *Pool) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled and every in-flight job has finished.
// Cancelling ctx stops claiming; running handlers see the cancellation.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("Worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Duration("poll_interval", p.cfg.PollInterval))

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Wait()

	p.logger.Info("Worker pool stopped")
}

func (p *Pool) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("Failed to claim job", zap.Error(err))
			}
		}
		if job != nil {
			p.process(ctx, job)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *Pool) claim(ctx context.Context) (*models.Job, error) {
	sysCtx, cleanup, err := p.systemCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer cleanup()
	return p.store.Claim(sysCtx, p.cfg.Kind, p.cfg.Lease)
}

// RunOnce claims and processes at most one job. It reports whether a job ran.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.claim(ctx)
	if err != nil || job == nil {
		return false, err
	}
	p.process(ctx, job)
	return true, nil
}

func (p *Pool) process(ctx context.Context, job *models.Job) {
	logger := p.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("tenant_id", job.TenantID.String()),
		zap.String("search_id", job.SearchID.String()),
		zap.Int("attempt", job.Attempts))

	start := p.now()
	err := p.handle(ctx, job)
	elapsed := p.now().Sub(start)

	// Bookkeeping must survive shutdown so the job is not left leased.
	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	sysCtx, cleanup, scopeErr := p.systemCtx(bookCtx)
	if scopeErr != nil {
		logger.Error("Failed to acquire connection for job bookkeeping; lease will expire", zap.Error(scopeErr))
		return
	}
	defer cleanup()

	if err == nil {
		if err := p.store.Complete(sysCtx, job.ID); err != nil {
			logger.Error("Failed to complete job", zap.Error(err))
			return
		}
		logger.Debug("Job completed", zap.Duration("elapsed", elapsed))
		return
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxAttempts
	}

	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		if err := p.store.Retry(sysCtx, job.ID, p.now(), "interrupted by shutdown"); err != nil {
			logger.Error("Failed to release interrupted job", zap.Error(err))
		}
		logger.Info("Job interrupted by shutdown; released for another worker")
		return
	}

	if retry.IsRetryable(err) && job.Attempts < maxAttempts {
		runAt := p.now().Add(retry.Backoff(p.cfg.Backoff, job.Attempts))
		if rerr := p.store.Retry(sysCtx, job.ID, runAt, err.Error()); rerr != nil {
			logger.Error("Failed to schedule job retry", zap.Error(rerr))
			return
		}
		logger.Warn("Job failed; retry scheduled",
			zap.Int("max_attempts", maxAttempts),
			zap.Time("run_at", runAt),
			zap.Error(err))
		return
	}

	if eh, ok := p.handler.(ExhaustedHandler); ok {
		p.withTenant(bookCtx, job, func(tctx context.Context) error {
			eh.OnExhausted(tctx, job, err)
			return nil
		})
	}

	if berr := p.store.Bury(sysCtx, job, err.Error()); berr != nil {
		logger.Error("Failed to dead-letter job", zap.Error(berr))
		return
	}
	logger.Error("Job dead-lettered",
		zap.Int("max_attempts", maxAttempts),
		zap.Bool("retryable", retry.IsRetryable(err)),
		zap.Error(err))
}

func (p *Pool) handle(ctx context.Context, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = retry.Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Lease)
	defer cancel()

	return p.withTenant(ctx, job, func(tctx context.Context) error {
		return p.handler.Handle(tctx, job)
	})
}

func (p *Pool) withTenant(ctx context.Context, job *models.Job, fn func(context.Context) error) error {
	tctx, cleanup, err := p.tenantCtx(ctx, job.TenantID)
	if err != nil {
		return retry.Transient(fmt.Errorf("failed to acquire tenant connection: %w", err))
	}
	defer cleanup()
	return fn(tctx)
}

package llm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TenantLimiter holds one token bucket per tenant. Wait blocks until a token
// is available rather than failing, so bursts queue instead of erroring.
type TenantLimiter struct {
	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewTenantLimiter allows perMinute calls per tenant with the given burst.
// A non-positive perMinute disables limiting.
func NewTenantLimiter(perMinute, burst int) *TenantLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	if burst <= 0 {
		burst = 1
	}
	return &TenantLimiter{
		limiters: make(map[uuid.UUID]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (l *TenantLimiter) get(tenantID uuid.UUID) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[tenantID] = lim
	}
	return lim
}

// Wait blocks until tenantID may make another call or ctx ends.
func (l *TenantLimiter) Wait(ctx context.Context, tenantID uuid.UUID) error {
	return l.get(tenantID).Wait(ctx)
}

// GuardedCompleter applies per-tenant rate limiting and a shared circuit
// breaker in front of another Completer.
type GuardedCompleter struct {
	inner   Completer
	limiter *TenantLimiter
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewGuardedCompleter wraps inner. Either limiter or breaker may be nil.
func NewGuardedCompleter(inner Completer, limiter *TenantLimiter, breaker *CircuitBreaker, logger *zap.Logger) *GuardedCompleter {
	return &GuardedCompleter{
		inner:   inner,
		limiter: limiter,
		breaker: breaker,
		logger:  logger.Named("llm-guard"),
	}
}

// Complete waits for the caller's tenant budget, then calls the provider
// unless the breaker is open.
func (g *GuardedCompleter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	if g.limiter != nil {
		if tenantID, ok := TenantFromContext(ctx); ok {
			if err := g.limiter.Wait(ctx, tenantID); err != nil {
				return nil, ClassifyError(err)
			}
		}
	}

	if g.breaker != nil {
		if err := g.breaker.Allow(); err != nil {
			g.logger.Debug("LLM call rejected by circuit breaker", zap.Error(err))
			return nil, err
		}
	}

	result, err := g.inner.Complete(ctx, req)
	if g.breaker != nil {
		switch {
		case err == nil:
			g.breaker.RecordSuccess()
		case countsAgainstProvider(err):
			g.breaker.RecordFailure()
		}
	}
	return result, err
}

// Model returns the wrapped completer's model.
func (g *GuardedCompleter) Model() string {
	return g.inner.Model()
}

// countsAgainstProvider excludes failures the provider is not responsible for.
func countsAgainstProvider(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch GetErrorType(err) {
	case ErrorTypeResponse, ErrorTypeCircuitOpen:
		return false
	}
	return true
}

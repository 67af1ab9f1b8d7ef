package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

// dailyTTL keeps a day's counter around long enough to be read after rollover.
const dailyTTL = 48 * time.Hour

// LimitSource returns the effective settings, including ceilings, for a tenant.
type LimitSource interface {
	Settings(ctx context.Context, tenantID uuid.UUID) (*models.TenantSettings, error)
}

// Ledger applies tenant ceilings to a Store.
type Ledger struct {
	store  Store
	limits LimitSource
	logger *zap.Logger
	now    func() time.Time
}

// NewLedger creates a Ledger over store using limits for ceilings.
func NewLedger(store Store, limits LimitSource, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		limits: limits,
		logger: logger.Named("quota"),
		now:    time.Now,
	}
}

// Key returns the store key for a metric at instant t. Daily metrics roll over
// at UTC midnight.
func Key(tenantID uuid.UUID, metric models.QuotaMetric, t time.Time) string {
	if metric.Daily() {
		return fmt.Sprintf("quota:%s:%s:%s", tenantID, metric, t.UTC().Format("20060102"))
	}
	return fmt.Sprintf("quota:%s:%s", tenantID, metric)
}

func ttlFor(metric models.QuotaMetric) time.Duration {
	if metric.Daily() {
		return dailyTTL
	}
	return 0
}

// Reservation records units taken by TryReserve. Release uses the key the
// units were taken from, so a daily reservation released after midnight
// goes back to the day it was charged to.
type Reservation struct {
	TenantID uuid.UUID
	Metric   models.QuotaMetric
	N        int64
	At       time.Time
}

func (r Reservation) key() string {
	return Key(r.TenantID, r.Metric, r.At)
}

// TryReserve takes n units of metric for the tenant. It returns an error
// wrapping apperrors.ErrQuotaExceeded when the ceiling would be crossed.
func (l *Ledger) TryReserve(ctx context.Context, tenantID uuid.UUID, metric models.QuotaMetric, n int64) (Reservation, error) {
	res := Reservation{TenantID: tenantID, Metric: metric, N: n, At: l.now()}

	settings, err := l.limits.Settings(ctx, tenantID)
	if err != nil {
		return Reservation{}, fmt.Errorf("failed to load quota limits: %w", err)
	}
	limit := settings.Ceiling(metric)

	ok, used, err := l.store.Reserve(ctx, res.key(), n, limit, ttlFor(metric))
	if err != nil {
		return Reservation{}, err
	}
	if !ok {
		l.logger.Info("Quota reservation refused",
			zap.String("tenant_id", tenantID.String()),
			zap.String("metric", string(metric)),
			zap.Int64("used", used),
			zap.Int64("limit", limit))
		return Reservation{}, fmt.Errorf("%s %d/%d: %w", metric, used, limit, apperrors.ErrQuotaExceeded)
	}
	return res, nil
}

// Release returns the units of r. Counters never drop below zero.
func (l *Ledger) Release(ctx context.Context, r Reservation) error {
	if r.N <= 0 {
		return nil
	}
	_, err := l.store.Release(ctx, r.key(), r.N)
	return err
}

// Exhausted reports whether no unit of metric is left today.
func (l *Ledger) Exhausted(ctx context.Context, tenantID uuid.UUID, metric models.QuotaMetric) (bool, error) {
	settings, err := l.limits.Settings(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("failed to load quota limits: %w", err)
	}
	used, err := l.store.Get(ctx, Key(tenantID, metric, l.now()))
	if err != nil {
		return false, err
	}
	return used >= settings.Ceiling(metric), nil
}

// Seed initializes a non-daily counter from the authoritative value, such as
// the number of active searches in the database, when the store has no
// counter for it yet. An existing counter is left alone so reservations that
// are still in flight are not lost. It reports whether the counter was set.
func (l *Ledger) Seed(ctx context.Context, tenantID uuid.UUID, metric models.QuotaMetric, value int64) (bool, error) {
	if metric.Daily() {
		return false, fmt.Errorf("cannot seed daily metric %s", metric)
	}
	return l.store.Seed(ctx, Key(tenantID, metric, l.now()), value, ttlFor(metric))
}

// Usage returns every metric's current count and ceiling.
func (l *Ledger) Usage(ctx context.Context, tenantID uuid.UUID) ([]models.QuotaUsage, error) {
	settings, err := l.limits.Settings(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load quota limits: %w", err)
	}

	now := l.now()
	usage := make([]models.QuotaUsage, 0, len(models.AllQuotaMetrics))
	for _, metric := range models.AllQuotaMetrics {
		used, err := l.store.Get(ctx, Key(tenantID, metric, now))
		if err != nil {
			return nil, err
		}
		usage = append(usage, models.QuotaUsage{Metric: metric, Used: used, Limit: settings.Ceiling(metric)})
	}
	return usage, nil
}

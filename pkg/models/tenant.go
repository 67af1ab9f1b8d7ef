package models

import (
	"time"

	"github.com/google/uuid"
)

// TenantSettings holds per-tenant overrides of system defaults.
type TenantSettings struct {
	TenantID                   uuid.UUID `json:"tenant_id"`
	DefaultConfidenceThreshold float64   `json:"default_confidence_threshold"`
	DigestSchedule             Frequency `json:"digest_schedule"`
	RetentionDays              int       `json:"retention_days"`
	LearningEnabled            bool      `json:"learning_enabled"`
	MaxActiveSearches          int64     `json:"max_active_searches"`
	MaxDailyExecutions         int64     `json:"max_daily_executions"`
	MaxDailyNotifications      int64     `json:"max_daily_notifications"`
	UpdatedAt                  time.Time `json:"updated_at"`
}

// Ceiling returns the configured limit for a quota metric.
func (t *TenantSettings) Ceiling(metric QuotaMetric) int64 {
	switch metric {
	case QuotaActiveSearches:
		return t.MaxActiveSearches
	case QuotaDailyExecutions:
		return t.MaxDailyExecutions
	case QuotaDailyNotifications:
		return t.MaxDailyNotifications
	default:
		return 0
	}
}

// QuotaMetric names a counted resource.
type QuotaMetric string

const (
	QuotaActiveSearches     QuotaMetric = "active_searches"
	QuotaDailyExecutions    QuotaMetric = "daily_executions"
	QuotaDailyNotifications QuotaMetric = "daily_notifications"
)

// AllQuotaMetrics lists every metric tracked by the ledger.
var AllQuotaMetrics = []QuotaMetric{QuotaActiveSearches, QuotaDailyExecutions, QuotaDailyNotifications}

// Daily reports whether the metric rolls over at UTC midnight.
func (m QuotaMetric) Daily() bool {
	return m == QuotaDailyExecutions || m == QuotaDailyNotifications
}

// QuotaUsage is the current count and ceiling of one metric.
type QuotaUsage struct {
	Metric QuotaMetric `json:"metric"`
	Used   int64       `json:"used"`
	Limit  int64       `json:"limit"`
}

// QuotaEvent records work that was skipped or refused for lack of quota.
type QuotaEvent struct {
	ID         uuid.UUID   `json:"id"`
	TenantID   uuid.UUID   `json:"tenant_id"`
	SearchID   *uuid.UUID  `json:"search_id,omitempty"`
	Metric     QuotaMetric `json:"metric"`
	Reason     string      `json:"reason"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// QuotaOverride is a super-admin change to a tenant's ceilings. Nil fields keep
// the current value.
type QuotaOverride struct {
	MaxActiveSearches     *int64 `json:"max_active_searches,omitempty"`
	MaxDailyExecutions    *int64 `json:"max_daily_executions,omitempty"`
	MaxDailyNotifications *int64 `json:"max_daily_notifications,omitempty"`
}

// TenantStats is the tenant-admin dashboard view.
type TenantStats struct {
	ActiveSearches    int          `json:"active_searches"`
	PausedSearches    int          `json:"paused_searches"`
	ExecutionsToday   int          `json:"executions_today"`
	FailedToday       int          `json:"failed_today"`
	AlertsLast7Days   int          `json:"alerts_last_7_days"`
	FeedbackCount     int          `json:"feedback_count"`
	FalsePositiveRate float64      `json:"false_positive_rate"`
	QuotaSkipsToday   int          `json:"quota_skips_today"`
	DeadLetters       int          `json:"dead_letters"`
	Quota             []QuotaUsage `json:"quota"`
}

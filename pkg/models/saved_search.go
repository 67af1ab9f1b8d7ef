// Package models contains domain types for ekaya-insights.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SearchType categorises a saved search. It selects the default analysis
// prompt and scopes learned thresholds and suppression patterns.
type SearchType string

const (
	SearchTypeRiskMonitoring     SearchType = "risk_monitoring"
	SearchTypeCompetitorTracking SearchType = "competitor_tracking"
	SearchTypeMarketNews         SearchType = "market_news"
	SearchTypeOpportunityWatch   SearchType = "opportunity_watch"
	SearchTypeRegulatoryWatch    SearchType = "regulatory_watch"
	SearchTypeCustom             SearchType = "custom"
)

// AllSearchTypes lists every supported search type.
var AllSearchTypes = []SearchType{
	SearchTypeRiskMonitoring,
	SearchTypeCompetitorTracking,
	SearchTypeMarketNews,
	SearchTypeOpportunityWatch,
	SearchTypeRegulatoryWatch,
	SearchTypeCustom,
}

// Valid reports whether t is a known search type.
func (t SearchType) Valid() bool {
	for _, known := range AllSearchTypes {
		if t == known {
			return true
		}
	}
	return false
}

// DataSources selects which sources a search queries.
type DataSources string

const (
	DataSourcesInternal DataSources = "internal"
	DataSourcesWeb      DataSources = "web"
	DataSourcesBoth     DataSources = "both"
)

func (d DataSources) Valid() bool {
	return d == DataSourcesInternal || d == DataSourcesWeb || d == DataSourcesBoth
}

func (d DataSources) IncludesInternal() bool {
	return d == DataSourcesInternal || d == DataSourcesBoth
}

func (d DataSources) IncludesWeb() bool {
	return d == DataSourcesWeb || d == DataSourcesBoth
}

// SearchStatus is the lifecycle state of a saved search.
type SearchStatus string

const (
	SearchStatusActive SearchStatus = "active"
	SearchStatusPaused SearchStatus = "paused"
)

// Sensitivity is a user-facing preset that seeds the confidence threshold.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// Threshold returns the confidence threshold a preset maps to.
// Higher sensitivity means a lower bar for firing.
func (s Sensitivity) Threshold() (float64, bool) {
	switch s {
	case SensitivityLow:
		return 0.85, true
	case SensitivityMedium:
		return 0.70, true
	case SensitivityHigh:
		return 0.55, true
	default:
		return 0, false
	}
}

// SearchFilters narrows what the data sources return.
type SearchFilters struct {
	RecordTypes   []string `json:"record_types,omitempty"`
	DateRangeDays int      `json:"date_range_days,omitempty"`
	IncludeTerms  []string `json:"include_terms,omitempty"`
	ExcludeTerms  []string `json:"exclude_terms,omitempty"`
	Domains       []string `json:"domains,omitempty"`
}

// Excludes reports whether text contains any exclude term (case-insensitive).
func (f SearchFilters) Excludes(text string) bool {
	lower := strings.ToLower(text)
	for _, term := range f.ExcludeTerms {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			return true
		}
	}
	return false
}

// Frequency is the cadence of a schedule.
type Frequency string

const (
	FrequencyHourly    Frequency = "hourly"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
)

// Schedule describes when a search runs. TimeOfDay is "HH:MM" wall-clock time
// in Timezone; hourly schedules use only the minute.
type Schedule struct {
	Frequency  Frequency `json:"frequency"`
	TimeOfDay  string    `json:"time_of_day"`
	Timezone   string    `json:"timezone"`
	DayOfWeek  *int      `json:"day_of_week,omitempty"`  // 0=Sunday
	DayOfMonth *int      `json:"day_of_month,omitempty"` // clamped to month length
	Month      *int      `json:"month,omitempty"`        // yearly and quarterly anchor
}

// AlertSettings controls when an execution produces an alert.
type AlertSettings struct {
	Enabled             bool        `json:"enabled"`
	ConfidenceThreshold float64     `json:"confidence_threshold"`
	MinResultCount      int         `json:"min_result_count"`
	Sensitivity         Sensitivity `json:"sensitivity,omitempty"`
	CustomInstructions  string      `json:"custom_instructions,omitempty"`
}

// DeepSearchSettings controls full-page fetching of top results.
type DeepSearchSettings struct {
	Enabled bool `json:"enabled"`
	TopN    int  `json:"top_n"`
}

const (
	DefaultDeepSearchTopN = 3
	MaxDeepSearchTopN     = 10
)

// SavedSearch is a user-owned recurring query.
type SavedSearch struct {
	ID                 uuid.UUID          `json:"id"`
	TenantID           uuid.UUID          `json:"tenant_id"`
	OwnerID            string             `json:"owner_id"`
	Name               string             `json:"name"`
	Query              string             `json:"query"`
	SearchType         SearchType         `json:"search_type"`
	DataSources        DataSources        `json:"data_sources"`
	Filters            SearchFilters      `json:"filters"`
	Schedule           Schedule           `json:"schedule"`
	Alert              AlertSettings      `json:"alert"`
	DeepSearch         DeepSearchSettings `json:"deep_search"`
	SharedWith         []string           `json:"shared_with"`
	Status             SearchStatus       `json:"status"`
	NextDueAt          *time.Time         `json:"next_due_at,omitempty"`
	LastScheduledAt    *time.Time         `json:"last_scheduled_at,omitempty"`
	ExecutionCount     int64              `json:"execution_count"`
	AlertCount         int64              `json:"alert_count"`
	FalsePositiveCount int64              `json:"false_positive_count"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// IsActive reports whether the search is eligible to run.
func (s *SavedSearch) IsActive() bool {
	return s.Status == SearchStatusActive
}

// Recipients returns the owner followed by each distinct shared viewer.
func (s *SavedSearch) Recipients() []string {
	seen := map[string]bool{s.OwnerID: true}
	recipients := []string{s.OwnerID}
	for _, u := range s.SharedWith {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		recipients = append(recipients, u)
	}
	return recipients
}

// DeepSearchTopN returns the effective number of results to deep-fetch.
func (s *SavedSearch) DeepSearchTopN() int {
	if !s.DeepSearch.Enabled {
		return 0
	}
	n := s.DeepSearch.TopN
	if n <= 0 {
		n = DefaultDeepSearchTopN
	}
	if n > MaxDeepSearchTopN {
		n = MaxDeepSearchTopN
	}
	return n
}

// SearchCounter names a per-search counter column.
type SearchCounter string

const (
	CounterExecutions     SearchCounter = "execution_count"
	CounterAlerts         SearchCounter = "alert_count"
	CounterFalsePositives SearchCounter = "false_positive_count"
)

package models

import (
	"time"

	"github.com/google/uuid"
)

// LearningSignal aggregates feedback for one tenant and search type, or for a
// single search when SearchID is set. Threshold stays nil until refinement
// first adjusts it. Version guards compare-and-set updates.
type LearningSignal struct {
	TenantID           uuid.UUID  `json:"tenant_id"`
	SearchType         SearchType `json:"search_type"`
	SearchID           *uuid.UUID `json:"search_id,omitempty"`
	RelevantCount      int64      `json:"relevant_count"`
	FalsePositiveCount int64      `json:"false_positive_count"`
	WindowStartedAt    time.Time  `json:"window_started_at"`
	Threshold          *float64   `json:"threshold,omitempty"`
	Version            int64      `json:"version"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// FeedbackCounts is the verdict tally over an evaluation window.
type FeedbackCounts struct {
	Relevant      int
	FalsePositive int
}

// Total returns the number of verdicts.
func (c FeedbackCounts) Total() int {
	return c.Relevant + c.FalsePositive
}

// SuppressionPattern is a recurring false-positive pattern. Active patterns
// down-weight matching delta items before analysis.
type SuppressionPattern struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	SearchType SearchType `json:"search_type"`
	Pattern    string     `json:"pattern"`
	HitCount   int        `json:"hit_count"`
	Active     bool       `json:"active"`
	Weight     float64    `json:"weight"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// LearningRecommendation is a suggested prompt change for a search type.
type LearningRecommendation struct {
	ID                uuid.UUID  `json:"id"`
	TenantID          uuid.UUID  `json:"tenant_id"`
	SearchType        SearchType `json:"search_type"`
	Recommendation    string     `json:"recommendation"`
	FalsePositiveRate float64    `json:"false_positive_rate"`
	CreatedAt         time.Time  `json:"created_at"`
}

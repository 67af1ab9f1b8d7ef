package models

import (
	"time"

	"github.com/google/uuid"
)

// FeedbackVerdict is a user's judgement of an alert.
type FeedbackVerdict string

const (
	FeedbackUnset         FeedbackVerdict = "unset"
	FeedbackRelevant      FeedbackVerdict = "relevant"
	FeedbackFalsePositive FeedbackVerdict = "false_positive"
)

// KeyChange is one notable difference the analysis called out.
type KeyChange struct {
	Category string `json:"category"`
	Before   string `json:"before,omitempty"`
	After    string `json:"after,omitempty"`
}

// Alert is produced when a snapshot pair shows a significant change.
// At most one alert exists per current snapshot.
type Alert struct {
	ID                 uuid.UUID       `json:"id"`
	TenantID           uuid.UUID       `json:"tenant_id"`
	SearchID           uuid.UUID       `json:"search_id"`
	SearchType         SearchType      `json:"search_type"`
	SnapshotID         uuid.UUID       `json:"snapshot_id"`
	PreviousSnapshotID uuid.UUID       `json:"previous_snapshot_id"`
	Confidence         float64         `json:"confidence"`
	Threshold          float64         `json:"threshold"`
	Summary            string          `json:"summary"`
	KeyChanges         []KeyChange     `json:"key_changes"`
	ItemKeys           []string        `json:"item_keys"`
	Read               bool            `json:"read"`
	SnoozedUntil       *time.Time      `json:"snoozed_until,omitempty"`
	Feedback           FeedbackVerdict `json:"feedback"`
	FeedbackNote       *string         `json:"feedback_note,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// IsSnoozed reports whether the alert is hidden at now.
func (a *Alert) IsSnoozed(now time.Time) bool {
	return a.SnoozedUntil != nil && a.SnoozedUntil.After(now)
}

// AlertFilters narrows alert listings.
type AlertFilters struct {
	// RecipientID limits results to searches the user owns or was shared.
	RecipientID string
	SearchID    *uuid.UUID
	UnreadOnly  bool
	Limit       int
	Offset      int
}

// AlertFeedback is a single verdict submitted by a user.
type AlertFeedback struct {
	ID        uuid.UUID       `json:"id"`
	TenantID  uuid.UUID       `json:"tenant_id"`
	AlertID   uuid.UUID       `json:"alert_id"`
	SearchID  uuid.UUID       `json:"search_id"`
	UserID    string          `json:"user_id"`
	Verdict   FeedbackVerdict `json:"verdict"`
	Note      string          `json:"note,omitempty"`
	Patterns  []string        `json:"patterns,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

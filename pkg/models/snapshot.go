package models

import (
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResultSource tags which data source produced a result item.
type ResultSource string

const (
	ResultSourceInternal ResultSource = "internal"
	ResultSourceWeb      ResultSource = "web"
)

// ResultItem is one hit returned by a data source.
type ResultItem struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	URL         string       `json:"url,omitempty"`
	Summary     string       `json:"summary"`
	Relevance   float64      `json:"relevance"`
	Source      ResultSource `json:"source"`
	PublishedAt *time.Time   `json:"published_at,omitempty"`
}

// Key identifies the item across executions: the normalized URL when present,
// otherwise the source-qualified identifier.
func (r ResultItem) Key() string {
	if r.URL != "" {
		if n := NormalizeURL(r.URL); n != "" {
			return n
		}
	}
	return string(r.Source) + ":" + r.ID
}

// NormalizeURL lowercases scheme and host, drops fragments, default ports,
// trailing slashes and common tracking parameters. Unparseable input yields "".
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	host = strings.TrimSuffix(host, ":80")
	host = strings.TrimSuffix(host, ":443")
	host = strings.TrimPrefix(host, "www.")
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	for key := range q {
		lk := strings.ToLower(key)
		if strings.HasPrefix(lk, "utm_") || lk == "fbclid" || lk == "gclid" || lk == "ref" {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	u.Path = strings.TrimSuffix(u.Path, "/")

	return u.String()
}

// SnapshotStatus is the outcome of one execution.
type SnapshotStatus string

const (
	SnapshotStatusCompleted             SnapshotStatus = "completed"
	SnapshotStatusCompletedWithWarnings SnapshotStatus = "completed_with_warnings"
	SnapshotStatusFailed                SnapshotStatus = "failed"
)

// ExecutionSnapshot is the immutable record of one execution of a search.
// At most one exists per (SearchID, ScheduledTime).
type ExecutionSnapshot struct {
	ID            uuid.UUID      `json:"id"`
	TenantID      uuid.UUID      `json:"tenant_id"`
	SearchID      uuid.UUID      `json:"search_id"`
	ScheduledTime time.Time      `json:"scheduled_time"`
	ExecutedAt    time.Time      `json:"executed_at"`
	Items         []ResultItem   `json:"items"`
	Status        SnapshotStatus `json:"status"`
	Warnings      []string       `json:"warnings,omitempty"`
	ErrorDetail   *string        `json:"error_detail,omitempty"`
	DurationMs    int64          `json:"duration_ms"`
	Attempt       int            `json:"attempt"`
}

// Usable reports whether the snapshot can take part in change detection.
func (s *ExecutionSnapshot) Usable() bool {
	return s.Status == SnapshotStatusCompleted || s.Status == SnapshotStatusCompletedWithWarnings
}

// TopItems returns up to n items ordered as stored.
func (s *ExecutionSnapshot) TopItems(n int) []ResultItem {
	if n <= 0 {
		return nil
	}
	if n > len(s.Items) {
		n = len(s.Items)
	}
	return s.Items[:n]
}

// PageChunk is a bounded span of extracted page text with its embedding.
type PageChunk struct {
	Index       int       `json:"index"`
	Text        string    `json:"text"`
	StartOffset int       `json:"start_offset"`
	TokenCount  int       `json:"token_count"`
	Embedding   []float32 `json:"-"`
}

// ScrapedPage is the fetched, cleaned and chunked content of one result URL.
type ScrapedPage struct {
	ID              uuid.UUID   `json:"id"`
	TenantID        uuid.UUID   `json:"tenant_id"`
	SnapshotID      uuid.UUID   `json:"snapshot_id"`
	SearchID        uuid.UUID   `json:"search_id"`
	ItemKey         string      `json:"item_key"`
	URL             string      `json:"url"`
	Text            string      `json:"text,omitempty"`
	Chunks          []PageChunk `json:"chunks,omitempty"`
	FetchDurationMs int64       `json:"fetch_duration_ms"`
	Success         bool        `json:"success"`
	FailureReason   *string     `json:"failure_reason,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// InternalRecord is a tenant document searchable by the internal data source.
type InternalRecord struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	RecordType string    `json:"record_type"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	URL        *string   `json:"url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

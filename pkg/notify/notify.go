// Package notify delivers alert messages over the supported channels.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

// AlertSummary is the part of an alert a recipient sees.
type AlertSummary struct {
	AlertID    uuid.UUID `json:"alert_id"`
	SearchID   uuid.UUID `json:"search_id"`
	SearchName string    `json:"search_name"`
	Summary    string    `json:"summary"`
	Confidence float64   `json:"confidence"`
	Link       string    `json:"link,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Message is one delivery to one recipient on one channel. Digest messages
// carry several alerts.
type Message struct {
	TenantID uuid.UUID      `json:"tenant_id"`
	UserID   string         `json:"user_id"`
	Target   string         `json:"-"`
	Subject  string         `json:"subject"`
	Digest   bool           `json:"digest"`
	Alerts   []AlertSummary `json:"alerts"`
}

// AlertIDs returns the ids of every alert in the message.
func (m *Message) AlertIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(m.Alerts))
	for i, a := range m.Alerts {
		ids[i] = a.AlertID
	}
	return ids
}

// Text renders the message as plain text.
func (m *Message) Text() string {
	var sb strings.Builder
	if m.Digest {
		sb.WriteString(fmt.Sprintf("%d new alerts\n\n", len(m.Alerts)))
	}
	for i, a := range m.Alerts {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fmt.Sprintf("%s (confidence %.0f%%)\n", a.SearchName, a.Confidence*100))
		sb.WriteString(a.Summary)
		sb.WriteString("\n")
		if a.Link != "" {
			sb.WriteString(a.Link)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// NewAlertMessage builds the subject for a single alert or a digest.
func NewAlertMessage(tenantID uuid.UUID, userID string, alerts []AlertSummary, digest bool) *Message {
	msg := &Message{TenantID: tenantID, UserID: userID, Alerts: alerts, Digest: digest}
	switch {
	case digest:
		msg.Subject = fmt.Sprintf("Your alert digest: %d new alerts", len(alerts))
	case len(alerts) == 1:
		msg.Subject = fmt.Sprintf("Alert: %s", alerts[0].SearchName)
	default:
		msg.Subject = fmt.Sprintf("%d new alerts", len(alerts))
	}
	return msg
}

// Transport sends a message to a user over one channel.
type Transport interface {
	Channel() models.Channel
	Send(ctx context.Context, userID string, msg *Message) error
}

// Inline is implemented by transports that write through the database
// connection carried by the context. Such transports are sent from the
// caller's goroutine, never alongside other work on that connection.
type Inline interface {
	Inline() bool
}

// IsInline reports whether t must be sent from the caller's goroutine.
func IsInline(t Transport) bool {
	i, ok := t.(Inline)
	return ok && i.Inline()
}

// Registry maps channels to their transports.
type Registry struct {
	transports map[models.Channel]Transport
}

// NewRegistry registers the given transports. Nil interface values are skipped.
func NewRegistry(transports ...Transport) *Registry {
	r := &Registry{transports: make(map[models.Channel]Transport)}
	for _, t := range transports {
		if t != nil {
			r.transports[t.Channel()] = t
		}
	}
	return r
}

// Get returns the transport for channel.
func (r *Registry) Get(channel models.Channel) (Transport, bool) {
	t, ok := r.transports[channel]
	return t, ok
}

// Channels lists the registered channels.
func (r *Registry) Channels() []models.Channel {
	out := make([]models.Channel, 0, len(r.transports))
	for _, c := range []models.Channel{models.ChannelInApp, models.ChannelEmail, models.ChannelWebhook, models.ChannelChat, models.ChannelPush} {
		if _, ok := r.transports[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryMode decides whether alerts go out one by one or batched.
type DeliveryMode string

const (
	DeliveryImmediate DeliveryMode = "immediate"
	DeliveryDigest    DeliveryMode = "digest"
)

// Channel is a notification transport.
type Channel string

const (
	ChannelInApp   Channel = "in_app"
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
	ChannelChat    Channel = "chat"
	ChannelPush    Channel = "push"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelEmail, ChannelWebhook, ChannelChat, ChannelPush:
		return true
	}
	return false
}

// NotificationPreference is a user's delivery configuration within a tenant.
// Targets holds the channel address: email address, webhook URL, chat webhook
// URL or push device token.
type NotificationPreference struct {
	TenantID       uuid.UUID          `json:"tenant_id"`
	UserID         string             `json:"user_id"`
	Mode           DeliveryMode       `json:"mode"`
	Channels       []Channel          `json:"channels"`
	Targets        map[Channel]string `json:"targets"`
	DigestSchedule Schedule           `json:"digest_schedule"`
	NextDigestAt   *time.Time         `json:"next_digest_at,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// DefaultNotificationPreference is used for users who never saved one.
func DefaultNotificationPreference(tenantID uuid.UUID, userID string) *NotificationPreference {
	return &NotificationPreference{
		TenantID: tenantID,
		UserID:   userID,
		Mode:     DeliveryImmediate,
		Channels: []Channel{ChannelInApp},
		Targets:  map[Channel]string{},
		DigestSchedule: Schedule{
			Frequency: FrequencyDaily,
			TimeOfDay: "08:00",
			Timezone:  "UTC",
		},
	}
}

// DigestEntry is an alert waiting in a user's digest bucket.
type DigestEntry struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	AlertID   uuid.UUID `json:"alert_id"`
	CreatedAt time.Time `json:"created_at"`
}

// InAppNotification is an alert delivered to the product inbox.
type InAppNotification struct {
	ID        uuid.UUID   `json:"id"`
	TenantID  uuid.UUID   `json:"tenant_id"`
	UserID    string      `json:"user_id"`
	AlertIDs  []uuid.UUID `json:"alert_ids"`
	Title     string      `json:"title"`
	Body      string      `json:"body"`
	Read      bool        `json:"read"`
	CreatedAt time.Time   `json:"created_at"`
}

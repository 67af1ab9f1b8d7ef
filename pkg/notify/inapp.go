package notify

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

// InAppStore persists in-app notifications.
type InAppStore interface {
	CreateInApp(ctx context.Context, n *models.InAppNotification) error
}

// InAppTransport writes notifications to the in-app inbox. The context must
// carry the tenant's database scope.
type InAppTransport struct {
	store InAppStore
}

func NewInAppTransport(store InAppStore) *InAppTransport {
	return &InAppTransport{store: store}
}

func (t *InAppTransport) Channel() models.Channel { return models.ChannelInApp }

// Inline implements Inline: the inbox row is written on the scoped connection.
func (t *InAppTransport) Inline() bool { return true }

func (t *InAppTransport) Send(ctx context.Context, userID string, msg *Message) error {
	n := &models.InAppNotification{
		TenantID: msg.TenantID,
		UserID:   userID,
		AlertIDs: msg.AlertIDs(),
		Title:    msg.Subject,
		Body:     msg.Text(),
	}
	if err := t.store.CreateInApp(ctx, n); err != nil {
		return fmt.Errorf("failed to store in-app notification: %w", err)
	}
	return nil
}

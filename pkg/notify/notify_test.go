package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/retry"
)

func testMessage(target string) *Message {
	msg := NewAlertMessage(uuid.New(), "user-1", []AlertSummary{{
		AlertID:    uuid.New(),
		SearchName: "Acme watch",
		Summary:    "Acme announced a recall",
		Confidence: 0.82,
		Link:       "https://app.example.com/alerts/1",
	}}, false)
	msg.Target = target
	return msg
}

func TestNewAlertMessage_Subjects(t *testing.T) {
	single := testMessage("")
	assert.Equal(t, "Alert: Acme watch", single.Subject)
	assert.Contains(t, single.Text(), "Acme watch (confidence 82%)")
	assert.Contains(t, single.Text(), "https://app.example.com/alerts/1")

	alerts := append(single.Alerts, AlertSummary{AlertID: uuid.New(), SearchName: "Beta", Summary: "b"})
	digest := NewAlertMessage(uuid.New(), "u", alerts, true)
	assert.Equal(t, "Your alert digest: 2 new alerts", digest.Subject)
	assert.True(t, strings.HasPrefix(digest.Text(), "2 new alerts"))
	assert.Len(t, digest.AlertIDs(), 2)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewWebhookTransport(time.Second), nil, NewChatTransport(time.Second))

	_, ok := r.Get(models.ChannelWebhook)
	assert.True(t, ok)
	_, ok = r.Get(models.ChannelPush)
	assert.False(t, ok)
	assert.Equal(t, []models.Channel{models.ChannelWebhook, models.ChannelChat}, r.Channels())
}

func TestWebhookTransport_Send(t *testing.T) {
	var got map[string]any
	var user string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user = r.Header.Get("X-Ekaya-User")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewWebhookTransport(time.Second).Send(context.Background(), "user-1", testMessage(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "user-1", user)
	assert.Equal(t, "alerts", got["event"])
	assert.Equal(t, "Alert: Acme watch", got["subject"])
	assert.Len(t, got["alerts"], 1)
}

func TestWebhookTransport_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusNotFound, false},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		err := NewWebhookTransport(time.Second).Send(context.Background(), "u", testMessage(srv.URL))
		srv.Close()

		require.Error(t, err, tt.status)
		assert.Equal(t, tt.retryable, retry.IsRetryable(err), tt.status)
	}
}

func TestWebhookTransport_MissingTarget(t *testing.T) {
	err := NewWebhookTransport(time.Second).Send(context.Background(), "u", testMessage(""))
	require.ErrorIs(t, err, ErrNoTarget)
	assert.False(t, retry.IsRetryable(err))
}

func TestWebhookTransport_TimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	err := NewWebhookTransport(20*time.Millisecond).Send(context.Background(), "u", testMessage(srv.URL))
	require.Error(t, err)
	assert.True(t, retry.IsRetryable(err))
}

func TestChatTransport_Send(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	require.NoError(t, NewChatTransport(time.Second).Send(context.Background(), "u", testMessage(srv.URL)))
	assert.True(t, strings.HasPrefix(got["text"], "*Alert: Acme watch*\n"))
	assert.Contains(t, got["text"], "Acme announced a recall")
}

func TestPushTransport_Send(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	transport := NewPushTransport(srv.URL, "secret", time.Second)
	require.NotNil(t, transport)
	require.NoError(t, transport.Send(context.Background(), "user-1", testMessage("device-abc")))

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "device-abc", got["device_token"])
	assert.Equal(t, "Acme announced a recall", got["body"])
}

type fakeInAppStore struct {
	created []*models.InAppNotification
	err     error
}

func (s *fakeInAppStore) CreateInApp(_ context.Context, n *models.InAppNotification) error {
	if s.err != nil {
		return s.err
	}
	s.created = append(s.created, n)
	return nil
}

func TestInAppTransport_Send(t *testing.T) {
	store := &fakeInAppStore{}
	msg := testMessage("")
	require.NoError(t, NewInAppTransport(store).Send(context.Background(), "user-1", msg))

	require.Len(t, store.created, 1)
	n := store.created[0]
	assert.Equal(t, msg.TenantID, n.TenantID)
	assert.Equal(t, "user-1", n.UserID)
	assert.Equal(t, msg.AlertIDs(), n.AlertIDs)
	assert.Equal(t, "Alert: Acme watch", n.Title)

	store.err = errors.New("connection reset")
	assert.Error(t, NewInAppTransport(store).Send(context.Background(), "user-1", msg))
}

func TestEmailTransport(t *testing.T) {
	assert.Nil(t, NewEmailTransport(SMTPConfig{}))

	transport := NewEmailTransport(SMTPConfig{Host: "smtp.example.com", From: "alerts@example.com"})
	require.NotNil(t, transport)
	transport.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }

	raw := string(transport.buildEmail(testMessage("ana@example.com")))
	assert.Contains(t, raw, "From: alerts@example.com\r\n")
	assert.Contains(t, raw, "To: ana@example.com\r\n")
	assert.Contains(t, raw, "Subject: Alert: Acme watch\r\n")
	assert.Contains(t, raw, "Content-Type: text/plain; charset=utf-8\r\n\r\n")
	assert.Contains(t, raw, "Acme announced a recall\r\n")
	assert.NotContains(t, strings.ReplaceAll(raw, "\r\n", ""), "\n")

	err := transport.Send(context.Background(), "u", testMessage("not-an-address"))
	require.Error(t, err)
	assert.False(t, retry.IsRetryable(err))
}

func TestClassifySMTP(t *testing.T) {
	assert.True(t, retry.IsRetryable(classifySMTP("RCPT TO", &textproto.Error{Code: 451, Msg: "try later"})))
	assert.False(t, retry.IsRetryable(classifySMTP("RCPT TO", &textproto.Error{Code: 550, Msg: "no such user"})))
}

package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/database"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/notify"
	"github.com/ekaya-inc/ekaya-insights/pkg/quota"
	"github.com/ekaya-inc/ekaya-insights/pkg/repositories"
	"github.com/ekaya-inc/ekaya-insights/pkg/retry"
	"github.com/ekaya-inc/ekaya-insights/pkg/schedule"
)

// NotificationConfig controls delivery retries and the digest compiler.
type NotificationConfig struct {
	MaxRetries          int
	RetryDelay          time.Duration
	DigestCheckInterval time.Duration
	DigestBatchSize     int
	// AppURL prefixes alert links; empty omits links.
	AppURL string
}

// PreferenceUpdate changes a user's delivery preference. Nil fields keep the
// current value.
type PreferenceUpdate struct {
	Mode           *models.DeliveryMode      `json:"mode,omitempty"`
	Channels       []models.Channel          `json:"channels,omitempty"`
	Targets        map[models.Channel]string `json:"targets,omitempty"`
	DigestSchedule *models.Schedule          `json:"digest_schedule,omitempty"`
}

// DigestResult summarises one digest compiler pass.
type DigestResult struct {
	Due       int
	Sent      int
	Empty     int
	Contended int
	Failed    int
}

// NotificationService delivers alerts to their recipients and manages
// delivery preferences.
type NotificationService interface {
	AlertDispatcher
	// CompileDigests sends every digest whose time has come.
	CompileDigests(ctx context.Context) (*DigestResult, error)
	GetPreference(ctx context.Context, tenantID uuid.UUID, userID string) (*models.NotificationPreference, error)
	UpdatePreference(ctx context.Context, tenantID uuid.UUID, userID string, update *PreferenceUpdate) (*models.NotificationPreference, error)
	ListInbox(ctx context.Context, tenantID uuid.UUID, userID string, unreadOnly bool, limit, offset int) ([]*models.InAppNotification, int, error)
	// Run compiles digests on the configured interval until ctx is cancelled.
	Run(ctx context.Context)
}

type notificationService struct {
	cfg        NotificationConfig
	repo       repositories.NotificationRepository
	alertRepo  repositories.AlertRepository
	searchRepo repositories.SavedSearchRepository
	tenantRepo repositories.TenantRepository
	settings   quota.LimitSource
	quota      QuotaReserver
	transports *notify.Registry
	systemCtx  database.SystemContextFunc
	tenantCtx  database.TenantContextFunc
	backoff    *retry.Config
	logger     *zap.Logger
	now        func() time.Time
}

func NewNotificationService(
	cfg NotificationConfig,
	repo repositories.NotificationRepository,
	alertRepo repositories.AlertRepository,
	searchRepo repositories.SavedSearchRepository,
	tenantRepo repositories.TenantRepository,
	settings quota.LimitSource,
	reserver QuotaReserver,
	transports *notify.Registry,
	systemCtx database.SystemContextFunc,
	tenantCtx database.TenantContextFunc,
	logger *zap.Logger,
) NotificationService {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DigestCheckInterval <= 0 {
		cfg.DigestCheckInterval = 5 * time.Minute
	}
	if cfg.DigestBatchSize <= 0 {
		cfg.DigestBatchSize = 200
	}
	cfg.AppURL = strings.TrimRight(cfg.AppURL, "/")

	return &notificationService{
		cfg:        cfg,
		repo:       repo,
		alertRepo:  alertRepo,
		searchRepo: searchRepo,
		tenantRepo: tenantRepo,
		settings:   settings,
		quota:      reserver,
		transports: transports,
		systemCtx:  systemCtx,
		tenantCtx:  tenantCtx,
		backoff: &retry.Config{
			MaxRetries:   cfg.MaxRetries,
			InitialDelay: cfg.RetryDelay,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			JitterFactor: 0.1,
		},
		logger: logger.Named("notifications"),
		now:    time.Now,
	}
}

var _ NotificationService = (*notificationService)(nil)

// Dispatch delivers a newly fired alert to every recipient of the search.
// Failures for one recipient or channel do not stop the others; the joined
// error reports all of them.
func (s *notificationService) Dispatch(ctx context.Context, search *models.SavedSearch, alert *models.Alert) error {
	summary := s.summarize(search, alert)
	var errs []error

	for _, userID := range search.Recipients() {
		pref, err := s.GetPreference(ctx, search.TenantID, userID)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
			continue
		}

		if pref.Mode == models.DeliveryDigest {
			entry := &models.DigestEntry{
				TenantID:  search.TenantID,
				UserID:    userID,
				AlertID:   alert.ID,
				CreatedAt: s.now(),
			}
			if err := s.repo.AddDigestEntry(ctx, entry); err != nil {
				errs = append(errs, fmt.Errorf("user %s: failed to queue digest entry: %w", userID, err))
			}
			continue
		}

		msg := notify.NewAlertMessage(search.TenantID, userID, []notify.AlertSummary{summary}, false)
		if _, err := s.deliver(ctx, pref, msg, &search.ID); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *notificationService) summarize(search *models.SavedSearch, alert *models.Alert) notify.AlertSummary {
	summary := notify.AlertSummary{
		AlertID:    alert.ID,
		SearchID:   search.ID,
		SearchName: search.Name,
		Summary:    alert.Summary,
		Confidence: alert.Confidence,
		CreatedAt:  alert.CreatedAt,
	}
	if s.cfg.AppURL != "" {
		summary.Link = s.cfg.AppURL + "/alerts/" + alert.ID.String()
	}
	return summary
}

// channelSend is one channel's share of a delivery.
type channelSend struct {
	channel     models.Channel
	transport   notify.Transport
	reservation quota.Reservation
	err         error
}

// deliver sends msg on each of the preference's channels and returns how
// many channels succeeded. Every attempted delivery consumes one
// daily-notification unit, returned if the channel ultimately fails.
//
// ctx carries a single tenant-scoped connection, so quota reservations,
// quota events and inbox writes run on this goroutine. Only transports that
// never touch the database are sent in parallel.
func (s *notificationService) deliver(ctx context.Context, pref *models.NotificationPreference, msg *notify.Message, searchID *uuid.UUID) (int, error) {
	logger := s.logger.With(
		zap.String("tenant_id", pref.TenantID.String()),
		zap.String("user_id", pref.UserID),
		zap.Bool("digest", msg.Digest))

	var sends []*channelSend
	for _, ch := range pref.Channels {
		transport, ok := s.transports.Get(ch)
		if !ok {
			logger.Warn("Channel not enabled; skipping", zap.String("channel", string(ch)))
			continue
		}
		reservation, err := s.quota.TryReserve(ctx, pref.TenantID, models.QuotaDailyNotifications, 1)
		if err != nil {
			if errors.Is(err, apperrors.ErrQuotaExceeded) {
				s.recordQuotaEvent(ctx, pref.TenantID, searchID, fmt.Sprintf("%s notification to %s skipped", ch, pref.UserID))
			}
			sends = append(sends, &channelSend{channel: ch, err: err})
			continue
		}
		sends = append(sends, &channelSend{channel: ch, transport: transport, reservation: reservation})
	}

	send := func(ctx context.Context, cs *channelSend) {
		m := *msg
		m.Target = pref.Targets[cs.channel]
		cs.err = retry.DoIfRetryable(ctx, s.backoff, func() error {
			return cs.transport.Send(ctx, pref.UserID, &m)
		})
		if cs.err != nil {
			cs.err = fmt.Errorf("delivery failed: %w", cs.err)
		}
	}

	var g errgroup.Group
	for _, cs := range sends {
		if cs.transport == nil || notify.IsInline(cs.transport) {
			continue
		}
		g.Go(func() error {
			send(ctx, cs)
			return nil
		})
	}
	for _, cs := range sends {
		if cs.transport != nil && notify.IsInline(cs.transport) {
			send(ctx, cs)
		}
	}
	_ = g.Wait()

	var errs []error
	sent := 0
	for _, cs := range sends {
		if cs.err == nil {
			sent++
			continue
		}
		if cs.transport != nil {
			s.releaseNotification(ctx, cs.reservation)
			logger.Warn("Notification delivery failed",
				zap.String("channel", string(cs.channel)),
				zap.Error(cs.err))
		}
		errs = append(errs, fmt.Errorf("%s: %w", cs.channel, cs.err))
	}

	if sent > 0 {
		logger.Debug("Notification delivered",
			zap.Int("channels", sent),
			zap.Int("alerts", len(msg.Alerts)))
	}
	return sent, errors.Join(errs...)
}

func (s *notificationService) releaseNotification(ctx context.Context, reservation quota.Reservation) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.quota.Release(ctx, reservation); err != nil {
		s.logger.Warn("Failed to release notification quota",
			zap.String("tenant_id", reservation.TenantID.String()),
			zap.Error(err))
	}
}

func (s *notificationService) recordQuotaEvent(ctx context.Context, tenantID uuid.UUID, searchID *uuid.UUID, reason string) {
	event := &models.QuotaEvent{
		TenantID:   tenantID,
		SearchID:   searchID,
		Metric:     models.QuotaDailyNotifications,
		Reason:     reason,
		OccurredAt: s.now(),
	}
	if err := s.tenantRepo.RecordQuotaEvent(ctx, event); err != nil {
		s.logger.Error("Failed to record quota event",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
	}
}

func (s *notificationService) Run(ctx context.Context) {
	s.logger.Info("Digest compiler started", zap.Duration("interval", s.cfg.DigestCheckInterval))

	ticker := time.NewTicker(s.cfg.DigestCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Digest compiler stopped")
			return
		case <-ticker.C:
			res, err := s.CompileDigests(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("Digest compilation failed", zap.Error(err))
				}
				continue
			}
			if res.Due > 0 {
				s.logger.Info("Digests compiled",
					zap.Int("due", res.Due),
					zap.Int("sent", res.Sent),
					zap.Int("empty", res.Empty),
					zap.Int("contended", res.Contended),
					zap.Int("failed", res.Failed))
			}
		}
	}
}

func (s *notificationService) CompileDigests(ctx context.Context) (*DigestResult, error) {
	now := s.now()
	var due []*models.NotificationPreference
	err := runInSystem(ctx, s.systemCtx, func(ctx context.Context) error {
		var err error
		due, err = s.repo.ListDueDigests(ctx, now, s.cfg.DigestBatchSize)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list due digests: %w", err)
	}

	res := &DigestResult{Due: len(due)}
	for _, pref := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		err := runInTenant(ctx, s.tenantCtx, pref.TenantID, func(ctx context.Context) error {
			return s.compileDigest(ctx, pref, now, res)
		})
		if err != nil {
			res.Failed++
			s.logger.Error("Failed to compile digest",
				zap.String("tenant_id", pref.TenantID.String()),
				zap.String("user_id", pref.UserID),
				zap.Error(err))
		}
	}
	return res, nil
}

func (s *notificationService) compileDigest(ctx context.Context, pref *models.NotificationPreference, now time.Time, res *DigestResult) error {
	if pref.NextDigestAt == nil {
		return nil
	}
	expected := *pref.NextDigestAt
	next, err := schedule.Following(pref.DigestSchedule, expected, now)
	if err != nil {
		s.logger.Warn("Invalid digest schedule; retrying in a day",
			zap.String("tenant_id", pref.TenantID.String()),
			zap.String("user_id", pref.UserID),
			zap.Error(err))
		next = now.Add(24 * time.Hour)
	}

	// Claim this digest slot so only one replica sends it.
	ok, err := s.repo.AdvanceDigest(ctx, pref.TenantID, pref.UserID, expected, next)
	if err != nil {
		return fmt.Errorf("failed to advance digest: %w", err)
	}
	if !ok {
		res.Contended++
		return nil
	}
	pref.NextDigestAt = &next

	sent, err := s.flushDigest(ctx, pref)
	switch {
	case err != nil && !sent:
		return err
	case !sent:
		res.Empty++
	default:
		res.Sent++
	}
	return nil
}

// flushDigest sends everything in the user's digest bucket as one message
// per channel. Entries are cleared once at least one channel delivered; if
// every channel failed they stay for the next digest.
func (s *notificationService) flushDigest(ctx context.Context, pref *models.NotificationPreference) (bool, error) {
	entries, err := s.repo.ListDigestEntries(ctx, pref.TenantID, pref.UserID)
	if err != nil {
		return false, fmt.Errorf("failed to list digest entries: %w", err)
	}
	if len(entries) == 0 {
		return false, nil
	}

	entryIDs := make([]uuid.UUID, len(entries))
	alertIDs := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		entryIDs[i] = e.ID
		alertIDs[i] = e.AlertID
	}

	summaries, err := s.digestSummaries(ctx, pref, alertIDs)
	if err != nil {
		return false, err
	}
	if len(summaries) == 0 {
		// Every alert was pruned or access was revoked.
		return false, s.repo.DeleteDigestEntries(ctx, pref.TenantID, entryIDs)
	}

	msg := notify.NewAlertMessage(pref.TenantID, pref.UserID, summaries, true)
	sent, deliverErr := s.deliver(ctx, pref, msg, nil)
	if sent == 0 {
		if deliverErr == nil {
			deliverErr = errors.New("no enabled channel for digest")
		}
		return false, deliverErr
	}

	if err := s.repo.DeleteDigestEntries(ctx, pref.TenantID, entryIDs); err != nil {
		return true, fmt.Errorf("failed to clear digest entries: %w", err)
	}
	return true, nil
}

func (s *notificationService) digestSummaries(ctx context.Context, pref *models.NotificationPreference, alertIDs []uuid.UUID) ([]notify.AlertSummary, error) {
	alerts, err := s.alertRepo.GetByIDs(ctx, pref.TenantID, alertIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load digest alerts: %w", err)
	}

	searches := make(map[uuid.UUID]*models.SavedSearch)
	var out []notify.AlertSummary
	for _, a := range alerts {
		search, ok := searches[a.SearchID]
		if !ok {
			search, err = s.searchRepo.GetByID(ctx, pref.TenantID, a.SearchID)
			if err != nil {
				return nil, fmt.Errorf("failed to load search: %w", err)
			}
			searches[a.SearchID] = search
		}
		if search == nil || !slices.Contains(search.Recipients(), pref.UserID) {
			continue
		}
		out = append(out, s.summarize(search, a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *notificationService) GetPreference(ctx context.Context, tenantID uuid.UUID, userID string) (*models.NotificationPreference, error) {
	pref, err := s.repo.GetPreference(ctx, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load notification preference: %w", err)
	}
	if pref != nil {
		return pref, nil
	}

	pref = models.DefaultNotificationPreference(tenantID, userID)
	settings, err := s.settings.Settings(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if settings.DigestSchedule != "" {
		pref.DigestSchedule.Frequency = settings.DigestSchedule
	}
	if pref.DigestSchedule.Frequency == models.FrequencyWeekly {
		monday := 1
		pref.DigestSchedule.DayOfWeek = &monday
	}
	return pref, nil
}

func (s *notificationService) UpdatePreference(ctx context.Context, tenantID uuid.UUID, userID string, update *PreferenceUpdate) (*models.NotificationPreference, error) {
	if update == nil {
		return nil, fmt.Errorf("%w: preference update is required", apperrors.ErrInvalidInput)
	}
	pref, err := s.GetPreference(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	previous := *pref

	if update.Mode != nil {
		pref.Mode = *update.Mode
	}
	if update.Channels != nil {
		pref.Channels = update.Channels
	}
	if update.Targets != nil {
		pref.Targets = update.Targets
	}
	if update.DigestSchedule != nil {
		pref.DigestSchedule = *update.DigestSchedule
	}
	if err := s.validatePreference(pref); err != nil {
		return nil, err
	}

	now := s.now()
	if pref.Mode == models.DeliveryDigest {
		if pref.NextDigestAt == nil || update.DigestSchedule != nil {
			next, err := schedule.NextDue(pref.DigestSchedule, now)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
			}
			pref.NextDigestAt = &next
		}
	} else {
		pref.NextDigestAt = nil
	}
	pref.UpdatedAt = now

	if err := s.repo.UpsertPreference(ctx, pref); err != nil {
		return nil, fmt.Errorf("failed to save notification preference: %w", err)
	}

	// Leaving digest mode sends whatever was waiting so it is not stranded.
	if previous.Mode == models.DeliveryDigest && pref.Mode != models.DeliveryDigest {
		if _, err := s.flushDigest(ctx, pref); err != nil {
			s.logger.Warn("Failed to flush pending digest",
				zap.String("tenant_id", tenantID.String()),
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}

	s.logger.Info("Notification preference updated",
		zap.String("tenant_id", tenantID.String()),
		zap.String("user_id", userID),
		zap.String("mode", string(pref.Mode)))
	return pref, nil
}

func (s *notificationService) validatePreference(pref *models.NotificationPreference) error {
	switch pref.Mode {
	case models.DeliveryImmediate, models.DeliveryDigest:
	default:
		return fmt.Errorf("%w: mode must be immediate or digest", apperrors.ErrInvalidInput)
	}
	if len(pref.Channels) == 0 {
		return fmt.Errorf("%w: at least one channel is required", apperrors.ErrInvalidInput)
	}

	seen := make(map[models.Channel]bool)
	for _, ch := range pref.Channels {
		if !ch.Valid() {
			return fmt.Errorf("%w: unknown channel %q", apperrors.ErrInvalidInput, ch)
		}
		if seen[ch] {
			return fmt.Errorf("%w: duplicate channel %q", apperrors.ErrInvalidInput, ch)
		}
		seen[ch] = true
		if _, ok := s.transports.Get(ch); !ok {
			return fmt.Errorf("%w: channel %q is not enabled", apperrors.ErrInvalidInput, ch)
		}
		if err := validateTarget(ch, pref.Targets[ch]); err != nil {
			return err
		}
	}

	if pref.Mode == models.DeliveryDigest {
		if err := schedule.Validate(pref.DigestSchedule); err != nil {
			return fmt.Errorf("%w: digest schedule: %v", apperrors.ErrInvalidInput, err)
		}
	}
	return nil
}

func validateTarget(ch models.Channel, target string) error {
	switch ch {
	case models.ChannelInApp:
		return nil
	case models.ChannelEmail:
		if _, err := mail.ParseAddress(target); err != nil {
			return fmt.Errorf("%w: invalid email address for email channel", apperrors.ErrInvalidInput)
		}
	case models.ChannelWebhook, models.ChannelChat:
		u, err := url.Parse(target)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return fmt.Errorf("%w: %s channel needs an http(s) URL", apperrors.ErrInvalidInput, ch)
		}
	case models.ChannelPush:
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("%w: push channel needs a device token", apperrors.ErrInvalidInput)
		}
	}
	return nil
}

func (s *notificationService) ListInbox(ctx context.Context, tenantID uuid.UUID, userID string, unreadOnly bool, limit, offset int) ([]*models.InAppNotification, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	items, total, err := s.repo.ListInApp(ctx, tenantID, userID, unreadOnly, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list inbox: %w", err)
	}
	return items, total, nil
}

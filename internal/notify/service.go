// Package notify delivers alert, recovery, report and remediation notices to
// configured channels with bounded retry.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-autopilot/internal/metrics"
	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/store"
	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

// DefaultMaxAttempts bounds deliveries per channel (first try plus retries).
const DefaultMaxAttempts = 4

// DefaultRetryDelays are waited between attempts; the last value repeats.
var DefaultRetryDelays = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

// Transport delivers one notification over one channel.
type Transport interface {
	Deliver(ctx context.Context, channel models.NotificationChannel, n models.Notification) error
}

// Option customises a Service.
type Option func(*Service)

// WithRetry overrides the attempt bound and delay schedule.
func WithRetry(maxAttempts int, delays []time.Duration) Option {
	return func(s *Service) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		if len(delays) > 0 {
			s.delays = delays
		}
	}
}

// WithSleep replaces the wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleep = sleep }
}

// WithTransport registers or replaces the transport for a channel type.
func WithTransport(kind models.ChannelType, t Transport) Option {
	return func(s *Service) { s.transports[kind] = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service owns notification channels and fans notices out to them.
type Service struct {
	mu       sync.RWMutex
	channels map[string]models.NotificationChannel

	store       *store.Store
	transports  map[models.ChannelType]Transport
	push        *WebPushTransport
	maxAttempts int
	delays      []time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
	now         func() time.Time
}

// NewService loads persisted channels and wires the default transports.
func NewService(st *store.Store, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	push := NewWebPushTransport(st)
	s := &Service{
		channels: make(map[string]models.NotificationChannel),
		store:    st,
		transports: map[models.ChannelType]Transport{
			models.ChannelWebhook: NewWebhookTransport(nil),
			models.ChannelEmail:   NewEmailTransport(nil),
			models.ChannelWebPush: push,
		},
		push:        push,
		maxAttempts: DefaultMaxAttempts,
		delays:      DefaultRetryDelays,
		sleep:       sleepContext,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	channels, err := store.LoadDocuments[models.NotificationChannel](st, store.CollectionChannels)
	if err != nil {
		return nil, fmt.Errorf("load notification channels: %w", err)
	}
	for _, ch := range channels {
		s.channels[ch.ID] = ch
	}
	return s, nil
}

// CreateChannel validates and stores a new channel; an empty id is generated.
func (s *Service) CreateChannel(_ context.Context, ch models.NotificationChannel) (models.NotificationChannel, error) {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if err := models.Validate("notify.create_channel", ch); err != nil {
		return models.NotificationChannel{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.channels[ch.ID]; exists {
		return models.NotificationChannel{}, utils.NewAppError("notify.create_channel", fmt.Sprintf("channel %q", ch.ID), utils.ErrConflict)
	}
	if err := s.store.PutDocument(store.CollectionChannels, ch.ID, ch); err != nil {
		return models.NotificationChannel{}, fmt.Errorf("persist channel: %w", err)
	}
	s.channels[ch.ID] = ch
	return ch, nil
}

// UpdateChannel replaces an existing channel.
func (s *Service) UpdateChannel(_ context.Context, ch models.NotificationChannel) (models.NotificationChannel, error) {
	if err := models.Validate("notify.update_channel", ch); err != nil {
		return models.NotificationChannel{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.channels[ch.ID]; !exists {
		return models.NotificationChannel{}, utils.NotFound("notify.update_channel", "channel", ch.ID)
	}
	if err := s.store.PutDocument(store.CollectionChannels, ch.ID, ch); err != nil {
		return models.NotificationChannel{}, fmt.Errorf("persist channel: %w", err)
	}
	s.channels[ch.ID] = ch
	return ch, nil
}

// DeleteChannel removes a channel.
func (s *Service) DeleteChannel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.channels[id]; !exists {
		return utils.NotFound("notify.delete_channel", "channel", id)
	}
	if err := s.store.DeleteDocument(store.CollectionChannels, id); err != nil && !utils.IsNotFound(err) {
		return fmt.Errorf("delete channel: %w", err)
	}
	delete(s.channels, id)
	return nil
}

// GetChannel returns a channel by id.
func (s *Service) GetChannel(id string) (models.NotificationChannel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	if !ok {
		return models.NotificationChannel{}, utils.NotFound("notify.get_channel", "channel", id)
	}
	return ch, nil
}

// ListChannels returns all channels ordered by name.
func (s *Service) ListChannels() []models.NotificationChannel {
	s.mu.RLock()
	out := make([]models.NotificationChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Send delivers req to every listed channel that is enabled and accepts its
// severity. Channels are served concurrently; the returned notifications carry
// each channel's terminal status. Delivery failures are recorded, not returned.
// Unknown channel ids yield a not-found error alongside the notifications that
// were delivered.
func (s *Service) Send(ctx context.Context, channelIDs []string, req models.NotificationRequest) ([]models.Notification, error) {
	if err := models.Validate("notify.send", req); err != nil {
		return nil, err
	}

	targets, missing := s.resolveTargets(channelIDs, req.Severity)
	results := make([]models.Notification, len(targets))

	var g errgroup.Group
	g.SetLimit(8)
	for i, ch := range targets {
		g.Go(func() error {
			results[i] = s.deliver(ctx, ch, req)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	if len(missing) > 0 {
		return results, utils.NotFound("notify.send", "channel", strings.Join(missing, ","))
	}
	return results, nil
}

// SendAll delivers req to every enabled channel.
func (s *Service) SendAll(ctx context.Context, req models.NotificationRequest) ([]models.Notification, error) {
	channels := s.ListChannels()
	ids := make([]string, 0, len(channels))
	for _, ch := range channels {
		ids = append(ids, ch.ID)
	}
	return s.Send(ctx, ids, req)
}

func (s *Service) resolveTargets(channelIDs []string, severity models.Severity) ([]models.NotificationChannel, []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{}, len(channelIDs))
	targets := make([]models.NotificationChannel, 0, len(channelIDs))
	var missing []string
	for _, id := range channelIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		ch, ok := s.channels[id]
		switch {
		case !ok:
			missing = append(missing, id)
		case !ch.Enabled:
			s.logger.Debug("notification channel disabled", slog.String("channel_id", id))
		case !ch.Accepts(severity):
			s.logger.Debug("notification filtered by severity",
				slog.String("channel_id", id), slog.String("severity", string(severity)))
		default:
			targets = append(targets, ch)
		}
	}
	return targets, missing
}

func (s *Service) deliver(ctx context.Context, ch models.NotificationChannel, req models.NotificationRequest) models.Notification {
	n := models.Notification{
		ID:        uuid.NewString(),
		ChannelID: ch.ID,
		Type:      req.Type,
		Title:     req.Title,
		Body:      req.Body,
		Severity:  req.Severity,
		Data:      req.Data,
		Status:    models.NotificationPending,
		CreatedAt: s.now().UTC(),
	}
	s.persist(n)

	transport, ok := s.transports[ch.Type]
	if !ok {
		n.Status = models.NotificationFailed
		n.Error = fmt.Sprintf("no transport for channel type %q", ch.Type)
		s.persist(n)
		return n
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err := transport.Deliver(ctx, ch, n)
		if err == nil {
			metrics.ObserveNotificationAttempt(string(ch.Type), metrics.OutcomeSuccess)
			sent := s.now().UTC()
			n.Status = models.NotificationSent
			n.SentAt = &sent
			n.Error = ""
			break
		}
		metrics.ObserveNotificationAttempt(string(ch.Type), metrics.OutcomeError)
		n.Error = err.Error()
		s.logger.Warn("notification attempt failed",
			slog.String("channel_id", ch.ID),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))

		if attempt == s.maxAttempts-1 {
			break
		}
		if err := s.sleep(ctx, s.delay(attempt)); err != nil {
			n.Error = fmt.Sprintf("%s (retry aborted: %v)", n.Error, err)
			break
		}
		n.RetryCount++
	}
	if n.Status != models.NotificationSent {
		n.Status = models.NotificationFailed
	}
	s.persist(n)
	return n
}

func (s *Service) delay(attempt int) time.Duration {
	if attempt < len(s.delays) {
		return s.delays[attempt]
	}
	return s.delays[len(s.delays)-1]
}

func (s *Service) persist(n models.Notification) {
	if err := s.store.PutRecord(store.LogNotifications, n.CreatedAt, n.ID, n); err != nil {
		s.logger.Error("persist notification failed", slog.String("notification_id", n.ID), slog.Any("error", err))
	}
}

// History returns delivered and failed notifications in [from, to], newest first.
func (s *Service) History(_ context.Context, from, to time.Time, limit int) ([]models.Notification, error) {
	records, err := store.LoadRecords[models.Notification](s.store, store.LogNotifications, from, to)
	if err != nil {
		return nil, fmt.Errorf("load notifications: %w", err)
	}
	out := records[:0]
	for _, n := range records {
		if !from.IsZero() && n.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && n.CreatedAt.After(to) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PullPush drains up to limit queued web-push messages for a channel.
func (s *Service) PullPush(ctx context.Context, channelID string, limit int) ([]PushMessage, error) {
	if _, err := s.GetChannel(channelID); err != nil {
		return nil, err
	}
	return s.push.Pull(ctx, channelID, limit)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

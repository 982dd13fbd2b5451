// Package ingest feeds metric samples published on NATS into the alert engine.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/miradorstack/mirador-autopilot/internal/models"
)

const (
	DefaultSubject = "metrics.samples"
	DefaultQueue   = "autopilot"
)

// Evaluator consumes samples.
type Evaluator interface {
	Evaluate(ctx context.Context, sample models.MetricSample) ([]models.AlertEvent, error)
}

// Config describes the NATS connection.
type Config struct {
	URL           string
	Subject       string
	Queue         string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

func (c *Config) applyDefaults() {
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.Name == "" {
		c.Name = "mirador-autopilot"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
}

// Subscriber decodes samples from a queue subscription and evaluates them.
// A message carries one sample object or an array of samples.
type Subscriber struct {
	cfg       Config
	evaluator Evaluator
	logger    *slog.Logger

	mu       sync.Mutex
	nc       *nats.Conn
	sub      *nats.Subscription
	received int64
	rejected int64
}

// NewSubscriber prepares a subscriber; Start connects.
func NewSubscriber(cfg Config, evaluator Evaluator, logger *slog.Logger) *Subscriber {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{cfg: cfg, evaluator: evaluator, logger: logger}
}

// Start connects and subscribes. Messages are evaluated on ctx until Stop.
func (s *Subscriber) Start(ctx context.Context) error {
	if s.cfg.URL == "" {
		return errors.New("nats url is required")
	}
	opts := []nats.Option{
		nats.Name(s.cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(s.cfg.MaxReconnects),
		nats.ReconnectWait(s.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("nats disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			s.logger.Error("nats error", slog.Any("error", err))
		}),
	}
	nc, err := nats.Connect(s.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	sub, err := nc.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, func(msg *nats.Msg) {
		if err := s.HandleMessage(ctx, msg.Data); err != nil {
			s.logger.Warn("metric sample rejected", slog.String("subject", msg.Subject), slog.Any("error", err))
		}
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe %s: %w", s.cfg.Subject, err)
	}

	s.mu.Lock()
	s.nc, s.sub = nc, sub
	s.mu.Unlock()
	s.logger.Info("metric feed subscribed", slog.String("subject", s.cfg.Subject), slog.String("queue", s.cfg.Queue))
	return nil
}

// HandleMessage decodes and evaluates one message payload.
func (s *Subscriber) HandleMessage(ctx context.Context, data []byte) error {
	samples, err := decodeSamples(data)
	s.mu.Lock()
	s.received++
	if err != nil {
		s.rejected++
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	var errs []error
	for _, sample := range samples {
		if sample.Metric == "" {
			errs = append(errs, errors.New("sample without metric"))
			continue
		}
		if _, err := s.evaluator.Evaluate(ctx, sample); err != nil {
			errs = append(errs, fmt.Errorf("evaluate %s: %w", sample.Metric, err))
		}
	}
	return errors.Join(errs...)
}

func decodeSamples(data []byte) ([]models.MetricSample, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, errors.New("empty message")
	}
	if strings.HasPrefix(trimmed, "[") {
		var samples []models.MetricSample
		if err := json.Unmarshal([]byte(trimmed), &samples); err != nil {
			return nil, fmt.Errorf("decode samples: %w", err)
		}
		return samples, nil
	}
	var sample models.MetricSample
	if err := json.Unmarshal([]byte(trimmed), &sample); err != nil {
		return nil, fmt.Errorf("decode sample: %w", err)
	}
	return []models.MetricSample{sample}, nil
}

// Stats returns received and rejected message counts.
func (s *Subscriber) Stats() (received, rejected int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received, s.rejected
}

// Stop drains the subscription and closes the connection.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	nc, sub := s.nc, s.sub
	s.nc, s.sub = nil, nil
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("nats unsubscribe failed", slog.Any("error", err))
		}
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}
	received, rejected := s.Stats()
	s.logger.Info("metric feed stopped", slog.Int64("received", received), slog.Int64("rejected", rejected))
}

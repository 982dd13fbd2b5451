// Package audit keeps the append-only, day-sharded record of every automated action.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-autopilot/internal/metrics"
	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/store"
	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

// DefaultRetentionDays applies when Cleanup is called with a non-positive value.
const DefaultRetentionDays = 180

// ShardStore is the subset of the store the audit log needs.
type ShardStore interface {
	PutRecord(name string, day time.Time, id string, v any) error
	Shards(name string) ([]string, error)
	ScanShard(name, shard string, fn func(data []byte) error) error
	DeleteShard(name, shard string) (int, error)
}

// Logger writes and queries audit records.
type Logger struct {
	store  ShardStore
	logger *slog.Logger
	now    func() time.Time
}

// Option customises a Logger.
type Option func(*Logger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger constructs an audit logger over the given store.
func NewLogger(st ShardStore, logger *slog.Logger, opts ...Option) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{store: st, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log assigns an id (and a timestamp when absent) and appends the entry to its UTC-day shard.
func (l *Logger) Log(_ context.Context, entry models.AuditLog) (models.AuditLog, error) {
	if entry.Action == "" {
		return models.AuditLog{}, utils.Invalid("audit.log", "action is required")
	}
	entry.ID = uuid.NewString()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	if entry.Actor == "" {
		entry.Actor = models.ActorSystem
	}
	if err := l.store.PutRecord(store.LogAudit, entry.Timestamp, auditKey(entry), entry); err != nil {
		return models.AuditLog{}, fmt.Errorf("append audit record: %w", err)
	}
	return entry, nil
}

// Record is Log for callers that only want failures logged, never returned.
func (l *Logger) Record(ctx context.Context, action string, actor models.Actor, details models.AuditDetails) {
	if l == nil {
		return
	}
	if _, err := l.Log(ctx, models.AuditLog{Action: action, Actor: actor, Details: details}); err != nil {
		l.logger.Warn("audit write failed", slog.String("action", action), slog.Any("error", err))
	}
}

// Query returns matching records, newest first, truncated to q.Limit when positive.
func (l *Logger) Query(_ context.Context, q models.AuditQuery) ([]models.AuditLog, error) {
	shards, err := l.store.Shards(store.LogAudit)
	if err != nil {
		return nil, fmt.Errorf("list audit shards: %w", err)
	}

	var out []models.AuditLog
	for _, shard := range store.ShardsBetween(shards, q.From, q.To) {
		err := l.store.ScanShard(store.LogAudit, shard, func(data []byte) error {
			var entry models.AuditLog
			if err := json.Unmarshal(data, &entry); err != nil {
				return err
			}
			if matches(entry, q) {
				out = append(out, entry)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan audit shard %s: %w", shard, err)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Cleanup drops whole shards strictly older than the retention cutoff day and
// returns the number of records removed.
func (l *Logger) Cleanup(_ context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := utils.DayKey(l.now().AddDate(0, 0, -retentionDays))

	shards, err := l.store.Shards(store.LogAudit)
	if err != nil {
		return 0, fmt.Errorf("list audit shards: %w", err)
	}
	removed := 0
	for _, shard := range shards {
		if shard >= cutoff {
			break
		}
		n, err := l.store.DeleteShard(store.LogAudit, shard)
		if err != nil {
			return removed, fmt.Errorf("delete audit shard %s: %w", shard, err)
		}
		removed += n
	}
	if removed > 0 {
		metrics.ObserveAuditRemoved(removed)
		l.logger.Info("audit retention applied", slog.Int("removed", removed), slog.String("cutoff", cutoff))
	}
	return removed, nil
}

func matches(entry models.AuditLog, q models.AuditQuery) bool {
	if !q.From.IsZero() && entry.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && entry.Timestamp.After(q.To) {
		return false
	}
	if q.Action != "" && entry.Action != q.Action {
		return false
	}
	if q.Actor != "" && entry.Actor != q.Actor {
		return false
	}
	return true
}

// auditKey orders records inside a shard by time.
func auditKey(entry models.AuditLog) string {
	return fmt.Sprintf("%020d-%s", entry.Timestamp.UnixNano(), entry.ID)
}

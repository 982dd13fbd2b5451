// Package cache memoises analysis responses by alert fingerprint.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/miradorstack/mirador-autopilot/internal/metrics"
	"github.com/miradorstack/mirador-autopilot/internal/models"
)

const (
	DefaultCapacity = 256
	DefaultTTL      = 30 * time.Minute
)

// Config tunes an AnalysisCache.
type Config struct {
	Capacity int
	TTL      time.Duration
	// L2 is consulted on local misses and written through on Set. Nil disables it.
	L2     Provider
	Logger *slog.Logger
	Now    func() time.Time
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
}

// AnalysisCache is a bounded TTL cache with LRU eviction.
type AnalysisCache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, *models.CachedAnalysis]
	capacity int
	ttl      time.Duration
	hits     uint64
	misses   uint64
	l2       Provider
	logger   *slog.Logger
	now      func() time.Time
}

// NewAnalysisCache builds a cache, applying defaults to zero values.
func NewAnalysisCache(cfg Config) (*AnalysisCache, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	lru, err := simplelru.NewLRU[string, *models.CachedAnalysis](cfg.Capacity, nil)
	if err != nil {
		return nil, err
	}
	return &AnalysisCache{
		lru:      lru,
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		l2:       cfg.L2,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// Fingerprint derives a stable cache key from its parts.
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// Get returns a live entry, counting a hit on it. Expired entries are removed
// and reported as misses.
func (c *AnalysisCache) Get(ctx context.Context, fingerprint string) (string, bool) {
	now := c.now()

	c.mu.Lock()
	if entry, ok := c.lru.Get(fingerprint); ok {
		if !entry.Expired(now) {
			entry.Hits++
			c.hits++
			analysis := entry.Analysis
			c.mu.Unlock()
			metrics.ObserveCacheLookup(true)
			return analysis, true
		}
		c.lru.Remove(fingerprint)
	}
	c.mu.Unlock()

	if entry, ok := c.fetchL2(ctx, fingerprint, now); ok {
		c.mu.Lock()
		entry.Hits++
		c.hits++
		c.insertLocked(entry, now)
		c.mu.Unlock()
		metrics.ObserveCacheLookup(true)
		return entry.Analysis, true
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	metrics.ObserveCacheLookup(false)
	return "", false
}

// Set stores an analysis under fingerprint for ttl. A non-positive ttl means
// the configured default.
func (c *AnalysisCache) Set(ctx context.Context, fingerprint, analysis string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	entry := &models.CachedAnalysis{
		Fingerprint: fingerprint,
		Analysis:    analysis,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	shared := *entry

	c.mu.Lock()
	c.insertLocked(entry, now)
	c.mu.Unlock()

	c.storeL2(ctx, &shared, ttl)
}

// insertLocked makes room by dropping an expired entry before letting the LRU
// evict its least recently used one.
func (c *AnalysisCache) insertLocked(entry *models.CachedAnalysis, now time.Time) {
	if !c.lru.Contains(entry.Fingerprint) && c.lru.Len() >= c.capacity {
		for _, key := range c.lru.Keys() {
			if old, ok := c.lru.Peek(key); ok && old.Expired(now) {
				c.lru.Remove(key)
				break
			}
		}
	}
	c.lru.Add(entry.Fingerprint, entry)
}

// Cleanup purges every expired entry and returns how many were removed.
func (c *AnalysisCache) Cleanup() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.lru.Keys() {
		if entry, ok := c.lru.Peek(key); ok && entry.Expired(now) {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Stats reports size, capacity and lookup counters.
func (c *AnalysisCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Size: c.lru.Len(), Capacity: c.capacity, Hits: c.hits, Misses: c.misses}
}

func (c *AnalysisCache) fetchL2(ctx context.Context, fingerprint string, now time.Time) (*models.CachedAnalysis, bool) {
	if c.l2 == nil {
		return nil, false
	}
	raw, err := c.l2.Get(ctx, fingerprint)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("analysis cache l2 get failed", slog.Any("error", err))
		}
		return nil, false
	}
	var entry models.CachedAnalysis
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("analysis cache l2 entry undecodable", slog.Any("error", err))
		return nil, false
	}
	if entry.Fingerprint != fingerprint || entry.Expired(now) {
		return nil, false
	}
	return &entry, true
}

func (c *AnalysisCache) storeL2(ctx context.Context, entry *models.CachedAnalysis, ttl time.Duration) {
	if c.l2 == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.l2.Set(ctx, entry.Fingerprint, raw, ttl); err != nil {
		c.logger.Warn("analysis cache l2 set failed", slog.Any("error", err))
	}
}

package analysis

import (
	"context"
	"time"
)

// Cache is the memo store used by Memoizer. A non-positive ttl selects the
// cache's default.
type Cache interface {
	Get(ctx context.Context, fingerprint string) (string, bool)
	Set(ctx context.Context, fingerprint, analysis string, ttl time.Duration)
}

// MemoOption customises a Memoizer.
type MemoOption func(*Memoizer)

// WithTTL sets how long memoised answers live. Zero keeps the cache default.
func WithTTL(ttl time.Duration) MemoOption {
	return func(m *Memoizer) { m.ttl = ttl }
}

// Memoizer answers repeated prompts for the same fingerprint from Cache.
type Memoizer struct {
	analyzer Analyzer
	cache    Cache
	ttl      time.Duration
}

// NewMemoizer wraps analyzer. A nil cache disables memoisation.
func NewMemoizer(analyzer Analyzer, cache Cache, opts ...MemoOption) *Memoizer {
	if analyzer == nil {
		analyzer = Unavailable{}
	}
	m := &Memoizer{analyzer: analyzer, cache: cache}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Available mirrors the wrapped analyzer.
func (m *Memoizer) Available() bool { return IsAvailable(m.analyzer) }

// Analyze returns the cached response for fingerprint or asks the analyzer
// and caches a successful answer.
func (m *Memoizer) Analyze(ctx context.Context, fingerprint, system, user string) (string, error) {
	if m.cache != nil && fingerprint != "" {
		if cached, ok := m.cache.Get(ctx, fingerprint); ok {
			return cached, nil
		}
	}
	out, err := m.analyzer.Analyze(ctx, system, user)
	if err != nil {
		return "", err
	}
	if m.cache != nil && fingerprint != "" && out != "" {
		m.cache.Set(ctx, fingerprint, out, m.ttl)
	}
	return out, nil
}

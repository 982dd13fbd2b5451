package models

import "time"

// CachedAnalysis is a memoised analysis response keyed by alert fingerprint.
type CachedAnalysis struct {
	Fingerprint string    `json:"fingerprint"`
	Analysis    string    `json:"analysis"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Hits        int       `json:"hits"`
}

// Expired reports whether the entry is stale at now.
func (c CachedAnalysis) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

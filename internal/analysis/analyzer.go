// Package analysis wraps the optional model-backed reasoning capability.
// Every caller has a deterministic fallback, so an unavailable analyzer is never fatal.
package analysis

import (
	"context"
	"errors"
)

// ErrUnavailable reports that no analysis backend can answer right now.
var ErrUnavailable = errors.New("analysis unavailable")

// Analyzer answers a system/user prompt pair with free text.
type Analyzer interface {
	Analyze(ctx context.Context, system, user string) (string, error)
	Available() bool
}

// Unavailable is the Analyzer used when no backend is configured.
type Unavailable struct{}

// Analyze always fails with ErrUnavailable.
func (Unavailable) Analyze(context.Context, string, string) (string, error) {
	return "", ErrUnavailable
}

// Available reports false.
func (Unavailable) Available() bool { return false }

// IsAvailable is nil-safe.
func IsAvailable(a Analyzer) bool {
	return a != nil && a.Available()
}

package healing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-autopilot/internal/analysis"
	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

type analyzerStub struct {
	answer string
	err    error
	calls  int
}

func (a *analyzerStub) Analyze(context.Context, string, string) (string, error) {
	a.calls++
	return a.answer, a.err
}

func (a *analyzerStub) Available() bool { return true }

func TestParseVerdict(t *testing.T) {
	v, ok := parseVerdict("CONFIRMED\nconfidence: 0.82\nDNS cache growth matches the CPU profile.")
	require.True(t, ok)
	assert.True(t, v.Confirmed)
	assert.InDelta(t, 0.82, v.Confidence, 1e-9)
	assert.Equal(t, "analysis", v.Source)

	v, ok = parseVerdict("Verdict: rejected")
	require.True(t, ok)
	assert.False(t, v.Confirmed)
	assert.Equal(t, 0.5, v.Confidence)

	v, ok = parseVerdict("REJECTED confidence=7")
	require.True(t, ok)
	assert.Equal(t, 0.5, v.Confidence, "out of range confidence is ignored")

	_, ok = parseVerdict("I think the pattern probably applies.")
	assert.False(t, ok)
}

func TestHeuristicDiagnoser(t *testing.T) {
	pattern := userPattern("p", true)
	v, err := HeuristicDiagnoser{}.Confirm(context.Background(), pattern, cpuEvent(97))
	require.NoError(t, err)
	assert.True(t, v.Confirmed)
	assert.Equal(t, "heuristic", v.Source)

	ev := cpuEvent(97)
	ev.Metric = "memory-usage"
	v, err = HeuristicDiagnoser{}.Confirm(context.Background(), pattern, ev)
	require.NoError(t, err)
	assert.False(t, v.Confirmed)
}

func TestAnalysisDiagnoserFallsBack(t *testing.T) {
	pattern := userPattern("p", true)
	ctx := context.Background()

	unavailable := NewAnalysisDiagnoser(analysis.NewMemoizer(nil, nil), utils.DiscardLogger())
	v, err := unavailable.Confirm(ctx, pattern, cpuEvent(97))
	require.NoError(t, err)
	assert.Equal(t, "heuristic", v.Source)

	failing := &analyzerStub{err: errors.New("rate limited")}
	v, err = NewAnalysisDiagnoser(analysis.NewMemoizer(failing, nil), utils.DiscardLogger()).Confirm(ctx, pattern, cpuEvent(97))
	require.NoError(t, err)
	assert.Equal(t, "heuristic", v.Source)
	assert.Equal(t, 1, failing.calls)

	rambling := &analyzerStub{answer: "hard to say"}
	v, err = NewAnalysisDiagnoser(analysis.NewMemoizer(rambling, nil), utils.DiscardLogger()).Confirm(ctx, pattern, cpuEvent(97))
	require.NoError(t, err)
	assert.Equal(t, "heuristic", v.Source)

	decisive := &analyzerStub{answer: "REJECTED\nconfidence: 0.9\nbackup window"}
	v, err = NewAnalysisDiagnoser(analysis.NewMemoizer(decisive, nil), utils.DiscardLogger()).Confirm(ctx, pattern, cpuEvent(97))
	require.NoError(t, err)
	assert.False(t, v.Confirmed)
	assert.Equal(t, "analysis", v.Source)
}

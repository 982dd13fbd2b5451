package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/store"
	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

type notifierSpy struct {
	mu       sync.Mutex
	requests []models.NotificationRequest
	channels [][]string
	err      error
}

func (n *notifierSpy) Send(_ context.Context, ids []string, req models.NotificationRequest) ([]models.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, req)
	n.channels = append(n.channels, ids)
	return nil, n.err
}

type responderSpy struct {
	mu     sync.Mutex
	events []models.AlertEvent
}

func (r *responderSpy) Respond(_ context.Context, ev models.AlertEvent, _ models.AlertRule) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func sample(value float64, offset time.Duration) models.MetricSample {
	return models.MetricSample{Metric: "cpu-load", Value: value, Timestamp: t0.Add(offset)}
}

func cpuRule() models.AlertRule {
	return models.AlertRule{
		ID:        "cpu-high",
		Name:      "CPU high",
		Metric:    "cpu-load",
		Operator:  models.OpGreater,
		Threshold: 90,
		Duration:  60,
		Cooldown:  300,
		Severity:  models.SeverityCritical,
		Channels:  []string{"ops"},
		Enabled:   true,
	}
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	e, err := New(st, utils.DiscardLogger(), opts...)
	require.NoError(t, err)
	return e, st
}

func evaluate(t *testing.T, e *Engine, s models.MetricSample) []models.AlertEvent {
	t.Helper()
	changed, err := e.Evaluate(context.Background(), s)
	require.NoError(t, err)
	return changed
}

func TestDurationGateRequiresSustainedBreach(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.CreateRule(context.Background(), cpuRule())
	require.NoError(t, err)

	assert.Empty(t, evaluate(t, e, sample(95, 0)))
	assert.Empty(t, evaluate(t, e, sample(95, 30*time.Second)))

	raised := evaluate(t, e, sample(96, 60*time.Second))
	require.Len(t, raised, 1)
	assert.Equal(t, models.AlertActive, raised[0].Status)
	assert.Equal(t, 96.0, raised[0].Value)
	assert.Equal(t, "CPU high: cpu-load > 90 (current 96)", raised[0].Message)

	assert.Empty(t, evaluate(t, e, sample(97, 90*time.Second)), "one active event per rule")
	assert.Len(t, e.ActiveEvents(), 1)
}

func TestBreachWindowResetsWhenConditionClears(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.CreateRule(context.Background(), cpuRule())
	require.NoError(t, err)

	evaluate(t, e, sample(95, 0))
	evaluate(t, e, sample(50, 40*time.Second))
	assert.Empty(t, evaluate(t, e, sample(95, 70*time.Second)))
	assert.Len(t, evaluate(t, e, sample(95, 130*time.Second)), 1)
}

func TestCooldownSuppressesFlappingReRaise(t *testing.T) {
	rule := cpuRule()
	rule.Duration = 0
	e, _ := newTestEngine(t)
	_, err := e.CreateRule(context.Background(), rule)
	require.NoError(t, err)

	require.Len(t, evaluate(t, e, sample(95, 0)), 1)

	resolved := evaluate(t, e, sample(10, time.Minute))
	require.Len(t, resolved, 1)
	assert.Equal(t, models.AlertResolved, resolved[0].Status)
	require.NotNil(t, resolved[0].ResolvedAt)

	assert.Empty(t, evaluate(t, e, sample(95, 2*time.Minute)), "within cooldown")
	evaluate(t, e, sample(10, 3*time.Minute))
	assert.Empty(t, evaluate(t, e, sample(95, 4*time.Minute+59*time.Second)), "still within cooldown")
	assert.Len(t, evaluate(t, e, sample(95, 5*time.Minute)), 1, "cooldown elapsed")
}

func TestNotificationsAndResponder(t *testing.T) {
	notifier := &notifierSpy{err: errors.New("channels down")}
	responder := &responderSpy{}
	e, _ := newTestEngine(t, WithNotifier(notifier), WithResponder(responder))
	ctx := context.Background()

	scripted := cpuRule()
	scripted.Duration = 0
	scripted.AutoResponseScript = "/system resource print"
	_, err := e.CreateRule(ctx, scripted)
	require.NoError(t, err)

	plain := cpuRule()
	plain.ID, plain.Name, plain.Metric, plain.Duration = "mem", "Memory", "memory-usage", 0
	_, err = e.CreateRule(ctx, plain)
	require.NoError(t, err)

	evaluate(t, e, sample(95, 0))
	evaluate(t, e, models.MetricSample{Metric: "memory-usage", Value: 99, Timestamp: t0})
	evaluate(t, e, sample(20, time.Minute))
	e.Wait()

	require.Len(t, notifier.requests, 3, "notifier failures never block transitions")
	types := []models.NotificationType{}
	for _, r := range notifier.requests {
		types = append(types, r.Type)
	}
	assert.ElementsMatch(t, []models.NotificationType{models.NotifyAlert, models.NotifyAlert, models.NotifyRecovery}, types)
	assert.Equal(t, []string{"ops"}, notifier.channels[0])

	require.Len(t, responder.events, 1, "only rules with a script trigger the responder")
	assert.Equal(t, "cpu-high", responder.events[0].RuleID)
}

func TestLabelAndEnabledFiltering(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	labelled := cpuRule()
	labelled.Duration, labelled.Label = 0, "core0"
	_, err := e.CreateRule(ctx, labelled)
	require.NoError(t, err)

	disabled := cpuRule()
	disabled.ID, disabled.Duration, disabled.Enabled = "off", 0, false
	_, err = e.CreateRule(ctx, disabled)
	require.NoError(t, err)

	other := models.MetricSample{Metric: "cpu-load", Label: "core1", Value: 99, Timestamp: t0}
	assert.Empty(t, evaluate(t, e, other))

	match := models.MetricSample{Metric: "cpu-load", Label: "core0", Value: 99, Timestamp: t0}
	raised := evaluate(t, e, match)
	require.Len(t, raised, 1)
	assert.Equal(t, "core0", raised[0].Label)
	assert.Equal(t, "CPU high: cpu-load{core0} > 90 (current 99)", raised[0].Message)
}

func TestRuleValidationAndCRUD(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	bad := cpuRule()
	bad.Operator = "approx"
	_, err := e.CreateRule(ctx, bad)
	assert.ErrorIs(t, err, utils.ErrValidation)

	bad = cpuRule()
	bad.Duration = -1
	_, err = e.CreateRule(ctx, bad)
	assert.ErrorIs(t, err, utils.ErrValidation)

	created, err := e.CreateRule(ctx, cpuRule())
	require.NoError(t, err)
	_, err = e.CreateRule(ctx, cpuRule())
	assert.ErrorIs(t, err, utils.ErrConflict)

	created.Threshold = 80
	_, err = e.UpdateRule(ctx, created)
	require.NoError(t, err)
	got, err := e.GetRule(created.ID)
	require.NoError(t, err)
	assert.Equal(t, 80.0, got.Threshold)

	require.NoError(t, e.DeleteRule(ctx, created.ID))
	assert.True(t, utils.IsNotFound(e.DeleteRule(ctx, created.ID)))
	assert.Empty(t, e.ListRules())

	_, err = e.Evaluate(ctx, models.MetricSample{Value: 1})
	assert.ErrorIs(t, err, utils.ErrValidation)
}

func TestDisablingRuleResolvesActiveEvent(t *testing.T) {
	notifier := &notifierSpy{}
	e, _ := newTestEngine(t, WithNotifier(notifier))
	ctx := context.Background()
	rule := cpuRule()
	rule.Duration = 0
	_, err := e.CreateRule(ctx, rule)
	require.NoError(t, err)

	raised := evaluate(t, e, sample(99, 0))
	require.Len(t, raised, 1)

	rule.Enabled = false
	_, err = e.UpdateRule(ctx, rule)
	require.NoError(t, err)
	e.Wait()

	assert.Empty(t, e.ActiveEvents())
	got, err := e.GetEvent(ctx, raised[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertResolved, got.Status)
	require.NotNil(t, got.ResolvedAt)
	require.Len(t, notifier.requests, 1, "no recovery notice for a disabled rule")
	assert.Equal(t, models.NotifyAlert, notifier.requests[0].Type)

	assert.Empty(t, evaluate(t, e, sample(99, time.Minute)))
}

func TestEventsSurviveRestart(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	rule := cpuRule()
	rule.Duration = 0
	_, err := e.CreateRule(ctx, rule)
	require.NoError(t, err)

	raised := evaluate(t, e, sample(99, 0))
	require.Len(t, raised, 1)

	restarted, err := New(st, utils.DiscardLogger())
	require.NoError(t, err)
	active := restarted.ActiveEvents()
	require.Len(t, active, 1)
	assert.Equal(t, raised[0].ID, active[0].ID)

	resolved, err := restarted.Evaluate(ctx, sample(5, time.Minute))
	require.NoError(t, err)
	require.Len(t, resolved, 1)

	got, err := restarted.GetEvent(ctx, raised[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertResolved, got.Status)

	history, err := restarted.ListEvents(ctx, t0.Add(-time.Hour), t0.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = restarted.GetEvent(ctx, "nope")
	assert.True(t, utils.IsNotFound(err))
}

package remediation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-autopilot/internal/analysis"
	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/store"
	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

type executorSpy struct {
	mu       sync.Mutex
	commands []string
	failOn   map[string]error
	output   map[string]string
	delay    time.Duration
}

func (e *executorSpy) Execute(_ context.Context, command string, _ map[string]string) (string, error) {
	time.Sleep(e.delay)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = append(e.commands, command)
	if err := e.failOn[command]; err != nil {
		return "", err
	}
	return e.output[command], nil
}

func (e *executorSpy) calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

type snapshotSpy struct {
	mu       sync.Mutex
	triggers []string
}

func (s *snapshotSpy) CreateSnapshot(_ context.Context, trigger string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = append(s.triggers, trigger)
	return "snap-" + trigger, nil
}

type auditSpy struct {
	mu      sync.Mutex
	actions []string
}

func (a *auditSpy) Record(_ context.Context, action string, _ models.Actor, _ models.AuditDetails) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
}

type notifierSpy struct {
	mu       sync.Mutex
	requests []models.NotificationRequest
}

func (n *notifierSpy) Send(_ context.Context, _ []string, req models.NotificationRequest) ([]models.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, req)
	return nil, nil
}

type analyzerStub struct {
	answer string
	err    error
}

func (a analyzerStub) Analyze(context.Context, string, string) (string, error) { return a.answer, a.err }
func (a analyzerStub) Available() bool { return true }

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	advisor  *Advisor
	executor *executorSpy
	snaps    *snapshotSpy
	audit    *auditSpy
	notifier *notifierSpy
}

func newFixture(t *testing.T, analyzer analysis.Analyzer, opts ...Option) *fixture {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		executor: &executorSpy{output: map[string]string{}},
		snaps:    &snapshotSpy{},
		audit:    &auditSpy{},
		notifier: &notifierSpy{},
	}
	opts = append([]Option{
		WithClock(func() time.Time { return t0 }),
		WithSleep(func(context.Context, time.Duration) error { return nil }),
	}, opts...)
	a, err := New(st, Deps{
		Executor:    f.executor,
		Snapshotter: f.snaps,
		Analysis:    analysis.NewMemoizer(analyzer, nil),
		Auditor:     f.audit,
		Notifier:    f.notifier,
		Channels:    []string{"ops"},
	}, utils.DiscardLogger(), opts...)
	require.NoError(t, err)
	f.advisor = a
	return f
}

func TestAutoExecutable(t *testing.T) {
	cases := []struct {
		command string
		risk    models.RiskLevel
		want    bool
	}{
		{"/system resource print", models.RiskMedium, true},
		{"/ip dns cache flush", models.RiskLow, true},
		{"/ip dns cache flush", models.RiskMedium, false},
		{"/system resource print", models.RiskHigh, false},
		{"/user set admin password=secret", models.RiskLow, false},
		{"/system identity set name=edge", models.RiskLow, false},
		{"/ip firewall filter print", models.RiskLow, false},
		{"/ip route add gateway=10.0.0.1", models.RiskLow, false},
		{"/certificate import file-name=ca.crt", models.RiskLow, false},
		{"/system reboot", models.RiskLow, false},
		{"/system reset-configuration", models.RiskLow, false},
		{"/interface disable ether1", models.RiskLow, false},
		{"/interface enable ether1", models.RiskLow, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, AutoExecutable(tc.command, tc.risk), "%s (%s)", tc.command, tc.risk)
	}
}

func TestClassifyRisk(t *testing.T) {
	assert.Equal(t, models.RiskLow, ClassifyRisk("/interface print"))
	assert.Equal(t, models.RiskMedium, ClassifyRisk("/ip dns cache flush"))
	assert.Equal(t, models.RiskHigh, ClassifyRisk("/system reboot"))
}

func TestGeneratePlanFromTemplate(t *testing.T) {
	f := newFixture(t, nil)
	plan, err := f.advisor.GeneratePlan(context.Background(), models.RootCause{
		AlertID:     "ev-1",
		Description: "Interface ether1 link down since 12:00",
	})
	require.NoError(t, err)

	assert.Equal(t, models.SourceTemplate, plan.Source)
	assert.Equal(t, models.PlanPending, plan.Status)
	require.Len(t, plan.Steps, 4)
	assert.Equal(t, 1, plan.Steps[0].Order)
	assert.True(t, plan.Steps[0].AutoExecutable)
	assert.False(t, plan.Steps[2].AutoExecutable, "disabling an interface is critical")
	assert.Equal(t, models.RiskMedium, plan.OverallRisk)
	assert.Equal(t, 25, plan.EstimatedDuration)
	assert.True(t, plan.RequiresConfirmation)
	assert.NotEmpty(t, plan.RollbackSteps)
	assert.Equal(t, []string{models.ActionPlanGenerated}, f.audit.actions)

	stored, err := f.advisor.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.Steps, stored.Steps)
}

func TestSuggestedScriptBeatsTemplate(t *testing.T) {
	f := newFixture(t, nil)
	plan, err := f.advisor.GeneratePlan(context.Background(), models.RootCause{
		Description:     "CPU temperature above 70",
		Metric:          "cpu-temp",
		SuggestedScript: "/system health print",
	})
	require.NoError(t, err)
	assert.Equal(t, models.SourceScript, plan.Source)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "/system health print", plan.Steps[0].Command)
}

func TestGeneratePlanSourceFallbacks(t *testing.T) {
	ctx := context.Background()

	script := newFixture(t, nil)
	plan, err := script.advisor.GeneratePlan(ctx, models.RootCause{
		Description:     "BGP session flapping",
		SuggestedScript: "/routing bgp peer print\n:delay 2s\n/log print",
	})
	require.NoError(t, err)
	assert.Equal(t, models.SourceScript, plan.Source)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "/routing bgp peer print\n:delay 2s", plan.Steps[0].Command)
	assert.Equal(t, models.RiskHigh, plan.Steps[0].RiskLevel, "routing is critical")
	assert.Equal(t, models.RiskHigh, plan.OverallRisk)

	assisted := newFixture(t, analyzerStub{answer: "1. Check peers: `/routing bgp peer print`\n2. Look at `/log print where topics~\"bgp\"`\nthen `restart everything`"})
	plan, err = assisted.advisor.GeneratePlan(ctx, models.RootCause{Description: "BGP session flapping"})
	require.NoError(t, err)
	assert.Equal(t, models.SourceAnalysis, plan.Source)
	require.Len(t, plan.Steps, 2, "spans that are not console commands are dropped")
	assert.Equal(t, models.RiskMedium, plan.Steps[1].RiskLevel)
	assert.Equal(t, "Check peers", plan.Steps[0].Description)

	empty := newFixture(t, analyzerStub{answer: "Have you tried turning it off and on again?"})
	plan, err = empty.advisor.GeneratePlan(ctx, models.RootCause{Description: "BGP session flapping"})
	require.NoError(t, err)
	assert.Equal(t, models.SourceGeneric, plan.Source)

	failing := newFixture(t, analyzerStub{err: errors.New("quota")})
	plan, err = failing.advisor.GeneratePlan(ctx, models.RootCause{Description: "BGP session flapping"})
	require.NoError(t, err)
	assert.Equal(t, models.SourceGeneric, plan.Source)
	assert.Equal(t, models.RiskLow, plan.OverallRisk)
	assert.False(t, plan.RequiresConfirmation)
	for _, step := range plan.Steps {
		assert.True(t, step.AutoExecutable, step.Command)
	}

	_, err = failing.advisor.GeneratePlan(ctx, models.RootCause{})
	assert.ErrorIs(t, err, utils.ErrValidation)
}

func TestTemplatePackOverridesBuiltins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`templates:
  - id: cpu-custom
    match: "(?i)cpu"
    summary: Site specific CPU playbook
    steps:
      - description: Show top processes
        command: /tool profile duration=5s
        risk: low
        duration: 6
`), 0o644))

	templates, err := LoadTemplates(path, utils.DiscardLogger())
	require.NoError(t, err)
	require.Len(t, templates, 1)

	f := newFixture(t, nil, WithTemplates(templates))
	plan, err := f.advisor.GeneratePlan(context.Background(), models.RootCause{Description: "CPU at 97%"})
	require.NoError(t, err)
	assert.Equal(t, "Site specific CPU playbook", plan.Summary)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, 6, plan.EstimatedDuration)

	missing, err := LoadTemplates(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)
	assert.Nil(t, missing)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("templates:\n  - id: x\n    match: \"(\"\n    steps:\n      - command: /x print\n"), 0o644))
	_, err = LoadTemplates(bad, nil)
	assert.Error(t, err)
}

func TestExecuteStepSnapshotsAndVerifies(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	plan, err := f.advisor.GeneratePlan(ctx, models.RootCause{Description: "memory usage at 95%"})
	require.NoError(t, err)
	f.executor.output["/system/resource/print"] = "free-memory: 12MiB"

	low, err := f.advisor.ExecuteStep(ctx, plan.ID, 1)
	require.NoError(t, err)
	assert.True(t, low.Success)
	assert.True(t, low.Verified, "expected text found in verification output")
	assert.Empty(t, low.SnapshotID, "low risk steps skip the snapshot")

	medium, err := f.advisor.ExecuteStep(ctx, plan.ID, 3)
	require.NoError(t, err)
	assert.True(t, medium.Success)
	assert.NotEmpty(t, medium.SnapshotID)

	stored, err := f.advisor.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanInProgress, stored.Status)
	assert.Len(t, stored.Results, 2)

	_, err = f.advisor.ExecuteStep(ctx, plan.ID, 2)
	require.NoError(t, err)
	stored, err = f.advisor.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanCompleted, stored.Status)

	_, err = f.advisor.ExecuteStep(ctx, plan.ID, 9)
	assert.True(t, utils.IsNotFound(err))
	_, err = f.advisor.ExecuteStep(ctx, "missing", 1)
	assert.True(t, utils.IsNotFound(err))
}

func TestVerificationFailureDoesNotFailStep(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	plan, err := f.advisor.GeneratePlan(ctx, models.RootCause{Description: "high cpu load"})
	require.NoError(t, err)
	f.executor.failOn = map[string]error{"/ip/dns/cache/print": errors.New("timeout")}

	result, err := f.advisor.ExecuteStep(ctx, plan.ID, 2)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.Verified)
}

func TestExecuteAutoStepsHaltsOnFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	plan, err := f.advisor.GeneratePlan(ctx, models.RootCause{
		Description:     "custom",
		SuggestedScript: "/interface print\n/ip address print\n/ip dns print\n/system reboot",
	})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 4)
	f.executor.failOn = map[string]error{"/ip/address/print": errors.New("device busy")}

	results, err := f.advisor.ExecuteAutoSteps(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, []string{"/interface/print", "/ip/address/print"}, f.executor.calls())

	stored, err := f.advisor.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanFailed, stored.Status)
	require.Len(t, f.notifier.requests, 1)
	assert.Contains(t, f.notifier.requests[0].Title, "Plan step 2 failed")

	f.executor.failOn = nil
	results, err = f.advisor.ExecuteAutoSteps(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, results, 2, "step 1 is not repeated and the reboot is never automatic")
	assert.Equal(t, 2, results[0].Order)
	assert.Equal(t, 3, results[1].Order)
	assert.NotContains(t, f.executor.calls(), "/system/reboot")

	stored, err = f.advisor.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanInProgress, stored.Status, "manual step 4 remains")
}

func TestConcurrentAutoStepsRunEachStepOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	plan, err := f.advisor.GeneratePlan(ctx, models.RootCause{
		Description:     "custom",
		SuggestedScript: "/interface print\n/ip address print",
	})
	require.NoError(t, err)
	f.executor.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	counts := make([]int, 2)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results, err := f.advisor.ExecuteAutoSteps(ctx, plan.ID)
			assert.NoError(t, err)
			counts[i] = len(results)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []string{"/interface/print", "/ip/address/print"}, f.executor.calls())
	assert.Equal(t, 2, counts[0]+counts[1])

	stored, err := f.advisor.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Results, 2)
	assert.Equal(t, models.PlanCompleted, stored.Status)
}

func TestRollbackContinuesPastFailures(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	plan, err := f.advisor.GeneratePlan(ctx, models.RootCause{Description: "high cpu load"})
	require.NoError(t, err)

	stored, err := f.advisor.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	stored.RollbackSteps = []models.RollbackStep{
		{Order: 1, Description: "undo a", Command: "/ip dns set servers=1.1.1.1"},
		{Order: 2, Description: "undo b", Command: "/ip dns cache flush"},
		{Order: 3, Description: "undo c", Command: "/system logging action set memory memory-lines=1000"},
	}
	require.NoError(t, f.advisor.store.PutDocument(store.CollectionPlans, stored.ID, stored))
	f.executor.failOn = map[string]error{"/ip/dns/set": errors.New("rejected")}

	results, err := f.advisor.ExecuteRollback(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.True(t, results[2].Success)
	for _, r := range results {
		assert.True(t, r.Rollback)
	}

	stored, err = f.advisor.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanRolledBack, stored.Status)
	assert.Contains(t, f.audit.actions, models.ActionPlanRollback)

	_, err = f.advisor.ExecuteStep(ctx, plan.ID, 1)
	assert.ErrorIs(t, err, utils.ErrValidation)
}

func TestListPlansNewestFirst(t *testing.T) {
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := t0
	a, err := New(st, Deps{Executor: &executorSpy{}}, utils.DiscardLogger(), WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		clock = t0.Add(time.Duration(i) * time.Minute)
		_, err := a.GeneratePlan(context.Background(), models.RootCause{Description: "disk nearly full"})
		require.NoError(t, err)
	}
	plans, err := a.ListPlans(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, t0.Add(2*time.Minute), plans[0].CreatedAt)
}

package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/notify"
	"github.com/miradorstack/mirador-autopilot/internal/store"
	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

type deviceSpy struct {
	mu       sync.Mutex
	commands []string
	output   string
}

func (d *deviceSpy) Execute(_ context.Context, command string, _ map[string]string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, command)
	return d.output, nil
}

func (d *deviceSpy) calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newAutopilot(t *testing.T, output string) (*Autopilot, *deviceSpy) {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	dev := &deviceSpy{output: output}
	a, err := New(st, Collaborators{Executor: dev}, Settings{
		Now: func() time.Time { return testNow },
		NotifyOptions: []notify.Option{
			notify.WithSleep(func(context.Context, time.Duration) error { return nil }),
		},
	}, utils.DiscardLogger())
	require.NoError(t, err)

	_, err = a.Notify.CreateChannel(context.Background(), models.NotificationChannel{
		ID: "push", Name: "Console", Type: models.ChannelWebPush, Enabled: true,
	})
	require.NoError(t, err)
	return a, dev
}

func pull(t *testing.T, a *Autopilot) []notify.PushMessage {
	t.Helper()
	msgs, err := a.Notify.PullPush(context.Background(), "push", 0)
	require.NoError(t, err)
	return msgs
}

func TestNewRequiresExecutor(t *testing.T) {
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	defer st.Close()
	_, err = New(st, Collaborators{}, Settings{}, nil)
	assert.Error(t, err)
}

func TestEnsureDefaultTasksIsIdempotent(t *testing.T) {
	a, _ := newAutopilot(t, "")
	ctx := context.Background()

	require.NoError(t, a.EnsureDefaultTasks(ctx))
	require.NoError(t, a.EnsureDefaultTasks(ctx))

	tasks := a.Scheduler.ListTasks()
	require.Len(t, tasks, len(DefaultTasks()))
	for _, task := range tasks {
		assert.NotNil(t, task.NextRun, task.ID)
	}
}

func TestPollMetricsFeedsAlertEngine(t *testing.T) {
	a, dev := newAutopilot(t, `[{"cpu-load":"97%","memory-usage":40,"disk-usage":10}]`)
	ctx := context.Background()
	require.NoError(t, a.EnsureDefaultTasks(ctx))

	_, err := a.Alerts.CreateRule(ctx, models.AlertRule{
		ID: "cpu", Name: "CPU hot", Metric: "cpu-load", Operator: models.OpGreater,
		Threshold: 90, Severity: models.SeverityWarning, Enabled: true,
	})
	require.NoError(t, err)

	exec, err := a.Scheduler.RunNow(ctx, "poll-system-resource")
	require.NoError(t, err)
	assert.Equal(t, models.TaskSuccess, exec.Status)
	assert.Contains(t, exec.Result, "cpu-load=97")
	assert.Contains(t, exec.Result, "1 alert changes")
	assert.Equal(t, []string{"/system/resource/print"}, dev.calls())

	active := a.Alerts.ActiveEvents()
	require.Len(t, active, 1)
	assert.Equal(t, 97.0, active[0].Value)
}

func TestPollMetricsReportsBadOutput(t *testing.T) {
	a, _ := newAutopilot(t, "not json")
	ctx := context.Background()
	require.NoError(t, a.EnsureDefaultTasks(ctx))

	exec, err := a.Scheduler.RunNow(ctx, "poll-system-resource")
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, exec.Status)
	assert.Contains(t, exec.Error, "not JSON")
}

func TestRespondPrefersFaultPattern(t *testing.T) {
	a, dev := newAutopilot(t, `{"cpu-load":99}`)
	ctx := context.Background()

	_, err := a.Alerts.CreateRule(ctx, models.AlertRule{
		ID: "cpu", Name: "CPU hot", Metric: "cpu-load", Operator: models.OpGreater,
		Threshold: 90, Severity: models.SeverityCritical, Channels: []string{"push"},
		AutoResponseScript: "/system resource print", Enabled: true,
	})
	require.NoError(t, err)

	_, err = a.Alerts.Evaluate(ctx, models.MetricSample{Metric: "cpu-load", Value: 99})
	require.NoError(t, err)
	a.Alerts.Wait()

	execs, err := a.Healer.ListExecutions(ctx, testNow.Add(-time.Hour), testNow.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "builtin-high-cpu", execs[0].PatternID)
	assert.Equal(t, models.ExecSkipped, execs[0].Status, "builtin patterns do not auto-heal")
	assert.Empty(t, dev.calls())

	plans, err := a.Advisor.ListPlans(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, plans)

	var types []models.NotificationType
	for _, m := range pull(t, a) {
		types = append(types, m.Type)
	}
	assert.ElementsMatch(t, []models.NotificationType{models.NotifyAlert, models.NotifyRemediation}, types)
}

func TestRespondFallsBackToPlan(t *testing.T) {
	a, dev := newAutopilot(t, "ok")
	ctx := context.Background()

	_, err := a.Alerts.CreateRule(ctx, models.AlertRule{
		ID: "wan", Name: "WAN latency", Metric: "wan-latency", Operator: models.OpGreater,
		Threshold: 150, Severity: models.SeverityWarning,
		AutoResponseScript: "/ping 8.8.8.8 count=3", Enabled: true,
	})
	require.NoError(t, err)

	_, err = a.Alerts.Evaluate(ctx, models.MetricSample{Metric: "wan-latency", Value: 300})
	require.NoError(t, err)
	a.Alerts.Wait()

	plans, err := a.Advisor.ListPlans(ctx, 0)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	plan := plans[0]
	assert.Equal(t, models.SourceScript, plan.Source)
	require.Len(t, plan.Steps, 1)
	assert.True(t, plan.Steps[0].AutoExecutable)
	assert.Len(t, plan.Results, 1, "read-only step runs without confirmation")
	assert.Equal(t, []string{"/ping"}, dev.calls())
}

func TestRespondUsesRuleScriptOverTemplate(t *testing.T) {
	a, dev := newAutopilot(t, "ok")
	ctx := context.Background()

	_, err := a.Alerts.CreateRule(ctx, models.AlertRule{
		ID: "temp", Name: "CPU temperature", Metric: "cpu-temp", Operator: models.OpGreater,
		Threshold: 70, Severity: models.SeverityWarning,
		AutoResponseScript: "/system script run cool-down", Enabled: true,
	})
	require.NoError(t, err)

	_, err = a.Alerts.Evaluate(ctx, models.MetricSample{Metric: "cpu-temp", Value: 82})
	require.NoError(t, err)
	a.Alerts.Wait()

	plans, err := a.Advisor.ListPlans(ctx, 0)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	plan := plans[0]
	assert.Equal(t, models.SourceScript, plan.Source)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "/system script run cool-down", plan.Steps[0].Command)
	assert.False(t, plan.Steps[0].AutoExecutable)
	assert.Empty(t, dev.calls(), "no CPU playbook commands run")
}

func TestDailyReportReachesChannels(t *testing.T) {
	a, _ := newAutopilot(t, "")
	ctx := context.Background()
	require.NoError(t, a.EnsureDefaultTasks(ctx))

	_, err := a.Alerts.CreateRule(ctx, models.AlertRule{
		ID: "mem", Name: "Memory", Metric: "memory-usage", Operator: models.OpGreater,
		Threshold: 80, Severity: models.SeverityWarning, Enabled: true,
	})
	require.NoError(t, err)
	_, err = a.Alerts.Evaluate(ctx, models.MetricSample{Metric: "memory-usage", Value: 85})
	require.NoError(t, err)

	exec, err := a.Scheduler.RunNow(ctx, "daily-report")
	require.NoError(t, err)
	require.Equal(t, models.TaskSuccess, exec.Status, exec.Error)
	assert.Equal(t, "report sent to 1 channels", exec.Result)

	msgs := pull(t, a)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.NotifyReport, msgs[0].Type)
	assert.Equal(t, "Daily operations report 2026-05-01", msgs[0].Title)
	assert.Contains(t, msgs[0].Body, "Alerts raised: 1 (warning 1)")
	assert.Contains(t, msgs[0].Body, "Active now: 1")
}

func TestDailyReportToleratesUnknownChannel(t *testing.T) {
	a, _ := newAutopilot(t, "")
	ctx := context.Background()
	require.NoError(t, a.EnsureDefaultTasks(ctx))
	a.settings.ReportChannels = []string{"push", "retired"}

	exec, err := a.Scheduler.RunNow(ctx, "daily-report")
	require.NoError(t, err)
	require.Equal(t, models.TaskSuccess, exec.Status, exec.Error)
	assert.Equal(t, "report sent to 1 channels", exec.Result)
	assert.Len(t, pull(t, a), 1)
}

func TestCleanupTasks(t *testing.T) {
	a, _ := newAutopilot(t, "")
	ctx := context.Background()
	require.NoError(t, a.EnsureDefaultTasks(ctx))

	exec, err := a.Scheduler.RunNow(ctx, "cache-cleanup")
	require.NoError(t, err)
	assert.Equal(t, models.TaskSuccess, exec.Status)
	assert.True(t, strings.HasPrefix(exec.Result, "removed 0 expired analyses"))

	exec, err = a.Scheduler.RunNow(ctx, "audit-cleanup")
	require.NoError(t, err)
	assert.Equal(t, models.TaskSuccess, exec.Status)
	assert.Equal(t, "removed 0 audit records older than 180 days", exec.Result)
}

func TestExtractValue(t *testing.T) {
	cases := []struct {
		name   string
		output string
		field  string
		want   float64
		err    bool
	}{
		{name: "bare number", output: " 42\n", want: 42},
		{name: "percent", output: "12%", want: 12},
		{name: "object field", output: `{"cpu-load":"97%"}`, field: "cpu-load", want: 97},
		{name: "first array element", output: `[{"running":true},{"running":false}]`, field: "running", want: 1},
		{name: "yes string", output: `{"running":"yes"}`, field: "running", want: 1},
		{name: "missing field", output: `{"x":1}`, field: "cpu-load", err: true},
		{name: "empty array", output: `[]`, field: "cpu-load", err: true},
		{name: "not json", output: "flags: R", field: "cpu-load", err: true},
		{name: "non numeric", output: `{"cpu-load":{"v":1}}`, field: "cpu-load", err: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := extractValue(tc.output, tc.field)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestBuildReportCountsRecentPlans(t *testing.T) {
	since := testNow.Add(-24 * time.Hour)
	plans := []models.RemediationPlan{
		{ID: "old", CreatedAt: since.Add(-time.Minute)},
		{ID: "new", CreatedAt: testNow.Add(-time.Hour)},
	}
	execs := []models.RemediationExecution{{Status: models.ExecSuccess}, {Status: models.ExecFailed}}

	body, data := buildReport(testNow, since, nil, nil, execs, plans, 3, 1)
	assert.Contains(t, body, "Remediations: 1 success, 1 failed, 0 skipped")
	assert.Contains(t, body, "Remediation plans generated: 1")
	assert.Contains(t, body, "Analysis cache: 3 hits, 1 misses")
	assert.Equal(t, 1, data["plans"])
	assert.Equal(t, 2, data["remediations"])
}

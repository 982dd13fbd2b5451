package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

// Task types registered with the scheduler.
const (
	TaskMetricPoll   = "metric_poll"
	TaskCacheCleanup = "cache_cleanup"
	TaskAuditCleanup = "audit_cleanup"
	TaskDailyReport  = "daily_report"
)

// MetricPollConfig is the config blob of a metric_poll task. The command
// output is read as JSON (an object, or an array whose first element is used)
// and each sample takes its value from Field. Without fields the whole
// output must be a number and feeds a single sample.
type MetricPollConfig struct {
	Command string            `json:"command"`
	Params  map[string]string `json:"params,omitempty"`
	Samples []SampleSource    `json:"samples"`
}

// SampleSource maps one output field to a metric.
type SampleSource struct {
	Metric string `json:"metric"`
	Label  string `json:"label,omitempty"`
	Field  string `json:"field,omitempty"`
}

// AuditCleanupConfig optionally overrides the retention of one audit_cleanup task.
type AuditCleanupConfig struct {
	RetentionDays int `json:"retentionDays,omitempty"`
}

func (a *Autopilot) registerHandlers() {
	a.Scheduler.RegisterHandler(TaskMetricPoll, a.pollMetrics)
	a.Scheduler.RegisterHandler(TaskCacheCleanup, a.cleanupCache)
	a.Scheduler.RegisterHandler(TaskAuditCleanup, a.cleanupAudit)
	a.Scheduler.RegisterHandler(TaskDailyReport, a.dailyReport)
}

// DefaultTasks are created on first start. Operators may edit or disable them.
func DefaultTasks() []models.ScheduledTask {
	poll, _ := json.Marshal(MetricPollConfig{
		Command: "/system/resource/print",
		Samples: []SampleSource{
			{Metric: "cpu-load", Field: "cpu-load"},
			{Metric: "memory-usage", Field: "memory-usage"},
			{Metric: "disk-usage", Field: "disk-usage"},
		},
	})
	return []models.ScheduledTask{
		{ID: "poll-system-resource", Name: "Poll system resources", Type: TaskMetricPoll, Cron: "* * * * *", Enabled: true, Config: poll},
		{ID: "cache-cleanup", Name: "Purge expired analyses", Type: TaskCacheCleanup, Cron: "*/5 * * * *", Enabled: true},
		{ID: "audit-cleanup", Name: "Apply audit retention", Type: TaskAuditCleanup, Cron: "30 3 * * *", Enabled: true},
		{ID: "daily-report", Name: "Daily operations report", Type: TaskDailyReport, Cron: "0 8 * * *", Enabled: true},
	}
}

// EnsureDefaultTasks creates any default task that does not exist yet.
func (a *Autopilot) EnsureDefaultTasks(ctx context.Context) error {
	for _, task := range DefaultTasks() {
		if _, err := a.Scheduler.EnsureTask(ctx, task); err != nil {
			return fmt.Errorf("ensure task %s: %w", task.ID, err)
		}
	}
	return nil
}

func (a *Autopilot) pollMetrics(ctx context.Context, task models.ScheduledTask) (string, error) {
	var cfg MetricPollConfig
	if len(task.Config) > 0 {
		if err := json.Unmarshal(task.Config, &cfg); err != nil {
			return "", fmt.Errorf("decode metric_poll config: %w", err)
		}
	}
	if cfg.Command == "" || len(cfg.Samples) == 0 {
		return "", errors.New("metric_poll needs a command and at least one sample")
	}

	output, err := a.executor.Execute(ctx, cfg.Command, cfg.Params)
	if err != nil {
		return "", fmt.Errorf("poll %s: %w", cfg.Command, err)
	}

	now := a.settings.Now().UTC()
	var (
		fed     []string
		changed int
		errs    []error
	)
	for _, src := range cfg.Samples {
		value, err := extractValue(output, src.Field)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.Metric, err))
			continue
		}
		events, err := a.Alerts.Evaluate(ctx, models.MetricSample{Metric: src.Metric, Label: src.Label, Value: value, Timestamp: now})
		if err != nil {
			errs = append(errs, fmt.Errorf("evaluate %s: %w", src.Metric, err))
			continue
		}
		changed += len(events)
		fed = append(fed, fmt.Sprintf("%s=%g", src.Metric, value))
	}
	summary := fmt.Sprintf("%s; %d alert changes", strings.Join(fed, " "), changed)
	return summary, errors.Join(errs...)
}

// extractValue reads a number from command output. RouterOS reports some
// values with a unit suffix ("12%"), which is stripped.
func extractValue(output, field string) (float64, error) {
	output = strings.TrimSpace(output)
	if field == "" {
		return parseNumber(output)
	}

	var raw any
	if err := json.Unmarshal([]byte(output), &raw); err != nil {
		return 0, fmt.Errorf("output is not JSON: %w", err)
	}
	if list, ok := raw.([]any); ok {
		if len(list) == 0 {
			return 0, errors.New("empty result")
		}
		raw = list[0]
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return 0, errors.New("output is not an object")
	}
	v, ok := obj[field]
	if !ok {
		return 0, fmt.Errorf("field %q missing", field)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		return parseNumber(n)
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("field %q is not numeric", field)
	}
}

func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	switch strings.ToLower(s) {
	case "true", "yes":
		return 1, nil
	case "false", "no":
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func (a *Autopilot) cleanupCache(context.Context, models.ScheduledTask) (string, error) {
	removed := a.Cache.Cleanup()
	stats := a.Cache.Stats()
	return fmt.Sprintf("removed %d expired analyses, %d/%d cached", removed, stats.Size, stats.Capacity), nil
}

func (a *Autopilot) cleanupAudit(ctx context.Context, task models.ScheduledTask) (string, error) {
	days := a.settings.AuditRetentionDays
	if len(task.Config) > 0 {
		var cfg AuditCleanupConfig
		if err := json.Unmarshal(task.Config, &cfg); err != nil {
			return "", fmt.Errorf("decode audit_cleanup config: %w", err)
		}
		if cfg.RetentionDays > 0 {
			days = cfg.RetentionDays
		}
	}
	removed, err := a.Audit.Cleanup(ctx, days)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("removed %d audit records older than %d days", removed, days), nil
}

func (a *Autopilot) dailyReport(ctx context.Context, _ models.ScheduledTask) (string, error) {
	now := a.settings.Now().UTC()
	since := now.Add(-24 * time.Hour)

	events, err := a.Alerts.ListEvents(ctx, since, now, 0)
	if err != nil {
		return "", err
	}
	execs, err := a.Healer.ListExecutions(ctx, since, now, 0)
	if err != nil {
		return "", err
	}
	plans, err := a.Advisor.ListPlans(ctx, 0)
	if err != nil {
		return "", err
	}

	stats := a.Cache.Stats()
	body, data := buildReport(now, since, events, a.Alerts.ActiveEvents(), execs, plans, stats.Hits, stats.Misses)
	req := models.NotificationRequest{
		Type:  models.NotifyReport,
		Title: "Daily operations report " + now.Format("2006-01-02"),
		Body:  body,
		Data:  data,
	}

	var sent []models.Notification
	if len(a.settings.ReportChannels) > 0 {
		sent, err = a.Notify.Send(ctx, a.settings.ReportChannels, req)
	} else {
		sent, err = a.Notify.SendAll(ctx, req)
	}
	switch {
	case utils.IsNotFound(err):
		a.logger.Warn("daily report skipped unknown channels", slog.Any("error", err))
	case err != nil:
		return "", err
	}
	a.logger.Info("daily report sent", slog.Int("channels", len(sent)), slog.Int("alerts", len(events)))
	return fmt.Sprintf("report sent to %d channels", len(sent)), nil
}

func buildReport(now, since time.Time, events, active []models.AlertEvent, execs []models.RemediationExecution, plans []models.RemediationPlan, hits, misses uint64) (string, map[string]any) {
	bySeverity := make(map[models.Severity]int)
	for _, ev := range events {
		bySeverity[ev.Severity]++
	}
	byStatus := make(map[models.ExecutionStatus]int)
	for _, ex := range execs {
		byStatus[ex.Status]++
	}
	recentPlans := 0
	for _, p := range plans {
		if !p.CreatedAt.Before(since) {
			recentPlans++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Period: %s to %s\n\n", since.Format(time.RFC3339), now.Format(time.RFC3339))
	fmt.Fprintf(&b, "Alerts raised: %d", len(events))
	if len(bySeverity) > 0 {
		severities := make([]string, 0, len(bySeverity))
		for sev, n := range bySeverity {
			severities = append(severities, fmt.Sprintf("%s %d", sev, n))
		}
		sort.Strings(severities)
		fmt.Fprintf(&b, " (%s)", strings.Join(severities, ", "))
	}
	fmt.Fprintf(&b, "\nActive now: %d\n", len(active))
	for _, ev := range active {
		fmt.Fprintf(&b, "  - %s\n", ev.Message)
	}
	fmt.Fprintf(&b, "Remediations: %d success, %d failed, %d skipped\n",
		byStatus[models.ExecSuccess], byStatus[models.ExecFailed], byStatus[models.ExecSkipped])
	fmt.Fprintf(&b, "Remediation plans generated: %d\n", recentPlans)
	fmt.Fprintf(&b, "Analysis cache: %d hits, %d misses\n", hits, misses)

	data := map[string]any{
		"alerts":       len(events),
		"active":       len(active),
		"remediations": len(execs),
		"plans":        recentPlans,
	}
	return b.String(), data
}

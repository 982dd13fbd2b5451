package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-autopilot/internal/alerting"
	"github.com/miradorstack/mirador-autopilot/internal/analysis"
	"github.com/miradorstack/mirador-autopilot/internal/audit"
	"github.com/miradorstack/mirador-autopilot/internal/cache"
	"github.com/miradorstack/mirador-autopilot/internal/device"
	"github.com/miradorstack/mirador-autopilot/internal/healing"
	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/notify"
	"github.com/miradorstack/mirador-autopilot/internal/remediation"
	"github.com/miradorstack/mirador-autopilot/internal/scheduler"
	"github.com/miradorstack/mirador-autopilot/internal/store"
)

// Collaborators are the external capabilities the pipeline drives.
type Collaborators struct {
	Executor device.Executor
	// Analyzer may be nil; the pipeline then uses heuristics and templates only.
	Analyzer analysis.Analyzer
	// L2 is an optional shared analysis cache tier.
	L2 cache.Provider
}

// Settings tune the pipeline. Zero values take the component defaults.
type Settings struct {
	ExportCommand       string
	CacheCapacity       int
	CacheTTL            time.Duration
	AuditRetentionDays  int
	ReportChannels      []string
	RemediationChannels []string
	Templates           []remediation.Template
	NotifyOptions       []notify.Option
	Now                 func() time.Time
}

// Autopilot wires the alert engine, scheduler, healer, advisor, notification
// service, audit log and analysis cache into one pipeline.
type Autopilot struct {
	Audit     *audit.Logger
	Notify    *notify.Service
	Cache     *cache.AnalysisCache
	Snapshots *device.SnapshotManager
	Alerts    *alerting.Engine
	Healer    *healing.Healer
	Advisor   *remediation.Advisor
	Scheduler *scheduler.Scheduler

	store    *store.Store
	executor device.Executor
	settings Settings
	logger   *slog.Logger

	responses sync.WaitGroup
}

// New builds every component over st.
func New(st *store.Store, collab Collaborators, settings Settings, logger *slog.Logger) (*Autopilot, error) {
	if collab.Executor == nil {
		return nil, errors.New("services: device executor is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	if settings.AuditRetentionDays <= 0 {
		settings.AuditRetentionDays = audit.DefaultRetentionDays
	}

	a := &Autopilot{store: st, executor: collab.Executor, settings: settings, logger: logger}

	a.Audit = audit.NewLogger(st, logger.With(slog.String("component", "audit")), audit.WithClock(settings.Now))

	notifyOpts := append([]notify.Option{notify.WithClock(settings.Now)}, settings.NotifyOptions...)
	svc, err := notify.NewService(st, logger.With(slog.String("component", "notify")), notifyOpts...)
	if err != nil {
		return nil, err
	}
	a.Notify = svc

	analysisCache, err := cache.NewAnalysisCache(cache.Config{
		Capacity: settings.CacheCapacity,
		TTL:      settings.CacheTTL,
		L2:       collab.L2,
		Logger:   logger.With(slog.String("component", "cache")),
		Now:      settings.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis cache: %w", err)
	}
	a.Cache = analysisCache
	memo := analysis.NewMemoizer(collab.Analyzer, analysisCache)

	a.Snapshots = device.NewSnapshotManager(collab.Executor, st, settings.ExportCommand, logger.With(slog.String("component", "snapshot")))

	a.Alerts, err = alerting.New(st, logger.With(slog.String("component", "alerting")),
		alerting.WithNotifier(a.Notify),
		alerting.WithResponder(a),
		alerting.WithClock(settings.Now),
	)
	if err != nil {
		return nil, err
	}

	var diagnoser healing.Diagnoser = healing.HeuristicDiagnoser{}
	if memo.Available() {
		diagnoser = healing.NewAnalysisDiagnoser(memo, logger.With(slog.String("component", "diagnose")))
	}
	a.Healer, err = healing.New(st, healing.Deps{
		Executor:    collab.Executor,
		Snapshotter: a.Snapshots,
		Diagnoser:   diagnoser,
		Notifier:    a.Notify,
		Auditor:     a.Audit,
		Events:      a.Alerts,
		ChannelsFor: a.channelsFor,
	}, logger.With(slog.String("component", "healing")), healing.WithClock(settings.Now))
	if err != nil {
		return nil, err
	}

	advisorOpts := []remediation.Option{remediation.WithClock(settings.Now)}
	if len(settings.Templates) > 0 {
		advisorOpts = append(advisorOpts, remediation.WithTemplates(settings.Templates))
	}
	a.Advisor, err = remediation.New(st, remediation.Deps{
		Executor:    collab.Executor,
		Snapshotter: a.Snapshots,
		Analysis:    memo,
		Auditor:     a.Audit,
		Notifier:    a.Notify,
		Channels:    settings.RemediationChannels,
	}, logger.With(slog.String("component", "remediation")), advisorOpts...)
	if err != nil {
		return nil, err
	}

	a.Scheduler, err = scheduler.New(st, logger.With(slog.String("component", "scheduler")),
		scheduler.WithClock(settings.Now),
		scheduler.WithAuditor(a.Audit),
	)
	if err != nil {
		return nil, err
	}
	a.registerHandlers()
	return a, nil
}

// channelsFor routes remediation notices to the alert rule's channels, or the
// configured remediation channels when the rule has none.
func (a *Autopilot) channelsFor(ev models.AlertEvent) []string {
	if rule, err := a.Alerts.GetRule(ev.RuleID); err == nil && len(rule.Channels) > 0 {
		return rule.Channels
	}
	return a.settings.RemediationChannels
}

// Respond handles a raised alert whose rule asks for an automatic response:
// a matching fault pattern wins, otherwise a plan is generated and its
// auto-approved steps run.
func (a *Autopilot) Respond(ctx context.Context, ev models.AlertEvent, rule models.AlertRule) {
	a.responses.Add(1)
	defer a.responses.Done()

	log := a.logger.With(slog.String("event_id", ev.ID), slog.String("rule_id", rule.ID))

	exec, err := a.Healer.HandleAlert(ctx, ev)
	if err != nil {
		log.Error("fault healer failed", slog.Any("error", err))
		return
	}
	if exec != nil {
		log.Info("alert handled by fault pattern", slog.String("pattern_id", exec.PatternID), slog.String("status", string(exec.Status)))
		return
	}

	plan, err := a.Advisor.GeneratePlan(ctx, models.RootCause{
		AlertID:         ev.ID,
		Description:     ev.Message,
		Metric:          ev.Metric,
		Severity:        ev.Severity,
		SuggestedScript: rule.AutoResponseScript,
	})
	if err != nil {
		log.Error("plan generation failed", slog.Any("error", err))
		return
	}
	results, err := a.Advisor.ExecuteAutoSteps(ctx, plan.ID)
	if err != nil {
		log.Error("plan auto steps failed", slog.String("plan_id", plan.ID), slog.Any("error", err))
		return
	}
	log.Info("alert handled by remediation plan",
		slog.String("plan_id", plan.ID),
		slog.String("source", string(plan.Source)),
		slog.Int("auto_steps", len(results)),
	)
}

// Start runs the startup audit cleanup, seeds the default tasks and starts the scheduler.
func (a *Autopilot) Start(ctx context.Context) error {
	removed, err := a.Audit.Cleanup(ctx, a.settings.AuditRetentionDays)
	if err != nil {
		a.logger.Warn("startup audit cleanup failed", slog.Any("error", err))
	} else if removed > 0 {
		a.logger.Info("startup audit cleanup", slog.Int("removed", removed))
	}
	if err := a.EnsureDefaultTasks(ctx); err != nil {
		return err
	}
	a.Scheduler.Start(ctx)
	return nil
}

// Stop halts scheduling and waits for in-flight handlers and dispatches.
func (a *Autopilot) Stop() {
	a.Scheduler.Stop()
	a.Scheduler.Wait()
	a.Alerts.Wait()
	a.responses.Wait()
}

// Package remediation builds risk-scored remediation plans for alerts that no
// fault pattern covers, runs their auto-approved steps and rolls them back.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-autopilot/internal/analysis"
	"github.com/miradorstack/mirador-autopilot/internal/cache"
	"github.com/miradorstack/mirador-autopilot/internal/device"
	"github.com/miradorstack/mirador-autopilot/internal/healing"
	"github.com/miradorstack/mirador-autopilot/internal/metrics"
	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/store"
	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

// Notifier delivers plan failure notices.
type Notifier interface {
	Send(ctx context.Context, channelIDs []string, req models.NotificationRequest) ([]models.Notification, error)
}

// Auditor records plan generation and execution.
type Auditor interface {
	Record(ctx context.Context, action string, actor models.Actor, details models.AuditDetails)
}

// Deps are the collaborators of an Advisor. Executor is required.
type Deps struct {
	Executor    device.Executor
	Snapshotter device.Snapshotter
	Analysis    *analysis.Memoizer
	Auditor     Auditor
	Notifier    Notifier
	// Channels receive step failure notices. Empty sends nothing.
	Channels []string
}

// Option customises an Advisor.
type Option func(*Advisor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Advisor) { a.now = now }
}

// WithTemplates adds a template pack. Pack templates are tried before the
// built-in library so operators can override them.
func WithTemplates(templates []Template) Option {
	return func(a *Advisor) { a.templates = append(append([]Template(nil), templates...), a.templates...) }
}

// WithSleep replaces the wait used by :delay in step commands.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Advisor) { a.sleep = sleep }
}

// Advisor generates and executes remediation plans.
type Advisor struct {
	mu        sync.Mutex
	planLocks map[string]*sync.Mutex
	store     *store.Store
	templates []Template
	deps      Deps
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// New builds an Advisor over the plans collection of st.
func New(st *store.Store, deps Deps, logger *slog.Logger, opts ...Option) (*Advisor, error) {
	if deps.Executor == nil {
		return nil, errors.New("remediation: executor is required")
	}
	if deps.Analysis == nil {
		deps.Analysis = analysis.NewMemoizer(nil, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Advisor{
		planLocks: make(map[string]*sync.Mutex),
		store:     st,
		templates: builtinTemplates(),
		deps:      deps,
		logger:    logger,
		now:       time.Now,
		sleep:     healing.Sleep,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

const planSystemPrompt = `You are a network operations engineer. Propose a short remediation
procedure for the described problem on a RouterOS device. Put every console command in
back-ticks, one command per step, read-only checks first.`

var backtickSpan = regexp.MustCompile("`([^`\n]+)`")

var genericSteps = []TemplateStep{
	{Description: "Capture system resource usage", Command: "/system resource print", Risk: models.RiskLow, Duration: 5},
	{Description: "Capture interface state", Command: "/interface print stats", Risk: models.RiskLow, Duration: 5},
	{Description: "Capture recent error log entries", Command: `/log print where topics~"error"`, Risk: models.RiskLow, Duration: 10},
}

// GeneratePlan synthesises and stores a plan for rc. Sources are tried in
// order: templates, the root cause's suggested script, analysis, and finally
// a generic read-only diagnostic plan.
func (a *Advisor) GeneratePlan(ctx context.Context, rc models.RootCause) (models.RemediationPlan, error) {
	if err := models.Validate("remediation.generate_plan", rc); err != nil {
		return models.RemediationPlan{}, err
	}
	if rc.ID == "" {
		rc.ID = uuid.NewString()
	}

	now := a.now().UTC()
	plan := models.RemediationPlan{
		ID:          uuid.NewString(),
		AlertID:     rc.AlertID,
		RootCauseID: rc.ID,
		Status:      models.PlanPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	switch {
	case a.fromScript(&plan, rc):
	case a.fromTemplate(&plan, rc):
	case a.fromAnalysis(ctx, &plan, rc):
	default:
		plan.Source = models.SourceGeneric
		plan.Summary = "Collect diagnostics for " + rc.Description
		plan.Steps = stepsFrom(genericSteps)
	}
	finalize(&plan)

	a.mu.Lock()
	err := a.store.PutDocument(store.CollectionPlans, plan.ID, plan)
	a.mu.Unlock()
	if err != nil {
		return models.RemediationPlan{}, fmt.Errorf("persist plan: %w", err)
	}

	a.audit(ctx, models.ActionPlanGenerated, models.ActorSystem, models.AuditDetails{
		Trigger: "root_cause:" + rc.ID,
		Result:  string(plan.Source),
		Metadata: map[string]any{
			"planId":               plan.ID,
			"alertId":              plan.AlertID,
			"overallRisk":          string(plan.OverallRisk),
			"requiresConfirmation": plan.RequiresConfirmation,
			"steps":                len(plan.Steps),
		},
	})
	a.logger.Info("remediation plan generated",
		slog.String("plan_id", plan.ID),
		slog.String("source", string(plan.Source)),
		slog.String("risk", string(plan.OverallRisk)),
		slog.Int("steps", len(plan.Steps)),
	)
	return plan, nil
}

func (a *Advisor) fromTemplate(plan *models.RemediationPlan, rc models.RootCause) bool {
	text := rc.Description
	if rc.Metric != "" {
		text = rc.Metric + " " + text
	}
	for i := range a.templates {
		t := &a.templates[i]
		if !t.Matches(text) {
			continue
		}
		plan.Source = models.SourceTemplate
		plan.Summary = t.Summary
		plan.Steps = stepsFrom(t.Steps)
		for j, rb := range t.Rollback {
			plan.RollbackSteps = append(plan.RollbackSteps, models.RollbackStep{Order: j + 1, Description: rb.Description, Command: rb.Command})
		}
		return true
	}
	return false
}

func (a *Advisor) fromScript(plan *models.RemediationPlan, rc models.RootCause) bool {
	if strings.TrimSpace(rc.SuggestedScript) == "" {
		return false
	}
	if _, err := healing.ParseScript(rc.SuggestedScript); err != nil {
		a.logger.Warn("suggested script ignored", slog.String("root_cause_id", rc.ID), slog.Any("error", err))
		return false
	}
	var steps []TemplateStep
	for _, line := range strings.Split(rc.SuggestedScript, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, ":") && len(steps) > 0 {
			// Delays stay attached to the command they follow.
			steps[len(steps)-1].Command += "\n" + line
			continue
		}
		steps = append(steps, TemplateStep{Description: "Run " + line, Command: line, Risk: ClassifyRisk(line), Duration: 10})
	}
	if len(steps) == 0 {
		return false
	}
	plan.Source = models.SourceScript
	plan.Summary = "Operator-supplied script for " + rc.Description
	plan.Steps = stepsFrom(steps)
	return true
}

func (a *Advisor) fromAnalysis(ctx context.Context, plan *models.RemediationPlan, rc models.RootCause) bool {
	if !a.deps.Analysis.Available() {
		return false
	}
	prompt := fmt.Sprintf("Problem: %s\nMetric: %s\nSeverity: %s\n", rc.Description, rc.Metric, rc.Severity)
	fingerprint := cache.Fingerprint("plan", rc.Metric, string(rc.Severity), rc.Description)
	answer, err := a.deps.Analysis.Analyze(ctx, fingerprint, planSystemPrompt, prompt)
	if err != nil {
		a.logger.Warn("analysis-assisted plan unavailable", slog.String("root_cause_id", rc.ID), slog.Any("error", err))
		return false
	}
	steps := parseRecommendations(answer)
	if len(steps) == 0 {
		return false
	}
	plan.Source = models.SourceAnalysis
	plan.Summary = "Analysis-assisted plan for " + rc.Description
	plan.Steps = stepsFrom(steps)
	return true
}

// parseRecommendations turns back-tick spans into steps of medium risk. The
// surrounding line, minus the command, becomes the description.
func parseRecommendations(text string) []TemplateStep {
	var steps []TemplateStep
	seen := make(map[string]bool)
	for _, line := range strings.Split(text, "\n") {
		for _, m := range backtickSpan.FindAllStringSubmatch(line, -1) {
			command := strings.TrimSpace(m[1])
			if !strings.HasPrefix(command, "/") || seen[command] {
				continue
			}
			if _, err := healing.ParseScript(command); err != nil {
				continue
			}
			seen[command] = true
			desc := strings.TrimSpace(strings.Trim(strings.ReplaceAll(line, m[0], ""), "-*0123456789.:) \t"))
			if desc == "" {
				desc = "Run " + command
			}
			steps = append(steps, TemplateStep{Description: desc, Command: command, Risk: models.RiskMedium, Duration: 30})
		}
	}
	return steps
}

func stepsFrom(in []TemplateStep) []models.RemediationStep {
	steps := make([]models.RemediationStep, 0, len(in))
	for i, s := range in {
		steps = append(steps, models.RemediationStep{
			Order:             i + 1,
			Description:       s.Description,
			Command:           s.Command,
			Verification:      models.StepVerification{Command: s.Verify, ExpectedResult: s.Expect},
			RiskLevel:         s.Risk,
			EstimatedDuration: s.Duration,
		})
	}
	return steps
}

// finalize derives the plan-level fields from its steps.
func finalize(plan *models.RemediationPlan) {
	plan.OverallRisk = models.RiskLow
	plan.EstimatedDuration = 0
	plan.RequiresConfirmation = false
	for i := range plan.Steps {
		step := &plan.Steps[i]
		step.AutoExecutable = AutoExecutable(step.Command, step.RiskLevel)
		plan.OverallRisk = models.MaxRisk(plan.OverallRisk, step.RiskLevel)
		plan.EstimatedDuration += step.EstimatedDuration
		if step.RiskLevel == models.RiskHigh || !step.AutoExecutable {
			plan.RequiresConfirmation = true
		}
	}
}

// ExecuteStep runs one step of a plan and records its result. A failing step
// is reported through the result, not the error.
func (a *Advisor) ExecuteStep(ctx context.Context, planID string, order int) (models.StepResult, error) {
	defer a.lockPlan(planID)()
	return a.executeStep(ctx, planID, order, models.ActorUser)
}

// lockPlan serialises execution against one plan and returns the unlock func.
func (a *Advisor) lockPlan(planID string) func() {
	a.mu.Lock()
	l, ok := a.planLocks[planID]
	if !ok {
		l = &sync.Mutex{}
		a.planLocks[planID] = l
	}
	a.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (a *Advisor) executeStep(ctx context.Context, planID string, order int, actor models.Actor) (models.StepResult, error) {
	plan, err := a.GetPlan(ctx, planID)
	if err != nil {
		return models.StepResult{}, err
	}
	step, ok := plan.Step(order)
	if !ok {
		return models.StepResult{}, utils.NotFound("remediation.execute_step", "plan step", fmt.Sprintf("%s#%d", planID, order))
	}
	if plan.Status == models.PlanRolledBack {
		return models.StepResult{}, utils.Invalid("remediation.execute_step", "plan %s was rolled back", planID)
	}
	if err := a.mutate(planID, func(p *models.RemediationPlan) {
		if p.Status == models.PlanPending {
			p.Status = models.PlanInProgress
		}
	}); err != nil {
		return models.StepResult{}, err
	}

	log := a.logger.With(slog.String("plan_id", planID), slog.Int("step", order))
	result := models.StepResult{Order: order}

	if step.RiskLevel != models.RiskLow && a.deps.Snapshotter != nil {
		snapshotID, err := a.deps.Snapshotter.CreateSnapshot(ctx, fmt.Sprintf("plan:%s:%d", planID, order))
		if err != nil {
			log.Warn("pre-step snapshot failed", slog.Any("error", err))
		} else {
			result.SnapshotID = snapshotID
		}
	}

	start := a.now()
	output, runErr := healing.Run(ctx, a.deps.Executor, step.Command, a.sleep)
	result.ExecutedAt = start.UTC()
	result.DurationMs = a.now().Sub(start).Milliseconds()
	result.Output = output
	result.Success = runErr == nil
	if runErr != nil {
		result.Error = runErr.Error()
	} else {
		result.Verified = a.verify(ctx, step.Verification, output)
	}

	outcome := metrics.OutcomeSuccess
	if !result.Success {
		outcome = metrics.OutcomeError
	}
	metrics.ObservePlanStep("step", outcome)

	if err := a.mutate(planID, func(p *models.RemediationPlan) {
		p.Results = append(p.Results, result)
		p.Status = statusAfterStep(p, result)
	}); err != nil {
		return result, err
	}

	a.audit(ctx, models.ActionPlanStepExecuted, actor, models.AuditDetails{
		Trigger: "plan:" + planID,
		Script:  step.Command,
		Result:  outcome,
		Error:   result.Error,
		Metadata: map[string]any{
			"planId":     planID,
			"order":      order,
			"risk":       string(step.RiskLevel),
			"verified":   result.Verified,
			"snapshotId": result.SnapshotID,
		},
	})

	if !result.Success {
		log.Warn("plan step failed", slog.String("error", result.Error))
		a.notifyFailure(ctx, plan, step, result)
	} else {
		log.Info("plan step executed", slog.Bool("verified", result.Verified))
	}
	return result, nil
}

// verify runs the step's check. A step without one counts as verified when
// its command succeeded.
func (a *Advisor) verify(ctx context.Context, v models.StepVerification, commandOutput string) bool {
	output := commandOutput
	if strings.TrimSpace(v.Command) != "" {
		out, err := healing.Run(ctx, a.deps.Executor, v.Command, a.sleep)
		if err != nil {
			return false
		}
		output = out
	}
	return v.ExpectedResult == "" || strings.Contains(output, v.ExpectedResult)
}

func statusAfterStep(p *models.RemediationPlan, last models.StepResult) models.PlanStatus {
	if !last.Success {
		return models.PlanFailed
	}
	done := make(map[int]bool)
	for _, r := range p.Results {
		if !r.Rollback && r.Success {
			done[r.Order] = true
		}
	}
	for _, step := range p.Steps {
		if !done[step.Order] {
			return models.PlanInProgress
		}
	}
	return models.PlanCompleted
}

// ExecuteAutoSteps runs the plan's auto-executable steps in order and halts at
// the first failure. Steps already executed successfully are not repeated.
func (a *Advisor) ExecuteAutoSteps(ctx context.Context, planID string) ([]models.StepResult, error) {
	defer a.lockPlan(planID)()
	plan, err := a.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	done := make(map[int]bool)
	for _, r := range plan.Results {
		if !r.Rollback && r.Success {
			done[r.Order] = true
		}
	}
	steps := append([]models.RemediationStep(nil), plan.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	var results []models.StepResult
	for _, step := range steps {
		if !step.AutoExecutable || done[step.Order] {
			continue
		}
		result, err := a.executeStep(ctx, planID, step.Order, models.ActorSystem)
		if err != nil {
			return results, err
		}
		results = append(results, result)
		if !result.Success {
			break
		}
	}
	return results, nil
}

// ExecuteRollback runs every rollback step in order regardless of individual
// failures and leaves the plan rolled back.
func (a *Advisor) ExecuteRollback(ctx context.Context, planID string) ([]models.StepResult, error) {
	defer a.lockPlan(planID)()
	plan, err := a.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	steps := append([]models.RollbackStep(nil), plan.RollbackSteps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	results := make([]models.StepResult, 0, len(steps))
	failures := 0
	for _, step := range steps {
		start := a.now()
		output, runErr := healing.Run(ctx, a.deps.Executor, step.Command, a.sleep)
		result := models.StepResult{
			Order:      step.Order,
			Rollback:   true,
			Success:    runErr == nil,
			Output:     output,
			DurationMs: a.now().Sub(start).Milliseconds(),
			ExecutedAt: start.UTC(),
		}
		outcome := metrics.OutcomeSuccess
		if runErr != nil {
			result.Error = runErr.Error()
			outcome = metrics.OutcomeError
			failures++
			a.logger.Warn("rollback step failed", slog.String("plan_id", planID), slog.Int("step", step.Order), slog.Any("error", runErr))
		}
		metrics.ObservePlanStep("rollback", outcome)
		results = append(results, result)
	}

	if err := a.mutate(planID, func(p *models.RemediationPlan) {
		p.Results = append(p.Results, results...)
		p.Status = models.PlanRolledBack
	}); err != nil {
		return results, err
	}

	a.audit(ctx, models.ActionPlanRollback, models.ActorUser, models.AuditDetails{
		Trigger: "plan:" + planID,
		Result:  string(models.PlanRolledBack),
		Metadata: map[string]any{
			"planId":   planID,
			"steps":    len(steps),
			"failures": failures,
		},
	})
	return results, nil
}

// GetPlan loads a plan by id.
func (a *Advisor) GetPlan(_ context.Context, id string) (models.RemediationPlan, error) {
	var plan models.RemediationPlan
	if err := a.store.GetDocument(store.CollectionPlans, id, &plan); err != nil {
		if utils.IsNotFound(err) {
			return plan, utils.NotFound("remediation.get_plan", "plan", id)
		}
		return plan, err
	}
	return plan, nil
}

// ListPlans returns plans newest first. A positive limit truncates.
func (a *Advisor) ListPlans(_ context.Context, limit int) ([]models.RemediationPlan, error) {
	plans, err := store.LoadDocuments[models.RemediationPlan](a.store, store.CollectionPlans)
	if err != nil {
		return nil, fmt.Errorf("load plans: %w", err)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].CreatedAt.After(plans[j].CreatedAt) })
	if limit > 0 && len(plans) > limit {
		plans = plans[:limit]
	}
	return plans, nil
}

// mutate applies fn to the stored plan under the collection lock.
func (a *Advisor) mutate(planID string, fn func(*models.RemediationPlan)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var plan models.RemediationPlan
	if err := a.store.GetDocument(store.CollectionPlans, planID, &plan); err != nil {
		if utils.IsNotFound(err) {
			return utils.NotFound("remediation.update_plan", "plan", planID)
		}
		return err
	}
	fn(&plan)
	plan.UpdatedAt = a.now().UTC()
	if err := a.store.PutDocument(store.CollectionPlans, planID, plan); err != nil {
		return fmt.Errorf("persist plan: %w", err)
	}
	return nil
}

func (a *Advisor) notifyFailure(ctx context.Context, plan models.RemediationPlan, step models.RemediationStep, result models.StepResult) {
	if a.deps.Notifier == nil || len(a.deps.Channels) == 0 {
		return
	}
	req := models.NotificationRequest{
		Type:  models.NotifyRemediation,
		Title: fmt.Sprintf("Plan step %d failed: %s", step.Order, step.Description),
		Body:  fmt.Sprintf("%s\n\nCommand: %s\nError: %s", plan.Summary, step.Command, result.Error),
		Data: map[string]any{
			"planId":     plan.ID,
			"alertId":    plan.AlertID,
			"order":      step.Order,
			"snapshotId": result.SnapshotID,
		},
	}
	if _, err := a.deps.Notifier.Send(ctx, a.deps.Channels, req); err != nil {
		a.logger.Warn("plan failure notification failed", slog.String("plan_id", plan.ID), slog.Any("error", err))
	}
}

func (a *Advisor) audit(ctx context.Context, action string, actor models.Actor, details models.AuditDetails) {
	if a.deps.Auditor != nil {
		a.deps.Auditor.Record(ctx, action, actor, details)
	}
}

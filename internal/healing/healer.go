// Package healing matches alerts against known fault patterns and runs their
// fixed remediation scripts when auto-heal is enabled and a diagnosis agrees.
package healing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-autopilot/internal/device"
	"github.com/miradorstack/mirador-autopilot/internal/metrics"
	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/store"
	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

// ErrBuiltinPattern rejects deletion of a shipped pattern; disable it instead.
var ErrBuiltinPattern = errors.New("builtin pattern cannot be deleted")

// Notifier delivers remediation notices.
type Notifier interface {
	Send(ctx context.Context, channelIDs []string, req models.NotificationRequest) ([]models.Notification, error)
}

// Auditor records remediation intent and outcome.
type Auditor interface {
	Record(ctx context.Context, action string, actor models.Actor, details models.AuditDetails)
}

// EventSource resolves alert events for manually triggered remediation.
type EventSource interface {
	GetEvent(ctx context.Context, id string) (models.AlertEvent, error)
}

// Deps are the collaborators of a Healer. Executor and Diagnoser are required.
type Deps struct {
	Executor    device.Executor
	Snapshotter device.Snapshotter
	Diagnoser   Diagnoser
	Notifier    Notifier
	Auditor     Auditor
	Events      EventSource
	// ChannelsFor picks notification channels for an event. Nil sends nothing.
	ChannelsFor func(models.AlertEvent) []string
}

// Option customises a Healer.
type Option func(*Healer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Healer) { h.now = now }
}

// WithSleep replaces the wait used by :delay.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(h *Healer) { h.sleep = sleep }
}

// Healer owns the ordered pattern set and the remediation flow.
type Healer struct {
	mu       sync.RWMutex
	patterns []models.FaultPattern

	store  *store.Store
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// New loads patterns and seeds any missing builtins.
func New(st *store.Store, deps Deps, logger *slog.Logger, opts ...Option) (*Healer, error) {
	if deps.Executor == nil {
		return nil, errors.New("healing: executor is required")
	}
	if deps.Diagnoser == nil {
		deps.Diagnoser = HeuristicDiagnoser{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Healer{store: st, deps: deps, logger: logger, now: time.Now, sleep: Sleep}
	for _, opt := range opts {
		opt(h)
	}

	patterns, err := store.LoadDocuments[models.FaultPattern](st, store.CollectionPatterns)
	if err != nil {
		return nil, fmt.Errorf("load fault patterns: %w", err)
	}
	known := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		known[p.ID] = true
	}

	// Seeds get staggered timestamps so their order survives a restart.
	base := h.now().UTC()
	for i, p := range builtinPatterns() {
		if known[p.ID] {
			continue
		}
		p.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		p.UpdatedAt = p.CreatedAt
		if err := st.PutDocument(store.CollectionPatterns, p.ID, p); err != nil {
			return nil, fmt.Errorf("seed pattern %s: %w", p.ID, err)
		}
		patterns = append(patterns, p)
	}

	sort.SliceStable(patterns, func(i, j int) bool {
		if patterns[i].CreatedAt.Equal(patterns[j].CreatedAt) {
			return patterns[i].ID < patterns[j].ID
		}
		return patterns[i].CreatedAt.Before(patterns[j].CreatedAt)
	})
	h.patterns = patterns
	return h, nil
}

// ListPatterns returns patterns in match order.
func (h *Healer) ListPatterns() []models.FaultPattern {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]models.FaultPattern(nil), h.patterns...)
}

// GetPattern returns a pattern by id.
func (h *Healer) GetPattern(id string) (models.FaultPattern, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if i := h.indexLocked(id); i >= 0 {
		return h.patterns[i], nil
	}
	return models.FaultPattern{}, utils.NotFound("healing.get_pattern", "pattern", id)
}

// CreatePattern appends a user pattern to the end of the match order.
func (h *Healer) CreatePattern(ctx context.Context, p models.FaultPattern) (models.FaultPattern, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := validatePattern("healing.create_pattern", p); err != nil {
		return models.FaultPattern{}, err
	}
	p.Builtin = false
	p.CreatedAt = h.now().UTC()
	p.UpdatedAt = p.CreatedAt

	h.mu.Lock()
	if h.indexLocked(p.ID) >= 0 {
		h.mu.Unlock()
		return models.FaultPattern{}, utils.NewAppError("healing.create_pattern", fmt.Sprintf("pattern %q", p.ID), utils.ErrConflict)
	}
	if err := h.store.PutDocument(store.CollectionPatterns, p.ID, p); err != nil {
		h.mu.Unlock()
		return models.FaultPattern{}, fmt.Errorf("persist pattern: %w", err)
	}
	h.patterns = append(h.patterns, p)
	h.mu.Unlock()

	h.auditPattern(ctx, "created", p)
	return p, nil
}

// UpdatePattern replaces a pattern in place. Builtin status and creation time are kept.
func (h *Healer) UpdatePattern(ctx context.Context, p models.FaultPattern) (models.FaultPattern, error) {
	if err := validatePattern("healing.update_pattern", p); err != nil {
		return models.FaultPattern{}, err
	}

	h.mu.Lock()
	i := h.indexLocked(p.ID)
	if i < 0 {
		h.mu.Unlock()
		return models.FaultPattern{}, utils.NotFound("healing.update_pattern", "pattern", p.ID)
	}
	p.Builtin = h.patterns[i].Builtin
	p.CreatedAt = h.patterns[i].CreatedAt
	p.UpdatedAt = h.now().UTC()
	if err := h.store.PutDocument(store.CollectionPatterns, p.ID, p); err != nil {
		h.mu.Unlock()
		return models.FaultPattern{}, fmt.Errorf("persist pattern: %w", err)
	}
	h.patterns[i] = p
	h.mu.Unlock()

	h.auditPattern(ctx, "updated", p)
	return p, nil
}

// SetEnabled toggles a pattern, builtin or not.
func (h *Healer) SetEnabled(ctx context.Context, id string, enabled bool) (models.FaultPattern, error) {
	p, err := h.GetPattern(id)
	if err != nil {
		return models.FaultPattern{}, err
	}
	p.Enabled = enabled
	return h.UpdatePattern(ctx, p)
}

// DeletePattern removes a user pattern. Builtins yield ErrBuiltinPattern.
func (h *Healer) DeletePattern(ctx context.Context, id string) error {
	h.mu.Lock()
	i := h.indexLocked(id)
	if i < 0 {
		h.mu.Unlock()
		return utils.NotFound("healing.delete_pattern", "pattern", id)
	}
	p := h.patterns[i]
	if p.Builtin {
		h.mu.Unlock()
		return utils.NewAppError("healing.delete_pattern", fmt.Sprintf("pattern %q", id), ErrBuiltinPattern)
	}
	if err := h.store.DeleteDocument(store.CollectionPatterns, id); err != nil && !utils.IsNotFound(err) {
		h.mu.Unlock()
		return fmt.Errorf("delete pattern: %w", err)
	}
	h.patterns = append(h.patterns[:i], h.patterns[i+1:]...)
	h.mu.Unlock()

	h.auditPattern(ctx, "deleted", p)
	return nil
}

func (h *Healer) indexLocked(id string) int {
	for i, p := range h.patterns {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func validatePattern(op string, p models.FaultPattern) error {
	if err := models.Validate(op, p); err != nil {
		return err
	}
	if _, err := ParseScript(p.RemediationScript); err != nil {
		return utils.Invalid(op, "remediation script: %v", err)
	}
	if strings.TrimSpace(p.VerificationScript) != "" {
		if _, err := ParseScript(p.VerificationScript); err != nil {
			return utils.Invalid(op, "verification script: %v", err)
		}
	}
	return nil
}

// MatchPattern returns the first enabled pattern with a condition satisfied by
// the event's metric and value. Condition labels are not consulted.
func (h *Healer) MatchPattern(event models.AlertEvent) (models.FaultPattern, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.patterns {
		if !p.Enabled {
			continue
		}
		for _, cond := range p.Conditions {
			if cond.Metric == event.Metric && cond.Operator.Compare(event.Value, cond.Threshold) {
				return p, true
			}
		}
	}
	return models.FaultPattern{}, false
}

// HandleAlert runs the remediation flow for the first matching pattern.
// It returns nil when no pattern matches.
func (h *Healer) HandleAlert(ctx context.Context, event models.AlertEvent) (*models.RemediationExecution, error) {
	pattern, ok := h.MatchPattern(event)
	if !ok {
		return nil, nil
	}
	exec := h.remediate(ctx, pattern, event, false)
	return &exec, nil
}

// ExecuteRemediation runs pattern against a stored alert event on operator
// request. The operator's request stands in for the autoHeal flag; diagnosis
// still has to confirm.
func (h *Healer) ExecuteRemediation(ctx context.Context, patternID, eventID string) (models.RemediationExecution, error) {
	pattern, err := h.GetPattern(patternID)
	if err != nil {
		return models.RemediationExecution{}, err
	}
	if h.deps.Events == nil {
		return models.RemediationExecution{}, utils.Invalid("healing.execute_remediation", "no alert event source configured")
	}
	event, err := h.deps.Events.GetEvent(ctx, eventID)
	if err != nil {
		return models.RemediationExecution{}, err
	}
	return h.remediate(ctx, pattern, event, true), nil
}

func (h *Healer) remediate(ctx context.Context, pattern models.FaultPattern, event models.AlertEvent, manual bool) models.RemediationExecution {
	exec := models.RemediationExecution{
		ID:           uuid.NewString(),
		PatternID:    pattern.ID,
		PatternName:  pattern.Name,
		AlertEventID: event.ID,
		Status:       models.ExecPending,
		StartedAt:    h.now().UTC(),
	}
	actor := models.ActorSystem
	if manual {
		actor = models.ActorUser
	}
	log := h.logger.With(slog.String("pattern_id", pattern.ID), slog.String("event_id", event.ID), slog.String("execution_id", exec.ID))
	h.persist(exec)

	if !pattern.AutoHeal && !manual {
		exec.Result = &models.ScriptResult{Output: "auto-heal disabled; fix suggested"}
		h.finish(ctx, &exec, models.ExecSkipped, actor, pattern)
		h.notify(ctx, event, models.NotificationRequest{
			Type:     models.NotifyRemediation,
			Title:    fmt.Sprintf("Suggested fix: %s", pattern.Name),
			Body:     pattern.RemediationScript,
			Severity: event.Severity,
			Data:     map[string]any{"patternId": pattern.ID, "eventId": event.ID, "executionId": exec.ID},
		})
		log.Info("remediation suggested, auto-heal disabled")
		return exec
	}

	confirmation, err := h.deps.Diagnoser.Confirm(ctx, pattern, event)
	if err != nil {
		confirmation = models.Confirmation{Reasoning: err.Error(), Source: "error"}
	}
	exec.Confirmation = &confirmation
	if !confirmation.Confirmed {
		h.finish(ctx, &exec, models.ExecSkipped, actor, pattern)
		log.Info("remediation skipped, diagnosis not confirmed", slog.String("reasoning", confirmation.Reasoning))
		return exec
	}

	exec.Status = models.ExecExecuting
	h.persist(exec)

	if h.deps.Snapshotter != nil {
		snapshotID, err := h.deps.Snapshotter.CreateSnapshot(ctx, "pattern:"+pattern.ID)
		if err != nil {
			log.Warn("pre-remediation snapshot failed", slog.Any("error", err))
		} else {
			exec.SnapshotID = snapshotID
		}
	}

	h.audit(ctx, models.ActionRemediationStarted, actor, models.AuditDetails{
		Trigger: "alert:" + event.ID,
		Script:  pattern.RemediationScript,
		Metadata: map[string]any{
			"patternId":   pattern.ID,
			"executionId": exec.ID,
			"snapshotId":  exec.SnapshotID,
			"confidence":  confirmation.Confidence,
		},
	})

	output, runErr := h.runScript(ctx, pattern.RemediationScript)
	exec.Result = &models.ScriptResult{Output: output}
	if runErr != nil {
		exec.Result.Error = runErr.Error()
	}

	verification := models.Verification{Passed: false, Message: "skipped after remediation error"}
	if runErr == nil {
		verification = h.verify(ctx, pattern.VerificationScript)
	}
	exec.Verification = &verification

	status := models.ExecFailed
	if runErr == nil && verification.Passed {
		status = models.ExecSuccess
	}
	h.finish(ctx, &exec, status, actor, pattern)

	req := models.NotificationRequest{
		Type:     models.NotifyRemediation,
		Severity: event.Severity,
		Data:     map[string]any{"patternId": pattern.ID, "eventId": event.ID, "executionId": exec.ID},
	}
	if status == models.ExecSuccess {
		req.Title = fmt.Sprintf("Remediated: %s", pattern.Name)
		req.Body = fmt.Sprintf("%s\n\nVerification: %s", event.Message, verification.Message)
	} else {
		req.Title = fmt.Sprintf("Remediation failed: %s", pattern.Name)
		req.Body = fmt.Sprintf("%s\n\nError: %s\nVerification: %s\nSnapshot for rollback: %s",
			event.Message, exec.Result.Error, verification.Message, firstNonEmpty(exec.SnapshotID, "none"))
		req.Data["snapshotId"] = exec.SnapshotID
	}
	h.notify(ctx, event, req)
	log.Info("remediation finished", slog.String("status", string(status)))
	return exec
}

func (h *Healer) verify(ctx context.Context, script string) models.Verification {
	if strings.TrimSpace(script) == "" {
		return models.Verification{Passed: true, Message: "no verification configured"}
	}
	output, err := h.runScript(ctx, script)
	if err != nil {
		return models.Verification{Passed: false, Message: err.Error()}
	}
	return models.Verification{Passed: true, Message: firstNonEmpty(lastLine(output), "verification commands succeeded")}
}

func (h *Healer) runScript(ctx context.Context, script string) (string, error) {
	return Run(ctx, h.deps.Executor, script, h.sleep)
}

func (h *Healer) finish(ctx context.Context, exec *models.RemediationExecution, status models.ExecutionStatus, actor models.Actor, pattern models.FaultPattern) {
	completed := h.now().UTC()
	exec.Status = status
	exec.CompletedAt = &completed
	h.persist(*exec)
	metrics.ObserveRemediation(string(status))

	action := models.ActionRemediationCompleted
	if status == models.ExecSkipped {
		action = models.ActionRemediationSkipped
	}
	details := models.AuditDetails{
		Trigger:  "alert:" + exec.AlertEventID,
		Result:   string(status),
		Metadata: map[string]any{"patternId": pattern.ID, "executionId": exec.ID},
	}
	if exec.Result != nil {
		details.Error = exec.Result.Error
	}
	if exec.SnapshotID != "" {
		details.Metadata["snapshotId"] = exec.SnapshotID
	}
	h.audit(ctx, action, actor, details)
}

func (h *Healer) notify(ctx context.Context, event models.AlertEvent, req models.NotificationRequest) {
	if h.deps.Notifier == nil || h.deps.ChannelsFor == nil {
		return
	}
	channels := h.deps.ChannelsFor(event)
	if len(channels) == 0 {
		return
	}
	if _, err := h.deps.Notifier.Send(ctx, channels, req); err != nil {
		h.logger.Warn("remediation notification failed", slog.String("event_id", event.ID), slog.Any("error", err))
	}
}

func (h *Healer) audit(ctx context.Context, action string, actor models.Actor, details models.AuditDetails) {
	if h.deps.Auditor != nil {
		h.deps.Auditor.Record(ctx, action, actor, details)
	}
}

func (h *Healer) auditPattern(ctx context.Context, change string, p models.FaultPattern) {
	h.audit(ctx, models.ActionPatternChanged, models.ActorUser, models.AuditDetails{
		Trigger:  change,
		Script:   p.RemediationScript,
		Metadata: map[string]any{"patternId": p.ID, "enabled": p.Enabled, "autoHeal": p.AutoHeal},
	})
}

func (h *Healer) persist(exec models.RemediationExecution) {
	if err := h.store.PutRecord(store.LogRemediationExecution, exec.StartedAt, exec.ID, exec); err != nil {
		h.logger.Error("persist remediation execution failed", slog.String("execution_id", exec.ID), slog.Any("error", err))
	}
}

// GetExecution finds a remediation execution by id.
func (h *Healer) GetExecution(ctx context.Context, id string) (models.RemediationExecution, error) {
	execs, err := h.ListExecutions(ctx, time.Time{}, time.Time{}, 0)
	if err != nil {
		return models.RemediationExecution{}, err
	}
	for _, exec := range execs {
		if exec.ID == id {
			return exec, nil
		}
	}
	return models.RemediationExecution{}, utils.NotFound("healing.get_execution", "remediation execution", id)
}

// ListExecutions returns executions started in [from, to], newest first.
func (h *Healer) ListExecutions(_ context.Context, from, to time.Time, limit int) ([]models.RemediationExecution, error) {
	records, err := store.LoadRecords[models.RemediationExecution](h.store, store.LogRemediationExecution, from, to)
	if err != nil {
		return nil, fmt.Errorf("load remediation executions: %w", err)
	}
	out := records[:0]
	for _, exec := range records {
		if !from.IsZero() && exec.StartedAt.Before(from) {
			continue
		}
		if !to.IsZero() && exec.StartedAt.After(to) {
			continue
		}
		out = append(out, exec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

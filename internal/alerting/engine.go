// Package alerting turns metric samples into alert events using threshold
// rules with sustained-breach and cooldown gates.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-autopilot/internal/metrics"
	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/store"
	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

// Notifier delivers alert and recovery notices.
type Notifier interface {
	Send(ctx context.Context, channelIDs []string, req models.NotificationRequest) ([]models.Notification, error)
}

// Responder reacts to a raised alert whose rule carries an auto-response script.
type Responder interface {
	Respond(ctx context.Context, event models.AlertEvent, rule models.AlertRule)
}

// Option customises an Engine.
type Option func(*Engine)

// WithNotifier sets the notice sink.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithResponder sets the auto-response hook.
func WithResponder(r Responder) Option {
	return func(e *Engine) { e.responder = r }
}

// WithClock overrides the time used for samples without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type ruleState struct {
	since         time.Time
	lastTriggered time.Time
	active        *models.AlertEvent
}

// Engine evaluates samples against rules. At most one event per rule is active.
type Engine struct {
	mu    sync.Mutex
	rules map[string]models.AlertRule
	state map[string]*ruleState

	store     *store.Store
	notifier  Notifier
	responder Responder
	logger    *slog.Logger
	now       func() time.Time

	dispatch sync.WaitGroup
}

// New loads rules and restores still-active events.
func New(st *store.Store, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		rules:  make(map[string]models.AlertRule),
		state:  make(map[string]*ruleState),
		store:  st,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	rules, err := store.LoadDocuments[models.AlertRule](st, store.CollectionAlertRules)
	if err != nil {
		return nil, fmt.Errorf("load alert rules: %w", err)
	}
	for _, rule := range rules {
		e.rules[rule.ID] = rule
		e.state[rule.ID] = &ruleState{}
	}

	events, err := store.LoadRecords[models.AlertEvent](st, store.LogAlertEvents, time.Time{}, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("load alert events: %w", err)
	}
	for i := range events {
		ev := events[i]
		rs, ok := e.state[ev.RuleID]
		if !ok || ev.Status != models.AlertActive {
			continue
		}
		if rs.active == nil || ev.TriggeredAt.After(rs.active.TriggeredAt) {
			rs.active = &ev
			rs.lastTriggered = ev.TriggeredAt
			rs.since = ev.TriggeredAt
		}
	}
	return e, nil
}

// CreateRule validates and stores a rule; an empty id is generated.
func (e *Engine) CreateRule(_ context.Context, rule models.AlertRule) (models.AlertRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := models.Validate("alerting.create_rule", rule); err != nil {
		return models.AlertRule{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[rule.ID]; exists {
		return models.AlertRule{}, utils.NewAppError("alerting.create_rule", fmt.Sprintf("rule %q", rule.ID), utils.ErrConflict)
	}
	if err := e.store.PutDocument(store.CollectionAlertRules, rule.ID, rule); err != nil {
		return models.AlertRule{}, fmt.Errorf("persist rule: %w", err)
	}
	e.rules[rule.ID] = rule
	e.state[rule.ID] = &ruleState{}
	return rule, nil
}

// UpdateRule replaces a rule. The breach window restarts when the condition
// changes. Disabling a rule resolves its active event silently.
func (e *Engine) UpdateRule(_ context.Context, rule models.AlertRule) (models.AlertRule, error) {
	if err := models.Validate("alerting.update_rule", rule); err != nil {
		return models.AlertRule{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	current, exists := e.rules[rule.ID]
	if !exists {
		return models.AlertRule{}, utils.NotFound("alerting.update_rule", "rule", rule.ID)
	}
	if err := e.store.PutDocument(store.CollectionAlertRules, rule.ID, rule); err != nil {
		return models.AlertRule{}, fmt.Errorf("persist rule: %w", err)
	}
	if current.Metric != rule.Metric || current.Label != rule.Label ||
		current.Operator != rule.Operator || current.Threshold != rule.Threshold {
		e.state[rule.ID].since = time.Time{}
	}
	if st := e.state[rule.ID]; !rule.Enabled && st != nil {
		if st.active != nil {
			e.resolveLocked(st, e.now())
		}
		st.since = time.Time{}
	}
	e.rules[rule.ID] = rule
	return rule, nil
}

// DeleteRule removes a rule. Its active event, if any, is resolved silently.
func (e *Engine) DeleteRule(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[id]; !exists {
		return utils.NotFound("alerting.delete_rule", "rule", id)
	}
	if err := e.store.DeleteDocument(store.CollectionAlertRules, id); err != nil && !utils.IsNotFound(err) {
		return fmt.Errorf("delete rule: %w", err)
	}
	if st := e.state[id]; st != nil && st.active != nil {
		e.resolveLocked(st, e.now())
	}
	delete(e.rules, id)
	delete(e.state, id)
	return nil
}

// GetRule returns a rule by id.
func (e *Engine) GetRule(id string) (models.AlertRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, ok := e.rules[id]
	if !ok {
		return models.AlertRule{}, utils.NotFound("alerting.get_rule", "rule", id)
	}
	return rule, nil
}

// ListRules returns all rules ordered by name.
func (e *Engine) ListRules() []models.AlertRule {
	e.mu.Lock()
	out := make([]models.AlertRule, 0, len(e.rules))
	for _, rule := range e.rules {
		out = append(out, rule)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Evaluate applies sample to every enabled matching rule and returns the
// events that changed state (raised or resolved). The sample timestamp is the
// clock for both gates; a zero timestamp means now.
func (e *Engine) Evaluate(ctx context.Context, sample models.MetricSample) ([]models.AlertEvent, error) {
	if err := models.Validate("alerting.evaluate", sample); err != nil {
		return nil, err
	}
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}

	type notice struct {
		event    models.AlertEvent
		rule     models.AlertRule
		resolved bool
	}
	var notices []notice

	e.mu.Lock()
	for id, rule := range e.rules {
		if !rule.Enabled || !rule.Matches(sample) {
			continue
		}
		st := e.state[id]

		if !rule.Operator.Compare(sample.Value, rule.Threshold) {
			st.since = time.Time{}
			if st.active != nil {
				resolved := e.resolveLocked(st, ts)
				notices = append(notices, notice{event: resolved, rule: rule, resolved: true})
			}
			continue
		}

		if st.since.IsZero() {
			st.since = ts
		}
		if st.active != nil {
			continue
		}
		if ts.Sub(st.since) < rule.DurationWindow() {
			continue
		}
		if !st.lastTriggered.IsZero() && ts.Sub(st.lastTriggered) < rule.CooldownWindow() {
			continue
		}

		ev := models.AlertEvent{
			ID:          uuid.NewString(),
			RuleID:      rule.ID,
			RuleName:    rule.Name,
			Severity:    rule.Severity,
			Metric:      sample.Metric,
			Label:       sample.Label,
			Value:       sample.Value,
			Threshold:   rule.Threshold,
			Operator:    rule.Operator,
			Message:     alertMessage(rule, sample),
			Status:      models.AlertActive,
			TriggeredAt: ts,
		}
		st.active = &ev
		st.lastTriggered = ts
		e.persist(ev)
		metrics.ObserveAlertRaised(string(ev.Severity))
		e.logger.Info("alert raised",
			slog.String("rule_id", rule.ID),
			slog.String("event_id", ev.ID),
			slog.String("severity", string(ev.Severity)),
			slog.Float64("value", ev.Value))
		notices = append(notices, notice{event: ev, rule: rule})
	}
	e.mu.Unlock()

	changed := make([]models.AlertEvent, 0, len(notices))
	for _, n := range notices {
		changed = append(changed, n.event)
		e.dispatchNotice(ctx, n.event, n.rule, n.resolved)
	}
	return changed, nil
}

func (e *Engine) resolveLocked(st *ruleState, at time.Time) models.AlertEvent {
	ev := *st.active
	resolvedAt := at
	ev.Status = models.AlertResolved
	ev.ResolvedAt = &resolvedAt
	st.active = nil
	e.persist(ev)
	metrics.ObserveAlertResolved()
	e.logger.Info("alert resolved", slog.String("rule_id", ev.RuleID), slog.String("event_id", ev.ID))
	return ev
}

// dispatchNotice runs side effects off the evaluation path; failures are logged only.
func (e *Engine) dispatchNotice(ctx context.Context, ev models.AlertEvent, rule models.AlertRule, resolved bool) {
	detached := context.WithoutCancel(ctx)
	e.dispatch.Add(1)
	go func() {
		defer e.dispatch.Done()

		if e.notifier != nil && len(rule.Channels) > 0 {
			req := models.NotificationRequest{
				Type:     models.NotifyAlert,
				Title:    fmt.Sprintf("[%s] %s", ev.Severity, rule.Name),
				Body:     ev.Message,
				Severity: ev.Severity,
				Data: map[string]any{
					"eventId": ev.ID,
					"ruleId":  rule.ID,
					"metric":  ev.Metric,
					"value":   ev.Value,
				},
			}
			if resolved {
				req.Type = models.NotifyRecovery
				req.Title = fmt.Sprintf("[resolved] %s", rule.Name)
				req.Body = fmt.Sprintf("%s recovered", ev.Message)
			}
			if _, err := e.notifier.Send(detached, rule.Channels, req); err != nil {
				e.logger.Warn("alert notification failed", slog.String("event_id", ev.ID), slog.Any("error", err))
			}
		}

		if !resolved && e.responder != nil && rule.AutoResponseScript != "" {
			e.responder.Respond(detached, ev, rule)
		}
	}()
}

// Wait blocks until dispatched notices and responses have finished.
func (e *Engine) Wait() {
	e.dispatch.Wait()
}

func (e *Engine) persist(ev models.AlertEvent) {
	if err := e.store.PutRecord(store.LogAlertEvents, ev.TriggeredAt, ev.ID, ev); err != nil {
		e.logger.Error("persist alert event failed", slog.String("event_id", ev.ID), slog.Any("error", err))
	}
}

// ActiveEvents returns every currently active event, newest first.
func (e *Engine) ActiveEvents() []models.AlertEvent {
	e.mu.Lock()
	out := make([]models.AlertEvent, 0)
	for _, st := range e.state {
		if st.active != nil {
			out = append(out, *st.active)
		}
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	return out
}

// GetEvent finds an event by id, active or historical.
func (e *Engine) GetEvent(ctx context.Context, id string) (models.AlertEvent, error) {
	e.mu.Lock()
	for _, st := range e.state {
		if st.active != nil && st.active.ID == id {
			ev := *st.active
			e.mu.Unlock()
			return ev, nil
		}
	}
	e.mu.Unlock()

	events, err := e.ListEvents(ctx, time.Time{}, time.Time{}, 0)
	if err != nil {
		return models.AlertEvent{}, err
	}
	for _, ev := range events {
		if ev.ID == id {
			return ev, nil
		}
	}
	return models.AlertEvent{}, utils.NotFound("alerting.get_event", "alert event", id)
}

// ListEvents returns events triggered in [from, to], newest first.
func (e *Engine) ListEvents(_ context.Context, from, to time.Time, limit int) ([]models.AlertEvent, error) {
	events, err := store.LoadRecords[models.AlertEvent](e.store, store.LogAlertEvents, from, to)
	if err != nil {
		return nil, fmt.Errorf("load alert events: %w", err)
	}
	out := events[:0]
	for _, ev := range events {
		if !from.IsZero() && ev.TriggeredAt.Before(from) {
			continue
		}
		if !to.IsZero() && ev.TriggeredAt.After(to) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func alertMessage(rule models.AlertRule, sample models.MetricSample) string {
	subject := sample.Metric
	if sample.Label != "" {
		subject = fmt.Sprintf("%s{%s}", sample.Metric, sample.Label)
	}
	return fmt.Sprintf("%s: %s %s %g (current %g)", rule.Name, subject, rule.Operator.Symbol(), rule.Threshold, sample.Value)
}

// Package scheduler fires typed task handlers on cron schedules.
package scheduler

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

// Handler runs one task and returns a short result summary.
type Handler func(ctx context.Context, task models.ScheduledTask) (string, error)

// Auditor records finished executions.
type Auditor interface {
	Record(ctx context.Context, action string, actor models.Actor, details models.AuditDetails)
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithAuditor records every execution in the audit log.
func WithAuditor(a Auditor) Option {
	return func(s *Scheduler) { s.auditor = a }
}

type entry struct {
	task     models.ScheduledTask
	schedule Schedule
}

// Scheduler owns task definitions and a single timer goroutine.
type Scheduler struct {
	mu       sync.Mutex
	tasks    map[string]*entry
	handlers map[string]Handler

	store   *store.Store
	auditor Auditor
	logger  *slog.Logger
	now     func() time.Time

	wake     chan struct{}
	cancel   context.CancelFunc
	loopDone chan struct{}
	inflight sync.WaitGroup
}

// New loads persisted tasks. Tasks whose cron no longer parses are kept but never fire.
func New(st *store.Store, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		tasks:    make(map[string]*entry),
		handlers: make(map[string]Handler),
		store:    st,
		logger:   logger,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	tasks, err := store.LoadDocuments[models.ScheduledTask](st, store.CollectionTasks)
	if err != nil {
		return nil, fmt.Errorf("load scheduled tasks: %w", err)
	}
	now := s.now()
	for _, task := range tasks {
		sched, err := Parse(task.Cron)
		if err != nil {
			logger.Error("scheduled task has invalid cron", slog.String("task_id", task.ID), slog.Any("error", err))
			task.NextRun = nil
			s.tasks[task.ID] = &entry{task: task}
			continue
		}
		e := &entry{task: task, schedule: sched}
		e.plan(now)
		s.tasks[task.ID] = e
	}
	return s, nil
}

// plan recomputes nextRun from now.
func (e *entry) plan(now time.Time) {
	e.task.NextRun = nil
	if !e.task.Enabled || e.schedule.expr == "" {
		return
	}
	if next, ok := e.schedule.Next(now); ok {
		e.task.NextRun = &next
	}
}

// RegisterHandler binds a handler to a task type, replacing any previous one.
func (s *Scheduler) RegisterHandler(taskType string, h Handler) {
	s.mu.Lock()
	s.handlers[taskType] = h
	s.mu.Unlock()
}

// CreateTask validates the cron expression before storing anything.
func (s *Scheduler) CreateTask(_ context.Context, task models.ScheduledTask) (models.ScheduledTask, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if err := models.Validate("scheduler.create_task", task); err != nil {
		return models.ScheduledTask{}, err
	}
	sched, err := Parse(task.Cron)
	if err != nil {
		return models.ScheduledTask{}, utils.Invalid("scheduler.create_task", "%v", err)
	}

	s.mu.Lock()
	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		return models.ScheduledTask{}, utils.NewAppError("scheduler.create_task", fmt.Sprintf("task %q", task.ID), utils.ErrConflict)
	}
	e := &entry{task: task, schedule: sched}
	e.plan(s.now())
	if err := s.persistLocked(e); err != nil {
		s.mu.Unlock()
		return models.ScheduledTask{}, err
	}
	s.tasks[task.ID] = e
	out := e.task
	s.mu.Unlock()

	s.poke()
	return out, nil
}

// EnsureTask creates task unless one with the same id exists.
func (s *Scheduler) EnsureTask(ctx context.Context, task models.ScheduledTask) (models.ScheduledTask, error) {
	if existing, err := s.GetTask(task.ID); err == nil {
		return existing, nil
	}
	return s.CreateTask(ctx, task)
}

// UpdateTask replaces a task definition, keeping its run history.
func (s *Scheduler) UpdateTask(_ context.Context, task models.ScheduledTask) (models.ScheduledTask, error) {
	if err := models.Validate("scheduler.update_task", task); err != nil {
		return models.ScheduledTask{}, err
	}
	sched, err := Parse(task.Cron)
	if err != nil {
		return models.ScheduledTask{}, utils.Invalid("scheduler.update_task", "%v", err)
	}

	s.mu.Lock()
	current, exists := s.tasks[task.ID]
	if !exists {
		s.mu.Unlock()
		return models.ScheduledTask{}, utils.NotFound("scheduler.update_task", "task", task.ID)
	}
	task.LastRun = current.task.LastRun
	e := &entry{task: task, schedule: sched}
	e.plan(s.now())
	if err := s.persistLocked(e); err != nil {
		s.mu.Unlock()
		return models.ScheduledTask{}, err
	}
	s.tasks[task.ID] = e
	out := e.task
	s.mu.Unlock()

	s.poke()
	return out, nil
}

// DeleteTask removes a task; an in-flight run is not interrupted.
func (s *Scheduler) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	if _, exists := s.tasks[id]; !exists {
		s.mu.Unlock()
		return utils.NotFound("scheduler.delete_task", "task", id)
	}
	if err := s.store.DeleteDocument(store.CollectionTasks, id); err != nil && !utils.IsNotFound(err) {
		s.mu.Unlock()
		return fmt.Errorf("delete task: %w", err)
	}
	delete(s.tasks, id)
	s.mu.Unlock()

	s.poke()
	return nil
}

// GetTask returns a task by id.
func (s *Scheduler) GetTask(id string) (models.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return models.ScheduledTask{}, utils.NotFound("scheduler.get_task", "task", id)
	}
	return e.task, nil
}

// ListTasks returns all tasks ordered by name.
func (s *Scheduler) ListTasks() []models.ScheduledTask {
	s.mu.Lock()
	out := make([]models.ScheduledTask, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.task)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start launches the timer goroutine. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	done := s.loopDone
	s.mu.Unlock()

	s.logger.Info("scheduler started", slog.Int("tasks", len(s.ListTasks())))
	go s.run(loopCtx, done)
}

// Stop halts future fires. Definitions are kept and running handlers finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.loopDone
	s.cancel, s.loopDone = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

// Wait blocks until every handler started by the timer has returned.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		if next, ok := s.earliest(); ok {
			delay := next.Sub(s.now())
			if delay < 0 {
				delay = 0
			}
			timer = time.NewTimer(delay)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
			s.tick(ctx, s.now())
		}
	}
}

func (s *Scheduler) earliest() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best time.Time
	found := false
	for _, e := range s.tasks {
		if !e.task.Enabled || e.task.NextRun == nil {
			continue
		}
		if !found || e.task.NextRun.Before(best) {
			best = *e.task.NextRun
			found = true
		}
	}
	return best, found
}

// tick fires every due task on its own goroutine. nextRun advances before the
// handler starts so a slow handler never double-fires.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	type fire struct {
		task    models.ScheduledTask
		handler Handler
	}
	var fires []fire

	s.mu.Lock()
	for _, e := range s.tasks {
		if !e.task.Enabled || e.task.NextRun == nil || e.task.NextRun.After(now) {
			continue
		}
		e.plan(now)
		handler, ok := s.handlers[e.task.Type]
		if !ok {
			s.logger.Warn("no handler registered for task type",
				slog.String("task_id", e.task.ID), slog.String("type", e.task.Type))
			_ = s.persistLocked(e)
			continue
		}
		ran := now
		e.task.LastRun = &ran
		if err := s.persistLocked(e); err != nil {
			s.logger.Error("persist task failed", slog.String("task_id", e.task.ID), slog.Any("error", err))
		}
		fires = append(fires, fire{task: e.task, handler: handler})
	}
	s.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	for _, f := range fires {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.execute(detached, f.task, f.handler, false)
		}()
	}
}

// RunNow executes a task immediately and synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, id string) (models.TaskExecution, error) {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return models.TaskExecution{}, utils.NotFound("scheduler.run_now", "task", id)
	}
	handler, ok := s.handlers[e.task.Type]
	if !ok {
		s.mu.Unlock()
		return models.TaskExecution{}, utils.Invalid("scheduler.run_now", "no handler registered for task type %q", e.task.Type)
	}
	ran := s.now()
	e.task.LastRun = &ran
	if err := s.persistLocked(e); err != nil {
		s.logger.Error("persist task failed", slog.String("task_id", id), slog.Any("error", err))
	}
	task := e.task
	s.mu.Unlock()

	return s.execute(ctx, task, handler, true), nil
}

func (s *Scheduler) execute(ctx context.Context, task models.ScheduledTask, handler Handler, manual bool) (exec models.TaskExecution) {
	exec = models.TaskExecution{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		TaskType:  task.Type,
		Manual:    manual,
		Status:    models.TaskRunning,
		StartedAt: s.now().UTC(),
	}
	s.record(exec)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task handler panicked", slog.String("task_id", task.ID), slog.Any("panic", r))
			exec.Error = fmt.Sprintf("panic: %v", r)
			exec.Status = models.TaskFailed
		}
		completed := s.now().UTC()
		exec.CompletedAt = &completed
		s.record(exec)
		metrics.ObserveTaskExecution(task.Type, string(exec.Status), completed.Sub(exec.StartedAt))
		s.audit(ctx, task, exec)
	}()

	result, err := handler(ctx, task)
	exec.Result = result
	if err != nil {
		exec.Status = models.TaskFailed
		exec.Error = err.Error()
		s.logger.Warn("task failed", slog.String("task_id", task.ID), slog.String("type", task.Type), slog.Any("error", err))
		return exec
	}
	exec.Status = models.TaskSuccess
	s.logger.Debug("task completed", slog.String("task_id", task.ID), slog.String("type", task.Type))
	return exec
}

func (s *Scheduler) audit(ctx context.Context, task models.ScheduledTask, exec models.TaskExecution) {
	if s.auditor == nil {
		return
	}
	trigger := "schedule"
	actor := models.ActorSystem
	if exec.Manual {
		trigger = "manual"
		actor = models.ActorUser
	}
	s.auditor.Record(ctx, models.ActionTaskExecuted, actor, models.AuditDetails{
		Trigger: trigger,
		Result:  string(exec.Status),
		Error:   exec.Error,
		Metadata: map[string]any{
			"taskId":      task.ID,
			"taskType":    task.Type,
			"executionId": exec.ID,
		},
	})
}

func (s *Scheduler) record(exec models.TaskExecution) {
	if err := s.store.PutRecord(store.LogTaskExecutions, exec.StartedAt, exec.ID, exec); err != nil {
		s.logger.Error("persist task execution failed", slog.String("execution_id", exec.ID), slog.Any("error", err))
	}
}

// Executions lists runs in [from, to], newest first. An empty taskID matches every task.
func (s *Scheduler) Executions(_ context.Context, taskID string, from, to time.Time, limit int) ([]models.TaskExecution, error) {
	records, err := store.LoadRecords[models.TaskExecution](s.store, store.LogTaskExecutions, from, to)
	if err != nil {
		return nil, fmt.Errorf("load task executions: %w", err)
	}
	out := records[:0]
	for _, rec := range records {
		if taskID != "" && rec.TaskID != taskID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Scheduler) persistLocked(e *entry) error {
	if err := s.store.PutDocument(store.CollectionTasks, e.task.ID, e.task); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}
	return nil
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

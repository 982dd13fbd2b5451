package models

import (
	"encoding/json"
	"time"
)

// ScheduledTask runs a typed handler on a cron schedule.
type ScheduledTask struct {
	ID      string          `json:"id"`
	Name    string          `json:"name" validate:"required"`
	Type    string          `json:"type" validate:"required"`
	Cron    string          `json:"cron" validate:"required"`
	Enabled bool            `json:"enabled"`
	LastRun *time.Time      `json:"lastRun,omitempty"`
	NextRun *time.Time      `json:"nextRun,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// TaskStatus tracks a TaskExecution.
type TaskStatus string

const (
	TaskRunning TaskStatus = "running"
	TaskSuccess TaskStatus = "success"
	TaskFailed  TaskStatus = "failed"
)

// TaskExecution records one run of a scheduled task.
type TaskExecution struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"taskId"`
	TaskType    string     `json:"taskType"`
	Manual      bool       `json:"manual,omitempty"`
	Status      TaskStatus `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

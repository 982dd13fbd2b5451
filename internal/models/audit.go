package models

import "time"

// Actor distinguishes automated from operator-initiated actions.
type Actor string

const (
	ActorSystem Actor = "system"
	ActorUser   Actor = "user"
)

// Audit action kinds written by the pipeline.
const (
	ActionRemediationStarted   = "remediation_started"
	ActionRemediationCompleted = "remediation_completed"
	ActionRemediationSkipped   = "remediation_skipped"
	ActionPlanGenerated        = "plan_generated"
	ActionPlanStepExecuted     = "plan_step_executed"
	ActionPlanRollback         = "plan_rollback"
	ActionPatternChanged       = "pattern_changed"
	ActionTaskExecuted         = "task_executed"
)

// AuditDetails carries the context of an audited action.
type AuditDetails struct {
	Trigger  string         `json:"trigger,omitempty"`
	Script   string         `json:"script,omitempty"`
	Result   string         `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AuditLog is an append-only record of an automated or manual action.
type AuditLog struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	Action    string       `json:"action"`
	Actor     Actor        `json:"actor"`
	Details   AuditDetails `json:"details"`
}

// AuditQuery filters audit records. Zero values mean unbounded.
type AuditQuery struct {
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
	Action string    `json:"action,omitempty"`
	Actor  Actor     `json:"actor,omitempty"`
	Limit  int       `json:"limit,omitempty"`
}

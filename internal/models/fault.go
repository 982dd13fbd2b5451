package models

import "time"

// PatternCondition is one signature clause of a fault pattern.
// Label is recorded but not consulted when matching alerts.
type PatternCondition struct {
	Metric    string   `json:"metric" validate:"required"`
	Label     string   `json:"label,omitempty"`
	Operator  Operator `json:"operator" validate:"required,oneof=gt lt eq ne gte lte"`
	Threshold float64  `json:"threshold"`
}

// FaultPattern is a known fault signature with a fixed remediation script.
type FaultPattern struct {
	ID                 string             `json:"id" validate:"required"`
	Name               string             `json:"name" validate:"required"`
	Description        string             `json:"description,omitempty"`
	Enabled            bool               `json:"enabled"`
	AutoHeal           bool               `json:"autoHeal"`
	Builtin            bool               `json:"builtin"`
	Conditions         []PatternCondition `json:"conditions" validate:"required,min=1,dive"`
	RemediationScript  string             `json:"remediationScript" validate:"required"`
	VerificationScript string             `json:"verificationScript,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// ExecutionStatus tracks a RemediationExecution.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecExecuting ExecutionStatus = "executing"
	ExecSuccess   ExecutionStatus = "success"
	ExecFailed    ExecutionStatus = "failed"
	ExecSkipped   ExecutionStatus = "skipped"
)

// Confirmation is the diagnostic verdict obtained before auto-healing.
type Confirmation struct {
	Confirmed  bool    `json:"confirmed"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Source     string  `json:"source,omitempty"`
}

// ScriptResult captures what a remediation script produced.
type ScriptResult struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Verification captures the verification script verdict.
type Verification struct {
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// RemediationExecution is one (pattern, alert) remediation attempt.
type RemediationExecution struct {
	ID           string          `json:"id"`
	PatternID    string          `json:"patternId"`
	PatternName  string          `json:"patternName"`
	AlertEventID string          `json:"alertEventId"`
	Status       ExecutionStatus `json:"status"`
	SnapshotID   string          `json:"snapshotId,omitempty"`
	Confirmation *Confirmation   `json:"confirmation,omitempty"`
	Result       *ScriptResult   `json:"result,omitempty"`
	Verification *Verification   `json:"verification,omitempty"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
}

// Snapshot is a point-in-time device configuration capture.
type Snapshot struct {
	ID        string    `json:"id"`
	Trigger   string    `json:"trigger"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

package models

import "time"

// RiskLevel classifies a remediation step's blast radius.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Rank orders risk levels; unknown values are treated as high.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	default:
		return 3
	}
}

// MaxRisk returns the higher of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// PlanStatus tracks a RemediationPlan.
type PlanStatus string

const (
	PlanPending    PlanStatus = "pending"
	PlanInProgress PlanStatus = "in_progress"
	PlanCompleted  PlanStatus = "completed"
	PlanFailed     PlanStatus = "failed"
	PlanRolledBack PlanStatus = "rolled_back"
)

// PlanSource records how a plan was synthesised.
type PlanSource string

const (
	SourceTemplate PlanSource = "template"
	SourceScript   PlanSource = "script"
	SourceAnalysis PlanSource = "analysis"
	SourceGeneric  PlanSource = "generic"
)

// StepVerification pairs a check command with the output it should contain.
type StepVerification struct {
	Command        string `json:"command,omitempty"`
	ExpectedResult string `json:"expectedResult,omitempty"`
}

// RemediationStep is one ordered action of a plan.
type RemediationStep struct {
	Order             int              `json:"order"`
	Description       string           `json:"description"`
	Command           string           `json:"command"`
	Verification      StepVerification `json:"verification"`
	AutoExecutable    bool             `json:"autoExecutable"`
	RiskLevel         RiskLevel        `json:"riskLevel"`
	EstimatedDuration int              `json:"estimatedDuration"`
}

// RollbackStep undoes part of a plan.
type RollbackStep struct {
	Order       int    `json:"order"`
	Description string `json:"description"`
	Command     string `json:"command"`
}

// StepResult is the persisted outcome of executing one step.
type StepResult struct {
	Order      int       `json:"order"`
	Rollback   bool      `json:"rollback,omitempty"`
	Success    bool      `json:"success"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
	Verified   bool      `json:"verified"`
	SnapshotID string    `json:"snapshotId,omitempty"`
	ExecutedAt time.Time `json:"executedAt"`
}

// RemediationPlan is a risk-scored remediation proposal for one root cause.
type RemediationPlan struct {
	ID                   string            `json:"id"`
	AlertID              string            `json:"alertId"`
	RootCauseID          string            `json:"rootCauseId"`
	Summary              string            `json:"summary"`
	Source               PlanSource        `json:"source"`
	Steps                []RemediationStep `json:"steps"`
	RollbackSteps        []RollbackStep    `json:"rollbackSteps"`
	OverallRisk          RiskLevel         `json:"overallRisk"`
	EstimatedDuration    int               `json:"estimatedDuration"`
	RequiresConfirmation bool              `json:"requiresConfirmation"`
	Status               PlanStatus        `json:"status"`
	Results              []StepResult      `json:"results,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// Step returns the step with the given order.
func (p *RemediationPlan) Step(order int) (RemediationStep, bool) {
	for _, step := range p.Steps {
		if step.Order == order {
			return step, true
		}
	}
	return RemediationStep{}, false
}

// RootCause is the diagnosis a plan is generated for.
type RootCause struct {
	ID              string   `json:"id"`
	AlertID         string   `json:"alertId,omitempty"`
	Description     string   `json:"description" validate:"required"`
	Metric          string   `json:"metric,omitempty"`
	Severity        Severity `json:"severity,omitempty"`
	SuggestedScript string   `json:"suggestedScript,omitempty"`
}

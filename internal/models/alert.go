package models

import (
	"fmt"
	"time"
)

// Severity ranks the urgency of an alert.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	case SeverityEmergency:
		return 4
	default:
		return 0
	}
}

// Operator is a threshold comparison.
type Operator string

const (
	OpGreater      Operator = "gt"
	OpLess         Operator = "lt"
	OpEqual        Operator = "eq"
	OpNotEqual     Operator = "ne"
	OpGreaterEqual Operator = "gte"
	OpLessEqual    Operator = "lte"
)

// Compare reports whether value <op> threshold holds. Unknown operators never hold.
func (op Operator) Compare(value, threshold float64) bool {
	switch op {
	case OpGreater:
		return value > threshold
	case OpLess:
		return value < threshold
	case OpEqual:
		return value == threshold
	case OpNotEqual:
		return value != threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLessEqual:
		return value <= threshold
	default:
		return false
	}
}

// Symbol renders the operator for human messages.
func (op Operator) Symbol() string {
	switch op {
	case OpGreater:
		return ">"
	case OpLess:
		return "<"
	case OpEqual:
		return "=="
	case OpNotEqual:
		return "!="
	case OpGreaterEqual:
		return ">="
	case OpLessEqual:
		return "<="
	default:
		return string(op)
	}
}

// AlertRule describes when a metric sample should raise an alert.
// Duration and Cooldown are expressed in seconds.
type AlertRule struct {
	ID                 string   `json:"id" validate:"required"`
	Name               string   `json:"name" validate:"required"`
	Metric             string   `json:"metric" validate:"required"`
	Label              string   `json:"label,omitempty"`
	Operator           Operator `json:"operator" validate:"required,oneof=gt lt eq ne gte lte"`
	Threshold          float64  `json:"threshold"`
	Duration           int      `json:"duration" validate:"gte=0"`
	Cooldown           int      `json:"cooldown" validate:"gte=0"`
	Severity           Severity `json:"severity" validate:"required,oneof=info warning critical emergency"`
	Channels           []string `json:"channels,omitempty"`
	AutoResponseScript string   `json:"autoResponseScript,omitempty"`
	Enabled            bool     `json:"enabled"`
}

// DurationWindow is the sustained-breach window as a time.Duration.
func (r AlertRule) DurationWindow() time.Duration {
	return time.Duration(r.Duration) * time.Second
}

// CooldownWindow is the minimum interval between raises.
func (r AlertRule) CooldownWindow() time.Duration {
	return time.Duration(r.Cooldown) * time.Second
}

// Matches reports whether the sample addresses this rule's metric and label.
func (r AlertRule) Matches(sample MetricSample) bool {
	if r.Metric != sample.Metric {
		return false
	}
	return r.Label == "" || r.Label == sample.Label
}

// AlertStatus is the lifecycle state of an AlertEvent.
type AlertStatus string

const (
	AlertActive   AlertStatus = "active"
	AlertResolved AlertStatus = "resolved"
)

// AlertEvent is a raised alert. Resolved is terminal.
type AlertEvent struct {
	ID          string      `json:"id"`
	RuleID      string      `json:"ruleId"`
	RuleName    string      `json:"ruleName"`
	Severity    Severity    `json:"severity"`
	Metric      string      `json:"metric"`
	Label       string      `json:"label,omitempty"`
	Value       float64     `json:"value"`
	Threshold   float64     `json:"threshold"`
	Operator    Operator    `json:"operator"`
	Message     string      `json:"message"`
	Status      AlertStatus `json:"status"`
	TriggeredAt time.Time   `json:"triggeredAt"`
	ResolvedAt  *time.Time  `json:"resolvedAt,omitempty"`
}

// Fingerprint identifies recurring occurrences of "the same" alert.
// The sampled value is deliberately excluded.
func (e AlertEvent) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%s|%s", e.RuleID, e.Metric, e.Label, e.Severity)
}

// MetricSample is one observation fed into the alert engine.
type MetricSample struct {
	Metric    string    `json:"metric" validate:"required"`
	Label     string    `json:"label,omitempty"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

package models

import "time"

// ChannelType selects a delivery transport.
type ChannelType string

const (
	ChannelWebPush ChannelType = "web_push"
	ChannelWebhook ChannelType = "webhook"
	ChannelEmail   ChannelType = "email"
)

// NotificationChannel is a configured delivery destination.
type NotificationChannel struct {
	ID             string         `json:"id" validate:"required"`
	Name           string         `json:"name" validate:"required"`
	Type           ChannelType    `json:"type" validate:"required,oneof=web_push webhook email"`
	Enabled        bool           `json:"enabled"`
	Config         map[string]any `json:"config,omitempty"`
	SeverityFilter []Severity     `json:"severityFilter,omitempty" validate:"dive,oneof=info warning critical emergency"`
}

// Accepts applies the channel's severity filter. Notices without a severity
// pass every filter.
func (c NotificationChannel) Accepts(severity Severity) bool {
	if len(c.SeverityFilter) == 0 || severity == "" {
		return true
	}
	for _, s := range c.SeverityFilter {
		if s == severity {
			return true
		}
	}
	return false
}

// NotificationType classifies a notice.
type NotificationType string

const (
	NotifyAlert       NotificationType = "alert"
	NotifyRecovery    NotificationType = "recovery"
	NotifyReport      NotificationType = "report"
	NotifyRemediation NotificationType = "remediation"
)

// NotificationStatus tracks delivery.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// NotificationRequest is what producers hand to the notification service.
type NotificationRequest struct {
	Type     NotificationType `json:"type" validate:"required,oneof=alert recovery report remediation"`
	Title    string           `json:"title" validate:"required"`
	Body     string           `json:"body"`
	Severity Severity         `json:"severity,omitempty"`
	Data     map[string]any   `json:"data,omitempty"`
}

// Notification is one delivery to one channel.
type Notification struct {
	ID         string             `json:"id"`
	ChannelID  string             `json:"channelId"`
	Type       NotificationType   `json:"type"`
	Title      string             `json:"title"`
	Body       string             `json:"body"`
	Severity   Severity           `json:"severity,omitempty"`
	Data       map[string]any     `json:"data,omitempty"`
	Status     NotificationStatus `json:"status"`
	RetryCount int                `json:"retryCount"`
	Error      string             `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
	SentAt     *time.Time         `json:"sentAt,omitempty"`
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations (collaborator or execution issues).
	OutcomeError = "error"
	// OutcomeSkipped labels operations that were deliberately not carried out.
	OutcomeSkipped = "skipped"
)

const namespace = "mirador_autopilot"

var (
	alertsRaisedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "Alert events raised, partitioned by severity.",
		},
		[]string{"severity"},
	)

	alertsResolvedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_resolved_total",
			Help:      "Alert events resolved after the condition cleared.",
		},
	)

	remediationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediations_total",
			Help:      "Fault-pattern remediation executions by terminal status.",
		},
		[]string{"status"},
	)

	planStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_steps_total",
			Help:      "Remediation plan steps executed, partitioned by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	notificationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_attempts_total",
			Help:      "Notification delivery attempts by channel type and outcome.",
		},
		[]string{"channel_type", "outcome"},
	)

	taskExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_executions_total",
			Help:      "Scheduled task executions by task type and status.",
		},
		[]string{"type", "status"},
	)

	taskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Scheduled task handler latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"type"},
	)

	analysisCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_cache_requests_total",
			Help:      "Analysis cache lookups by result (hit/miss).",
		},
		[]string{"result"},
	)

	analysisDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_seconds",
			Help:      "Analysis capability latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		},
		[]string{"outcome"},
	)

	deviceCommandSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "device_command_seconds",
			Help:      "Device executor command latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"outcome"},
	)

	auditRecordsRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_records_removed_total",
			Help:      "Audit records dropped by retention cleanup.",
		},
	)
)

// Register attaches autopilot collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		alertsRaisedTotal,
		alertsResolvedTotal,
		remediationsTotal,
		planStepsTotal,
		notificationAttemptsTotal,
		taskExecutionsTotal,
		taskDurationSeconds,
		analysisCacheTotal,
		analysisDurationSeconds,
		deviceCommandSeconds,
		auditRecordsRemovedTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func outcomeLabel(outcome string) string {
	switch outcome {
	case OutcomeError, OutcomeSkipped:
		return outcome
	default:
		return OutcomeSuccess
	}
}

func seconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}

// ObserveAlertRaised counts a raised alert.
func ObserveAlertRaised(severity string) {
	alertsRaisedTotal.WithLabelValues(severity).Inc()
}

// ObserveAlertResolved counts a resolved alert.
func ObserveAlertResolved() {
	alertsResolvedTotal.Inc()
}

// ObserveRemediation counts a remediation execution by terminal status.
func ObserveRemediation(status string) {
	remediationsTotal.WithLabelValues(status).Inc()
}

// ObservePlanStep counts an executed plan step ("step" or "rollback").
func ObservePlanStep(kind, outcome string) {
	planStepsTotal.WithLabelValues(kind, outcomeLabel(outcome)).Inc()
}

// ObserveNotificationAttempt counts one delivery attempt.
func ObserveNotificationAttempt(channelType, outcome string) {
	notificationAttemptsTotal.WithLabelValues(channelType, outcomeLabel(outcome)).Inc()
}

// ObserveTaskExecution records a finished scheduled task run.
func ObserveTaskExecution(taskType, status string, duration time.Duration) {
	taskExecutionsTotal.WithLabelValues(taskType, status).Inc()
	taskDurationSeconds.WithLabelValues(taskType).Observe(seconds(duration))
}

// ObserveCacheLookup counts an analysis cache hit or miss.
func ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	analysisCacheTotal.WithLabelValues(result).Inc()
}

// ObserveAnalysis records an analysis capability call.
func ObserveAnalysis(duration time.Duration, outcome string) {
	analysisDurationSeconds.WithLabelValues(outcomeLabel(outcome)).Observe(seconds(duration))
}

// ObserveDeviceCommand records one device executor call.
func ObserveDeviceCommand(duration time.Duration, outcome string) {
	deviceCommandSeconds.WithLabelValues(outcomeLabel(outcome)).Observe(seconds(duration))
}

// ObserveAuditRemoved counts records dropped by retention.
func ObserveAuditRemoved(n int) {
	auditRecordsRemovedTotal.Add(float64(n))
}

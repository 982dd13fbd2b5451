package healing

import (
	"github.com/miradorstack/mirador-autopilot/internal/models"
)

// builtinPatterns are seeded once. They ship with autoHeal off so a fresh
// install only ever suggests fixes.
func builtinPatterns() []models.FaultPattern {
	return []models.FaultPattern{
		{
			ID:          "builtin-high-cpu",
			Name:        "High CPU load",
			Description: "Sustained CPU saturation, usually connection-tracking churn or DNS cache pressure.",
			Enabled:     true,
			Builtin:     true,
			Conditions: []models.PatternCondition{
				{Metric: "cpu-load", Operator: models.OpGreaterEqual, Threshold: 85},
			},
			RemediationScript:  "# flush caches that commonly pin the CPU\n/ip dns cache flush\n:delay 2s\n/ip firewall connection tracking set tcp-established-timeout=1h",
			VerificationScript: "/system resource print",
		},
		{
			ID:          "builtin-memory-pressure",
			Name:        "Memory pressure",
			Description: "Free memory exhausted by logging buffers or DNS cache.",
			Enabled:     true,
			Builtin:     true,
			Conditions: []models.PatternCondition{
				{Metric: "memory-usage", Operator: models.OpGreaterEqual, Threshold: 90},
			},
			RemediationScript:  "/ip dns cache flush\n/system logging action set memory memory-lines=100",
			VerificationScript: "/system resource print",
		},
		{
			ID:          "builtin-interface-down",
			Name:        "Interface down",
			Description: "Link lost on a monitored interface; bounce it once.",
			Enabled:     true,
			Builtin:     true,
			Conditions: []models.PatternCondition{
				{Metric: "interface-running", Label: "ether1", Operator: models.OpEqual, Threshold: 0},
			},
			RemediationScript:  "/interface disable ether1\n:delay 3s\n/interface enable ether1",
			VerificationScript: "/interface monitor-traffic ether1 once",
		},
		{
			ID:          "builtin-disk-full",
			Name:        "Disk nearly full",
			Description: "Storage consumed by rotated logs and stale backups.",
			Enabled:     true,
			Builtin:     true,
			Conditions: []models.PatternCondition{
				{Metric: "disk-usage", Operator: models.OpGreaterEqual, Threshold: 90},
			},
			RemediationScript:  "/system logging action set disk disk-lines-per-file=100\n/file remove auto-before-upgrade.backup",
			VerificationScript: "/system resource print",
		},
	}
}

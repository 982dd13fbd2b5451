package store

import (
	"encoding/json"
	"time"

	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

// Collection and log names shared by the components.
const (
	CollectionAlertRules    = "alert_rules"
	CollectionPatterns      = "fault_patterns"
	CollectionChannels      = "notification_channels"
	CollectionPlans         = "remediation_plans"
	CollectionTasks         = "scheduled_tasks"
	CollectionSnapshots     = "snapshots"
	CollectionPushQueue     = "push_queue"
	LogAudit                = "audit"
	LogNotifications        = "notifications"
	LogRemediationExecution = "remediation_executions"
	LogTaskExecutions       = "task_executions"
	LogAlertEvents          = "alert_events"
)

// ShardsBetween filters day keys to those intersecting [from, to]. Zero bounds are open.
func ShardsBetween(shards []string, from, to time.Time) []string {
	lo, hi := "", ""
	if !from.IsZero() {
		lo = utils.DayKey(from)
	}
	if !to.IsZero() {
		hi = utils.DayKey(to)
	}
	out := make([]string, 0, len(shards))
	for _, shard := range shards {
		if lo != "" && shard < lo {
			continue
		}
		if hi != "" && shard > hi {
			continue
		}
		out = append(out, shard)
	}
	return out
}

// LoadRecords decodes every record of name within [from, to] into T.
func LoadRecords[T any](s *Store, name string, from, to time.Time) ([]T, error) {
	shards, err := s.Shards(name)
	if err != nil {
		return nil, err
	}
	var out []T
	for _, shard := range ShardsBetween(shards, from, to) {
		err := s.ScanShard(name, shard, func(data []byte) error {
			var rec T
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LoadDocuments decodes every document of a collection into T.
func LoadDocuments[T any](s *Store, collection string) ([]T, error) {
	var out []T
	err := s.ListDocuments(collection, func(_ string, data []byte) error {
		var doc T
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		out = append(out, doc)
		return nil
	})
	return out, err
}

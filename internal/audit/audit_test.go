package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/store"
	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

func newTestLogger(t *testing.T, now time.Time) *Logger {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewLogger(st, utils.DiscardLogger(), WithClock(func() time.Time { return now }))
}

func TestLogAssignsIDAndTimestamp(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLogger(t, now)

	entry, err := l.Log(context.Background(), models.AuditLog{Action: models.ActionRemediationStarted})
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, now, entry.Timestamp)
	assert.Equal(t, models.ActorSystem, entry.Actor)

	_, err = l.Log(context.Background(), models.AuditLog{})
	assert.ErrorIs(t, err, utils.ErrValidation)
}

func TestQueryFiltersAndOrders(t *testing.T) {
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	l := newTestLogger(t, now)
	ctx := context.Background()

	for i, action := range []string{"a", "b", "a", "a"} {
		_, err := l.Log(ctx, models.AuditLog{
			Action:    action,
			Actor:     models.ActorSystem,
			Timestamp: now.Add(-time.Duration(i) * 30 * time.Hour),
		})
		require.NoError(t, err)
	}
	_, err := l.Log(ctx, models.AuditLog{Action: "a", Actor: models.ActorUser, Timestamp: now})
	require.NoError(t, err)

	got, err := l.Query(ctx, models.AuditQuery{Action: "a", Actor: models.ActorSystem})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.True(t, !got[i].Timestamp.After(got[i-1].Timestamp), "expected descending order")
	}

	limited, err := l.Query(ctx, models.AuditQuery{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	windowed, err := l.Query(ctx, models.AuditQuery{From: now.Add(-31 * time.Hour), To: now})
	require.NoError(t, err)
	assert.Len(t, windowed, 3)
}

func TestCleanupHonoursRetention(t *testing.T) {
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	l := newTestLogger(t, now)
	ctx := context.Background()
	const retention = 30

	_, err := l.Log(ctx, models.AuditLog{Action: "old", Timestamp: now.AddDate(0, 0, -(retention + 1))})
	require.NoError(t, err)
	_, err = l.Log(ctx, models.AuditLog{Action: "edge", Timestamp: now.AddDate(0, 0, -retention)})
	require.NoError(t, err)
	_, err = l.Log(ctx, models.AuditLog{Action: "fresh", Timestamp: now})
	require.NoError(t, err)

	removed, err := l.Cleanup(ctx, retention)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	left, err := l.Query(ctx, models.AuditQuery{})
	require.NoError(t, err)
	actions := []string{}
	for _, e := range left {
		actions = append(actions, e.Action)
	}
	assert.ElementsMatch(t, []string{"edge", "fresh"}, actions)
}

func TestCleanupDefaultsTo180Days(t *testing.T) {
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	l := newTestLogger(t, now)
	ctx := context.Background()

	_, err := l.Log(ctx, models.AuditLog{Action: "ancient", Timestamp: now.AddDate(0, 0, -181)})
	require.NoError(t, err)
	_, err = l.Log(ctx, models.AuditLog{Action: "recent", Timestamp: now.AddDate(0, 0, -179)})
	require.NoError(t, err)

	removed, err := l.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

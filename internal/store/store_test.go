package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

type doc struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDocumentLifecycle(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutDocument("things", "a", doc{ID: "a", Value: 1}))
	require.NoError(t, s.PutDocument("things", "b", doc{ID: "b", Value: 2}))
	require.NoError(t, s.PutDocument("other", "a", doc{ID: "a", Value: 99}))

	var got doc
	require.NoError(t, s.GetDocument("things", "a", &got))
	assert.Equal(t, 1, got.Value)

	all, err := LoadDocuments[doc](s, "things")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteDocument("things", "a"))
	err = s.GetDocument("things", "a", &got)
	assert.True(t, utils.IsNotFound(err))
	assert.True(t, utils.IsNotFound(s.DeleteDocument("things", "a")))
}

func TestShardedRecords(t *testing.T) {
	s := openTestStore(t)
	day1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	day3 := day2.Add(24 * time.Hour)

	require.NoError(t, s.PutRecord("events", day1, "1", doc{ID: "1"}))
	require.NoError(t, s.PutRecord("events", day1, "2", doc{ID: "2"}))
	require.NoError(t, s.PutRecord("events", day2, "3", doc{ID: "3"}))
	require.NoError(t, s.PutRecord("events", day3, "4", doc{ID: "4"}))

	shards, err := s.Shards("events")
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-01-01", "2026-01-02", "2026-01-03"}, shards)

	inRange, err := LoadRecords[doc](s, "events", day2, day3)
	require.NoError(t, err)
	assert.Len(t, inRange, 2)

	removed, err := s.DeleteShard("events", "2026-01-01")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	shards, err = s.Shards("events")
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-01-02", "2026-01-03"}, shards)
}

func TestPutRecordReplacesWithinShard(t *testing.T) {
	s := openTestStore(t)
	day := time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutRecord("execs", day, "x", doc{ID: "x", Value: 1}))
	require.NoError(t, s.PutRecord("execs", day, "x", doc{ID: "x", Value: 2}))

	recs, err := LoadRecords[doc](s, "execs", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 2, recs[0].Value)
}

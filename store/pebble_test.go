package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changelogs/common"
	"changelogs/partition"
)

func openPebbleStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := OpenPebbleStore(t.TempDir(), PebbleOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPebbleAppendAndLookup(t *testing.T) {
	s := openPebbleStore(t)
	ts := time.Date(2026, 8, 12, 10, 30, 0, 0, time.UTC)

	uow, err := s.Begin(context.Background())
	require.NoError(t, err)

	rec := &common.ChangeRecord{
		Entity:     "item",
		PrimaryKey: "1",
		Timestamp:  ts,
		ActorID:    "u7",
		After:      common.Document{"title": "widget"},
		Indexed:    []common.IndexedPair{{Attr: "ownerId", Value: "42"}},
	}
	require.NoError(t, AppendWithProvision(s, uow, partition.Monthly, rec))
	require.NoError(t, uow.Commit())
	require.Equal(t, uint64(1), rec.ID)

	byKey, err := s.RecordsByKey("item", "1", 0)
	require.NoError(t, err)
	require.Len(t, byKey, 1)
	assert.Equal(t, "u7", byKey[0].ActorID)
	assert.Equal(t, "widget", byKey[0].After["title"])

	byPair, err := s.RecordsByIndexed("ownerId", "42", 0)
	require.NoError(t, err)
	require.Len(t, byPair, 1)
	assert.Equal(t, rec.ID, byPair[0].ID)
}

func TestPebbleRollbackDiscardsEverything(t *testing.T) {
	s := openPebbleStore(t)
	ts := time.Date(2026, 8, 12, 10, 30, 0, 0, time.UTC)

	uow, err := s.Begin(context.Background())
	require.NoError(t, err)
	rec := &common.ChangeRecord{Entity: "item", PrimaryKey: "1", Timestamp: ts}
	require.NoError(t, AppendWithProvision(s, uow, partition.Monthly, rec))
	require.NoError(t, uow.Rollback())

	assert.Empty(t, s.Partitions())
	recs, err := s.RecordsByKey("item", "1", 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestPebbleStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenPebbleStore(dir, PebbleOptions{})
	require.NoError(t, err)

	ts := time.Date(2026, 8, 12, 10, 30, 0, 0, time.UTC)
	uow, err := s.Begin(context.Background())
	require.NoError(t, err)
	rec := &common.ChangeRecord{Entity: "item", PrimaryKey: "1", Timestamp: ts}
	require.NoError(t, AppendWithProvision(s, uow, partition.Monthly, rec))
	require.NoError(t, uow.Commit())

	cfg := &common.TrackedEntityConfig{Entity: "item", PrimaryKey: "id", LoggedAttrs: []string{"*"}}
	require.NoError(t, s.SaveConfig(cfg))
	require.NoError(t, s.Close())

	reopened, err := OpenPebbleStore(dir, PebbleOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	require.Len(t, reopened.Partitions(), 1)
	assert.Equal(t, "change_logs_y2026m08", reopened.Partitions()[0].Name)

	got, err := reopened.GetConfig("item")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "id", got.PrimaryKey)

	// Sequence picks up where it left off.
	uow2, err := reopened.Begin(context.Background())
	require.NoError(t, err)
	rec2 := &common.ChangeRecord{Entity: "item", PrimaryKey: "1", Timestamp: ts}
	require.NoError(t, reopened.Append(uow2, rec2))
	require.NoError(t, uow2.Commit())
	assert.Equal(t, uint64(2), rec2.ID)
}

func TestPebbleLookupOrderAndLimit(t *testing.T) {
	s := openPebbleStore(t)
	ts := time.Date(2026, 8, 12, 10, 30, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		uow, err := s.Begin(context.Background())
		require.NoError(t, err)
		rec := &common.ChangeRecord{Entity: "item", PrimaryKey: "1", Timestamp: ts}
		require.NoError(t, AppendWithProvision(s, uow, partition.Monthly, rec))
		require.NoError(t, uow.Commit())
	}

	recs, err := s.RecordsByKey("item", "1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(1), recs[0].ID)
	assert.Equal(t, uint64(3), recs[2].ID)

	limited, err := s.RecordsByKey("item", "1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

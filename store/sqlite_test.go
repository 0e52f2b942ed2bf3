package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changelogs/common"
	"changelogs/partition"
)

func openSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "changelogs.db")
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path)

	writeDB, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	writeDB.SetMaxOpenConns(1)
	t.Cleanup(func() { writeDB.Close() })

	readDB, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path))
	require.NoError(t, err)
	t.Cleanup(func() { readDB.Close() })

	s, err := NewSQLiteStore(writeDB, readDB, SQLiteOptions{})
	require.NoError(t, err)
	return s
}

func TestSQLiteAppendAndLookup(t *testing.T) {
	s := openSQLiteStore(t)
	ts := time.Date(2026, 8, 12, 10, 30, 0, 0, time.UTC)

	uow, err := s.Begin(context.Background())
	require.NoError(t, err)

	rec := &common.ChangeRecord{
		Entity:     "item",
		PrimaryKey: "1",
		Timestamp:  ts,
		ActorID:    "u7",
		Before:     common.Document{"title": "old"},
		After:      common.Document{"title": "new"},
		Indexed:    []common.IndexedPair{{Attr: "ownerId", Value: "42"}},
		Context:    []byte(`{"request_id":"r1"}`),
	}
	require.NoError(t, AppendWithProvision(s, uow, partition.Monthly, rec))
	require.NoError(t, uow.Commit())
	require.Equal(t, uint64(1), rec.ID)

	byKey, err := s.RecordsByKey("item", "1", 0)
	require.NoError(t, err)
	require.Len(t, byKey, 1)
	got := byKey[0]
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "u7", got.ActorID)
	assert.Equal(t, ts, got.Timestamp)
	assert.Equal(t, common.Document{"title": "old"}, got.Before)
	assert.Equal(t, common.Document{"title": "new"}, got.After)
	assert.Equal(t, rec.Indexed, got.Indexed)
	assert.JSONEq(t, `{"request_id":"r1"}`, string(got.Context))

	byPair, err := s.RecordsByIndexed("ownerId", "42", 0)
	require.NoError(t, err)
	require.Len(t, byPair, 1)
	assert.Equal(t, rec.ID, byPair[0].ID)
}

func TestSQLiteRollbackDiscardsRecordAndPartition(t *testing.T) {
	s := openSQLiteStore(t)
	ts := time.Date(2026, 8, 12, 10, 30, 0, 0, time.UTC)

	uow, err := s.Begin(context.Background())
	require.NoError(t, err)
	rec := &common.ChangeRecord{Entity: "item", PrimaryKey: "1", Timestamp: ts}
	require.NoError(t, AppendWithProvision(s, uow, partition.Monthly, rec))
	require.NoError(t, uow.Rollback())

	assert.Empty(t, s.Partitions())

	// The rolled-back DDL left no table behind, so the catalog is empty on a
	// fresh load too.
	var n int
	require.NoError(t, s.readDB.QueryRow(`SELECT COUNT(*) FROM change_logs_catalog`).Scan(&n))
	assert.Zero(t, n)
}

func TestSQLitePartitionsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changelogs.db")
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path)
	writeDB, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	writeDB.SetMaxOpenConns(1)
	defer writeDB.Close()
	readDB, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	defer readDB.Close()

	s, err := NewSQLiteStore(writeDB, readDB, SQLiteOptions{})
	require.NoError(t, err)
	name, r := partition.Monthly(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, s.EnsurePartition(nil, name, r))

	reopened, err := NewSQLiteStore(writeDB, readDB, SQLiteOptions{})
	require.NoError(t, err)
	parts := reopened.Partitions()
	require.Len(t, parts, 1)
	assert.Equal(t, name, parts[0].Name)
	assert.Equal(t, r.Start, parts[0].Range.Start)
	assert.Equal(t, r.End, parts[0].Range.End)
}

func TestSQLiteEnsurePartitionRejectsBadName(t *testing.T) {
	s := openSQLiteStore(t)
	err := s.EnsurePartition(nil, "logs; DROP TABLE tracked_entities", partition.Range{
		Start: time.Now(), End: time.Now().Add(time.Hour),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid partition name")
}

func TestSQLiteConfigRoundTrip(t *testing.T) {
	s := openSQLiteStore(t)
	cfg := &common.TrackedEntityConfig{
		Entity:       "item",
		PrimaryKey:   "id",
		LoggedAttrs:  []string{"*", "-createdAt"},
		IndexedAttrs: []string{"ownerId"},
	}
	require.NoError(t, s.SaveConfig(cfg))

	got, err := s.GetConfig("item")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cfg, got)

	all, err := s.ListConfigs()
	require.NoError(t, err)
	require.Len(t, all, 1)

	missing, err := s.GetConfig("ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.DeleteConfig("item"))
	gone, err := s.GetConfig("item")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSQLiteRecordsSpanPartitions(t *testing.T) {
	s := openSQLiteStore(t)

	august := time.Date(2026, 8, 12, 0, 0, 0, 0, time.UTC)
	september := time.Date(2026, 9, 3, 0, 0, 0, 0, time.UTC)

	for _, ts := range []time.Time{august, september} {
		uow, err := s.Begin(context.Background())
		require.NoError(t, err)
		rec := &common.ChangeRecord{Entity: "item", PrimaryKey: "1", Timestamp: ts}
		require.NoError(t, AppendWithProvision(s, uow, partition.Monthly, rec))
		require.NoError(t, uow.Commit())
	}

	require.Len(t, s.Partitions(), 2)
	recs, err := s.RecordsByKey("item", "1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(1), recs[0].ID)
	assert.Equal(t, uint64(2), recs[1].ID)
}

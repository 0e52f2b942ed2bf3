package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changelogs/common"
	"changelogs/partition"
)

func testRecord(ts time.Time) *common.ChangeRecord {
	return &common.ChangeRecord{
		Entity:     "item",
		PrimaryKey: "1",
		Timestamp:  ts,
		After:      common.Document{"id": int64(1), "title": "widget"},
	}
}

func TestAppendWithProvisionRecoversMissOnce(t *testing.T) {
	s := NewMemoryStore()
	ts := time.Date(2026, 8, 12, 10, 30, 0, 0, time.UTC)

	uow, err := s.Begin(context.Background())
	require.NoError(t, err)

	rec := testRecord(ts)
	require.NoError(t, AppendWithProvision(s, uow, partition.Monthly, rec))
	require.NoError(t, uow.Commit())

	assert.Equal(t, uint64(1), rec.ID)
	parts := s.Partitions()
	require.Len(t, parts, 1)
	assert.Equal(t, "change_logs_y2026m08", parts[0].Name)
	assert.True(t, parts[0].Range.Contains(ts))
}

func TestAppendWithProvisionSecondMissEscalates(t *testing.T) {
	s := NewMemoryStore()
	ts := time.Date(2026, 8, 12, 10, 30, 0, 0, time.UTC)

	uow, err := s.Begin(context.Background())
	require.NoError(t, err)

	// A partition function whose range never covers its input forces the
	// retry to miss again.
	broken := func(t time.Time) (string, partition.Range) {
		return "change_logs_y1999m01", partition.Range{
			Start: time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(1999, 2, 1, 0, 0, 0, 0, time.UTC),
		}
	}
	err = AppendWithProvision(s, uow, broken, testRecord(ts))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing after provisioning")
	require.NoError(t, uow.Rollback())
}

func TestAppendMissLeavesNothingBehind(t *testing.T) {
	s := NewMemoryStore()
	uow, err := s.Begin(context.Background())
	require.NoError(t, err)

	err = s.Append(uow, testRecord(time.Date(2026, 8, 12, 0, 0, 0, 0, time.UTC)))
	var miss *PartitionMissError
	require.ErrorAs(t, err, &miss)

	require.NoError(t, uow.Rollback())
	assert.Empty(t, s.Partitions())
	assert.Empty(t, s.All())
}

func TestRollbackDiscardsProvisionedPartition(t *testing.T) {
	s := NewMemoryStore()
	ts := time.Date(2026, 8, 12, 10, 30, 0, 0, time.UTC)

	uow, err := s.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, AppendWithProvision(s, uow, partition.Monthly, testRecord(ts)))
	require.NoError(t, uow.Rollback())

	assert.Empty(t, s.Partitions())
	assert.Empty(t, s.All())
}

func TestEnsurePartitionConcurrentOneWinner(t *testing.T) {
	s := NewMemoryStore()
	name, r := partition.Monthly(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.EnsurePartition(nil, name, r))
		}()
	}
	wg.Wait()

	require.Len(t, s.Partitions(), 1)
}

func TestEnsurePartitionIdempotentInsideUow(t *testing.T) {
	s := NewMemoryStore()
	name, r := partition.Monthly(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))

	uow, err := s.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.EnsurePartition(uow, name, r))
	require.NoError(t, s.EnsurePartition(uow, name, r))
	require.NoError(t, uow.Commit())

	assert.Len(t, s.Partitions(), 1)
}

func TestIDOrderMatchesCommitOrder(t *testing.T) {
	s := NewMemoryStore()
	name, r := partition.Monthly(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, s.EnsurePartition(nil, name, r))

	ts := time.Date(2026, 8, 12, 10, 30, 0, 0, time.UTC)

	first, err := s.Begin(context.Background())
	require.NoError(t, err)
	recA := testRecord(ts)
	require.NoError(t, s.Append(first, recA))

	second, err := s.Begin(context.Background())
	require.NoError(t, err)
	recB := testRecord(ts)
	require.NoError(t, s.Append(second, recB))

	// The later-started unit of work commits first and takes the lower ID.
	require.NoError(t, second.Commit())
	require.NoError(t, first.Commit())

	assert.Equal(t, uint64(1), recB.ID)
	assert.Equal(t, uint64(2), recA.ID)
}

func TestRecordsByKeyAndIndexed(t *testing.T) {
	s := NewMemoryStore()
	ts := time.Date(2026, 8, 12, 10, 30, 0, 0, time.UTC)

	uow, err := s.Begin(context.Background())
	require.NoError(t, err)
	recA := testRecord(ts)
	recA.Indexed = []common.IndexedPair{{Attr: "ownerId", Value: "42"}}
	require.NoError(t, AppendWithProvision(s, uow, partition.Monthly, recA))

	recB := testRecord(ts)
	recB.PrimaryKey = "2"
	require.NoError(t, AppendWithProvision(s, uow, partition.Monthly, recB))
	require.NoError(t, uow.Commit())

	byKey, err := s.RecordsByKey("item", "1", 0)
	require.NoError(t, err)
	require.Len(t, byKey, 1)
	assert.Equal(t, recA.ID, byKey[0].ID)

	byPair, err := s.RecordsByIndexed("ownerId", "42", 0)
	require.NoError(t, err)
	require.Len(t, byPair, 1)
	assert.Equal(t, recA.ID, byPair[0].ID)

	none, err := s.RecordsByIndexed("ownerId", "16", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestConfigRoundTrip(t *testing.T) {
	s := NewMemoryStore()
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
	assert.Equal(t, cfg.LoggedAttrs, got.LoggedAttrs)

	missing, err := s.GetConfig("ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.DeleteConfig("item"))
	gone, err := s.GetConfig("item")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

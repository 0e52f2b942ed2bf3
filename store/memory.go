package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"changelogs/common"
	"changelogs/partition"
	"changelogs/telemetry"
)

// MemoryStore is the in-memory LogStore used by unit tests and as the
// reference implementation of the append/provision protocol. Records buffer
// in the unit of work and receive their IDs at commit, so ID order matches
// commit order exactly.
type MemoryStore struct {
	mu      sync.Mutex
	seq     uint64
	records []*common.ChangeRecord

	catalog *xsync.MapOf[string, partition.Range]
	configs *xsync.MapOf[string, *common.TrackedEntityConfig]
}

var _ LogStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		catalog: xsync.NewMapOf[string, partition.Range](),
		configs: xsync.NewMapOf[string, *common.TrackedEntityConfig](),
	}
}

type memoryUow struct {
	store        *MemoryStore
	records      []*common.ChangeRecord
	pendingParts []PartitionInfo
	done         bool
}

func (s *MemoryStore) Begin(ctx context.Context) (UnitOfWork, error) {
	return &memoryUow{store: s}, nil
}

func (u *memoryUow) Commit() error {
	if u.done {
		return fmt.Errorf("unit of work already finished")
	}
	u.done = true
	s := u.store

	for _, p := range u.pendingParts {
		if _, loaded := s.catalog.LoadOrStore(p.Name, p.Range); !loaded {
			telemetry.PartitionCreatesTotal.Inc()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range u.records {
		s.seq++
		rec.ID = s.seq
		s.records = append(s.records, rec)
		telemetry.RecordsAppendedTotal.Inc()
	}
	return nil
}

func (u *memoryUow) Rollback() error {
	u.done = true
	u.records = nil
	u.pendingParts = nil
	return nil
}

func (s *MemoryStore) covering(u *memoryUow, ts time.Time) bool {
	for _, p := range u.pendingParts {
		if p.Range.Contains(ts) {
			return true
		}
	}
	found := false
	s.catalog.Range(func(_ string, r partition.Range) bool {
		if r.Contains(ts) {
			found = true
			return false
		}
		return true
	})
	return found
}

func (s *MemoryStore) Append(uow UnitOfWork, rec *common.ChangeRecord) error {
	u, ok := uow.(*memoryUow)
	if !ok || u.store != s {
		return fmt.Errorf("unit of work does not belong to this store")
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if !s.covering(u, rec.Timestamp) {
		return &PartitionMissError{Timestamp: rec.Timestamp}
	}
	u.records = append(u.records, rec)
	return nil
}

func (s *MemoryStore) EnsurePartition(uow UnitOfWork, name string, r partition.Range) error {
	info := PartitionInfo{Name: name, Range: partition.Range{Start: r.Start.UTC(), End: r.End.UTC()}}
	if uow == nil {
		if _, loaded := s.catalog.LoadOrStore(info.Name, info.Range); !loaded {
			telemetry.PartitionCreatesTotal.Inc()
		}
		return nil
	}
	u, ok := uow.(*memoryUow)
	if !ok || u.store != s {
		return fmt.Errorf("unit of work does not belong to this store")
	}
	if _, exists := s.catalog.Load(name); exists {
		return nil
	}
	for _, p := range u.pendingParts {
		if p.Name == name {
			return nil
		}
	}
	u.pendingParts = append(u.pendingParts, info)
	return nil
}

func (s *MemoryStore) Partitions() []PartitionInfo {
	var out []PartitionInfo
	s.catalog.Range(func(name string, r partition.Range) bool {
		out = append(out, PartitionInfo{Name: name, Range: r})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Start.Before(out[j].Range.Start) })
	return out
}

func (s *MemoryStore) SaveConfig(cfg *common.TrackedEntityConfig) error {
	s.configs.Store(cfg.Entity, cfg.Clone())
	return nil
}

func (s *MemoryStore) GetConfig(entity string) (*common.TrackedEntityConfig, error) {
	cfg, ok := s.configs.Load(entity)
	if !ok {
		return nil, nil
	}
	return cfg.Clone(), nil
}

func (s *MemoryStore) DeleteConfig(entity string) error {
	s.configs.Delete(entity)
	return nil
}

func (s *MemoryStore) ListConfigs() ([]*common.TrackedEntityConfig, error) {
	var out []*common.TrackedEntityConfig
	s.configs.Range(func(_ string, cfg *common.TrackedEntityConfig) bool {
		out = append(out, cfg.Clone())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out, nil
}

func (s *MemoryStore) RecordsByKey(entity, primaryKey string, limit int) ([]*common.ChangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*common.ChangeRecord
	for _, rec := range s.records {
		if rec.Entity == entity && rec.PrimaryKey == primaryKey {
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) RecordsByIndexed(attr, value string, limit int) ([]*common.ChangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*common.ChangeRecord
	for _, rec := range s.records {
		for _, p := range rec.Indexed {
			if p.Attr == attr && p.Value == value {
				out = append(out, rec)
				break
			}
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// All returns every committed record in ID order. Test helper.
func (s *MemoryStore) All() []*common.ChangeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*common.ChangeRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *MemoryStore) Close() error {
	return nil
}

package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/puzpuzpuz/xsync/v3"

	"changelogs/common"
	"changelogs/encoding"
	"changelogs/partition"
	"changelogs/telemetry"
)

// Pebble keyspace. Segments are joined with 0x00 so entity names and primary
// keys can contain any printable byte.
//
//	p <name>                      -> catalog entry {start, end}
//	s                             -> record sequence (8-byte BE)
//	r <part> <id>                 -> encoded ChangeRecord
//	k <entity> <pk> <id>          -> record key (entity/primary-key index)
//	x <attr> <value> <id>         -> record key (indexed-pair index, sparse)
const (
	pebbleKeySep     = 0x00
	pebblePrefixPart = 'p'
	pebblePrefixSeq  = 's'
	pebblePrefixRec  = 'r'
	pebblePrefixKey  = 'k'
	pebblePrefixPair = 'x'
)

func pebbleKey(prefix byte, segments ...[]byte) []byte {
	out := []byte{prefix}
	for _, seg := range segments {
		out = append(out, pebbleKeySep)
		out = append(out, seg...)
	}
	return out
}

func pebbleID(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

// prefixUpperBound returns the exclusive upper bound for iterating all keys
// starting with prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

type pebbleRange struct {
	Start int64 `msgpack:"s"`
	End   int64 `msgpack:"e"`
}

// PebbleStore keeps the change log in a standalone Pebble keyspace. The unit
// of work is a Pebble batch: records buffer until commit, receive their IDs
// under the store mutex, and land atomically with any partitions provisioned
// alongside them. Used when the log lives outside the host database.
type PebbleStore struct {
	db      *pebble.DB
	catalog *xsync.MapOf[string, partition.Range]

	mu  sync.Mutex // serializes ID assignment and batch commit
	seq uint64

	payloadThreshold int
}

var _ LogStore = (*PebbleStore)(nil)

// PebbleOptions tune the Pebble backend.
type PebbleOptions struct {
	PayloadThreshold int
}

// OpenPebbleStore opens (or creates) a Pebble-backed log store at dir.
func OpenPebbleStore(dir string, opts PebbleOptions) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble store: %w", err)
	}

	s := &PebbleStore{
		db:               db,
		catalog:          xsync.NewMapOf[string, partition.Range](),
		payloadThreshold: opts.PayloadThreshold,
	}

	if raw, closer, err := db.Get(pebbleKey(pebblePrefixSeq)); err == nil {
		if len(raw) == 8 {
			s.seq = binary.BigEndian.Uint64(raw)
		}
		closer.Close()
	} else if err != pebble.ErrNotFound {
		db.Close()
		return nil, fmt.Errorf("load record sequence: %w", err)
	}

	prefix := pebbleKey(pebblePrefixPart)
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load partition catalog: %w", err)
	}
	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefix)+1:])
		var pr pebbleRange
		if err := encoding.Unmarshal(iter.Value(), &pr); err != nil {
			iter.Close()
			db.Close()
			return nil, fmt.Errorf("decode catalog entry %s: %w", name, err)
		}
		s.catalog.Store(name, partition.Range{
			Start: time.Unix(0, pr.Start).UTC(),
			End:   time.Unix(0, pr.End).UTC(),
		})
		count++
	}
	if err := iter.Close(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load partition catalog: %w", err)
	}
	telemetry.PartitionsTotal.Set(float64(count))

	return s, nil
}

type pebbleEntry struct {
	part string
	rec  *common.ChangeRecord
}

type pebbleUow struct {
	store        *PebbleStore
	entries      []pebbleEntry
	pendingParts []PartitionInfo
	done         bool
}

func (s *PebbleStore) Begin(ctx context.Context) (UnitOfWork, error) {
	return &pebbleUow{store: s}, nil
}

func (u *pebbleUow) Commit() error {
	if u.done {
		return fmt.Errorf("unit of work already finished")
	}
	u.done = true
	s := u.store

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, p := range u.pendingParts {
		val, err := encoding.Marshal(pebbleRange{
			Start: p.Range.Start.UnixNano(),
			End:   p.Range.End.UnixNano(),
		})
		if err != nil {
			return fmt.Errorf("encode catalog entry %s: %w", p.Name, err)
		}
		if err := batch.Set(pebbleKey(pebblePrefixPart, []byte(p.Name)), val, nil); err != nil {
			return err
		}
	}

	seq := s.seq
	for _, e := range u.entries {
		seq++
		e.rec.ID = seq

		recKey := pebbleKey(pebblePrefixRec, []byte(e.part), pebbleID(seq))
		val, err := encoding.EncodePayload(e.rec, s.payloadThreshold)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		if err := batch.Set(recKey, val, nil); err != nil {
			return err
		}
		keyIdx := pebbleKey(pebblePrefixKey, []byte(e.rec.Entity), []byte(e.rec.PrimaryKey), pebbleID(seq))
		if err := batch.Set(keyIdx, recKey, nil); err != nil {
			return err
		}
		for _, p := range e.rec.Indexed {
			pairIdx := pebbleKey(pebblePrefixPair, []byte(p.Attr), []byte(p.Value), pebbleID(seq))
			if err := batch.Set(pairIdx, recKey, nil); err != nil {
				return err
			}
		}
	}
	if seq != s.seq {
		if err := batch.Set(pebbleKey(pebblePrefixSeq), pebbleID(seq), nil); err != nil {
			return err
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit unit of work: %w", err)
	}

	s.seq = seq
	for range u.entries {
		telemetry.RecordsAppendedTotal.Inc()
	}
	for _, p := range u.pendingParts {
		if _, loaded := s.catalog.LoadOrStore(p.Name, p.Range); !loaded {
			telemetry.PartitionCreatesTotal.Inc()
		}
	}
	telemetry.PartitionsTotal.Set(float64(s.partitionCount()))
	return nil
}

func (u *pebbleUow) Rollback() error {
	u.done = true
	u.entries = nil
	u.pendingParts = nil
	return nil
}

func (s *PebbleStore) covering(u *pebbleUow, ts time.Time) (string, bool) {
	for _, p := range u.pendingParts {
		if p.Range.Contains(ts) {
			return p.Name, true
		}
	}
	var name string
	found := false
	s.catalog.Range(func(n string, r partition.Range) bool {
		if r.Contains(ts) {
			name, found = n, true
			return false
		}
		return true
	})
	return name, found
}

func (s *PebbleStore) Append(uow UnitOfWork, rec *common.ChangeRecord) error {
	u, ok := uow.(*pebbleUow)
	if !ok || u.store != s {
		return fmt.Errorf("unit of work does not belong to this store")
	}
	rec.Timestamp = rec.Timestamp.UTC()
	part, found := s.covering(u, rec.Timestamp)
	if !found {
		return &PartitionMissError{Timestamp: rec.Timestamp}
	}
	u.entries = append(u.entries, pebbleEntry{part: part, rec: rec})
	return nil
}

func (s *PebbleStore) EnsurePartition(uow UnitOfWork, name string, r partition.Range) error {
	info := PartitionInfo{Name: name, Range: partition.Range{Start: r.Start.UTC(), End: r.End.UTC()}}
	if _, exists := s.catalog.Load(name); exists {
		return nil
	}

	if uow == nil {
		val, err := encoding.Marshal(pebbleRange{Start: info.Range.Start.UnixNano(), End: info.Range.End.UnixNano()})
		if err != nil {
			return fmt.Errorf("encode catalog entry %s: %w", name, err)
		}
		if err := s.db.Set(pebbleKey(pebblePrefixPart, []byte(name)), val, pebble.Sync); err != nil {
			return fmt.Errorf("create partition %s: %w", name, err)
		}
		if _, loaded := s.catalog.LoadOrStore(info.Name, info.Range); !loaded {
			telemetry.PartitionCreatesTotal.Inc()
			telemetry.PartitionsTotal.Set(float64(s.partitionCount()))
		}
		return nil
	}

	u, ok := uow.(*pebbleUow)
	if !ok || u.store != s {
		return fmt.Errorf("unit of work does not belong to this store")
	}
	for _, p := range u.pendingParts {
		if p.Name == name {
			return nil
		}
	}
	u.pendingParts = append(u.pendingParts, info)
	return nil
}

func (s *PebbleStore) partitionCount() int {
	n := 0
	s.catalog.Range(func(string, partition.Range) bool {
		n++
		return true
	})
	return n
}

func (s *PebbleStore) Partitions() []PartitionInfo {
	var out []PartitionInfo
	s.catalog.Range(func(name string, r partition.Range) bool {
		out = append(out, PartitionInfo{Name: name, Range: r})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Start.Before(out[j].Range.Start) })
	return out
}

func (s *PebbleStore) SaveConfig(cfg *common.TrackedEntityConfig) error {
	val, err := encoding.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode tracking config for %s: %w", cfg.Entity, err)
	}
	key := append([]byte("c"), pebbleKeySep)
	key = append(key, cfg.Entity...)
	if err := s.db.Set(key, val, pebble.Sync); err != nil {
		return fmt.Errorf("save tracking config for %s: %w", cfg.Entity, err)
	}
	return nil
}

func (s *PebbleStore) GetConfig(entity string) (*common.TrackedEntityConfig, error) {
	key := append([]byte("c"), pebbleKeySep)
	key = append(key, entity...)
	raw, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tracking config for %s: %w", entity, err)
	}
	defer closer.Close()
	cfg := &common.TrackedEntityConfig{}
	if err := encoding.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode tracking config for %s: %w", entity, err)
	}
	return cfg, nil
}

func (s *PebbleStore) DeleteConfig(entity string) error {
	key := append([]byte("c"), pebbleKeySep)
	key = append(key, entity...)
	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("delete tracking config for %s: %w", entity, err)
	}
	return nil
}

func (s *PebbleStore) ListConfigs() ([]*common.TrackedEntityConfig, error) {
	prefix := append([]byte("c"), pebbleKeySep)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("list tracking configs: %w", err)
	}
	defer iter.Close()

	var out []*common.TrackedEntityConfig
	for iter.First(); iter.Valid(); iter.Next() {
		cfg := &common.TrackedEntityConfig{}
		if err := encoding.Unmarshal(iter.Value(), cfg); err != nil {
			return nil, fmt.Errorf("decode tracking config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

// lookupByIndex walks an index prefix whose values are record keys.
func (s *PebbleStore) lookupByIndex(prefix []byte, limit int) ([]*common.ChangeRecord, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("open index iterator: %w", err)
	}
	defer iter.Close()

	var out []*common.ChangeRecord
	for iter.First(); iter.Valid(); iter.Next() {
		raw, closer, err := s.db.Get(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("load record for index entry: %w", err)
		}
		rec := &common.ChangeRecord{}
		if err := encoding.DecodePayload(raw, rec); err != nil {
			closer.Close()
			return nil, fmt.Errorf("decode record: %w", err)
		}
		closer.Close()
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *PebbleStore) RecordsByKey(entity, primaryKey string, limit int) ([]*common.ChangeRecord, error) {
	// Trailing separator keeps "1" from matching keys under "12".
	prefix := append(pebbleKey(pebblePrefixKey, []byte(entity), []byte(primaryKey)), pebbleKeySep)
	return s.lookupByIndex(prefix, limit)
}

func (s *PebbleStore) RecordsByIndexed(attr, value string, limit int) ([]*common.ChangeRecord, error) {
	prefix := append(pebbleKey(pebblePrefixPair, []byte(attr), []byte(value)), pebbleKeySep)
	return s.lookupByIndex(prefix, limit)
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

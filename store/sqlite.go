package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"changelogs/common"
	"changelogs/encoding"
	"changelogs/partition"
	"changelogs/telemetry"
)

var dialect = goqu.Dialect("sqlite3")

// Partition names become table names; anything else is rejected before it can
// reach a DDL statement.
var partitionNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteStore keeps the change log in the host SQLite database: one table per
// partition plus a sparse side table for indexed pairs, a catalog table, a
// record sequence, and the tracking-config table. Appends ride the caller's
// write transaction.
type SQLiteStore struct {
	writeDB *sql.DB
	readDB  *sql.DB

	// catalog holds committed partitions only; partitions provisioned inside
	// an open unit of work are published here on commit.
	catalog *xsync.MapOf[string, partition.Range]

	payloadThreshold int
}

var _ LogStore = (*SQLiteStore)(nil)

// SQLiteOptions tune the SQLite backend.
type SQLiteOptions struct {
	// PayloadThreshold is the encoded-document size above which payload blobs
	// are compressed. 0 uses the encoding default.
	PayloadThreshold int
}

const sqliteMetaSchema = `
CREATE TABLE IF NOT EXISTS change_logs_catalog (
	name        TEXT PRIMARY KEY,
	range_start INTEGER NOT NULL,
	range_end   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS change_logs_seq (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	v  INTEGER NOT NULL
);
INSERT OR IGNORE INTO change_logs_seq (id, v) VALUES (1, 0);
CREATE TABLE IF NOT EXISTS tracked_entities (
	entity       TEXT PRIMARY KEY,
	pk_attr      TEXT NOT NULL,
	logged_cols  BLOB NOT NULL,
	indexed_cols BLOB NOT NULL
);
`

// NewSQLiteStore initializes the change-log schema on an already-open pair of
// connections (single write connection, read pool) and loads the partition
// catalog. The store does not own the handles; closing it is a no-op for them.
func NewSQLiteStore(writeDB, readDB *sql.DB, opts SQLiteOptions) (*SQLiteStore, error) {
	if _, err := writeDB.Exec(sqliteMetaSchema); err != nil {
		return nil, fmt.Errorf("create change log schema: %w", err)
	}

	s := &SQLiteStore{
		writeDB:          writeDB,
		readDB:           readDB,
		catalog:          xsync.NewMapOf[string, partition.Range](),
		payloadThreshold: opts.PayloadThreshold,
	}

	rows, err := readDB.Query(`SELECT name, range_start, range_end FROM change_logs_catalog`)
	if err != nil {
		return nil, fmt.Errorf("load partition catalog: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var name string
		var start, end int64
		if err := rows.Scan(&name, &start, &end); err != nil {
			return nil, fmt.Errorf("scan partition catalog: %w", err)
		}
		s.catalog.Store(name, partition.Range{
			Start: time.Unix(0, start).UTC(),
			End:   time.Unix(0, end).UTC(),
		})
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load partition catalog: %w", err)
	}
	telemetry.PartitionsTotal.Set(float64(count))

	return s, nil
}

// sqliteUow wraps one write transaction. Partitions provisioned inside it are
// held in pending and published to the shared catalog only when the
// transaction commits.
type sqliteUow struct {
	store   *SQLiteStore
	tx      *sql.Tx
	pending []PartitionInfo
	done    bool
}

// Tx exposes the underlying transaction so the data-access layer can run the
// entity mutation in the same unit of work as the record append.
func (u *sqliteUow) Tx() *sql.Tx {
	return u.tx
}

func (u *sqliteUow) Commit() error {
	if u.done {
		return fmt.Errorf("unit of work already finished")
	}
	u.done = true
	if err := u.tx.Commit(); err != nil {
		return err
	}
	for _, p := range u.pending {
		if _, loaded := u.store.catalog.LoadOrStore(p.Name, p.Range); !loaded {
			telemetry.PartitionCreatesTotal.Inc()
			log.Info().
				Str("partition", p.Name).
				Time("range_start", p.Range.Start).
				Time("range_end", p.Range.End).
				Msg("Partition created")
		}
	}
	telemetry.PartitionsTotal.Set(float64(u.store.partitionCount()))
	return nil
}

func (u *sqliteUow) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	u.pending = nil
	return u.tx.Rollback()
}

func (s *SQLiteStore) partitionCount() int {
	n := 0
	s.catalog.Range(func(string, partition.Range) bool {
		n++
		return true
	})
	return n
}

// Begin opens a unit of work on the write connection.
func (s *SQLiteStore) Begin(ctx context.Context) (UnitOfWork, error) {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin unit of work: %w", err)
	}
	return &sqliteUow{store: s, tx: tx}, nil
}

// covering returns the partition holding ts, considering both committed
// partitions and ones pending in the current unit of work.
func (s *SQLiteStore) covering(u *sqliteUow, ts time.Time) (string, bool) {
	for _, p := range u.pending {
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

func (s *SQLiteStore) Append(uow UnitOfWork, rec *common.ChangeRecord) error {
	u, ok := uow.(*sqliteUow)
	if !ok || u.store != s {
		return fmt.Errorf("unit of work does not belong to this store")
	}

	ts := rec.Timestamp.UTC()
	part, found := s.covering(u, ts)
	if !found {
		return &PartitionMissError{Timestamp: ts}
	}

	var id uint64
	if err := u.tx.QueryRow(`UPDATE change_logs_seq SET v = v + 1 WHERE id = 1 RETURNING v`).Scan(&id); err != nil {
		return fmt.Errorf("advance record sequence: %w", err)
	}

	beforeBlob, err := encodeDoc(rec.Before, s.payloadThreshold)
	if err != nil {
		return fmt.Errorf("encode before document: %w", err)
	}
	afterBlob, err := encodeDoc(rec.After, s.payloadThreshold)
	if err != nil {
		return fmt.Errorf("encode after document: %w", err)
	}
	indexedBlob, err := encodePairs(rec.Indexed, s.payloadThreshold)
	if err != nil {
		return fmt.Errorf("encode indexed pairs: %w", err)
	}

	row := goqu.Record{
		"id":     id,
		"entity": rec.Entity,
		"pk":     rec.PrimaryKey,
		"ts":     ts.UnixNano(),
	}
	if rec.ActorID != "" {
		row["actor_id"] = rec.ActorID
	}
	if beforeBlob != nil {
		row["before"] = beforeBlob
	}
	if afterBlob != nil {
		row["after"] = afterBlob
	}
	if indexedBlob != nil {
		row["indexed"] = indexedBlob
	}
	if len(rec.Context) > 0 {
		row["context"] = []byte(rec.Context)
	}

	query, args, err := dialect.Insert(part).Rows(row).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build record insert: %w", err)
	}
	if _, err := u.tx.Exec(query, args...); err != nil {
		return fmt.Errorf("append record to %s: %w", part, err)
	}

	// Sparse secondary index: rows exist only when the record has pairs.
	for _, p := range rec.Indexed {
		query, args, err := dialect.Insert(part+"_pairs").
			Rows(goqu.Record{"attr": p.Attr, "value": p.Value, "record_id": id}).
			Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("build pair insert: %w", err)
		}
		if _, err := u.tx.Exec(query, args...); err != nil {
			return fmt.Errorf("index pair on %s: %w", part, err)
		}
	}

	rec.ID = id
	rec.Timestamp = ts
	telemetry.RecordsAppendedTotal.Inc()
	return nil
}

func (s *SQLiteStore) EnsurePartition(uow UnitOfWork, name string, r partition.Range) error {
	if !partitionNameRe.MatchString(name) {
		return fmt.Errorf("invalid partition name %q", name)
	}
	if _, exists := s.catalog.Load(name); exists {
		return nil
	}

	exec := s.writeDB.Exec
	var u *sqliteUow
	if uow != nil {
		var ok bool
		if u, ok = uow.(*sqliteUow); !ok || u.store != s {
			return fmt.Errorf("unit of work does not belong to this store")
		}
		for _, p := range u.pending {
			if p.Name == name {
				return nil
			}
		}
		exec = u.tx.Exec
	}

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id       INTEGER PRIMARY KEY,
	entity   TEXT NOT NULL,
	pk       TEXT NOT NULL,
	ts       INTEGER NOT NULL,
	actor_id TEXT,
	before   BLOB,
	after    BLOB,
	indexed  BLOB,
	context  BLOB
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_entity_pk ON %[1]s (entity, pk);
CREATE TABLE IF NOT EXISTS %[1]s_pairs (
	attr      TEXT NOT NULL,
	value     TEXT NOT NULL,
	record_id INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_pairs_attr_value ON %[1]s_pairs (attr, value);
`, name)
	if _, err := exec(ddl); err != nil {
		return fmt.Errorf("create partition %s: %w", name, err)
	}
	if _, err := exec(
		`INSERT OR IGNORE INTO change_logs_catalog (name, range_start, range_end) VALUES (?, ?, ?)`,
		name, r.Start.UTC().UnixNano(), r.End.UTC().UnixNano(),
	); err != nil {
		return fmt.Errorf("catalog partition %s: %w", name, err)
	}

	info := PartitionInfo{Name: name, Range: partition.Range{Start: r.Start.UTC(), End: r.End.UTC()}}
	if u != nil {
		u.pending = append(u.pending, info)
		return nil
	}
	if _, loaded := s.catalog.LoadOrStore(info.Name, info.Range); !loaded {
		telemetry.PartitionCreatesTotal.Inc()
		telemetry.PartitionsTotal.Set(float64(s.partitionCount()))
		log.Info().Str("partition", name).Msg("Partition created")
	}
	return nil
}

func (s *SQLiteStore) Partitions() []PartitionInfo {
	var out []PartitionInfo
	s.catalog.Range(func(name string, r partition.Range) bool {
		out = append(out, PartitionInfo{Name: name, Range: r})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Start.Before(out[j].Range.Start) })
	return out
}

func (s *SQLiteStore) SaveConfig(cfg *common.TrackedEntityConfig) error {
	logged, err := encoding.Marshal(cfg.LoggedAttrs)
	if err != nil {
		return fmt.Errorf("encode logged columns: %w", err)
	}
	indexed, err := encoding.Marshal(cfg.IndexedAttrs)
	if err != nil {
		return fmt.Errorf("encode indexed columns: %w", err)
	}
	_, err = s.writeDB.Exec(
		`INSERT OR REPLACE INTO tracked_entities (entity, pk_attr, logged_cols, indexed_cols) VALUES (?, ?, ?, ?)`,
		cfg.Entity, cfg.PrimaryKey, logged, indexed,
	)
	if err != nil {
		return fmt.Errorf("save tracking config for %s: %w", cfg.Entity, err)
	}
	return nil
}

func (s *SQLiteStore) GetConfig(entity string) (*common.TrackedEntityConfig, error) {
	row := s.readDB.QueryRow(
		`SELECT pk_attr, logged_cols, indexed_cols FROM tracked_entities WHERE entity = ?`, entity)
	cfg := &common.TrackedEntityConfig{Entity: entity}
	var logged, indexed []byte
	err := row.Scan(&cfg.PrimaryKey, &logged, &indexed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tracking config for %s: %w", entity, err)
	}
	if err := encoding.Unmarshal(logged, &cfg.LoggedAttrs); err != nil {
		return nil, fmt.Errorf("decode logged columns for %s: %w", entity, err)
	}
	if err := encoding.Unmarshal(indexed, &cfg.IndexedAttrs); err != nil {
		return nil, fmt.Errorf("decode indexed columns for %s: %w", entity, err)
	}
	return cfg, nil
}

func (s *SQLiteStore) DeleteConfig(entity string) error {
	if _, err := s.writeDB.Exec(`DELETE FROM tracked_entities WHERE entity = ?`, entity); err != nil {
		return fmt.Errorf("delete tracking config for %s: %w", entity, err)
	}
	return nil
}

func (s *SQLiteStore) ListConfigs() ([]*common.TrackedEntityConfig, error) {
	rows, err := s.readDB.Query(`SELECT entity, pk_attr, logged_cols, indexed_cols FROM tracked_entities ORDER BY entity`)
	if err != nil {
		return nil, fmt.Errorf("list tracking configs: %w", err)
	}
	defer rows.Close()

	var out []*common.TrackedEntityConfig
	for rows.Next() {
		cfg := &common.TrackedEntityConfig{}
		var logged, indexed []byte
		if err := rows.Scan(&cfg.Entity, &cfg.PrimaryKey, &logged, &indexed); err != nil {
			return nil, fmt.Errorf("scan tracking config: %w", err)
		}
		if err := encoding.Unmarshal(logged, &cfg.LoggedAttrs); err != nil {
			return nil, fmt.Errorf("decode logged columns for %s: %w", cfg.Entity, err)
		}
		if err := encoding.Unmarshal(indexed, &cfg.IndexedAttrs); err != nil {
			return nil, fmt.Errorf("decode indexed columns for %s: %w", cfg.Entity, err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

const recordColumns = "id, entity, pk, ts, actor_id, before, after, indexed, context"

func (s *SQLiteStore) RecordsByKey(entity, primaryKey string, limit int) ([]*common.ChangeRecord, error) {
	var out []*common.ChangeRecord
	for _, p := range s.Partitions() {
		query, args, err := dialect.From(p.Name).
			Select(goqu.L(recordColumns)).
			Where(goqu.C("entity").Eq(entity), goqu.C("pk").Eq(primaryKey)).
			Order(goqu.C("id").Asc()).
			Prepared(true).ToSQL()
		if err != nil {
			return nil, fmt.Errorf("build key lookup: %w", err)
		}
		recs, err := s.queryRecords(query, args)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
	}
	return out, nil
}

func (s *SQLiteStore) RecordsByIndexed(attr, value string, limit int) ([]*common.ChangeRecord, error) {
	var out []*common.ChangeRecord
	for _, p := range s.Partitions() {
		query, args, err := dialect.From(goqu.T(p.Name).As("r")).
			Select(goqu.L("r.id, r.entity, r.pk, r.ts, r.actor_id, r.before, r.after, r.indexed, r.context")).
			Join(
				goqu.T(p.Name+"_pairs").As("x"),
				goqu.On(goqu.Ex{"x.record_id": goqu.I("r.id")}),
			).
			Where(goqu.Ex{"x.attr": attr, "x.value": value}).
			Order(goqu.I("r.id").Asc()).
			Prepared(true).ToSQL()
		if err != nil {
			return nil, fmt.Errorf("build indexed lookup: %w", err)
		}
		recs, err := s.queryRecords(query, args)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
	}
	return out, nil
}

func (s *SQLiteStore) queryRecords(query string, args []any) ([]*common.ChangeRecord, error) {
	rows, err := s.readDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []*common.ChangeRecord
	for rows.Next() {
		rec := &common.ChangeRecord{}
		var ts int64
		var actor sql.NullString
		var before, after, indexed, ctx []byte
		if err := rows.Scan(&rec.ID, &rec.Entity, &rec.PrimaryKey, &ts, &actor, &before, &after, &indexed, &ctx); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		rec.ActorID = actor.String
		if rec.Before, err = decodeDoc(before); err != nil {
			return nil, fmt.Errorf("decode before document: %w", err)
		}
		if rec.After, err = decodeDoc(after); err != nil {
			return nil, fmt.Errorf("decode after document: %w", err)
		}
		if rec.Indexed, err = decodePairs(indexed); err != nil {
			return nil, fmt.Errorf("decode indexed pairs: %w", err)
		}
		if len(ctx) > 0 {
			rec.Context = ctx
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close is a no-op: the store borrows its connections from the host database
// manager, which owns their lifecycle.
func (s *SQLiteStore) Close() error {
	return nil
}

// Package db owns the host SQLite database: connection management, schema
// introspection, and the session data-access layer whose mutations feed the
// capture pipeline. The change log itself lives behind store.LogStore and by
// default shares the host database, so records commit atomically with the
// mutations that produced them.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"changelogs/capture"
	"changelogs/partition"
	"changelogs/registry"
	"changelogs/store"
)

const schemaCacheSize = 256

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// EntitySchema is the cached shape of one host table.
type EntitySchema struct {
	Attrs []string
	// PKAttr is the declared primary-key column, or "rowid" when the table
	// declares none. A tracked entity's configuration takes precedence.
	PKAttr string
}

// Options tune a Manager.
type Options struct {
	// LogBackend selects where change records live: "sqlite" (default) stores
	// them in the host database inside the same transaction, "pebble" in a
	// standalone keyspace at PebbleDir.
	LogBackend string
	PebbleDir  string

	// Granularity selects the partition layout: "month" (default), "day" or
	// "year".
	Granularity string

	PayloadThresholdBytes int
	BusyTimeoutMS         int
}

// Manager wires the host database to the capture pipeline. One Manager per
// database file; sessions are cheap and per-caller.
type Manager struct {
	writeDB *sql.DB
	readDB  *sql.DB

	schemaCache *lru.Cache[string, *EntitySchema]

	logs     store.LogStore
	registry *registry.Registry
	engine   *capture.Engine

	// sharedTx is set when the log store rides the host write connection, so
	// a session's mutation and its record share one transaction.
	sharedTx bool
}

// NewManager opens the host database at path and brings up the log store,
// tracking registry and capture engine.
func NewManager(path string, opts Options) (*Manager, error) {
	busyTimeout := opts.BusyTimeoutMS
	if busyTimeout <= 0 {
		busyTimeout = 5000
	}

	writeDB, readDB, err := openConnectionPair(path, busyTimeout)
	if err != nil {
		return nil, err
	}

	cache, err := lru.New[string, *EntitySchema](schemaCacheSize)
	if err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, err
	}

	m := &Manager{
		writeDB:     writeDB,
		readDB:      readDB,
		schemaCache: cache,
	}

	switch opts.LogBackend {
	case "", "sqlite":
		m.logs, err = store.NewSQLiteStore(writeDB, readDB, store.SQLiteOptions{
			PayloadThreshold: opts.PayloadThresholdBytes,
		})
		m.sharedTx = true
	case "pebble":
		if opts.PebbleDir == "" {
			err = fmt.Errorf("pebble log backend requires a directory")
		} else {
			m.logs, err = store.OpenPebbleStore(opts.PebbleDir, store.PebbleOptions{
				PayloadThreshold: opts.PayloadThresholdBytes,
			})
		}
	default:
		err = fmt.Errorf("unknown log backend %q", opts.LogBackend)
	}
	if err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, fmt.Errorf("open log store: %w", err)
	}

	partFn, err := partition.ByGranularity(opts.Granularity)
	if err != nil {
		m.Close()
		return nil, err
	}
	m.registry, err = registry.Open(m, m.logs)
	if err != nil {
		m.Close()
		return nil, err
	}
	m.engine = capture.NewEngine(m.registry, m.logs, partFn)

	log.Info().
		Str("path", path).
		Str("log_backend", backendName(opts.LogBackend)).
		Msg("Database manager ready")
	return m, nil
}

func backendName(b string) string {
	if b == "" {
		return "sqlite"
	}
	return b
}

// openConnectionPair opens the single write connection and the read pool,
// both in WAL mode. The write DSN takes immediate transactions so a unit of
// work holds the write lock from Begin.
func openConnectionPair(path string, busyTimeoutMS int) (*sql.DB, *sql.DB, error) {
	isMemoryDB := strings.Contains(path, ":memory:")

	writeDSN := path
	readDSN := path
	if !isMemoryDB {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		writeDSN += fmt.Sprintf("%s_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", sep, busyTimeoutMS)
		readDSN += fmt.Sprintf("%s_journal_mode=WAL&_busy_timeout=%d", sep, busyTimeoutMS)
	}

	writeDB, err := sql.Open("sqlite3", writeDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDB, err := sql.Open("sqlite3", readDSN)
	if err != nil {
		writeDB.Close()
		return nil, nil, fmt.Errorf("open read pool: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(0)

	if !isMemoryDB {
		for _, pragma := range []string{
			"PRAGMA synchronous=NORMAL",
			"PRAGMA cache_size=-16000",
			"PRAGMA temp_store=MEMORY",
		} {
			for _, db := range []*sql.DB{writeDB, readDB} {
				if _, err := db.Exec(pragma); err != nil {
					writeDB.Close()
					readDB.Close()
					return nil, nil, fmt.Errorf("apply %s: %w", pragma, err)
				}
			}
		}
	}
	return writeDB, readDB, nil
}

// Registry exposes the tracking registry for admin surfaces.
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Logs exposes the change-log store for admin surfaces.
func (m *Manager) Logs() store.LogStore {
	return m.logs
}

// Session opens a new session on the manager. Sessions are not safe for
// concurrent use; open one per caller.
func (m *Manager) Session() *Session {
	return &Session{manager: m}
}

// EntityAttributes introspects the host schema for entity, serving the
// tracking registry's validation. Results are cached until the schema changes.
func (m *Manager) EntityAttributes(entity string) ([]string, bool, error) {
	schema, err := m.entitySchema(entity)
	if err != nil {
		return nil, false, err
	}
	if schema == nil {
		return nil, false, nil
	}
	return schema.Attrs, true, nil
}

func (m *Manager) entitySchema(entity string) (*EntitySchema, error) {
	if !identifierRe.MatchString(entity) {
		return nil, nil
	}
	if cached, ok := m.schemaCache.Get(entity); ok {
		return cached, nil
	}

	rows, err := m.readDB.Query(fmt.Sprintf(`PRAGMA table_info(%q)`, entity))
	if err != nil {
		return nil, fmt.Errorf("inspect schema of %s: %w", entity, err)
	}
	defer rows.Close()

	schema := &EntitySchema{PKAttr: "rowid"}
	for rows.Next() {
		var cid, notNull, pk int
		var name, colType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan schema of %s: %w", entity, err)
		}
		schema.Attrs = append(schema.Attrs, name)
		if pk == 1 {
			schema.PKAttr = name
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inspect schema of %s: %w", entity, err)
	}
	if len(schema.Attrs) == 0 {
		return nil, nil
	}

	m.schemaCache.Add(entity, schema)
	return schema, nil
}

// primaryKeyAttr resolves the key attribute for a session mutation: the
// tracking configuration wins, otherwise the table's declared primary key.
func (m *Manager) primaryKeyAttr(entity string) (string, error) {
	if cfg, ok := m.registry.Lookup(entity); ok {
		return cfg.PrimaryKey, nil
	}
	schema, err := m.entitySchema(entity)
	if err != nil {
		return "", err
	}
	if schema == nil {
		return "", fmt.Errorf("entity %s does not exist", entity)
	}
	return schema.PKAttr, nil
}

// ExecDDL runs a schema statement on the write connection and drops the
// schema cache, since table shapes may have changed.
func (m *Manager) ExecDDL(ctx context.Context, ddl string) error {
	if _, err := m.writeDB.ExecContext(ctx, ddl); err != nil {
		return err
	}
	m.schemaCache.Purge()
	return nil
}

// InvalidateSchema evicts one entity from the schema cache.
func (m *Manager) InvalidateSchema(entity string) {
	m.schemaCache.Remove(entity)
}

// Close releases the log store and both connection pools.
func (m *Manager) Close() error {
	var firstErr error
	if m.logs != nil {
		if err := m.logs.Close(); err != nil {
			firstErr = err
		}
	}
	if err := m.readDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.writeDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

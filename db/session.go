package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"

	"changelogs/common"
	"changelogs/store"
)

var dialect = goqu.Dialect("sqlite3")

// txCarrier is implemented by unit-of-work values that ride a host
// transaction, letting the session run its mutation in the same one.
type txCarrier interface {
	Tx() *sql.Tx
}

// Session is the audited data-access layer: every mutation runs through the
// capture pipeline inside one unit of work, so the change record commits or
// rolls back with the row it describes. A session also carries the
// connection-scoped actor and context attached to its records.
//
// Sessions are not safe for concurrent use.
type Session struct {
	manager *Manager

	sc    common.SessionContext
	ctxFp uint64

	tx  *sql.Tx
	uow store.UnitOfWork
}

// SetContext attaches an actor and an optional JSON context document to the
// session. The context persists across transactions until changed or cleared.
// Re-setting identical values is a no-op, detected by fingerprint.
func (s *Session) SetContext(actorID string, contextJSON []byte) error {
	if len(contextJSON) > 0 && !json.Valid(contextJSON) {
		return &InvalidContextError{Reason: "not a JSON document"}
	}

	h := xxhash.New()
	h.WriteString(actorID)
	h.Write([]byte{0})
	h.Write(contextJSON)
	fp := h.Sum64()
	if fp == s.ctxFp && s.ctxFp != 0 {
		return nil
	}

	s.sc = common.SessionContext{ActorID: actorID, Context: contextJSON}
	s.ctxFp = fp
	return nil
}

// ClearContext detaches the session's actor and context.
func (s *Session) ClearContext() {
	s.sc = common.SessionContext{}
	s.ctxFp = 0
}

// CurrentContext returns the context attached to the session.
func (s *Session) CurrentContext() common.SessionContext {
	return s.sc
}

// Begin opens an explicit unit of work. Mutations until Commit or Rollback
// share it; without Begin each mutation autocommits its own.
func (s *Session) Begin(ctx context.Context) error {
	if s.uow != nil {
		return fmt.Errorf("session already has an open unit of work")
	}
	tx, uow, err := s.begin(ctx)
	if err != nil {
		return err
	}
	s.tx, s.uow = tx, uow
	return nil
}

// Commit commits the explicit unit of work.
func (s *Session) Commit() error {
	if s.uow == nil {
		return fmt.Errorf("no open unit of work")
	}
	tx, uow := s.tx, s.uow
	s.tx, s.uow = nil, nil
	return s.commit(tx, uow)
}

// Rollback abandons the explicit unit of work.
func (s *Session) Rollback() error {
	if s.uow == nil {
		return fmt.Errorf("no open unit of work")
	}
	tx, uow := s.tx, s.uow
	s.tx, s.uow = nil, nil
	return s.rollback(tx, uow)
}

func (s *Session) begin(ctx context.Context) (*sql.Tx, store.UnitOfWork, error) {
	uow, err := s.manager.logs.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	if s.manager.sharedTx {
		return uow.(txCarrier).Tx(), uow, nil
	}
	tx, err := s.manager.writeDB.BeginTx(ctx, nil)
	if err != nil {
		uow.Rollback()
		return nil, nil, err
	}
	return tx, uow, nil
}

// commit finishes a unit of work. With the shared-transaction backend the
// record commit is the row commit; with a standalone log store the row
// transaction commits first and the records follow.
func (s *Session) commit(tx *sql.Tx, uow store.UnitOfWork) error {
	if s.manager.sharedTx {
		return uow.Commit()
	}
	if err := tx.Commit(); err != nil {
		uow.Rollback()
		return err
	}
	return uow.Commit()
}

func (s *Session) rollback(tx *sql.Tx, uow store.UnitOfWork) error {
	err := uow.Rollback()
	if !s.manager.sharedTx {
		if txErr := tx.Rollback(); err == nil {
			err = txErr
		}
	}
	return err
}

// withUow runs fn inside the session's open unit of work, or an autocommitted
// one when none is open.
func (s *Session) withUow(ctx context.Context, fn func(tx *sql.Tx, uow store.UnitOfWork) error) error {
	if s.uow != nil {
		return fn(s.tx, s.uow)
	}
	tx, uow, err := s.begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx, uow); err != nil {
		s.rollback(tx, uow)
		return err
	}
	return s.commit(tx, uow)
}

// Insert writes a new row and captures it. The returned document is the row
// as stored, including database-assigned key and default values.
func (s *Session) Insert(ctx context.Context, entity string, doc common.Document) (common.Document, error) {
	pkAttr, err := s.manager.primaryKeyAttr(entity)
	if err != nil {
		return nil, err
	}
	doc = common.NormalizeDocument(doc)

	var after common.Document
	err = s.withUow(ctx, func(tx *sql.Tx, uow store.UnitOfWork) error {
		query, args, err := dialect.Insert(entity).Rows(goqu.Record(doc)).Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("build insert for %s: %w", entity, err)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("insert into %s: %w", entity, err)
		}

		key, ok := doc[pkAttr]
		if !ok || key == nil {
			// SQLite fills an omitted integer key from the rowid.
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("resolve key of inserted %s row: %w", entity, err)
			}
			key = id
		}
		if after, err = s.fetchRow(ctx, tx, entity, pkAttr, key); err != nil {
			return err
		}
		if after == nil {
			return fmt.Errorf("inserted %s row not found by %s", entity, pkAttr)
		}
		_, err = s.manager.engine.Capture(uow, entity, nil, after, s.sc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return after, nil
}

// Update applies changes to the row keyed by key and captures the diff.
// Returns the full row as stored after the update.
func (s *Session) Update(ctx context.Context, entity string, key any, changes common.Document) (common.Document, error) {
	pkAttr, err := s.manager.primaryKeyAttr(entity)
	if err != nil {
		return nil, err
	}
	key = common.NormalizeValue(key)
	changes = common.NormalizeDocument(changes)

	var after common.Document
	err = s.withUow(ctx, func(tx *sql.Tx, uow store.UnitOfWork) error {
		before, err := s.fetchRow(ctx, tx, entity, pkAttr, key)
		if err != nil {
			return err
		}
		if before == nil {
			return &RowNotFoundError{Entity: entity, Key: common.FormatValue(key)}
		}

		query, args, err := dialect.Update(entity).
			Set(goqu.Record(changes)).
			Where(goqu.C(pkAttr).Eq(key)).
			Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("build update for %s: %w", entity, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("update %s: %w", entity, err)
		}

		// Re-read under the changed key in case the update moved it.
		afterKey := key
		if v, ok := changes[pkAttr]; ok {
			afterKey = v
		}
		if after, err = s.fetchRow(ctx, tx, entity, pkAttr, afterKey); err != nil {
			return err
		}
		if after == nil {
			return fmt.Errorf("updated %s row not found by %s", entity, pkAttr)
		}
		_, err = s.manager.engine.Capture(uow, entity, before, after, s.sc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return after, nil
}

// Delete removes the row keyed by key and captures its final image. Deleting
// an absent row is a no-op.
func (s *Session) Delete(ctx context.Context, entity string, key any) error {
	pkAttr, err := s.manager.primaryKeyAttr(entity)
	if err != nil {
		return err
	}
	key = common.NormalizeValue(key)

	return s.withUow(ctx, func(tx *sql.Tx, uow store.UnitOfWork) error {
		before, err := s.fetchRow(ctx, tx, entity, pkAttr, key)
		if err != nil {
			return err
		}
		if before == nil {
			return nil
		}

		query, args, err := dialect.Delete(entity).Where(goqu.C(pkAttr).Eq(key)).Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("build delete for %s: %w", entity, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete from %s: %w", entity, err)
		}
		_, err = s.manager.engine.Capture(uow, entity, before, nil, s.sc)
		return err
	})
}

// Get reads the row keyed by key, through the open unit of work when the
// session has one so its own writes are visible.
func (s *Session) Get(ctx context.Context, entity string, key any) (common.Document, error) {
	pkAttr, err := s.manager.primaryKeyAttr(entity)
	if err != nil {
		return nil, err
	}
	key = common.NormalizeValue(key)
	if s.tx != nil {
		return s.fetchRow(ctx, s.tx, entity, pkAttr, key)
	}
	return s.fetchRow(ctx, s.manager.readDB, entity, pkAttr, key)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Session) fetchRow(ctx context.Context, q queryer, entity, pkAttr string, key any) (common.Document, error) {
	query, args, err := rowQuery(entity, pkAttr, key)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read %s row: %w", entity, err)
	}
	return scanDocument(rows)
}

func rowQuery(entity, pkAttr string, key any) (string, []any, error) {
	query, args, err := dialect.From(entity).Where(goqu.C(pkAttr).Eq(key)).Limit(1).Prepared(true).ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("build row query for %s: %w", entity, err)
	}
	return query, args, nil
}

// scanDocument reads at most one row into a Document. No row means nil.
func scanDocument(rows *sql.Rows) (common.Document, error) {
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	doc := make(common.Document, len(cols))
	for i, col := range cols {
		doc[col] = common.NormalizeValue(values[i])
	}
	return doc, rows.Err()
}

// Package capture turns row mutations into change records: it filters the row
// images through the entity's logged-column selection, computes the minimal
// diff, extracts indexed pairs, and appends the record into the caller's unit
// of work. Capture is synchronous; the record shares fate with the mutation.
package capture

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"changelogs/colsel"
	"changelogs/common"
	"changelogs/partition"
	"changelogs/store"
	"changelogs/telemetry"
)

// Operation labels, also used as the telemetry op label.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// ConfigSource resolves the tracking configuration for an entity. Entities it
// does not know are not tracked.
type ConfigSource interface {
	Lookup(entity string) (*common.TrackedEntityConfig, bool)
}

// PrimaryKeyMissingError reports a mutation on a tracked entity whose row
// images carry no value for the configured primary-key attribute. The mutation
// itself cannot proceed: a record that cannot be keyed would be unfindable.
type PrimaryKeyMissingError struct {
	Entity string
	Attr   string
}

func (e *PrimaryKeyMissingError) Error() string {
	return fmt.Sprintf("entity %s: primary key attribute %s missing from row", e.Entity, e.Attr)
}

// Engine is the capture pipeline. One engine serves all sessions; it holds no
// per-call state.
type Engine struct {
	configs ConfigSource
	logs    store.LogStore
	partFn  partition.Func
	now     func() time.Time
}

// NewEngine wires the pipeline. partFn decides the partition for a record's
// timestamp; nil defaults to monthly.
func NewEngine(configs ConfigSource, logs store.LogStore, partFn partition.Func) *Engine {
	if partFn == nil {
		partFn = partition.Monthly
	}
	return &Engine{
		configs: configs,
		logs:    logs,
		partFn:  partFn,
		now:     time.Now,
	}
}

// Capture processes one mutation. A nil before is an insert, a nil after a
// delete, both set an update. Untracked entities and no-op updates return
// (nil, nil); otherwise the appended record is returned with its assigned ID.
// Errors abort the caller's unit of work together with the host mutation.
func (e *Engine) Capture(uow store.UnitOfWork, entity string, before, after common.Document, sc common.SessionContext) (*common.ChangeRecord, error) {
	started := time.Now()

	op := OpUpdate
	switch {
	case before == nil && after == nil:
		return nil, fmt.Errorf("entity %s: capture called without row images", entity)
	case before == nil:
		op = OpInsert
	case after == nil:
		op = OpDelete
	}

	cfg, tracked := e.configs.Lookup(entity)
	if !tracked {
		telemetry.CapturesTotal.With(op, "skipped").Inc()
		return nil, nil
	}

	pk, err := primaryKey(cfg, before, after)
	if err != nil {
		telemetry.CapturesTotal.With(op, "error").Inc()
		return nil, err
	}

	sel := colsel.Selection(cfg.LoggedAttrs)
	var recBefore, recAfter common.Document
	switch op {
	case OpInsert:
		recAfter = sel.FilterDoc(after)
	case OpDelete:
		recBefore = sel.FilterDoc(before)
	default:
		var changed bool
		recBefore, recAfter, changed = Diff(sel.FilterDoc(before), sel.FilterDoc(after))
		if !changed {
			telemetry.CapturesTotal.With(op, "suppressed").Inc()
			return nil, nil
		}
	}

	rec := &common.ChangeRecord{
		Entity:     entity,
		PrimaryKey: pk,
		Timestamp:  e.now().UTC(),
		ActorID:    sc.ActorID,
		Before:     recBefore,
		After:      recAfter,
		// Indexed pairs come from the unfiltered images: indexing an
		// attribute works whether or not it is logged.
		Indexed: ExtractIndexed(cfg.IndexedAttrs, before, after),
		Context: sc.Context,
	}

	if err := store.AppendWithProvision(e.logs, uow, e.partFn, rec); err != nil {
		telemetry.CapturesTotal.With(op, "error").Inc()
		return nil, fmt.Errorf("capture %s on %s/%s: %w", op, entity, pk, err)
	}

	telemetry.CapturesTotal.With(op, "recorded").Inc()
	telemetry.CaptureDurationSeconds.Observe(time.Since(started).Seconds())
	log.Debug().
		Str("entity", entity).
		Str("pk", pk).
		Str("op", op).
		Uint64("record_id", rec.ID).
		Msg("Change captured")
	return rec, nil
}

// primaryKey resolves the record key from the row images, preferring the after
// image so key updates are filed under the new key.
func primaryKey(cfg *common.TrackedEntityConfig, before, after common.Document) (string, error) {
	for _, doc := range []common.Document{after, before} {
		if doc == nil {
			continue
		}
		if v, ok := doc[cfg.PrimaryKey]; ok && v != nil {
			return common.FormatValue(v), nil
		}
	}
	return "", &PrimaryKeyMissingError{Entity: cfg.Entity, Attr: cfg.PrimaryKey}
}

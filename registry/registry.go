// Package registry manages which entities are tracked and with what column
// configuration. Mutations persist through the log store and take effect
// immediately for subsequent captures; tracking configuration only accretes,
// so re-tracking an entity can widen but never narrow what is recorded.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"changelogs/colsel"
	"changelogs/common"
	"changelogs/store"
	"changelogs/telemetry"
)

// SchemaSource answers which attributes an entity has in the host schema.
type SchemaSource interface {
	// EntityAttributes returns the entity's attribute names, or ok=false when
	// the entity does not exist.
	EntityAttributes(entity string) (attrs []string, ok bool, err error)
}

// Registry is the tracking-configuration authority. Lookups are lock-free;
// mutations serialize on a single mutex and publish immutable snapshots.
type Registry struct {
	schemas SchemaSource
	logs    store.LogStore

	live *xsync.MapOf[string, *common.TrackedEntityConfig]
	mu   sync.Mutex
}

// Open builds a registry and loads every persisted tracking configuration.
func Open(schemas SchemaSource, logs store.LogStore) (*Registry, error) {
	r := &Registry{
		schemas: schemas,
		logs:    logs,
		live:    xsync.NewMapOf[string, *common.TrackedEntityConfig](),
	}
	configs, err := logs.ListConfigs()
	if err != nil {
		return nil, fmt.Errorf("load tracking configs: %w", err)
	}
	for _, cfg := range configs {
		r.live.Store(cfg.Entity, cfg)
	}
	telemetry.TrackedEntities.Set(float64(len(configs)))
	log.Info().Int("entities", len(configs)).Msg("Tracking registry loaded")
	return r, nil
}

// Lookup returns the live configuration for entity. The returned value is an
// immutable snapshot; mutations replace it wholesale.
func (r *Registry) Lookup(entity string) (*common.TrackedEntityConfig, bool) {
	return r.live.Load(entity)
}

// List returns every tracked entity's configuration, ordered by entity name.
func (r *Registry) List() []*common.TrackedEntityConfig {
	var out []*common.TrackedEntityConfig
	r.live.Range(func(_ string, cfg *common.TrackedEntityConfig) bool {
		out = append(out, cfg)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// Track starts (or widens) tracking of entity. The primary-key attribute and
// every concrete column reference are validated against the host schema; an
// empty logged list defaults to the wildcard. Tracking an already-tracked
// entity unions the new columns into the existing configuration and adopts the
// new primary-key attribute.
func (r *Registry) Track(entity, pkAttr string, logged, indexed []string) (*common.TrackedEntityConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	attrs, err := r.entityAttrs(entity)
	if err != nil {
		return r.fail("track", err)
	}
	if !contains(attrs, pkAttr) {
		return r.fail("track", &AttributeNotFoundError{Entity: entity, Attribute: pkAttr})
	}
	if len(logged) == 0 {
		logged = []string{colsel.Wildcard}
	}
	if err := r.validateLogged(entity, attrs, logged); err != nil {
		return r.fail("track", err)
	}
	if err := r.validateIndexed(entity, attrs, indexed); err != nil {
		return r.fail("track", err)
	}

	cfg := &common.TrackedEntityConfig{
		Entity:       entity,
		PrimaryKey:   pkAttr,
		LoggedAttrs:  logged,
		IndexedAttrs: indexed,
	}
	if existing, ok := r.live.Load(entity); ok {
		cfg.LoggedAttrs = colsel.Union(existing.LoggedAttrs, logged)
		cfg.IndexedAttrs = colsel.Union(existing.IndexedAttrs, indexed)
	}
	if err := r.publish("track", cfg); err != nil {
		return nil, err
	}
	log.Info().
		Str("entity", entity).
		Str("pk", pkAttr).
		Strs("logged", cfg.LoggedAttrs).
		Strs("indexed", cfg.IndexedAttrs).
		Msg("Entity tracked")
	return cfg, nil
}

// Untrack stops tracking entity and returns the removed configuration, or nil
// when it was not tracked. Already-written records stay in the log.
func (r *Registry) Untrack(entity string) (*common.TrackedEntityConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.live.Load(entity)
	if !ok {
		telemetry.RegistryOpsTotal.With("untrack", "ok").Inc()
		return nil, nil
	}
	if err := r.logs.DeleteConfig(entity); err != nil {
		telemetry.RegistryOpsTotal.With("untrack", "error").Inc()
		return nil, fmt.Errorf("untrack %s: %w", entity, err)
	}
	r.live.Delete(entity)
	telemetry.RegistryOpsTotal.With("untrack", "ok").Inc()
	telemetry.TrackedEntities.Set(float64(r.count()))
	log.Info().Str("entity", entity).Msg("Entity untracked")
	return cfg, nil
}

// AddLoggedColumns widens the logged-column selection of a tracked entity.
// Bare names must exist in the schema; wildcard, exclusion and pattern entries
// pass through, since what they match is decided per capture.
func (r *Registry) AddLoggedColumns(entity string, cols []string) (*common.TrackedEntityConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, attrs, err := r.trackedEntity(entity)
	if err != nil {
		return r.fail("add_logged", err)
	}
	if err := r.validateLogged(entity, attrs, cols); err != nil {
		return r.fail("add_logged", err)
	}

	cfg := existing.Clone()
	cfg.LoggedAttrs = colsel.Union(cfg.LoggedAttrs, cols)
	if err := r.publish("add_logged", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AddIndexedColumns widens the indexed-attribute list of a tracked entity.
// Indexed entries must be concrete attribute names present in the schema;
// patterns and exclusions have no meaning for an index.
func (r *Registry) AddIndexedColumns(entity string, cols []string) (*common.TrackedEntityConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, attrs, err := r.trackedEntity(entity)
	if err != nil {
		return r.fail("add_indexed", err)
	}
	if err := r.validateIndexed(entity, attrs, cols); err != nil {
		return r.fail("add_indexed", err)
	}

	cfg := existing.Clone()
	cfg.IndexedAttrs = colsel.Union(cfg.IndexedAttrs, cols)
	if err := r.publish("add_indexed", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (r *Registry) entityAttrs(entity string) ([]string, error) {
	attrs, ok, err := r.schemas.EntityAttributes(entity)
	if err != nil {
		return nil, fmt.Errorf("inspect entity %s: %w", entity, err)
	}
	if !ok {
		return nil, &EntityNotFoundError{Entity: entity}
	}
	return attrs, nil
}

func (r *Registry) trackedEntity(entity string) (*common.TrackedEntityConfig, []string, error) {
	existing, ok := r.live.Load(entity)
	if !ok {
		return nil, nil, &EntityNotFoundError{Entity: entity, Untracked: true}
	}
	attrs, err := r.entityAttrs(entity)
	if err != nil {
		return nil, nil, err
	}
	return existing, attrs, nil
}

func (r *Registry) validateLogged(entity string, attrs, cols []string) error {
	for _, col := range cols {
		if colsel.IsConcrete(col) && !contains(attrs, col) {
			return &AttributeNotFoundError{Entity: entity, Attribute: col}
		}
	}
	return nil
}

func (r *Registry) validateIndexed(entity string, attrs, cols []string) error {
	for _, col := range cols {
		if !colsel.IsConcrete(col) || !contains(attrs, col) {
			return &AttributeNotFoundError{Entity: entity, Attribute: col}
		}
	}
	return nil
}

// publish persists cfg and swaps it into the live map. Called with mu held.
func (r *Registry) publish(op string, cfg *common.TrackedEntityConfig) error {
	if err := r.logs.SaveConfig(cfg); err != nil {
		telemetry.RegistryOpsTotal.With(op, "error").Inc()
		return fmt.Errorf("save tracking config for %s: %w", cfg.Entity, err)
	}
	r.live.Store(cfg.Entity, cfg)
	telemetry.RegistryOpsTotal.With(op, "ok").Inc()
	telemetry.TrackedEntities.Set(float64(r.count()))
	return nil
}

func (r *Registry) fail(op string, err error) (*common.TrackedEntityConfig, error) {
	telemetry.RegistryOpsTotal.With(op, "error").Inc()
	return nil, err
}

func (r *Registry) count() int {
	n := 0
	r.live.Range(func(string, *common.TrackedEntityConfig) bool {
		n++
		return true
	})
	return n
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

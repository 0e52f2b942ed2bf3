// Package store persists change records in time-partitioned segments behind a
// single LogStore interface with SQLite, Pebble and in-memory backends. The
// SQLite backend is the one the session data-access layer runs through: its
// unit of work wraps the host transaction, so a record append commits or rolls
// back together with the mutation that produced it.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"changelogs/common"
	"changelogs/partition"
	"changelogs/telemetry"
)

// PartitionInfo names one provisioned partition and the half-open time range
// it retains. Partitions are created on demand and never deleted.
type PartitionInfo struct {
	Name  string          `json:"name"`
	Range partition.Range `json:"range"`
}

// UnitOfWork is one atomic batch of appends, sharing fate with whatever host
// mutations ride the same transaction. Partitions provisioned inside a unit of
// work become visible to other writers only on Commit.
type UnitOfWork interface {
	Commit() error
	Rollback() error
}

// LogStore is the persistence boundary of the change log.
//
// Append returns PartitionMissError when no partition covers the record's
// timestamp; callers recover through AppendWithProvision. Config operations
// are individually atomic and not tied to any unit of work.
type LogStore interface {
	Begin(ctx context.Context) (UnitOfWork, error)

	// Append assigns the record its ID and writes it into the covering
	// partition. The ID sequence is advanced inside the unit of work, so ID
	// order matches commit order.
	Append(uow UnitOfWork, rec *common.ChangeRecord) error

	// EnsurePartition provisions the named segment for [r.Start, r.End).
	// Idempotent; concurrent creators collapse to one winner and "already
	// exists" is success. With a nil uow the partition is provisioned and
	// published immediately.
	EnsurePartition(uow UnitOfWork, name string, r partition.Range) error

	// Partitions lists provisioned partitions ordered by range start.
	Partitions() []PartitionInfo

	// Tracking configuration store, keyed by entity, not partitioned.
	SaveConfig(cfg *common.TrackedEntityConfig) error
	GetConfig(entity string) (*common.TrackedEntityConfig, error)
	DeleteConfig(entity string) error
	ListConfigs() ([]*common.TrackedEntityConfig, error)

	// Secondary lookups. Results are ordered by record ID ascending;
	// limit <= 0 means no limit.
	RecordsByKey(entity, primaryKey string, limit int) ([]*common.ChangeRecord, error)
	RecordsByIndexed(attr, value string, limit int) ([]*common.ChangeRecord, error)

	Close() error
}

// PartitionMissError reports an append whose timestamp no partition covers.
// It is the only recoverable storage failure: the caller provisions the
// partition and retries exactly once.
type PartitionMissError struct {
	Timestamp time.Time
}

func (e *PartitionMissError) Error() string {
	return fmt.Sprintf("no partition covers timestamp %s", e.Timestamp.UTC().Format(time.RFC3339Nano))
}

// AppendWithProvision runs the write protocol: append, and on a partition miss
// decide the partition with pf, provision it, and retry the append once. A
// second miss means the partition layout shrank underneath us, which cannot
// happen in a healthy system, so it escalates. Every other failure propagates
// unrecovered.
func AppendWithProvision(s LogStore, uow UnitOfWork, pf partition.Func, rec *common.ChangeRecord) error {
	err := s.Append(uow, rec)
	var miss *PartitionMissError
	if !errors.As(err, &miss) {
		return err
	}

	name, r := pf(rec.Timestamp)
	start := time.Now()
	if err := s.EnsurePartition(uow, name, r); err != nil {
		return fmt.Errorf("provision partition %s: %w", name, err)
	}
	telemetry.PartitionProvisionSeconds.Observe(time.Since(start).Seconds())
	telemetry.PartitionMissRecoveriesTotal.Inc()

	if err := s.Append(uow, rec); err != nil {
		if errors.As(err, &miss) {
			return fmt.Errorf("partition %s missing after provisioning: %w", name, err)
		}
		return err
	}
	return nil
}

package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// CaptureBuckets for the inline capture hook (local SQLite writes)
	CaptureBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	// ProvisionBuckets for partition provisioning (rare, DDL-heavy)
	ProvisionBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
)

// Capture Pipeline Metrics
var (
	// CapturesTotal counts hook invocations by operation (insert, update, delete)
	// and result (recorded, suppressed, skipped, error)
	CapturesTotal CounterVec = noopCounterVec{}

	// CaptureDurationSeconds measures end-to-end hook latency
	CaptureDurationSeconds Histogram = NoopStat{}

	// RecordsAppendedTotal counts change records durably appended
	RecordsAppendedTotal Counter = NoopStat{}

	// PayloadBytes measures encoded before/after payload sizes
	PayloadBytes Histogram = NoopStat{}
)

// Partition Metrics
var (
	// PartitionCreatesTotal counts partitions provisioned
	PartitionCreatesTotal Counter = NoopStat{}

	// PartitionMissRecoveriesTotal counts appends recovered by provisioning and retrying
	PartitionMissRecoveriesTotal Counter = NoopStat{}

	// PartitionProvisionSeconds measures partition provisioning latency
	PartitionProvisionSeconds Histogram = NoopStat{}

	// PartitionsTotal tracks the current partition count
	PartitionsTotal Gauge = NoopStat{}
)

// Registry Metrics
var (
	// RegistryOpsTotal counts registry mutations by operation
	// (track, untrack, add_logged, add_indexed) and result (ok, error)
	RegistryOpsTotal CounterVec = noopCounterVec{}

	// TrackedEntities tracks the number of currently tracked entities
	TrackedEntities Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after Initialize().
func InitMetrics() {
	CapturesTotal = NewCounterVec(
		"captures_total",
		"Capture hook invocations by operation and result",
		[]string{"op", "result"},
	)
	CaptureDurationSeconds = NewHistogramWithBuckets(
		"capture_duration_seconds",
		"Capture hook duration in seconds",
		CaptureBuckets,
	)
	RecordsAppendedTotal = NewCounter(
		"records_appended_total",
		"Total change records appended",
	)
	PayloadBytes = NewHistogram(
		"payload_bytes",
		"Encoded before/after payload size in bytes",
	)

	PartitionCreatesTotal = NewCounter(
		"partition_creates_total",
		"Total partitions provisioned",
	)
	PartitionMissRecoveriesTotal = NewCounter(
		"partition_miss_recoveries_total",
		"Appends recovered by provisioning the missing partition",
	)
	PartitionProvisionSeconds = NewHistogramWithBuckets(
		"partition_provision_seconds",
		"Partition provisioning duration in seconds",
		ProvisionBuckets,
	)
	PartitionsTotal = NewGauge(
		"partitions_total",
		"Current number of partitions",
	)

	RegistryOpsTotal = NewCounterVec(
		"registry_ops_total",
		"Tracking registry mutations by operation and result",
		[]string{"op", "result"},
	)
	TrackedEntities = NewGauge(
		"tracked_entities",
		"Number of currently tracked entities",
	)
}

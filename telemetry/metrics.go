package telemetry

// Histogram buckets for remote write latency and batch sizes.
var (
	// WriteLatencyBuckets for target index HTTP calls.
	WriteLatencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	// BatchSizeBuckets for rows per flushed batch.
	BatchSizeBuckets = []float64{1, 10, 50, 100, 250, 500, 1000, 2500}
)

// Source metrics
var (
	// EventsDecodedTotal counts changes decoded from the WAL.
	EventsDecodedTotal Counter = NoopStat{}

	// DecodeFailuresTotal counts per-change decode failures.
	DecodeFailuresTotal Counter = NoopStat{}

	// SourceErrorsTotal counts transient source read failures.
	SourceErrorsTotal Counter = NoopStat{}
)

// Pipeline metrics
var (
	// EventsRoutedTotal counts events routed, labeled by mapping.
	EventsRoutedTotal CounterVec = noopCounterVec{}

	// ActionsTotal counts transformer outputs by mapping and action type.
	ActionsTotal CounterVec = noopCounterVec{}

	// BatchesFlushedTotal counts flushed batches by namespace.
	BatchesFlushedTotal CounterVec = noopCounterVec{}

	// BatchRows measures rows per flushed batch.
	BatchRows Histogram = NoopStat{}

	// QueueDepth tracks per-mapping queue occupancy.
	QueueDepth GaugeVec = noopGaugeVec{}
)

// Writer metrics
var (
	// WritesTotal counts write outcomes by class (ok, conditional_mismatch,
	// validation, permanent, transient_retry).
	WritesTotal CounterVec = noopCounterVec{}

	// WriteRetriesTotal counts transient retries.
	WriteRetriesTotal Counter = NoopStat{}

	// WriteDurationSeconds measures target write latency.
	WriteDurationSeconds Histogram = NoopStat{}
)

// State metrics
var (
	// CheckpointLSN tracks the applied LSN per mapping.
	CheckpointLSN GaugeVec = noopGaugeVec{}

	// DLQDepth tracks pending DLQ entries per mapping.
	DLQDepth GaugeVec = noopGaugeVec{}

	// BackfillRowsTotal counts backfilled rows per mapping.
	BackfillRowsTotal CounterVec = noopCounterVec{}
)

// registerMetrics replaces the noop metrics with registered collectors.
func registerMetrics() {
	EventsDecodedTotal = NewCounter("events_decoded_total", "Changes decoded from the WAL")
	DecodeFailuresTotal = NewCounter("decode_failures_total", "Per-change decode failures")
	SourceErrorsTotal = NewCounter("source_errors_total", "Transient source read failures")

	EventsRoutedTotal = NewCounterVec("events_routed_total", "Events routed to mappings", []string{"mapping"})
	ActionsTotal = NewCounterVec("actions_total", "Transformer outputs", []string{"mapping", "action"})
	BatchesFlushedTotal = NewCounterVec("batches_flushed_total", "Flushed batches", []string{"namespace"})
	BatchRows = NewHistogram("batch_rows", "Rows per flushed batch", BatchSizeBuckets)
	QueueDepth = NewGaugeVec("queue_depth", "Per-mapping queue occupancy", []string{"mapping"})

	WritesTotal = NewCounterVec("writes_total", "Write outcomes by class", []string{"class"})
	WriteRetriesTotal = NewCounter("write_retries_total", "Transient write retries")
	WriteDurationSeconds = NewHistogram("write_duration_seconds", "Target write latency", WriteLatencyBuckets)

	CheckpointLSN = NewGaugeVec("checkpoint_lsn", "Applied LSN per mapping", []string{"mapping"})
	DLQDepth = NewGaugeVec("dlq_depth", "Pending DLQ entries per mapping", []string{"mapping"})
	BackfillRowsTotal = NewCounterVec("backfill_rows_total", "Backfilled rows", []string{"mapping"})
}

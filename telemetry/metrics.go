package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// UpdateBuckets for marker update operations (store + oracle round trips)
	UpdateBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	// LockWaitBuckets for time spent queued on a serializer key
	LockWaitBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

	// PurgeBuckets for retention purge runs (index scan + archive + delete)
	PurgeBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60}
)

// Marker update metrics
var (
	// MarkerUpdatesTotal counts marker updates by op (single, room_wide) and
	// result (applied, noop, unknown_event, store_error)
	MarkerUpdatesTotal CounterVec = noopCounterVec{}

	// MarkerUpdateSeconds measures marker update latency by op
	MarkerUpdateSeconds HistogramVec = noopHistogramVec{}

	// SerializerWaitSeconds measures time spent waiting for a key
	SerializerWaitSeconds Histogram = NoopStat{}

	// SerializerActiveKeys tracks keys currently held or queued
	SerializerActiveKeys Gauge = NoopStat{}
)

// Retention metrics
var (
	// RetentionTriggersTotal counts retention decisions by outcome (triggered, skipped)
	RetentionTriggersTotal CounterVec = noopCounterVec{}

	// PurgeRunsTotal counts purge executions by result (success, failed, dropped)
	PurgeRunsTotal CounterVec = noopCounterVec{}

	// PurgeDurationSeconds measures purge run duration
	PurgeDurationSeconds Histogram = NoopStat{}

	// PurgedEventsTotal counts events removed from the index by retention
	PurgedEventsTotal Counter = NoopStat{}

	// PurgeQueueDepth tracks pending purge requests
	PurgeQueueDepth Gauge = NoopStat{}
)

// Notification metrics
var (
	// MarkerSignalsTotal counts signals fanned out to hub subscribers
	MarkerSignalsTotal Counter = NoopStat{}

	// SinkPublishTotal counts sink publishes by sink name and result
	SinkPublishTotal CounterVec = noopCounterVec{}

	// SinkRetriesTotal counts publish retries by sink name
	SinkRetriesTotal CounterVec = noopCounterVec{}
)

// Ordering index metrics
var (
	// OracleLookupsTotal counts order key lookups by path (cache, filter_reject, index)
	OracleLookupsTotal CounterVec = noopCounterVec{}

	// IndexedEventsTotal counts events added to the ordering index
	IndexedEventsTotal Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	MarkerUpdatesTotal = NewCounterVec(
		"marker_updates_total",
		"Marker updates by operation and result",
		[]string{"op", "result"},
	)
	MarkerUpdateSeconds = NewHistogramVec(
		"marker_update_seconds",
		"Marker update duration in seconds",
		[]string{"op"},
		UpdateBuckets,
	)
	SerializerWaitSeconds = NewHistogramWithBuckets(
		"serializer_wait_seconds",
		"Time spent waiting for a serializer key in seconds",
		LockWaitBuckets,
	)
	SerializerActiveKeys = NewGauge(
		"serializer_active_keys",
		"Serializer keys currently held or queued",
	)

	RetentionTriggersTotal = NewCounterVec(
		"retention_triggers_total",
		"Retention decisions by outcome",
		[]string{"outcome"},
	)
	PurgeRunsTotal = NewCounterVec(
		"purge_runs_total",
		"Purge executions by result",
		[]string{"result"},
	)
	PurgeDurationSeconds = NewHistogramWithBuckets(
		"purge_duration_seconds",
		"Purge run duration in seconds",
		PurgeBuckets,
	)
	PurgedEventsTotal = NewCounter(
		"purged_events_total",
		"Events removed from the ordering index by retention",
	)
	PurgeQueueDepth = NewGauge(
		"purge_queue_depth",
		"Pending purge requests",
	)

	MarkerSignalsTotal = NewCounter(
		"marker_signals_total",
		"Marker change signals fanned out to subscribers",
	)
	SinkPublishTotal = NewCounterVec(
		"sink_publish_total",
		"Sink publishes by sink and result",
		[]string{"sink", "result"},
	)
	SinkRetriesTotal = NewCounterVec(
		"sink_retries_total",
		"Publish retries by sink",
		[]string{"sink"},
	)

	OracleLookupsTotal = NewCounterVec(
		"oracle_lookups_total",
		"Order key lookups by resolution path",
		[]string{"path"},
	)
	IndexedEventsTotal = NewCounter(
		"indexed_events_total",
		"Events added to the ordering index",
	)
}

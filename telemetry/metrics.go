package telemetry

// Histogram bucket definitions
var (
	// RunBuckets for whole backup runs, dominated by the page copy
	RunBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

	// PhaseBuckets for individual pipeline phases
	PhaseBuckets = []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300}
)

// Backup Run Metrics
var (
	// RunsTotal counts backup runs by frequency and result (success, failed)
	RunsTotal CounterVec = noopCounterVec{}

	// RunDurationSeconds measures end-to-end run latency by frequency
	RunDurationSeconds HistogramVec = noopHistogramVec{}

	// PhaseDurationSeconds measures time spent in each pipeline phase
	PhaseDurationSeconds HistogramVec = noopHistogramVec{}

	// LastSuccessTimestamp is the unix time of the last published backup per frequency
	LastSuccessTimestamp GaugeVec = noopGaugeVec{}

	// ArchiveBytes is the compressed size of the last published backup per frequency
	ArchiveBytes GaugeVec = noopGaugeVec{}

	// LastRunPages is the source page count copied by the last published backup
	LastRunPages Gauge = NoopStat{}
)

// Snapshot and Serialization Metrics
var (
	// PagesCopiedTotal counts pages copied from the source into the replica
	PagesCopiedTotal Counter = NoopStat{}

	// SnapshotStallsTotal counts copy steps that made no progress
	SnapshotStallsTotal Counter = NoopStat{}

	// StatementsWrittenTotal counts statements written to archives
	StatementsWrittenTotal Counter = NoopStat{}

	// UncompressedBytesTotal counts statement bytes before compression
	UncompressedBytesTotal Counter = NoopStat{}
)

// Retention Metrics
var (
	// FilesPrunedTotal counts backups deleted by frequency
	FilesPrunedTotal CounterVec = noopCounterVec{}

	// PruneFailuresTotal counts prune passes that stopped on an error
	PruneFailuresTotal CounterVec = noopCounterVec{}

	// BackupsRetained is the number of backups kept after pruning per frequency
	BackupsRetained GaugeVec = noopGaugeVec{}
)

// InitMetrics initializes all metrics. Must be called after InitializeTelemetry.
func InitMetrics() {
	RunsTotal = NewCounterVec(
		"runs_total",
		"Backup runs by frequency and result",
		[]string{"frequency", "result"},
	)
	RunDurationSeconds = NewHistogramVec(
		"run_duration_seconds",
		"Backup run duration in seconds",
		[]string{"frequency"},
		RunBuckets,
	)
	PhaseDurationSeconds = NewHistogramVec(
		"phase_duration_seconds",
		"Time spent in each pipeline phase in seconds",
		[]string{"phase"},
		PhaseBuckets,
	)
	LastSuccessTimestamp = NewGaugeVec(
		"last_success_timestamp_seconds",
		"Unix time of the last published backup",
		[]string{"frequency"},
	)
	ArchiveBytes = NewGaugeVec(
		"archive_bytes",
		"Compressed size of the last published backup",
		[]string{"frequency"},
	)
	LastRunPages = NewGauge(
		"last_run_pages",
		"Pages copied by the last published backup",
	)

	PagesCopiedTotal = NewCounter(
		"pages_copied_total",
		"Pages copied from the source database",
	)
	SnapshotStallsTotal = NewCounter(
		"snapshot_stalls_total",
		"Snapshot steps that made no progress",
	)
	StatementsWrittenTotal = NewCounter(
		"statements_written_total",
		"Statements written to backup archives",
	)
	UncompressedBytesTotal = NewCounter(
		"uncompressed_bytes_total",
		"Statement bytes written before compression",
	)

	FilesPrunedTotal = NewCounterVec(
		"files_pruned_total",
		"Backups deleted by retention",
		[]string{"frequency"},
	)
	PruneFailuresTotal = NewCounterVec(
		"prune_failures_total",
		"Prune passes that stopped on an error",
		[]string{"frequency"},
	)
	BackupsRetained = NewGaugeVec(
		"backups_retained",
		"Backups kept after pruning",
		[]string{"frequency"},
	)
}

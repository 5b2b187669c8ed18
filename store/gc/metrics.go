package gc

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds maintenance-related OpenTelemetry metric instruments.
type Metrics struct {
	runsTotal        metric.Int64Counter
	runDuration      metric.Float64Histogram
	keysTrashed      metric.Int64Counter
	keysPurged       metric.Int64Counter
	blobsDeleted     metric.Int64Counter
	bytesReclaimed   metric.Int64Counter
	errorsTotal      metric.Int64Counter
	lastRunTimestamp metric.Float64Gauge
	lastRunSuccess   metric.Float64Gauge
}

// NewMetrics creates a Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"keva_gc_runs_total",
		metric.WithDescription("Total number of maintenance passes"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"keva_gc_run_duration_seconds",
		metric.WithDescription("Maintenance pass duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	keysTrashed, err := meter.Int64Counter(
		"keva_gc_keys_trashed_total",
		metric.WithDescription("Total number of keys moved to the trash by TTL expiry"),
		metric.WithUnit("{key}"),
	)
	if err != nil {
		return nil, err
	}

	keysPurged, err := meter.Int64Counter(
		"keva_gc_keys_purged_total",
		metric.WithDescription("Total number of keys permanently purged"),
		metric.WithUnit("{key}"),
	)
	if err != nil {
		return nil, err
	}

	blobsDeleted, err := meter.Int64Counter(
		"keva_gc_blobs_deleted_total",
		metric.WithDescription("Total number of unreferenced blobs deleted"),
		metric.WithUnit("{blob}"),
	)
	if err != nil {
		return nil, err
	}

	bytesReclaimed, err := meter.Int64Counter(
		"keva_gc_bytes_reclaimed_total",
		metric.WithDescription("Total bytes reclaimed by maintenance"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"keva_gc_errors_total",
		metric.WithDescription("Total number of per-item maintenance errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"keva_gc_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of the last maintenance pass"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"keva_gc_last_run_success",
		metric.WithDescription("Whether the last maintenance pass completed without errors (1/0)"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:        runsTotal,
		runDuration:      runDuration,
		keysTrashed:      keysTrashed,
		keysPurged:       keysPurged,
		blobsDeleted:     blobsDeleted,
		bytesReclaimed:   bytesReclaimed,
		errorsTotal:      errorsTotal,
		lastRunTimestamp: lastRunTimestamp,
		lastRunSuccess:   lastRunSuccess,
	}, nil
}

// Package gc implements the lifecycle maintenance pass: TTL-driven state
// transitions, unreferenced-blob reclamation, and store compaction.
//
// Maintenance is caller-triggered. Nothing in this package changes
// lifecycle state spontaneously; until a pass runs, a stale key whose
// TTL has elapsed stays visible and editable.
package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ik1ne/keva-sub000/store/blob"
	"github.com/ik1ne/keva-sub000/store/metadb"
)

// Notifier receives lifecycle transitions so callers can mirror them
// into the search indexes, and is asked to compact those indexes at the
// end of a pass. Implementations must tolerate being called for keys
// they do not know.
type Notifier interface {
	KeyTrashed(key string)
	KeyPurged(key string)
	CompactIndexes(ctx context.Context)
}

// Config configures the maintenance manager.
type Config struct {
	TrashTTL         time.Duration // idle time before an active key is trashed
	PurgeTTL         time.Duration // trash time before a key is purged
	Interval         time.Duration // background run cadence (default: 1h)
	StartupDelay     time.Duration // delay before the first background run (default: 1m)
	BatchSize        int           // max transitions per run (default: 1000)
	CompactThreshold float64       // compact when free pages exceed this ratio (default: 0.3)
}

// DefaultConfig returns the default maintenance configuration.
func DefaultConfig() Config {
	return Config{
		TrashTTL:         30 * 24 * time.Hour,
		PurgeTTL:         30 * 24 * time.Hour,
		Interval:         1 * time.Hour,
		StartupDelay:     1 * time.Minute,
		BatchSize:        1000,
		CompactThreshold: 0.3,
	}
}

// Result contains the results of one maintenance pass. Phase errors are
// collected per item rather than aborting the pass; orphan cleanup is
// idempotent and safe to retry next cycle.
type Result struct {
	RunID          string        `json:"run_id"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	KeysTrashed    int           `json:"keys_trashed"`
	KeysPurged     int           `json:"keys_purged"`
	BlobsDeleted   int           `json:"blobs_deleted"`
	BytesReclaimed int64         `json:"bytes_reclaimed"`
	StoreCompacted bool          `json:"store_compacted"`
	Errors         []string      `json:"errors,omitempty"`
}

// Manager runs maintenance passes, either on demand through Maintenance
// or on a background ticker via Start.
type Manager struct {
	db       *metadb.DB
	blobs    *blob.Store
	config   Config
	notifier Notifier
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNotifier sets the transition notifier.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) {
		m.notifier = n
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithMetrics enables OpenTelemetry metrics on the given meter.
func WithMetrics(meter metric.Meter) Option {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create gc metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}

// New creates a maintenance manager.
func New(db *metadb.DB, blobs *blob.Store, config Config, opts ...Option) *Manager {
	m := &Manager{
		db:     db,
		blobs:  blobs,
		config: config,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Maintenance runs one full pass: TTL transitions, blob reclamation, and
// compaction, in that order. Cheap transactional transitions run first
// so no write lock is held during slow file I/O.
func (m *Manager) Maintenance(ctx context.Context) *Result {
	result := &Result{
		RunID:     uuid.NewString(),
		StartedAt: m.now(),
	}

	m.logger.Info("starting maintenance", "run_id", result.RunID)

	m.phaseTransitions(ctx, result)
	m.phaseReclaimBlobs(ctx, result)
	m.phaseCompact(ctx, result)

	result.Duration = time.Since(result.StartedAt)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.recordMetrics(ctx, result)

	m.logger.Info("maintenance completed",
		"run_id", result.RunID,
		"duration", result.Duration,
		"keys_trashed", result.KeysTrashed,
		"keys_purged", result.KeysPurged,
		"blobs_deleted", result.BlobsDeleted,
		"bytes_reclaimed", result.BytesReclaimed,
		"store_compacted", result.StoreCompacted,
		"errors", len(result.Errors),
	)

	return result
}

// Start starts the background maintenance goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop gracefully stops the background goroutine.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	close(m.stopCh)

	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the last completed pass, or nil before the first one.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	m.logger.Info("maintenance manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.stopCh:
		m.setRunning(false)
		return
	case <-ctx.Done():
		m.setRunning(false)
		return
	}

	m.Maintenance(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Maintenance(ctx)
		case <-m.stopCh:
			m.logger.Info("maintenance manager stopped")
			m.setRunning(false)
			return
		case <-ctx.Done():
			m.logger.Info("maintenance manager context cancelled")
			m.setRunning(false)
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}

	m.metrics.runsTotal.Add(ctx, 1)
	m.metrics.runDuration.Record(ctx, result.Duration.Seconds())
	m.metrics.keysTrashed.Add(ctx, int64(result.KeysTrashed))
	m.metrics.keysPurged.Add(ctx, int64(result.KeysPurged))
	m.metrics.blobsDeleted.Add(ctx, int64(result.BlobsDeleted))
	m.metrics.bytesReclaimed.Add(ctx, result.BytesReclaimed)
	m.metrics.errorsTotal.Add(ctx, int64(len(result.Errors)))
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	if len(result.Errors) == 0 {
		m.metrics.lastRunSuccess.Record(ctx, 1)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 0)
	}
}

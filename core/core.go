// Package core is the public façade over the value store, blob store,
// search engine, and maintenance manager. Platform shells talk only to
// this package; every storage mutation made here is mirrored into the
// search indexes before the call returns, so no caller can observe
// storage changed but the index stale across an awaited boundary.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/metric"

	keva "github.com/ik1ne/keva-sub000"
	"github.com/ik1ne/keva-sub000/backend"
	"github.com/ik1ne/keva-sub000/search"
	"github.com/ik1ne/keva-sub000/store/blob"
	"github.com/ik1ne/keva-sub000/store/gc"
	"github.com/ik1ne/keva-sub000/store/metadb"
)

// DatabaseFilename is the metadata database file inside the data
// directory; the blob tree lives next to it.
const DatabaseFilename = "keva.db"

// Core owns the value store, the blob store, and both search indexes.
// No external component mutates them directly.
type Core struct {
	cfg    keva.Config
	db     *metadb.DB
	blobs  *blob.Store
	search *search.Engine
	gc     *gc.Manager
	logger *slog.Logger
	now    func() time.Time

	searchNotify func()
	meter        metric.Meter
	gcInterval   time.Duration
}

// Option configures a Core instance.
type Option func(*Core)

// WithLogger sets the logger, shared with the subsystems.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Core) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Core) {
		c.now = now
	}
}

// WithSearchNotify sets the callback fired when search results may have
// changed. It fires on the mutating goroutine; callers marshal it onto
// their own control thread before polling.
func WithSearchNotify(notify func()) Option {
	return func(c *Core) {
		c.searchNotify = notify
	}
}

// WithMeter enables OpenTelemetry metrics on the maintenance manager.
func WithMeter(meter metric.Meter) Option {
	return func(c *Core) {
		c.meter = meter
	}
}

// WithMaintenanceInterval sets the cadence of background maintenance
// started by StartMaintenance.
func WithMaintenanceInterval(d time.Duration) Option {
	return func(c *Core) {
		c.gcInterval = d
	}
}

// Open opens or creates the store under cfg.DataDir and seeds the search
// engine from the stored key sets.
func Open(cfg keva.Config, opts ...Option) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Core{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	be, err := backend.NewFilesystem(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening data directory: %w", err)
	}

	c.db = metadb.New(
		metadb.WithLogger(c.logger),
		metadb.WithNow(c.now),
	)
	if err := c.db.Open(filepath.Join(cfg.DataDir, DatabaseFilename)); err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}

	c.blobs = blob.New(
		backend.NewInstrumentedBackend(be, "blob"),
		blob.WithLogger(c.logger),
	)

	ctx := context.Background()
	activeKeys, err := c.db.Keys(ctx, keva.StateActive)
	if err != nil {
		_ = c.db.Close()
		return nil, fmt.Errorf("loading active keys: %w", err)
	}
	trashedKeys, err := c.db.Keys(ctx, keva.StateTrash)
	if err != nil {
		_ = c.db.Close()
		return nil, fmt.Errorf("loading trashed keys: %w", err)
	}

	c.search = search.NewEngine(activeKeys, trashedKeys, search.Config{
		CaseMatching:         cfg.CaseMatching,
		UnicodeNormalization: cfg.UnicodeNormalization,
		RebuildThreshold:     cfg.RebuildThreshold,
		ActiveResultLimit:    cfg.ActiveResultLimit,
		TrashedResultLimit:   cfg.TrashedResultLimit,
	}, c.searchNotify)

	gcCfg := gc.DefaultConfig()
	gcCfg.TrashTTL = cfg.TrashTTL
	gcCfg.PurgeTTL = cfg.PurgeTTL
	if c.gcInterval > 0 {
		gcCfg.Interval = c.gcInterval
	}

	gcOpts := []gc.Option{
		gc.WithLogger(c.logger),
		gc.WithNow(c.now),
		gc.WithNotifier(&searchMirror{engine: c.search}),
	}
	if c.meter != nil {
		gcOpts = append(gcOpts, gc.WithMetrics(c.meter))
	}
	c.gc = gc.New(c.db, c.blobs, gcCfg, gcOpts...)

	c.logger.Info("store opened",
		"data_dir", cfg.DataDir,
		"active_keys", len(activeKeys),
		"trashed_keys", len(trashedKeys),
	)
	return c, nil
}

// Close releases the metadata database. Blob files need no teardown.
func (c *Core) Close() error {
	return c.db.Close()
}

// Search returns the search engine for query polling. Mutation mirrors
// are applied internally; callers only set queries and read results.
func (c *Core) Search() *search.Engine {
	return c.search
}

// Maintenance runs one lifecycle maintenance pass: TTL transitions,
// unreferenced blob reclamation, and compaction. It is the only path
// that changes lifecycle state based on elapsed time.
func (c *Core) Maintenance(ctx context.Context) *gc.Result {
	return c.gc.Maintenance(ctx)
}

// StartMaintenance begins background maintenance passes.
func (c *Core) StartMaintenance(ctx context.Context) {
	c.gc.Start(ctx)
}

// StopMaintenance stops background maintenance.
func (c *Core) StopMaintenance(ctx context.Context) error {
	return c.gc.Stop(ctx)
}

// MaintenanceStatus returns the last completed maintenance pass.
func (c *Core) MaintenanceStatus() *gc.Result {
	return c.gc.Status()
}

// searchMirror forwards maintenance transitions into the search engine.
type searchMirror struct {
	engine *search.Engine
}

func (s *searchMirror) KeyTrashed(key string) {
	s.engine.Trash(key)
}

func (s *searchMirror) KeyPurged(key string) {
	s.engine.Remove(key)
}

func (s *searchMirror) CompactIndexes(ctx context.Context) {
	s.engine.Compact(ctx)
}

package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/logging"
	"github.com/xtxerr/gridpulse/internal/storage/aggregate"
	"github.com/xtxerr/gridpulse/internal/storage/archive"
	"github.com/xtxerr/gridpulse/internal/storage/backpressure"
	"github.com/xtxerr/gridpulse/internal/storage/config"
	"github.com/xtxerr/gridpulse/internal/storage/ingestion"
	"github.com/xtxerr/gridpulse/internal/storage/retention"
	"github.com/xtxerr/gridpulse/internal/storage/snapshot"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

var log = logging.Component("engine")

// Engine is the entry point of the storage system. It owns the ingestion
// pipeline and serves snapshot, subscription and history reads.
type Engine struct {
	mu sync.RWMutex

	config    *config.Config
	ingestion *ingestion.Service

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	startTime time.Time
}

// New creates an engine. A configuration error is fatal: no engine is
// returned.
func New(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	ing, err := ingestion.New(cfg)
	if err != nil {
		return nil, err
	}

	return &Engine{
		config:    cfg,
		ingestion: ing,
	}, nil
}

// SetObserver installs an ingestion observer. Must be called before Start.
func (e *Engine) SetObserver(o ingestion.Observer) {
	e.ingestion.SetObserver(o)
}

// Start replays the journal, if any, and starts accepting readings.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return errs.ErrAlreadyRunning
	}

	if err := e.ingestion.Start(); err != nil {
		return fmt.Errorf("start ingestion: %w", err)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.running.Store(true)
	e.startTime = time.Now()

	e.wg.Add(1)
	go e.backpressureWorker()

	snap := e.GetSnapshot()
	log.Info("engine started",
		"generation", snap.Generation,
		"as_of", snap.AsOfMs,
		"window_capacity", e.config.WindowCapacity,
		"bucket_width", e.config.BucketWidth)
	return nil
}

// Stop stops ingestion and closes every subscriber.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.Load() {
		return nil
	}

	e.running.Store(false)
	e.cancel()
	e.wg.Wait()

	if err := e.ingestion.Stop(ctx); err != nil {
		return fmt.Errorf("stop ingestion: %w", err)
	}

	log.Info("engine stopped", "uptime", time.Since(e.startTime).Round(time.Second))
	return nil
}

// Ingest validates r and, if accepted, applies it and publishes a new
// snapshot before returning.
func (e *Engine) Ingest(ctx context.Context, r types.Reading) (ingestion.Result, error) {
	if !e.running.Load() {
		return ingestion.Result{}, errs.ErrNotRunning
	}
	return e.ingestion.Ingest(ctx, r)
}

// GetSnapshot returns the latest published snapshot. It never blocks
// ingestion.
func (e *Engine) GetSnapshot() *types.Snapshot {
	return e.ingestion.Snapshots().GetSnapshot()
}

// Subscribe registers h for every snapshot published from now on.
func (e *Engine) Subscribe(h snapshot.Handler) (*snapshot.Subscription, error) {
	return e.ingestion.Snapshots().Subscribe(h)
}

// Unsubscribe removes sub. It is idempotent.
func (e *Engine) Unsubscribe(sub *snapshot.Subscription) {
	e.ingestion.Snapshots().Unsubscribe(sub)
}

// Query returns the closed base-tier buckets of ch overlapping
// [fromMs, toMs), oldest first. A zero toMs is unbounded.
func (e *Engine) Query(ch types.ChannelID, fromMs, toMs int64) ([]types.RollupBucket, error) {
	return e.QueryTier(types.BaseTier, ch, fromMs, toMs)
}

// QueryTier is Query on a named tier.
func (e *Engine) QueryTier(tier string, ch types.ChannelID, fromMs, toMs int64) ([]types.RollupBucket, error) {
	if !ch.IsKnown() {
		return nil, fmt.Errorf("channel %q: %w", ch, errs.ErrUnknownChannel)
	}
	if toMs != 0 && toMs < fromMs {
		return nil, fmt.Errorf("range [%d,%d): %w", fromMs, toMs, errs.ErrInvalidRequest)
	}
	return e.ingestion.Rollups().QueryTier(tier, ch, fromMs, toMs)
}

// Open returns the in-progress base-tier bucket of ch.
func (e *Engine) Open(ch types.ChannelID) (types.RollupBucket, bool) {
	return e.ingestion.Rollups().Open(ch)
}

// History returns closed buckets of ch in tier overlapping
// [fromMs, toMs). Ranges older than the in-memory retention are read from
// the archive when it is enabled.
func (e *Engine) History(ctx context.Context, tier string, ch types.ChannelID, fromMs, toMs int64) ([]types.RollupBucket, error) {
	if tier == "" {
		tier = types.BaseTier
	}
	mem, err := e.QueryTier(tier, ch, fromMs, toMs)
	if err != nil {
		return nil, err
	}

	arc := e.ingestion.Archive()
	if arc == nil {
		return mem, nil
	}

	// Evicted buckets are strictly older than every in-memory bucket.
	cut := toMs
	if all, _ := e.ingestion.Rollups().QueryTier(tier, ch, 0, 0); len(all) > 0 {
		cut = all[0].BucketStart
		if cut <= fromMs {
			return mem, nil
		}
	}

	old, err := arc.Query(ctx, archive.Query{
		Channel: ch,
		Tier:    tier,
		FromMs:  fromMs,
		ToMs:    cut,
	})
	if err != nil {
		return nil, fmt.Errorf("archive history: %w", err)
	}
	if len(old) == 0 {
		return mem, nil
	}
	return append(old, mem...), nil
}

// QueryArchive queries the Parquet archive directly.
func (e *Engine) QueryArchive(ctx context.Context, q archive.Query) ([]types.RollupBucket, error) {
	arc := e.ingestion.Archive()
	if arc == nil {
		return nil, fmt.Errorf("archive: %w", errs.ErrNotFound)
	}
	return arc.Query(ctx, q)
}

// Tiers returns the configured rollup tiers, base first.
func (e *Engine) Tiers() []types.Tier {
	return e.ingestion.Rollups().Tiers()
}

// backpressureWorker re-evaluates the level while no readings arrive, so
// the level can recover without traffic.
func (e *Engine) backpressureWorker() {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.ingestion.Backpressure().Check()
		}
	}
}

// Stats holds combined statistics.
type Stats struct {
	Running   bool
	Uptime    time.Duration
	Ingestion ingestion.ServiceStats
	Rollups   []aggregate.ManagerStats
	Retention *retention.Stats
}

// Stats returns combined statistics.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var uptime time.Duration
	if e.running.Load() {
		uptime = time.Since(e.startTime)
	}

	st := Stats{
		Running:   e.running.Load(),
		Uptime:    uptime,
		Ingestion: e.ingestion.Stats(),
		Rollups:   e.ingestion.Rollups().Stats(),
	}
	if r := e.ingestion.Retention(); r != nil {
		rs := r.Stats()
		st.Retention = &rs
	}
	return st
}

// Config returns the current configuration.
func (e *Engine) Config() *config.Config {
	return e.config
}

// IsRunning returns whether the engine is running.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Maintain archives evicted buckets, expires old files and checkpoints
// the journal now.
func (e *Engine) Maintain() {
	e.ingestion.Maintain()
}

// DryRunRetention reports which archive files retention would delete.
func (e *Engine) DryRunRetention() []retention.CleanupResult {
	r := e.ingestion.Retention()
	if r == nil {
		return nil
	}
	return r.DryRun(e.GetSnapshot().AsOfMs)
}

// GetDiskUsage returns archive disk usage per tier.
func (e *Engine) GetDiskUsage() (map[string]retention.DiskUsage, error) {
	r := e.ingestion.Retention()
	if r == nil {
		return nil, nil
	}
	return r.GetDiskUsage()
}

// BackpressureLevel returns the current backpressure level.
func (e *Engine) BackpressureLevel() backpressure.Level {
	return e.ingestion.Backpressure().CurrentLevel()
}

// ThrottleDelay is how long transports should pause before their next
// read. It is zero unless backpressure reached the critical level.
func (e *Engine) ThrottleDelay() time.Duration {
	return e.ingestion.Backpressure().ThrottleDelay()
}

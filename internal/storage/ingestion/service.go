// Package ingestion runs the single-writer pipeline that turns readings
// into published snapshots.
//
// Every reading passes through one worker goroutine:
//
//	validate → journal → commit → window → rollup → derive → publish
//
// so derived values, rollups and snapshot generations follow ingestion
// order exactly. Readers never take the worker's path; they read the
// atomically published snapshot or the rollup store directly.
package ingestion

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/logging"
	"github.com/xtxerr/gridpulse/internal/storage/archive"
	"github.com/xtxerr/gridpulse/internal/storage/backpressure"
	"github.com/xtxerr/gridpulse/internal/storage/buffer"
	"github.com/xtxerr/gridpulse/internal/storage/config"
	"github.com/xtxerr/gridpulse/internal/storage/derive"
	"github.com/xtxerr/gridpulse/internal/storage/journal"
	"github.com/xtxerr/gridpulse/internal/storage/retention"
	"github.com/xtxerr/gridpulse/internal/storage/rollup"
	"github.com/xtxerr/gridpulse/internal/storage/snapshot"
	"github.com/xtxerr/gridpulse/internal/storage/types"
	"github.com/xtxerr/gridpulse/internal/storage/validation"
)

var log = logging.Component("ingestion")

// Observer receives pipeline events. Implementations must not block.
type Observer interface {
	ReadingAccepted(ch types.ChannelID, latency time.Duration)
	ReadingRejected(reason string)
	SampleCoalesced(ch types.ChannelID)
	BucketsClosed(n int)
}

type nopObserver struct{}

func (nopObserver) ReadingAccepted(types.ChannelID, time.Duration) {}
func (nopObserver) ReadingRejected(string)                         {}
func (nopObserver) SampleCoalesced(types.ChannelID)                {}
func (nopObserver) BucketsClosed(int)                              {}

// Result describes one accepted reading.
type Result struct {
	Sample        types.Sample
	Derived       []types.Sample
	Coalesced     int
	BucketsClosed int
	Generation    uint64
}

type request struct {
	reading  types.Reading
	enqueued time.Time
	resp     chan response
}

type response struct {
	result Result
	err    error
}

// Service orchestrates the ingestion pipeline.
type Service struct {
	mu sync.Mutex

	config *config.Config

	// Components
	validator  *validation.Validator
	buffers    map[types.ChannelID]*buffer.RingBuffer
	derived    *derive.Aggregator
	rollups    *rollup.Store
	snapshots  *snapshot.Service
	pressure   *backpressure.Controller
	journal    *journal.Writer
	archive    *archive.Archive
	retention  *retention.Manager
	observer   Observer
	maintEvery time.Duration

	queue       chan request
	checkpoints chan chan error

	// Journal records covered by the last checkpoint; worker only
	checkpointedAt int64

	// State
	running    atomic.Bool
	stopped    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	workerDone chan struct{}
	asOf       atomic.Int64

	stats Stats
}

// Stats holds ingestion statistics.
//
// ReadingsReceived counts live readings that reached the worker, so it
// equals accepted plus rejected plus journal failures. Submissions turned
// away by backpressure are counted in Overloaded only.
type Stats struct {
	ReadingsReceived atomic.Int64
	ReadingsAccepted atomic.Int64
	ReadingsRejected atomic.Int64
	ReadingsReplayed atomic.Int64
	DerivedEmitted   atomic.Int64
	SamplesCoalesced atomic.Int64
	BucketsClosed    atomic.Int64
	BucketsArchived  atomic.Int64
	Overloaded       atomic.Int64
	Errors           atomic.Int64
}

// New creates the pipeline components from cfg. Disk-backed parts are
// opened by Start.
func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	buffers := make(map[types.ChannelID]*buffer.RingBuffer)
	for _, ch := range types.AllChannels() {
		rb, err := buffer.New(cfg.WindowCapacity)
		if err != nil {
			return nil, err
		}
		buffers[ch] = rb
	}

	agg, err := derive.New(derive.Config{
		InitialSOC:       cfg.InitialSOC,
		SOCScalingFactor: cfg.SOCScalingFactor,
	})
	if err != nil {
		return nil, err
	}

	var accuracy float64
	if cfg.Rollup.Percentiles.Enabled {
		accuracy = cfg.Rollup.Percentiles.Accuracy
	}
	store, err := rollup.New(rollup.Config{
		Tiers:              cfg.Tiers(),
		PercentileAccuracy: accuracy,
		KeepEvicted:        cfg.Archive.Enabled,
	})
	if err != nil {
		return nil, err
	}

	snaps, err := snapshot.New(snapshot.Config{
		QueueSize:       cfg.Subscribers.QueueSize,
		DeliveryTimeout: cfg.Subscribers.DeliveryTimeout,
		MaxFailures:     cfg.Subscribers.MaxFailures,
	}, buffers)
	if err != nil {
		return nil, err
	}

	s := &Service{
		config:      cfg,
		validator:   validation.New(cfg.ChannelBounds),
		buffers:     buffers,
		derived:     agg,
		rollups:     store,
		snapshots:   snaps,
		observer:    nopObserver{},
		maintEvery:  time.Minute,
		queue:       make(chan request, cfg.Ingestion.QueueSize),
		checkpoints: make(chan chan error),
		workerDone:  make(chan struct{}),
	}
	s.pressure = backpressure.New(cfg.Backpressure, backpressure.GaugeFunc(s.queueUsage))
	if cfg.Archive.Enabled {
		s.maintEvery = cfg.Archive.FlushInterval
	}

	return s, nil
}

func (s *Service) queueUsage() float64 {
	return float64(len(s.queue)) / float64(cap(s.queue))
}

// SetObserver installs o. Must be called before Start.
func (s *Service) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	s.observer = o
}

// Start replays the journal, opens disk-backed components and starts the
// worker.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		return errs.ErrClosed
	}
	if s.running.Load() {
		return errs.ErrAlreadyRunning
	}

	if err := s.config.EnsureDirectories(); err != nil {
		return err
	}

	if s.config.Ingestion.Journal.Enabled {
		if err := s.openJournal(); err != nil {
			return err
		}
	}

	if s.config.Archive.Enabled {
		a, err := archive.New(s.config.ArchiveDir(), s.config.Archive)
		if err != nil {
			s.closeJournal()
			return fmt.Errorf("open archive: %w", err)
		}
		s.archive = a
		s.retention = retention.New(s.config.ArchiveDir(), s.config.Archive.Retention)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running.Store(true)

	s.wg.Add(2)
	go s.worker()
	go s.maintenanceWorker()

	log.Info("ingestion started",
		"queue_size", cap(s.queue),
		"journal", s.journal != nil,
		"archive", s.archive != nil)
	return nil
}

func (s *Service) openJournal() error {
	dir := s.config.JournalDir()

	stats, err := journal.Replay(dir, s.restoreState, func(r types.Reading) error {
		_, err := s.apply(r, time.Now(), false)
		return err
	})
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}
	s.stats.ReadingsReplayed.Add(int64(stats.Applied))

	w, err := journal.NewWriter(dir, journal.OptionsFromConfig(s.config.Ingestion.Journal))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	s.journal = w
	return nil
}

func (s *Service) closeJournal() {
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			log.Warn("close journal", "error", err)
		}
	}
}

// Stop stops the worker, flushes pending archive buckets and closes
// subscribers. The service cannot be restarted.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return nil
	}

	s.running.Store(false)
	s.stopped.Store(true)
	s.cancel()
	s.wg.Wait()

	var all []error

	if s.archive != nil {
		s.flushArchive(true)
		if err := s.archive.Close(); err != nil {
			all = append(all, fmt.Errorf("close archive: %w", err))
		}
	}

	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			all = append(all, fmt.Errorf("close journal: %w", err))
		}
	}

	if err := s.snapshots.Close(ctx); err != nil {
		all = append(all, err)
	}

	log.Info("ingestion stopped",
		"accepted", s.stats.ReadingsAccepted.Load(),
		"rejected", s.stats.ReadingsRejected.Load())

	return errs.Join(all...)
}

// Ingest submits r and waits until it has been applied and published, or
// rejected. If ctx ends after r was queued, r may still be applied.
func (s *Service) Ingest(ctx context.Context, r types.Reading) (Result, error) {
	if !s.running.Load() {
		return Result{}, errs.ErrNotRunning
	}

	if err := s.pressure.Admit(); err != nil {
		s.stats.Overloaded.Add(1)
		return Result{}, err
	}

	req := request{
		reading:  r,
		enqueued: time.Now(),
		resp:     make(chan response, 1),
	}

	select {
	case s.queue <- req:
	case <-ctx.Done():
		return Result{}, fmt.Errorf("enqueue reading: %w", errs.ErrTimeout)
	case <-s.workerDone:
		return Result{}, errs.ErrNotRunning
	}

	select {
	case resp := <-req.resp:
		return resp.result, resp.err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("await reading: %w", errs.ErrTimeout)
	case <-s.workerDone:
		select {
		case resp := <-req.resp:
			return resp.result, resp.err
		default:
			return Result{}, errs.ErrNotRunning
		}
	}
}

func (s *Service) worker() {
	defer s.wg.Done()
	defer close(s.workerDone)

	for {
		select {
		case <-s.ctx.Done():
			s.drainQueue()
			return
		case req := <-s.queue:
			s.stats.ReadingsReceived.Add(1)
			result, err := s.apply(req.reading, req.enqueued, true)
			req.resp <- response{result: result, err: err}
		case done := <-s.checkpoints:
			done <- s.checkpoint()
		}
	}
}

// drainQueue fails requests still queued at shutdown.
func (s *Service) drainQueue() {
	for {
		select {
		case req := <-s.queue:
			req.resp <- response{err: errs.ErrNotRunning}
		default:
			return
		}
	}
}

// apply runs one reading through the pipeline. Only the worker, and
// journal replay before the worker starts, call it.
func (s *Service) apply(r types.Reading, enqueued time.Time, persist bool) (Result, error) {
	sample, err := s.validator.Validate(r)
	if err != nil {
		s.stats.ReadingsRejected.Add(1)
		s.observer.ReadingRejected(errs.RejectReason(err))
		log.Debug("reading rejected",
			"channel", r.Channel,
			"ts", r.TimestampMs,
			"error", err)
		return Result{}, err
	}

	if persist && s.journal != nil {
		if err := s.journal.Append(r); err != nil {
			s.stats.Errors.Add(1)
			log.Error("journal append failed", "error", err)
			return Result{}, fmt.Errorf("journal append: %w: %v", errs.ErrInternal, err)
		}
	}

	s.validator.Commit(sample)

	result := Result{Sample: sample}

	s.buffers[sample.Channel].Push(sample)
	result.BucketsClosed += s.rollups.OnSampleAccepted(sample)

	for _, d := range s.derived.OnRawUpdate(sample.Channel, sample.Value, sample.TimestampMs) {
		rb := s.buffers[d.Channel]
		if latest, ok := rb.Latest(); ok && latest.TimestampMs == d.TimestampMs {
			rb.ReplaceNewest(d)
			s.rollups.OnSampleCoalesced(d)
			result.Coalesced++
			s.observer.SampleCoalesced(d.Channel)
		} else {
			rb.Push(d)
			result.BucketsClosed += s.rollups.OnSampleAccepted(d)
		}
		result.Derived = append(result.Derived, d)
	}

	snap := s.snapshots.Advance(sample.TimestampMs)
	result.Generation = snap.Generation
	s.asOf.Store(sample.TimestampMs)

	s.stats.ReadingsAccepted.Add(1)
	s.stats.DerivedEmitted.Add(int64(len(result.Derived)))
	s.stats.SamplesCoalesced.Add(int64(result.Coalesced))
	s.stats.BucketsClosed.Add(int64(result.BucketsClosed))

	s.observer.ReadingAccepted(sample.Channel, time.Since(enqueued))
	if result.BucketsClosed > 0 {
		s.observer.BucketsClosed(result.BucketsClosed)
	}

	return result, nil
}

// maintenanceWorker archives evicted buckets and expires old files.
func (s *Service) maintenanceWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.maintEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.maintain()
		}
	}
}

func (s *Service) maintain() {
	if s.archive != nil {
		s.flushArchive(false)
		s.retention.RunCleanup(s.asOf.Load())
	}
	if s.journal != nil {
		s.requestCheckpoint()
	}
}

// flushArchive writes evicted buckets. Unless forced it waits while the
// pipeline is under pressure; undrained buckets stay queued.
func (s *Service) flushArchive(force bool) {
	if !force && s.pressure.ShouldPauseArchive() {
		log.Debug("archive flush paused by backpressure")
		return
	}

	buckets := s.rollups.DrainEvicted()
	if len(buckets) == 0 {
		return
	}
	if err := s.archive.Write(buckets); err != nil {
		s.stats.Errors.Add(1)
		log.Error("archive write failed", "buckets", len(buckets), "error", err)
		return
	}
	s.stats.BucketsArchived.Add(int64(len(buckets)))
}

// Maintain runs one maintenance pass synchronously.
func (s *Service) Maintain() {
	s.maintain()
}

// ServiceStats holds combined service statistics.
type ServiceStats struct {
	Running          bool
	ReadingsReceived int64
	ReadingsAccepted int64
	ReadingsRejected int64
	ReadingsReplayed int64
	DerivedEmitted   int64
	SamplesCoalesced int64
	BucketsClosed    int64
	BucketsArchived  int64
	Overloaded       int64
	Errors           int64
	QueueLength      int
	QueueCapacity    int
	AsOfMs           int64
	RejectsByReason  map[string]int64
	Windows          map[types.ChannelID]buffer.BufferStats
	Backpressure     backpressure.ControllerStats
	Snapshots        snapshot.Stats
	Journal          *journal.WriterStats
	Archive          *archive.Stats
}

// Stats returns current statistics.
func (s *Service) Stats() ServiceStats {
	st := ServiceStats{
		Running:          s.running.Load(),
		ReadingsReceived: s.stats.ReadingsReceived.Load(),
		ReadingsAccepted: s.stats.ReadingsAccepted.Load(),
		ReadingsRejected: s.stats.ReadingsRejected.Load(),
		ReadingsReplayed: s.stats.ReadingsReplayed.Load(),
		DerivedEmitted:   s.stats.DerivedEmitted.Load(),
		SamplesCoalesced: s.stats.SamplesCoalesced.Load(),
		BucketsClosed:    s.stats.BucketsClosed.Load(),
		BucketsArchived:  s.stats.BucketsArchived.Load(),
		Overloaded:       s.stats.Overloaded.Load(),
		Errors:           s.stats.Errors.Load(),
		QueueLength:      len(s.queue),
		QueueCapacity:    cap(s.queue),
		AsOfMs:           s.asOf.Load(),
		RejectsByReason:  s.validator.RejectCounts(),
		Backpressure:     s.pressure.Stats(),
		Snapshots:        s.snapshots.Stats(),
		Windows:          make(map[types.ChannelID]buffer.BufferStats, len(s.buffers)),
	}
	for ch, rb := range s.buffers {
		st.Windows[ch] = rb.Stats()
	}
	if s.journal != nil {
		js := s.journal.Stats()
		st.Journal = &js
	}
	if s.archive != nil {
		as := s.archive.Stats()
		st.Archive = &as
	}
	return st
}

// Snapshots returns the snapshot service.
func (s *Service) Snapshots() *snapshot.Service {
	return s.snapshots
}

// Rollups returns the rollup store.
func (s *Service) Rollups() *rollup.Store {
	return s.rollups
}

// Archive returns the archive, or nil when disabled or not started.
func (s *Service) Archive() *archive.Archive {
	return s.archive
}

// Retention returns the archive retention manager, or nil when the
// archive is disabled or not started.
func (s *Service) Retention() *retention.Manager {
	return s.retention
}

// Buffer returns the window of ch.
func (s *Service) Buffer(ch types.ChannelID) (*buffer.RingBuffer, bool) {
	rb, ok := s.buffers[ch]
	return rb, ok
}

// Backpressure returns the backpressure controller.
func (s *Service) Backpressure() *backpressure.Controller {
	return s.pressure
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

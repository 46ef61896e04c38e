// Package snapshot publishes consistent views of the channel windows and
// fans them out to subscribers.
//
// Advance is called by the ingestion worker once per accepted event. It
// assembles a new immutable Snapshot from the ring buffers, publishes it
// through an atomic pointer and offers it to every subscriber queue without
// blocking. A full queue drops the snapshot for that subscriber only.
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/logging"
	"github.com/xtxerr/gridpulse/internal/storage/buffer"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

var log = logging.Component("snapshot")

// Handler receives one snapshot per accepted ingestion event, in order.
// ctx expires after the configured delivery timeout.
type Handler func(ctx context.Context, snap *types.Snapshot) error

// Config configures subscriber fan-out.
type Config struct {
	QueueSize       int
	DeliveryTimeout time.Duration
	MaxFailures     int // 0 = never auto-unsubscribe
}

// Service owns the published snapshot and the subscriber set.
type Service struct {
	cfg     Config
	buffers map[types.ChannelID]*buffer.RingBuffer

	current    atomic.Pointer[types.Snapshot]
	generation uint64 // written by Advance only

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	closed bool
	wg     sync.WaitGroup
	nextID atomic.Uint64

	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
	removed   atomic.Int64
}

// Stats holds fan-out statistics.
type Stats struct {
	Generation  uint64
	Subscribers int
	Delivered   int64
	Dropped     int64
	Failed      int64
	Removed     int64
}

// New creates a Service reading the given channel buffers.
func New(cfg Config, buffers map[types.ChannelID]*buffer.RingBuffer) (*Service, error) {
	if cfg.QueueSize <= 0 {
		return nil, errs.NewInvalidValue("subscribers.queue_size", cfg.QueueSize, "must be positive")
	}
	if cfg.DeliveryTimeout <= 0 {
		return nil, errs.NewInvalidValue("subscribers.delivery_timeout", cfg.DeliveryTimeout, "must be positive")
	}
	if cfg.MaxFailures < 0 {
		return nil, errs.NewInvalidValue("subscribers.max_failures", cfg.MaxFailures, "must be non-negative")
	}

	s := &Service{
		cfg:     cfg,
		buffers: buffers,
		subs:    make(map[uint64]*Subscription),
	}
	s.current.Store(s.assemble(0, 0))
	return s, nil
}

// GetSnapshot returns the latest published snapshot. It never blocks on
// ingestion and never returns nil.
func (s *Service) GetSnapshot() *types.Snapshot {
	return s.current.Load()
}

// Advance publishes a new generation stamped asOfMs and fans it out.
// It must only be called from the ingestion worker.
func (s *Service) Advance(asOfMs int64) *types.Snapshot {
	s.generation++
	snap := s.assemble(s.generation, asOfMs)
	s.current.Store(snap)
	s.fanOut(snap)
	return snap
}

// Restore republishes the windows at the given generation without fan-out.
// It must only be called before the ingestion worker starts.
func (s *Service) Restore(generation uint64, asOfMs int64) {
	s.generation = generation
	s.current.Store(s.assemble(generation, asOfMs))
}

// assemble copies every window into a new Snapshot.
func (s *Service) assemble(generation uint64, asOfMs int64) *types.Snapshot {
	snap := &types.Snapshot{
		Generation: generation,
		AsOfMs:     asOfMs,
		Channels:   make(map[types.ChannelID]types.ChannelView, len(s.buffers)),
	}
	for ch, rb := range s.buffers {
		window := rb.Snapshot()
		view := types.ChannelView{Window: window}
		if n := len(window); n > 0 {
			latest := window[n-1]
			view.Latest = &latest
		}
		snap.Channels[ch] = view
	}
	return snap
}

func (s *Service) fanOut(snap *types.Snapshot) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs {
		select {
		case sub.queue <- snap:
		default:
			sub.dropped.Add(1)
			s.dropped.Add(1)
			log.Debug("subscriber queue full, snapshot dropped",
				"subscriber_id", sub.id,
				"generation", snap.Generation)
		}
	}
}

// Subscribe registers h. Delivery starts with the next accepted event.
func (s *Service) Subscribe(h Handler) (*Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("nil handler: %w", errs.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errs.ErrNotRunning
	}

	sub := &Subscription{
		id:      s.nextID.Add(1),
		svc:     s,
		handler: h,
		queue:   make(chan *types.Snapshot, s.cfg.QueueSize),
		done:    make(chan struct{}),
	}
	s.subs[sub.id] = sub

	s.wg.Add(1)
	go sub.run()

	log.Debug("subscriber added", "subscriber_id", sub.id)
	return sub, nil
}

// Unsubscribe removes sub. It is idempotent, safe from inside the
// handler and does not wait for an in-flight delivery.
func (s *Service) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.Unsubscribe()
}

func (s *Service) remove(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub.id)
	s.mu.Unlock()
}

// Close unsubscribes everyone and waits for delivery goroutines to exit
// or ctx to expire.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for subscribers: %w", ctx.Err())
	}
}

// SubscriberCount returns the number of active subscribers.
func (s *Service) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Stats returns fan-out statistics.
func (s *Service) Stats() Stats {
	return Stats{
		Generation:  s.GetSnapshot().Generation,
		Subscribers: s.SubscriberCount(),
		Delivered:   s.delivered.Load(),
		Dropped:     s.dropped.Load(),
		Failed:      s.failed.Load(),
		Removed:     s.removed.Load(),
	}
}

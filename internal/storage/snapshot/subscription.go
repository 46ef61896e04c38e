package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/logging"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	id      uint64
	svc     *Service
	handler Handler

	queue chan *types.Snapshot
	done  chan struct{}
	once  sync.Once

	// consecutive failures, touched by run only
	failures int

	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// ID returns the subscription identifier.
func (sub *Subscription) ID() uint64 {
	return sub.id
}

// Done is closed once the subscription has been removed.
func (sub *Subscription) Done() <-chan struct{} {
	return sub.done
}

// Delivered returns the number of successful deliveries.
func (sub *Subscription) Delivered() int64 {
	return sub.delivered.Load()
}

// Dropped returns the number of snapshots dropped on a full queue.
func (sub *Subscription) Dropped() int64 {
	return sub.dropped.Load()
}

// Failed returns the number of failed deliveries.
func (sub *Subscription) Failed() int64 {
	return sub.failed.Load()
}

// Unsubscribe removes the subscription. Idempotent.
func (sub *Subscription) Unsubscribe() {
	sub.once.Do(func() {
		close(sub.done)
		sub.svc.remove(sub)
		log.Debug("subscriber removed", "subscriber_id", sub.id)
	})
}

func (sub *Subscription) run() {
	defer sub.svc.wg.Done()

	for {
		select {
		case <-sub.done:
			return
		case snap := <-sub.queue:
			// No callbacks after Unsubscribe returns
			select {
			case <-sub.done:
				return
			default:
			}
			sub.handle(snap)
		}
	}
}

func (sub *Subscription) handle(snap *types.Snapshot) {
	err := sub.deliver(snap)
	if err == nil {
		sub.failures = 0
		sub.delivered.Add(1)
		sub.svc.delivered.Add(1)
		return
	}

	sub.failures++
	sub.failed.Add(1)
	sub.svc.failed.Add(1)

	ctx := logging.ContextWithSubscriberID(context.Background(), sub.id)
	logging.WithContext(ctx).Warn("snapshot delivery failed",
		"component", "snapshot",
		"generation", snap.Generation,
		"consecutive_failures", sub.failures,
		"error", err)

	if limit := sub.svc.cfg.MaxFailures; limit > 0 && sub.failures >= limit {
		sub.svc.removed.Add(1)
		log.Warn("subscriber removed after repeated failures",
			"subscriber_id", sub.id,
			"failures", sub.failures)
		sub.Unsubscribe()
	}
}

// deliver runs the handler with a deadline and converts panics, errors
// and overruns into subscriber errors.
func (sub *Subscription) deliver(snap *types.Snapshot) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), sub.svc.cfg.DeliveryTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v: %w", r, errs.ErrSubscriber)
		}
	}()

	if herr := sub.handler(ctx, snap); herr != nil {
		if errors.Is(herr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", errs.ErrDeliveryTimeout, herr)
		}
		return fmt.Errorf("%w: %v", errs.ErrSubscriber, herr)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errs.ErrDeliveryTimeout
	}
	return nil
}

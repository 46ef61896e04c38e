// Package testing provides test helpers for gridpulse: a running daemon
// fixture and safe error collection from goroutines.
//
// Using t.Fatal() or t.FailNow() in goroutines causes undefined behavior because
// these methods call runtime.Goexit() which only terminates the current goroutine,
// not the test goroutine.
package testing

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/gridpulse/internal/api"
	"github.com/xtxerr/gridpulse/internal/ingest/tcp"
	"github.com/xtxerr/gridpulse/internal/storage"
	"github.com/xtxerr/gridpulse/internal/storage/config"
)

// =============================================================================
// Daemon Fixture
// =============================================================================

// Daemon is an engine with its TCP listener and API served on loopback.
type Daemon struct {
	Engine *storage.Engine
	TCP    *tcp.Server
	API    *api.Server
	HTTP   *httptest.Server
}

// TCPAddr returns the TCP ingestion address.
func (d *Daemon) TCPAddr() string {
	return d.TCP.Addr().String()
}

// URL returns the API base URL.
func (d *Daemon) URL() string {
	return d.HTTP.URL
}

// StartDaemon starts an engine in a temporary data directory with both
// boundaries. mutate, if non-nil, adjusts the engine config first.
// Everything is stopped by t.Cleanup.
func StartDaemon(t *testing.T, mutate func(*config.Config)) *Daemon {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	eng, err := storage.New(cfg)
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() { eng.Stop(context.Background()) })

	ts := tcp.New(tcp.Config{Listen: "127.0.0.1:0"}, eng)
	if err := ts.Listen(); err != nil {
		t.Fatalf("tcp listen: %v", err)
	}
	go ts.Serve()
	t.Cleanup(ts.Shutdown)

	as := api.New(api.Config{}, eng)
	hs := httptest.NewServer(as.Handler())
	t.Cleanup(func() {
		as.Hub().CloseAll()
		hs.Close()
	})

	return &Daemon{Engine: eng, TCP: ts, API: as, HTTP: hs}
}

// =============================================================================
// Error Channel Pattern
// =============================================================================

// GoroutineTest collects errors from goroutines and reports them on Wait.
//
//	gt := testing.NewGoroutineTest(t, 5*time.Second)
//	for i := 0; i < 8; i++ {
//	    gt.Go(func(ctx context.Context) error {
//	        _, err := c.Ingest(ctx, r)
//	        return err
//	    })
//	}
//	gt.Wait()
type GoroutineTest struct {
	t      *testing.T
	wg     sync.WaitGroup
	mu     sync.Mutex
	errs   []error
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGoroutineTest creates a GoroutineTest whose context expires after
// timeout.
func NewGoroutineTest(t *testing.T, timeout time.Duration) *GoroutineTest {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return &GoroutineTest{t: t, ctx: ctx, cancel: cancel}
}

// Go runs fn in a goroutine. fn returns an error instead of calling
// t.Fatal.
func (gt *GoroutineTest) Go(fn func(ctx context.Context) error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(gt.ctx); err != nil {
			gt.mu.Lock()
			gt.errs = append(gt.errs, err)
			gt.mu.Unlock()
		}
	}()
}

// Wait waits for every goroutine and fails the test if any returned an
// error.
func (gt *GoroutineTest) Wait() {
	gt.t.Helper()
	gt.wg.Wait()
	gt.cancel()

	if len(gt.errs) > 0 {
		for i, err := range gt.errs {
			gt.t.Errorf("goroutine error [%d/%d]: %v", i+1, len(gt.errs), err)
		}
		gt.t.FailNow()
	}
}

// Context returns the shared context.
func (gt *GoroutineTest) Context() context.Context {
	return gt.ctx
}

// =============================================================================
// Polling
// =============================================================================

// Eventually polls condition every interval until it holds or timeout
// elapses.
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(interval)
	}
	return fmt.Errorf("condition not met within %v", timeout)
}

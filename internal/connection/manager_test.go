package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gserr "github.com/bleepstore/gridstore/internal/errors"
	"github.com/bleepstore/gridstore/internal/storage"
)

// flakyEngine is a memory engine whose liveness probe can be made to fail.
type flakyEngine struct {
	*storage.MemoryEngine
	failPing atomic.Bool
	closed   atomic.Bool
}

func (e *flakyEngine) Ping(ctx context.Context) error {
	if e.failPing.Load() {
		return errors.New("connection reset by peer")
	}
	return e.MemoryEngine.Ping(ctx)
}

func (e *flakyEngine) Close(ctx context.Context) error {
	e.closed.Store(true)
	return e.MemoryEngine.Close(ctx)
}

// fakeDialer records dials and hands out flaky engines.
type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	engines []*flakyEngine
	err     error
	gate    chan struct{}
}

func (d *fakeDialer) dial(ctx context.Context, uri string, opts storage.Options) (storage.Engine, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	eng := &flakyEngine{MemoryEngine: storage.NewMemoryEngine(opts.Database, opts.ChunkSize)}
	d.engines = append(d.engines, eng)
	return eng, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newTestManager(uri string, d *fakeDialer) *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(uri, storage.Options{Database: "gridstore", ChunkSize: 8},
		WithDialFunc(d.dial), WithLogger(logger))
}

func TestAcquireWithoutURI(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager("", d)
	_, err := m.Acquire(context.Background())

	var cfgErr *gserr.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Acquire error = %v, want ConfigurationError", err)
	}
	if d.count() != 0 {
		t.Errorf("dialed %d times without a URI", d.count())
	}
	if m.Configured() {
		t.Error("Configured should be false")
	}
}

func TestAcquireCachesEngine(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager("memory://", d)
	ctx := context.Background()

	first, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	second, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if first != second {
		t.Error("second Acquire should return the cached engine")
	}
	if d.count() != 1 {
		t.Errorf("dials = %d, want 1", d.count())
	}
}

func TestAcquireReconnectsAfterProbeFailure(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager("memory://", d)
	ctx := context.Background()

	first, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	d.engines[0].failPing.Store(true)

	second, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after probe failure should reconnect, got %v", err)
	}
	if first == second {
		t.Error("expected a fresh engine after the probe failed")
	}
	if d.count() != 2 {
		t.Errorf("dials = %d, want 2", d.count())
	}

	// The stale engine is closed in the background.
	deadline := time.Now().Add(2 * time.Second)
	for !d.engines[0].closed.Load() {
		if time.Now().After(deadline) {
			t.Fatal("stale engine was not closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAcquireDialFailure(t *testing.T) {
	d := &fakeDialer{err: errors.New("no reachable servers")}
	m := newTestManager("mongodb://db.invalid:27017", d)
	ctx := context.Background()

	_, err := m.Acquire(ctx)
	var connErr *gserr.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Acquire error = %v, want ConnectionError", err)
	}
	if connErr.Engine != "mongodb" {
		t.Errorf("Engine = %q, want mongodb", connErr.Engine)
	}

	// The failure is not cached; the next call dials again.
	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()
	if _, err := m.Acquire(ctx); err != nil {
		t.Fatalf("retry Acquire failed: %v", err)
	}
	if d.count() != 2 {
		t.Errorf("dials = %d, want 2", d.count())
	}
}

func TestAcquireConcurrentSharesDial(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	m := newTestManager("memory://", d)
	ctx := context.Background()

	const n = 16
	engines := make([]storage.Engine, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			engines[i], errs[i] = m.Acquire(ctx)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(d.gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Acquire %d failed: %v", i, errs[i])
		}
		if engines[i] != engines[0] {
			t.Errorf("caller %d got a different engine", i)
		}
	}
	if d.count() != 1 {
		t.Errorf("dials = %d, want 1", d.count())
	}
}

func TestClose(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager("memory://", d)
	ctx := context.Background()

	if _, err := m.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !d.engines[0].closed.Load() {
		t.Error("Close should close the cached engine")
	}
	if _, err := m.Acquire(ctx); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Acquire after Close = %v, want ErrManagerClosed", err)
	}
	// Idempotent.
	if err := m.Close(ctx); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestSchemeOf(t *testing.T) {
	tests := map[string]string{
		"mongodb+srv://cluster0.example.net": "mongodb+srv",
		"SQLITE://./gs.db":                   "sqlite",
		"memory://":                          "memory",
		"localhost:27017":                    "unknown",
	}
	for in, want := range tests {
		if got := schemeOf(in); got != want {
			t.Errorf("schemeOf(%q) = %q, want %q", in, got, want)
		}
	}
}

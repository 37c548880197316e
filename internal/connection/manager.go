// Package connection owns the process-wide storage connection: a lazily
// dialed, health-checked handle shared by every storage operation.
package connection

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	gserr "github.com/bleepstore/gridstore/internal/errors"
	"github.com/bleepstore/gridstore/internal/metrics"
	"github.com/bleepstore/gridstore/internal/storage"
)

// DefaultConnectTimeout bounds dialing and liveness probes when no timeout is configured.
const DefaultConnectTimeout = 5 * time.Second

// ErrManagerClosed is returned by Acquire after Close.
var ErrManagerClosed = errors.New("connection manager is closed")

// DialFunc opens a storage engine for a connection string.
type DialFunc func(ctx context.Context, uri string, opts storage.Options) (storage.Engine, error)

// Manager caches one storage engine. Acquire probes the cached engine and
// transparently redials when the probe fails. It is safe for concurrent use.
type Manager struct {
	uri    string
	opts   storage.Options
	dial   DialFunc
	logger *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	engine storage.Engine
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialFunc replaces storage.Dial, mainly for tests.
func WithDialFunc(fn DialFunc) Option {
	return func(m *Manager) { m.dial = fn }
}

// WithLogger sets the logger used for reconnect events.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a manager for uri. No connection is attempted until the
// first Acquire, so an empty uri only fails at first use.
func NewManager(uri string, opts storage.Options, options ...Option) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	m := &Manager{
		uri:    uri,
		opts:   opts,
		dial:   storage.Dial,
		logger: slog.Default(),
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// Acquire returns a live engine. A cached engine is pinged first; on probe
// failure it is discarded and a new one dialed. Concurrent callers share a
// single dial. Dial or probe failures return *errors.ConnectionError and
// leave the cache empty, so the next call retries.
func (m *Manager) Acquire(ctx context.Context) (storage.Engine, error) {
	if m.uri == "" {
		return nil, &gserr.ConfigurationError{Setting: "STORAGE_URI"}
	}

	m.mu.Lock()
	eng, closed := m.engine, m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrManagerClosed
	}

	if eng != nil {
		pctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
		err := eng.Ping(pctx)
		cancel()
		if err == nil {
			return eng, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.ConnectionProbeFailuresTotal.Inc()
		m.logger.Warn("storage probe failed, reconnecting", "engine", eng.Name(), "error", err)
		m.discard(eng)
	}

	v, err, _ := m.group.Do("dial", func() (any, error) {
		return m.connect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(storage.Engine), nil
}

// connect dials and probes a new engine and caches it. The dial is detached
// from ctx cancellation and bounded by the connect timeout.
func (m *Manager) connect(ctx context.Context) (storage.Engine, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if m.engine != nil {
		eng := m.engine
		m.mu.Unlock()
		return eng, nil
	}
	m.mu.Unlock()

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ConnectTimeout)
	defer cancel()

	scheme := schemeOf(m.uri)
	start := time.Now()
	eng, err := m.dial(dctx, m.uri, m.opts)
	if err == nil {
		if err = eng.Ping(dctx); err != nil {
			eng.Close(dctx)
		}
	}
	if err != nil {
		metrics.ConnectionDialsTotal.WithLabelValues(scheme, "error").Inc()
		m.logger.Error("storage connection failed",
			"uri", storage.RedactURI(m.uri),
			"error", err,
		)
		return nil, &gserr.ConnectionError{Engine: scheme, Err: err}
	}
	metrics.ConnectionDialsTotal.WithLabelValues(scheme, "success").Inc()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		eng.Close(dctx)
		return nil, ErrManagerClosed
	}
	m.engine = eng
	m.mu.Unlock()

	m.logger.Info("storage connected",
		"engine", eng.Name(),
		"database", eng.Database(),
		"duration", time.Since(start),
	)
	return eng, nil
}

// discard drops eng from the cache, if it is still the cached engine, and
// closes it in the background.
func (m *Manager) discard(eng storage.Engine) {
	m.mu.Lock()
	if m.engine == eng {
		m.engine = nil
	}
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
		defer cancel()
		if err := eng.Close(ctx); err != nil {
			m.logger.Debug("closing stale storage engine", "error", err)
		}
	}()
}

// Close releases the cached engine. Subsequent Acquire calls fail with
// ErrManagerClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	eng := m.engine
	m.engine = nil
	m.closed = true
	m.mu.Unlock()

	if eng == nil {
		return nil
	}
	return eng.Close(ctx)
}

// Configured reports whether a connection string is set.
func (m *Manager) Configured() bool {
	return m.uri != ""
}

func schemeOf(uri string) string {
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok {
		return "unknown"
	}
	return strings.ToLower(scheme)
}

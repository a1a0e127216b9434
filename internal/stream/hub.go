// Package stream runs live-activity connections: it replays missed events,
// watches snapshots for changes and paces what it sends to each client.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/semaphore"

	"github.com/user/prayerfeed/internal/metrics"
	"github.com/user/prayerfeed/internal/types"
)

var (
	// ErrTooManyConnections is returned by Admit when the connection limit
	// is reached.
	ErrTooManyConnections = errors.New("too many stream connections")
	// ErrHubStopped is returned when a connection arrives before Start or
	// after Stop.
	ErrHubStopped = errors.New("stream hub is not running")
)

// Config controls connection pacing and limits.
type Config struct {
	TickInterval    time.Duration
	MinEmitInterval time.Duration
	KeepAlive       time.Duration
	// MaxAge closes a connection after it has been open this long. Zero
	// keeps connections open until the client leaves.
	MaxAge         time.Duration
	MaxConnections int64
}

// DefaultConfig returns the pacing used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		TickInterval:    10 * time.Second,
		MinEmitInterval: DefaultMinEmitInterval,
		KeepAlive:       25 * time.Second,
		MaxConnections:  1000,
	}
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections  int64  `json:"connections"`
	LatestSeq    uint64 `json:"latest_event_id"`
	Retained     int    `json:"retained_events"`
	CacheEntries int    `json:"cache_entries"`
}

// Hub owns the state shared by every connection: the snapshot source, the
// event log and the connection limit. Each connection is served on the
// caller's goroutine via Serve.
type Hub struct {
	source  types.SnapshotSource
	events  types.EventLog
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Collector
	slots   *semaphore.Weighted
	open    atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewHub creates a Hub. A zero TickInterval or MaxConnections falls back to
// DefaultConfig; zero KeepAlive and MaxAge disable those timers. A nil clock
// means the wall clock.
func NewHub(source types.SnapshotSource, events types.EventLog, cfg Config, clk clock.Clock, m *metrics.Collector) *Hub {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MinEmitInterval < 0 {
		cfg.MinEmitInterval = 0
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Hub{
		source:  source,
		events:  events,
		cfg:     cfg,
		clock:   clk,
		metrics: m,
		slots:   semaphore.NewWeighted(cfg.MaxConnections),
	}
}

// Start initialises the hub's context. Must be called before Serve.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.stopped = false
}

// Stop closes every open connection and waits for their goroutines to
// return from Serve.
func (h *Hub) Stop() {
	h.mu.Lock()
	h.stopped = true
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// Admit reserves a connection slot. The caller must invoke release once the
// connection is finished. A hub that is not running admits nobody, so
// transports can refuse the client before committing to a response.
func (h *Hub) Admit() (release func(), err error) {
	h.mu.Lock()
	running := h.ctx != nil && !h.stopped
	h.mu.Unlock()
	if !running {
		return nil, ErrHubStopped
	}
	if !h.slots.TryAcquire(1) {
		h.metrics.ConnectionRejected()
		return nil, ErrTooManyConnections
	}
	var once sync.Once
	return func() { once.Do(func() { h.slots.Release(1) }) }, nil
}

// Serve runs one connection until ctx is cancelled, the hub stops, or a
// write to sink fails. Callers should hold a slot from Admit.
func (h *Hub) Serve(ctx context.Context, sink Sink, req Request) error {
	h.mu.Lock()
	if h.stopped || h.ctx == nil {
		h.mu.Unlock()
		return ErrHubStopped
	}
	hubCtx := h.ctx
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(hubCtx, cancel)
	defer stop()

	h.open.Add(1)
	defer h.open.Add(-1)

	return newSession(h, sink, req).run(ctx)
}

// KeepAlive returns the interval between keep-alive writes, zero when
// disabled.
func (h *Hub) KeepAlive() time.Duration {
	return h.cfg.KeepAlive
}

// Events exposes the shared event log.
func (h *Hub) Events() types.EventLog {
	return h.events
}

// Stats reports current connection and log figures.
func (h *Hub) Stats() Stats {
	s := Stats{
		Connections: h.open.Load(),
		LatestSeq:   h.events.Latest(),
		Retained:    h.events.Len(),
	}
	if sized, ok := h.source.(interface{ Len() int }); ok {
		s.CacheEntries = sized.Len()
	}
	return s
}

// Package monitor samples the runtime health of the service on a fixed
// interval and drives the connection pool autoscaler. Samples land in a
// bounded ring buffer that the health endpoint reads; scaling decisions
// come from pool utilization combined with latency and queue depth, with
// a cooldown so the pool never thrashes.
package monitor

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/logging"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/meter"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/pool"
)

// =============================================================================
// SOURCES
// =============================================================================

// MeterSource supplies request counters.
type MeterSource interface {
	Snapshot() meter.Snapshot
}

// PoolController supplies pool stats and accepts target changes.
type PoolController interface {
	Stats() pool.Stats
	SetTarget(n int)
}

// QueueSource supplies the write queue depth.
type QueueSource interface {
	Stats() (dispatched, failed int64, depth int)
}

// =============================================================================
// CONFIG
// =============================================================================

// Config tunes the monitor loop.
type Config struct {
	Interval time.Duration
	Cooldown time.Duration
	// History is the ring buffer capacity in samples.
	History int

	// Scale-up fires when pool utilization exceeds UtilHigh and either
	// latency or the queue is also elevated. Scale-down needs all three
	// signals calm.
	UtilHigh      float64
	UtilLow       float64
	LatencyHighMs float64
	LatencyLowMs  float64
	QueueHigh     int
	QueueLow      int
}

// DefaultConfig returns the production monitor settings.
func DefaultConfig() Config {
	return Config{
		Interval:      10 * time.Second,
		Cooldown:      60 * time.Second,
		History:       360,
		UtilHigh:      0.8,
		UtilLow:       0.3,
		LatencyHighMs: 500,
		LatencyLowMs:  100,
		QueueHigh:     10,
		QueueLow:      2,
	}
}

// Sample is one observation of the runtime.
type Sample struct {
	Time         time.Time `json:"time"`
	InFlight     int64     `json:"in_flight"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	ErrorRate    float64   `json:"error_rate"`
	QueueDepth   int       `json:"queue_depth"`
	PoolTotal    int       `json:"pool_total"`
	PoolTarget   int       `json:"pool_target"`
	PoolIdle     int       `json:"pool_idle"`
	Utilization  float64   `json:"utilization"`
	HeapAllocMB  float64   `json:"heap_alloc_mb"`
	Goroutines   int       `json:"goroutines"`
}

// Warning reports one threshold breach observed during a tick.
type Warning struct {
	Reason string `json:"reason"`
	Sample Sample `json:"sample"`
}

// =============================================================================
// MONITOR
// =============================================================================

// Monitor runs the sampling loop and the autoscaler.
type Monitor struct {
	cfg       Config
	meter     MeterSource
	pool      PoolController
	queue     QueueSource
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	mu        sync.Mutex
	samples   []Sample // ring buffer
	next      int
	filled    bool
	lastScale time.Time
	warnFns   []func(Warning)
}

// New wires a monitor. The queue source may be nil.
func New(cfg Config, m MeterSource, p PoolController, q QueueSource) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.UtilHigh <= 0 {
		cfg.UtilHigh = def.UtilHigh
	}
	if cfg.UtilLow <= 0 {
		cfg.UtilLow = def.UtilLow
	}
	if cfg.LatencyHighMs <= 0 {
		cfg.LatencyHighMs = def.LatencyHighMs
	}
	if cfg.LatencyLowMs <= 0 {
		cfg.LatencyLowMs = def.LatencyLowMs
	}
	if cfg.QueueHigh <= 0 {
		cfg.QueueHigh = def.QueueHigh
	}
	if cfg.QueueLow <= 0 {
		cfg.QueueLow = def.QueueLow
	}
	return &Monitor{
		cfg:     cfg,
		meter:   m,
		pool:    p,
		queue:   q,
		done:    make(chan struct{}),
		samples: make([]Sample, cfg.History),
	}
}

// Start launches the sampling loop.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.loop()
		logging.Monitor("monitor started (interval %v)", m.cfg.Interval)
	})
}

// Close stops the loop and waits for it.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// OnWarning registers a callback fired from Tick for every threshold
// breach. Callbacks run on the monitor goroutine and must not block.
func (m *Monitor) OnWarning(fn func(Warning)) {
	m.mu.Lock()
	m.warnFns = append(m.warnFns, fn)
	m.mu.Unlock()
}

// Tick takes one sample, raises warnings, and runs the autoscaler.
// Exposed for tests and for forced sampling from the health endpoint.
func (m *Monitor) Tick() {
	s := m.sample()
	m.record(s)
	m.warn(s)
	m.autoscale(s)
}

func (m *Monitor) sample() Sample {
	snap := m.meter.Snapshot()
	ps := m.pool.Stats()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := Sample{
		Time:         time.Now().UTC(),
		InFlight:     snap.InFlight,
		AvgLatencyMs: snap.AvgLatencyMs,
		ErrorRate:    snap.ErrorRate,
		PoolTotal:    ps.Total,
		PoolTarget:   ps.Target,
		PoolIdle:     ps.Idle,
		HeapAllocMB:  float64(ms.HeapAlloc) / (1024 * 1024),
		Goroutines:   runtime.NumGoroutine(),
	}
	if m.queue != nil {
		_, _, s.QueueDepth = m.queue.Stats()
	}
	if ps.Total > 0 {
		s.Utilization = float64(ps.Total-ps.Idle) / float64(ps.Total)
	}
	return s
}

// warn fires one warning per breached threshold.
func (m *Monitor) warn(s Sample) {
	m.mu.Lock()
	fns := m.warnFns
	m.mu.Unlock()
	if len(fns) == 0 {
		return
	}

	var reasons []string
	if s.AvgLatencyMs > m.cfg.LatencyHighMs {
		reasons = append(reasons, fmt.Sprintf("avg latency %.0fms above %.0fms", s.AvgLatencyMs, m.cfg.LatencyHighMs))
	}
	if s.Utilization > m.cfg.UtilHigh {
		reasons = append(reasons, fmt.Sprintf("pool utilization %.2f above %.2f", s.Utilization, m.cfg.UtilHigh))
	}
	if s.QueueDepth > m.cfg.QueueHigh {
		reasons = append(reasons, fmt.Sprintf("queue depth %d above %d", s.QueueDepth, m.cfg.QueueHigh))
	}
	for _, reason := range reasons {
		for _, fn := range fns {
			fn(Warning{Reason: reason, Sample: s})
		}
	}
}

func (m *Monitor) record(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[m.next] = s
	m.next = (m.next + 1) % len(m.samples)
	if m.next == 0 {
		m.filled = true
	}
}

// Recent returns up to n samples, newest first.
func (m *Monitor) Recent(n int) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := m.next
	if m.filled {
		size = len(m.samples)
	}
	if n > size {
		n = size
	}
	out := make([]Sample, 0, n)
	for i := 1; i <= n; i++ {
		idx := (m.next - i + len(m.samples)) % len(m.samples)
		out = append(out, m.samples[idx])
	}
	return out
}

// =============================================================================
// AUTOSCALER
// =============================================================================

// autoscale adjusts the pool target by one connection per decision. Both
// directions honor the cooldown.
func (m *Monitor) autoscale(s Sample) {
	m.mu.Lock()
	inCooldown := time.Since(m.lastScale) < m.cfg.Cooldown
	m.mu.Unlock()
	if inCooldown {
		return
	}

	up := s.Utilization > m.cfg.UtilHigh &&
		(s.AvgLatencyMs > m.cfg.LatencyHighMs || s.QueueDepth > m.cfg.QueueHigh)
	down := s.Utilization < m.cfg.UtilLow &&
		s.AvgLatencyMs < m.cfg.LatencyLowMs &&
		s.QueueDepth < m.cfg.QueueLow

	switch {
	case up:
		m.pool.SetTarget(s.PoolTarget + 1)
		m.markScaled()
		logging.Monitor("scaling pool up to %d (util %.2f, latency %.0fms, queue %d)",
			s.PoolTarget+1, s.Utilization, s.AvgLatencyMs, s.QueueDepth)
	case down && s.PoolTarget > 1:
		m.pool.SetTarget(s.PoolTarget - 1)
		m.markScaled()
		logging.Monitor("scaling pool down to %d (util %.2f, latency %.0fms, queue %d)",
			s.PoolTarget-1, s.Utilization, s.AvgLatencyMs, s.QueueDepth)
	}
}

func (m *Monitor) markScaled() {
	m.mu.Lock()
	m.lastScale = time.Now()
	m.mu.Unlock()
}

// Package meter tracks process-wide request accounting: in-flight counts,
// peak concurrency, rolling average latency, and error totals. Every
// orchestrator-entry operation brackets itself with Track.
package meter

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of the meter counters.
type Snapshot struct {
	TotalRequests int64   `json:"total_requests"`
	InFlight      int64   `json:"in_flight"`
	PeakInFlight  int64   `json:"peak_in_flight"`
	ErrorCount    int64   `json:"error_count"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	ErrorRate     float64 `json:"error_rate"`
}

// Meter is a mutex-guarded set of counters. Updates are O(1) and never
// suspend, so it is safe to call from any goroutine including the monitor.
type Meter struct {
	mu            sync.Mutex
	totalRequests int64
	inFlight      int64
	peakInFlight  int64
	errorCount    int64
	avgLatencyMs  float64
	completed     int64
}

// New creates an empty meter.
func New() *Meter {
	return &Meter{}
}

// Track records the start of an operation and returns the function that
// must be called on every exit path with the operation's error.
//
//	done := m.Track()
//	defer func() { done(err) }()
func (m *Meter) Track() func(err error) {
	start := time.Now()

	m.mu.Lock()
	m.totalRequests++
	m.inFlight++
	if m.inFlight > m.peakInFlight {
		m.peakInFlight = m.inFlight
	}
	m.mu.Unlock()

	return func(err error) {
		elapsed := float64(time.Since(start).Microseconds()) / 1000.0

		m.mu.Lock()
		defer m.mu.Unlock()
		m.inFlight--
		m.completed++
		if err != nil {
			m.errorCount++
		}
		// Incremental mean keeps the update O(1) without a sample window.
		m.avgLatencyMs += (elapsed - m.avgLatencyMs) / float64(m.completed)
	}
}

// Snapshot returns a copy of the current counters.
func (m *Meter) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	rate := 0.0
	if m.completed > 0 {
		rate = float64(m.errorCount) / float64(m.completed)
	}
	return Snapshot{
		TotalRequests: m.totalRequests,
		InFlight:      m.inFlight,
		PeakInFlight:  m.peakInFlight,
		ErrorCount:    m.errorCount,
		AvgLatencyMs:  m.avgLatencyMs,
		ErrorRate:     rate,
	}
}

// Reset starts a new accounting window. The in-flight count survives so
// operations already bracketed by Track still balance their done call.
// Fields are cleared one by one so the mutex itself is left untouched.
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRequests = m.inFlight
	m.peakInFlight = m.inFlight
	m.errorCount = 0
	m.avgLatencyMs = 0
	m.completed = 0
}

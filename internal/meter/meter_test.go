package meter

import (
	"errors"
	"sync"
	"testing"
)

func TestMeter_TrackCounts(t *testing.T) {
	m := New()

	done := m.Track()
	snap := m.Snapshot()
	if snap.InFlight != 1 || snap.TotalRequests != 1 {
		t.Fatalf("expected 1 in-flight / 1 total, got %d/%d", snap.InFlight, snap.TotalRequests)
	}
	done(nil)

	snap = m.Snapshot()
	if snap.InFlight != 0 {
		t.Errorf("expected 0 in-flight after done, got %d", snap.InFlight)
	}
	if snap.ErrorCount != 0 {
		t.Errorf("expected no errors, got %d", snap.ErrorCount)
	}
}

func TestMeter_ErrorsAndRate(t *testing.T) {
	m := New()
	m.Track()(nil)
	m.Track()(errors.New("boom"))

	snap := m.Snapshot()
	if snap.ErrorCount != 1 {
		t.Errorf("expected 1 error, got %d", snap.ErrorCount)
	}
	if snap.ErrorRate != 0.5 {
		t.Errorf("expected error rate 0.5, got %f", snap.ErrorRate)
	}
}

func TestMeter_PeakInFlight(t *testing.T) {
	m := New()
	d1 := m.Track()
	d2 := m.Track()
	d3 := m.Track()
	d1(nil)
	d2(nil)
	d3(nil)

	snap := m.Snapshot()
	if snap.PeakInFlight != 3 {
		t.Errorf("expected peak 3, got %d", snap.PeakInFlight)
	}
	if snap.InFlight != 0 {
		t.Errorf("expected 0 in-flight, got %d", snap.InFlight)
	}
}

func TestMeter_ResetClearsCountersAndStaysUsable(t *testing.T) {
	m := New()
	m.Track()(nil)
	m.Track()(errors.New("boom"))

	m.Reset()

	snap := m.Snapshot()
	if snap.TotalRequests != 0 || snap.ErrorCount != 0 || snap.PeakInFlight != 0 {
		t.Fatalf("expected zeroed counters after reset, got %+v", snap)
	}
	if snap.AvgLatencyMs != 0 || snap.ErrorRate != 0 {
		t.Fatalf("expected zeroed derived stats after reset, got %+v", snap)
	}

	// The meter must keep working after a reset.
	m.Track()(nil)
	snap = m.Snapshot()
	if snap.TotalRequests != 1 || snap.InFlight != 0 {
		t.Errorf("expected 1 total / 0 in-flight after reset and track, got %d/%d", snap.TotalRequests, snap.InFlight)
	}
}

func TestMeter_ResetPreservesInFlight(t *testing.T) {
	m := New()
	done := m.Track()

	m.Reset()
	snap := m.Snapshot()
	if snap.InFlight != 1 {
		t.Fatalf("expected the open operation to survive the reset, got in-flight %d", snap.InFlight)
	}

	done(nil)
	snap = m.Snapshot()
	if snap.InFlight != 0 {
		t.Errorf("expected 0 in-flight after done, got %d", snap.InFlight)
	}
	if snap.ErrorRate != 0 {
		t.Errorf("expected error rate 0, got %f", snap.ErrorRate)
	}
}

func TestMeter_ConcurrentTracking(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			done := m.Track()
			if n%10 == 0 {
				done(errors.New("x"))
			} else {
				done(nil)
			}
		}(i)
	}
	wg.Wait()

	snap := m.Snapshot()
	if snap.TotalRequests != 100 {
		t.Errorf("expected 100 total, got %d", snap.TotalRequests)
	}
	if snap.InFlight != 0 {
		t.Errorf("expected 0 in-flight, got %d", snap.InFlight)
	}
	if snap.ErrorCount != 10 {
		t.Errorf("expected 10 errors, got %d", snap.ErrorCount)
	}
	if snap.AvgLatencyMs < 0 {
		t.Errorf("latency must be non-negative, got %f", snap.AvgLatencyMs)
	}
}

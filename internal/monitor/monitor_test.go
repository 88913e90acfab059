package monitor

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/meter"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/pool"
)

type fakeMeter struct {
	snap meter.Snapshot
}

func (f *fakeMeter) Snapshot() meter.Snapshot { return f.snap }

type fakePool struct {
	mu      sync.Mutex
	stats   pool.Stats
	targets []int
}

func (f *fakePool) Stats() pool.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakePool) SetTarget(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, n)
	f.stats.Target = n
}

type fakeQueue struct {
	depth int
}

func (f *fakeQueue) Stats() (int64, int64, int) { return 0, 0, f.depth }

func cfg() Config {
	c := DefaultConfig()
	c.Interval = 5 * time.Millisecond
	c.Cooldown = time.Hour // decisions in tests are driven by Tick
	return c
}

func TestScaleUpOnHighUtilizationAndLatency(t *testing.T) {
	fm := &fakeMeter{snap: meter.Snapshot{InFlight: 4, AvgLatencyMs: 900}}
	fp := &fakePool{stats: pool.Stats{Total: 4, Idle: 0, Target: 4, Max: 10}}
	m := New(cfg(), fm, fp, &fakeQueue{})

	m.Tick()
	if len(fp.targets) != 1 || fp.targets[0] != 5 {
		t.Fatalf("expected scale up to 5, got %v", fp.targets)
	}
}

func TestScaleUpOnHighUtilizationAndQueueDepth(t *testing.T) {
	fm := &fakeMeter{snap: meter.Snapshot{AvgLatencyMs: 50}}
	fp := &fakePool{stats: pool.Stats{Total: 4, Idle: 0, Target: 4, Max: 10}}
	m := New(cfg(), fm, fp, &fakeQueue{depth: 50})

	m.Tick()
	if len(fp.targets) != 1 || fp.targets[0] != 5 {
		t.Fatalf("expected scale up to 5, got %v", fp.targets)
	}
}

func TestNoScaleUpWhenOnlyUtilizationHigh(t *testing.T) {
	fm := &fakeMeter{snap: meter.Snapshot{AvgLatencyMs: 50}}
	fp := &fakePool{stats: pool.Stats{Total: 4, Idle: 0, Target: 4, Max: 10}}
	m := New(cfg(), fm, fp, &fakeQueue{depth: 0})

	m.Tick()
	if len(fp.targets) != 0 {
		t.Fatalf("expected no scaling, got %v", fp.targets)
	}
}

func TestScaleDownWhenEverythingCalm(t *testing.T) {
	fm := &fakeMeter{snap: meter.Snapshot{AvgLatencyMs: 20}}
	fp := &fakePool{stats: pool.Stats{Total: 4, Idle: 4, Target: 4, Max: 10}}
	m := New(cfg(), fm, fp, &fakeQueue{depth: 0})

	m.Tick()
	if len(fp.targets) != 1 || fp.targets[0] != 3 {
		t.Fatalf("expected scale down to 3, got %v", fp.targets)
	}
}

func TestNoScaleDownBelowOne(t *testing.T) {
	fm := &fakeMeter{snap: meter.Snapshot{AvgLatencyMs: 20}}
	fp := &fakePool{stats: pool.Stats{Total: 1, Idle: 1, Target: 1, Max: 10}}
	m := New(cfg(), fm, fp, &fakeQueue{})

	m.Tick()
	if len(fp.targets) != 0 {
		t.Fatalf("expected no scaling at floor, got %v", fp.targets)
	}
}

func TestCooldownSuppressesSecondDecision(t *testing.T) {
	fm := &fakeMeter{snap: meter.Snapshot{AvgLatencyMs: 900}}
	fp := &fakePool{stats: pool.Stats{Total: 4, Idle: 0, Target: 4, Max: 10}}
	m := New(cfg(), fm, fp, &fakeQueue{depth: 50})

	m.Tick()
	m.Tick()
	m.Tick()
	if len(fp.targets) != 1 {
		t.Fatalf("expected a single decision during cooldown, got %v", fp.targets)
	}
}

func TestRecentReturnsNewestFirst(t *testing.T) {
	fm := &fakeMeter{}
	fp := &fakePool{stats: pool.Stats{Total: 2, Idle: 2, Target: 2, Max: 4}}
	c := cfg()
	c.History = 4
	// Latency above the calm threshold so no scaling interferes.
	fm.snap.AvgLatencyMs = 200
	m := New(c, fm, fp, nil)

	for i := 0; i < 6; i++ {
		fm.snap.InFlight = int64(i)
		m.Tick()
	}

	recent := m.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(recent))
	}
	if recent[0].InFlight != 5 || recent[1].InFlight != 4 || recent[2].InFlight != 3 {
		t.Errorf("unexpected order: %v, %v, %v", recent[0].InFlight, recent[1].InFlight, recent[2].InFlight)
	}

	// The ring holds only History samples.
	if all := m.Recent(100); len(all) != 4 {
		t.Errorf("expected ring capacity 4, got %d", len(all))
	}
}

func TestSampleIncludesRuntimeStats(t *testing.T) {
	fm := &fakeMeter{snap: meter.Snapshot{AvgLatencyMs: 200}}
	fp := &fakePool{stats: pool.Stats{Total: 2, Idle: 1, Target: 2, Max: 4}}
	m := New(cfg(), fm, fp, nil)

	m.Tick()
	recent := m.Recent(1)
	if len(recent) != 1 {
		t.Fatal("expected one sample")
	}
	if recent[0].Goroutines <= 0 {
		t.Errorf("expected a goroutine count, got %d", recent[0].Goroutines)
	}
	if recent[0].HeapAllocMB <= 0 {
		t.Errorf("expected heap usage, got %f", recent[0].HeapAllocMB)
	}
}

func TestWarningCallbackFiresOnThresholdBreach(t *testing.T) {
	fm := &fakeMeter{snap: meter.Snapshot{AvgLatencyMs: 900}}
	fp := &fakePool{stats: pool.Stats{Total: 4, Idle: 4, Target: 4, Max: 10}}
	m := New(cfg(), fm, fp, &fakeQueue{depth: 50})

	var warnings []Warning
	m.OnWarning(func(w Warning) { warnings = append(warnings, w) })

	m.Tick()
	// Latency and queue depth are both breached; utilization is not.
	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %d: %+v", len(warnings), warnings)
	}
	for _, w := range warnings {
		if w.Sample.AvgLatencyMs != 900 {
			t.Errorf("warning must carry the offending sample, got %+v", w.Sample)
		}
	}

	// Calm samples stay quiet.
	warnings = nil
	fm.snap.AvgLatencyMs = 200
	m2 := New(cfg(), fm, fp, &fakeQueue{depth: 0})
	m2.OnWarning(func(w Warning) { warnings = append(warnings, w) })
	m2.Tick()
	if len(warnings) != 0 {
		t.Errorf("expected no warnings on a calm sample, got %+v", warnings)
	}
}

func TestStartAndCloseLeakFree(t *testing.T) {
	defer goleak.VerifyNone(t)

	fm := &fakeMeter{snap: meter.Snapshot{AvgLatencyMs: 200}}
	fp := &fakePool{stats: pool.Stats{Total: 2, Idle: 1, Target: 2, Max: 4}}
	m := New(cfg(), fm, fp, &fakeQueue{})

	m.Start()
	time.Sleep(20 * time.Millisecond)
	m.Close()

	if len(m.Recent(1)) == 0 {
		t.Error("expected at least one sample from the loop")
	}
}

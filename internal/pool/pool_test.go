package pool

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		DSN:            filepath.Join(t.TempDir(), "pool.db"),
		MaxConnections: 4,
		MinConnections: 1,
		AcquireTimeout: 50 * time.Millisecond,
	}
}

func TestPool_AcquireRelease(t *testing.T) {
	p, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var one int
	if err := c.Raw().QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		t.Fatalf("query on pooled conn: %v", err)
	}
	if one != 1 {
		t.Errorf("expected 1, got %d", one)
	}

	c.Release()
	stats := p.Stats()
	if stats.Total != 1 || stats.Idle != 1 {
		t.Errorf("expected total=1 idle=1, got %+v", stats)
	}
}

func TestPool_ReleaseIdempotent(t *testing.T) {
	p, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	c.Release()
	c.Release() // second release must be a no-op

	if got := p.Stats().Idle; got != 1 {
		t.Errorf("double release corrupted free list: idle=%d", got)
	}
}

func TestPool_GrowsToCapUnderLoad(t *testing.T) {
	cfg := testConfig(t)
	p, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	conns := make([]*Conn, 0, cfg.MaxConnections)
	for i := 0; i < cfg.MaxConnections; i++ {
		c, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		conns = append(conns, c)
	}

	if got := p.Stats().Total; got != cfg.MaxConnections {
		t.Errorf("expected pool at cap %d, got %d", cfg.MaxConnections, got)
	}

	// At cap: the next acquire must wait for a release, not error.
	acquired := make(chan *Conn, 1)
	go func() {
		c, err := p.Acquire(ctx)
		if err != nil {
			t.Errorf("blocked Acquire errored: %v", err)
			return
		}
		acquired <- c
	}()

	time.Sleep(80 * time.Millisecond) // past the acquire timeout
	conns[0].Release()

	select {
	case c := <-acquired:
		c.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire never unblocked after release")
	}

	for _, c := range conns[1:] {
		c.Release()
	}
}

func TestPool_AcquireHonorsContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConnections = 1
	cfg.MinConnections = 1
	p, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); err == nil {
		t.Error("expected deadline error when pool exhausted")
	}
}

func TestPool_SetTargetShrinksOnRelease(t *testing.T) {
	cfg := testConfig(t)
	p, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	var conns []*Conn
	for i := 0; i < 3; i++ {
		c, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		conns = append(conns, c)
	}

	p.SetTarget(1)

	for _, c := range conns {
		c.Release()
	}

	stats := p.Stats()
	if stats.Total != 1 {
		t.Errorf("expected shrink to 1 connection, got %d", stats.Total)
	}
}

func TestPool_SetTargetClamped(t *testing.T) {
	p, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	p.SetTarget(100)
	if got := p.Target(); got != 4 {
		t.Errorf("target should clamp to max 4, got %d", got)
	}
	p.SetTarget(0)
	if got := p.Target(); got != 1 {
		t.Errorf("target should clamp to min 1, got %d", got)
	}
}

func TestPool_ConcurrentAcquire(t *testing.T) {
	p, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Acquire(ctx)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			var n int
			_ = c.Raw().QueryRowContext(ctx, "SELECT 1").Scan(&n)
			c.Release()
		}()
	}
	wg.Wait()

	if got := p.Stats().Total; got > 4 {
		t.Errorf("pool exceeded cap: %d", got)
	}
}

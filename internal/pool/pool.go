// Package pool provides a bounded pool of relational connections over the
// pure-Go sqlite driver. Each connection is configured on first use for
// concurrent readers with a single writer: WAL journaling, relaxed sync, a
// generous page cache, and in-memory temp storage. The autoscaler adjusts
// the pool's target size at runtime; the pool grows lazily and shrinks by
// closing connections on release instead of reusing them.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/logging"
)

// connPragmas is applied once per physical connection. synchronous=NORMAL
// is safe under WAL and considerably faster than FULL.
var connPragmas = []string{
	"PRAGMA busy_timeout = 5000",
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA cache_size = -64000",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA foreign_keys = ON",
}

// Config bounds the pool.
type Config struct {
	DSN            string
	MaxConnections int           // Hard cap
	MinConnections int           // Autoscaler floor
	AcquireTimeout time.Duration // Wait before growing the pool
}

// DefaultConfig returns the production bounds for the given DSN.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:            dsn,
		MaxConnections: 10,
		MinConnections: 2,
		AcquireTimeout: 2 * time.Second,
	}
}

// Conn is a pooled connection handle. Callers must Release on every exit
// path; Release is idempotent.
type Conn struct {
	conn     *sql.Conn
	pool     *Pool
	released bool
	mu       sync.Mutex
}

// Stats is a snapshot of the pool state.
type Stats struct {
	Total      int `json:"total_connections"`
	Idle       int `json:"idle"`
	Target     int `json:"target"`
	Max        int `json:"max"`
	QueueDepth int `json:"queue_depth"`
}

// Pool manages the connections. The free list is a buffered channel sized
// to the hard cap; growth is lazy and shrink happens on release.
type Pool struct {
	cfg Config
	db  *sql.DB

	free chan *sql.Conn

	mu      sync.Mutex
	total   int // physical connections in existence
	target  int // autoscaler-published cap, within [min, max]
	waiting int // callers blocked in Acquire
	closed  bool
}

// Open creates the pool and validates the database is reachable. No
// connections are created until first Acquire.
func Open(cfg Config) (*Pool, error) {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.MinConnections <= 0 {
		cfg.MinConnections = 1
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 2 * time.Second
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// database/sql's own pooling is bypassed; this pool owns the conns.
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	p := &Pool{
		cfg:    cfg,
		db:     db,
		free:   make(chan *sql.Conn, cfg.MaxConnections),
		target: cfg.MaxConnections,
	}
	logging.Get(logging.CategoryPool).Info("pool opened dsn=%s max=%d", cfg.DSN, cfg.MaxConnections)
	return p, nil
}

// DB exposes the underlying handle for schema initialization only; request
// paths must go through Acquire.
func (p *Pool) DB() *sql.DB {
	return p.db
}

// Acquire returns a connection handle, waiting up to the acquire timeout
// for a free one before growing the pool (if below target). At the hard
// cap it keeps waiting until a release or ctx expiry; it never errors
// spuriously while the pool is healthy.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool is closed")
	}
	p.waiting++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.waiting--
		p.mu.Unlock()
	}()

	// Fast path: a free connection is already available.
	select {
	case c := <-p.free:
		return &Conn{conn: c, pool: p}, nil
	default:
	}

	// Grow immediately if under target; otherwise wait for a release.
	if c, err := p.tryGrow(ctx); c != nil || err != nil {
		if err != nil {
			return nil, err
		}
		return &Conn{conn: c, pool: p}, nil
	}

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		select {
		case c := <-p.free:
			return &Conn{conn: c, pool: p}, nil
		case <-timer.C:
			// Waited past the timeout: grow past target up to the hard
			// cap rather than starving the caller.
			p.mu.Lock()
			canGrow := p.total < p.cfg.MaxConnections
			p.mu.Unlock()
			if canGrow {
				c, err := p.grow(ctx)
				if err != nil {
					return nil, err
				}
				if c != nil {
					logging.Get(logging.CategoryPool).Warn("acquire timeout, grew pool past target")
					return &Conn{conn: c, pool: p}, nil
				}
			}
			// At the hard cap: block until a release.
			select {
			case c := <-p.free:
				return &Conn{conn: c, pool: p}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// tryGrow creates a connection when the pool is below target.
func (p *Pool) tryGrow(ctx context.Context) (*sql.Conn, error) {
	p.mu.Lock()
	if p.total >= p.target {
		p.mu.Unlock()
		return nil, nil
	}
	p.mu.Unlock()
	return p.grow(ctx)
}

// grow creates and configures one physical connection, respecting the
// hard cap.
func (p *Pool) grow(ctx context.Context) (*sql.Conn, error) {
	p.mu.Lock()
	if p.total >= p.cfg.MaxConnections {
		p.mu.Unlock()
		return nil, nil
	}
	p.total++
	total := p.total
	p.mu.Unlock()

	c, err := p.db.Conn(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	for _, pragma := range connPragmas {
		if _, err := c.ExecContext(ctx, pragma); err != nil {
			logging.Get(logging.CategoryPool).Debug("pragma failed (%s): %v", pragma, err)
		}
	}
	logging.Get(logging.CategoryPool).Debug("connection created, total=%d", total)
	return c, nil
}

// release returns a connection to the free list, or closes it when the
// pool has shrunk below the live total.
func (p *Pool) release(c *sql.Conn) {
	p.mu.Lock()
	oversubscribed := p.total > p.target || p.closed
	if oversubscribed {
		p.total--
	}
	p.mu.Unlock()

	if oversubscribed {
		_ = c.Close()
		logging.Get(logging.CategoryPool).Debug("connection closed on release (shrink)")
		return
	}
	p.free <- c
}

// SetTarget publishes a new target size, clamped to [min, max]. Growth is
// lazy; shrink happens as connections are released.
func (p *Pool) SetTarget(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < p.cfg.MinConnections {
		n = p.cfg.MinConnections
	}
	if n > p.cfg.MaxConnections {
		n = p.cfg.MaxConnections
	}
	if n != p.target {
		logging.Get(logging.CategoryPool).Info("pool target %d -> %d", p.target, n)
		p.target = n
	}
}

// Target returns the current autoscaler target.
func (p *Pool) Target() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// Stats returns a snapshot of the pool state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:      p.total,
		Idle:       len(p.free),
		Target:     p.target,
		Max:        p.cfg.MaxConnections,
		QueueDepth: p.waiting,
	}
}

// Close drains the free list and closes the database. In-use connections
// are closed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case c := <-p.free:
			_ = c.Close()
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
		default:
			return p.db.Close()
		}
	}
}

// =============================================================================
// CONN HANDLE
// =============================================================================

// Raw exposes the underlying *sql.Conn for queries and transactions.
func (c *Conn) Raw() *sql.Conn {
	return c.conn
}

// Release returns the connection to the pool. Safe to call more than once.
func (c *Conn) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	c.pool.release(c.conn)
}

// BeginTx starts a transaction on this connection.
func (c *Conn) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return c.conn.BeginTx(ctx, nil)
}

// Package queue implements the background batch queue: a bounded,
// multi-producer single-consumer channel whose consumer coalesces tasks
// into size- or time-bounded batches and dispatches them to registered
// handlers. It carries non-critical work (vector repair, stats flushes,
// expiry purges) and is never on the synchronous write path.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/logging"
)

// Kind names a task family. Each kind has exactly one handler.
type Kind string

const (
	// KindRepairVector re-embeds and re-upserts a memory unit whose vector
	// write failed, then reactivates the row.
	KindRepairVector Kind = "repair_vector"
	// KindFlushStats persists accumulated counters.
	KindFlushStats Kind = "flush_stats"
	// KindPurgeExpired tombstones expired memory units and deletes their
	// vectors.
	KindPurgeExpired Kind = "purge_expired"
)

// Task is one queued unit of background work.
type Task struct {
	Kind     Kind
	ID       string // Subject id (memory unit id for repairs)
	Payload  map[string]interface{}
	Enqueued time.Time
}

// Handler processes one batch of tasks of a single kind.
type Handler func(ctx context.Context, tasks []Task) error

// Config bounds the queue.
type Config struct {
	Capacity     int           // Channel buffer; producers block when full
	BatchSize    int           // Flush when a batch reaches this many tasks
	BatchTimeout time.Duration // Flush this long after the first task
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{
		Capacity:     256,
		BatchSize:    16,
		BatchTimeout: 2 * time.Second,
	}
}

// Queue is the batch queue. Start launches the single consumer; Close
// stops intake and drains under a deadline.
type Queue struct {
	cfg   Config
	tasks chan Task

	mu       sync.RWMutex
	handlers map[Kind]Handler
	pending  map[string]struct{} // ids with a queued repair, for invariant checks
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup

	dispatched int64
	failed     int64
}

// New creates a queue with the given bounds.
func New(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 2 * time.Second
	}
	return &Queue{
		cfg:      cfg,
		tasks:    make(chan Task, cfg.Capacity),
		handlers: make(map[Kind]Handler),
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// Register installs the handler for a task kind. Must be called before
// Start; later registrations race with dispatch.
func (q *Queue) Register(kind Kind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Enqueue submits a task. Producers block while the queue is full
// (backpressure) unless ctx expires first. Enqueue after Close fails.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return fmt.Errorf("queue is closed")
	}
	q.mu.RUnlock()

	task.Enqueued = time.Now()
	select {
	case q.tasks <- task:
		if task.Kind == KindRepairVector && task.ID != "" {
			q.mu.Lock()
			q.pending[task.ID] = struct{}{}
			q.mu.Unlock()
		}
		logging.Get(logging.CategoryQueue).Debug("enqueued %s task id=%s depth=%d", task.Kind, task.ID, len(q.tasks))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HasPendingRepair reports whether a repair task for the given memory unit
// id is queued or being processed.
func (q *Queue) HasPendingRepair(unitID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.pending[unitID]
	return ok
}

// Depth returns the number of tasks waiting in the channel.
func (q *Queue) Depth() int {
	return len(q.tasks)
}

// Start launches the consumer loop. The loop waits for a first task, then
// accumulates until the batch is full or the batch timeout elapses since
// that first task, then dispatches per kind.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.consume(ctx)
	}()
}

func (q *Queue) consume(ctx context.Context) {
	for {
		var first Task
		select {
		case <-ctx.Done():
			q.drainRemaining(ctx)
			return
		case <-q.done:
			q.drainRemaining(context.Background())
			return
		case first = <-q.tasks:
		}

		batch := []Task{first}
		deadline := time.NewTimer(q.cfg.BatchTimeout)

	accumulate:
		for len(batch) < q.cfg.BatchSize {
			select {
			case t := <-q.tasks:
				batch = append(batch, t)
			case <-deadline.C:
				break accumulate
			case <-ctx.Done():
				break accumulate
			case <-q.done:
				break accumulate
			}
		}
		deadline.Stop()

		q.dispatch(ctx, batch)
	}
}

// drainRemaining flushes whatever is still buffered, under a short deadline
// so shutdown cannot hang on a stuck handler.
func (q *Queue) drainRemaining(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, 5*time.Second)
	defer cancel()

	for {
		select {
		case t := <-q.tasks:
			q.dispatch(ctx, []Task{t})
		default:
			return
		}
	}
}

// dispatch groups a batch by kind and invokes each kind's handler once.
func (q *Queue) dispatch(ctx context.Context, batch []Task) {
	byKind := make(map[Kind][]Task)
	for _, t := range batch {
		byKind[t.Kind] = append(byKind[t.Kind], t)
	}

	for kind, tasks := range byKind {
		q.mu.RLock()
		h := q.handlers[kind]
		q.mu.RUnlock()

		if h == nil {
			logging.Get(logging.CategoryQueue).Warn("no handler registered for kind %s, dropping %d tasks", kind, len(tasks))
			q.clearPending(tasks)
			continue
		}

		if err := h(ctx, tasks); err != nil {
			q.mu.Lock()
			q.failed += int64(len(tasks))
			q.mu.Unlock()
			logging.Get(logging.CategoryQueue).Error("handler for %s failed on %d tasks: %v", kind, len(tasks), err)
		} else {
			q.mu.Lock()
			q.dispatched += int64(len(tasks))
			q.mu.Unlock()
			logging.Get(logging.CategoryQueue).Debug("dispatched %d %s tasks", len(tasks), kind)
		}
		q.clearPending(tasks)
	}
}

func (q *Queue) clearPending(tasks []Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range tasks {
		if t.Kind == KindRepairVector && t.ID != "" {
			delete(q.pending, t.ID)
		}
	}
}

// Stats returns cumulative dispatch counters and the live depth.
func (q *Queue) Stats() (dispatched, failed int64, depth int) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.dispatched, q.failed, len(q.tasks)
}

// Close stops intake, signals the consumer, and waits for it to drain.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.done)
	q.wg.Wait()
}

// Package queuepool implements the admission-control and fair-dispatch
// layer of the queue subsystem: bounded multi-queue scheduling with
// per-queue concurrency caps and FIFO or priority disciplines.
package queuepool

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/evqueue/evqueue-go/internal/evqerr"
	"github.com/evqueue/evqueue-go/internal/resilience"
)

// Discipline selects how a queue's waiting list is ordered.
type Discipline string

const (
	// Default is FIFO by insertion order.
	Default Discipline = "default"
	// Priority orders by descending numeric priority, ties broken by
	// insertion order.
	Priority Discipline = "priority"
)

// Config describes one named queue at creation time.
type Config struct {
	Name        string
	Concurrency int
	Discipline  Discipline
	Dynamic     bool // if true, EnsureDynamicQueue may create this queue lazily

	// RateLimit, if non-nil, additionally throttles dispatch from this queue
	// independent of its concurrency cap, via the resilience package's
	// token bucket limiter.
	RateLimit *resilience.RateLimiter
}

// Attempt is the opaque unit of work the pool schedules: a reference to a
// task attempt plus the priority hint used by the "priority" discipline.
type Attempt struct {
	ID       string
	Priority int

	seq        uint64
	enqueuedAt time.Time
	index      int // heap bookkeeping
}

// Stats is a point-in-time snapshot of one queue's occupancy.
type Stats struct {
	Name        string
	Waiting     int
	Running     int
	Concurrency int
}

// PoolStats aggregates cross-queue counters.
type PoolStats struct {
	Accepted uint64
	Executed uint64
	Rejected uint64
	Queues   []Stats
}

type queue struct {
	cfg     Config
	waiting attemptHeap
	running map[string]struct{}

	accepted uint64
	executed uint64
}

func newQueue(cfg Config) *queue {
	q := &queue{cfg: cfg, running: make(map[string]struct{})}
	q.waiting.discipline = cfg.Discipline
	heap.Init(&q.waiting)
	return q
}

// Pool is the bounded multi-queue scheduler. All queues share one mutex and
// one condition variable: DequeueNext blocks on it, woken by EnqueueTask and
// OnAttemptFinished, matching the suspension points of the concurrency model.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	queues     map[string]*queue
	order      []string // stable queue iteration order, for round-robin fairness
	lastServed int       // index into order, for the starvation-free rotation

	seq uint64

	rejected uint64
}

// NewPool constructs a pool with the given statically-declared queues.
// Additional queues may be created later via AddQueue, or via
// EnsureDynamicQueue if Dynamic is set.
func NewPool(configs ...Config) *Pool {
	p := &Pool{queues: make(map[string]*queue)}
	p.cond = sync.NewCond(&p.mu)
	for _, c := range configs {
		p.addQueueLocked(c)
	}
	return p
}

func (p *Pool) addQueueLocked(cfg Config) {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Discipline == "" {
		cfg.Discipline = Default
	}
	p.queues[cfg.Name] = newQueue(cfg)
	p.order = append(p.order, cfg.Name)
}

// AddQueue registers a new queue up front (used by static configuration
// loading, as opposed to lazy Dynamic creation via EnsureDynamicQueue).
func (p *Pool) AddQueue(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addQueueLocked(cfg)
}

// EnqueueTask admits attempt into queueName. It never blocks. It does not
// create queues: a name with no queue registered yet is rejected with
// UNKNOWN_QUEUE, Dynamic or not.
func (p *Pool) EnqueueTask(queueName string, id string, priority int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.queues[queueName]
	if !ok {
		p.rejected++
		return evqerr.New(evqerr.UnknownQueue, "queuepool.enqueue", "unknown queue "+queueName)
	}

	p.seq++
	a := &Attempt{ID: id, Priority: priority, seq: p.seq, enqueuedAt: time.Now()}
	heap.Push(&q.waiting, a)
	q.accepted++
	p.cond.Broadcast()
	return nil
}

// EnsureDynamicQueue creates queueName with cfg if it does not already
// exist and is permitted to be created dynamically. The engine does not call
// it; a task naming a queue that has not been created here or by AddQueue is
// rejected by EnqueueTask.
func (p *Pool) EnsureDynamicQueue(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.queues[cfg.Name]; ok {
		return
	}
	cfg.Dynamic = true
	p.addQueueLocked(cfg)
}

// DequeueNext blocks until an attempt is permitted to run under current
// occupancy or ctx is done. It rotates its starting queue each call so that,
// across a round, every non-empty queue with spare capacity releases at
// least one task, so no non-empty queue starves indefinitely.
func (p *Pool) DequeueNext(ctx context.Context) (*Attempt, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if a, name, ok := p.tryDequeueLocked(); ok {
			return a, name, nil
		}

		done := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			p.mu.Lock()
			close(done)
			p.cond.Broadcast()
			p.mu.Unlock()
		})

		select {
		case <-done:
			stop()
			return nil, "", ctx.Err()
		default:
		}

		p.cond.Wait()

		select {
		case <-ctx.Done():
			stop()
			return nil, "", ctx.Err()
		default:
			stop()
		}
	}
}

func (p *Pool) tryDequeueLocked() (*Attempt, string, bool) {
	n := len(p.order)
	if n == 0 {
		return nil, "", false
	}
	for i := 0; i < n; i++ {
		idx := (p.lastServed + 1 + i) % n
		name := p.order[idx]
		q := p.queues[name]
		if q.waiting.Len() == 0 {
			continue
		}
		if len(q.running) >= q.cfg.Concurrency {
			continue
		}
		if q.cfg.RateLimit != nil && !q.cfg.RateLimit.Allow() {
			continue
		}
		a := heap.Pop(&q.waiting).(*Attempt)
		q.running[a.ID] = struct{}{}
		q.executed++
		p.lastServed = idx
		return a, name, true
	}
	return nil, "", false
}

// OnAttemptFinished decrements queueName's running count and wakes any
// blocked dispatcher.
func (p *Pool) OnAttemptFinished(queueName, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[queueName]
	if !ok {
		return
	}
	delete(q.running, id)
	p.cond.Broadcast()
}

// Stats returns a consistent snapshot of every queue plus pool-wide
// counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := PoolStats{Rejected: p.rejected}
	for _, name := range p.order {
		q := p.queues[name]
		out.Accepted += q.accepted
		out.Executed += q.executed
		out.Queues = append(out.Queues, Stats{
			Name:        name,
			Waiting:     q.waiting.Len(),
			Running:     len(q.running),
			Concurrency: q.cfg.Concurrency,
		})
	}
	return out
}

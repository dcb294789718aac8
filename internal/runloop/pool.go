package runloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Pool executes tasks on a fixed set of worker goroutines reading a bounded
// queue. Tasks posted to a pool have no ordering guarantee across workers.
type Pool struct {
	name        string
	queueSize   int
	workerCount int

	mu      sync.Mutex // protects queue creation/destruction
	queue   chan func()
	running atomic.Bool
	wg      sync.WaitGroup

	panicHandler PanicHandler

	enqueued    atomic.Uint64
	processed   atomic.Uint64
	panicked    atomic.Uint64
	dropped     atomic.Uint64
	totalTimeNs atomic.Int64
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithQueueSize sets the task queue size.
func WithQueueSize(size int) PoolOption {
	return func(p *Pool) {
		if size > 0 {
			p.queueSize = size
		}
	}
}

// WithWorkerCount sets the number of worker goroutines.
func WithWorkerCount(count int) PoolOption {
	return func(p *Pool) {
		if count > 0 {
			p.workerCount = count
		}
	}
}

// WithPoolPanicHandler sets the panic handler for pool tasks.
func WithPoolPanicHandler(h PanicHandler) PoolOption {
	return func(p *Pool) {
		if h != nil {
			p.panicHandler = h
		}
	}
}

// NewPool creates a pool. Call Start before posting.
func NewPool(name string, opts ...PoolOption) *Pool {
	p := &Pool{
		name:         name,
		queueSize:    1024,
		workerCount:  4,
		panicHandler: defaultPanicHandler,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Start starts the workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return ErrAlreadyRunning
	}

	p.queue = make(chan func(), p.queueSize)
	p.running.Store(true)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(p.queue)
	}
	return nil
}

// Stop refuses new tasks and waits for queued tasks to finish or ctx to
// expire.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running.Load() {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.running.Store(false)
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues fn. Returns ErrNotRunning or ErrQueueFull when the task
// cannot be accepted.
func (p *Pool) Submit(fn func()) error {
	if fn == nil {
		return nil
	}

	// Holding mu keeps Stop from closing the queue under the send.
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running.Load() {
		return ErrNotRunning
	}

	select {
	case p.queue <- fn:
		p.enqueued.Add(1)
		return nil
	default:
		p.dropped.Add(1)
		return ErrQueueFull
	}
}

// Post implements TaskRunner.
func (p *Pool) Post(fn func()) bool {
	return p.Submit(fn) == nil
}

func (p *Pool) worker(queue <-chan func()) {
	defer p.wg.Done()
	for fn := range queue {
		start := time.Now()
		if runTask(p.name, fn, p.panicHandler) {
			p.panicked.Add(1)
		}
		p.processed.Add(1)
		p.totalTimeNs.Add(time.Since(start).Nanoseconds())
	}
}

// QueueDepth returns the number of tasks waiting in the queue.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running.Load() {
		return 0
	}
	return len(p.queue)
}

// IsRunning reports whether the pool accepts tasks.
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// PoolStats contains pool counters.
type PoolStats struct {
	// Enqueued is the total number of tasks accepted.
	Enqueued uint64

	// Processed is the number of tasks run, including ones that panicked.
	Processed uint64

	// Panicked is the number of tasks that panicked.
	Panicked uint64

	// Dropped is the number of tasks rejected because the queue was full.
	Dropped uint64

	// QueueDepth is the current number of tasks waiting.
	QueueDepth int

	// AvgDuration is the average task execution time.
	AvgDuration time.Duration
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	processed := p.processed.Load()
	var avg int64
	if processed > 0 {
		avg = p.totalTimeNs.Load() / int64(processed)
	}
	return PoolStats{
		Enqueued:    p.enqueued.Load(),
		Processed:   processed,
		Panicked:    p.panicked.Load(),
		Dropped:     p.dropped.Load(),
		QueueDepth:  p.QueueDepth(),
		AvgDuration: time.Duration(avg),
	}
}

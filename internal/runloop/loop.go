package runloop

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// Loop is a serial execution context. Tasks run one at a time on a single
// goroutine, in the order they were posted.
type Loop struct {
	name         string
	panicHandler PanicHandler

	mu     sync.Mutex
	cond   *sync.Cond
	inbox  []func()
	closed bool
	done   chan struct{}

	// gid is the id of the loop goroutine, zero until it starts.
	gid atomic.Uint64

	posted   atomic.Uint64
	executed atomic.Uint64
	panicked atomic.Uint64
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLoopPanicHandler sets the panic handler for the loop.
func WithLoopPanicHandler(h PanicHandler) LoopOption {
	return func(l *Loop) {
		if h != nil {
			l.panicHandler = h
		}
	}
}

// NewLoop creates a loop and starts its goroutine.
func NewLoop(name string, opts ...LoopOption) *Loop {
	l := &Loop{
		name:         name,
		panicHandler: defaultPanicHandler,
		done:         make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	for _, opt := range opts {
		opt(l)
	}
	go l.run()
	return l
}

// Name returns the loop name.
func (l *Loop) Name() string {
	return l.name
}

// Post appends fn to the inbox. Returns false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.inbox = append(l.inbox, fn)
	l.mu.Unlock()

	l.posted.Add(1)
	l.cond.Signal()
	return true
}

// Invoke posts fn and waits for it to finish.
// Called from a task of this loop, fn runs inline.
// Returns ErrNotRunning if the loop is closed.
func (l *Loop) Invoke(ctx context.Context, fn func()) error {
	if l.onLoop() {
		if l.Closed() {
			return ErrNotRunning
		}
		fn()
		return nil
	}
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrNotRunning
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) run() {
	defer close(l.done)
	l.gid.Store(goroutineID())
	for {
		l.mu.Lock()
		for len(l.inbox) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.inbox) == 0 && l.closed {
			l.mu.Unlock()
			return
		}
		batch := l.inbox
		l.inbox = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if runTask(l.name, fn, l.panicHandler) {
				l.panicked.Add(1)
			}
			l.executed.Add(1)
		}
	}
}

// Close stops accepting tasks, runs the ones already posted, and waits for
// the loop goroutine to exit or ctx to expire. Called from a task of this
// loop it returns at once; the loop exits after the pending tasks.
func (l *Loop) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cond.Broadcast()

	if l.onLoop() {
		return nil
	}

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onLoop reports whether the caller runs on the loop goroutine.
func (l *Loop) onLoop() bool {
	id := l.gid.Load()
	return id != 0 && id == goroutineID()
}

// goroutineID parses the current goroutine id from its stack header,
// "goroutine N [state]:". Returns zero if the header is not recognized.
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b, ok := bytes.CutPrefix(b, []byte("goroutine "))
	if !ok {
		return 0
	}
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Closed reports whether the loop refuses new tasks.
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Done is closed when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// LoopStats contains loop counters.
type LoopStats struct {
	// Posted is the number of tasks accepted.
	Posted uint64

	// Executed is the number of tasks run, including ones that panicked.
	Executed uint64

	// Panicked is the number of tasks that panicked.
	Panicked uint64

	// Pending is the number of tasks waiting in the inbox.
	Pending int
}

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() LoopStats {
	l.mu.Lock()
	pending := len(l.inbox)
	l.mu.Unlock()

	return LoopStats{
		Posted:   l.posted.Load(),
		Executed: l.executed.Load(),
		Panicked: l.panicked.Load(),
		Pending:  pending,
	}
}

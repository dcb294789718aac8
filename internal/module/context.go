package module

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/keyforge/internal/channel"
	"github.com/dshills/keyforge/internal/event"
	"github.com/dshills/keyforge/internal/event/dispatch"
	"github.com/dshills/keyforge/internal/logging"
	"github.com/dshills/keyforge/internal/rtvalue"
	"github.com/dshills/keyforge/internal/runloop"
	"github.com/dshills/keyforge/internal/secure"
)

// record is the runtime bookkeeping of one registered module.
// Fields below lifecycle are guarded by Context.mu.
type record struct {
	module     Module
	id         string
	meta       Metadata
	integrated bool
	channel    channel.ID
	mode       DeliveryMode
	runner     *runloop.Loop
	registered time.Time

	// lifecycle serializes hook execution for this module.
	lifecycle sync.Mutex

	state     State
	listening map[string]struct{}
}

// inflight tracks an event until every listener has finished with it.
type inflight struct {
	evt     *event.Event
	pending int
}

// Context is the global module context: module registry, lifecycle
// manager and event bus in one. It is safe for concurrent use.
type Context struct {
	mu      sync.RWMutex
	modules map[string]*record
	order   []string
	closed  bool

	inflightMu sync.Mutex
	inflight   map[string]*inflight

	observers observerSet

	dispatcher *dispatch.SyncDispatcher
	global     *runloop.Pool
	ownsGlobal bool
	channels   *channel.Registry
	rt         *rtvalue.Store
	alloc      *secure.Allocator
	logger     *logging.Logger

	triggered atomic.Uint64
	unheard   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64
	skipped   atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a module context and starts its global task runner.
func New(opts ...Option) (*Context, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logging.Default()
	}
	if cfg.alloc == nil {
		cfg.alloc = secure.DefaultAllocator()
	}
	if cfg.channels == nil {
		cfg.channels = channel.NewRegistry()
	}
	if cfg.rt == nil {
		cfg.rt = rtvalue.NewStore()
	}

	c := &Context{
		modules:  make(map[string]*record),
		inflight: make(map[string]*inflight),
		channels: cfg.channels,
		rt:       cfg.rt,
		alloc:    cfg.alloc,
		logger:   cfg.logger.WithComponent("module"),
	}

	c.dispatcher = dispatch.NewSyncDispatcher(
		dispatch.WithTimeout(cfg.handlerTimeout),
		dispatch.WithPanicHandler(c.onListenerPanic),
	)

	if cfg.global != nil {
		c.global = cfg.global
	} else {
		c.global = runloop.NewPool("global",
			runloop.WithWorkerCount(cfg.workers),
			runloop.WithQueueSize(cfg.queueSize),
			runloop.WithPoolPanicHandler(c.onTaskPanic),
		)
		if err := c.global.Start(); err != nil {
			return nil, fmt.Errorf("start global task runner: %w", err)
		}
		c.ownsGlobal = true
	}
	return c, nil
}

func (c *Context) onListenerPanic(evt *event.Event, v any, stack []byte) {
	c.logger.WithField("event", evt.ID()).Debug("listener panic stack:\n%s", stack)
}

func (c *Context) onTaskPanic(runner string, v any, stack []byte) {
	c.logger.WithField("runner", runner).Error("task panicked: %v\n%s", v, stack)
}

// Logger returns the context logger.
func (c *Context) Logger() *logging.Logger {
	return c.logger
}

// Allocator returns the allocator used for flat events.
func (c *Context) Allocator() *secure.Allocator {
	return c.alloc
}

// Channels returns the channel service registry.
func (c *Context) Channels() *channel.Registry {
	return c.channels
}

// RTValues returns the runtime value store.
func (c *Context) RTValues() *rtvalue.Store {
	return c.rt
}

// GetTaskRunner returns the task runner of a module.
func (c *Context) GetTaskRunner(moduleID string) (runloop.TaskRunner, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.modules[moduleID]
	if !ok {
		return nil, false
	}
	return rec.runner, true
}

// GetGlobalTaskRunner returns the shared worker pool.
func (c *Context) GetGlobalTaskRunner() runloop.TaskRunner {
	return c.global
}

// GetChannel returns the channel a module was registered on.
func (c *Context) GetChannel(moduleID string) (channel.ID, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.modules[moduleID]
	if !ok {
		return channel.DefaultChannel, fmt.Errorf("module %q: %w", moduleID, ErrModuleNotFound)
	}
	return rec.channel, nil
}

// GetDefaultChannel returns the channel used when isolation is not needed.
func (c *Context) GetDefaultChannel() channel.ID {
	return channel.DefaultChannel
}

// Stats contains bus counters.
type Stats struct {
	// Triggered is the number of TriggerEvent calls with a valid event.
	Triggered uint64

	// Unheard is the number of triggers that found no listener.
	Unheard uint64

	// Delivered is the number of successful listener invocations.
	Delivered uint64

	// Failed is the number of listeners that returned an error or could
	// not be scheduled.
	Failed uint64

	// Panicked is the number of listeners that panicked.
	Panicked uint64

	// Skipped is the number of deliveries dropped because the listener was
	// deactivated after the snapshot.
	Skipped uint64

	// InFlight is the number of events still being delivered.
	InFlight int
}

// Stats returns a snapshot of the bus counters.
func (c *Context) Stats() Stats {
	c.inflightMu.Lock()
	n := len(c.inflight)
	c.inflightMu.Unlock()

	return Stats{
		Triggered: c.triggered.Load(),
		Unheard:   c.unheard.Load(),
		Delivered: c.delivered.Load(),
		Failed:    c.failed.Load() + c.dropped.Load(),
		Panicked:  c.panicked.Load(),
		Skipped:   c.skipped.Load(),
		InFlight:  n,
	}
}

// Close deactivates every active module in reverse registration order,
// drains every module task runner, closes modules that implement
// io.Closer and stops the global runner if the context created it.
// Further triggers find no listeners.
func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrContextClosed
	}
	order := append([]string(nil), c.order...)
	c.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if err := c.DeactivateModule(ctx, order[i]); err != nil {
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	c.closed = true
	records := make([]*record, 0, len(c.order))
	for _, id := range c.order {
		records = append(records, c.modules[id])
	}
	c.mu.Unlock()

	for _, rec := range records {
		if err := rec.runner.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("runner %s: %w", rec.runner.Name(), err))
		}
	}
	for i := len(records) - 1; i >= 0; i-- {
		if cl, ok := records[i].module.(io.Closer); ok {
			if err := cl.Close(); err != nil {
				errs = append(errs, fmt.Errorf("module %q: close: %w", records[i].id, err))
			}
		}
	}
	if c.ownsGlobal {
		if err := c.global.Stop(ctx); err != nil && !errors.Is(err, runloop.ErrNotRunning) {
			errs = append(errs, fmt.Errorf("global runner: %w", err))
		}
	}
	return errors.Join(errs...)
}

package module

import (
	"time"

	"github.com/dshills/keyforge/internal/channel"
	"github.com/dshills/keyforge/internal/logging"
	"github.com/dshills/keyforge/internal/rtvalue"
	"github.com/dshills/keyforge/internal/runloop"
	"github.com/dshills/keyforge/internal/secure"
)

// Option configures a Context.
type Option func(*config)

type config struct {
	logger         *logging.Logger
	alloc          *secure.Allocator
	channels       *channel.Registry
	rt             *rtvalue.Store
	global         *runloop.Pool
	workers        int
	queueSize      int
	handlerTimeout time.Duration
}

func defaultConfig() config {
	return config{
		workers:        4,
		queueSize:      1024,
		handlerTimeout: 30 * time.Second,
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAllocator sets the allocator used for flat events.
func WithAllocator(a *secure.Allocator) Option {
	return func(c *config) {
		if a != nil {
			c.alloc = a
		}
	}
}

// WithChannelRegistry sets the channel service registry.
func WithChannelRegistry(r *channel.Registry) Option {
	return func(c *config) {
		if r != nil {
			c.channels = r
		}
	}
}

// WithRTStore sets the runtime value store.
func WithRTStore(s *rtvalue.Store) Option {
	return func(c *config) {
		if s != nil {
			c.rt = s
		}
	}
}

// WithGlobalRunner uses p as the global task runner. The caller owns p and
// must have started it.
func WithGlobalRunner(p *runloop.Pool) Option {
	return func(c *config) {
		if p != nil {
			c.global = p
		}
	}
}

// WithWorkers sets the worker count of the global task runner.
func WithWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithQueueSize sets the queue size of the global task runner.
func WithQueueSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithHandlerTimeout bounds each listener invocation. Zero disables it.
func WithHandlerTimeout(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.handlerTimeout = d
		}
	}
}

// RegisterOption configures a module registration.
type RegisterOption func(*record)

// WithChannel places the module on channel ch.
func WithChannel(ch channel.ID) RegisterOption {
	return func(r *record) {
		r.channel = ch
	}
}

// WithDelivery sets the delivery mode. External modules are always async.
func WithDelivery(m DeliveryMode) RegisterOption {
	return func(r *record) {
		r.mode = m
	}
}

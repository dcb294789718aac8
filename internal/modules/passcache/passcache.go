// Package passcache is the integrated module that caches passphrases per
// channel.
//
// Passphrases live in secure buffers inside a Cache service registered in
// the channel registry, so tearing down a channel wipes its passphrases.
// The secret never travels in event params: PASSPHRASE_REQUEST is answered
// with found=1/0 and in-process callers read the value through Lookup.
package passcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dshills/keyforge/internal/channel"
	"github.com/dshills/keyforge/internal/event"
	"github.com/dshills/keyforge/internal/module"
	"github.com/dshills/keyforge/internal/secure"
)

// ID is the module id.
const ID = "com.keyforge.core.passcache"

// Errors returned by the module.
var (
	// ErrNoHost indicates the module was used before registration.
	ErrNoHost = errors.New("passcache: module not registered")

	// ErrBadParams indicates malformed event params.
	ErrBadParams = errors.New("passcache: bad params")

	// ErrInactive indicates the module is not active.
	ErrInactive = errors.New("passcache: module inactive")
)

// Module owns the per-channel passphrase caches.
type Module struct {
	module.Base

	ttl time.Duration

	mu     sync.RWMutex
	host   module.Host
	active bool
}

// Option configures the module.
type Option func(*Module)

// WithTTL expires cached passphrases after d. Zero keeps them until they
// are forgotten or the channel is torn down.
func WithTTL(d time.Duration) Option {
	return func(m *Module) {
		if d >= 0 {
			m.ttl = d
		}
	}
}

// New creates the module.
func New(opts ...Option) *Module {
	m := &Module{
		Base: module.Base{
			ModuleID: ID,
			Meta: module.Metadata{
				Name:        "Passphrase Cache",
				Version:     "1.0.0",
				Author:      "keyforge",
				Description: "Caches passphrases per channel in locked memory.",
			},
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register subscribes to passphrase events.
func (m *Module) Register(_ context.Context, host module.Host) error {
	m.mu.Lock()
	m.host = host
	m.mu.Unlock()
	for _, id := range []string{event.PassphraseRequest, event.PassphraseForget} {
		if err := host.ListenEvent(ID, id); err != nil {
			return err
		}
	}
	return nil
}

// Activate enables the cache.
func (m *Module) Activate(context.Context) error {
	m.mu.Lock()
	m.active = true
	m.mu.Unlock()
	return nil
}

// Deactivate wipes every channel's cache.
func (m *Module) Deactivate(context.Context) error {
	m.mu.Lock()
	m.active = false
	host := m.host
	m.mu.Unlock()
	if host == nil {
		return nil
	}

	reg := host.Channels()
	for _, ch := range reg.Channels() {
		if c, ok := channel.Lookup[*Cache](reg, ch); ok {
			if n := c.Clear(); n > 0 {
				host.Logger().WithField("module", ID).Debug("wiped %d passphrases on channel %d", n, ch)
			}
		}
	}
	return nil
}

// Exec handles PASSPHRASE_REQUEST and PASSPHRASE_FORGET.
func (m *Module) Exec(_ context.Context, evt *event.Event) (event.Params, error) {
	ch, err := channelParam(evt)
	if err != nil {
		return nil, err
	}
	keyID, _ := evt.Param("key_id")

	switch evt.ID() {
	case event.PassphraseRequest:
		c, err := m.cache(ch)
		if err != nil {
			return nil, err
		}
		if keyID == "" {
			return nil, fmt.Errorf("%w: key_id required", ErrBadParams)
		}
		return event.Params{"found": flag(c.Has(keyID))}, nil

	case event.PassphraseForget:
		c, err := m.cache(ch)
		if err != nil {
			return nil, err
		}
		n := 0
		if keyID == "" {
			n = c.Clear()
		} else if c.Forget(keyID) {
			n = 1
		}
		return event.Params{"forgotten": strconv.Itoa(n)}, nil
	}
	return nil, nil
}

// Store caches pass for keyID on channel ch and announces it with
// PASSPHRASE_CACHED. pass is consumed.
func (m *Module) Store(ch channel.ID, keyID string, pass *secure.Buffer) error {
	if keyID == "" {
		pass.Destroy()
		return fmt.Errorf("%w: empty key id", ErrBadParams)
	}
	c, err := m.cache(ch)
	if err != nil {
		pass.Destroy()
		return err
	}
	c.Put(keyID, pass)

	host, _ := m.hostAndState()
	host.TriggerEvent(event.New(event.PassphraseCached, event.Params{
		"channel": strconv.Itoa(int(ch)),
		"key_id":  keyID,
	}, nil))
	return nil
}

// Lookup returns a copy of the cached passphrase for keyID on channel ch.
func (m *Module) Lookup(ch channel.ID, keyID string) (*secure.Buffer, bool) {
	c, err := m.cache(ch)
	if err != nil {
		return nil, false
	}
	return c.Get(keyID)
}

// Cache returns the cache of channel ch, creating it on first use.
func (m *Module) Cache(ch channel.ID) (*Cache, error) {
	return m.cache(ch)
}

func (m *Module) cache(ch channel.ID) (*Cache, error) {
	host, active := m.hostAndState()
	if host == nil {
		return nil, ErrNoHost
	}
	if !active {
		return nil, ErrInactive
	}
	ttl := m.ttl
	return channel.Get(host.Channels(), ch, func(id channel.ID) (*Cache, error) {
		return newCache(id, ttl), nil
	})
}

func (m *Module) hostAndState() (module.Host, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.host, m.active
}

func channelParam(evt *event.Event) (channel.ID, error) {
	v, ok := evt.Param("channel")
	if !ok || v == "" {
		return channel.DefaultChannel, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: channel %q", ErrBadParams, v)
	}
	return channel.ID(n), nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

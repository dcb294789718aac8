package passcache

import (
	"sort"
	"sync"
	"time"

	"github.com/dshills/keyforge/internal/channel"
	"github.com/dshills/keyforge/internal/secure"
)

type entry struct {
	pass    *secure.Buffer
	expires time.Time
}

// Cache holds the passphrases of one channel in secure buffers. Closing
// it destroys every buffer, which is what channel teardown does.
type Cache struct {
	mu      sync.Mutex
	ch      channel.ID
	ttl     time.Duration
	now     func() time.Time
	entries map[string]entry
}

func newCache(ch channel.ID, ttl time.Duration) *Cache {
	return &Cache{ch: ch, ttl: ttl, now: time.Now, entries: make(map[string]entry)}
}

// Channel returns the channel the cache belongs to.
func (c *Cache) Channel() channel.ID {
	return c.ch
}

// Put takes ownership of pass and stores it for keyID, replacing and
// destroying any previous value. pass is left empty.
func (c *Cache) Put(keyID string, pass *secure.Buffer) {
	owned := pass.Move()

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[keyID]; ok {
		old.pass.Destroy()
	}
	e := entry{pass: owned}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.entries[keyID] = e
}

// Get returns a copy of the passphrase for keyID. The caller owns the
// copy and should Destroy it when done.
func (c *Cache) Get(keyID string) (*secure.Buffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[keyID]
	if !ok {
		return nil, false
	}
	if c.expiredLocked(e) {
		e.pass.Destroy()
		delete(c.entries, keyID)
		return nil, false
	}
	return e.pass.Clone(), true
}

// Has reports whether an unexpired passphrase is cached for keyID.
func (c *Cache) Has(keyID string) bool {
	p, ok := c.Get(keyID)
	p.Destroy()
	return ok
}

// Forget destroys the passphrase of keyID.
func (c *Cache) Forget(keyID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[keyID]
	if ok {
		e.pass.Destroy()
		delete(c.entries, keyID)
	}
	return ok
}

// Clear destroys every passphrase and returns how many were held.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	for id, e := range c.entries {
		e.pass.Destroy()
		delete(c.entries, id)
	}
	return n
}

// Keys returns the cached key ids, sorted. Expired entries are purged.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for id, e := range c.entries {
		if c.expiredLocked(e) {
			e.pass.Destroy()
			delete(c.entries, id)
			continue
		}
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}

// Close implements io.Closer.
func (c *Cache) Close() error {
	c.Clear()
	return nil
}

func (c *Cache) expiredLocked(e entry) bool {
	return !e.expires.IsZero() && !c.now().Before(e.expires)
}

// Package settings persists per-module settings.
//
// Each module has one entry keyed by module id:
//
//	[[module]]
//	module_id = "com.example.passcheck"
//	module_hash = "9f2c..."
//	auto_activate = true
//
// When a module's hash differs from the stored one its auto_activate flag
// is reset, so a changed module is never activated without consent.
// Store can watch its file and reload on external edits.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/keyforge/internal/logging"
)

// Errors returned by the store.
var (
	// ErrUnknownModule indicates no entry exists for a module id.
	ErrUnknownModule = errors.New("settings: unknown module")

	// ErrStoreClosed indicates the store was closed.
	ErrStoreClosed = errors.New("settings: store closed")

	// ErrEmptyID indicates an empty module id.
	ErrEmptyID = errors.New("settings: empty module id")
)

// ModuleSettings is the settings object of one module.
type ModuleSettings struct {
	ModuleID     string `toml:"module_id"`
	ModuleHash   string `toml:"module_hash"`
	AutoActivate bool   `toml:"auto_activate"`
}

type document struct {
	Modules []ModuleSettings `toml:"module"`
}

// ChangeFunc is called after the file was reloaded from disk.
type ChangeFunc func(all []ModuleSettings)

// Store is a file-backed set of module settings. It is safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	path     string
	entries  map[string]ModuleSettings
	last     []byte
	closed   bool
	logger   *logging.Logger
	onChange []ChangeFunc

	debounce time.Duration
	watch    *watcher
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDebounce sets how long Watch waits for a burst of file events to
// settle before reloading.
func WithDebounce(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// Open loads the settings file at path. A missing file yields an empty
// store; it is created on the first write.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("settings: empty path")
	}
	s := &Store{
		path:     path,
		entries:  make(map[string]ModuleSettings),
		logger:   logging.Default(),
		debounce: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("settings")

	if _, err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Get returns the settings of a module.
func (s *Store) Get(moduleID string) (ModuleSettings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[moduleID]
	return e, ok
}

// All returns every entry ordered by module id.
func (s *Store) All() []ModuleSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

func (s *Store) sortedLocked() []ModuleSettings {
	out := make([]ModuleSettings, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out
}

// Sync records the current hash of a module and returns its settings. A
// new module gets auto_activate off. A module whose hash changed has its
// auto_activate reset; reset reports whether that happened.
func (s *Store) Sync(moduleID, hash string) (_ ModuleSettings, reset bool, err error) {
	if moduleID == "" {
		return ModuleSettings{}, false, ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ModuleSettings{}, false, ErrStoreClosed
	}

	e, ok := s.entries[moduleID]
	switch {
	case !ok:
		e = ModuleSettings{ModuleID: moduleID, ModuleHash: hash}
	case e.ModuleHash != hash:
		reset = e.AutoActivate
		e.ModuleHash = hash
		e.AutoActivate = false
		s.logger.Info("module %s changed, auto activation reset", moduleID)
	default:
		return e, false, nil
	}
	s.entries[moduleID] = e
	return e, reset, s.saveLocked()
}

// SetAutoActivate sets the auto-activation flag of a known module.
func (s *Store) SetAutoActivate(moduleID string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	e, ok := s.entries[moduleID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, moduleID)
	}
	if e.AutoActivate == on {
		return nil
	}
	e.AutoActivate = on
	s.entries[moduleID] = e
	return s.saveLocked()
}

// Remove deletes the entry of a module.
func (s *Store) Remove(moduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.entries[moduleID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, moduleID)
	}
	delete(s.entries, moduleID)
	return s.saveLocked()
}

// OnChange registers fn to run after every reload that changed the file
// contents.
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Reload re-reads the file. Listeners run if the contents changed. On a
// parse error the current entries are kept.
func (s *Store) Reload() error {
	changed, err := s.reload()
	if err != nil || !changed {
		return err
	}

	s.mu.RLock()
	all := s.sortedLocked()
	fns := append([]ChangeFunc(nil), s.onChange...)
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(all)
	}
	return nil
}

func (s *Store) reload() (changed bool, err error) {
	data, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("reading settings %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil && bytes.Equal(data, s.last) {
		return false, nil
	}

	entries, err := decode(data)
	if err != nil {
		return false, fmt.Errorf("parsing settings %s: %w", s.path, err)
	}
	s.entries = entries
	s.last = data
	if s.last == nil {
		s.last = []byte{}
	}
	return true, nil
}

func decode(data []byte) (map[string]ModuleSettings, error) {
	var doc document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	entries := make(map[string]ModuleSettings, len(doc.Modules))
	for _, e := range doc.Modules {
		if e.ModuleID == "" {
			continue
		}
		entries[e.ModuleID] = e
	}
	return entries, nil
}

// saveLocked writes the file through a temp file and rename.
func (s *Store) saveLocked() error {
	data, err := toml.Marshal(document{Modules: s.sortedLocked()})
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*")
	if err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	s.last = data
	return nil
}

// Close stops watching. Later writes fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	w := s.watch
	s.watch = nil
	s.mu.Unlock()

	if w != nil {
		return w.close()
	}
	return nil
}

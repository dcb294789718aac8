package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrAlreadyWatching indicates Watch was called twice.
var ErrAlreadyWatching = errors.New("settings: already watching")

// watcher reloads a Store when its file changes. It watches the parent
// directory so that files replaced by rename are still seen.
type watcher struct {
	fsw   *fsnotify.Watcher
	store *Store
	name  string
	delay time.Duration

	mu    sync.Mutex
	timer *time.Timer

	reloads atomic.Int64

	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

// Watch starts reloading the store whenever its file is changed by
// another writer. Stop with Close.
func (s *Store) Watch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if s.watch != nil {
		return ErrAlreadyWatching
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating settings dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("settings watcher: %w", err)
	}

	w := &watcher{
		fsw:     fsw,
		store:   s,
		name:    filepath.Base(s.path),
		delay:   s.debounce,
		closeCh: make(chan struct{}),
	}
	w.closedWg.Add(1)
	go w.processLoop()
	s.watch = w
	return nil
}

// Reloads returns how many debounced reloads the watcher performed.
func (s *Store) Reloads() int64 {
	s.mu.RLock()
	w := s.watch
	s.mu.RUnlock()
	if w == nil {
		return 0
	}
	return w.reloads.Load()
}

func (w *watcher) processLoop() {
	defer w.closedWg.Done()
	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.store.logger.Warn("watch error: %v", err)
		}
	}
}

func (w *watcher) handle(ev fsnotify.Event) {
	if filepath.Base(ev.Name) != w.name {
		return
	}
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) &&
		!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, w.fire)
}

func (w *watcher) fire() {
	select {
	case <-w.closeCh:
		return
	default:
	}
	w.reloads.Add(1)
	if err := w.store.Reload(); err != nil {
		w.store.logger.Error("reload failed, keeping previous settings: %v", err)
	}
}

func (w *watcher) close() error {
	close(w.closeCh)
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	err := w.fsw.Close()
	w.closedWg.Wait()
	return err
}

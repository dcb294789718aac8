package lua

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Discovered is the result of inspecting one module directory.
type Discovered struct {
	// Dir is the inspected directory.
	Dir string

	// Manifest is set when the directory holds a valid module.
	Manifest *Manifest

	// Err explains why the directory could not be loaded.
	Err error
}

// Loader finds external modules on disk. Each search path holds one
// subdirectory per module.
type Loader struct {
	paths []string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithPaths sets the module search paths.
func WithPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.paths = paths
	}
}

// NewLoader creates a loader searching DefaultModulePaths unless
// overridden.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{paths: DefaultModulePaths()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DefaultModulePaths returns the default search paths.
func DefaultModulePaths() []string {
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "keyforge", "modules"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".local", "share", "keyforge", "modules"))
	}
	return paths
}

// Paths returns the search paths.
func (l *Loader) Paths() []string {
	return l.paths
}

// Discover inspects every module directory under the search paths and
// returns the results sorted by module id, with failed directories last
// in path order. When two directories declare the same id the first path
// wins and the other is reported as a failure. Missing search paths are
// skipped.
func (l *Loader) Discover() []Discovered {
	var (
		found  = make(map[string]Discovered)
		failed []Discovered
	)

	for _, base := range l.paths {
		entries, err := os.ReadDir(base)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				failed = append(failed, Discovered{Dir: base, Err: err})
			}
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(base, entry.Name())
			m, err := LoadManifest(dir)
			if err != nil {
				failed = append(failed, Discovered{Dir: dir, Err: err})
				continue
			}
			if prev, dup := found[m.ID]; dup {
				failed = append(failed, Discovered{
					Dir: dir,
					Err: fmt.Errorf("module %q already found in %s", m.ID, prev.Dir),
				})
				continue
			}
			found[m.ID] = Discovered{Dir: dir, Manifest: m}
		}
	}

	out := make([]Discovered, 0, len(found)+len(failed))
	for _, d := range found {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Manifest.ID < out[j].Manifest.ID
	})
	return append(out, failed...)
}

package lua

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dshills/keyforge/internal/module"
)

// Manifest file names, in lookup order.
var manifestFiles = []string{"module.yaml", "module.yml", "module.json"}

// DefaultEntry is the entry file used when a manifest names none.
const DefaultEntry = "main.lua"

// Manifest describes an external module.
type Manifest struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Version     string   `yaml:"version" json:"version"`
	SDKVersion  string   `yaml:"sdk_version" json:"sdk_version"`
	Author      string   `yaml:"author" json:"author"`
	Description string   `yaml:"description" json:"description"`
	Entry       string   `yaml:"entry" json:"entry"`
	Events      []string `yaml:"events" json:"events"`

	// Dir is the module directory.
	Dir string `yaml:"-" json:"-"`

	// Hash is the hex sha256 of the entry file.
	Hash string `yaml:"-" json:"-"`
}

var (
	idPattern     = regexp.MustCompile(`^[a-z][a-z0-9]*([._-][a-z0-9]+)*$`)
	semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)
)

// LoadManifest reads and validates the manifest in dir and hashes the
// entry file.
func LoadManifest(dir string) (*Manifest, error) {
	var (
		data []byte
		file string
	)
	for _, name := range manifestFiles {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}
		data, file = b, name
		break
	}
	if file == "" {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoManifest)
	}

	m, err := ParseManifest(data, filepath.Ext(file) == ".json")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Join(dir, file), err)
	}
	m.Dir = dir

	m.Hash, err = hashFile(m.EntryPath())
	if err != nil {
		return nil, fmt.Errorf("hash entry: %w", err)
	}
	return m, nil
}

// ParseManifest decodes and validates manifest data.
func ParseManifest(data []byte, isJSON bool) (*Manifest, error) {
	var m Manifest
	var err error
	if isJSON {
		err = json.Unmarshal(data, &m)
	} else {
		err = yaml.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Entry == "" {
		m.Entry = DefaultEntry
	}
	if m.Name == "" {
		m.Name = m.ID
	}
}

// Validate checks the manifest fields.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}
	if !idPattern.MatchString(m.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, m.ID)
	}
	if m.Version == "" {
		return ErrMissingVersion
	}
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, m.Version)
	}

	entry := filepath.Clean(m.Entry)
	if filepath.Ext(entry) != ".lua" || filepath.IsAbs(entry) ||
		entry == ".." || strings.HasPrefix(entry, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %q", ErrInvalidEntry, m.Entry)
	}

	for _, id := range m.Events {
		if id == "" {
			return ErrInvalidEventID
		}
	}
	return nil
}

// EntryPath returns the absolute or dir-relative path of the entry file.
func (m *Manifest) EntryPath() string {
	return filepath.Join(m.Dir, m.Entry)
}

// Metadata converts the manifest to module metadata.
func (m *Manifest) Metadata() module.Metadata {
	return module.Metadata{
		Name:        m.Name,
		Version:     m.Version,
		SDKVersion:  m.SDKVersion,
		Author:      m.Author,
		Description: m.Description,
		Hash:        m.Hash,
		Path:        m.Dir,
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

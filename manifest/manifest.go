// Package manifest handles kiri.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/chazu/kiri/vm"
)

// FileName is the manifest file looked up in project directories.
const FileName = "kiri.toml"

// Manifest represents a kiri.toml project configuration.
type Manifest struct {
	Project Project      `toml:"project"`
	Engine  EngineConfig `toml:"engine"`
	Log     LogConfig    `toml:"log"`
	Cache   CacheConfig  `toml:"cache"`
	Run     RunConfig    `toml:"run"`

	// Dir is the directory containing the kiri.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// EngineConfig configures the VM.
type EngineConfig struct {
	Assertions    bool `toml:"assertions"`
	Dump          bool `toml:"dump"`
	ArenaCapacity int  `toml:"arena-capacity"`
}

// LogConfig configures logging.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// CacheConfig configures the bytecode cache.
type CacheConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// RunConfig names the code block executed by "kiri run" without arguments.
type RunConfig struct {
	Entry string `toml:"entry"`
}

// Default returns the configuration used when no manifest exists.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.Cache.Path == "" {
		m.Cache.Path = filepath.Join(".kiri", "cache.db")
	}
}

// Load parses a kiri.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if m.Engine.ArenaCapacity < 0 {
		return nil, fmt.Errorf("%s: engine.arena-capacity must not be negative", path)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults()
	return &m, nil
}

// FindAndLoad walks up from startDir to find a kiri.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// VMConfig maps the engine section to a VM configuration.
func (m *Manifest) VMConfig() vm.Config {
	return vm.Config{
		Assertions:    m.Engine.Assertions,
		Dump:          m.Engine.Dump,
		ArenaCapacity: m.Engine.ArenaCapacity,
	}
}

// CachePath returns the absolute cache database path.
func (m *Manifest) CachePath() string {
	return m.resolve(m.Cache.Path)
}

// LogPath returns the absolute log file path, or "" for stderr.
func (m *Manifest) LogPath() string {
	if m.Log.File == "" {
		return ""
	}
	return m.resolve(m.Log.File)
}

// EntryPath returns the absolute path of the run entry, or "".
func (m *Manifest) EntryPath() string {
	if m.Run.Entry == "" {
		return ""
	}
	return m.resolve(m.Run.Entry)
}

func (m *Manifest) resolve(p string) string {
	if filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}

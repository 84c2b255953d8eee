package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "demo"
version = "0.2.0"

[engine]
assertions = true
dump = true
arena-capacity = 64

[log]
verbosity = 2
file = "logs/kiri.log"

[cache]
enabled = true
path = "/var/cache/kiri.db"

[run]
entry = "build/main.kbc"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "demo" || m.Project.Version != "0.2.0" {
		t.Errorf("project = %+v, want demo 0.2.0", m.Project)
	}
	cfg := m.VMConfig()
	if !cfg.Assertions || !cfg.Dump || cfg.ArenaCapacity != 64 {
		t.Errorf("vm config = %+v", cfg)
	}
	if m.Log.Verbosity != 2 {
		t.Errorf("log verbosity = %d, want 2", m.Log.Verbosity)
	}
	if got := m.LogPath(); got != filepath.Join(dir, "logs", "kiri.log") {
		t.Errorf("log path = %q", got)
	}
	if !m.Cache.Enabled {
		t.Error("cache enabled = false, want true")
	}
	if got := m.CachePath(); got != "/var/cache/kiri.db" {
		t.Errorf("cache path = %q, want the absolute path unchanged", got)
	}
	if got := m.EntryPath(); got != filepath.Join(dir, "build", "main.kbc") {
		t.Errorf("entry path = %q", got)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "minimal"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := m.CachePath(); got != filepath.Join(dir, ".kiri", "cache.db") {
		t.Errorf("cache path = %q, want .kiri/cache.db under the project", got)
	}
	if m.Cache.Enabled {
		t.Error("cache should be disabled by default")
	}
	if m.LogPath() != "" || m.EntryPath() != "" {
		t.Errorf("log path = %q, entry path = %q, want both empty", m.LogPath(), m.EntryPath())
	}
	if cfg := m.VMConfig(); cfg.Assertions || cfg.Dump || cfg.ArenaCapacity != 0 {
		t.Errorf("vm config = %+v, want the zero config", cfg)
	}
}

func TestDefault(t *testing.T) {
	m := Default()
	if m.Dir != "" {
		t.Errorf("dir = %q, want empty", m.Dir)
	}
	if got := m.CachePath(); got != filepath.Join(".kiri", "cache.db") {
		t.Errorf("cache path = %q, want relative .kiri/cache.db", got)
	}
}

func TestLoadManifestErrors(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil || !strings.Contains(err.Error(), "cannot read") {
		t.Errorf("missing file: err = %v", err)
	}

	dir := t.TempDir()
	writeManifest(t, dir, "[engine\nassertions = yes")
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "parse error") {
		t.Errorf("bad toml: err = %v", err)
	}

	dir = t.TempDir()
	writeManifest(t, dir, "[engine]\narena-capacity = -1\n")
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "arena-capacity") {
		t.Errorf("negative capacity: err = %v", err)
	}
}

func TestFindAndLoadWalksUp(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, `
[project]
name = "parent"
`)
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	m, err := FindAndLoad(sub)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil, want the parent manifest")
	}
	if m.Project.Name != "parent" || m.Dir != root {
		t.Errorf("found %q in %s, want parent in %s", m.Project.Name, m.Dir, root)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	m, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m != nil {
		t.Errorf("manifest = %+v, want nil", m)
	}
}

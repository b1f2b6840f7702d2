package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/lem/heap"
	"github.com/chazu/lem/vm"
)

func TestLoadManifest(t *testing.T) {
	// Create a temporary directory with a lem.toml
	dir := t.TempDir()
	tomlContent := `
[project]
name = "test-app"
version = "0.1.0"

[source]
entry = "main.lasm"

[image]
output = "build/main.lemc"
include-source = true

[machine]
default-capacity = 4
max-steps = 1000
max-call-depth = 16
timeout = "2s"

[heap]
shards = 4

[tasks]
max-workers = 8

[trace]
verbosity = 2
database = "trace.db"

[server]
addr = ":9000"
session-ttl = "90s"
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "test-app" || m.Project.Version != "0.1.0" {
		t.Errorf("project = %+v", m.Project)
	}
	if m.EntryPath() != filepath.Join(m.Dir, "main.lasm") {
		t.Errorf("EntryPath = %q", m.EntryPath())
	}
	if m.ImageOutputPath() != filepath.Join(m.Dir, "build", "main.lemc") || !m.Image.IncludeSource {
		t.Errorf("image = %+v", m.Image)
	}
	if m.Machine.DefaultCapacity != 4 || m.Machine.MaxSteps != 1000 || m.Machine.MaxCallDepth != 16 {
		t.Errorf("machine = %+v", m.Machine)
	}
	if m.Machine.Timeout.Duration != 2*time.Second {
		t.Errorf("timeout = %v, want 2s", m.Machine.Timeout)
	}
	if m.Heap.Shards != 4 || m.Tasks.MaxWorkers != 8 {
		t.Errorf("heap = %+v, tasks = %+v", m.Heap, m.Tasks)
	}
	if m.Trace.Verbosity != 2 || m.TraceDatabasePath() != filepath.Join(m.Dir, "trace.db") {
		t.Errorf("trace = %+v", m.Trace)
	}
	if m.Server.Addr != ":9000" || m.Server.SessionTTL.Duration != 90*time.Second {
		t.Errorf("server = %+v", m.Server)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[project]
name = "minimal"
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := Default()
	if m.Machine != want.Machine || m.Heap != want.Heap || m.Tasks != want.Tasks || m.Server != want.Server {
		t.Errorf("defaults = %+v, want %+v", m, want)
	}
	if m.Machine.DefaultCapacity != heap.DefaultCapacity || m.Machine.MaxCallDepth != vm.DefaultMaxCallDepth {
		t.Errorf("machine defaults = %+v", m.Machine)
	}
	if m.Machine.MaxSteps != 0 {
		t.Errorf("max-steps default = %d, want unlimited", m.Machine.MaxSteps)
	}
	if m.Machine.Timeout.Duration != DefaultTimeout || m.Server.SessionTTL.Duration != DefaultSessionTTL {
		t.Errorf("durations = %v, %v", m.Machine.Timeout, m.Server.SessionTTL)
	}
	if m.EntryPath() != "" || m.TraceDatabasePath() != "" {
		t.Error("unset paths resolved to non-empty values")
	}
}

func TestLoadManifestErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", "[machine\nmax-steps = 1"},
		{"bad duration", "[machine]\ntimeout = \"soon\""},
		{"wrong type", "[heap]\nshards = \"many\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(dir); err == nil {
				t.Error("Load succeeded")
			}
		})
	}

	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Load of a directory without lem.toml succeeded")
	}
}

func TestFindAndLoad(t *testing.T) {
	// Create nested directory structure
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}

	tomlContent := `[project]
name = "found-project"
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Project.Name != "found-project" {
		t.Errorf("project name = %q, want found-project", m.Project.Name)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no lem.toml exists")
	}
}

func TestMachineOptions(t *testing.T) {
	m := Default()
	m.Machine.MaxSteps = 3
	code := []byte{byte(vm.OpGoto), 0}
	_, err := vm.New(code, append(m.MachineOptions(), vm.WithPool(m.NewPool()))...).Run(t.Context())
	if err == nil {
		t.Fatal("step limit from manifest not applied")
	}
}

// Package manifest handles lem.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chazu/lem/heap"
	"github.com/chazu/lem/vm"
)

// FileName is the name of the configuration file.
const FileName = "lem.toml"

// Defaults for settings left out of lem.toml.
const (
	DefaultAddr       = "127.0.0.1:7420"
	DefaultSessionTTL = 10 * time.Minute
	DefaultTimeout    = 30 * time.Second
)

// Manifest represents a lem.toml project configuration.
type Manifest struct {
	Project Project       `toml:"project"`
	Source  Source        `toml:"source"`
	Image   ImageConfig   `toml:"image"`
	Machine MachineConfig `toml:"machine"`
	Heap    HeapConfig    `toml:"heap"`
	Tasks   TasksConfig   `toml:"tasks"`
	Trace   TraceConfig   `toml:"trace"`
	Server  ServerConfig  `toml:"server"`

	// Dir is the directory containing the lem.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Source names the program to run.
type Source struct {
	Entry string `toml:"entry"` // .lasm, .lemc or raw program
}

// ImageConfig configures image output.
type ImageConfig struct {
	Output        string `toml:"output"`
	IncludeSource bool   `toml:"include-source"`
}

// MachineConfig configures each vm.Machine.
type MachineConfig struct {
	DefaultCapacity int      `toml:"default-capacity"`
	MaxSteps        int      `toml:"max-steps"`
	MaxCallDepth    int      `toml:"max-call-depth"`
	Timeout         Duration `toml:"timeout"`
}

// HeapConfig configures the block pool.
type HeapConfig struct {
	Shards int `toml:"shards"`
}

// TasksConfig configures parallel regions.
type TasksConfig struct {
	MaxWorkers int `toml:"max-workers"`
}

// TraceConfig configures logging and the trace database.
type TraceConfig struct {
	Verbosity int    `toml:"verbosity"`
	Database  string `toml:"database"`
}

// ServerConfig configures lem -serve.
type ServerConfig struct {
	Addr       string   `toml:"addr"`
	SessionTTL Duration `toml:"session-ttl"`
}

// Duration is a time.Duration written as a string such as "1m30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when there is no lem.toml.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.Machine.DefaultCapacity <= 0 {
		m.Machine.DefaultCapacity = heap.DefaultCapacity
	}
	if m.Machine.MaxCallDepth <= 0 {
		m.Machine.MaxCallDepth = vm.DefaultMaxCallDepth
	}
	if m.Machine.Timeout.Duration <= 0 {
		m.Machine.Timeout.Duration = DefaultTimeout
	}
	if m.Heap.Shards <= 0 {
		m.Heap.Shards = heap.DefaultShards
	}
	if m.Server.Addr == "" {
		m.Server.Addr = DefaultAddr
	}
	if m.Server.SessionTTL.Duration <= 0 {
		m.Server.SessionTTL.Duration = DefaultSessionTTL
	}
}

// Load parses a lem.toml file from the given directory.
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

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults()
	return &m, nil
}

// FindAndLoad walks up from startDir to find a lem.toml file,
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

// resolve makes a configured path absolute relative to the manifest.
func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// EntryPath returns the absolute path of the program to run, or "".
func (m *Manifest) EntryPath() string {
	return m.resolve(m.Source.Entry)
}

// ImageOutputPath returns the absolute path images are written to, or "".
func (m *Manifest) ImageOutputPath() string {
	return m.resolve(m.Image.Output)
}

// TraceDatabasePath returns the absolute path of the trace database, or "".
func (m *Manifest) TraceDatabasePath() string {
	return m.resolve(m.Trace.Database)
}

// NewPool creates a block pool with the configured shard count.
func (m *Manifest) NewPool() *heap.Pool {
	return heap.NewPool(m.Heap.Shards)
}

// MachineOptions returns the vm options for the [machine] and [tasks]
// settings. The pool and tracers are left to the caller.
func (m *Manifest) MachineOptions() []vm.Option {
	return []vm.Option{
		vm.WithDefaultCapacity(m.Machine.DefaultCapacity),
		vm.WithMaxSteps(m.Machine.MaxSteps),
		vm.WithMaxCallDepth(m.Machine.MaxCallDepth),
		vm.WithMaxWorkers(m.Tasks.MaxWorkers),
	}
}

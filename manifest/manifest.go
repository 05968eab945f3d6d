// Package manifest handles loom.toml engine configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chazu/loom/vm"
	"github.com/chazu/loom/vm/workerpool"
)

// FileName is the name of the configuration file.
const FileName = "loom.toml"

// Manifest represents a loom.toml configuration.
type Manifest struct {
	Engine  Engine  `toml:"engine"`
	Threads Threads `toml:"threads"`
	Log     Log     `toml:"log"`

	// Dir is the directory containing the loom.toml file (set at load time).
	Dir string `toml:"-"`
}

// Engine contains engine metadata.
type Engine struct {
	Name  string `toml:"name"`
	Entry string `toml:"entry"`
}

// Threads configures the scheduler.
type Threads struct {
	MaxThreads           int            `toml:"max-threads"`
	QueueDepth           int            `toml:"queue-depth"`
	KeepAlive            Duration       `toml:"keep-alive"`
	DrainTimeout         Duration       `toml:"drain-timeout"`
	ContinuationCapacity int            `toml:"continuation-capacity"`
	MaxStackDepth        int            `toml:"max-stack-depth"`
	SpawnRates           map[string]int `toml:"spawn-rates"` // window ("1s") -> spawns
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"` // empty logs to stderr
}

// Duration is a time.Duration written as a string ("250ms").
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

// Load parses a loom.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// Parse decodes and validates loom.toml content. Defaults are filled in.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	m.applyDefaults()
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Default returns the configuration used when no loom.toml exists.
func Default() *Manifest {
	var m Manifest
	m.applyDefaults()
	return &m
}

// Write saves the manifest as loom.toml in dir.
func (m *Manifest) Write(dir string) error {
	buf := strings.Builder{}
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("encode %s: %w", FileName, err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(buf.String()), 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return nil
}

// FindAndLoad walks up from startDir to find a loom.toml file,
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

func (m *Manifest) applyDefaults() {
	if m.Engine.Name == "" {
		m.Engine.Name = "loom"
	}
	if m.Engine.Entry == "" {
		m.Engine.Entry = string(vm.DefaultEntryPoint)
	}
	if m.Threads.QueueDepth == 0 {
		m.Threads.QueueDepth = 1
	}
	if m.Threads.KeepAlive.Duration == 0 {
		m.Threads.KeepAlive.Duration = workerpool.DefaultKeepAlive
	}
	if m.Threads.DrainTimeout.Duration == 0 {
		m.Threads.DrainTimeout.Duration = vm.DefaultDrainTimeout
	}
	if m.Threads.MaxStackDepth == 0 {
		m.Threads.MaxStackDepth = vm.DefaultMaxStackDepth
	}
}

func (m *Manifest) validate() error {
	t := m.Threads
	switch {
	case t.MaxThreads < 0:
		return fmt.Errorf("threads.max-threads must not be negative, got %d", t.MaxThreads)
	case t.QueueDepth < 0:
		return fmt.Errorf("threads.queue-depth must not be negative, got %d", t.QueueDepth)
	case t.KeepAlive.Duration < 0:
		return fmt.Errorf("threads.keep-alive must not be negative, got %s", t.KeepAlive)
	case t.DrainTimeout.Duration < 0:
		return fmt.Errorf("threads.drain-timeout must not be negative, got %s", t.DrainTimeout)
	case t.ContinuationCapacity < 0:
		return fmt.Errorf("threads.continuation-capacity must not be negative, got %d", t.ContinuationCapacity)
	case t.MaxStackDepth < 0:
		return fmt.Errorf("threads.max-stack-depth must not be negative, got %d", t.MaxStackDepth)
	}
	_, err := m.Policy()
	return err
}

// spawnRates parses the [threads.spawn-rates] table.
func (m *Manifest) spawnRates() (map[time.Duration]int, error) {
	if len(m.Threads.SpawnRates) == 0 {
		return nil, nil
	}
	windows := make([]string, 0, len(m.Threads.SpawnRates))
	for w := range m.Threads.SpawnRates {
		windows = append(windows, w)
	}
	sort.Strings(windows)

	rates := make(map[time.Duration]int, len(windows))
	for _, w := range windows {
		d, err := time.ParseDuration(w)
		if err != nil {
			return nil, fmt.Errorf("threads.spawn-rates: bad window %q: %w", w, err)
		}
		if _, dup := rates[d]; dup {
			return nil, fmt.Errorf("threads.spawn-rates: window %q given twice", w)
		}
		rates[d] = m.Threads.SpawnRates[w]
	}
	return rates, nil
}

// Policy builds the thread policy described by [threads]. A manifest with
// neither a thread cap nor spawn rates still gets a policy, which only
// records the unbounded limit.
func (m *Manifest) Policy() (*vm.LimitPolicy, error) {
	rates, err := m.spawnRates()
	if err != nil {
		return nil, err
	}
	p, err := vm.NewLimitPolicy(m.Threads.MaxThreads, rates)
	if err != nil {
		return nil, fmt.Errorf("threads: %w", err)
	}
	return p, nil
}

// Options converts the manifest into scheduler options. Interpreter state is
// left for the caller to fill in.
func (m *Manifest) Options() (vm.Options, error) {
	p, err := m.Policy()
	if err != nil {
		return vm.Options{}, err
	}
	return vm.Options{
		Policy:               p,
		QueueDepth:           m.Threads.QueueDepth,
		KeepAlive:            m.Threads.KeepAlive.Duration,
		DrainTimeout:         m.Threads.DrainTimeout.Duration,
		ContinuationCapacity: m.Threads.ContinuationCapacity,
		MaxStackDepth:        m.Threads.MaxStackDepth,
	}, nil
}

// LogPath returns the log file path, or nil to log to stderr. Relative paths
// are resolved against the manifest directory.
func (m *Manifest) LogPath() *string {
	if m.Log.Path == "" {
		return nil
	}
	path := m.Log.Path
	if !filepath.IsAbs(path) && m.Dir != "" {
		path = filepath.Join(m.Dir, path)
	}
	return &path
}

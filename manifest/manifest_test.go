package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/loom/vm"
)

func TestLoadManifest(t *testing.T) {
	// Create a temporary directory with a loom.toml
	dir := t.TempDir()
	tomlContent := `
[engine]
name = "test-engine"
entry = "start"

[threads]
max-threads = 16
queue-depth = 4
keep-alive = "30s"
drain-timeout = "2s"
continuation-capacity = 12
max-stack-depth = 512

[threads.spawn-rates]
"1s" = 10
"1m" = 100

[log]
verbosity = 2
path = "loom.log"
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Engine.Name != "test-engine" {
		t.Errorf("engine name = %q, want test-engine", m.Engine.Name)
	}
	if m.Engine.Entry != "start" {
		t.Errorf("engine entry = %q, want start", m.Engine.Entry)
	}
	if m.Threads.MaxThreads != 16 {
		t.Errorf("max-threads = %d, want 16", m.Threads.MaxThreads)
	}
	if m.Threads.QueueDepth != 4 {
		t.Errorf("queue-depth = %d, want 4", m.Threads.QueueDepth)
	}
	if m.Threads.KeepAlive.Duration != 30*time.Second {
		t.Errorf("keep-alive = %s, want 30s", m.Threads.KeepAlive)
	}
	if m.Threads.DrainTimeout.Duration != 2*time.Second {
		t.Errorf("drain-timeout = %s, want 2s", m.Threads.DrainTimeout)
	}
	if len(m.Threads.SpawnRates) != 2 || m.Threads.SpawnRates["1m"] != 100 {
		t.Errorf("spawn-rates = %v, want 1s=10 1m=100", m.Threads.SpawnRates)
	}
	if m.Log.Verbosity != 2 {
		t.Errorf("log verbosity = %d, want 2", m.Log.Verbosity)
	}
	if p := m.LogPath(); p == nil || *p != filepath.Join(m.Dir, "loom.log") {
		t.Errorf("log path = %v, want %s", p, filepath.Join(m.Dir, "loom.log"))
	}

	opts, err := m.Options()
	if err != nil {
		t.Fatalf("Options failed: %v", err)
	}
	if opts.Policy == nil || opts.Policy.ThreadLimit() != 16 {
		t.Errorf("policy limit = %v, want 16", opts.Policy)
	}
	if opts.QueueDepth != 4 || opts.ContinuationCapacity != 12 || opts.MaxStackDepth != 512 {
		t.Errorf("options = %+v", opts)
	}
	if opts.DrainTimeout != 2*time.Second || opts.KeepAlive != 30*time.Second {
		t.Errorf("option durations = %s, %s", opts.DrainTimeout, opts.KeepAlive)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[engine]
name = "minimal"
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Engine.Entry != string(vm.DefaultEntryPoint) {
		t.Errorf("default entry = %q, want %q", m.Engine.Entry, vm.DefaultEntryPoint)
	}
	if m.Threads.QueueDepth != 1 {
		t.Errorf("default queue-depth = %d, want 1", m.Threads.QueueDepth)
	}
	if m.Threads.DrainTimeout.Duration != vm.DefaultDrainTimeout {
		t.Errorf("default drain-timeout = %s, want %s", m.Threads.DrainTimeout, vm.DefaultDrainTimeout)
	}
	if m.Threads.MaxThreads != 0 {
		t.Errorf("default max-threads = %d, want 0", m.Threads.MaxThreads)
	}
	if m.LogPath() != nil {
		t.Errorf("default log path = %q, want stderr", *m.LogPath())
	}

	p, err := m.Policy()
	if err != nil {
		t.Fatalf("Policy failed: %v", err)
	}
	if err := p.CheckThreadLimit(1000); err != nil {
		t.Errorf("unbounded policy refused a thread: %v", err)
	}
}

func TestLoadManifestInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"negative threads", "[threads]\nmax-threads = -1\n", "max-threads"},
		{"bad duration", "[threads]\ndrain-timeout = \"soon\"\n", "soon"},
		{"bad window", "[threads.spawn-rates]\n\"often\" = 3\n", "bad window"},
		{"duplicate window", "[threads.spawn-rates]\n\"1s\" = 3\n\"1000ms\" = 3\n", "given twice"},
		{"irrelevant rate", "[threads.spawn-rates]\n\"1s\" = 5\n\"1m\" = 5\n", "invalid spawn rates"},
		{"syntax", "[threads\n", "parse error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(dir)
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestWriteThenLoad(t *testing.T) {
	dir := t.TempDir()
	m := Default()
	m.Threads.MaxThreads = 8
	m.Threads.DrainTimeout.Duration = 750 * time.Millisecond
	m.Threads.SpawnRates = map[string]int{"1s": 20}

	if err := m.Write(dir); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Threads.MaxThreads != 8 {
		t.Errorf("max-threads = %d, want 8", loaded.Threads.MaxThreads)
	}
	if loaded.Threads.DrainTimeout.Duration != 750*time.Millisecond {
		t.Errorf("drain-timeout = %s, want 750ms", loaded.Threads.DrainTimeout)
	}
	if loaded.Threads.SpawnRates["1s"] != 20 {
		t.Errorf("spawn-rates = %v, want 1s=20", loaded.Threads.SpawnRates)
	}
}

func TestFindAndLoad(t *testing.T) {
	// Create nested directory structure
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}

	tomlContent := `[engine]
name = "found-engine"
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
	if m.Engine.Name != "found-engine" {
		t.Errorf("engine name = %q, want found-engine", m.Engine.Name)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no loom.toml exists")
	}
}

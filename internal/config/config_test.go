package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Lock.Capacity != 1024 || cfg.Lock.Name != "stress" || cfg.Lock.SlowBarrier != time.Second {
		t.Fatalf("unexpected lock defaults %+v", cfg.Lock)
	}
	if cfg.Workload.Mode != ModeSync || cfg.Workload.Blocks != 2 || cfg.Workload.Duration != 2*time.Second {
		t.Fatalf("unexpected workload defaults %+v", cfg.Workload)
	}
}

func TestLoadPriority(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gclock.yaml")
	data := `
lock:
  capacity: 64
  seed: 0xFFFFFFF0
workload:
  mode: defer
  readers: 8
  duration: 500ms
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GCLOCK_WORKLOAD_READERS", "3")
	t.Setenv("GCLOCK_LOG_FORMAT", "json")

	cfg, err := Load(path, map[string]any{"workload.writers": 5})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Lock.Capacity != 64 {
		t.Fatalf("capacity = %d, want 64 from file", cfg.Lock.Capacity)
	}
	if cfg.Lock.Seed != 0xFFFFFFF0 {
		t.Fatalf("seed = %#x, want 0xfffffff0", cfg.Lock.Seed)
	}
	if cfg.Workload.Mode != ModeDefer || cfg.Workload.Duration != 500*time.Millisecond {
		t.Fatalf("workload = %+v", cfg.Workload)
	}
	if cfg.Workload.Readers != 3 {
		t.Fatalf("readers = %d, want 3 from env", cfg.Workload.Readers)
	}
	if cfg.Workload.Writers != 5 {
		t.Fatalf("writers = %d, want 5 from override", cfg.Workload.Writers)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("log = %+v", cfg.Log)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		override map[string]any
		want     string
	}{
		{"mode", map[string]any{"workload.mode": "async"}, "workload.mode"},
		{"capacity", map[string]any{"lock.capacity": 0}, "lock.capacity"},
		{"shared name", map[string]any{"lock.shared": true, "lock.name": ""}, "lock.name"},
		{"blocks", map[string]any{"workload.blocks": 0}, "workload.blocks"},
		{"too many", map[string]any{"lock.capacity": 4, "workload.readers": 4}, "needs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("", tt.override)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

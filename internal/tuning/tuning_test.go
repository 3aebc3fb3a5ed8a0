package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := []byte(`
listen: ":9999"
replication:
  update_frequency: 64
  ping_interval_ms: 500
`)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Listen != ":9999" {
		t.Fatalf("listen = %q", c.Listen)
	}
	if c.Replication.UpdateFrequency != 64 {
		t.Fatalf("update_frequency = %d", c.Replication.UpdateFrequency)
	}
	if c.Replication.PingIntervalMs != 500 {
		t.Fatalf("ping_interval_ms = %d", c.Replication.PingIntervalMs)
	}
	// Unset fields come back as defaults.
	if c.Replication.MaxOngoingPings != 11 {
		t.Fatalf("max_ongoing_pings = %d", c.Replication.MaxOngoingPings)
	}
	if c.MaxFrameBytes != 1<<20 {
		t.Fatalf("max_frame_bytes = %d", c.MaxFrameBytes)
	}
}

func TestLoadMissingFile(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	// Returned config is still usable as a default.
	if c.Replication.UpdateFrequency != 32 {
		t.Fatalf("default update_frequency = %d", c.Replication.UpdateFrequency)
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

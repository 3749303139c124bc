package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("expected a missing config file to not be an error, got %v", err)
	}
	if cfg.Listen.Addr != ":7420" {
		t.Errorf("Listen.Addr = %q, want default :7420", cfg.Listen.Addr)
	}
	if cfg.Mux.Binary != "tmux" {
		t.Errorf("Mux.Binary = %q, want default tmux", cfg.Mux.Binary)
	}
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Mux.MaxSessions != 16 {
		t.Errorf("Mux.MaxSessions = %d, want default 16", cfg.Mux.MaxSessions)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.toml")
	body := `
[listen]
addr = ":9999"

[auth]
psk = "test-psk"

[mux]
max_sessions = 5
cache_ttl = "5s"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Listen.Addr != ":9999" {
		t.Errorf("Listen.Addr = %q, want :9999", cfg.Listen.Addr)
	}
	if cfg.Auth.PSK != "test-psk" {
		t.Errorf("Auth.PSK = %q, want test-psk", cfg.Auth.PSK)
	}
	if cfg.Mux.MaxSessions != 5 {
		t.Errorf("Mux.MaxSessions = %d, want 5 (overridden)", cfg.Mux.MaxSessions)
	}
	if cfg.Mux.CacheTTL.Duration != 5*time.Second {
		t.Errorf("Mux.CacheTTL = %v, want 5s", cfg.Mux.CacheTTL.Duration)
	}
	// Untouched sections still carry their defaults.
	if cfg.Term.BufferCap != 1<<20 {
		t.Errorf("Term.BufferCap = %d, want untouched default %d", cfg.Term.BufferCap, 1<<20)
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("30s")); err != nil {
		t.Fatal(err)
	}
	if d.Duration != 30*time.Second {
		t.Errorf("got %v, want 30s", d.Duration)
	}
}

func TestDuration_UnmarshalTextRejectsGarbage(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("not-a-duration")); err == nil {
		t.Fatal("expected an error for an unparsable duration string")
	}
}

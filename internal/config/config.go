// Package config loads the daemon's TOML configuration file and fills in
// the defaults a fresh install needs before any component is constructed.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root of the daemon's configuration file.
type Config struct {
	Listen ListenConfig `toml:"listen"`
	Auth   AuthConfig   `toml:"auth"`
	Mux    MuxConfig    `toml:"mux"`
	Term   TermConfig   `toml:"terminal"`
	Paths  PathsConfig  `toml:"paths"`
}

type ListenConfig struct {
	// Addr is the bind address for local mode, e.g. ":7420".
	Addr string `toml:"addr"`
	// Tailscale enables tsnet binding instead of a plain TCP listener.
	Tailscale bool `toml:"tailscale"`
	// Hostname is the tsnet node hostname when Tailscale is true.
	Hostname string `toml:"hostname"`
}

type AuthConfig struct {
	// PSK is the pre-shared bearer credential. Loaded from file, never
	// logged.
	PSK string `toml:"psk"`
}

type MuxConfig struct {
	// Binary is the mux CLI on PATH (tmux-class tool), e.g. "tmux".
	Binary string `toml:"binary"`
	// CLIBinary is the assistant CLI invoked inside each window.
	CLIBinary string `toml:"cli_binary"`
	// Prefix names windows "<prefix>-<sessionId>".
	Prefix string `toml:"prefix"`
	// Cols/Rows size newly created windows.
	Cols uint16 `toml:"cols"`
	Rows uint16 `toml:"rows"`
	// MaxSessions bounds concurrently owned windows.
	MaxSessions int `toml:"max_sessions"`
	// CacheTTL governs how long listWindows trusts its cache.
	CacheTTL Duration `toml:"cache_ttl"`
}

type TermConfig struct {
	BatchInterval      Duration `toml:"batch_interval"`
	BufferCap          int      `toml:"buffer_cap"`
	BackpressureLimit  int      `toml:"backpressure_limit"`
	HeartbeatInterval  Duration `toml:"heartbeat_interval"`
	MaxMissedPongs     int      `toml:"max_missed_pongs"`
	OrphanReapInterval Duration `toml:"orphan_reap_interval"`
}

type PathsConfig struct {
	// LogDir is the assistant CLI's own conversation-log root, e.g.
	// "~/.claude/projects".
	LogDir string `toml:"log_dir"`
	// ConfigDir holds the daemon's own persisted cache.
	ConfigDir string `toml:"config_dir"`
	// ProjectRoots bounds the directories /api/directories and
	// /api/sessions/new will accept.
	ProjectRoots []string `toml:"project_roots"`
}

// Duration wraps time.Duration so BurntSushi/toml can parse plain
// strings like "30s" from the config file.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration a fresh install should run with.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Listen: ListenConfig{Addr: ":7420"},
		Mux: MuxConfig{
			Binary:      "tmux",
			CLIBinary:   "claude",
			Prefix:      "relay",
			Cols:        120,
			Rows:        36,
			MaxSessions: 16,
			CacheTTL:    Duration{10 * time.Second},
		},
		Term: TermConfig{
			BatchInterval:      Duration{16 * time.Millisecond},
			BufferCap:          1 << 20,
			BackpressureLimit:  64 << 10,
			HeartbeatInterval:  Duration{30 * time.Second},
			MaxMissedPongs:     3,
			OrphanReapInterval: Duration{60 * time.Second},
		},
		Paths: PathsConfig{
			LogDir:       filepath.Join(home, ".claude", "projects"),
			ConfigDir:    filepath.Join(home, ".config", "relayd"),
			ProjectRoots: []string{home, "/tmp"},
		},
	}
}

// Load reads a TOML file at path, merging it onto Default(). A missing
// file is not an error; the defaults are returned as-is so a fresh
// install works without any file on disk.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

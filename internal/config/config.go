// Package config resolves the daemon/client configuration file and socket
// path, using a config-dir-plus-yaml.v3-anonymous-struct style.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk daemon/client configuration, one file shared by both
// the daemon and client since each user runs exactly one queue on one socket.
type Config struct {
	MaxSlots    int32  `yaml:"max_slots"`
	GPUWaitSecs int32  `yaml:"gpu_wait_secs"`
	SocketPath  string `yaml:"socket_path,omitempty"`
	Debug       bool   `yaml:"debug,omitempty"`

	// HistoryDBPath overrides where the job history sqlite database lives
	// (default: Dir()/history.db).
	HistoryDBPath string `yaml:"history_db_path,omitempty"`
	// RedisURL, if set, mirrors synced job history rows to a Redis list —
	// an optional fleet-wide index across several daemons. Empty disables
	// the mirror entirely.
	RedisURL string `yaml:"redis_url,omitempty"`
	// RedisHistoryKey is the Redis list key job history is pushed to
	// (default: "tsd:job_history").
	RedisHistoryKey string `yaml:"redis_history_key,omitempty"`
}

// Defaults matches the original daemon's out-of-the-box behavior: one slot,
// 30 second GPU retry pacing.
func Defaults() Config {
	return Config{MaxSlots: 1, GPUWaitSecs: 30}
}

// Dir returns the per-user config directory, honoring TSD_CONFIG_DIR then
// falling back to $HOME/.ts.
func Dir() string {
	if v := os.Getenv("TSD_CONFIG_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ts"
	}
	return filepath.Join(home, ".ts")
}

// FilePath is the tsd.yaml path within Dir().
func FilePath() string {
	return filepath.Join(Dir(), "tsd.yaml")
}

// Load reads tsd.yaml, returning Defaults() if it doesn't exist yet.
func Load() (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(FilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", FilePath(), err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", FilePath(), err)
	}
	return cfg, nil
}

// Save writes cfg to tsd.yaml, creating the config directory if needed.
func Save(cfg Config) error {
	if err := os.MkdirAll(Dir(), 0755); err != nil {
		return fmt.Errorf("config: create dir %s: %w", Dir(), err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(FilePath(), data, 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", FilePath(), err)
	}
	return nil
}

// SocketPath resolves the unix socket path: TS_SOCKET env var (matching the
// original ts's override), then Config.SocketPath, then a uid-scoped default
// under /tmp so distinct users never collide on one queue.
func SocketPath(cfg Config) string {
	if v := os.Getenv("TS_SOCKET"); v != "" {
		return v
	}
	if cfg.SocketPath != "" {
		return cfg.SocketPath
	}
	return filepath.Join(fmt.Sprintf("/tmp/tsd-%d", os.Getuid()), "socket")
}

// HistoryDBPath resolves the job history sqlite database path:
// Config.HistoryDBPath if set, else Dir()/history.db.
func HistoryDBPath(cfg Config) string {
	if cfg.HistoryDBPath != "" {
		return cfg.HistoryDBPath
	}
	return filepath.Join(Dir(), "history.db")
}

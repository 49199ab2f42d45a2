// Package config provides the enumerated, validated configuration schema for
// ferry. Only the keys documented here are recognized; unknown sections or
// keys are rejected rather than silently ignored.
//
// Config file location: ~/.config/ferry/config.ini
//
// INI format:
//
//	[transfer]
//	overwrite_policy = prompt
//	chunk_size_bytes = 1048576
//	concurrent_jobs_per_session = 1
//	progress_interval_ms = 0
//	retry_limit = 3
//
//	[connection]
//	timeout_seconds = 30
//	keep_alive_interval_seconds = 60
//	retry_ceiling = 5
//	grace_window_seconds = 0
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/ini.v1"
)

// OverwritePolicy controls what happens when a transfer destination exists.
type OverwritePolicy string

const (
	OverwriteSkip      OverwritePolicy = "skip"
	OverwriteReplace   OverwritePolicy = "overwrite"
	OverwriteRename    OverwritePolicy = "rename"
	OverwritePromptFor OverwritePolicy = "prompt"
)

// TransferConfig holds transfer engine tuning.
type TransferConfig struct {
	// OverwritePolicy is one of skip, overwrite, rename, prompt.
	// Default: prompt
	OverwritePolicy string `ini:"overwrite_policy"`

	// ChunkSizeBytes is the fixed transfer chunk size.
	// Default: 1 MiB
	ChunkSizeBytes int64 `ini:"chunk_size_bytes"`

	// ConcurrentJobsPerSession bounds the worker pool per session.
	// Default: 1 (serialized transfers)
	ConcurrentJobsPerSession int `ini:"concurrent_jobs_per_session"`

	// ProgressIntervalMS throttles progress events: at most one per interval.
	// 0 emits at every chunk boundary. Default: 0
	ProgressIntervalMS int `ini:"progress_interval_ms"`

	// RetryLimit is the per-file retry budget for transient failures.
	// Default: 3
	RetryLimit int `ini:"retry_limit"`
}

// ConnectionConfig holds session manager tuning.
type ConnectionConfig struct {
	// TimeoutSeconds is the default connect/probe timeout for profiles that
	// do not set their own. Default: 30
	TimeoutSeconds int `ini:"timeout_seconds"`

	// KeepAliveIntervalSeconds is the default probe interval for profiles
	// that do not set their own. Default: 60
	KeepAliveIntervalSeconds int `ini:"keep_alive_interval_seconds"`

	// RetryCeiling is the maximum reconnect attempts before a session is
	// marked failed. Default: 5
	RetryCeiling int `ini:"retry_ceiling"`

	// GraceWindowSeconds bounds how long paused jobs wait for a reconnect.
	// 0 derives a window covering the full backoff ladder up to the retry
	// ceiling. Default: 0
	GraceWindowSeconds int `ini:"grace_window_seconds"`
}

// Config is the full recognized configuration surface.
type Config struct {
	Transfer   TransferConfig
	Connection ConnectionConfig
}

// allowedKeys enumerates the schema; anything else in the file is an error.
var allowedKeys = map[string]map[string]bool{
	"transfer": {
		"overwrite_policy":            true,
		"chunk_size_bytes":            true,
		"concurrent_jobs_per_session": true,
		"progress_interval_ms":        true,
		"retry_limit":                 true,
	},
	"connection": {
		"timeout_seconds":             true,
		"keep_alive_interval_seconds": true,
		"retry_ceiling":               true,
		"grace_window_seconds":        true,
	},
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Transfer: TransferConfig{
			OverwritePolicy:          string(OverwritePromptFor),
			ChunkSizeBytes:           1 << 20,
			ConcurrentJobsPerSession: 1,
			ProgressIntervalMS:       0,
			RetryLimit:               3,
		},
		Connection: ConnectionConfig{
			TimeoutSeconds:           30,
			KeepAliveIntervalSeconds: 60,
			RetryCeiling:             5,
			GraceWindowSeconds:       0,
		},
	}
}

// DefaultPath returns the per-user config file path.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "ferry", "config.ini")
	}
	return filepath.Join(home, ".config", "ferry", "config.ini")
}

// Load reads the config file at path, applying defaults for absent keys.
// A missing file yields the defaults. Unknown sections or keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()

	iniFile, err := ini.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}

	for _, section := range iniFile.Sections() {
		name := section.Name()
		if name == ini.DefaultSection {
			if len(section.Keys()) > 0 {
				return nil, fmt.Errorf("config %s: key %q outside any recognized section", path, section.Keys()[0].Name())
			}
			continue
		}
		allowed, ok := allowedKeys[name]
		if !ok {
			return nil, fmt.Errorf("config %s: unknown section [%s]", path, name)
		}
		for _, key := range section.Keys() {
			if !allowed[key.Name()] {
				return nil, fmt.Errorf("config %s: unknown key %q in section [%s]", path, key.Name(), name)
			}
		}
	}

	if section := iniFile.Section("transfer"); section != nil {
		if err := section.MapTo(&cfg.Transfer); err != nil {
			return nil, fmt.Errorf("failed to parse [transfer]: %w", err)
		}
	}
	if section := iniFile.Section("connection"); section != nil {
		if err := section.MapTo(&cfg.Connection); err != nil {
			return nil, fmt.Errorf("failed to parse [connection]: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	switch OverwritePolicy(c.Transfer.OverwritePolicy) {
	case OverwriteSkip, OverwriteReplace, OverwriteRename, OverwritePromptFor:
	default:
		return fmt.Errorf("overwrite_policy must be one of skip, overwrite, rename, prompt; got %q", c.Transfer.OverwritePolicy)
	}
	if c.Transfer.ChunkSizeBytes < 1 {
		return fmt.Errorf("chunk_size_bytes must be positive, got %d", c.Transfer.ChunkSizeBytes)
	}
	if c.Transfer.ConcurrentJobsPerSession < 1 {
		return fmt.Errorf("concurrent_jobs_per_session must be at least 1, got %d", c.Transfer.ConcurrentJobsPerSession)
	}
	if c.Transfer.ProgressIntervalMS < 0 {
		return fmt.Errorf("progress_interval_ms must be non-negative, got %d", c.Transfer.ProgressIntervalMS)
	}
	if c.Transfer.RetryLimit < 0 {
		return fmt.Errorf("retry_limit must be non-negative, got %d", c.Transfer.RetryLimit)
	}
	if c.Connection.TimeoutSeconds < 1 {
		return fmt.Errorf("timeout_seconds must be positive, got %d", c.Connection.TimeoutSeconds)
	}
	if c.Connection.KeepAliveIntervalSeconds < 1 {
		return fmt.Errorf("keep_alive_interval_seconds must be positive, got %d", c.Connection.KeepAliveIntervalSeconds)
	}
	if c.Connection.RetryCeiling < 0 {
		return fmt.Errorf("retry_ceiling must be non-negative, got %d", c.Connection.RetryCeiling)
	}
	if c.Connection.GraceWindowSeconds < 0 {
		return fmt.Errorf("grace_window_seconds must be non-negative, got %d", c.Connection.GraceWindowSeconds)
	}
	return nil
}

// ProgressInterval returns the progress throttle as a duration.
func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.Transfer.ProgressIntervalMS) * time.Millisecond
}

// GraceWindow returns the reconnect grace window for paused jobs. When unset
// it covers the full exponential backoff ladder (1s base, 30s cap) up to the
// retry ceiling, plus one probe timeout.
func (c *Config) GraceWindow() time.Duration {
	if c.Connection.GraceWindowSeconds > 0 {
		return time.Duration(c.Connection.GraceWindowSeconds) * time.Second
	}

	var total time.Duration
	backoff := time.Second
	for i := 0; i < c.Connection.RetryCeiling; i++ {
		total += backoff
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
	return total + time.Duration(c.Connection.TimeoutSeconds)*time.Second
}

// Save writes the config to path atomically with owner-only access,
// creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	iniFile := ini.Empty()
	if err := iniFile.Section("transfer").ReflectFrom(&c.Transfer); err != nil {
		return fmt.Errorf("failed to serialize [transfer]: %w", err)
	}
	if err := iniFile.Section("connection").ReflectFrom(&c.Connection); err != nil {
		return fmt.Errorf("failed to serialize [connection]: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// Package config loads and validates the Tether configuration: viper-backed
// defaults, an optional YAML config file, and TETHER_-prefixed environment
// overrides.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete Tether configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Session  SessionConfig  `mapstructure:"session"`
	Detect   DetectConfig   `mapstructure:"detect"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Commands CommandsConfig `mapstructure:"commands"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the HTTP/websocket listener.
type ServerConfig struct {
	// Addr is the listen address (default: ":8080")
	Addr string `mapstructure:"addr"`
}

// SessionConfig controls session processes and their buffers.
type SessionConfig struct {
	// Command is the CLI assistant executable to run (default: "claude")
	Command string `mapstructure:"command"`
	// Args are extra arguments passed to the command
	Args []string `mapstructure:"args"`
	// WorkDir is the default working directory for new sessions.
	// Empty means the server process's working directory.
	WorkDir string `mapstructure:"work_dir"`
	// ScrollbackBytes caps the normalized scrollback per session (default: 262144)
	ScrollbackBytes int `mapstructure:"scrollback_bytes"`
	// ScrollbackFrames caps the frame count per session (default: 2000)
	ScrollbackFrames int `mapstructure:"scrollback_frames"`
	// DiagnosticTailBytes is the raw output tail retained for crash reports (default: 2048)
	DiagnosticTailBytes int `mapstructure:"diagnostic_tail_bytes"`
	// RestartBudget is the number of automatic restarts after a crash (default: 3)
	RestartBudget int `mapstructure:"restart_budget"`
	// RestartBackoffMs is the initial restart delay in milliseconds; it doubles
	// per attempt (default: 500)
	RestartBackoffMs int `mapstructure:"restart_backoff_ms"`
	// RestartBackoffMaxMs caps the restart delay (default: 8000)
	RestartBackoffMaxMs int `mapstructure:"restart_backoff_max_ms"`
	// Cols and Rows are the initial PTY geometry (default: 80x24)
	Cols int `mapstructure:"cols"`
	Rows int `mapstructure:"rows"`
}

// DetectConfig controls numbered-menu detection.
type DetectConfig struct {
	// IdleWindowMs is the quiet period before the menu pattern is evaluated (default: 500)
	IdleWindowMs int `mapstructure:"idle_window_ms"`
	// MinOptionLines is the minimum run of numbered lines that counts as a menu (default: 2)
	MinOptionLines int `mapstructure:"min_option_lines"`
}

// RelayConfig controls output fan-out to subscribers.
type RelayConfig struct {
	// QueueDepth bounds the per-subscriber delivery queue; the oldest
	// undelivered frames are dropped once it fills (default: 256)
	QueueDepth int `mapstructure:"queue_depth"`
}

// CommandsConfig controls the slash-command catalog.
type CommandsConfig struct {
	// Dir is the directory of command markdown files. Empty means
	// "<session work_dir>/.claude/commands".
	Dir string `mapstructure:"dir"`
	// Watch reloads the catalog when files change (default: true)
	Watch bool `mapstructure:"watch"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Dir is the log file directory; empty logs to stderr
	Dir string `mapstructure:"dir"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Session: SessionConfig{
			Command:             "claude",
			Args:                []string{},
			WorkDir:             "",
			ScrollbackBytes:     256 * 1024,
			ScrollbackFrames:    2000,
			DiagnosticTailBytes: 2048,
			RestartBudget:       3,
			RestartBackoffMs:    500,
			RestartBackoffMaxMs: 8000,
			Cols:                80,
			Rows:                24,
		},
		Detect: DetectConfig{
			IdleWindowMs:   500,
			MinOptionLines: 2,
		},
		Relay: RelayConfig{
			QueueDepth: 256,
		},
		Commands: CommandsConfig{
			Dir:   "",
			Watch: true,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "",
		},
	}
}

// RestartBackoff returns the initial restart backoff as a time.Duration.
func (c *SessionConfig) RestartBackoff() time.Duration {
	return time.Duration(c.RestartBackoffMs) * time.Millisecond
}

// RestartBackoffMax returns the backoff cap as a time.Duration.
func (c *SessionConfig) RestartBackoffMax() time.Duration {
	return time.Duration(c.RestartBackoffMaxMs) * time.Millisecond
}

// IdleWindow returns the detection idle window as a time.Duration.
func (c *DetectConfig) IdleWindow() time.Duration {
	return time.Duration(c.IdleWindowMs) * time.Millisecond
}

// ResolveCommandsDir returns the command catalog directory, deriving the
// conventional location under the session working directory when unset.
func (c *CommandsConfig) ResolveCommandsDir(workDir string) string {
	if c.Dir != "" {
		return c.Dir
	}
	if workDir == "" {
		workDir = "."
	}
	return filepath.Join(workDir, ".claude", "commands")
}

// SetDefaults registers default values with viper.
func SetDefaults() {
	defaults := Default()

	// Server defaults
	viper.SetDefault("server.addr", defaults.Server.Addr)

	// Session defaults
	viper.SetDefault("session.command", defaults.Session.Command)
	viper.SetDefault("session.args", defaults.Session.Args)
	viper.SetDefault("session.work_dir", defaults.Session.WorkDir)
	viper.SetDefault("session.scrollback_bytes", defaults.Session.ScrollbackBytes)
	viper.SetDefault("session.scrollback_frames", defaults.Session.ScrollbackFrames)
	viper.SetDefault("session.diagnostic_tail_bytes", defaults.Session.DiagnosticTailBytes)
	viper.SetDefault("session.restart_budget", defaults.Session.RestartBudget)
	viper.SetDefault("session.restart_backoff_ms", defaults.Session.RestartBackoffMs)
	viper.SetDefault("session.restart_backoff_max_ms", defaults.Session.RestartBackoffMaxMs)
	viper.SetDefault("session.cols", defaults.Session.Cols)
	viper.SetDefault("session.rows", defaults.Session.Rows)

	// Detect defaults
	viper.SetDefault("detect.idle_window_ms", defaults.Detect.IdleWindowMs)
	viper.SetDefault("detect.min_option_lines", defaults.Detect.MinOptionLines)

	// Relay defaults
	viper.SetDefault("relay.queue_depth", defaults.Relay.QueueDepth)

	// Commands defaults
	viper.SetDefault("commands.dir", defaults.Commands.Dir)
	viper.SetDefault("commands.watch", defaults.Commands.Watch)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
}

// Load reads the configuration from viper into a Config struct and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function).
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory.
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tether")
	}
	// Fall back to ~/.config/tether
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tether"
	}
	return filepath.Join(home, ".config", "tether")
}

// ConfigFile returns the path to the config file.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

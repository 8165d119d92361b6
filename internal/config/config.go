// Package config loads process configuration from the environment and the
// optional TOML preferences file.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Last-tab policies. Closing the only remaining tab either exits the
// application or is refused.
const (
	PolicyExit   = "exit"
	PolicyRefuse = "refuse"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Terminal  TerminalConfig
	Logging   LogConfig
	RateLimit RateLimitConfig

	PrefsFile string `envconfig:"FTERM_PREFS"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host      string `envconfig:"FTERM_HOST" default:"127.0.0.1"`
	Port      int    `envconfig:"FTERM_PORT" default:"8420"`
	StaticDir string `envconfig:"FTERM_STATIC_DIR"`
}

// TerminalConfig holds session and tab settings.
type TerminalConfig struct {
	Shell         string `envconfig:"FTERM_SHELL"`
	DefaultRows   uint16 `envconfig:"FTERM_DEFAULT_ROWS" default:"24"`
	DefaultCols   uint16 `envconfig:"FTERM_DEFAULT_COLS" default:"80"`
	LastTabPolicy string `envconfig:"FTERM_LAST_TAB_POLICY" default:"exit"`
	MaxTabs       int    `envconfig:"FTERM_MAX_TABS" default:"32"`
	Scrollback    int    `envconfig:"FTERM_SCROLLBACK" default:"1000"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig bounds inbound websocket messages per client.
type RateLimitConfig struct {
	MessagesPerSecond int `envconfig:"FTERM_RATE_RPS" default:"200"`
	Burst             int `envconfig:"FTERM_RATE_BURST" default:"400"`
}

// Prefs is the user-editable preferences file. Zero values leave the
// environment configuration untouched.
type Prefs struct {
	LastTabPolicy string `toml:"last_tab_policy"`
	Shell         string `toml:"shell"`
	Rows          uint16 `toml:"rows"`
	Cols          uint16 `toml:"cols"`
}

// LoadEnv reads the environment. The preferences file named by PrefsFile is
// applied separately with WithPrefs so reloads can start from this baseline.
func LoadEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WithPrefs returns a copy of c with the preferences at path applied. A
// missing file or an empty path leaves the copy unchanged.
func (c *Config) WithPrefs(path string) (*Config, error) {
	out := *c
	out.PrefsFile = path
	if path == "" {
		return &out, nil
	}
	prefs, err := LoadPrefs(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	out.Apply(prefs)
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8420,
		},
		Terminal: TerminalConfig{
			DefaultRows:   24,
			DefaultCols:   80,
			LastTabPolicy: PolicyExit,
			MaxTabs:       32,
			Scrollback:    1000,
		},
		Logging: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			MessagesPerSecond: 200,
			Burst:             400,
		},
	}
}

// Validate rejects settings the rest of the system cannot honor.
func (c *Config) Validate() error {
	if err := ValidatePolicy(c.Terminal.LastTabPolicy); err != nil {
		return err
	}
	if c.Terminal.DefaultRows == 0 || c.Terminal.DefaultCols == 0 {
		return fmt.Errorf("default terminal size must be positive, got %dx%d", c.Terminal.DefaultCols, c.Terminal.DefaultRows)
	}
	if c.Terminal.MaxTabs < 1 {
		return fmt.Errorf("max tabs must be at least 1, got %d", c.Terminal.MaxTabs)
	}
	if c.Terminal.Scrollback < 1 {
		return fmt.Errorf("scrollback must be at least 1, got %d", c.Terminal.Scrollback)
	}
	return nil
}

// Apply overlays the non-zero preference values.
func (c *Config) Apply(p Prefs) {
	if p.LastTabPolicy != "" {
		c.Terminal.LastTabPolicy = p.LastTabPolicy
	}
	if p.Shell != "" {
		c.Terminal.Shell = p.Shell
	}
	if p.Rows > 0 {
		c.Terminal.DefaultRows = p.Rows
	}
	if p.Cols > 0 {
		c.Terminal.DefaultCols = p.Cols
	}
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ResolveShell picks the configured shell, then $SHELL, then the platform default.
func (c *Config) ResolveShell() string {
	if c.Terminal.Shell != "" {
		return c.Terminal.Shell
	}
	if runtime.GOOS == "windows" {
		return "powershell.exe"
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// LoadPrefs decodes a TOML preferences file.
func LoadPrefs(path string) (Prefs, error) {
	var p Prefs
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := toml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse prefs %s: %w", path, err)
	}
	if p.LastTabPolicy != "" {
		if err := ValidatePolicy(p.LastTabPolicy); err != nil {
			return Prefs{}, fmt.Errorf("prefs %s: %w", path, err)
		}
	}
	return p, nil
}

// ValidatePolicy accepts "exit" or "refuse".
func ValidatePolicy(policy string) error {
	switch policy {
	case PolicyExit, PolicyRefuse:
		return nil
	default:
		return fmt.Errorf("unknown last tab policy %q (want %q or %q)", policy, PolicyExit, PolicyRefuse)
	}
}

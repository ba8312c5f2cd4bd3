// Package config loads the evald configuration.
//
// The configuration is a TOML file. Every field is optional; Load fills in
// defaults, applies overrides from the environment and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/elves/evald/pkg/env"
)

// Evaluation modes.
const (
	// ModeSubprocess evaluates code in a worker process and supports hard
	// resets.
	ModeSubprocess = "subprocess"
	// ModeInProcess evaluates code in the controller process and only
	// supports soft resets.
	ModeInProcess = "inprocess"
)

// Config is the top-level configuration.
type Config struct {
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`
	Worker   Worker `toml:"worker"`
	Eval     Eval   `toml:"eval"`
	Reset    Reset  `toml:"soft_reset"`
	Store    Store  `toml:"store"`
	Envs     Envs   `toml:"environments"`
}

// Worker configures how worker processes are spawned and terminated.
type Worker struct {
	// Path to the worker binary. Defaults to the running executable.
	Bin string `toml:"bin"`
	// Directory for per-worker log files. Empty disables worker logs.
	LogDir string `toml:"log_dir"`
	// How long to wait for the ready handshake.
	ReadyTimeout Duration `toml:"ready_timeout"`
	// How long to wait after each termination step before escalating.
	GracePeriod Duration `toml:"grace_period"`
}

// Eval configures evaluation.
type Eval struct {
	// Default timeout of one evaluation. Zero means unbounded.
	Timeout Duration `toml:"timeout"`
	// Whether to remove terminal escape sequences from the formatted result.
	StripANSI *bool `toml:"strip_ansi"`
}

// Reset configures the soft reset of the in-process mode.
type Reset struct {
	// Names that are never cleared.
	Deny []string `toml:"deny"`
	// Prefixes of names reserved for internal use, never cleared.
	InternalPrefixes []string `toml:"internal_prefixes"`
}

// Store configures the evaluation history.
type Store struct {
	// Path to the database. Empty uses the default path; "-" disables the
	// history.
	Path string `toml:"path"`
}

// Envs configures environments that can be activated.
type Envs struct {
	// Directory that holds shared environments, activated as "@name".
	SharedDir string `toml:"shared_dir"`
}

// Duration is a time.Duration written as a string like "2s" in TOML.
type Duration struct{ time.Duration }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default values.
const (
	DefaultReadyTimeout = 10 * time.Second
	DefaultGracePeriod  = 2 * time.Second
)

// DefaultDeny is the default list of names that a soft reset never clears.
var DefaultDeny = []string{"evald-env"}

// DefaultInternalPrefixes is the default list of prefixes of internal names.
var DefaultInternalPrefixes = []string{"-", "_"}

// Load reads the configuration from path. If path is empty, $EVALD_CONFIG is
// used, then the default path; a missing file at the default path is not an
// error.
func Load(path string) (*Config, error) {
	explicit := true
	if path == "" {
		path = os.Getenv(env.EVALD_CONFIG)
	}
	if path == "" {
		path = DefaultPath()
		explicit = false
	}

	cfg := &Config{}
	if path != "" {
		_, err := toml.DecodeFile(path, cfg)
		if err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config load failed (%s): %w", path, err)
			}
		}
	}
	cfg.FillDefaults()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses a configuration from TOML text, and fills defaults. It does not
// consult the environment.
func Parse(text string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.Decode(text, cfg); err != nil {
		return nil, fmt.Errorf("config parse failed: %w", err)
	}
	cfg.FillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when there is no configuration file.
func Default() *Config {
	cfg := &Config{}
	cfg.FillDefaults()
	return cfg
}

// FillDefaults fills in default values of fields that are not set.
func (cfg *Config) FillDefaults() {
	if cfg.Mode == "" {
		cfg.Mode = ModeSubprocess
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Worker.ReadyTimeout.Duration == 0 {
		cfg.Worker.ReadyTimeout.Duration = DefaultReadyTimeout
	}
	if cfg.Worker.GracePeriod.Duration == 0 {
		cfg.Worker.GracePeriod.Duration = DefaultGracePeriod
	}
	if cfg.Eval.StripANSI == nil {
		strip := true
		cfg.Eval.StripANSI = &strip
	}
	if cfg.Reset.Deny == nil {
		cfg.Reset.Deny = DefaultDeny
	}
	if cfg.Reset.InternalPrefixes == nil {
		cfg.Reset.InternalPrefixes = DefaultInternalPrefixes
	}
	if cfg.Store.Path == "" {
		if dir := stateDir(); dir != "" {
			cfg.Store.Path = filepath.Join(dir, "history.db")
		}
	}
	if cfg.Envs.SharedDir == "" {
		if dir := dataDir(); dir != "" {
			cfg.Envs.SharedDir = filepath.Join(dir, "environments")
		}
	}
}

// ApplyEnv applies overrides from environment variables.
func (cfg *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(env.EVALD_MODE)); v != "" {
		cfg.Mode = v
	}
	if v := strings.TrimSpace(os.Getenv(env.EVALD_LOG_LEVEL)); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks the configuration for errors.
func (cfg *Config) Validate() error {
	switch cfg.Mode {
	case ModeSubprocess, ModeInProcess:
	default:
		return fmt.Errorf("config has bad mode %q, want %q or %q",
			cfg.Mode, ModeSubprocess, ModeInProcess)
	}
	if cfg.Worker.ReadyTimeout.Duration < 0 {
		return fmt.Errorf("config worker.ready_timeout must not be negative")
	}
	if cfg.Worker.GracePeriod.Duration < 0 {
		return fmt.Errorf("config worker.grace_period must not be negative")
	}
	if cfg.Eval.Timeout.Duration < 0 {
		return fmt.Errorf("config eval.timeout must not be negative")
	}
	for i, prefix := range cfg.Reset.InternalPrefixes {
		if prefix == "" {
			return fmt.Errorf("config soft_reset.internal_prefixes[%d] is empty", i)
		}
	}
	return nil
}

// HistoryEnabled returns whether the evaluation history should be kept.
func (cfg *Config) HistoryEnabled() bool {
	return cfg.Store.Path != "" && cfg.Store.Path != "-"
}

// DefaultPath returns the default path of the configuration file, or "" if it
// cannot be determined.
func DefaultPath() string {
	if dir := os.Getenv(env.XDG_CONFIG_HOME); dir != "" {
		return filepath.Join(dir, "evald", "evald.toml")
	}
	if home := os.Getenv(env.HOME); home != "" {
		return filepath.Join(home, ".config", "evald", "evald.toml")
	}
	return ""
}

func dataDir() string {
	if dir := os.Getenv(env.XDG_DATA_HOME); dir != "" {
		return filepath.Join(dir, "evald")
	}
	if home := os.Getenv(env.HOME); home != "" {
		return filepath.Join(home, ".local", "share", "evald")
	}
	return ""
}

func stateDir() string {
	if dir := os.Getenv(env.XDG_STATE_HOME); dir != "" {
		return filepath.Join(dir, "evald")
	}
	if home := os.Getenv(env.HOME); home != "" {
		return filepath.Join(home, ".local", "state", "evald")
	}
	return ""
}

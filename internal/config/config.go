package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for convoguard.
type Config struct {
	// DBPath is the sqlite database location. If empty, the service picks
	// ~/.convoguard/convoguard.db.
	DBPath string `json:"db_path,omitempty" yaml:"db_path" env:"CONVOGUARD_DB_PATH"`

	// ListenAddr is the HTTP API bind address.
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr" env:"CONVOGUARD_LISTEN_ADDR"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty" yaml:"log_format" env:"CONVOGUARD_LOG_FORMAT"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty" yaml:"log_level" env:"CONVOGUARD_LOG_LEVEL"`

	Integrity Integrity `json:"integrity" yaml:"integrity"`

	// SweepSchedule is a cron spec (or "@every ..." shorthand) for the
	// background expiry pass.
	SweepSchedule string `json:"sweep_schedule,omitempty" yaml:"sweep_schedule" env:"CONVOGUARD_SWEEP_SCHEDULE"`
}

// Integrity carries the conversation integrity policy knobs.
type Integrity struct {
	// GraceWindowSeconds is how long an unanswered tool call may stay
	// outstanding before the conversation becomes repairable.
	GraceWindowSeconds int `json:"grace_window_seconds,omitempty" yaml:"grace_window_seconds" env:"CONVOGUARD_GRACE_WINDOW_SECONDS"`

	// RecoveryTTLSeconds bounds the recovery context lifetime. Defaults to
	// the grace window.
	RecoveryTTLSeconds int `json:"recovery_ttl_seconds,omitempty" yaml:"recovery_ttl_seconds" env:"CONVOGUARD_RECOVERY_TTL_SECONDS"`

	// CheckpointMinTurnDelta debounces checkpoint capture: a new checkpoint
	// is taken only after this many turns since the previous one.
	CheckpointMinTurnDelta int `json:"checkpoint_min_turn_delta,omitempty" yaml:"checkpoint_min_turn_delta" env:"CONVOGUARD_CHECKPOINT_MIN_TURN_DELTA"`

	// CheckpointRetention is how many checkpoints to keep per conversation.
	CheckpointRetention int `json:"checkpoint_retention,omitempty" yaml:"checkpoint_retention" env:"CONVOGUARD_CHECKPOINT_RETENTION"`

	// RepairStrategy is "abandon" or "restore".
	RepairStrategy string `json:"repair_strategy,omitempty" yaml:"repair_strategy" env:"CONVOGUARD_REPAIR_STRATEGY"`

	// RestoreMode is "supersede" (keep truncated turns for audit) or
	// "delete".
	RestoreMode string `json:"restore_mode,omitempty" yaml:"restore_mode" env:"CONVOGUARD_RESTORE_MODE"`

	// AllowDiscardUserTurns permits checkpoint restores that drop
	// user-authored turns recorded after the checkpoint.
	AllowDiscardUserTurns bool `json:"allow_discard_user_turns,omitempty" yaml:"allow_discard_user_turns" env:"CONVOGUARD_ALLOW_DISCARD_USER_TURNS"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.TrimSpace(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format: %q", c.LogFormat)
	}
	switch strings.TrimSpace(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %q", c.LogLevel)
	}
	switch strings.TrimSpace(c.Integrity.RepairStrategy) {
	case "", "abandon", "restore":
	default:
		return fmt.Errorf("invalid repair_strategy: %q", c.Integrity.RepairStrategy)
	}
	switch strings.TrimSpace(c.Integrity.RestoreMode) {
	case "", "supersede", "delete":
	default:
		return fmt.Errorf("invalid restore_mode: %q", c.Integrity.RestoreMode)
	}
	if c.Integrity.GraceWindowSeconds < 0 {
		return errors.New("grace_window_seconds must not be negative")
	}
	if c.Integrity.RecoveryTTLSeconds < 0 {
		return errors.New("recovery_ttl_seconds must not be negative")
	}
	if c.Integrity.CheckpointMinTurnDelta < 0 {
		return errors.New("checkpoint_min_turn_delta must not be negative")
	}
	if c.Integrity.CheckpointRetention < 0 {
		return errors.New("checkpoint_retention must not be negative")
	}
	return nil
}

// DefaultConfigPath returns the default config path:
//
//	~/.convoguard/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "convoguard.config.json"
	}
	return filepath.Join(home, ".convoguard", "config.json")
}

// DefaultDBPath returns the default database path next to the config.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "convoguard.db"
	}
	return filepath.Join(home, ".convoguard", "convoguard.db")
}

// Load reads a JSON or YAML config file (by extension), applies environment
// overrides and validates the result. A missing file is not an error: the
// defaults plus environment are used.
func Load(path string) (*Config, error) {
	var cfg Config

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else {
			if err := json.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Package config loads and saves the caldora-sync YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	defaultStatePath   = "caldora-sync.db"
	defaultSchedule    = "@every 15m"
	defaultConcurrency = 4
	defaultPassTimeout = 5 * time.Minute
)

var ErrInvalid = errors.New("invalid configuration")

// Calendar is one remote calendar to keep in sync with the local calendar
// of the same name.
type Calendar struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password,omitempty"`
	// PasswordFile is read instead of Password when set, so secrets can be
	// kept out of this file.
	PasswordFile string `yaml:"password_file,omitempty"`
}

// ResolvePassword returns the password, reading PasswordFile if set.
func (c Calendar) ResolvePassword() (string, error) {
	if c.PasswordFile == "" {
		return c.Password, nil
	}
	data, err := os.ReadFile(c.PasswordFile)
	if err != nil {
		return "", fmt.Errorf("failed to read password file of calendar %s: %w", c.Name, err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// HTTP tunes the remote client.
type HTTP struct {
	CallTimeout time.Duration `yaml:"call_timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	// RateLimit is in requests per second; zero means unlimited.
	RateLimit float64 `yaml:"rate_limit"`
}

// Config is the top-level configuration.
type Config struct {
	// StatePath is the sqlite database holding mappings and cursors.
	StatePath string `yaml:"state_path"`
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level,omitempty"`
	// Schedule is a cron expression for the daemon, e.g. "*/15 * * * *".
	Schedule    string        `yaml:"schedule"`
	Concurrency int           `yaml:"concurrency"`
	PassTimeout time.Duration `yaml:"pass_timeout"`
	// IgnorePastRemote skips new remote events that have already ended.
	IgnorePastRemote bool `yaml:"ignore_past_remote"`
	// DescriptionFormat is how the local store keeps descriptions: text or
	// html.
	DescriptionFormat string `yaml:"description_format"`

	HTTP      HTTP       `yaml:"http"`
	Calendars []Calendar `yaml:"calendars"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() *Config {
	return &Config{
		StatePath:         defaultStatePath,
		Schedule:          defaultSchedule,
		Concurrency:       defaultConcurrency,
		PassTimeout:       defaultPassTimeout,
		DescriptionFormat: "text",
		HTTP: HTTP{
			CallTimeout: 30 * time.Second,
			MaxRetries:  3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
		},
		Calendars: []Calendar{},
	}
}

// Normalize fills zero values with defaults so that partial files behave.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.StatePath == "" {
		c.StatePath = def.StatePath
	}
	if c.Schedule == "" {
		c.Schedule = def.Schedule
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.PassTimeout <= 0 {
		c.PassTimeout = def.PassTimeout
	}
	c.DescriptionFormat = strings.ToLower(c.DescriptionFormat)
	if c.DescriptionFormat == "" {
		c.DescriptionFormat = def.DescriptionFormat
	}
	if c.HTTP.CallTimeout <= 0 {
		c.HTTP.CallTimeout = def.HTTP.CallTimeout
	}
	if c.HTTP.MaxRetries < 0 {
		c.HTTP.MaxRetries = 0
	}
	if c.HTTP.BaseDelay <= 0 {
		c.HTTP.BaseDelay = def.HTTP.BaseDelay
	}
	if c.HTTP.MaxDelay < c.HTTP.BaseDelay {
		c.HTTP.MaxDelay = max(def.HTTP.MaxDelay, c.HTTP.BaseDelay)
	}
	if c.HTTP.RateLimit < 0 {
		c.HTTP.RateLimit = 0
	}
	if c.Calendars == nil {
		c.Calendars = []Calendar{}
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("schedule %q: %w", c.Schedule, err))
	}
	if c.LogLevel != "" {
		var l slog.Level
		if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
			errs = append(errs, fmt.Errorf("log_level: %w", err))
		}
	}
	switch c.DescriptionFormat {
	case "text", "html":
	default:
		errs = append(errs, fmt.Errorf("description_format %q: must be text or html", c.DescriptionFormat))
	}

	seen := make(map[string]bool, len(c.Calendars))
	for i, cal := range c.Calendars {
		switch {
		case cal.Name == "":
			errs = append(errs, fmt.Errorf("calendars[%d]: name is empty", i))
		case seen[cal.Name]:
			errs = append(errs, fmt.Errorf("calendars[%d]: duplicate name %q", i, cal.Name))
		}
		seen[cal.Name] = true
		if cal.URL == "" {
			errs = append(errs, fmt.Errorf("calendars[%d]: url is empty", i))
		}
		if cal.Password != "" && cal.PasswordFile != "" {
			errs = append(errs, fmt.Errorf("calendars[%d]: password and password_file are exclusive", i))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(ErrInvalid, errors.Join(errs...))
}

// Level returns the configured log level, Info when unset.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Calendar returns the calendar with the given name.
func (c *Config) Calendar(name string) (Calendar, bool) {
	for _, cal := range c.Calendars {
		if cal.Name == name {
			return cal, true
		}
	}
	return Calendar{}, false
}

// Load reads the configuration at path. A missing file is created with the
// defaults and 0600 permissions.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path through a temp file and a rename, so readers never
// see a partial file.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".caldora-sync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

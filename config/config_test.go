package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
pass_timeout: 90s
http:
  max_retries: 5
calendars:
  - name: work
    url: https://dav.example.com/calendars/alice/work/
    username: alice
    password_file: /run/secrets/work
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, defaultStatePath, cfg.StatePath)
	assert.Equal(t, defaultSchedule, cfg.Schedule)
	assert.Equal(t, 90*time.Second, cfg.PassTimeout)
	assert.Equal(t, 5, cfg.HTTP.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.HTTP.CallTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.Level())

	cal, ok := cfg.Calendar("work")
	require.True(t, ok)
	assert.Equal(t, "alice", cal.Username)
	_, ok = cfg.Calendar("home")
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{
			name:    "bad schedule",
			mutate:  func(c *Config) { c.Schedule = "every now and then" },
			wantErr: "schedule",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: "log_level",
		},
		{
			name:    "bad description format",
			mutate:  func(c *Config) { c.DescriptionFormat = "markdown" },
			wantErr: "description_format",
		},
		{
			name: "duplicate calendar",
			mutate: func(c *Config) {
				c.Calendars = []Calendar{{Name: "work", URL: "https://a/"}, {Name: "work", URL: "https://b/"}}
			},
			wantErr: "duplicate name",
		},
		{
			name: "two password sources",
			mutate: func(c *Config) {
				c.Calendars = []Calendar{{Name: "work", URL: "https://a/", Password: "x", PasswordFile: "/x"}}
			},
			wantErr: "exclusive",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			cfg.Normalize()
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalid)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Calendars = append(cfg.Calendars, Calendar{
		Name:     "work",
		URL:      "https://dav.example.com/work/",
		Username: "alice",
		Password: "secret",
	})
	cfg.HTTP.RateLimit = 2.5
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file is cleaned up")
}

func TestResolvePassword(t *testing.T) {
	file := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(file, []byte("hunter2\n"), 0o600))

	pw, err := Calendar{Name: "work", PasswordFile: file}.ResolvePassword()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pw)

	pw, err = Calendar{Name: "work", Password: "inline"}.ResolvePassword()
	require.NoError(t, err)
	assert.Equal(t, "inline", pw)

	_, err = Calendar{Name: "work", PasswordFile: file + ".missing"}.ResolvePassword()
	assert.ErrorIs(t, err, os.ErrNotExist)
}

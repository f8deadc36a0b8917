package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Store.Partitions)
	assert.Equal(t, "FIFO", cfg.Rules.DefaultMethod)
	assert.Equal(t, 40*time.Millisecond, cfg.Rules.Timeout)
	assert.Equal(t, 8, cfg.Hotpath.Workers)
	assert.Equal(t, 100*time.Millisecond, cfg.Hotpath.Deadline)
	assert.Equal(t, 2, cfg.Coldpath.Workers)
	assert.Equal(t, 8080, cfg.API.Port)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
store:
  path: /tmp/ledger.db
  partitions: 4
hotpath:
  workers: 2
  deadline: 250ms
rules:
  default_method: HIFO
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ledger.db", cfg.Store.Path)
	assert.Equal(t, 4, cfg.Store.Partitions)
	assert.Equal(t, 2, cfg.Hotpath.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Hotpath.Deadline)
	assert.Equal(t, "HIFO", cfg.Rules.DefaultMethod)
	// Untouched sections keep their defaults.
	assert.Equal(t, 1024, cfg.Coldpath.QueueSize)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty store path", func(c *Config) { c.Store.Path = "" }},
		{"zero partitions", func(c *Config) { c.Store.Partitions = 0 }},
		{"bad default method", func(c *Config) { c.Rules.DefaultMethod = "AVERAGE" }},
		{"zero hotpath workers", func(c *Config) { c.Hotpath.Workers = 0 }},
		{"negative retries", func(c *Config) { c.Hotpath.Retries = -1 }},
		{"zero deadline", func(c *Config) { c.Hotpath.Deadline = 0 }},
		{"zero coldpath workers", func(c *Config) { c.Coldpath.Workers = 0 }},
		{"bad port", func(c *Config) { c.API.Port = 70000 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kittclouds/researchstate/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "researchd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  path: /var/lib/research/state.db
supervisor:
  keep_best: 3
  conflict_policy: best_source
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/research/state.db", cfg.Database.Path)
	assert.Equal(t, 3, cfg.Supervisor.KeepBest)
	assert.Equal(t, "best_source", cfg.Supervisor.ConflictPolicy)
	assert.Equal(t, 16, cfg.Database.MaxOpenConns, "unset keys keep defaults")
	assert.Equal(t, 5*time.Minute, cfg.GetAgentTimeout())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: [unclosed"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("database and server", func(t *testing.T) {
		t.Setenv("RESEARCHD_DB", "/tmp/env.db")
		t.Setenv("RESEARCHD_ADDR", ":9000")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
		assert.Equal(t, ":9000", cfg.Server.Addr)
	})

	t.Run("log level and policy", func(t *testing.T) {
		t.Setenv("RESEARCHD_LOG_LEVEL", "debug")
		t.Setenv("RESEARCHD_CONFLICT_POLICY", "most_recent")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "most_recent", cfg.Supervisor.ConflictPolicy)
	})

	t.Run("supervisor toggle ignores junk", func(t *testing.T) {
		t.Setenv("RESEARCHD_SUPERVISOR", "maybe")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.True(t, cfg.Supervisor.Enabled)

		t.Setenv("RESEARCHD_SUPERVISOR", "false")
		cfg.applyEnvOverrides()
		assert.False(t, cfg.Supervisor.Enabled)
	})

	t.Run("env beats file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "c.yaml")
		require.NoError(t, os.WriteFile(path, []byte("database:\n  path: file.db\n"), 0644))
		t.Setenv("RESEARCHD_DB", "env.db")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "env.db", cfg.Database.Path)
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db path", func(c *Config) { c.Database.Path = " " }},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad duration", func(c *Config) { c.Supervisor.Interval = "soon" }},
		{"negative duration", func(c *Config) { c.Server.ReadTimeout = "-1s" }},
		{"consecutive", func(c *Config) { c.Supervisor.BreakConsecutive = 0 }},
		{"threshold", func(c *Config) { c.Supervisor.BreakThreshold = 11 }},
		{"keep best", func(c *Config) { c.Supervisor.KeepBest = -1 }},
		{"policy", func(c *Config) { c.Supervisor.ConflictPolicy = "coin_flip" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationFallbacks(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, 5*time.Second, cfg.GetBusyTimeout())
	assert.Equal(t, 30*time.Second, cfg.GetSweepInterval())
	assert.Equal(t, 10*time.Second, cfg.GetShutdownTimeout())

	cfg.Supervisor.Interval = "2m"
	assert.Equal(t, 2*time.Minute, cfg.GetSweepInterval())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "researchd.yaml")
	cfg := DefaultConfig()
	cfg.Supervisor.ConflictPolicy = string(store.PolicyHighestConfidence)
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestStoreOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.BusyTimeout = "750ms"
	opts := cfg.StoreOptions(nil)
	assert.Equal(t, cfg.Database.Path, opts.Path)
	assert.Equal(t, 750*time.Millisecond, opts.BusyTimeout)
	assert.Equal(t, 5, opts.MaxRetries)
	assert.Empty(t, opts.StopWords)

	cfg.Analysis.StopWords = []string{"battery", "cell"}
	assert.Equal(t, []string{"battery", "cell"}, cfg.StoreOptions(nil).StopWords)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "researchd.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	ctx, cancel := context.WithCancel(context.Background())
	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(c *Config) { reloaded <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	// An invalid file is skipped.
	require.NoError(t, os.WriteFile(path, []byte("supervisor:\n  conflict_policy: coin_flip\n"), 0644))
	time.Sleep(2 * reloadDebounce)

	require.NoError(t, os.WriteFile(path, []byte("supervisor:\n  keep_best: 2\n"), 0644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 2, cfg.Supervisor.KeepBest)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	require.NoError(t, <-done)
}

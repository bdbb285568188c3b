package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Andrej220/go-utils/mediasched"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NotNil(t, cfg)

	assert.Equal(t, 2000, cfg.Queue.InteractiveCapacity)
	assert.Equal(t, 5000, cfg.Queue.BatchCapacity)
	assert.Equal(t, time.Hour, cfg.Queue.StaleTaskTTL)
	assert.Equal(t, 30*time.Second, cfg.Pool.IdleTimeout)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 24*time.Hour, cfg.Retry.TTL)
	assert.Equal(t, 10, cfg.Retry.PoisonThreshold)
	assert.Equal(t, 150*time.Millisecond, cfg.Gate.LagThreshold)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Empty(t, cfg.Adaptive.ForcedMode)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Queue, cfg.Queue)
	assert.Equal(t, Default().Retry, cfg.Retry)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mediasched.yaml")
	content := `
queue:
  batch_capacity: 100
  reserved_interactive: 2
pool:
  max_workers: 8
  idle_timeout: 45s
retry:
  base: 500ms
adaptive:
  medium:
    max_concurrency: 3
store:
  backend: pebble
  path: /var/lib/mediasched
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("MEDIASCHED_ADAPTIVE_FORCED_MODE", "low")
	t.Setenv("MEDIASCHED_QUEUE_INTERACTIVE_CAPACITY", "42")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Queue.BatchCapacity)
	assert.Equal(t, 42, cfg.Queue.InteractiveCapacity)
	assert.Equal(t, 2, cfg.Queue.ReservedInteractive)
	assert.Equal(t, 8, cfg.Pool.MaxWorkers)
	assert.Equal(t, 45*time.Second, cfg.Pool.IdleTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.Base)
	assert.Equal(t, "low", cfg.Adaptive.ForcedMode)
	assert.Equal(t, "pebble", cfg.Store.Backend)

	opts, err := cfg.Options()
	require.NoError(t, err)
	assert.Equal(t, mediasched.ModeLow, opts.ForcedMode)
	assert.Equal(t, 3, opts.Profiles.Medium.MaxConcurrency)
	assert.Equal(t, 8, opts.MaxWorkers)
	assert.Equal(t, 2, opts.ReservedInteractive)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"unknown mode", func(c *Config) { c.Adaptive.ForcedMode = "turbo" }, "adaptive.forced_mode"},
		{"zero batch capacity", func(c *Config) { c.Queue.BatchCapacity = 0 }, "queue.batch_capacity"},
		{"water marks inverted", func(c *Config) { c.Boost.LowWater = 600 }, "boost.low_water"},
		{"memory above one", func(c *Config) { c.Adaptive.HeavyMemory = 1.5 }, "adaptive.heavy_memory"},
		{"pebble without path", func(c *Config) { c.Store.Backend = "pebble" }, "store.path"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "redis" }, "store.backend"},
		{"base above max", func(c *Config) { c.Retry.Base = time.Minute }, "retry.base"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Pool.MaxWorkers = 4
			tt.mutate(cfg)
			errs := cfg.Validate()
			if tt.field == "" {
				assert.Empty(t, errs)
				return
			}
			require.NotEmpty(t, errs)
			var fields []string
			for _, e := range errs {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidationErrorsMessage(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a", Value: 1, Message: "bad"},
		{Field: "b", Value: 2, Message: "worse"},
	}
	assert.Contains(t, errs.Error(), "2 validation errors")
	assert.Equal(t, "a: bad (got: 1)", errs[0].Error())
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "debug"
	log, err := cfg.Logger()
	require.NoError(t, err)
	assert.NotNil(t, log)
}

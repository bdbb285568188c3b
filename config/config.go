// Package config loads scheduler configuration from an optional file and
// MEDIASCHED_* environment variables.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/Andrej220/go-utils/mediasched"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// MEDIASCHED_ADAPTIVE_FORCED_MODE=low.
const EnvPrefix = "MEDIASCHED"

// Config represents the complete scheduler configuration
type Config struct {
	Queue    QueueConfig    `mapstructure:"queue"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Adaptive AdaptiveConfig `mapstructure:"adaptive"`
	Boost    BoostConfig    `mapstructure:"boost"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Gate     GateConfig     `mapstructure:"gate"`
	Sink     SinkConfig     `mapstructure:"sink"`
	Store    StoreConfig    `mapstructure:"store"`
	Source   SourceConfig   `mapstructure:"source"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// QueueConfig bounds the class queues
type QueueConfig struct {
	InteractiveCapacity int `mapstructure:"interactive_capacity"`
	BatchCapacity       int `mapstructure:"batch_capacity"`
	// ReservedInteractive is the number of slots batch work cannot take
	// while interactive work is running
	ReservedInteractive int           `mapstructure:"reserved_interactive"`
	StaleTaskTTL        time.Duration `mapstructure:"stale_task_ttl"`
}

// PoolConfig controls the worker pool
type PoolConfig struct {
	// MaxWorkers is the worker budget of the high profile (default: GOMAXPROCS)
	MaxWorkers  int           `mapstructure:"max_workers"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// TaskTimeout bounds one transform (0 means unbounded)
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	PinWorkers  bool          `mapstructure:"pin_workers"`
}

// AdaptiveConfig controls the adaptive controller
type AdaptiveConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// ForcedMode pins the mode. Options: "", "auto", "low", "medium", "high"
	ForcedMode         string  `mapstructure:"forced_mode"`
	HeavyLoadFactor    float64 `mapstructure:"heavy_load_factor"`
	HeavyMemory        float64 `mapstructure:"heavy_memory"`
	ModerateLoadFactor float64 `mapstructure:"moderate_load_factor"`
	ModerateMemory     float64 `mapstructure:"moderate_memory"`
	// CPUCount and MemoryLimitBytes override the host sampler for
	// cgroup-limited containers (0 means read the host)
	CPUCount         int    `mapstructure:"cpu_count"`
	MemoryLimitBytes uint64 `mapstructure:"memory_limit_bytes"`

	Low    ProfileConfig `mapstructure:"low"`
	Medium ProfileConfig `mapstructure:"medium"`
	High   ProfileConfig `mapstructure:"high"`
}

// ProfileConfig overrides one mode's profile; zero fields keep the default
type ProfileConfig struct {
	MaxConcurrency int    `mapstructure:"max_concurrency"`
	PerTaskThreads int    `mapstructure:"per_task_threads"`
	Preset         string `mapstructure:"preset"`
}

// BoostConfig controls the backlog-driven auto boost
type BoostConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
	HighWater int           `mapstructure:"high_water"`
	LowWater  int           `mapstructure:"low_water"`
}

// RetryConfig controls retries and poison handling
type RetryConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	Base            time.Duration `mapstructure:"base"`
	Max             time.Duration `mapstructure:"max"`
	TTL             time.Duration `mapstructure:"ttl"`
	PoisonThreshold int           `mapstructure:"poison_threshold"`
	PoisonSignature string        `mapstructure:"poison_signature"`
	FailedMarkerTTL time.Duration `mapstructure:"failed_marker_ttl"`
}

// GateConfig controls the admission gate
type GateConfig struct {
	HeavyCacheTTL time.Duration `mapstructure:"heavy_cache_ttl"`
	LagThreshold  time.Duration `mapstructure:"lag_threshold"`
	// IndexFlagFile is a sentinel file present while an index rebuild runs
	IndexFlagFile      string        `mapstructure:"index_flag_file"`
	StoreSweepInterval time.Duration `mapstructure:"store_sweep_interval"`
}

// SinkConfig controls the status sink
type SinkConfig struct {
	// DSN of the SQLite status database (empty disables the sink)
	DSN           string        `mapstructure:"dsn"`
	FlushChunk    int           `mapstructure:"flush_chunk"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// StoreConfig selects the coordination store
type StoreConfig struct {
	// Backend options: "memory", "pebble", "none"
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	NoSync  bool   `mapstructure:"no_sync"`
}

// SourceConfig is the root all task keys must stay under
type SourceConfig struct {
	Root string `mapstructure:"root"`
}

// LoggingConfig controls the zap logger
type LoggingConfig struct {
	// Level options: "debug", "info", "warn", "error"
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Listen    string `mapstructure:"listen"`
	Namespace string `mapstructure:"namespace"`
}

// Default returns the documented defaults
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			InteractiveCapacity: mediasched.DefaultInteractiveCapacity,
			BatchCapacity:       mediasched.DefaultBatchCapacity,
			ReservedInteractive: 1,
			StaleTaskTTL:        mediasched.DefaultStaleTaskTTL,
		},
		Pool: PoolConfig{
			MaxWorkers:  runtime.GOMAXPROCS(0),
			IdleTimeout: mediasched.DefaultIdleTimeout,
		},
		Adaptive: AdaptiveConfig{
			Interval:           mediasched.DefaultAdaptiveInterval,
			HeavyLoadFactor:    0.8,
			HeavyMemory:        0.85,
			ModerateLoadFactor: 0.5,
			ModerateMemory:     0.6,
		},
		Boost: BoostConfig{
			Interval:  mediasched.DefaultBoostInterval,
			Cooldown:  mediasched.DefaultBoostCooldown,
			HighWater: mediasched.DefaultHighWater,
			LowWater:  mediasched.DefaultLowWater,
		},
		Retry: RetryConfig{
			MaxRetries:      mediasched.DefaultMaxRetries,
			Base:            mediasched.DefaultRetryBase,
			Max:             mediasched.DefaultRetryMax,
			TTL:             mediasched.DefaultRetryTTL,
			PoisonThreshold: mediasched.DefaultPoisonThreshold,
			FailedMarkerTTL: mediasched.DefaultFailedMarkerTTL,
		},
		Gate: GateConfig{
			HeavyCacheTTL:      mediasched.DefaultHeavyCacheTTL,
			LagThreshold:       mediasched.DefaultLagThreshold,
			StoreSweepInterval: mediasched.DefaultStoreSweepInterval,
		},
		Sink: SinkConfig{
			FlushChunk:    mediasched.DefaultFlushChunk,
			FlushInterval: mediasched.DefaultFlushInterval,
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Listen:    ":9090",
			Namespace: "mediasched",
		},
	}
}

// setDefaults registers default values with v. Every key must be known
// to viper for AutomaticEnv to apply to Unmarshal.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("queue.interactive_capacity", d.Queue.InteractiveCapacity)
	v.SetDefault("queue.batch_capacity", d.Queue.BatchCapacity)
	v.SetDefault("queue.reserved_interactive", d.Queue.ReservedInteractive)
	v.SetDefault("queue.stale_task_ttl", d.Queue.StaleTaskTTL)

	v.SetDefault("pool.max_workers", d.Pool.MaxWorkers)
	v.SetDefault("pool.idle_timeout", d.Pool.IdleTimeout)
	v.SetDefault("pool.task_timeout", d.Pool.TaskTimeout)
	v.SetDefault("pool.pin_workers", d.Pool.PinWorkers)

	v.SetDefault("adaptive.interval", d.Adaptive.Interval)
	v.SetDefault("adaptive.forced_mode", d.Adaptive.ForcedMode)
	v.SetDefault("adaptive.heavy_load_factor", d.Adaptive.HeavyLoadFactor)
	v.SetDefault("adaptive.heavy_memory", d.Adaptive.HeavyMemory)
	v.SetDefault("adaptive.moderate_load_factor", d.Adaptive.ModerateLoadFactor)
	v.SetDefault("adaptive.moderate_memory", d.Adaptive.ModerateMemory)
	v.SetDefault("adaptive.cpu_count", d.Adaptive.CPUCount)
	v.SetDefault("adaptive.memory_limit_bytes", d.Adaptive.MemoryLimitBytes)
	for _, mode := range []string{"low", "medium", "high"} {
		v.SetDefault("adaptive."+mode+".max_concurrency", 0)
		v.SetDefault("adaptive."+mode+".per_task_threads", 0)
		v.SetDefault("adaptive."+mode+".preset", "")
	}

	v.SetDefault("boost.interval", d.Boost.Interval)
	v.SetDefault("boost.cooldown", d.Boost.Cooldown)
	v.SetDefault("boost.high_water", d.Boost.HighWater)
	v.SetDefault("boost.low_water", d.Boost.LowWater)

	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.base", d.Retry.Base)
	v.SetDefault("retry.max", d.Retry.Max)
	v.SetDefault("retry.ttl", d.Retry.TTL)
	v.SetDefault("retry.poison_threshold", d.Retry.PoisonThreshold)
	v.SetDefault("retry.poison_signature", d.Retry.PoisonSignature)
	v.SetDefault("retry.failed_marker_ttl", d.Retry.FailedMarkerTTL)

	v.SetDefault("gate.heavy_cache_ttl", d.Gate.HeavyCacheTTL)
	v.SetDefault("gate.lag_threshold", d.Gate.LagThreshold)
	v.SetDefault("gate.index_flag_file", d.Gate.IndexFlagFile)
	v.SetDefault("gate.store_sweep_interval", d.Gate.StoreSweepInterval)

	v.SetDefault("sink.dsn", d.Sink.DSN)
	v.SetDefault("sink.flush_chunk", d.Sink.FlushChunk)
	v.SetDefault("sink.flush_interval", d.Sink.FlushInterval)

	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.no_sync", d.Store.NoSync)

	v.SetDefault("source.root", d.Source.Root)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.development", d.Logging.Development)

	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
}

// Load reads the optional config file at path, applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// Options maps the configuration onto scheduler options. Collaborators
// (store, sink, flag, logger) are left for the caller to wire.
func (c *Config) Options() (mediasched.Options, error) {
	mode, err := mediasched.ParseMode(c.Adaptive.ForcedMode)
	if err != nil {
		return mediasched.Options{}, err
	}
	return mediasched.Options{
		InteractiveCapacity: c.Queue.InteractiveCapacity,
		BatchCapacity:       c.Queue.BatchCapacity,
		ReservedInteractive: c.Queue.ReservedInteractive,
		StaleTaskTTL:        c.Queue.StaleTaskTTL,

		MaxWorkers:  c.Pool.MaxWorkers,
		IdleTimeout: c.Pool.IdleTimeout,
		TaskTimeout: c.Pool.TaskTimeout,
		PinWorkers:  c.Pool.PinWorkers,

		AdaptiveInterval: c.Adaptive.Interval,
		ForcedMode:       mode,
		Thresholds: mediasched.Thresholds{
			HeavyLoadFactor:    c.Adaptive.HeavyLoadFactor,
			HeavyMemory:        c.Adaptive.HeavyMemory,
			ModerateLoadFactor: c.Adaptive.ModerateLoadFactor,
			ModerateMemory:     c.Adaptive.ModerateMemory,
		},
		Profiles: mediasched.ProfileTable{
			Low:    c.Adaptive.Low.profile(),
			Medium: c.Adaptive.Medium.profile(),
			High:   c.Adaptive.High.profile(),
		},
		Sampler: &mediasched.HostSampler{
			CPUCount:         c.Adaptive.CPUCount,
			MemoryLimitBytes: c.Adaptive.MemoryLimitBytes,
		},

		BoostInterval: c.Boost.Interval,
		BoostCooldown: c.Boost.Cooldown,
		HighWater:     c.Boost.HighWater,
		LowWater:      c.Boost.LowWater,

		MaxRetries:      c.Retry.MaxRetries,
		RetryBase:       c.Retry.Base,
		RetryMax:        c.Retry.Max,
		RetryTTL:        c.Retry.TTL,
		PoisonThreshold: c.Retry.PoisonThreshold,
		PoisonSignature: c.Retry.PoisonSignature,
		FailedMarkerTTL: c.Retry.FailedMarkerTTL,

		HeavyCacheTTL:      c.Gate.HeavyCacheTTL,
		LagThreshold:       c.Gate.LagThreshold,
		StoreSweepInterval: c.Gate.StoreSweepInterval,

		FlushChunk:    c.Sink.FlushChunk,
		FlushInterval: c.Sink.FlushInterval,

		SourceRoot: c.Source.Root,
	}, nil
}

func (p ProfileConfig) profile() mediasched.Profile {
	return mediasched.Profile{
		MaxConcurrency:  p.MaxConcurrency,
		PerTaskThreads:  p.PerTaskThreads,
		TransformPreset: p.Preset,
	}
}

// Logger builds the zap logger described by the logging section
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

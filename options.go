package mediasched

import (
	"runtime"
	"time"

	"github.com/Andrej220/go-utils/mediasched/store"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	DefaultInteractiveCapacity = 2000
	DefaultBatchCapacity       = 5000
	DefaultStaleTaskTTL        = time.Hour
	DefaultIdleTimeout         = 30 * time.Second

	DefaultAdaptiveInterval = 30 * time.Second
	minAdaptiveInterval     = 15 * time.Second
	maxAdaptiveInterval     = 60 * time.Second

	DefaultBoostInterval = 15 * time.Second
	DefaultBoostCooldown = 30 * time.Second
	DefaultHighWater     = 500
	DefaultLowWater      = 50

	DefaultMaxRetries      = 3
	DefaultRetryBase       = time.Second
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryTTL        = 24 * time.Hour
	DefaultPoisonThreshold = 10
	DefaultFailedMarkerTTL = 24 * time.Hour

	DefaultHeavyCacheTTL = 3 * time.Second
	DefaultLagThreshold  = 150 * time.Millisecond

	DefaultFlushChunk    = 500
	DefaultFlushInterval = 2 * time.Second

	DefaultStoreSweepInterval = 10 * time.Minute
)

// Options configure a Scheduler.
//
// All zero values are replaced with defaults in FillDefaults.
type Options struct {
	// Queue.
	InteractiveCapacity int
	BatchCapacity       int
	// ReservedInteractive is the number of pool slots withheld from batch
	// work while interactive work exists.
	ReservedInteractive int
	StaleTaskTTL        time.Duration

	// Pool.
	MaxWorkers  int
	IdleTimeout time.Duration
	TaskTimeout time.Duration
	PinWorkers  bool

	// Adaptive controller.
	AdaptiveInterval time.Duration
	ForcedMode       Mode
	Thresholds       Thresholds
	Profiles         ProfileTable

	// Auto boost.
	BoostInterval time.Duration
	BoostCooldown time.Duration
	HighWater     int
	LowWater      int

	// Retries.
	MaxRetries      int
	RetryBase       time.Duration
	RetryMax        time.Duration
	RetryTTL        time.Duration
	PoisonThreshold int
	// PoisonSignature is a substring identifying unrecoverable parse errors
	// from transforms that do not wrap ErrPoison.
	PoisonSignature string
	FailedMarkerTTL time.Duration

	// Admission gate.
	HeavyCacheTTL      time.Duration
	LagThreshold       time.Duration
	StoreSweepInterval time.Duration

	// Status sink.
	FlushChunk    int
	FlushInterval time.Duration

	// Source tree used for the key containment check and poison deletion.
	SourceFS   afero.Fs
	SourceRoot string

	// Collaborators. Nil values get in-process defaults.
	Store     store.Store
	Sampler   ResourceSampler
	IndexFlag IndexFlag
	Sink      StatusSink
	Events    EventEmitter
	Backlog   BacklogCounter
	Metrics   MetricsPolicy
	Logger    *zap.Logger

	OnTaskError     func(key string, err error)
	OnInternalError func(err error)
}

func (o *Options) FillDefaults() {
	if o.InteractiveCapacity <= 0 {
		o.InteractiveCapacity = DefaultInteractiveCapacity
	}
	if o.BatchCapacity <= 0 {
		o.BatchCapacity = DefaultBatchCapacity
	}
	if o.ReservedInteractive < 0 {
		o.ReservedInteractive = 0
	}
	if o.StaleTaskTTL <= 0 {
		o.StaleTaskTTL = DefaultStaleTaskTTL
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = runtime.GOMAXPROCS(0)
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.AdaptiveInterval <= 0 {
		o.AdaptiveInterval = DefaultAdaptiveInterval
	}
	o.AdaptiveInterval = min(max(o.AdaptiveInterval, minAdaptiveInterval), maxAdaptiveInterval)
	o.Thresholds.fillDefaults()
	if o.BoostInterval <= 0 {
		o.BoostInterval = DefaultBoostInterval
	}
	if o.BoostCooldown <= 0 {
		o.BoostCooldown = DefaultBoostCooldown
	}
	if o.HighWater <= 0 {
		o.HighWater = DefaultHighWater
	}
	if o.LowWater <= 0 {
		o.LowWater = DefaultLowWater
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBase <= 0 {
		o.RetryBase = DefaultRetryBase
	}
	if o.RetryMax <= 0 {
		o.RetryMax = DefaultRetryMax
	}
	if o.RetryTTL <= 0 {
		o.RetryTTL = DefaultRetryTTL
	}
	if o.PoisonThreshold <= 0 {
		o.PoisonThreshold = DefaultPoisonThreshold
	}
	if o.FailedMarkerTTL <= 0 {
		o.FailedMarkerTTL = DefaultFailedMarkerTTL
	}
	if o.HeavyCacheTTL <= 0 {
		o.HeavyCacheTTL = DefaultHeavyCacheTTL
	}
	if o.LagThreshold <= 0 {
		o.LagThreshold = DefaultLagThreshold
	}
	if o.StoreSweepInterval <= 0 {
		o.StoreSweepInterval = DefaultStoreSweepInterval
	}
	if o.FlushChunk <= 0 {
		o.FlushChunk = DefaultFlushChunk
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.SourceFS == nil {
		o.SourceFS = afero.NewOsFs()
	}
	if o.Store == nil {
		o.Store = store.NewMemStore()
	}
	if o.Sampler == nil {
		o.Sampler = &HostSampler{}
	}
	if o.IndexFlag == nil {
		o.IndexFlag = &StaticFlag{}
	}
	if o.Metrics == nil {
		o.Metrics = &NoopMetrics{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

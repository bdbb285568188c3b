package mediasched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Andrej220/go-utils/mediasched/store"
	"go.uber.org/zap"
)

// ProfileKey is the store key the current profile is published under.
const ProfileKey = "adaptive:profile"

// Mode is the adaptive performance mode.
type Mode int

const (
	// ModeAuto means no forced mode: the controller decides.
	ModeAuto Mode = iota
	ModeLow
	ModeMedium
	ModeHigh
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeLow:
		return "low"
	case ModeMedium:
		return "medium"
	case ModeHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseMode parses "low", "medium", "high", "auto" or "".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "low":
		return ModeLow, nil
	case "medium":
		return ModeMedium, nil
	case "high":
		return ModeHigh, nil
	}
	return ModeAuto, fmt.Errorf("unknown mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// LoadClass is the classification of a resource sample.
type LoadClass int

const (
	LoadNormal LoadClass = iota
	LoadModerate
	LoadHeavy
)

func (l LoadClass) String() string {
	switch l {
	case LoadHeavy:
		return "heavy"
	case LoadModerate:
		return "moderate"
	default:
		return "normal"
	}
}

// Thresholds classify a resource sample. Load factors are multiplied by
// the CPU count; memory values are fractions.
type Thresholds struct {
	HeavyLoadFactor    float64
	HeavyMemory        float64
	ModerateLoadFactor float64
	ModerateMemory     float64
}

func (t *Thresholds) fillDefaults() {
	if t.HeavyLoadFactor <= 0 {
		t.HeavyLoadFactor = 0.8
	}
	if t.HeavyMemory <= 0 {
		t.HeavyMemory = 0.85
	}
	if t.ModerateLoadFactor <= 0 {
		t.ModerateLoadFactor = 0.5
	}
	if t.ModerateMemory <= 0 {
		t.ModerateMemory = 0.6
	}
}

// Classify maps a sample to a load class.
func (t Thresholds) Classify(s ResourceSample) LoadClass {
	cpus := float64(max(s.CPUCount, 1))
	switch {
	case s.Load1 > cpus*t.HeavyLoadFactor || s.MemUsage > t.HeavyMemory:
		return LoadHeavy
	case s.Load1 > cpus*t.ModerateLoadFactor || s.MemUsage > t.ModerateMemory:
		return LoadModerate
	default:
		return LoadNormal
	}
}

// Profile is the concurrency configuration derived from a mode.
type Profile struct {
	Mode            Mode   `json:"mode"`
	MaxConcurrency  int    `json:"max_concurrency"`
	PerTaskThreads  int    `json:"per_task_threads"`
	TransformPreset string `json:"transform_preset"`
	// SecondaryWork enables optional outputs (e.g. animated previews).
	SecondaryWork bool `json:"secondary_work"`
}

// Hints converts the profile for transform functions.
func (p Profile) Hints() Hints {
	return Hints{
		Mode:           p.Mode,
		PerTaskThreads: p.PerTaskThreads,
		Preset:         p.TransformPreset,
		SecondaryWork:  p.SecondaryWork,
	}
}

// ProfileTable holds operator overrides per mode. Zero fields keep the
// derived default.
type ProfileTable struct {
	Low, Medium, High Profile
}

func (t ProfileTable) override(m Mode) Profile {
	switch m {
	case ModeLow:
		return t.Low
	case ModeMedium:
		return t.Medium
	default:
		return t.High
	}
}

// DeriveProfile returns the profile for mode with a worker budget of
// maxWorkers on cpus CPUs, applying the table overrides.
func DeriveProfile(m Mode, maxWorkers, cpus int, table ProfileTable) Profile {
	maxWorkers = max(maxWorkers, 1)
	cpus = max(cpus, 1)

	var p Profile
	switch m {
	case ModeLow:
		p = Profile{MaxConcurrency: 1, PerTaskThreads: 1, TransformPreset: "ultrafast"}
	case ModeMedium:
		conc := max(1, maxWorkers/2)
		p = Profile{
			MaxConcurrency:  conc,
			PerTaskThreads:  min(4, max(1, cpus/(2*conc))),
			TransformPreset: "veryfast",
			SecondaryWork:   true,
		}
	default:
		m = ModeHigh
		p = Profile{
			MaxConcurrency:  maxWorkers,
			PerTaskThreads:  min(4, max(1, cpus/maxWorkers)),
			TransformPreset: "fast",
			SecondaryWork:   true,
		}
	}
	p.Mode = m

	o := table.override(m)
	if o.MaxConcurrency > 0 {
		p.MaxConcurrency = o.MaxConcurrency
	}
	if o.PerTaskThreads > 0 {
		p.PerTaskThreads = o.PerTaskThreads
	}
	if o.TransformPreset != "" {
		p.TransformPreset = o.TransformPreset
	}
	return p
}

// ControllerOptions configure an AdaptiveController.
type ControllerOptions struct {
	Interval   time.Duration
	MaxWorkers int
	Thresholds Thresholds
	Profiles   ProfileTable
	ForcedMode Mode

	// Store receives the published profile. Nil disables publishing.
	Store   store.Store
	Metrics MetricsPolicy
	Logger  *zap.Logger

	// OnProfile is called after every evaluation.
	OnProfile func(Profile)
}

// AdaptiveController derives the concurrency profile from host load.
type AdaptiveController struct {
	mu      sync.Mutex
	opts    ControllerOptions
	sampler ResourceSampler
	log     *zap.Logger

	forced  Mode
	current Profile
	sample  ResourceSample
	class   LoadClass
	valid   bool
}

// NewAdaptiveController returns a controller reading sampler.
func NewAdaptiveController(sampler ResourceSampler, opts ControllerOptions) *AdaptiveController {
	if opts.Interval <= 0 {
		opts.Interval = DefaultAdaptiveInterval
	}
	opts.Thresholds.fillDefaults()
	if opts.Metrics == nil {
		opts.Metrics = NoopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &AdaptiveController{
		opts:    opts,
		sampler: sampler,
		log:     opts.Logger,
		forced:  opts.ForcedMode,
	}
}

// SetForcedMode pins the mode (ModeAuto releases it) and re-evaluates.
func (c *AdaptiveController) SetForcedMode(ctx context.Context, m Mode) Profile {
	c.mu.Lock()
	c.forced = m
	c.mu.Unlock()
	return c.Evaluate(ctx)
}

// ForcedMode returns the forced mode, ModeAuto when none.
func (c *AdaptiveController) ForcedMode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forced
}

// Current returns the last evaluated profile.
func (c *AdaptiveController) Current() Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		return DeriveProfile(ModeMedium, c.opts.MaxWorkers, c.sample.CPUCount, c.opts.Profiles)
	}
	return c.current
}

// Mode returns the mode of the current profile.
func (c *AdaptiveController) Mode() Mode { return c.Current().Mode }

// LastSample returns the sample used by the last evaluation.
func (c *AdaptiveController) LastSample() ResourceSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sample
}

// Thresholds returns the classification thresholds.
func (c *AdaptiveController) Thresholds() Thresholds { return c.opts.Thresholds }

// Sample reads the sampler and classifies the result.
func (c *AdaptiveController) Sample(ctx context.Context) (ResourceSample, LoadClass, error) {
	s, err := c.sampler.Sample(ctx)
	if err != nil {
		return s, LoadNormal, err
	}
	return s, c.opts.Thresholds.Classify(s), nil
}

// Evaluate samples the host, selects a mode and publishes the profile.
//
// A failed sample keeps the previous mode (medium before the first
// successful sample).
func (c *AdaptiveController) Evaluate(ctx context.Context) Profile {
	s, class, err := c.Sample(ctx)

	c.mu.Lock()
	if err != nil {
		c.log.Warn("resource sample failed, keeping previous mode", zap.Error(err))
		s = c.sample
		class = c.class
		if !c.valid {
			class = LoadModerate
		}
	}
	mode := modeFor(class)
	if c.forced != ModeAuto {
		mode = c.forced
	}
	prev := c.current
	p := DeriveProfile(mode, c.opts.MaxWorkers, s.CPUCount, c.opts.Profiles)
	c.current, c.sample, c.class, c.valid = p, s, class, true
	c.mu.Unlock()

	if prev.Mode != p.Mode {
		c.log.Info("adaptive mode changed",
			zap.Stringer("from", prev.Mode), zap.Stringer("to", p.Mode),
			zap.Float64("load1", s.Load1), zap.Float64("mem", s.MemUsage),
			zap.Int("max_concurrency", p.MaxConcurrency))
	}
	c.opts.Metrics.SetMode(p.Mode)
	c.publish(ctx, p)
	if c.opts.OnProfile != nil {
		c.opts.OnProfile(p)
	}
	return p
}

func modeFor(class LoadClass) Mode {
	switch class {
	case LoadHeavy:
		return ModeLow
	case LoadModerate:
		return ModeMedium
	default:
		return ModeHigh
	}
}

func (c *AdaptiveController) publish(ctx context.Context, p Profile) {
	if c.opts.Store == nil {
		return
	}
	b, err := json.Marshal(p)
	if err != nil {
		c.log.Warn("encode profile", zap.Error(err))
		return
	}
	if _, err := c.opts.Store.Set(ctx, ProfileKey, b, 3*c.opts.Interval, store.SetAlways); err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			c.log.Debug("profile not published, store unavailable")
			return
		}
		c.log.Warn("publish profile", zap.Error(err))
	}
}

// Run evaluates on every interval tick until ctx is done.
func (c *AdaptiveController) Run(ctx context.Context) {
	c.Evaluate(ctx)
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Evaluate(ctx)
		}
	}
}

// ReadPublishedProfile returns the profile last published to s. A
// controller that stopped publishing leaves an expired key behind, which
// reads as store.ErrNotFound.
func ReadPublishedProfile(ctx context.Context, s store.Store) (Profile, error) {
	var p Profile
	b, err := s.Get(ctx, ProfileKey)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}

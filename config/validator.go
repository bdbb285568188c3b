package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Andrej220/go-utils/mediasched"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "queue.batch_capacity")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidStoreBackends returns the list of valid store backends
func ValidStoreBackends() []string {
	return []string{"memory", "pebble", "none"}
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Queue.InteractiveCapacity < 1 {
		add("queue.interactive_capacity", c.Queue.InteractiveCapacity, "must be at least 1")
	}
	if c.Queue.BatchCapacity < 1 {
		add("queue.batch_capacity", c.Queue.BatchCapacity, "must be at least 1")
	}
	if c.Queue.ReservedInteractive < 0 {
		add("queue.reserved_interactive", c.Queue.ReservedInteractive, "must not be negative")
	}
	if c.Pool.MaxWorkers < 1 {
		add("pool.max_workers", c.Pool.MaxWorkers, "must be at least 1")
	}
	if c.Queue.ReservedInteractive >= c.Pool.MaxWorkers && c.Pool.MaxWorkers > 1 {
		add("queue.reserved_interactive", c.Queue.ReservedInteractive, "must be below pool.max_workers")
	}
	if c.Pool.TaskTimeout < 0 {
		add("pool.task_timeout", c.Pool.TaskTimeout, "must not be negative")
	}

	if _, err := mediasched.ParseMode(c.Adaptive.ForcedMode); err != nil {
		add("adaptive.forced_mode", c.Adaptive.ForcedMode, "must be one of auto, low, medium, high")
	}
	for field, v := range map[string]float64{
		"adaptive.heavy_memory":    c.Adaptive.HeavyMemory,
		"adaptive.moderate_memory": c.Adaptive.ModerateMemory,
	} {
		if v <= 0 || v > 1 {
			add(field, v, "must be in (0, 1]")
		}
	}
	if c.Adaptive.ModerateLoadFactor > c.Adaptive.HeavyLoadFactor {
		add("adaptive.moderate_load_factor", c.Adaptive.ModerateLoadFactor, "must not exceed adaptive.heavy_load_factor")
	}
	if c.Adaptive.ModerateMemory > c.Adaptive.HeavyMemory {
		add("adaptive.moderate_memory", c.Adaptive.ModerateMemory, "must not exceed adaptive.heavy_memory")
	}

	if c.Boost.LowWater >= c.Boost.HighWater {
		add("boost.low_water", c.Boost.LowWater, "must be below boost.high_water")
	}
	if c.Retry.Base > c.Retry.Max {
		add("retry.base", c.Retry.Base, "must not exceed retry.max")
	}
	if c.Retry.MaxRetries < 0 {
		add("retry.max_retries", c.Retry.MaxRetries, "must not be negative")
	}
	if c.Sink.FlushChunk < 1 {
		add("sink.flush_chunk", c.Sink.FlushChunk, "must be at least 1")
	}

	if !slices.Contains(ValidStoreBackends(), c.Store.Backend) {
		add("store.backend", c.Store.Backend, "must be one of "+strings.Join(ValidStoreBackends(), ", "))
	}
	if c.Store.Backend == "pebble" && c.Store.Path == "" {
		add("store.path", c.Store.Path, "is required for the pebble backend")
	}
	if !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		add("logging.level", c.Logging.Level, "must be one of "+strings.Join(ValidLogLevels(), ", "))
	}

	slices.SortStableFunc(errs, func(a, b ValidationError) int { return strings.Compare(a.Field, b.Field) })
	return errs
}

// Package config loads the dotted configuration keys the runtime core
// consults by convention (spec.md §6): per-(phase, stage) queueing
// policy and worker counts, allocator capacity and fragmentation
// sleep, and caching-allocator sizing.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// QueueingPolicyKind is the enum value stored under
// WORK_QUEUEING_POLICY.<phase>.<stage>.
type QueueingPolicyKind string

const (
	PolicyShared      QueueingPolicyKind = "shared"
	PolicyPartitioned QueueingPolicyKind = "partitioned"
)

// Config wraps a viper instance scoped to the runtime's own key
// surface, independent of any global viper singleton so multiple
// phases can be configured side by side within one process.
type Config struct {
	v *viper.Viper
}

// New returns a Config with the core's defaults applied. EnvPrefix is
// "THEMIS"; dotted keys map to THEMIS_<KEY>_WITH_UNDERSCORES the way
// the env key replacer folds "." and ":" to "_".
func New() *Config {
	v := viper.New()
	v.SetEnvPrefix("themis")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", ":", "_"))
	v.AutomaticEnv()

	v.SetDefault("ALLOCATOR_CAPACITY", int64(0))
	v.SetDefault("ALLOCATOR_FRAGMENTATION_SLEEP", int64(1000))

	return &Config{v: v}
}

// ReadFile merges a YAML configuration file into the loaded values.
// Environment variables still take precedence over file values.
func (c *Config) ReadFile(path string) error {
	c.v.SetConfigFile(path)
	if err := c.v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	return nil
}

func phaseStageKey(prefix, phase, stage string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, phase, stage)
}

// QueueingPolicy returns WORK_QUEUEING_POLICY.<phase>.<stage>,
// defaulting to PolicyShared if unset.
func (c *Config) QueueingPolicy(phase, stage string) QueueingPolicyKind {
	raw := c.v.GetString(phaseStageKey("WORK_QUEUEING_POLICY", phase, stage))
	switch QueueingPolicyKind(strings.ToLower(raw)) {
	case PolicyPartitioned:
		return PolicyPartitioned
	default:
		return PolicyShared
	}
}

// NumWorkers returns NUM_WORKERS.<phase>.<stage>. The key is required;
// ok is false if it is absent or not positive.
func (c *Config) NumWorkers(phase, stage string) (n int, ok bool) {
	n = c.v.GetInt(phaseStageKey("NUM_WORKERS", phase, stage))
	return n, n > 0
}

// WorkerImpl returns WORKER_IMPLS.<phase>.<stage>, the implementation
// key the worker factory looks up. The key is required; ok is false
// if it is absent.
func (c *Config) WorkerImpl(phase, stage string) (impl string, ok bool) {
	impl = c.v.GetString(phaseStageKey("WORKER_IMPLS", phase, stage))
	return impl, impl != ""
}

// AllocatorCapacity returns ALLOCATOR_CAPACITY in bytes.
func (c *Config) AllocatorCapacity() uint64 {
	return uint64(c.v.GetInt64("ALLOCATOR_CAPACITY"))
}

// AllocatorFragmentationSleepMicros returns
// ALLOCATOR_FRAGMENTATION_SLEEP in microseconds.
func (c *Config) AllocatorFragmentationSleepMicros() int64 {
	return c.v.GetInt64("ALLOCATOR_FRAGMENTATION_SLEEP")
}

// CachingAllocatorEnabled returns CACHING_ALLOCATOR.<phase>.<stage>.
func (c *Config) CachingAllocatorEnabled(phase, stage string) bool {
	return c.v.GetBool(phaseStageKey("CACHING_ALLOCATOR", phase, stage))
}

// CachedMemory returns CACHED_MEMORY.<phase>.<stage> in bytes.
func (c *Config) CachedMemory(phase, stage string) uint64 {
	return uint64(c.v.GetInt64(phaseStageKey("CACHED_MEMORY", phase, stage)))
}

// DefaultBufferSize returns DEFAULT_BUFFER_SIZE.<phase>.<stage> in bytes.
func (c *Config) DefaultBufferSize(phase, stage string) uint64 {
	return uint64(c.v.GetInt64(phaseStageKey("DEFAULT_BUFFER_SIZE", phase, stage)))
}

// Alignment returns ALIGNMENT.<phase>.<stage> in bytes, 0 if unset.
func (c *Config) Alignment(phase, stage string) uint64 {
	return uint64(c.v.GetInt64(phaseStageKey("ALIGNMENT", phase, stage)))
}

// Set overrides a single key, primarily for tests and for a CLI that
// wants to bind flags without going through a file.
func (c *Config) Set(key string, value any) {
	c.v.Set(key, value)
}

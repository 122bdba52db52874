package tokenbucket

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SystemLimiter meters a resource shared across every principal (the
// external-API rate an LLM or oracle collaborator is subject to, regardless
// of which agent is calling). Exhaustion rejects the action outright,
// independent of any individual principal's own bucket balance — the two
// meters are checked independently by the engine (see the engine package).
//
// Wraps golang.org/x/time/rate the way infrastructure/ratelimit does for
// outbound HTTP calls, generalized to the kernel's named-resource buckets.
type SystemLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	configs  map[string]SystemLimiterConfig
}

// SystemLimiterConfig is the rate/burst pair for one system-wide resource.
type SystemLimiterConfig struct {
	RatePerSecond float64
	Burst         int
}

// NewSystemLimiter constructs a limiter set from the given per-resource
// configuration.
func NewSystemLimiter(configs map[string]SystemLimiterConfig) *SystemLimiter {
	sl := &SystemLimiter{
		limiters: make(map[string]*rate.Limiter, len(configs)),
		configs:  make(map[string]SystemLimiterConfig, len(configs)),
	}
	for resource, cfg := range configs {
		sl.configs[resource] = cfg
		sl.limiters[resource] = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}
	return sl
}

// Allow reports whether n units of resource may be consumed right now. An
// unconfigured resource is treated as unmetered (always allowed) — system-
// wide limits are an explicit deployment opt-in, not an implicit default.
func (sl *SystemLimiter) Allow(resource string, n int) bool {
	sl.mu.RLock()
	limiter, ok := sl.limiters[resource]
	sl.mu.RUnlock()
	if !ok {
		return true
	}
	return limiter.AllowN(time.Now(), n)
}

// Configure installs or replaces the limiter for a resource at runtime.
func (sl *SystemLimiter) Configure(resource string, cfg SystemLimiterConfig) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.configs[resource] = cfg
	sl.limiters[resource] = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
}

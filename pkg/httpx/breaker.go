package httpx

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerRegistry holds one circuit breaker per name. SearchProvider and
// DeepLookupProvider execute under their own names ("search",
// "deeplookup"), so a registry shared between them still lets one failing
// upstream API trip independently of the other.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	settings func(name string) gobreaker.Settings
}

// NewBreakerRegistry builds a registry using settingsFn to derive per-name
// settings (allows different thresholds for, say, search vs. render).
func NewBreakerRegistry(settingsFn func(name string) gobreaker.Settings) *BreakerRegistry {
	if settingsFn == nil {
		settingsFn = DefaultBreakerSettings
	}
	return &BreakerRegistry{
		breakers: map[string]*gobreaker.CircuitBreaker{},
		settings: settingsFn,
	}
}

// DefaultBreakerSettings trips after 5 consecutive failures within a 60s
// window and probes again after 30s open.
func DefaultBreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
}

// Execute runs fn through the breaker registered under name, creating one
// lazily on first use.
func (r *BreakerRegistry) Execute(name string, fn func() (any, error)) (any, error) {
	r.mu.Lock()
	b, ok := r.breakers[name]
	if !ok {
		b = gobreaker.NewCircuitBreaker(r.settings(name))
		r.breakers[name] = b
	}
	r.mu.Unlock()

	result, err := b.Execute(fn)
	if err != nil {
		return nil, fmt.Errorf("httpx: breaker %q: %w", name, err)
	}
	return result, nil
}

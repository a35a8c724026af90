// Package RateLimit implements the process-wide token-bucket registry
// described in spec.md §4.2 and the §9 redesign flag "Implicit per-instance
// rate limiters": rather than each source client owning its own limiter (as
// the teacher's per-request httpWrapper does with ad hoc sleeps), one named
// resource registry keyed by endpoint family is initialized at program start
// and shared by every concurrent aggregate() call.
//
// Buckets are backed by golang.org/x/time/rate, whose Limiter already
// implements continuous refill at (max / window) and a context-aware Wait —
// exactly the semantics §4.2 and §5's cancellation requirement call for.
package RateLimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Family names the well-known endpoint buckets. NVD is the one limiter §4.2
// requires to be a process-wide singleton; other endpoints get an advisory
// bucket with a caller-supplied rate.
const (
	NVD = "nvd"
)

// Registry is the process-wide rate limiter registry. A single instance is
// constructed once at program start and attached to the shared
// HTTPFetch.Fetcher that every source client uses — it is the one justified
// global singleton per spec.md §9.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter *rate.Limiter
	max     int
	window  time.Duration
}

// NewRegistry constructs an empty registry. Call EnsureNVD (or Configure)
// before the first aggregate() call that touches NVD.
func NewRegistry() *Registry {
	return &Registry{buckets: make(map[string]*bucket)}
}

// Configure registers or upgrades the bucket for a given endpoint family.
// Per §4.2, reconfiguration is a monotonic upgrade only: it never lowers an
// existing bucket's capacity, and the current token count is kept at or
// below the new max.
func (r *Registry) Configure(family string, max int, window time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.buckets[family]
	if ok && existing.max >= max && existing.window == window {
		return
	}
	if ok && existing.max > max {
		// Monotonic upgrade only — never shrink an already-larger bucket.
		return
	}

	limit := rate.Every(window / time.Duration(max))
	r.buckets[family] = &bucket{
		limiter: rate.NewLimiter(limit, max),
		max:     max,
		window:  window,
	}
}

// EnsureNVD configures the NVD bucket the first time it is needed, selecting
// 5 tokens/30s without an API key or 50 tokens/30s with one, per §4.2.
func (r *Registry) EnsureNVD(hasAPIKey bool) {
	if hasAPIKey {
		r.Configure(NVD, 50, 30*time.Second)
	} else {
		r.Configure(NVD, 5, 30*time.Second)
	}
}

// Acquire blocks until one token is available for family, then consumes it.
// If no bucket has been configured for family, Acquire configures a
// permissive default (1 token per 100ms) so advisory-only endpoints never
// need an explicit Configure call. Acquire returns an error if ctx is
// cancelled while waiting — this is how §5's cancellation requirement
// reaches the rate limiter instead of blocking indefinitely.
func (r *Registry) Acquire(ctx context.Context, family string) error {
	r.mu.Lock()
	b, ok := r.buckets[family]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(10), 1), max: 1, window: 100 * time.Millisecond}
		r.buckets[family] = b
	}
	r.mu.Unlock()

	return b.limiter.Wait(ctx)
}

// Tokens reports the current token count available for family, as a
// fractional value (not rounded), mostly useful for tests asserting the singleton behaviour described
// in spec.md §8 ("100 concurrent aggregate() calls ... make ≤ 5 NVD requests
// in any 30-second window").
func (r *Registry) Tokens(family string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[family]
	if !ok {
		return 0
	}
	return b.limiter.Tokens()
}

// global is the single process-wide registry instance. Bootstrap.Build
// attaches it to the shared HTTPFetch.Fetcher via WithRateLimiter so
// concurrent product queries cooperate, matching §5's "rate limiters are
// shared across all workers in the process". A Fetcher built without
// WithRateLimiter applies no rate limiting; nothing falls back to this
// instance implicitly.
var (
	globalOnce sync.Once
	globalReg  *Registry
)

// Global returns the process-wide singleton registry, constructing it on
// first use.
func Global() *Registry {
	globalOnce.Do(func() {
		globalReg = NewRegistry()
	})
	return globalReg
}

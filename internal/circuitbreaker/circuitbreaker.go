// Package circuitbreaker implements the per-provider three-state circuit
// breaker (C6, spec.md §4.6 "the circuit breaker moves to OPEN after a
// threshold of consecutive failures; HALF_OPEN after a cooldown; CLOSED
// after a successful probe"). State is process-local and forgotten on
// restart (spec.md §3 invariant). The half-open single-probe gate is
// grounded on features/model/middleware/ratelimit.go's use of
// golang.org/x/time/rate to gate request admission; the optional
// cluster-observability publish follows the same file's pattern of an
// injectable goa.design/pulse/rmap-backed map, used here only so a
// dashboard aggregating multiple processes can see breaker state, never to
// make the trip/reset decision itself (spec.md §3 invariant: breaker state
// is process-local).
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// State is one of the three circuit-breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ClusterPublisher optionally mirrors breaker state to a shared map for
// cross-process observability (e.g. goa.design/pulse/rmap.Map.Set). It
// never influences the local trip/reset decision.
type ClusterPublisher interface {
	Publish(ctx context.Context, key string, state State)
}

// Breaker is a single provider's circuit breaker.
type Breaker struct {
	mu sync.Mutex

	name      string
	threshold int           // consecutive failures before tripping to OPEN
	cooldown  time.Duration // OPEN -> HALF_OPEN delay

	state           State
	consecutiveFail int
	openedAt        time.Time
	probeLimiter    *rate.Limiter // admits at most one probe per cooldown window while HALF_OPEN

	publisher ClusterPublisher
}

// New constructs a Breaker that trips after threshold consecutive failures
// and waits cooldown before allowing a single HALF_OPEN probe.
func New(name string, threshold int, cooldown time.Duration, publisher ClusterPublisher) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:         name,
		threshold:    threshold,
		cooldown:     cooldown,
		state:        StateClosed,
		probeLimiter: rate.NewLimiter(rate.Every(cooldown), 1),
		publisher:    publisher,
	}
}

// State returns the current state, transitioning OPEN -> HALF_OPEN if the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeExpireCooldownLocked()
	return b.state
}

func (b *Breaker) maybeExpireCooldownLocked() {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cooldown {
		b.state = StateHalfOpen
	}
}

// Allow reports whether a call may proceed: always in CLOSED, never in
// OPEN, and in HALF_OPEN only for the single admitted probe per cooldown
// window (gated by probeLimiter, mirroring the teacher's rate.Limiter-gated
// admission pattern).
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeExpireCooldownLocked()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return false
	case StateHalfOpen:
		return b.probeLimiter.Allow()
	default:
		return false
	}
}

// RecordSuccess resets the breaker to CLOSED on any success, including the
// single HALF_OPEN probe (spec.md §4.6: "CLOSED after a successful probe").
func (b *Breaker) RecordSuccess(ctx context.Context) {
	b.mu.Lock()
	b.consecutiveFail = 0
	changed := b.state != StateClosed
	b.state = StateClosed
	b.mu.Unlock()
	if changed {
		b.publish(ctx)
	}
}

// RecordFailure increments the consecutive-failure counter and trips to
// OPEN at threshold, or immediately re-opens a failed HALF_OPEN probe.
func (b *Breaker) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	b.consecutiveFail++
	tripped := false
	if b.state == StateHalfOpen || b.consecutiveFail >= b.threshold {
		if b.state != StateOpen {
			tripped = true
		}
		b.state = StateOpen
		b.openedAt = time.Now()
	}
	b.mu.Unlock()
	if tripped {
		b.publish(ctx)
	}
}

func (b *Breaker) publish(ctx context.Context) {
	if b.publisher == nil {
		return
	}
	b.publisher.Publish(ctx, b.name, b.State())
}

// Registry owns one Breaker per provider name.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	cooldown  time.Duration
	publisher ClusterPublisher
}

// NewRegistry constructs a Registry with shared defaults applied to every
// lazily-created Breaker.
func NewRegistry(threshold int, cooldown time.Duration, publisher ClusterPublisher) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		cooldown:  cooldown,
		publisher: publisher,
	}
}

// For returns (creating if needed) the Breaker for a provider name.
func (r *Registry) For(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.threshold, r.cooldown, r.publisher)
		r.breakers[name] = b
	}
	return b
}

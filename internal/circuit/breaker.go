// Package circuit implements the per-channel circuit breaker the scheduler
// consults before routing traffic to an upstream (spec §4.3).
package circuit

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the breaker's tagged-variant lifecycle state; never a bare string
// on the hot path.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Config tunes the breaker's thresholds; Registry applies Default() when a
// zero Config is supplied.
type Config struct {
	FailureThreshold    int           // consecutive retryable failures: closed -> open
	SuccessThreshold    int           // consecutive half-open successes: half-open -> closed
	OpenDuration        time.Duration // time in open before a probe is allowed
	HalfOpenMaxAttempts int           // concurrent half-open probes permitted
}

// Default returns spec §4.3's literal defaults (3 failures, 2 successes, 30s, 3 probes).
func Default() Config {
	return Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		OpenDuration:        30 * time.Second,
		HalfOpenMaxAttempts: 3,
	}
}

func (c Config) withDefaults() Config {
	d := Default()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = d.OpenDuration
	}
	if c.HalfOpenMaxAttempts <= 0 {
		c.HalfOpenMaxAttempts = d.HalfOpenMaxAttempts
	}
	return c
}

// breaker is one channel's circuit state. Not exported: callers only ever
// interact through Registry, which owns the map and its lock.
type breaker struct {
	cfg Config

	state               State
	consecutiveFailures int
	halfOpenSuccesses   int
	lastSuccess         time.Time
	lastFailure         time.Time
	openedAt            time.Time

	halfOpenInFlight int32 // atomic; released on both success and failure
}

// Registry owns one breaker per channel id, created lazily on first
// observation and living for the process lifetime.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*breaker
}

// NewRegistry builds a registry; a zero Config uses Default().
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg.withDefaults(), breakers: make(map[string]*breaker)}
}

func (r *Registry) get(channelID string) *breaker {
	b, ok := r.breakers[channelID]
	if !ok {
		b = &breaker{cfg: r.cfg, state: StateClosed}
		r.breakers[channelID] = b
	}
	return b
}

// transitionIfDue advances open -> half-open once OpenDuration has elapsed;
// called lazily from every read so no background timer is needed.
func (b *breaker) transitionIfDue(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.state = StateHalfOpen
		b.halfOpenSuccesses = 0
	}
}

// IsServing reports whether the channel is eligible for regular (uncapped)
// routing: true only for closed circuits. Half-open channels are routed
// exclusively through the scheduler's half-open probe fallback, which
// reserves a bounded slot via BeginProbe instead of taking unlimited traffic.
func (r *Registry) IsServing(channelID string) bool {
	return r.State(channelID) == StateClosed
}

// IsHalfOpen reports whether the channel is currently probing, the
// scheduler's step-4 fallback candidate.
func (r *Registry) IsHalfOpen(channelID string) bool {
	r.mu.Lock()
	b := r.get(channelID)
	b.transitionIfDue(time.Now())
	state := b.state
	r.mu.Unlock()
	return state == StateHalfOpen
}

// State returns the channel's current state (after lazy transition).
func (r *Registry) State(channelID string) State {
	r.mu.Lock()
	b := r.get(channelID)
	b.transitionIfDue(time.Now())
	state := b.state
	r.mu.Unlock()
	return state
}

// BeginProbe reserves a half-open probe slot; callers must call EndProbe
// exactly once when the attempt completes, regardless of outcome. It
// returns false if the channel is not half-open or the probe budget is
// exhausted, in which case EndProbe must not be called.
func (r *Registry) BeginProbe(channelID string) bool {
	r.mu.Lock()
	b := r.get(channelID)
	b.transitionIfDue(time.Now())
	isHalfOpen := b.state == StateHalfOpen
	r.mu.Unlock()
	if !isHalfOpen {
		return false
	}
	if atomic.AddInt32(&b.halfOpenInFlight, 1) > int32(b.cfg.HalfOpenMaxAttempts) {
		atomic.AddInt32(&b.halfOpenInFlight, -1)
		return false
	}
	return true
}

// EndProbe releases a slot reserved by a successful BeginProbe.
func (r *Registry) EndProbe(channelID string) {
	r.mu.Lock()
	b, ok := r.breakers[channelID]
	r.mu.Unlock()
	if ok {
		atomic.AddInt32(&b.halfOpenInFlight, -1)
	}
}

// RecordSuccess advances half-open -> closed after SuccessThreshold probes,
// and resets closed-state failure bookkeeping.
func (r *Registry) RecordSuccess(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(channelID)
	now := time.Now()
	b.transitionIfDue(now)
	b.lastSuccess = now

	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.consecutiveFailures = 0
			b.halfOpenSuccesses = 0
		}
	case StateClosed:
		b.consecutiveFailures = 0
	}
}

// RecordFailure records a failure. retryable must reflect whether the
// upstream status/error counts toward channel health (spec §4.3: a
// non-retryable 4xx records the timestamp but never advances the
// consecutive-failure counter or trips the breaker).
func (r *Registry) RecordFailure(channelID string, retryable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(channelID)
	now := time.Now()
	b.transitionIfDue(now)
	b.lastFailure = now

	if !retryable {
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.halfOpenSuccesses = 0
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateOpen:
		b.openedAt = now
	}
}

// Reset forces channelID back to closed with counters cleared.
func (r *Registry) Reset(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(channelID)
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.halfOpenSuccesses = 0
	atomic.StoreInt32(&b.halfOpenInFlight, 0)
}

// Snapshot describes a breaker's externally-visible state, for the
// control-plane schedulerStats operation.
type Snapshot struct {
	ChannelID           string
	State               State
	ConsecutiveFailures int
	LastSuccess         time.Time
	LastFailure         time.Time
	OpenedAt            time.Time
}

// Snapshots returns a point-in-time view of every known breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.breakers))
	now := time.Now()
	for id, b := range r.breakers {
		b.transitionIfDue(now)
		out = append(out, Snapshot{
			ChannelID:           id,
			State:               b.state,
			ConsecutiveFailures: b.consecutiveFailures,
			LastSuccess:         b.lastSuccess,
			LastFailure:         b.lastFailure,
			OpenedAt:            b.openedAt,
		})
	}
	return out
}

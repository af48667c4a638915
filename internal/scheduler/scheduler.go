// Package scheduler implements channel selection (spec §4.3): candidate
// filtering, user affinity, promotion-window preference, the circuit
// breaker gate, and per-(user,channel) API-key affinity.
package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/sanshao85/waveproxy/internal/channelmodel"
	"github.com/sanshao85/waveproxy/internal/circuit"
	"github.com/sanshao85/waveproxy/internal/config"
)

// ErrNoAvailableChannel is returned when every scheduling step exhausts its
// candidates; handlers translate this into the synthetic 503.
var ErrNoAvailableChannel = errors.New("scheduler: no available channel")

// Dialect-specific key-affinity TTLs, spec §3.
const (
	ClaudeKeyAffinityTTL = 5 * time.Minute
	CodexKeyAffinityTTL  = 15 * time.Minute
	GeminiKeyAffinityTTL = 15 * time.Minute
)

type keyAffinityEntry struct {
	key string
}

// Scheduler ties the channel model and circuit registry together behind one
// mutex for the selection scan; success/failure/affinity updates are short
// critical sections taken separately, never nested inside a selection scan.
type Scheduler struct {
	mu        sync.Mutex
	channels  *channelmodel.Manager
	breakers  *circuit.Registry
	userAff   *cache.Cache // userID -> channelID
	keyAff    *cache.Cache // userID + "\x00" + channelID -> keyAffinityEntry
}

// New builds a scheduler over an existing channel model, with its own
// circuit breaker registry.
func New(channels *channelmodel.Manager, breakerCfg circuit.Config) *Scheduler {
	return &Scheduler{
		channels: channels,
		breakers: circuit.NewRegistry(breakerCfg),
		userAff:  cache.New(30*time.Minute, 5*time.Minute),
		keyAff:   cache.New(GeminiKeyAffinityTTL, time.Minute),
	}
}

func keyAffKey(userID, channelID string) string { return userID + "\x00" + channelID }

// Select implements spec §4.3's five-step algorithm. The second return value
// reports whether the chosen channel was handed out as a half-open recovery
// probe (step 4): callers that hold it must release the reserved slot via
// EndProbe exactly once, on both success and failure, once the attempt
// completes.
func (s *Scheduler) Select(dialect config.Dialect, userID string, exclude map[string]bool) (config.Channel, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.channels.ActiveSorted(dialect)
	if len(candidates) == 0 {
		return config.Channel{}, false, ErrNoAvailableChannel
	}
	filtered := candidates[:0:0]
	for _, c := range candidates {
		if exclude != nil && exclude[c.ID] {
			continue
		}
		filtered = append(filtered, c)
	}
	if len(filtered) == 0 {
		return config.Channel{}, false, ErrNoAvailableChannel
	}

	// Step 2: user affinity, if still a live candidate and serving (closed
	// circuit only — a half-open affinity channel falls through to step 4).
	if userID != "" {
		if v, ok := s.userAff.Get(userID); ok {
			affChannelID := v.(string)
			for _, c := range filtered {
				if c.ID == affChannelID && s.breakers.IsServing(affChannelID) {
					ch, found := s.channels.Get(dialect, c.Index)
					if found {
						s.userAff.Set(userID, ch.ID, cache.DefaultExpiration)
						return ch, false, nil
					}
				}
			}
		}
	}

	// Step 3: priority scan, preferring promotion-window channels first,
	// restricted to closed circuits.
	if ch, ok := s.scanPreferringPromotion(dialect, filtered); ok {
		s.setUserAffinityLocked(userID, ch.ID)
		return ch, false, nil
	}

	// Step 4: half-open probe fallback. Each candidate needs its own
	// reserved slot; a half-open channel with no free slot is skipped
	// rather than handed out as unbounded traffic.
	for _, c := range filtered {
		if !s.breakers.IsHalfOpen(c.ID) {
			continue
		}
		if !s.breakers.BeginProbe(c.ID) {
			continue
		}
		ch, found := s.channels.Get(dialect, c.Index)
		if !found {
			s.breakers.EndProbe(c.ID)
			continue
		}
		s.setUserAffinityLocked(userID, ch.ID)
		return ch, true, nil
	}

	return config.Channel{}, false, ErrNoAvailableChannel
}

func (s *Scheduler) scanPreferringPromotion(dialect config.Dialect, candidates []channelmodel.ChannelInfo) (config.Channel, bool) {
	// Resolve full channels once so promotion status and serving status
	// share one view, then prefer promoted channels over the rest while
	// keeping priority order within each group.
	var promoted, rest []config.Channel
	for _, c := range candidates {
		if !s.breakers.IsServing(c.ID) {
			continue
		}
		ch, found := s.channels.Get(dialect, c.Index)
		if !found {
			continue
		}
		if ch.IsInPromotion() {
			promoted = append(promoted, ch)
		} else {
			rest = append(rest, ch)
		}
	}
	if len(promoted) > 0 {
		return promoted[0], true
	}
	if len(rest) > 0 {
		return rest[0], true
	}
	return config.Channel{}, false
}

func (s *Scheduler) setUserAffinityLocked(userID, channelID string) {
	if userID == "" {
		return
	}
	s.userAff.Set(userID, channelID, cache.DefaultExpiration)
}

// RecordSuccess forwards to the circuit breaker.
func (s *Scheduler) RecordSuccess(channelID string) { s.breakers.RecordSuccess(channelID) }

// RecordFailure forwards to the circuit breaker.
func (s *Scheduler) RecordFailure(channelID string, retryable bool) {
	s.breakers.RecordFailure(channelID, retryable)
}

// Reset manually resets channelID's circuit breaker.
func (s *Scheduler) Reset(channelID string) { s.breakers.Reset(channelID) }

// EndProbe releases a half-open probe slot reserved by Select. Callers must
// invoke it exactly once for every Select call that returned probeReserved
// true, regardless of whether the attempt succeeded or failed.
func (s *Scheduler) EndProbe(channelID string) { s.breakers.EndProbe(channelID) }

// Breakers exposes the circuit registry for schedulerStats reporting.
func (s *Scheduler) Breakers() *circuit.Registry { return s.breakers }

// GetKeyAffinity returns the sticky API key for (userID, channelID) if set
// and not expired.
func (s *Scheduler) GetKeyAffinity(userID, channelID string) (string, bool) {
	if userID == "" {
		return "", false
	}
	v, ok := s.keyAff.Get(keyAffKey(userID, channelID))
	if !ok {
		return "", false
	}
	return v.(keyAffinityEntry).key, true
}

// SetKeyAffinity stores key as the sticky choice for (userID, channelID)
// with the given TTL.
func (s *Scheduler) SetKeyAffinity(userID, channelID, key string, ttl time.Duration) {
	if userID == "" || key == "" {
		return
	}
	s.keyAff.Set(keyAffKey(userID, channelID), keyAffinityEntry{key: key}, ttl)
}

// KeyAffinityTTLForDialect resolves the dialect-specific TTL spec §3 names.
func KeyAffinityTTLForDialect(dialect config.Dialect, serviceType config.ServiceType) time.Duration {
	switch {
	case dialect == config.DialectResponses:
		return CodexKeyAffinityTTL
	case dialect == config.DialectGemini:
		return GeminiKeyAffinityTTL
	default:
		return ClaudeKeyAffinityTTL
	}
}

// OrderKeysWithAffinity rotates affinityKey to the front of keys if present,
// otherwise returns keys unchanged.
func OrderKeysWithAffinity(keys []string, affinityKey string) []string {
	if affinityKey == "" {
		return keys
	}
	idx := -1
	for i, k := range keys {
		if k == affinityKey {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return keys
	}
	out := make([]string, 0, len(keys))
	out = append(out, keys[idx])
	out = append(out, keys[:idx]...)
	out = append(out, keys[idx+1:]...)
	return out
}

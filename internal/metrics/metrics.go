// Package metrics implements the in-memory per-channel counters and global
// roll-up spec §4.7 requires, with an additive Prometheus exposition layer
// (SPEC_FULL.md DOMAIN STACK) that mirrors the same observations.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ChannelMetrics is one channel's observed counters.
type ChannelMetrics struct {
	ChannelID           string
	Requests            int64
	Success             int64
	Failure             int64
	ConsecutiveFailures int64
	Broken              bool
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	AvgLatencyMs        float64
}

// GlobalStats is the control-plane globalStats operation's payload.
type GlobalStats struct {
	TotalRequests int64
	SuccessCount  int64
	FailureCount  int64
	SuccessRate   float64
	ChannelCount  int
}

type channelState struct {
	requests, success, failure, consecutiveFailures int64
	inputTokens, outputTokens                       int64
	cacheRead, cacheCreation                         int64
	avgLatencyMs                                     float64
	windowSize                                       int
	failureThreshold                                 float64
}

// Manager owns the per-channel counter map and the global roll-up. A
// channel is "broken" once it has at least windowSize observations and its
// failure ratio meets failureThreshold. The ratio is taken over every
// observation since the channel was first seen (or last Reset), not over the
// most recent windowSize only. It is an additional, softer signal than the
// circuit breaker, surfaced only through the metrics read path.
type Manager struct {
	mu                sync.Mutex
	windowSize        int
	failureThreshold  float64
	channels          map[string]*channelState
	totalRequests     int64
	totalSuccess      int64
	totalFailure      int64

	registry *prometheus.Registry
	prom     *promVecs
}

// NewManager builds a metrics manager; windowSize and failureThreshold come
// from config.Document (clamped by Document.Validate before reaching here).
func NewManager(windowSize int, failureThreshold float64) *Manager {
	if windowSize < 3 {
		windowSize = 3
	}
	if failureThreshold <= 0 || failureThreshold > 1 {
		failureThreshold = 0.5
	}
	registry := prometheus.NewRegistry()
	return &Manager{
		windowSize:       windowSize,
		failureThreshold: failureThreshold,
		channels:         make(map[string]*channelState),
		registry:         registry,
		prom:             newPromVecs(registry),
	}
}

// Gatherer exposes the private Prometheus registry backing this manager's
// metrics, for an HTTP /metrics handler to scrape.
func (m *Manager) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Manager) state(channelID string) *channelState {
	s, ok := m.channels[channelID]
	if !ok {
		s = &channelState{windowSize: m.windowSize, failureThreshold: m.failureThreshold}
		m.channels[channelID] = s
	}
	return s
}

// RecordRequest observes one completed attempt against channelID.
func (m *Manager) RecordRequest(channelID string, success bool, latencyMs float64, inputTokens, outputTokens, cacheRead, cacheCreation int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state(channelID)
	s.requests++
	m.totalRequests++
	if success {
		s.success++
		s.consecutiveFailures = 0
		m.totalSuccess++
	} else {
		s.failure++
		s.consecutiveFailures++
		m.totalFailure++
	}
	s.inputTokens += inputTokens
	s.outputTokens += outputTokens
	s.cacheRead += cacheRead
	s.cacheCreation += cacheCreation

	// Simple running mean, as spec §4.7 specifies.
	if s.requests == 1 {
		s.avgLatencyMs = latencyMs
	} else {
		s.avgLatencyMs += (latencyMs - s.avgLatencyMs) / float64(s.requests)
	}

	m.prom.observe(channelID, success, latencyMs, inputTokens, outputTokens)
}

func (s *channelState) broken() bool {
	if s.requests == 0 || int64(s.windowSize) > s.requests {
		return false
	}
	ratio := float64(s.failure) / float64(s.requests)
	return ratio >= s.failureThreshold
}

// Channel returns a snapshot for one channel, or false if never observed.
func (m *Manager) Channel(channelID string) (ChannelMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.channels[channelID]
	if !ok {
		return ChannelMetrics{}, false
	}
	return toSnapshot(channelID, s), true
}

// All returns a snapshot of every observed channel.
func (m *Manager) All() []ChannelMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChannelMetrics, 0, len(m.channels))
	for id, s := range m.channels {
		out = append(out, toSnapshot(id, s))
	}
	return out
}

func toSnapshot(id string, s *channelState) ChannelMetrics {
	return ChannelMetrics{
		ChannelID:           id,
		Requests:            s.requests,
		Success:             s.success,
		Failure:             s.failure,
		ConsecutiveFailures: s.consecutiveFailures,
		Broken:              s.broken(),
		InputTokens:         s.inputTokens,
		OutputTokens:        s.outputTokens,
		CacheReadTokens:     s.cacheRead,
		CacheCreationTokens: s.cacheCreation,
		AvgLatencyMs:        s.avgLatencyMs,
	}
}

// Global returns the process-wide roll-up.
func (m *Manager) Global() GlobalStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := GlobalStats{
		TotalRequests: m.totalRequests,
		SuccessCount:  m.totalSuccess,
		FailureCount:  m.totalFailure,
		ChannelCount:  len(m.channels),
	}
	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.TotalRequests)
	}
	return stats
}

// Reset removes channelID's counters entirely (control-plane schedulerReset
// touches the circuit registry separately; this clears the metrics view).
func (m *Manager) Reset(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, channelID)
}

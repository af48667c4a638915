// Package channelmodel exposes the per-dialect channel lists as CRUD plus the
// derived "active channels sorted" view the scheduler consumes, and the
// cross-list service-type fallback that lets a dialect borrow channels
// configured under a different dialect's list.
package channelmodel

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/sanshao85/waveproxy/internal/config"
)

// ChannelInfo is the active-sorted view the scheduler scans: just enough to
// rank and look a channel back up by Index.
type ChannelInfo struct {
	Index    int
	ID       string
	Name     string
	Priority int
	Status   config.ChannelStatus
}

// Manager provides channel CRUD and the scheduling view on top of a config
// store; it holds no channel state of its own so a config hot-reload is
// immediately visible without a separate resync step.
type Manager struct {
	store *config.Store

	failedKeys *cache.Cache
}

const (
	keyRecoveryTime  = 5 * time.Minute
	maxKeyFailures   = 3
	keyFailureDouble = keyRecoveryTime * 2
)

// NewManager builds a channel model over store.
func NewManager(store *config.Store) *Manager {
	return &Manager{
		store:      store,
		failedKeys: cache.New(keyFailureDouble, time.Minute),
	}
}

func normalizedServiceType(serviceType config.ServiceType, fallback config.ServiceType) config.ServiceType {
	normalized := config.ServiceType(strings.ToLower(strings.TrimSpace(string(serviceType))))
	if normalized == "" {
		return fallback
	}
	return normalized
}

func filterByServiceType(channels []config.Channel, want, fallback config.ServiceType) []config.Channel {
	if len(channels) == 0 {
		return nil
	}
	var out []config.Channel
	for _, ch := range channels {
		if normalizedServiceType(ch.ServiceType, fallback) == want {
			out = append(out, ch)
		}
	}
	return out
}

// channelsFor resolves the candidate list for a dialect, applying the
// cross-list service-type fallback: Messages prefers claude channels from
// its own list, then claude-tagged channels misplaced under responses;
// Responses prefers openai channels (responses list, then messages list),
// then falls back to claude channels (bridge mode); Gemini never borrows.
func channelsFor(doc *config.Document, dialect config.Dialect) []config.Channel {
	switch dialect {
	case config.DialectMessages:
		if claude := filterByServiceType(doc.Channels, config.ServiceClaude, config.ServiceClaude); len(claude) > 0 {
			return claude
		}
		if claude := filterByServiceType(doc.ResponseChannels, config.ServiceClaude, config.ServiceOpenAI); len(claude) > 0 {
			return claude
		}
		return nil
	case config.DialectResponses:
		if openai := filterByServiceType(doc.ResponseChannels, config.ServiceOpenAI, config.ServiceOpenAI); len(openai) > 0 {
			return openai
		}
		if openai := filterByServiceType(doc.Channels, config.ServiceOpenAI, config.ServiceClaude); len(openai) > 0 {
			return openai
		}
		if claude := filterByServiceType(doc.ResponseChannels, config.ServiceClaude, config.ServiceOpenAI); len(claude) > 0 {
			return claude
		}
		if claude := filterByServiceType(doc.Channels, config.ServiceClaude, config.ServiceClaude); len(claude) > 0 {
			return claude
		}
		return nil
	case config.DialectGemini:
		return filterByServiceType(doc.GeminiChannels, config.ServiceGemini, config.ServiceGemini)
	default:
		return nil
	}
}

// List returns a copy of the channels serving dialect (after fallback).
func (m *Manager) List(dialect config.Dialect) []config.Channel {
	channels := channelsFor(m.store.Get(), dialect)
	out := make([]config.Channel, len(channels))
	for i := range channels {
		out[i] = *channels[i].Clone()
	}
	return out
}

// Get returns the channel at index within dialect's resolved list.
func (m *Manager) Get(dialect config.Dialect, index int) (config.Channel, bool) {
	channels := channelsFor(m.store.Get(), dialect)
	if index < 0 || index >= len(channels) {
		return config.Channel{}, false
	}
	return *channels[index].Clone(), true
}

// ActiveSorted returns the active-candidate view: status=="active" only,
// sorted by effective priority (0 resolves to list index) ascending.
func (m *Manager) ActiveSorted(dialect config.Dialect) []ChannelInfo {
	channels := channelsFor(m.store.Get(), dialect)
	if len(channels) == 0 {
		return nil
	}

	var active []ChannelInfo
	for i, ch := range channels {
		if ch.Status != config.StatusActive {
			continue
		}
		priority := ch.Priority
		if priority == 0 {
			priority = i
		}
		active = append(active, ChannelInfo{
			Index: i, ID: ch.ID, Name: ch.Name, Priority: priority, Status: ch.Status,
		})
	}

	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Priority < active[j].Priority
	})
	return active
}

// Add appends ch to dialect's own list (never the fallback-borrowed list),
// generating an id if one was not supplied.
func (m *Manager) Add(dialect config.Dialect, ch config.Channel) (config.Channel, error) {
	if ch.ID == "" {
		ch.ID = "ch_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	}
	ch.Dialect = dialect
	err := m.store.Mutate(func(doc *config.Document) error {
		doc.SetChannelsFor(dialect, append(doc.ChannelsFor(dialect), ch))
		return nil
	})
	return ch, err
}

// Update replaces the channel at index in dialect's own list.
func (m *Manager) Update(dialect config.Dialect, index int, ch config.Channel) error {
	return m.store.Mutate(func(doc *config.Document) error {
		list := doc.ChannelsFor(dialect)
		if index < 0 || index >= len(list) {
			return fmt.Errorf("channelmodel: index %d out of range for dialect %s", index, dialect)
		}
		ch.ID = list[index].ID
		ch.Dialect = dialect
		list[index] = ch
		doc.SetChannelsFor(dialect, list)
		return nil
	})
}

// Delete removes the channel at index from dialect's own list.
func (m *Manager) Delete(dialect config.Dialect, index int) error {
	return m.store.Mutate(func(doc *config.Document) error {
		list := doc.ChannelsFor(dialect)
		if index < 0 || index >= len(list) {
			return fmt.Errorf("channelmodel: index %d out of range for dialect %s", index, dialect)
		}
		list = append(list[:index], list[index+1:]...)
		doc.SetChannelsFor(dialect, list)
		return nil
	})
}

type keyFailure struct {
	at    time.Time
	count int
}

// MarkKeyFailed records a retryable-with-another-key failure for key,
// doubling its recovery window once it has failed more than maxKeyFailures
// times in a row. Handlers call this when rotating off a key after a 401,
// 403, or 429 rather than treating the failure as the channel's problem.
func (m *Manager) MarkKeyFailed(key string) {
	f := keyFailure{at: time.Now(), count: 1}
	if prev, ok := m.failedKeys.Get(key); ok {
		f = prev.(keyFailure)
		f.count++
		f.at = time.Now()
	}
	ttl := keyRecoveryTime
	if f.count > maxKeyFailures {
		ttl = keyFailureDouble
	}
	m.failedKeys.Set(key, f, ttl)
}

// OrderKeysByHealth moves keys still inside their failure cooldown to the
// back, cooling-down keys ordered oldest-failure-first so the one most
// likely to have recovered is tried before the others. Keys never marked
// failed (or whose cooldown has expired) keep their relative order in front.
// Called before affinity rotation so a sticky key still wins over cooldown
// ordering; this only shapes the order among keys affinity doesn't pin.
func (m *Manager) OrderKeysByHealth(keys []string) []string {
	if len(keys) < 2 {
		return keys
	}
	var healthy, cooling []string
	for _, key := range keys {
		if _, failing := m.failedKeys.Get(key); failing {
			cooling = append(cooling, key)
		} else {
			healthy = append(healthy, key)
		}
	}
	if len(cooling) == 0 {
		return keys
	}
	sort.SliceStable(cooling, func(i, j int) bool {
		ai, _ := m.failedKeys.Get(cooling[i])
		aj, _ := m.failedKeys.Get(cooling[j])
		return ai.(keyFailure).at.Before(aj.(keyFailure).at)
	})
	return append(healthy, cooling...)
}

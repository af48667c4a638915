package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanshao85/waveproxy/internal/channelmodel"
	"github.com/sanshao85/waveproxy/internal/circuit"
	"github.com/sanshao85/waveproxy/internal/config"
)

func newTestScheduler(t *testing.T, channels []config.Channel) *Scheduler {
	t.Helper()
	store, err := config.Open(filepath.Join(t.TempDir(), "waveproxy.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Mutate(func(d *config.Document) error {
		d.Channels = channels
		return nil
	}))
	cm := channelmodel.NewManager(store)
	return New(cm, circuit.Default())
}

func TestSelectReturnsErrorWhenNoCandidates(t *testing.T) {
	s := newTestScheduler(t, nil)
	_, _, err := s.Select(config.DialectMessages, "", nil)
	assert.ErrorIs(t, err, ErrNoAvailableChannel)
}

func TestSelectPrefersLowerPriority(t *testing.T) {
	s := newTestScheduler(t, []config.Channel{
		{ID: "low", ServiceType: config.ServiceClaude, Status: config.StatusActive, Priority: 2},
		{ID: "high", ServiceType: config.ServiceClaude, Status: config.StatusActive, Priority: 1},
	})
	ch, _, err := s.Select(config.DialectMessages, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "high", ch.ID)
}

func TestSelectPrefersPromotionWindow(t *testing.T) {
	future := time.Now().Add(time.Hour)
	s := newTestScheduler(t, []config.Channel{
		{ID: "default", ServiceType: config.ServiceClaude, Status: config.StatusActive, Priority: 1},
		{ID: "promoted", ServiceType: config.ServiceClaude, Status: config.StatusActive, Priority: 9, PromotionUntil: &future},
	})
	ch, _, err := s.Select(config.DialectMessages, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "promoted", ch.ID)
}

func TestSelectSkipsExcluded(t *testing.T) {
	s := newTestScheduler(t, []config.Channel{
		{ID: "a", ServiceType: config.ServiceClaude, Status: config.StatusActive, Priority: 1},
		{ID: "b", ServiceType: config.ServiceClaude, Status: config.StatusActive, Priority: 2},
	})
	ch, _, err := s.Select(config.DialectMessages, "", map[string]bool{"a": true})
	require.NoError(t, err)
	assert.Equal(t, "b", ch.ID)
}

func TestSelectSkipsOpenCircuits(t *testing.T) {
	s := newTestScheduler(t, []config.Channel{
		{ID: "a", ServiceType: config.ServiceClaude, Status: config.StatusActive, Priority: 1},
		{ID: "b", ServiceType: config.ServiceClaude, Status: config.StatusActive, Priority: 2},
	})
	s.RecordFailure("a", true)
	s.RecordFailure("a", true)
	s.RecordFailure("a", true)
	ch, _, err := s.Select(config.DialectMessages, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "b", ch.ID)
}

func TestSelectUsesUserAffinity(t *testing.T) {
	s := newTestScheduler(t, []config.Channel{
		{ID: "a", ServiceType: config.ServiceClaude, Status: config.StatusActive, Priority: 1},
		{ID: "b", ServiceType: config.ServiceClaude, Status: config.StatusActive, Priority: 2},
	})
	// Route the user to "b" by excluding "a" once.
	first, _, err := s.Select(config.DialectMessages, "user-1", map[string]bool{"a": true})
	require.NoError(t, err)
	assert.Equal(t, "b", first.ID)

	// Even though "a" still outranks "b" on priority, affinity should pin
	// future requests from the same user to whatever they were last routed
	// to, as long as it's still serving.
	second, _, err := s.Select(config.DialectMessages, "user-1", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestKeyAffinitySetAndGet(t *testing.T) {
	s := newTestScheduler(t, nil)
	_, ok := s.GetKeyAffinity("u1", "c1")
	assert.False(t, ok)

	s.SetKeyAffinity("u1", "c1", "sk-a", time.Minute)
	key, ok := s.GetKeyAffinity("u1", "c1")
	require.True(t, ok)
	assert.Equal(t, "sk-a", key)
}

func TestOrderKeysWithAffinityRotatesToFront(t *testing.T) {
	keys := []string{"a", "b", "c"}
	assert.Equal(t, []string{"b", "a", "c"}, OrderKeysWithAffinity(keys, "b"))
	assert.Equal(t, keys, OrderKeysWithAffinity(keys, "not-present"))
	assert.Equal(t, keys, OrderKeysWithAffinity(keys, ""))
}

func TestSelectPrefersClosedOverHigherPriorityHalfOpen(t *testing.T) {
	store, err := config.Open(filepath.Join(t.TempDir(), "waveproxy.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Mutate(func(d *config.Document) error {
		d.Channels = []config.Channel{
			{ID: "closed", ServiceType: config.ServiceClaude, Status: config.StatusActive, Priority: 5},
			{ID: "recovering", ServiceType: config.ServiceClaude, Status: config.StatusActive, Priority: 1},
		}
		return nil
	}))
	cm := channelmodel.NewManager(store)
	s := New(cm, circuit.Config{OpenDuration: time.Millisecond})

	s.RecordFailure("recovering", true)
	s.RecordFailure("recovering", true)
	s.RecordFailure("recovering", true)
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, circuit.StateHalfOpen, s.Breakers().State("recovering"))

	// Despite its lower priority number, the still-recovering channel must
	// not receive uncapped step-3 traffic; step 3 is closed-only.
	ch, probeReserved, err := s.Select(config.DialectMessages, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "closed", ch.ID)
	assert.False(t, probeReserved)
}

func TestSelectHalfOpenFallbackReservesAndBoundsProbeSlots(t *testing.T) {
	store, err := config.Open(filepath.Join(t.TempDir(), "waveproxy.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Mutate(func(d *config.Document) error {
		d.Channels = []config.Channel{
			{ID: "a", ServiceType: config.ServiceClaude, Status: config.StatusActive},
		}
		return nil
	}))
	cm := channelmodel.NewManager(store)
	s := New(cm, circuit.Config{OpenDuration: time.Millisecond, HalfOpenMaxAttempts: 1})

	s.RecordFailure("a", true)
	s.RecordFailure("a", true)
	s.RecordFailure("a", true)
	time.Sleep(5 * time.Millisecond)

	ch, probeReserved, err := s.Select(config.DialectMessages, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "a", ch.ID)
	assert.True(t, probeReserved, "the only candidate is half-open, so its probe slot must be reserved")

	// The single probe slot is in use; a second concurrent selection must
	// exhaust step 4 and report no available channel rather than
	// over-subscribing the probe budget.
	_, _, err = s.Select(config.DialectMessages, "", nil)
	assert.ErrorIs(t, err, ErrNoAvailableChannel)

	s.EndProbe("a")
	_, probeReserved, err = s.Select(config.DialectMessages, "", nil)
	require.NoError(t, err)
	assert.True(t, probeReserved, "slot is available again after EndProbe")
}

func TestManualResetAllowsImmediateReuse(t *testing.T) {
	s := newTestScheduler(t, []config.Channel{
		{ID: "a", ServiceType: config.ServiceClaude, Status: config.StatusActive},
	})
	s.RecordFailure("a", true)
	s.RecordFailure("a", true)
	s.RecordFailure("a", true)
	_, _, err := s.Select(config.DialectMessages, "", nil)
	assert.ErrorIs(t, err, ErrNoAvailableChannel)

	s.Reset("a")
	ch, _, err := s.Select(config.DialectMessages, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "a", ch.ID)
}

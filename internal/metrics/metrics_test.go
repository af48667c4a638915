package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRequestAccumulatesCounters(t *testing.T) {
	m := NewManager(10, 0.5)
	m.RecordRequest("c1", true, 100, 10, 20, 0, 0)
	m.RecordRequest("c1", false, 200, 0, 0, 0, 0)

	snap, ok := m.Channel("c1")
	require.True(t, ok)
	assert.Equal(t, int64(2), snap.Requests)
	assert.Equal(t, int64(1), snap.Success)
	assert.Equal(t, int64(1), snap.Failure)
	assert.Equal(t, int64(1), snap.ConsecutiveFailures)
	assert.Equal(t, int64(10), snap.InputTokens)
	assert.Equal(t, int64(20), snap.OutputTokens)
	assert.InDelta(t, 150, snap.AvgLatencyMs, 0.001)
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	m := NewManager(10, 0.5)
	m.RecordRequest("c1", false, 1, 0, 0, 0, 0)
	m.RecordRequest("c1", false, 1, 0, 0, 0, 0)
	m.RecordRequest("c1", true, 1, 0, 0, 0, 0)
	snap, _ := m.Channel("c1")
	assert.Equal(t, int64(0), snap.ConsecutiveFailures)
}

func TestGlobalRollUp(t *testing.T) {
	m := NewManager(10, 0.5)
	m.RecordRequest("a", true, 1, 0, 0, 0, 0)
	m.RecordRequest("b", false, 1, 0, 0, 0, 0)
	g := m.Global()
	assert.Equal(t, int64(2), g.TotalRequests)
	assert.Equal(t, int64(1), g.SuccessCount)
	assert.Equal(t, int64(1), g.FailureCount)
	assert.Equal(t, 2, g.ChannelCount)
	assert.InDelta(t, 0.5, g.SuccessRate, 0.001)
}

func TestResetClearsChannel(t *testing.T) {
	m := NewManager(10, 0.5)
	m.RecordRequest("c1", true, 1, 0, 0, 0, 0)
	m.Reset("c1")
	_, ok := m.Channel("c1")
	assert.False(t, ok)
}

func TestBrokenFlagTripsAtFailureThreshold(t *testing.T) {
	m := NewManager(4, 0.5)
	for i := 0; i < 2; i++ {
		m.RecordRequest("c1", true, 1, 0, 0, 0, 0)
	}
	for i := 0; i < 2; i++ {
		m.RecordRequest("c1", false, 1, 0, 0, 0, 0)
	}
	snap, _ := m.Channel("c1")
	assert.True(t, snap.Broken)
}

package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRequestAssignsMonotonicIDs(t *testing.T) {
	m := NewManager(10)
	r1 := m.RecordRequest("c1", "messages", "m", true, 1, 1, 1, "", "")
	r2 := m.RecordRequest("c1", "messages", "m", true, 1, 1, 1, "", "")
	assert.Less(t, r1.ID, r2.ID)
}

func TestCapacityDropsOldest(t *testing.T) {
	m := NewManager(2)
	m.RecordRequest("c1", "messages", "m", true, 1, 0, 0, "", "")
	m.RecordRequest("c1", "messages", "m", true, 1, 0, 0, "", "")
	m.RecordRequest("c1", "messages", "m", true, 1, 0, 0, "", "")
	records, total := m.Query(0, 0, "", nil)
	assert.Equal(t, 2, total)
	assert.Len(t, records, 2)
}

func TestQueryFiltersByChannelAndStatus(t *testing.T) {
	m := NewManager(10)
	m.RecordRequest("a", "messages", "m", true, 1, 0, 0, "", "")
	m.RecordRequest("b", "messages", "m", false, 1, 0, 0, "err", "details")

	records, total := m.Query(10, 0, "a", nil)
	require.Equal(t, 1, total)
	assert.Equal(t, "a", records[0].ChannelID)

	failed := false
	records, total = m.Query(10, 0, "", &failed)
	require.Equal(t, 1, total)
	assert.Equal(t, "b", records[0].ChannelID)
}

func TestQueryOrdersNewestFirstAndPaginates(t *testing.T) {
	m := NewManager(10)
	m.RecordRequest("a", "messages", "m1", true, 1, 0, 0, "", "")
	m.RecordRequest("a", "messages", "m2", true, 1, 0, 0, "", "")
	m.RecordRequest("a", "messages", "m3", true, 1, 0, 0, "", "")

	records, total := m.Query(2, 0, "", nil)
	require.Equal(t, 3, total)
	require.Len(t, records, 2)
	assert.Equal(t, "m3", records[0].Model)
	assert.Equal(t, "m2", records[1].Model)

	records, _ = m.Query(2, 2, "", nil)
	require.Len(t, records, 1)
	assert.Equal(t, "m1", records[0].Model)
}

func TestClearEmptiesHistory(t *testing.T) {
	m := NewManager(10)
	m.RecordRequest("a", "messages", "m", true, 1, 0, 0, "", "")
	m.Clear()
	_, total := m.Query(10, 0, "", nil)
	assert.Equal(t, 0, total)
}

func TestErrorDetailsTruncatedTo8KiB(t *testing.T) {
	m := NewManager(10)
	big := make([]byte, 9000)
	for i := range big {
		big[i] = 'x'
	}
	rec := m.RecordRequest("a", "messages", "m", false, 1, 0, 0, "boom", string(big))
	assert.LessOrEqual(t, len(rec.ErrorDetails), 8*1024)
}

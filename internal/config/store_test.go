package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreOpenMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "waveproxy.json"))
	require.NoError(t, err)
	defer s.Close()

	doc := s.Get()
	assert.Equal(t, 3000, doc.Port)
	assert.Empty(t, doc.Channels)
}

func TestStoreUpdatePersistsAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "waveproxy.json")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	err = s.Mutate(func(d *Document) error {
		d.Channels = append(d.Channels, Channel{
			ID: "c1", Dialect: DialectMessages, ServiceType: ServiceClaude,
			Status: StatusActive, APIKeys: []APIKey{{Key: "sk-1", Enabled: true}},
		})
		return nil
	})
	require.NoError(t, err)

	// No stray temp files should remain once persist() succeeds.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "waveproxy.json", entries[0].Name())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	doc := reopened.Get()
	require.Len(t, doc.Channels, 1)
	assert.Equal(t, "c1", doc.Channels[0].ID)
	assert.Equal(t, []APIKey{{Key: "sk-1", Enabled: true}}, doc.Channels[0].APIKeys)
}

func TestStoreUpdateRejectsInvalidDocument(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "waveproxy.json"))
	require.NoError(t, err)
	defer s.Close()

	err = s.Mutate(func(d *Document) error {
		d.Port = -1
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, 3000, s.Get().Port, "rejected mutation must not change stored state")
}

func TestStoreOpenCreatesMissingParentDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config", "waveproxy.json")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Mutate(func(d *Document) error { d.Port = 4001; return nil }))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.False(t, info.IsDir())
}

func TestDefaultPathEndsInWaveproxyJSON(t *testing.T) {
	path, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, "waveproxy.json", filepath.Base(path))
	assert.Equal(t, "waveproxy", filepath.Base(filepath.Dir(path)))
}

func TestStoreOnChangeFiresOnUpdate(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "waveproxy.json"))
	require.NoError(t, err)
	defer s.Close()

	seen := make(chan int, 1)
	s.OnChange(func(d *Document) { seen <- d.Port })

	require.NoError(t, s.Mutate(func(d *Document) error { d.Port = 4000; return nil }))
	select {
	case port := <-seen:
		assert.Equal(t, 4000, port)
	default:
		t.Fatal("onChange callback did not fire")
	}
}

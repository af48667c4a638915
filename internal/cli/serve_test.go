package cli

import (
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanshao85/waveproxy/internal/config"
)

func newStoreForFlagsTest(t *testing.T) *config.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := config.Open(filepath.Join(dir, "waveproxy.json"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestApplyServeFlagsOnlyWritesExplicitlySetFlags(t *testing.T) {
	store := newStoreForFlagsTest(t)

	cmd := &cobra.Command{}
	var port int
	cmd.Flags().IntVar(&port, "port", 0, "")
	require.NoError(t, cmd.Flags().Set("port", "4100"))

	require.NoError(t, applyServeFlags(cmd, store, 4100, "", false, false))

	doc := store.Get()
	assert.Equal(t, 4100, doc.Port)
	assert.Empty(t, doc.AccessKey)
}

func TestApplyServeFlagsNoOpWhenNothingChanged(t *testing.T) {
	store := newStoreForFlagsTest(t)

	cmd := &cobra.Command{}
	var port int
	cmd.Flags().IntVar(&port, "port", 0, "")

	require.NoError(t, applyServeFlags(cmd, store, 0, "", false, false))
	assert.Equal(t, 3000, store.Get().Port)
}

func TestNewServeCmdRegistersExpectedFlags(t *testing.T) {
	cmd := newServeCmd()
	for _, name := range []string{"port", "access-key", "debug", "log-to-file", "keep-alive-timeout", "keep-alive-password"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "expected flag %q to be registered", name)
	}
}

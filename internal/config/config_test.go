package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"game-update-engine/internal/storage"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "config.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewManager(store)
}

func TestDefaultsWhenUnset(t *testing.T) {
	m := newManager(t)
	assert.Equal(t, DefaultControlPort, m.ControlPort())
	assert.Equal(t, DefaultMaxConcurrentDownloads, m.MaxConcurrentDownloads())
	assert.Equal(t, DefaultGlobalBandwidthLimitBps, m.GlobalBandwidthLimitBps())
	assert.True(t, m.EnableIntegrityCheck())
	assert.False(t, m.PreRelease())
}

func TestRoundTripSettings(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.SetRepositoryBaseURL("https://cytrus.example.com"))
	require.NoError(t, m.SetControlPort(9000))
	require.NoError(t, m.SetPreRelease(true))
	require.NoError(t, m.SetEnableIntegrityCheck(false))

	assert.Equal(t, "https://cytrus.example.com", m.RepositoryBaseURL())
	assert.Equal(t, 9000, m.ControlPort())
	assert.True(t, m.PreRelease())
	assert.False(t, m.EnableIntegrityCheck())
}

package release

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFreshCreatesNeutralState(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir, "wakfu", "main")
	require.NoError(t, err)
	assert.Equal(t, "wakfu", s.State().GameUid)
	assert.Equal(t, RecoveryNone, s.ClassifyRecovery())
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir, "wakfu", "main")
	require.NoError(t, err)

	require.NoError(t, s.Mutate(func(st *State) {
		st.Location = "/games/wakfu"
		st.Version = "v1"
		st.InstalledFragments = []string{"main"}
	}))

	reloaded, err := Load(dir, "wakfu", "main")
	require.NoError(t, err)
	assert.Equal(t, "v1", reloaded.State().Version)
	assert.Equal(t, []string{"main"}, reloaded.State().InstalledFragments)
}

func TestLocationUnsetResetsInvariants(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir, "wakfu", "main")
	require.NoError(t, err)

	require.NoError(t, s.Mutate(func(st *State) {
		st.Location = "/games/wakfu"
		st.Version = "v1"
		st.IsInstalling = true
	}))
	require.NoError(t, s.Mutate(func(st *State) {
		st.Location = ""
	}))

	st := s.State()
	assert.Empty(t, st.Version)
	assert.False(t, st.IsInstalling)
}

func TestDirtyForcesRepairRecovery(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir, "wakfu", "main")
	require.NoError(t, err)
	require.NoError(t, s.MarkDirty())
	assert.Equal(t, RecoveryRepair, s.ClassifyRecovery())
}

func TestMigrateLegacyIsRepairingBool(t *testing.T) {
	dir := t.TempDir()
	raw := `{"gameName":"wakfu","isRepairing":true,"repositoryVersion":"v9","location":"/games/wakfu"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "release.json"), []byte(raw), 0o644))

	s, err := Load(dir, "", "main")
	require.NoError(t, err)
	st := s.State()
	assert.Equal(t, "wakfu", st.GameUid)
	assert.Equal(t, "v9", st.IsRepairing)
	assert.Equal(t, RecoveryRepair, s.ClassifyRecovery())
}

func TestWriteAndReadLicenses(t *testing.T) {
	dir := t.TempDir()
	licenses := []License{{Title: "MIT", Text: "..."}}
	require.NoError(t, WriteLicenses(dir, licenses))

	got, err := ReadLicenses(dir)
	require.NoError(t, err)
	assert.Equal(t, licenses, got)
}

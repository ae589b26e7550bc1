package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"game-update-engine/internal/fetch"
	"game-update-engine/internal/integrity"
	"game-update-engine/internal/manifest"
	"game-update-engine/internal/repository"
	"game-update-engine/internal/task"
	"game-update-engine/internal/validate"
)

func newControl(t *testing.T) *task.Control {
	t.Helper()
	var ctl *task.Control
	tsk := task.New(context.Background(), func(_ context.Context, c *task.Control) error {
		ctl = c
		return nil
	}, nil)
	require.NoError(t, tsk.Wait())
	return ctl
}

func TestGetLocalHashesMissingFile(t *testing.T) {
	uctx := NewContext("wakfu", "main", repository.PlatformLinux, t.TempDir(), t.TempDir(), "app")
	lib := &Library{}
	err := lib.GetLocalHashes(context.Background(), newControl(t), uctx)
	var localErr *LocalHashesError
	require.ErrorAs(t, err, &localErr)
}

func TestGetLocalHashesRejectsLegacyShape(t *testing.T) {
	dir := t.TempDir()
	raw := `{"configuration":{"Files":["a","b"]}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".release.hashes.json"), []byte(raw), 0o644))

	uctx := NewContext("wakfu", "main", repository.PlatformLinux, dir, t.TempDir(), "app")
	lib := &Library{}
	err := lib.GetLocalHashes(context.Background(), newControl(t), uctx)
	var localErr *LocalHashesError
	require.ErrorAs(t, err, &localErr)
}

func TestGetLocalHashesParsesV5Shape(t *testing.T) {
	dir := t.TempDir()
	m := manifest.Manifest{
		"main": manifest.Fragment{Files: map[string]manifest.FileEntry{
			"bin/game.exe": {Hash: "abc", Size: 10, Executable: true},
		}},
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".release.hashes.json"), data, 0o644))

	uctx := NewContext("wakfu", "main", repository.PlatformLinux, dir, t.TempDir(), "app")
	lib := &Library{}
	require.NoError(t, lib.GetLocalHashes(context.Background(), newControl(t), uctx))
	assert.Equal(t, "abc", uctx.LocalManifest["main"].Files["bin/game.exe"].Hash)
}

func TestCreateDiffPopulatesFromRemote(t *testing.T) {
	uctx := NewContext("wakfu", "main", repository.PlatformLinux, t.TempDir(), t.TempDir(), "app")
	uctx.Fragments = []string{"main"}
	uctx.RemoteManifest = manifest.Manifest{
		"main": manifest.Fragment{Files: map[string]manifest.FileEntry{
			"a.txt": {Hash: "h1", Size: 5},
		}},
	}
	lib := &Library{}
	require.NoError(t, lib.CreateDiff(context.Background(), newControl(t), uctx))
	entry := uctx.Diff["main"].Files["a.txt"]
	assert.True(t, entry.Download)
}

func TestCheckConfigurationPassesWithoutScript(t *testing.T) {
	uctx := NewContext("wakfu", "main", repository.PlatformLinux, t.TempDir(), t.TempDir(), "app")
	lib := &Library{Validator: validate.NewRunner()}
	assert.NoError(t, lib.CheckConfiguration(context.Background(), newControl(t), uctx))
}

func TestCheckConfigurationMapsBadExitCode(t *testing.T) {
	dir := t.TempDir()

	runner := validate.NewRunner()
	runner.SetCommand(func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "exit 3")
	})

	uctx := NewContext("wakfu", "main", repository.PlatformLinux, dir, t.TempDir(), "app")
	uctx.Configuration = &ConfigurationData{
		ValidatorScript: "validate.sh",
		ValidatorResults: []ValidatorResult{
			{ExitCode: 3, IsError: true, Message: "bad config"},
		},
	}
	lib := &Library{Validator: runner}
	err := lib.CheckConfiguration(context.Background(), newControl(t), uctx)
	var badCfg *BadConfigurationError
	require.ErrorAs(t, err, &badCfg)
	assert.Equal(t, "bad config", badCfg.Message)
}

func TestDeleteFilesSkipsPathsAlsoDownloading(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "keep.txt")
	gone := filepath.Join(dir, "gone.txt")
	require.NoError(t, os.WriteFile(keep, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(gone, []byte("x"), 0o644))

	uctx := NewContext("wakfu", "main", repository.PlatformLinux, dir, t.TempDir(), "app")
	uctx.Diff = manifest.Diff{
		"main": manifest.DiffFragment{Files: map[string]manifest.DiffFileEntry{
			"keep.txt": {Download: true, Hash: "h", Size: 1},
			"gone.txt": {},
		}},
	}
	lib := &Library{}
	require.NoError(t, lib.DeleteFiles(context.Background(), newControl(t), uctx))

	_, err := os.Stat(keep)
	assert.NoError(t, err)
	_, err = os.Stat(gone)
	assert.True(t, os.IsNotExist(err))
	assert.Contains(t, uctx.DeletedFiles, "gone.txt")
}

func TestSaveHashesMergesDownloadsAndDeletions(t *testing.T) {
	dir := t.TempDir()
	uctx := NewContext("wakfu", "main", repository.PlatformLinux, dir, t.TempDir(), "app")
	uctx.LocalManifest = manifest.Manifest{
		"main": manifest.Fragment{Files: map[string]manifest.FileEntry{
			"old.txt": {Hash: "old", Size: 1},
		}},
	}
	uctx.DownloadedFiles["main/new.txt"] = downloadedFile{
		Fragment: "main",
		Path:     "new.txt",
		Entry:    manifest.FileEntry{Hash: "new", Size: 2},
	}
	uctx.DeletedFiles = []string{"old.txt"}

	lib := &Library{}
	require.NoError(t, lib.SaveHashes(context.Background(), newControl(t), uctx))

	raw, err := os.ReadFile(filepath.Join(dir, ".release.hashes.json"))
	require.NoError(t, err)
	var m manifest.Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	_, hasOld := m["main"].Files["old.txt"]
	assert.False(t, hasOld)
	assert.Equal(t, "new", m["main"].Files["new.txt"].Hash)
}

func TestDownloadFragmentFetchesPlainFile(t *testing.T) {
	content := []byte("payload-bytes")
	hash := integrity.HashBytes(content)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	uctx := NewContext("wakfu", "main", repository.PlatformLinux, dir, t.TempDir(), "app")
	uctx.Diff = manifest.Diff{
		"main": manifest.DiffFragment{Files: map[string]manifest.DiffFileEntry{
			"file.bin": {Hash: hash, Size: uint64(len(content)), Download: true},
		}},
	}

	lib := &Library{
		Repo:    repository.New(srv.URL, false),
		Fetcher: fetch.New(nil, nil),
	}
	require.NoError(t, lib.DownloadFragment(context.Background(), newControl(t), uctx, "main"))

	got, err := os.ReadFile(filepath.Join(dir, "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, ok := uctx.DownloadedFiles["main/file.bin"]
	assert.True(t, ok)
}

func TestDownloadFragmentChmodsPermissionOnlyEntry(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(target, []byte("#!/bin/sh"), 0o644))

	uctx := NewContext("wakfu", "main", repository.PlatformLinux, dir, t.TempDir(), "app")
	uctx.Diff = manifest.Diff{
		"main": manifest.DiffFragment{Files: map[string]manifest.DiffFileEntry{
			"run.sh": {UpdatePermissions: true, Executable: true},
		}},
	}

	lib := &Library{Repo: repository.New("http://example.invalid", false), Fetcher: fetch.New(nil, nil)}
	require.NoError(t, lib.DownloadFragment(context.Background(), newControl(t), uctx, "main"))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100)
}

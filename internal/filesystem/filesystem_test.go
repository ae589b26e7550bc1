package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDirectories(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		filepath.Join(dir, "a", "file1.bin"),
		filepath.Join(dir, "a", "b", "file2.bin"),
		filepath.Join(dir, "c", "file3.bin"),
	}

	require.NoError(t, CreateDirectories(context.Background(), paths, 2))

	for _, p := range paths {
		info, err := os.Stat(filepath.Dir(p))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestClearEmptyDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty", "nested"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "kept"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kept", "file.bin"), []byte("x"), 0o644))

	require.NoError(t, ClearEmptyDirectories(dir))

	_, err := os.Stat(filepath.Join(dir, "empty"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "kept"))
	assert.NoError(t, err)
}

func TestAllocateFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "allocated.bin")

	a := NewAllocator()
	require.NoError(t, a.AllocateFile(path, 4096))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.EqualValues(t, 4096, info.Size())
}

func TestDeleteFilesIgnoresMissing(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present.bin")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0o644))
	missing := filepath.Join(dir, "missing.bin")

	deleted, err := DeleteFiles(context.Background(), []string{present, missing}, 4)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{present, missing}, deleted)

	_, statErr := os.Stat(present)
	assert.True(t, os.IsNotExist(statErr))
}

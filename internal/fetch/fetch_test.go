package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"game-update-engine/internal/integrity"
)

func TestFetchWritesToAllTargets(t *testing.T) {
	content := []byte("hello world")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	hash, err := hashBytes(content)
	require.NoError(t, err)

	dir := t.TempDir()
	targetA := filepath.Join(dir, "a.bin")
	targetB := filepath.Join(dir, "b.bin")

	f := New(nil, nil)
	tsk := f.Start(context.Background(), "task-1", Request{
		URL:          srv.URL,
		Hash:         hash,
		ExpectedSize: int64(len(content)),
		Targets:      []string{targetA, targetB},
		TempDir:      filepath.Join(dir, "tmp"),
	})

	require.NoError(t, tsk.Wait())

	for _, target := range []string{targetA, targetB} {
		got, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, content, got)
	}
}

func TestFetchHashMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("wrong content"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := New(nil, nil)
	tsk := f.Start(context.Background(), "task-1", Request{
		URL:     srv.URL,
		Hash:    "0000000000000000000000000000000000000",
		Targets: []string{filepath.Join(dir, "a.bin")},
		TempDir: filepath.Join(dir, "tmp"),
	})

	err := tsk.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestFetchResumesWithRangeHeader(t *testing.T) {
	full := []byte("0123456789abcdef")
	var sawRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rng := r.Header.Get("Range"); rng != "" {
			sawRange = rng
			w.Header().Set("Accept-Ranges", "bytes")
			w.WriteHeader(http.StatusPartialContent)
			w.Write(full[8:])
			return
		}
		w.Write(full)
	}))
	defer srv.Close()

	dir := t.TempDir()
	tempDir := filepath.Join(dir, "tmp")
	require.NoError(t, os.MkdirAll(tempDir, 0o755))

	hash, err := hashBytes(full)
	require.NoError(t, err)
	tempPath := filepath.Join(tempDir, hash+tempSuffix)
	require.NoError(t, os.WriteFile(tempPath, full[:8], 0o644))

	f := New(nil, nil)
	tsk := f.Start(context.Background(), "task-1", Request{
		URL:          srv.URL,
		Hash:         hash,
		ExpectedSize: int64(len(full)),
		Targets:      []string{filepath.Join(dir, "out.bin")},
		TempDir:      tempDir,
	})
	require.NoError(t, tsk.Wait())
	assert.Equal(t, "bytes=8-", sawRange)

	got, err := os.ReadFile(filepath.Join(dir, "out.bin"))
	require.NoError(t, err)
	assert.Equal(t, full, got)
}

func hashBytes(b []byte) (string, error) {
	dir, err := os.MkdirTemp("", "hashtmp")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "x")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", err
	}
	return integrity.HashFile(path)
}

package sequencer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"game-update-engine/internal/actions"
	"game-update-engine/internal/events"
	"game-update-engine/internal/fetch"
	"game-update-engine/internal/integrity"
	"game-update-engine/internal/manifest"
	"game-update-engine/internal/release"
	"game-update-engine/internal/repository"
	"game-update-engine/internal/task"
	"game-update-engine/internal/validate"
)

// blob is one content-addressed payload a test server hands out under
// /<gameUid>/hashes/<hh>/<hash>.
type blob struct {
	hash    string
	content []byte
}

func newBlob(content []byte) blob {
	return blob{hash: integrity.HashBytes(content), content: content}
}

// spawnManifestServer serves the cytrus v5 release/meta/hash endpoints
// a real GetRemoteHashes + DownloadFragment round trip needs, backed
// by an in-memory manifest that the test can mutate between
// requests to simulate a configuration change mid-flight.
func spawnManifestServer(t *testing.T, gameUid string, manifestFn func() manifest.Manifest, blobs map[string]blob) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	releasePrefix := fmt.Sprintf("/%s/releases/", gameUid)

	mux.HandleFunc(releasePrefix, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ".json"):
			writeJSON(w, manifestFn())
		case strings.HasSuffix(r.URL.Path, ".meta"):
			writeJSON(w, manifest.MetaSummary{})
		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc(fmt.Sprintf("/%s/hashes/", gameUid), func(w http.ResponseWriter, r *http.Request) {
		hash := filepath.Base(r.URL.Path)
		b, ok := blobs[hash]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(b.content)
	})

	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestSequencer(t *testing.T, srv *httptest.Server, gameUid string, location string) *Sequencer {
	t.Helper()
	lib := &actions.Library{
		Repo:    repository.New(srv.URL, false),
		Fetcher: fetch.New(nil, nil),
	}
	store, err := release.Load(t.TempDir(), gameUid, "main")
	require.NoError(t, err)
	uctx := actions.NewContext(gameUid, "main", repository.PlatformLinux, location, t.TempDir(), "app")
	uctx.Version = "1.0.0"
	return New(lib, store, events.New(), uctx)
}

// waitForTask blocks on the task's Done channel with a hard timeout,
// failing loudly instead of hanging forever if the sequencer
// deadlocks on its first progress report.
func waitForTask(t *testing.T, tsk interface{ Done() <-chan struct{} }, timeout time.Duration) {
	t.Helper()
	select {
	case <-tsk.Done():
	case <-time.After(timeout):
		t.Fatal("timed out waiting for sequencer run to finish — likely deadlocked on a progress report")
	}
}

// TestStartInstallDownloadsFragmentWithoutDeadlock drives a real
// DownloadFragment through the sequencer's step queue with progress
// reporting flowing through onProgress on every chunk, which used to
// self-deadlock: the step loop held s.mu across st.run while the fetch
// worker's progress callback tried to take the same lock from inside
// Control.Report.
func TestStartInstallDownloadsFragmentWithoutDeadlock(t *testing.T) {
	gameUid := "wakfu"
	cfg := []byte(`{"fragments":["main"]}`)
	cfgBlob := newBlob(cfg)

	content := []byte("some reasonably sized payload used to exercise progress reporting")
	fileBlob := newBlob(content)

	blobs := map[string]blob{cfgBlob.hash: cfgBlob, fileBlob.hash: fileBlob}

	m := manifest.Manifest{
		manifest.ConfigurationFragment: manifest.Fragment{Files: map[string]manifest.FileEntry{
			"configuration.json": {Hash: cfgBlob.hash, Size: uint64(len(cfg))},
		}},
		"main": manifest.Fragment{Files: map[string]manifest.FileEntry{
			"game.bin": {Hash: fileBlob.hash, Size: uint64(len(content))},
		}},
	}

	srv := spawnManifestServer(t, gameUid, func() manifest.Manifest { return m }, blobs)
	defer srv.Close()

	location := t.TempDir()
	seq := newTestSequencer(t, srv, gameUid, location)

	var progressReports atomic.Int64
	ch, unsubscribe := seq.Bus.Subscribe(32)
	defer unsubscribe()
	go func() {
		for ev := range ch {
			if ev.Kind == events.KindUpdateProgress {
				progressReports.Add(1)
			}
		}
	}()

	tsk := seq.Start(context.Background(), Install)
	waitForTask(t, tsk, 10*time.Second)
	require.NoError(t, tsk.Wait())

	assert.Greater(t, progressReports.Load(), int64(0), "onProgress must have fired through the real download path")

	got, err := os.ReadFile(filepath.Join(location, "game.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	gotCfg, err := os.ReadFile(filepath.Join(location, "configuration.json"))
	require.NoError(t, err)
	assert.Equal(t, cfg, gotCfg)

	raw, err := os.ReadFile(filepath.Join(location, ".release.hashes.json"))
	require.NoError(t, err)
	var saved manifest.Manifest
	require.NoError(t, json.Unmarshal(raw, &saved))
	assert.Equal(t, fileBlob.hash, saved["main"].Files["game.bin"].Hash)
}

// TestStartRebuildsQueueWhenFragmentSelectionChanges drives a full
// Start() run whose configuration.json is rewritten, via a validator
// script gated on a signal file, between the prelude's LoadConfiguration
// read and the fragment phase's CheckFragmentSelection re-read. Rather
// than racing a sleep against the sequencer's goroutine, the validator
// script blocks until the test has already written the new
// configuration and dropped the signal file, so the new selection is
// guaranteed to be on disk before the check ever runs. The run must
// discard the stale "old" phase, checkpoint via SaveHashes, and
// complete against "new" instead.
func TestStartRebuildsQueueWhenFragmentSelectionChanges(t *testing.T) {
	gameUid := "wakfu"
	signalPath := filepath.Join(t.TempDir(), "proceed")

	initialCfg := []byte(`{"fragments":["old"],"validatorScript":"check.sh"}`)
	initialCfgBlob := newBlob(initialCfg)
	updatedCfg := []byte(`{"fragments":["new"],"validatorScript":"check.sh"}`)

	oldContent := []byte("old-fragment-payload")
	oldBlob := newBlob(oldContent)
	newContent := []byte("new-fragment-payload")
	newBlobEntry := newBlob(newContent)

	blobs := map[string]blob{
		initialCfgBlob.hash: initialCfgBlob,
		oldBlob.hash:        oldBlob,
		newBlobEntry.hash:   newBlobEntry,
	}

	m := manifest.Manifest{
		manifest.ConfigurationFragment: manifest.Fragment{Files: map[string]manifest.FileEntry{
			"configuration.json": {Hash: initialCfgBlob.hash, Size: uint64(len(initialCfg))},
		}},
		"old": manifest.Fragment{Files: map[string]manifest.FileEntry{
			"old.bin": {Hash: oldBlob.hash, Size: uint64(len(oldContent))},
		}},
		"new": manifest.Fragment{Files: map[string]manifest.FileEntry{
			"new.bin": {Hash: newBlobEntry.hash, Size: uint64(len(newContent))},
		}},
	}

	srv := spawnManifestServer(t, gameUid, func() manifest.Manifest { return m }, blobs)
	defer srv.Close()

	location := t.TempDir()
	seq := newTestSequencer(t, srv, gameUid, location)
	seq.Lib.Validator = validate.NewRunner()
	invoked := make(chan struct{}, 1)
	seq.Lib.Validator.SetCommand(func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		select {
		case invoked <- struct{}{}:
		default:
		}
		return exec.CommandContext(ctx, "sh", "-c", fmt.Sprintf("while [ ! -f %q ]; do sleep 0.005; done", signalPath))
	})

	// This waits until CheckConfiguration has started the validator,
	// which is after the prelude downloaded configuration.json, so that
	// download cannot overwrite the rewrite. The validator script only
	// unblocks after configuration.json has been rewritten, so the
	// fragment phase's CheckFragmentSelection step is guaranteed to
	// observe "new" no matter how the sequencer's own goroutine is
	// scheduled.
	go func() {
		<-invoked
		_ = os.WriteFile(filepath.Join(location, "configuration.json"), updatedCfg, 0o644)
		_ = os.WriteFile(signalPath, nil, 0o644)
	}()

	tsk := seq.Start(context.Background(), Install)
	waitForTask(t, tsk, 10*time.Second)
	require.NoError(t, tsk.Wait())

	_, err := os.Stat(filepath.Join(location, "old.bin"))
	assert.True(t, os.IsNotExist(err), "stale fragment's file should never be downloaded")

	got, err := os.ReadFile(filepath.Join(location, "new.bin"))
	require.NoError(t, err)
	assert.Equal(t, newContent, got)
}

// TestFragmentPhaseAbortsBeforeDownloadWhenConfigChangedOnDisk is a
// narrower, fully deterministic check of the same mechanism: with
// configuration.json already rewritten to name "new" before the phase
// ever runs, fragmentPhase(["old"]) must fail with
// *fragmentsChangedError carrying the new list, and old.bin must never
// be created.
func TestFragmentPhaseAbortsBeforeDownloadWhenConfigChangedOnDisk(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configuration.json"), []byte(`{"fragments":["new"]}`), 0o644))

	uctx := actions.NewContext("wakfu", "main", repository.PlatformLinux, dir, t.TempDir(), "app")
	uctx.RemoteManifest = manifest.Manifest{
		"old": manifest.Fragment{Files: map[string]manifest.FileEntry{
			"old.bin": {Hash: "deadbeef", Size: 4},
		}},
	}
	lib := &actions.Library{
		Repo:    repository.New("http://example.invalid", false),
		Fetcher: fetch.New(nil, nil),
	}
	seq := &Sequencer{Lib: lib, Ctx: uctx, fragmentProgress: map[string]*FragmentProgress{}}

	err := seq.runQueue(context.Background(), newSequencerTestControl(t), seq.fragmentPhase([]string{"old"}))
	var changed *fragmentsChangedError
	require.ErrorAs(t, err, &changed)
	assert.Equal(t, []string{"new"}, changed.fragments)

	_, statErr := os.Stat(filepath.Join(dir, "old.bin"))
	assert.True(t, os.IsNotExist(statErr), "download must never start once the selection changed")
}

func newSequencerTestControl(t *testing.T) *task.Control {
	t.Helper()
	var ctl *task.Control
	tsk := task.New(context.Background(), func(_ context.Context, c *task.Control) error {
		ctl = c
		return nil
	}, nil)
	require.NoError(t, tsk.Wait())
	return ctl
}

// TestFragmentPhaseInsertsSelectionCheckBeforeEachDownload verifies
// the step shape fragmentPhase produces: a CheckFragmentSelection step
// immediately ahead of every non-configuration fragment's
// DownloadFragment step.
func TestFragmentPhaseInsertsSelectionCheckBeforeEachDownload(t *testing.T) {
	seq := &Sequencer{Ctx: &actions.Context{}}
	queue := seq.fragmentPhase([]string{manifest.ConfigurationFragment, "main", "voices"})

	var names []string
	for _, st := range queue {
		names = append(names, st.name)
	}
	assert.Equal(t, []string{
		"CreateDiff[fragments]",
		"CreateDirectories",
		"CheckFragmentSelection",
		"DownloadFragment[main]",
		"CheckFragmentSelection",
		"DownloadFragment[voices]",
	}, names)
}

func TestEqualFragmentsIgnoresOrder(t *testing.T) {
	assert.True(t, equalFragments([]string{"a", "b"}, []string{"b", "a"}))
	assert.False(t, equalFragments([]string{"a", "b"}, []string{"a"}))
	assert.False(t, equalFragments([]string{"a", "b"}, []string{"a", "c"}))
}

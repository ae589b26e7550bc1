// Package actions implements the ActionLibrary: the individual update
// steps a sequencer composes into a run. Every action reads and
// writes a shared Context, borrowed exclusively by whichever action
// is currently executing.
package actions

import (
	"sync"

	"game-update-engine/internal/manifest"
	"game-update-engine/internal/repository"
)

// Context is the parameter bag actions share across one sequencer
// run, mutated in place by whichever action currently owns it. Most
// fields are only ever touched by the single goroutine driving the
// sequencer's step queue, but DownloadedFiles, DownloadedArchives, and
// DeletedFiles are also written concurrently by DownloadFragment's
// bounded worker pool and read by the periodic SaveHashes checkpoint,
// so those three are guarded by mu.
type Context struct {
	GameUid     string
	Channel     string
	Platform    repository.Platform
	Version     string
	Location    string
	StateDir    string
	AppName     string
	Fragments   []string

	RemoteManifest manifest.Manifest
	LocalManifest  manifest.Manifest
	MetaSummary    manifest.MetaSummary
	Diff           manifest.Diff

	Configuration *ConfigurationData

	mu                 sync.Mutex
	DownloadedFiles    map[string]downloadedFile
	DownloadedArchives map[string]manifest.ArchiveEntry
	DeletedFiles       []string

	// BytesDownloadedThisAction is not written by any action in this
	// package; DownloadFragment reports progress to the sequencer
	// through ctl.Report instead.
	BytesDownloadedThisAction uint64
}

// recordDownloadedFile safely records one completed file download,
// called concurrently from DownloadFragment's worker pool.
func (c *Context) recordDownloadedFile(key string, df downloadedFile) {
	c.mu.Lock()
	c.DownloadedFiles[key] = df
	c.mu.Unlock()
}

// recordDownloadedArchive safely records one patched or freshly built
// archive.
func (c *Context) recordDownloadedArchive(key string, entry manifest.ArchiveEntry) {
	c.mu.Lock()
	c.DownloadedArchives[key] = entry
	c.mu.Unlock()
}

// appendDeletedFile safely records one deleted file's release-relative
// path.
func (c *Context) appendDeletedFile(path string) {
	c.mu.Lock()
	c.DeletedFiles = append(c.DeletedFiles, path)
	c.mu.Unlock()
}

// snapshotForSave returns copies of the accumulated downloads and
// deletions, safe to read while DownloadFragment's worker pool may
// still be writing to them — the periodic SaveHashes checkpoint reads
// this mid-run, concurrently with an in-flight download phase.
func (c *Context) snapshotForSave() (files []downloadedFile, deleted []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	files = make([]downloadedFile, 0, len(c.DownloadedFiles))
	for _, df := range c.DownloadedFiles {
		files = append(files, df)
	}
	deleted = append(deleted, c.DeletedFiles...)
	return files, deleted
}

type downloadedFile struct {
	Fragment string
	Path     string
	Entry    manifest.FileEntry
}

// ConfigurationData is the decoded configuration fragment payload:
// the set of installable fragments plus an optional validator script.
type ConfigurationData struct {
	Fragments       []string        `json:"fragments"`
	ValidatorScript string          `json:"validatorScript,omitempty"`
	ValidatorArgs   []string        `json:"validatorArgs,omitempty"`
	ValidatorResults []ValidatorResult `json:"validatorResults,omitempty"`
}

// ValidatorResult mirrors validate.Result so the configuration
// fragment's JSON shape doesn't need to import the validate package.
type ValidatorResult struct {
	ExitCode int    `json:"exitCode"`
	IsError  bool   `json:"isError"`
	Message  string `json:"message"`
}

// NewContext builds a zeroed Context ready for a sequencer run.
func NewContext(gameUid, channel string, platform repository.Platform, location, stateDir, appName string) *Context {
	return &Context{
		GameUid:            gameUid,
		Channel:            channel,
		Platform:           platform,
		Location:           location,
		StateDir:           stateDir,
		AppName:            appName,
		DownloadedFiles:    make(map[string]downloadedFile),
		DownloadedArchives: make(map[string]manifest.ArchiveEntry),
	}
}

// TempDir is the ephemeral temp directory owned by the active
// DownloadFragment action, removed on any exit path.
func (c *Context) TempDir() string {
	return c.Location + "/.tmp-" + c.AppName + "-download-parts"
}

package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"game-update-engine/internal/diff"
	"game-update-engine/internal/fetch"
	"game-update-engine/internal/filesystem"
	"game-update-engine/internal/integrity"
	"game-update-engine/internal/manifest"
	"game-update-engine/internal/release"
	"game-update-engine/internal/repository"
	"game-update-engine/internal/task"
	"game-update-engine/internal/validate"
)

const (
	downloadConcurrency   = 6
	directoryConcurrency  = 10
	repairConcurrency     = 10
	deleteConcurrency     = 10
	archiveInnerConcurrency = 2
	archiveFallbackRatio  = 0.7
)

// Library bundles the dependencies every action needs: the repository
// client to talk to cytrus, a fetcher for blob downloads, and a
// validator runner for CheckConfiguration.
type Library struct {
	Repo     *repository.Client
	Fetcher  *fetch.Fetcher
	Validator *validate.Runner
}

// GetRemoteHashes fetches the remote manifest for the release's
// current version into uctx.RemoteManifest.
func (l *Library) GetRemoteHashes(ctx goctx, ctl *task.Control, uctx *Context) error {
	m, err := l.Repo.GetRelease(ctx, uctx.GameUid, uctx.Channel, uctx.Platform, uctx.Version)
	if err != nil {
		return err
	}
	uctx.RemoteManifest = m

	meta, err := l.Repo.GetReleaseMeta(ctx, uctx.GameUid, uctx.Channel, uctx.Platform, uctx.Version)
	if err == nil {
		uctx.MetaSummary = meta
	}
	return nil
}

// GetLocalHashes reads .release.hashes.json from the install
// location.
func (l *Library) GetLocalHashes(ctx goctx, ctl *task.Control, uctx *Context) error {
	path := filepath.Join(uctx.Location, ".release.hashes.json")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &LocalHashesError{Path: path, Err: err}
	}
	if err != nil {
		return &LocalHashesError{Path: path, Err: err}
	}

	if hasLegacyShape(raw) {
		return &LocalHashesError{Path: path, Err: fmt.Errorf("legacy v4 manifest shape")}
	}

	var m manifest.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return &LocalHashesError{Path: path, Err: err}
	}
	uctx.LocalManifest = m
	return nil
}

// hasLegacyShape detects a v4 manifest masquerading as v5: the
// configuration fragment carrying a bare top-level "Files" key
// (PascalCase, a flat list) instead of the nested
// files/hash/size/executable shape v5 uses.
func hasLegacyShape(raw []byte) bool {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return false
	}
	configRaw, ok := generic[manifest.ConfigurationFragment]
	if !ok {
		return false
	}
	var configFields map[string]json.RawMessage
	if err := json.Unmarshal(configRaw, &configFields); err != nil {
		return false
	}
	_, hasLegacyFiles := configFields["Files"]
	return hasLegacyFiles
}

// Repair hashes every local file on disk against the remote manifest
// with a bounded concurrency of 10, rebuilding localHashes from the
// tree instead of trusting the JSON record.
func (l *Library) Repair(ctx goctx, ctl *task.Control, uctx *Context) error {
	rebuilt := make(manifest.Manifest, len(uctx.RemoteManifest))

	for fragName, frag := range uctx.RemoteManifest {
		rebuiltFrag := manifest.Fragment{Files: make(map[string]manifest.FileEntry)}

		type result struct {
			path  string
			entry manifest.FileEntry
			found bool
		}
		paths := make([]string, 0, len(frag.Files))
		for p := range frag.Files {
			paths = append(paths, p)
		}

		results := make(chan result, len(paths))
		sem := make(chan struct{}, repairConcurrency)
		var wg sync.WaitGroup

		for _, p := range paths {
			wg.Add(1)
			sem <- struct{}{}
			go func(path string) {
				defer wg.Done()
				defer func() { <-sem }()

				full := filepath.Join(uctx.Location, path)
				hash, err := integrity.HashFile(full)
				if err != nil {
					results <- result{path: path, found: false}
					return
				}
				info, statErr := os.Stat(full)
				executable := statErr == nil && info.Mode()&0o111 != 0
				results <- result{path: path, entry: manifest.FileEntry{Hash: hash, Size: uint64(info.Size()), Executable: executable}, found: true}
			}(p)
		}

		go func() {
			wg.Wait()
			close(results)
		}()

		for r := range results {
			if r.found {
				rebuiltFrag.Files[r.path] = r.entry
			}
		}
		rebuilt[fragName] = rebuiltFrag

		if err := ctl.WaitIfPaused(); err != nil {
			return err
		}
	}

	uctx.LocalManifest = rebuilt
	return nil
}

// CreateDiff runs the DiffEngine over the current fragment selection.
func (l *Library) CreateDiff(ctx goctx, ctl *task.Control, uctx *Context) error {
	uctx.Diff = diff.Compute(uctx.Fragments, uctx.LocalManifest, uctx.RemoteManifest)
	return nil
}

// LoadConfiguration parses the downloaded configuration fragment,
// updating the fragment selection for subsequent CreateDiff calls.
func (l *Library) LoadConfiguration(ctx goctx, ctl *task.Control, uctx *Context) error {
	path := filepath.Join(uctx.Location, "configuration.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("actions: load configuration: %w", err)
	}
	var cfg ConfigurationData
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("actions: parse configuration: %w", err)
	}
	uctx.Configuration = &cfg
	if len(cfg.Fragments) > 0 {
		uctx.Fragments = cfg.Fragments
	}
	return nil
}

// CheckConfiguration executes the optional validator script, if one
// is present, and maps its exit code against the results table.
func (l *Library) CheckConfiguration(ctx goctx, ctl *task.Control, uctx *Context) error {
	if uctx.Configuration == nil || uctx.Configuration.ValidatorScript == "" {
		return nil
	}
	results := make([]validate.Result, len(uctx.Configuration.ValidatorResults))
	for i, r := range uctx.Configuration.ValidatorResults {
		results[i] = validate.Result{ExitCode: r.ExitCode, IsError: r.IsError, Message: r.Message}
	}
	scriptPath := filepath.Join(uctx.Location, uctx.Configuration.ValidatorScript)
	if err := l.Validator.Check(ctx, scriptPath, uctx.Configuration.ValidatorArgs, results); err != nil {
		var bad *validate.ErrBadConfiguration
		if errors.As(err, &bad) {
			return &BadConfigurationError{Message: bad.Message}
		}
		return err
	}
	return nil
}

// WriteReleaseInfos writes .release.infos.json.
func (l *Library) WriteReleaseInfos(ctx goctx, ctl *task.Control, uctx *Context) error {
	return release.WriteReleaseInfos(uctx.Location, release.ReleaseInfos{
		GameUid: uctx.GameUid,
		Release: uctx.Channel,
	})
}

// CreateDirectories ensures parent directories exist for every file
// slated for writing in the diff.
func (l *Library) CreateDirectories(ctx goctx, ctl *task.Control, uctx *Context) error {
	var paths []string
	for _, frag := range uctx.Diff {
		for path, entry := range frag.Files {
			if entry.IsDeletion() || strings.HasPrefix(path, "$pack:") {
				continue
			}
			paths = append(paths, filepath.Join(uctx.Location, path))
		}
	}
	return filesystem.CreateDirectories(ctx, paths, directoryConcurrency)
}

// DeleteFiles unlinks every size==0 entry in the diff that is not
// also a download target in any fragment.
func (l *Library) DeleteFiles(ctx goctx, ctl *task.Control, uctx *Context) error {
	downloadPaths := make(map[string]bool)
	var deletePaths []string
	for _, frag := range uctx.Diff {
		for path, entry := range frag.Files {
			if entry.Download {
				downloadPaths[path] = true
			}
		}
	}
	for _, frag := range uctx.Diff {
		for path, entry := range frag.Files {
			if entry.IsDeletion() && !downloadPaths[path] {
				deletePaths = append(deletePaths, filepath.Join(uctx.Location, path))
			}
		}
	}

	deleted, err := filesystem.DeleteFiles(ctx, deletePaths, deleteConcurrency)
	if err != nil {
		return err
	}
	for _, d := range deleted {
		rel, relErr := filepath.Rel(uctx.Location, d)
		if relErr == nil {
			uctx.appendDeletedFile(rel)
		}
	}
	return nil
}

// ClearEmptyDirectories recursively removes empty directories from
// the install location.
func (l *Library) ClearEmptyDirectories(ctx goctx, ctl *task.Control, uctx *Context) error {
	return filesystem.ClearEmptyDirectories(uctx.Location)
}

// SaveHashes merges downloadedFiles and downloadedArchives into the
// local manifest, removes tombstoned entries, and persists the result
// to .release.hashes.json.
func (l *Library) SaveHashes(ctx goctx, ctl *task.Control, uctx *Context) error {
	merged := uctx.LocalManifest.Clone()
	if merged == nil {
		merged = manifest.Manifest{}
	}

	downloaded, deletedPaths := uctx.snapshotForSave()

	for _, df := range downloaded {
		frag := merged[df.Fragment]
		if frag.Files == nil {
			frag.Files = map[string]manifest.FileEntry{}
		}
		frag.Files[df.Path] = df.Entry
		merged[df.Fragment] = frag
	}

	for _, deletedPath := range deletedPaths {
		for name, frag := range merged {
			if _, ok := frag.Files[deletedPath]; ok {
				delete(frag.Files, deletedPath)
				merged[name] = frag
			}
		}
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("actions: marshal hashes: %w", err)
	}
	path := filepath.Join(uctx.Location, ".release.hashes.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("actions: write hashes: %w", err)
	}
	return os.Rename(tmp, path)
}

type goctx = context.Context

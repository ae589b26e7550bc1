package actions

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"game-update-engine/internal/d2p"
	"game-update-engine/internal/fetch"
	"game-update-engine/internal/filesystem"
	"game-update-engine/internal/integrity"
	"game-update-engine/internal/manifest"
	"game-update-engine/internal/task"
)

// DownloadFragment runs every pending download in one fragment's diff
// bucket: plain file fetches, pack fetch-then-untar, archive
// patch-in-place, and permission-only chmod entries. Fetch tasks run
// with a bounded worker pool and report progress back through ctl.
func (l *Library) DownloadFragment(ctx context.Context, ctl *task.Control, uctx *Context, fragment string) error {
	bucket, ok := uctx.Diff[fragment]
	if !ok {
		return nil
	}
	defer os.RemoveAll(uctx.TempDir())

	var mu sync.Mutex
	sem := make(chan struct{}, downloadConcurrency)
	var wg sync.WaitGroup
	var firstErr error

	recordErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for path, entry := range bucket.Files {
		path, entry := path, entry

		if entry.IsDeletion() {
			continue
		}

		if entry.Archive != nil {
			if err := ctl.WaitIfPaused(); err != nil {
				return err
			}
			if err := l.patchArchive(ctx, ctl, uctx, fragment, path, entry); err != nil {
				recordErr(err)
			}
			continue
		}

		if entry.IsPack {
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				if err := l.downloadPack(ctx, ctl, uctx, fragment, path, entry); err != nil {
					recordErr(err)
				}
			}()
			continue
		}

		if entry.Download {
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				if err := l.downloadSingleFile(ctx, ctl, uctx, fragment, path, entry); err != nil {
					recordErr(err)
				}
			}()
			continue
		}

		if entry.UpdatePermissions {
			target := filepath.Join(uctx.Location, path)
			if err := filesystem.Chmod(target, entry.Executable); err != nil && !os.IsNotExist(err) {
				recordErr(fmt.Errorf("actions: chmod %s: %w", path, err))
			}
		}
	}

	wg.Wait()
	return firstErr
}

func (l *Library) downloadSingleFile(ctx context.Context, ctl *task.Control, uctx *Context, fragment, path string, entry manifest.DiffFileEntry) error {
	target := filepath.Join(uctx.Location, path)

	if entry.Size == 0 {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, nil, 0o644); err != nil {
			return err
		}
		return l.recordDownload(uctx, fragment, path, entry)
	}

	req := fetch.Request{
		URL:          l.hashURL(uctx.GameUid, entry.Hash),
		Hash:         entry.Hash,
		ExpectedSize: int64(entry.Size),
		Targets:      []string{target},
		TempDir:      uctx.TempDir(),
	}
	tsk := l.Fetcher.Start(ctx, fragment+":"+path, req)
	tsk.Subscribe(func(p task.Progress) {
		ctl.Report(p)
	})
	if err := tsk.Wait(); err != nil {
		return err
	}
	if entry.Executable {
		_ = filesystem.Chmod(target, true)
	}
	return l.recordDownload(uctx, fragment, path, entry)
}

func (l *Library) recordDownload(uctx *Context, fragment, path string, entry manifest.DiffFileEntry) error {
	uctx.recordDownloadedFile(fragment+"/"+path, downloadedFile{
		Fragment: fragment,
		Path:     path,
		Entry:    manifest.FileEntry{Hash: entry.Hash, Size: entry.Size, Executable: entry.Executable},
	})
	return nil
}

// downloadPack fetches a pack blob, untars it to a scratch directory,
// and moves each expected member into place. A missing member aborts
// the pack and falls back to downloading each missing hash
// individually.
func (l *Library) downloadPack(ctx context.Context, ctl *task.Control, uctx *Context, fragment, packKey string, entry manifest.DiffFileEntry) error {
	scratchDir := filepath.Join(uctx.TempDir(), "pack-"+entry.Hash)
	defer os.RemoveAll(scratchDir)

	req := fetch.Request{
		URL:          l.hashURL(uctx.GameUid, entry.Hash),
		Hash:         entry.Hash,
		ExpectedSize: int64(entry.Size),
		Targets:      []string{filepath.Join(scratchDir, "pack.tar")},
		TempDir:      uctx.TempDir(),
	}
	tsk := l.Fetcher.Start(ctx, fragment+":"+packKey, req)
	tsk.Subscribe(func(p task.Progress) { ctl.Report(p) })
	if err := tsk.Wait(); err != nil {
		return err
	}

	members, err := untar(filepath.Join(scratchDir, "pack.tar"), scratchDir)
	if err != nil {
		return err
	}

	var missing []string
	for innerPath := range entry.PackFiles {
		name := filepath.Base(innerPath)
		if _, ok := members[name]; !ok {
			missing = append(missing, innerPath)
		}
	}
	if len(missing) > 0 {
		return l.fallbackToIndividualDownloads(ctx, ctl, uctx, fragment, entry, missing)
	}

	for innerPath, fileEntry := range entry.PackFiles {
		name := filepath.Base(innerPath)
		src := members[name]
		dst := filepath.Join(uctx.Location, innerPath)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.Rename(src, dst); err != nil {
			return err
		}
		if fileEntry.Executable {
			_ = filesystem.Chmod(dst, true)
		}
		uctx.recordDownloadedFile(fragment+"/"+innerPath, downloadedFile{Fragment: fragment, Path: innerPath, Entry: fileEntry})
	}
	return nil
}

func (l *Library) fallbackToIndividualDownloads(ctx context.Context, ctl *task.Control, uctx *Context, fragment string, entry manifest.DiffFileEntry, missing []string) error {
	for _, innerPath := range missing {
		fileEntry := entry.PackFiles[innerPath]
		target := filepath.Join(uctx.Location, innerPath)
		req := fetch.Request{
			URL:          l.hashURL(uctx.GameUid, fileEntry.Hash),
			Hash:         fileEntry.Hash,
			ExpectedSize: int64(fileEntry.Size),
			Targets:      []string{target},
			TempDir:      uctx.TempDir(),
		}
		tsk := l.Fetcher.Start(ctx, fragment+":"+innerPath, req)
		tsk.Subscribe(func(p task.Progress) { ctl.Report(p) })
		if err := tsk.Wait(); err != nil {
			return err
		}
		uctx.recordDownloadedFile(fragment+"/"+innerPath, downloadedFile{Fragment: fragment, Path: innerPath, Entry: fileEntry})
	}

	for innerPath, fileEntry := range entry.PackFiles {
		if contains(missing, innerPath) {
			continue
		}
		uctx.recordDownloadedFile(fragment+"/"+innerPath, downloadedFile{Fragment: fragment, Path: innerPath, Entry: fileEntry})
	}
	return nil
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

// patchArchive reconciles one .d2p archive in place: fetch only the
// changed inner members (bounded concurrency 2), extract the current
// archive, substitute changed members, and re-emit via the D2P codec.
// If the inner diff exceeds 70% of the archive's size, it falls back
// to downloading the whole archive fresh.
func (l *Library) patchArchive(ctx context.Context, ctl *task.Control, uctx *Context, fragment, path string, entry manifest.DiffFileEntry) error {
	target := filepath.Join(uctx.Location, path)

	full := true
	var current *d2p.Archive
	if info, err := os.Stat(target); err == nil && info.Size() > 0 {
		if arc, extractErr := d2p.Extract(target); extractErr == nil {
			current = arc
			full = false
		}
	}

	if full {
		return l.downloadArchiveFresh(ctx, ctl, uctx, fragment, path, entry)
	}

	var changedSize, totalSize uint64
	changed := make(map[string]manifest.ArchiveFile)
	for innerPath, remoteFile := range entry.Archive.Files {
		totalSize += remoteFile.Size
		existingBytes, ok := current.Files[innerPath]
		if !ok || integrity.HashBytes(existingBytes) != remoteFile.Hash {
			changed[innerPath] = remoteFile
			changedSize += remoteFile.Size
		}
	}

	if totalSize > 0 && float64(changedSize)/float64(totalSize) > archiveFallbackRatio {
		return l.downloadArchiveFresh(ctx, ctl, uctx, fragment, path, entry)
	}

	newFiles := make(map[string][]byte, len(entry.Archive.Files))
	for name, body := range current.Files {
		newFiles[name] = body
	}

	sem := make(chan struct{}, archiveInnerConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for innerPath, fileRef := range changed {
		innerPath, fileRef := innerPath, fileRef
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			scratch := filepath.Join(uctx.TempDir(), "archive-"+fileRef.Hash)
			req := fetch.Request{
				URL:          l.hashURL(uctx.GameUid, fileRef.Hash),
				Hash:         fileRef.Hash,
				ExpectedSize: int64(fileRef.Size),
				Targets:      []string{scratch},
				TempDir:      uctx.TempDir(),
			}
			tsk := l.Fetcher.Start(ctx, fragment+":"+path+":"+innerPath, req)
			tsk.Subscribe(func(p task.Progress) { ctl.Report(p) })
			if err := tsk.Wait(); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			body, err := os.ReadFile(scratch)
			os.Remove(scratch)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			mu.Lock()
			newFiles[innerPath] = body
			mu.Unlock()
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}

	order := current.Meta.Files
	for name := range newFiles {
		if !contains(order, name) {
			order = append(order, name)
		}
	}

	if err := d2p.BuildOrdered(target, order, newFiles, current.Meta.Properties); err != nil {
		return err
	}

	uctx.recordDownloadedArchive(fragment+"/"+path, *entry.Archive)
	return nil
}

func (l *Library) downloadArchiveFresh(ctx context.Context, ctl *task.Control, uctx *Context, fragment, path string, entry manifest.DiffFileEntry) error {
	scratch := filepath.Join(uctx.TempDir(), "archive-full-"+entry.Hash)
	files := make(map[string][]byte, len(entry.Archive.Files))
	order := make([]string, 0, len(entry.Archive.Files))

	for innerPath, fileRef := range entry.Archive.Files {
		order = append(order, innerPath)
		dst := filepath.Join(scratch, innerPath)
		req := fetch.Request{
			URL:          l.hashURL(uctx.GameUid, fileRef.Hash),
			Hash:         fileRef.Hash,
			ExpectedSize: int64(fileRef.Size),
			Targets:      []string{dst},
			TempDir:      uctx.TempDir(),
		}
		tsk := l.Fetcher.Start(ctx, fragment+":"+path+":"+innerPath, req)
		tsk.Subscribe(func(p task.Progress) { ctl.Report(p) })
		if err := tsk.Wait(); err != nil {
			return err
		}
		body, err := os.ReadFile(dst)
		if err != nil {
			return err
		}
		files[innerPath] = body
	}
	defer os.RemoveAll(scratch)

	target := filepath.Join(uctx.Location, path)
	if err := d2p.BuildOrdered(target, order, files, nil); err != nil {
		return err
	}
	uctx.recordDownloadedArchive(fragment+"/"+path, *entry.Archive)
	return nil
}

func (l *Library) hashURL(gameUid, hash string) string {
	if len(hash) < 2 {
		return ""
	}
	return fmt.Sprintf("%s/%s/hashes/%s/%s", l.Repo.BaseURL(), gameUid, hash[:2], hash)
}

// untar extracts every regular file in a tar stream into destDir,
// returning a map from member base name to its extracted path.
func untar(tarPath, destDir string) (map[string]string, error) {
	f, err := os.Open(tarPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	members := make(map[string]string)
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		dst := filepath.Join(destDir, filepath.Base(hdr.Name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, err
		}
		out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return nil, err
		}
		out.Close()
		members[filepath.Base(hdr.Name)] = dst
	}
	return members, nil
}

// Package diff implements the DiffEngine: a pure, idempotent
// three-pass reconciliation between a local and a remote manifest,
// scoped to a fragment selection.
package diff

import (
	"runtime"

	"game-update-engine/internal/manifest"
)

// packCoalesceRatio is the fraction of a pack's members that must
// already be slated for download before the pack is fetched whole
// instead of its members individually.
const packCoalesceRatio = 0.5

// Compute produces a Diff for the given fragment selection, comparing
// remote against local. Neither input is mutated; local is cloned
// internally since the algorithm consumes matched entries from a
// scratch copy to discover deletion candidates.
func Compute(selection []string, local, remote manifest.Manifest) manifest.Diff {
	selected := toSet(selection)
	scratch := local.Clone()
	result := make(manifest.Diff, len(remote))

	for fragName, remoteFrag := range remote {
		_, isSelected := selected[fragName]
		_, hasLocal := scratch[fragName]
		if !isSelected && !hasLocal {
			continue
		}

		bucket := manifest.DiffFragment{Files: make(map[string]manifest.DiffFileEntry)}
		localFrag := scratch[fragName]
		if localFrag.Files == nil {
			localFrag.Files = map[string]manifest.FileEntry{}
		}

		for path, remoteEntry := range remoteFrag.Files {
			if !isSelected && hasLocal {
				// Left for the deletion pass below: not part of the
				// active selection, so it is never re-added here.
				continue
			}

			localEntry, exists := localFrag.Files[path]
			hashChanged := !exists || localEntry.Hash != remoteEntry.Hash
			execChanged := exists && runtime.GOOS != "windows" && localEntry.Executable != remoteEntry.Executable

			if hashChanged || execChanged {
				bucket.Files[path] = manifest.DiffFileEntry{
					Hash:              remoteEntry.Hash,
					Size:              remoteEntry.Size,
					Executable:        remoteEntry.Executable,
					Download:          hashChanged,
					UpdatePermissions: execChanged,
				}
			}

			delete(localFrag.Files, path)
		}
		scratch[fragName] = localFrag

		if len(remoteFrag.Archives) > 0 {
			for path, arc := range remoteFrag.Archives {
				if entry, ok := bucket.Files[path]; ok {
					entry.Archive = &arc
					bucket.Files[path] = entry
				}
			}
		}

		result[fragName] = bucket
	}

	applyPackCoalescing(remote, result)
	applyDeletionPass(scratch, result)

	return result
}

// applyPackCoalescing replaces individually-downloaded members of a
// sufficiently-covered pack with one synthetic pack download entry.
func applyPackCoalescing(remote manifest.Manifest, result manifest.Diff) {
	for fragName, remoteFrag := range remote {
		if len(remoteFrag.Packs) == 0 {
			continue
		}
		bucket, ok := result[fragName]
		if !ok {
			continue
		}

		toDownload := make(map[string]string) // contentHash -> path
		for path, entry := range bucket.Files {
			if entry.Download {
				toDownload[entry.Hash] = path
			}
		}

		for packHash, pack := range remoteFrag.Packs {
			subset := make(map[string]string) // hash -> path
			for _, h := range pack.Hashes {
				if path, ok := toDownload[h]; ok {
					subset[h] = path
				}
			}
			if len(pack.Hashes) == 0 {
				continue
			}
			ratio := float64(len(subset)) / float64(len(pack.Hashes))
			if ratio <= packCoalesceRatio {
				continue
			}

			packFiles := make(map[string]manifest.FileEntry, len(subset))
			for hash, path := range subset {
				entry := bucket.Files[path]
				packFiles[path] = manifest.FileEntry{Hash: hash, Size: entry.Size, Executable: entry.Executable}
				delete(bucket.Files, path)
			}

			bucket.Files["$pack:"+packHash] = manifest.DiffFileEntry{
				Hash:      packHash,
				Size:      pack.Size,
				Download:  true,
				IsPack:    true,
				PackFiles: packFiles,
			}
		}
		result[fragName] = bucket
	}
}

// applyDeletionPass marks every file still present in the scratch
// local manifest (i.e. unmatched by the remote pass) as a tombstone,
// unless it is already slated for download under a different
// fragment.
func applyDeletionPass(scratch manifest.Manifest, result manifest.Diff) {
	downloadPaths := make(map[string]bool)
	for _, frag := range result {
		for path, entry := range frag.Files {
			if entry.Download {
				downloadPaths[path] = true
			}
			for innerPath := range entry.PackFiles {
				downloadPaths[innerPath] = true
			}
		}
	}

	for fragName, localFrag := range scratch {
		for path := range localFrag.Files {
			if downloadPaths[path] {
				continue
			}
			bucket, ok := result[fragName]
			if !ok {
				bucket = manifest.DiffFragment{Files: make(map[string]manifest.DiffFileEntry)}
			}
			bucket.Files[path] = manifest.DiffFileEntry{Size: 0, Hash: ""}
			result[fragName] = bucket
		}
	}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

// Package manifest defines the shared data model for remote/local
// content manifests, fragments, and diffs that flow between the
// repository client, diff engine, and action library.
package manifest

// FileEntry describes one file inside a fragment.
//
// A tombstoned entry (Size == 0 && Hash == "") marks the file for
// deletion rather than download.
type FileEntry struct {
	Hash       string `json:"hash"`
	Size       uint64 `json:"size"`
	Executable bool   `json:"executable"`
}

func (f FileEntry) IsTombstone() bool {
	return f.Size == 0 && f.Hash == ""
}

// PackEntry is a tar bundle of multiple files addressed by one hash.
type PackEntry struct {
	Size   uint64   `json:"size"`
	Hashes []string `json:"hashes"`
}

// ArchiveFile describes one member inside an archive container.
type ArchiveFile struct {
	Hash string `json:"hash"`
	Size uint64 `json:"size"`
}

// ArchiveEntry describes a container file (e.g. a .d2p archive) whose
// members are independently manifested and may be patched in place.
type ArchiveEntry struct {
	Files map[string]ArchiveFile `json:"files"`
}

// HashTarget is one (path, size, executable) sharing a content hash,
// used by the diff-side inverted hash index.
type HashTarget struct {
	Path       string
	Size       uint64
	Executable bool
}

// Fragment is one named subset of a release's content.
type Fragment struct {
	Files    map[string]FileEntry    `json:"files"`
	Packs    map[string]PackEntry    `json:"packs,omitempty"`
	Archives map[string]ArchiveEntry `json:"archives,omitempty"`

	// Hashes is an inverted index from content hash to targets sharing
	// it. It is never read off the wire, and nothing in this module
	// populates it (diff.Compute does not build it).
	Hashes map[string][]HashTarget `json:"-"`
}

// Manifest maps fragment name to its record. The "configuration"
// fragment is mandatory and always diffed/downloaded first.
type Manifest map[string]Fragment

const ConfigurationFragment = "configuration"

// Clone returns a deep-enough copy of a manifest for scratch mutation
// during diffing (the diff engine removes matched entries from a
// local-side scratch copy without mutating the caller's manifest).
func (m Manifest) Clone() Manifest {
	out := make(Manifest, len(m))
	for name, frag := range m {
		files := make(map[string]FileEntry, len(frag.Files))
		for k, v := range frag.Files {
			files[k] = v
		}
		out[name] = Fragment{Files: files, Packs: frag.Packs, Archives: frag.Archives}
	}
	return out
}

// FragmentMeta is the size/file-count summary from the .meta sibling,
// used to initialize per-fragment download progress totals.
type FragmentMeta struct {
	TotalSize    uint64 `json:"totalSize"`
	FragmentSize uint64 `json:"fragmentSize"`
	TotalFiles   uint64 `json:"totalFiles"`
}

type MetaSummary map[string]FragmentMeta

// DiffFileEntry is one file's reconciliation outcome.
type DiffFileEntry struct {
	Hash              string `json:"hash"`
	Size              uint64 `json:"size"`
	Executable        bool   `json:"executable"`
	Download          bool   `json:"download"`
	UpdatePermissions bool   `json:"updatePermissions"`
	IsPack            bool   `json:"isPack,omitempty"`

	// PackFiles is populated only when IsPack is true: the set of
	// individual files the pack, once extracted, satisfies.
	PackFiles map[string]FileEntry `json:"packFiles,omitempty"`

	// Archive carries the inner-file manifest when this path is an
	// archive container rather than a plain file.
	Archive *ArchiveEntry `json:"archive,omitempty"`
}

// IsDeletion reports whether this entry represents a tombstone.
func (d DiffFileEntry) IsDeletion() bool {
	return d.Size == 0 && d.Hash == "" && !d.Download
}

// DiffFragment is the reconciliation result for one fragment.
type DiffFragment struct {
	Files map[string]DiffFileEntry
}

// Diff is the DiffEngine's output: same shape as Manifest, keyed by
// fragment, each file entry augmented with reconciliation metadata.
type Diff map[string]DiffFragment

// TotalDownloadSize sums the size of every entry marked for download
// across every fragment — used for disk-space preconditions.
func (d Diff) TotalDownloadSize() uint64 {
	var total uint64
	for _, frag := range d {
		for _, entry := range frag.Files {
			if entry.Download {
				total += entry.Size
			}
		}
	}
	return total
}

package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"game-update-engine/internal/manifest"
)

func TestComputeFreshInstall(t *testing.T) {
	remote := manifest.Manifest{
		"main": manifest.Fragment{Files: map[string]manifest.FileEntry{
			"a.bin": {Hash: "aa", Size: 4, Executable: false},
		}},
	}
	local := manifest.Manifest{}

	d := Compute([]string{"main"}, local, remote)
	entry := d["main"].Files["a.bin"]
	assert.True(t, entry.Download)
	assert.Equal(t, "aa", entry.Hash)
	assert.EqualValues(t, 4, entry.Size)
}

func TestComputeIdempotentWhenInSync(t *testing.T) {
	files := map[string]manifest.FileEntry{"a.bin": {Hash: "aa", Size: 4}}
	remote := manifest.Manifest{"main": manifest.Fragment{Files: files}}
	local := manifest.Manifest{"main": manifest.Fragment{Files: files}}

	d := Compute([]string{"main"}, local, remote)
	bucket, ok := d["main"]
	if ok {
		for _, entry := range bucket.Files {
			assert.False(t, entry.Download)
			assert.False(t, entry.IsDeletion())
		}
	}
}

func TestComputeDeletion(t *testing.T) {
	local := manifest.Manifest{"main": manifest.Fragment{Files: map[string]manifest.FileEntry{
		"a.bin": {Hash: "aa", Size: 4},
		"b.bin": {Hash: "bb", Size: 2},
	}}}
	remote := manifest.Manifest{"main": manifest.Fragment{Files: map[string]manifest.FileEntry{
		"a.bin": {Hash: "aa", Size: 4},
	}}}

	d := Compute([]string{"main"}, local, remote)
	entry, ok := d["main"].Files["b.bin"]
	require.True(t, ok)
	assert.True(t, entry.IsDeletion())
}

func TestComputePackCoalescing(t *testing.T) {
	files := make(map[string]manifest.FileEntry)
	hashes := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		hash := "h" + string(rune('a'+i))
		hashes = append(hashes, hash)
		if i < 6 {
			files["f"+string(rune('a'+i))] = manifest.FileEntry{Hash: hash, Size: 100}
		}
	}
	remote := manifest.Manifest{"main": manifest.Fragment{
		Files: files,
		Packs: map[string]manifest.PackEntry{
			"packhash": {Size: 1000, Hashes: hashes},
		},
	}}
	local := manifest.Manifest{}

	d := Compute([]string{"main"}, local, remote)
	bucket := d["main"]

	packCount := 0
	individual := 0
	for _, entry := range bucket.Files {
		if entry.IsPack {
			packCount++
			assert.Len(t, entry.PackFiles, 6)
		} else if entry.Download {
			individual++
		}
	}
	assert.Equal(t, 1, packCount)
	assert.Equal(t, 0, individual)
}

func TestComputeEmptyConfigurationDiffIsNoOp(t *testing.T) {
	files := map[string]manifest.FileEntry{"a.bin": {Hash: "aa", Size: 4}}
	config := manifest.Manifest{manifest.ConfigurationFragment: manifest.Fragment{Files: files}}

	d := Compute([]string{manifest.ConfigurationFragment}, config, config)
	for _, bucket := range d {
		for _, entry := range bucket.Files {
			assert.False(t, entry.Download)
			assert.False(t, entry.IsDeletion())
		}
	}
}

func TestComputeIsPureAndRepeatable(t *testing.T) {
	remote := manifest.Manifest{"main": manifest.Fragment{Files: map[string]manifest.FileEntry{
		"a.bin": {Hash: "aa", Size: 4},
	}}}
	local := manifest.Manifest{}

	d1 := Compute([]string{"main"}, local, remote)
	d2 := Compute([]string{"main"}, local, remote)
	assert.Equal(t, d1, d2)
	assert.Empty(t, local) // inputs must not be mutated
}

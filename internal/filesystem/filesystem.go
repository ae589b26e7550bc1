// Package filesystem provides the disk-facing helpers shared by the
// action library: free-space preconditions, bounded-concurrency
// directory creation, and empty-directory pruning after deletions.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"
)

// spaceSafetyMargin is added on top of the required bytes so a run
// never lands exactly on empty disk.
const spaceSafetyMargin = 100 * 1024 * 1024

// ErrNotEnoughSpace corresponds to the NOT_ENOUGH_SPACE boundary error.
type ErrNotEnoughSpace struct {
	Required  uint64
	Available uint64
}

func (e *ErrNotEnoughSpace) Error() string {
	return fmt.Sprintf("filesystem: not enough space: need %d bytes (with margin), have %d", e.Required, e.Available)
}

// CheckDiskSpace verifies that the volume containing dir has at least
// requiredBytes plus a fixed safety margin free.
func CheckDiskSpace(dir string, requiredBytes uint64) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("filesystem: disk usage: %w", err)
	}
	need := requiredBytes + spaceSafetyMargin
	if usage.Free < need {
		return &ErrNotEnoughSpace{Required: need, Available: usage.Free}
	}
	return nil
}

// CreateDirectories ensures the parent directory of every path in
// paths exists, bounded to a fixed worker pool. A mkdir failure,
// including a permission error, is returned wrapped; missing entries
// are otherwise silently created.
func CreateDirectories(ctx context.Context, paths []string, concurrency int) error {
	return runBounded(ctx, paths, concurrency, func(p string) error {
		dir := filepath.Dir(p)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("filesystem: mkdir %s: %w", dir, err)
		}
		return nil
	})
}

// ClearEmptyDirectories recursively removes directories under root
// that contain no files (directly or transitively), deepest first.
func ClearEmptyDirectories(root string) error {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("filesystem: walk: %w", err)
	}

	// Deepest paths first so a parent only gets removed once its
	// children have already been pruned away.
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil {
			continue
		}
		if len(entries) == 0 {
			_ = os.Remove(dirs[i])
		}
	}
	return nil
}

// Allocator pre-allocates a file to its final size, reserving disk
// blocks up front so a download fails fast rather than partway through.
type Allocator struct{}

func NewAllocator() *Allocator { return &Allocator{} }

// AllocateFile checks free space and truncates path to size, creating
// parent directories and the file itself if necessary.
func (a *Allocator) AllocateFile(path string, size int64) error {
	if err := CheckDiskSpace(filepath.Dir(path), uint64(size)); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("filesystem: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("filesystem: open: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("filesystem: truncate: %w", err)
	}
	return nil
}

// runBounded runs fn over items with at most concurrency goroutines
// in flight, stopping early (without further dispatch) on first error
// or context cancellation. Missing-file errors during a delete-style
// fn are treated as non-fatal by the caller; this helper only ever
// collects the first error encountered.
func runBounded(ctx context.Context, items []string, concurrency int, fn func(string) error) error {
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, item := range items {
		mu.Lock()
		if firstErr == nil && ctx.Err() != nil {
			firstErr = ctx.Err()
		}
		stop := firstErr != nil
		mu.Unlock()
		if stop {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(it string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(it); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(item)
	}
	wg.Wait()
	return firstErr
}

// DeleteFiles unlinks every path in paths, bounded to concurrency
// workers. A missing file is not an error (it may have already been
// removed by a concurrent fragment's deletion pass).
func DeleteFiles(ctx context.Context, paths []string, concurrency int) ([]string, error) {
	var mu sync.Mutex
	var deleted []string
	err := runBounded(ctx, paths, concurrency, func(p string) error {
		if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return fmt.Errorf("filesystem: remove %s: %w", p, rmErr)
		}
		mu.Lock()
		deleted = append(deleted, p)
		mu.Unlock()
		return nil
	})
	return deleted, err
}

// Chmod applies the executable/non-executable mode convention used by
// the action library. On non-Windows hosts, executables get 0o744
// and non-executables get 0o644; on Windows the call is a no-op since
// the platform has no POSIX executable bit.
func Chmod(path string, executable bool) error {
	return chmodPlatform(path, executable)
}

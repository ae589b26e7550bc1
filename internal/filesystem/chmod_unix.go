//go:build !windows

package filesystem

import "os"

func chmodPlatform(path string, executable bool) error {
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o744
	}
	return os.Chmod(path, mode)
}

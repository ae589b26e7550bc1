//go:build windows

package filesystem

// Windows has no POSIX executable bit; the install tree's permission
// convention is a no-op on this platform.
func chmodPlatform(path string, executable bool) error {
	return nil
}

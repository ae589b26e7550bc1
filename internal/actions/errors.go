package actions

import "fmt"

// LocalHashesError is raised by GetLocalHashes when
// .release.hashes.json is missing or in a legacy shape it cannot
// parse, triggering a REPAIR promotion at the sequencer level.
type LocalHashesError struct {
	Path string
	Err  error
}

func (e *LocalHashesError) Error() string {
	return fmt.Sprintf("actions: local hashes unreadable at %s: %v", e.Path, e.Err)
}

func (e *LocalHashesError) Unwrap() error { return e.Err }

// BadConfigurationError wraps a validator-script failure.
type BadConfigurationError struct {
	Message string
}

func (e *BadConfigurationError) Error() string {
	return fmt.Sprintf("actions: bad configuration: %s", e.Message)
}

// NotEnoughSpaceError mirrors filesystem.ErrNotEnoughSpace at the
// action-library boundary so callers need only import this package.
type NotEnoughSpaceError struct {
	Required  uint64
	Available uint64
}

func (e *NotEnoughSpaceError) Error() string {
	return fmt.Sprintf("actions: not enough space: need %d, have %d", e.Required, e.Available)
}

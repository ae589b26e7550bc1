// Package integrity provides streamed SHA-1 verification of
// downloaded content, matching the hash scheme cytrus blobs are
// addressed by.
package integrity

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// bufferSize is sized for good throughput on spinning and solid-state
// disks alike without pinning too much memory per concurrent verify.
const bufferSize = 4 * 1024 * 1024

// Verifier checks file content against an expected hash.
type Verifier struct{}

func NewVerifier() *Verifier {
	return &Verifier{}
}

// ErrMismatch is returned when the computed hash does not match what
// was expected.
type ErrMismatch struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ErrMismatch) Error() string {
	return fmt.Sprintf("integrity: %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// Verify hashes the file at path and compares it to expectedHash. An
// empty expectedHash means there is nothing to verify.
func (v *Verifier) Verify(path string, expectedHash string) error {
	if expectedHash == "" {
		return nil
	}
	actual, err := HashFile(path)
	if err != nil {
		return err
	}
	if actual != expectedHash {
		return &ErrMismatch{Path: path, Expected: expectedHash, Actual: actual}
	}
	return nil
}

// HashBytes computes the SHA-1 hex digest of data already in memory,
// for callers comparing archive members without writing them to disk.
func HashBytes(data []byte) string {
	h := sha1.Sum(data)
	return hex.EncodeToString(h[:])
}

// HashFile computes the SHA-1 hex digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("integrity: open: %w", err)
	}
	defer f.Close()

	h := sha1.New()
	buf := make([]byte, bufferSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("integrity: hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

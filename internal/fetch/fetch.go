// Package fetch implements the Fetcher: a resumable, hash-verified
// download of one content-addressed blob to one or more target paths,
// built as a ControllableTask so it can be paused, resumed, and
// cancelled by the sequencer that owns it.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"game-update-engine/internal/integrity"
	"game-update-engine/internal/network"
	"game-update-engine/internal/task"
)

const (
	maxRetries  = 5
	tempSuffix  = ".tmp"
	readChunk   = 256 * 1024
	progressEvt = readChunk
)

// ErrHashMismatch is returned when the downloaded content does not
// match the expected content hash after a full transfer.
var ErrHashMismatch = errors.New("fetch: hash mismatch")

// Request describes one fetch unit: a single piece of remote content
// that must land, byte-identical, at every path in Targets.
type Request struct {
	URL          string
	Hash         string // expected SHA-1, empty skips verification
	ExpectedSize int64
	Targets      []string
	TempDir      string
}

// Fetcher downloads one Request, reporting progress and honoring
// pause/resume/cancel via the ControllableTask it's built on.
type Fetcher struct {
	client     *http.Client
	limiter    *network.Limiter
	congestion *network.Congestion
}

// New builds a Fetcher. limiter and congestion may be nil to disable
// bandwidth shaping and concurrency feedback respectively.
func New(limiter *network.Limiter, congestion *network.Congestion) *Fetcher {
	return &Fetcher{
		client:     &http.Client{},
		limiter:    limiter,
		congestion: congestion,
	}
}

// Start runs the fetch as a ControllableTask body. taskID identifies
// this fetch for bandwidth-priority bookkeeping.
func (f *Fetcher) Start(parent context.Context, taskID string, req Request) *task.Task {
	return task.New(parent, func(ctx context.Context, ctl *task.Control) error {
		return f.run(ctx, ctl, taskID, req)
	}, nil)
}

func (f *Fetcher) run(ctx context.Context, ctl *task.Control, taskID string, req Request) error {
	if len(req.Targets) == 0 {
		return fmt.Errorf("fetch: no targets")
	}
	tempPath := filepath.Join(req.TempDir, req.Hash+tempSuffix)
	if err := os.MkdirAll(req.TempDir, 0o755); err != nil {
		return fmt.Errorf("fetch: mkdir temp dir: %w", err)
	}

	var attemptNum int
	for {
		err := f.attempt(ctx, ctl, taskID, req, tempPath, attemptNum)
		if err == nil {
			break
		}
		if errors.Is(err, context.Canceled) {
			os.Remove(tempPath)
			return err
		}
		if !isRetryable(err) {
			os.Remove(tempPath)
			return err
		}
		attemptNum++
		if attemptNum > maxRetries {
			os.Remove(tempPath)
			return fmt.Errorf("fetch: retries exhausted: %w", err)
		}
	}

	if req.Hash != "" {
		sum, err := integrity.HashFile(tempPath)
		if err != nil {
			os.Remove(tempPath)
			return err
		}
		if sum != req.Hash {
			os.Remove(tempPath)
			return fmt.Errorf("%w: expected %s got %s", ErrHashMismatch, req.Hash, sum)
		}
	}

	if err := fanOut(tempPath, req.Targets); err != nil {
		return err
	}
	os.Remove(tempPath)
	return nil
}

// attempt performs one resumable download pass: open (possibly
// resuming) the temp file, issue the request with an appropriate
// Range header, and stream the body in chunks, honoring pause/cancel
// between chunks.
func (f *Fetcher) attempt(ctx context.Context, ctl *task.Control, taskID string, req Request, tempPath string, attemptNum int) error {
	var resumeFrom int64
	if info, err := os.Stat(tempPath); err == nil {
		resumeFrom = info.Size()
	}

	timeout := time.Duration(2000*(attemptNum+1)) * time.Millisecond
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		return err
	}
	if resumeFrom > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusRequestedRangeNotSatisfiable:
		os.Remove(tempPath)
		return fmt.Errorf("fetch: range not satisfiable, retrying from zero")
	case http.StatusOK:
		resumeFrom = 0
	case http.StatusPartialContent:
		if resp.Header.Get("Accept-Ranges") == "" && resp.Header.Get("Content-Range") == "" {
			resumeFrom = 0
		}
	default:
		return fmt.Errorf("fetch: unexpected status %d", resp.StatusCode)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resumeFrom > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(tempPath, flags, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	host := hostOf(req.URL)
	start := time.Now()
	downloaded := resumeFrom

	buf := make([]byte, readChunk)
	for {
		if err := ctl.WaitIfPaused(); err != nil {
			return err
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if f.limiter != nil {
				if err := f.limiter.Wait(ctx, taskID, n); err != nil {
					return err
				}
			}
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			downloaded += int64(n)
			ctl.Report(task.Progress{ChunkSize: n, DownloadedSize: downloaded})
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if f.congestion != nil {
				f.congestion.RecordOutcome(host, time.Since(start), readErr)
			}
			return readErr
		}
	}

	if f.congestion != nil {
		f.congestion.RecordOutcome(host, time.Since(start), nil)
	}

	if req.ExpectedSize > 0 && downloaded != req.ExpectedSize {
		return fmt.Errorf("fetch: size mismatch: got %d want %d", downloaded, req.ExpectedSize)
	}
	return nil
}

// fanOut copies tempPath's content to every target path; if multiple
// targets share the fetched hash, the content is downloaded once and
// then copied from the temp file to each destination in turn.
func fanOut(tempPath string, targets []string) error {
	for _, target := range targets {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("fetch: mkdir target: %w", err)
		}
		if err := copyFile(tempPath, target); err != nil {
			return fmt.Errorf("fetch: copy to %s: %w", target, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func hostOf(rawURL string) string {
	if idx := strings.Index(rawURL, "://"); idx >= 0 {
		rest := rawURL[idx+3:]
		if slash := strings.Index(rest, "/"); slash >= 0 {
			rest = rest[:slash]
		}
		if host, _, err := net.SplitHostPort(rest); err == nil {
			return host
		}
		return rest
	}
	return rawURL
}

// isRetryable classifies the transient error set the spec requires
// retries for: timeouts, connection reset/abort, broken pipe, DNS
// resolution failures, and a 416 answer (the temp file has already been
// removed, so the retry starts from zero).
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"connection reset", "broken pipe", "connection aborted", "EOF", "range not satisfiable"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ParseContentLength is a small helper used by callers that need the
// expected size from a HEAD response before starting a Fetcher.
func ParseContentLength(header string) (int64, error) {
	return strconv.ParseInt(header, 10, 64)
}

// Package repository implements the cytrus v5 manifest repository
// client: manifest/meta/config/blob fetches over HTTPS, DNS-cached
// endpoint rotation, and a polling watcher for the game list.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"game-update-engine/internal/manifest"
)

const cytrusVersion = 5

// NetworkError wraps a repository request failure after its retry
// budget has been exhausted.
type NetworkError struct {
	Op   string
	Path string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("repository: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ErrVersionNotHandled is returned when cytrus.json declares a
// version other than 5.
var ErrVersionNotHandled = fmt.Errorf("repository: cytrus version not handled")

// Platform identifies the host OS string used in release paths.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformDarwin  Platform = "darwin"
	PlatformLinux   Platform = "linux"
)

// Game describes one entry in the cytrus.json game list.
type Game struct {
	GameID    string                       `json:"gameId"`
	Order     int                          `json:"order"`
	Name      string                       `json:"name"`
	Assets    map[string]string            `json:"assets"`
	Platforms map[string]map[string]string `json:"platforms"`
}

// GamesList is the decoded cytrus.json root.
type GamesList struct {
	Version          int             `json:"version"`
	Games            map[string]Game `json:"games"`
	PreReleasedGames map[string]Game `json:"preReleasedGames,omitempty"`
}

// Client talks to one cytrus repository root.
type Client struct {
	baseURL    string
	httpClient *http.Client
	resolver   *endpointResolver
	preRelease bool
}

// New builds a client against baseURL (e.g. "https://cytrus.example.com").
func New(baseURL string, preRelease bool) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		resolver:   newEndpointResolver(baseURL),
		preRelease: preRelease,
	}
}

// BaseURL returns the repository root this client talks to, for
// callers (the Fetcher) that build their own absolute request URLs
// rather than going through getWithRetry's DNS-rotated path.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetGamesList fetches and validates /cytrus.json, folding legacy v4
// key casing to lowerCamelCase and merging pre-release games in when
// enabled.
func (c *Client) GetGamesList(ctx context.Context) (*GamesList, error) {
	body, err := c.getWithRetry(ctx, "/cytrus.json")
	if err != nil {
		return nil, &NetworkError{Op: "getGamesList", Path: "/cytrus.json", Err: err}
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, &NetworkError{Op: "getGamesList", Path: "/cytrus.json", Err: err}
	}
	raw = normalizeLegacyKeys(raw)

	var list GamesList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, &NetworkError{Op: "getGamesList", Path: "/cytrus.json", Err: err}
	}
	if list.Version != cytrusVersion {
		return nil, ErrVersionNotHandled
	}

	if c.preRelease && len(list.PreReleasedGames) > 0 {
		for uid, g := range list.PreReleasedGames {
			list.Games[uid] = g
		}
	}
	return &list, nil
}

func releasePath(gameUid, channel string, platform Platform, version string) string {
	return fmt.Sprintf("/%s/releases/%s/%s/%s", gameUid, channel, platform, version)
}

// GetRelease fetches the per-fragment manifest for a release.
func (c *Client) GetRelease(ctx context.Context, gameUid, channel string, platform Platform, version string) (manifest.Manifest, error) {
	path := releasePath(gameUid, channel, platform, version) + ".json"
	var m manifest.Manifest
	if err := c.getJSON(ctx, path, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetReleaseMeta fetches the fragment size summary sibling file.
func (c *Client) GetReleaseMeta(ctx context.Context, gameUid, channel string, platform Platform, version string) (manifest.MetaSummary, error) {
	path := releasePath(gameUid, channel, platform, version) + ".meta"
	var m manifest.MetaSummary
	if err := c.getJSON(ctx, path, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetReleaseConfig fetches only the configuration fragment, used for
// PRE_INSTALL runs before the rest of the manifest is needed.
func (c *Client) GetReleaseConfig(ctx context.Context, gameUid, channel string, platform Platform, version string) (*manifest.Fragment, error) {
	path := releasePath(gameUid, channel, platform, version) + ".config"
	var frag manifest.Fragment
	if err := c.getJSON(ctx, path, &frag); err != nil {
		return nil, err
	}
	return &frag, nil
}

// GetHash opens a streaming reader for a content-addressed blob.
func (c *Client) GetHash(ctx context.Context, gameUid, hash string) (io.ReadCloser, error) {
	if len(hash) < 2 {
		return nil, &NetworkError{Op: "getHash", Path: hash, Err: fmt.Errorf("hash too short")}
	}
	path := fmt.Sprintf("/%s/hashes/%s/%s", gameUid, hash[:2], hash)
	body, err := c.getWithRetry(ctx, path)
	if err != nil {
		return nil, &NetworkError{Op: "getHash", Path: path, Err: err}
	}
	return body, nil
}

// GetInformation opens a streaming reader for a pack's tar payload,
// addressed the same way as a regular blob.
func (c *Client) GetInformation(ctx context.Context, gameUid, hash string) (io.ReadCloser, error) {
	return c.GetHash(ctx, gameUid, hash)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	body, err := c.getWithRetry(ctx, path)
	if err != nil {
		return &NetworkError{Op: "get", Path: path, Err: err}
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return &NetworkError{Op: "get", Path: path, Err: err}
	}
	return nil
}

// getWithRetry performs a GET against path, rotating across cached
// endpoint IPs and retrying transient failures with exponential
// backoff: up to 2 retries, per-attempt timeout 2000ms * attempt
// count, backoff interval clamped to [1000ms, 2000ms].
func (c *Client) getWithRetry(ctx context.Context, path string) (io.ReadCloser, error) {
	const maxRetries = 2
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		timeout := time.Duration(2000*(attempt+1)) * time.Millisecond
		reqCtx, cancel := context.WithTimeout(ctx, timeout)

		endpoint, host := c.resolver.pick(c.baseURL)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint+path, nil)
		if err != nil {
			cancel()
			return nil, err
		}
		if host != "" {
			req.Host = host
		}

		resp, err := c.httpClient.Do(req)
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			// cancel is deferred to the body close so the timeout
			// context stays alive for as long as the caller reads.
			return &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}, nil
		}
		if err == nil {
			resp.Body.Close()
			err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		cancel()
		lastErr = err

		if attempt < maxRetries {
			backoff := time.Duration(1000+attempt*1000) * time.Millisecond
			if backoff > 2000*time.Millisecond {
				backoff = 2000 * time.Millisecond
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, lastErr
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

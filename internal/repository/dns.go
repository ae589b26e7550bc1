package repository

import (
	"math/rand"
	"net"
	"net/url"
	"sync"
	"time"
)

const (
	minTTL = 30 * time.Second
	maxTTL = 300 * time.Second
)

// endpointResolver caches the A records for a repository host and
// rotates between them uniformly at random, refreshing on TTL expiry
// and retaining the last-known set if a refresh fails.
type endpointResolver struct {
	mu       sync.Mutex
	scheme   string
	host     string
	port     string
	ips      []string
	expireAt time.Time
}

func newEndpointResolver(baseURL string) *endpointResolver {
	u, err := url.Parse(baseURL)
	if err != nil {
		return &endpointResolver{scheme: "https"}
	}
	return &endpointResolver{
		scheme: u.Scheme,
		host:   u.Hostname(),
		port:   u.Port(),
	}
}

// pick returns a request base URL (scheme://ip[:port]) and the
// original hostname to send as the Host header, or falls back to the
// configured base URL verbatim if resolution is unavailable.
func (r *endpointResolver) pick(fallbackBaseURL string) (endpoint, host string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.host == "" {
		return fallbackBaseURL, ""
	}

	if time.Now().After(r.expireAt) {
		r.refreshLocked()
	}
	if len(r.ips) == 0 {
		return fallbackBaseURL, ""
	}

	ip := r.ips[rand.Intn(len(r.ips))]
	addr := ip
	if r.port != "" {
		addr = net.JoinHostPort(ip, r.port)
	}
	return r.scheme + "://" + addr, r.host
}

// refreshLocked re-resolves the host's A records. The standard
// resolver does not expose the record TTL, so the refresh interval is
// pinned to the floor of the clamp range (minTTL); maxTTL remains the
// documented ceiling for resolvers that do report one. On failure,
// the previously cached IPs (and their expiry) are left untouched.
func (r *endpointResolver) refreshLocked() {
	addrs, err := net.LookupHost(r.host)
	if err != nil || len(addrs) == 0 {
		if r.expireAt.IsZero() {
			r.expireAt = time.Now().Add(minTTL)
		}
		return
	}
	r.ips = addrs
	r.expireAt = time.Now().Add(minTTL)
}

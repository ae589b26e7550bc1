package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/showwin/speedtest-go/speedtest"
)

// ThroughputSample is the result of a one-time speed test used to
// seed fetch concurrency before any real download has happened.
type ThroughputSample struct {
	DownloadMbps float64
	UploadMbps   float64
	PingMs       int64
	ServerName   string
	ServerHost   string
	ISP          string
	Timestamp    time.Time
}

// RunThroughputProbe measures nearest-server download/upload
// throughput. The ping, download and upload tests are bounded by ctx;
// the user-info and server-list lookups before them are not.
func RunThroughputProbe(ctx context.Context) (*ThroughputSample, error) {
	user, err := speedtest.FetchUserInfo()
	if err != nil {
		return nil, fmt.Errorf("network: no internet connection: %w", err)
	}

	servers, err := speedtest.FetchServers()
	if err != nil {
		return nil, fmt.Errorf("network: fetch servers: %w", err)
	}

	targets, err := servers.FindServer(nil)
	if err != nil || len(targets) == 0 {
		return nil, fmt.Errorf("network: no speed test servers available")
	}
	server := targets[0]

	if err := server.PingTestContext(ctx, nil); err != nil {
		return nil, fmt.Errorf("network: ping test: %w", err)
	}
	if err := server.DownloadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("network: download test: %w", err)
	}
	if err := server.UploadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("network: upload test: %w", err)
	}

	return &ThroughputSample{
		DownloadMbps: float64(server.DLSpeed) / 1000 / 1000 * 8,
		UploadMbps:   float64(server.ULSpeed) / 1000 / 1000 * 8,
		PingMs:       server.Latency.Milliseconds(),
		ServerName:   server.Name,
		ServerHost:   server.Host,
		ISP:          user.Isp,
		Timestamp:    time.Now(),
	}, nil
}

// SeededConcurrency turns a throughput sample into a recommended
// starting worker count: roughly one worker per 8Mbps of measured
// download throughput, clamped to [min, max].
func SeededConcurrency(sample *ThroughputSample, min, max int) int {
	if sample == nil || sample.DownloadMbps <= 0 {
		return min
	}
	workers := int(sample.DownloadMbps / 8)
	if workers < min {
		return min
	}
	if workers > max {
		return max
	}
	return workers
}

// IsOnline reports whether outbound connectivity currently appears to
// be available by attempting a short TCP dial against host. Nothing in
// this module calls it; the update queue's global pause is not driven
// by a connectivity check.
func IsOnline(ctx context.Context, host string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

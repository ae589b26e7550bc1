// Command updatectl runs the update engine as a standalone service: a
// loopback control API fronting the queue, release store registry,
// and action library, replacing the teacher's desktop application
// shell with a headless daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"game-update-engine/internal/actions"
	"game-update-engine/internal/config"
	"game-update-engine/internal/control"
	"game-update-engine/internal/events"
	"game-update-engine/internal/fetch"
	"game-update-engine/internal/logger"
	"game-update-engine/internal/network"
	"game-update-engine/internal/release"
	"game-update-engine/internal/repository"
	"game-update-engine/internal/schedule"
	"game-update-engine/internal/sequencer"
	"game-update-engine/internal/storage"
	"game-update-engine/internal/updatequeue"
	"game-update-engine/internal/validate"
)

func main() {
	dataRoot := flag.String("data-root", "", "root directory for release installs and state (defaults to user config dir)")
	baseURL := flag.String("repository-url", "https://cytrus.cdn.ankama.com", "cytrus repository base URL")
	platform := flag.String("platform", "linux", "platform identifier: windows, darwin, or linux")
	preRelease := flag.Bool("pre-release", false, "opt into pre-release channels")
	flag.Parse()

	root := *dataRoot
	if root == "" {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, "updatectl: resolve config dir:", err)
			os.Exit(1)
		}
		root = filepath.Join(cfgDir, "updatectl")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "updatectl: create data root:", err)
		os.Exit(1)
	}

	bus := events.New()
	log, err := logger.New(filepath.Join(root, "logs"), os.Stdout, bus)
	if err != nil {
		fmt.Fprintln(os.Stderr, "updatectl: init logger:", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	dbStore, err := storage.Open(filepath.Join(root, "engine.db"))
	if err != nil {
		log.Error("open analytics store", "error", err)
		os.Exit(1)
	}
	defer dbStore.Close()
	cfg := config.NewManager(dbStore)

	if cfg.RepositoryBaseURL() == "" {
		_ = cfg.SetRepositoryBaseURL(*baseURL)
	}
	if cfg.DataRoot() == "" {
		_ = cfg.SetDataRoot(root)
	}

	repo := repository.New(cfg.RepositoryBaseURL(), *preRelease)
	limiter := network.NewLimiter()
	if bps := cfg.GlobalBandwidthLimitBps(); bps > 0 {
		limiter.SetLimit(bps)
	}
	congestion := network.NewCongestion(1, cfg.MaxConcurrentDownloads())
	fetcher := fetch.New(limiter, congestion)
	validator := validate.NewRunner()

	lib := &actions.Library{Repo: repo, Fetcher: fetcher, Validator: validator}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := updatequeue.New(ctx, bus)

	eng := &engine{
		lib:      lib,
		queue:    queue,
		bus:      bus,
		stateDir: filepath.Join(root, "releases"),
		dataRoot: root,
		platform: repository.Platform(*platform),
		stores:   make(map[string]*release.Store),
	}

	auditPath := filepath.Join(root, "logs", "audit.log")
	audit := control.NewAuditLogger(log, auditPath)
	defer audit.Close()

	server := control.New(queue, eng, bus, audit)
	stop, err := server.Start(cfg.ControlPort())
	if err != nil {
		log.Error("start control server", "error", err)
		os.Exit(1)
	}
	defer stop()
	log.Info("control server listening", "port", cfg.ControlPort())

	sched := schedule.New(log, queue)
	if windowExpr := cfg.UpdateWindowCron(); windowExpr != "" {
		log.Warn("update window cron override is set but not applied; the update window scheduler runs without configured window hours", "expr", windowExpr)
	}
	sched.Start()
	defer sched.Stop()

	waitForSignal()
	log.Info("shutting down")
}

// engine implements control.Starter: it owns the release store
// registry and turns an HTTP start request into a queued Sequencer.
type engine struct {
	lib      *actions.Library
	queue    *updatequeue.Queue
	bus      *events.Bus
	stateDir string
	dataRoot string
	platform repository.Platform

	mu     sync.Mutex
	stores map[string]*release.Store
}

func (e *engine) StartUpdate(gameUid, releaseName string, t sequencer.Type, fragments []string) error {
	store, err := e.storeFor(gameUid, releaseName)
	if err != nil {
		return fmt.Errorf("engine: load release store: %w", err)
	}

	location := filepath.Join(e.dataRoot, "installs", gameUid, releaseName)
	uctx := actions.NewContext(gameUid, "release", e.platform, location, e.releaseStateDir(gameUid, releaseName), "updatectl")
	uctx.Fragments = fragments

	seq := sequencer.New(e.lib, store, e.bus, uctx)
	update := updatequeue.NewUpdate(gameUid, releaseName, t, seq)
	e.queue.Add(update)
	return nil
}

func (e *engine) storeFor(gameUid, releaseName string) (*release.Store, error) {
	key := gameUid + "/" + releaseName
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.stores[key]; ok {
		return s, nil
	}
	dir := e.releaseStateDir(gameUid, releaseName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s, err := release.Load(dir, gameUid, releaseName)
	if err != nil {
		return nil, err
	}
	e.stores[key] = s
	return s, nil
}

func (e *engine) releaseStateDir(gameUid, releaseName string) string {
	return filepath.Join(e.stateDir, gameUid, releaseName)
}

// Package sequencer implements the UpdateSequencer: a finite action
// queue driven to completion for one release, built from the action
// library and reacting to fragment-list changes mid-flight.
package sequencer

import (
	"context"
	"errors"
	"sync"
	"time"

	"game-update-engine/internal/actions"
	"game-update-engine/internal/events"
	"game-update-engine/internal/manifest"
	"game-update-engine/internal/release"
	"game-update-engine/internal/task"
)

// Type is the kind of update run being sequenced.
type Type int

const (
	PreInstall Type = iota
	Install
	Update
	Repair
)

func (t Type) String() string {
	switch t {
	case PreInstall:
		return "PRE_INSTALL"
	case Install:
		return "INSTALL"
	case Update:
		return "UPDATE"
	case Repair:
		return "REPAIR"
	default:
		return "UNKNOWN"
	}
}

const saveHashesInterval = 10 * time.Second

// speedBucket is one 100ms slice of downloaded-byte accounting for the
// sliding-window speed estimate.
type speedBucket struct {
	at    time.Time
	bytes int64
}

// FragmentProgress tracks bytes downloaded vs. total for one fragment.
type FragmentProgress struct {
	Downloaded uint64
	Total      uint64
}

// Sequencer drives one release's update to completion, owning the
// actions.Context for the duration of the run.
type Sequencer struct {
	Lib   *actions.Library
	Store *release.Store
	Bus   *events.Bus
	Ctx   *actions.Context

	mu sync.Mutex

	alreadyDownloaded uint64
	fragmentProgress  map[string]*FragmentProgress
	speedBuckets      []speedBucket

	task *task.Task
}

type step struct {
	name string
	run  func(ctx context.Context, ctl *task.Control) error
}

// New builds a Sequencer for one release run.
func New(lib *actions.Library, store *release.Store, bus *events.Bus, uctx *actions.Context) *Sequencer {
	return &Sequencer{
		Lib:              lib,
		Store:            store,
		Bus:              bus,
		Ctx:              uctx,
		fragmentProgress: make(map[string]*FragmentProgress),
	}
}

// Start builds the step queue for updateType and runs it as a
// ControllableTask. The returned Task can be paused/resumed/cancelled
// by the owning UpdateQueue.
//
// The prelude (GetRemoteHashes/GetLocalHashes/LoadConfiguration/
// CheckConfiguration/WriteReleaseInfos) runs once. The fragment phase
// that follows is rebuilt from scratch whenever LoadConfiguration
// reports a changed fragment list mid-flight: not-yet-started
// downloads for a dropped fragment are never started, a checkpoint
// SaveHashes runs, and CreateDiff/CreateDirectories/DownloadFragment
// are rebuilt against the new selection.
func (s *Sequencer) Start(parent context.Context, updateType Type) *task.Task {
	s.task = task.New(parent, func(ctx context.Context, ctl *task.Control) error {
		stop := s.runPeriodicSaveHashes(ctl)
		defer stop()

		if err := s.runQueue(ctx, ctl, s.commonPrelude(updateType)); err != nil {
			s.publish(events.KindUpdateCancelled, nil)
			return err
		}

		if updateType != PreInstall {
			for {
				fragments := append([]string(nil), s.Ctx.Fragments...)
				var changed *fragmentsChangedError
				err := s.runQueue(ctx, ctl, s.fragmentPhase(fragments))
				if errors.As(err, &changed) {
					if saveErr := s.Lib.SaveHashes(ctx, ctl, s.Ctx); saveErr != nil {
						s.handleError(saveErr)
						return saveErr
					}
					s.Ctx.Fragments = changed.fragments
					continue
				}
				if err != nil {
					s.publish(events.KindUpdateCancelled, nil)
					return err
				}
				break
			}

			if err := s.runQueue(ctx, ctl, s.finalization()); err != nil {
				s.publish(events.KindUpdateCancelled, nil)
				return err
			}
		}

		s.publish(events.KindUpdateCompleted, nil)
		return nil
	}, func() {
		s.publish(events.KindUpdateCancelled, nil)
	})

	s.task.Subscribe(s.onProgress)
	s.publish(events.KindUpdateStarted, map[string]string{"type": updateType.String()})
	return s.task
}

// runQueue executes steps in order, honoring pause/cancel between each
// one. It never holds s.mu across a step's execution: steps like
// DownloadFragment report progress synchronously from worker
// goroutines through the same task this loop drives, and onProgress
// takes s.mu itself, so holding it here would self-deadlock.
func (s *Sequencer) runQueue(ctx context.Context, ctl *task.Control, steps []step) error {
	for _, st := range steps {
		if err := ctl.WaitIfPaused(); err != nil {
			return err
		}
		if err := st.run(ctx, ctl); err != nil {
			var changed *fragmentsChangedError
			if !errors.As(err, &changed) {
				s.handleError(err)
			}
			return err
		}
	}
	return nil
}

func (s *Sequencer) commonPrelude(updateType Type) []step {
	queue := []step{
		{"GetRemoteHashes", s.wrap("GetRemoteHashes", s.Lib.GetRemoteHashes)},
	}

	switch updateType {
	case Repair:
		queue = append(queue, step{"Repair", s.wrap("Repair", s.Lib.Repair)})
	case Update:
		queue = append(queue, step{"GetLocalHashes", s.wrap("GetLocalHashes", s.Lib.GetLocalHashes)})
	case Install:
		// fresh install: no local state to read or rebuild.
	case PreInstall:
		// configuration-only prelude never touches local state either.
	}

	queue = append(queue,
		step{"CreateDiff[configuration]", s.diffFragments([]string{manifest.ConfigurationFragment})},
		step{"DownloadFragment[configuration]", s.downloadFragment(manifest.ConfigurationFragment)},
		step{"LoadConfiguration", s.wrap("LoadConfiguration", s.Lib.LoadConfiguration)},
	)

	if updateType != PreInstall {
		queue = append(queue,
			step{"CheckConfiguration", s.wrap("CheckConfiguration", s.Lib.CheckConfiguration)},
			step{"WriteReleaseInfos", s.wrap("WriteReleaseInfos", s.Lib.WriteReleaseInfos)},
		)
	}
	return queue
}

// fragmentPhase builds CreateDiff + CreateDirectories + one
// DownloadFragment per non-configuration fragment in fragments. Before
// each DownloadFragment it inserts a checkFragmentSelection step that
// re-reads the configuration fragment already on disk and aborts the
// phase with a *fragmentsChangedError if the fragment list it names
// has since changed, so a config update mid-run never lets a stale
// download start.
func (s *Sequencer) fragmentPhase(fragments []string) []step {
	queue := []step{
		{"CreateDiff[fragments]", s.diffFragments(fragments)},
		{"CreateDirectories", s.wrap("CreateDirectories", s.Lib.CreateDirectories)},
	}
	for _, fragment := range fragments {
		if fragment == manifest.ConfigurationFragment {
			continue
		}
		queue = append(queue,
			step{"CheckFragmentSelection", s.checkFragmentSelection(fragments)},
			step{"DownloadFragment[" + fragment + "]", s.downloadFragment(fragment)},
		)
	}
	return queue
}

// fragmentsChangedError signals that LoadConfiguration's on-disk
// fragment list no longer matches the fragment phase in flight. The
// caller rebuilds the phase against the carried fragments instead of
// starting the next download.
type fragmentsChangedError struct {
	fragments []string
}

func (e *fragmentsChangedError) Error() string {
	return "sequencer: fragment selection changed mid-flight"
}

// checkFragmentSelection re-runs LoadConfiguration and compares the
// fragment list it yields against expected, the list the in-flight
// phase was built for. It never mutates s.Ctx.Fragments itself —
// the caller's rebuild loop does that once it decides to restart.
func (s *Sequencer) checkFragmentSelection(expected []string) func(context.Context, *task.Control) error {
	return func(ctx context.Context, ctl *task.Control) error {
		before := s.Ctx.Fragments
		s.Ctx.Fragments = expected
		if err := s.Lib.LoadConfiguration(ctx, ctl, s.Ctx); err != nil {
			s.Ctx.Fragments = before
			return err
		}
		current := s.Ctx.Fragments
		s.Ctx.Fragments = before
		if !equalFragments(expected, current) {
			return &fragmentsChangedError{fragments: current}
		}
		return nil
	}
}

// equalFragments compares two fragment lists regardless of order.
func equalFragments(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	tally := make(map[string]int, len(a))
	for _, f := range a {
		tally[f]++
	}
	for _, f := range b {
		tally[f]--
	}
	for _, n := range tally {
		if n != 0 {
			return false
		}
	}
	return true
}

func (s *Sequencer) finalization() []step {
	return []step{
		{"DeleteFiles", s.wrap("DeleteFiles", s.Lib.DeleteFiles)},
		{"ClearEmptyDirectories", s.wrap("ClearEmptyDirectories", s.Lib.ClearEmptyDirectories)},
		{"SaveHashes", s.wrap("SaveHashes", s.Lib.SaveHashes)},
	}
}

type libAction func(ctx context.Context, ctl *task.Control, uctx *actions.Context) error

func (s *Sequencer) wrap(name string, fn libAction) func(context.Context, *task.Control) error {
	return func(ctx context.Context, ctl *task.Control) error {
		return fn(ctx, ctl, s.Ctx)
	}
}

func (s *Sequencer) downloadFragment(fragment string) func(context.Context, *task.Control) error {
	return func(ctx context.Context, ctl *task.Control) error {
		return s.Lib.DownloadFragment(ctx, ctl, s.Ctx, fragment)
	}
}

func (s *Sequencer) diffFragments(fragments []string) func(context.Context, *task.Control) error {
	return func(ctx context.Context, ctl *task.Control) error {
		s.Ctx.Fragments = fragments
		if err := s.Lib.CreateDiff(ctx, ctl, s.Ctx); err != nil {
			return err
		}
		s.resetFragmentProgress()
		return nil
	}
}

func (s *Sequencer) resetFragmentProgress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fragmentProgress = make(map[string]*FragmentProgress)
	for fragment, frag := range s.Ctx.Diff {
		meta := s.Ctx.MetaSummary[fragment]
		var downloaded uint64
		for _, entry := range frag.Files {
			if !entry.Download {
				downloaded += entry.Size
			}
		}
		s.fragmentProgress[fragment] = &FragmentProgress{Downloaded: downloaded, Total: meta.FragmentSize}
	}
}

// onProgress updates the sliding speed window and republishes a
// coalesced progress event, driven by task.Progress reports from the
// currently executing DownloadFragment.
func (s *Sequencer) onProgress(p task.Progress) {
	now := time.Now()

	s.mu.Lock()
	if n := len(s.speedBuckets); n > 0 && now.Sub(s.speedBuckets[n-1].at) < 100*time.Millisecond {
		s.speedBuckets[n-1].bytes += p.ChunkSize
	} else {
		s.speedBuckets = append(s.speedBuckets, speedBucket{at: now, bytes: p.ChunkSize})
	}
	cutoff := now.Add(-1500 * time.Millisecond)
	kept := s.speedBuckets[:0]
	var total int64
	var earliest time.Time
	for _, b := range s.speedBuckets {
		if b.at.Before(cutoff) {
			continue
		}
		kept = append(kept, b)
		total += b.bytes
		if earliest.IsZero() || b.at.Before(earliest) {
			earliest = b.at
		}
	}
	s.speedBuckets = kept

	deltaMs := int64(50)
	if !earliest.IsZero() {
		if d := now.Sub(earliest).Milliseconds(); d > deltaMs {
			deltaMs = d
		}
	}
	speed := 1000 * total / deltaMs
	s.mu.Unlock()

	s.publish(events.KindUpdateProgress, map[string]interface{}{
		"downloadedSize": p.DownloadedSize,
		"chunkSize":      p.ChunkSize,
		"speedBps":       speed,
	})
}

func (s *Sequencer) runPeriodicSaveHashes(ctl *task.Control) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(saveHashesInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctl.Context().Done():
				return
			case <-ticker.C:
				_ = s.Lib.SaveHashes(ctl.Context(), ctl, s.Ctx)
			}
		}
	}()
	return func() { close(stop) }
}

// handleError marks the release dirty, persists it, and schedules a
// REPAIR on the next run if the failure was a LocalHashesError.
func (s *Sequencer) handleError(err error) {
	var localErr *actions.LocalHashesError
	if isLocalHashesError(err, &localErr) {
		_ = s.Store.Mutate(func(st *release.State) {
			st.IsDirty = true
			st.IsRepairing = st.RepositoryVersion
		})
	} else {
		_ = s.Store.MarkDirty()
	}
	s.publish(events.KindUpdateError, map[string]string{"error": err.Error()})
}

func isLocalHashesError(err error, target **actions.LocalHashesError) bool {
	for err != nil {
		if le, ok := err.(*actions.LocalHashesError); ok {
			*target = le
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (s *Sequencer) publish(kind events.Kind, payload interface{}) {
	if s.Bus == nil {
		return
	}
	s.Bus.Publish(events.Event{Kind: kind, GameUid: s.Ctx.GameUid, Payload: payload})
}

// OverallProgress reports the aggregate downloaded/total across every
// fragment plus whatever was already on disk before this run.
func (s *Sequencer) OverallProgress() (downloaded, total uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	downloaded, total = s.alreadyDownloaded, s.alreadyDownloaded
	for _, fp := range s.fragmentProgress {
		downloaded += fp.Downloaded
		total += fp.Total
	}
	return downloaded, total
}

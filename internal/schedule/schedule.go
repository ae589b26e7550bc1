// Package schedule implements the UpdateWindowScheduler: an optional
// cron-backed global pause trigger that keeps the update queue idle
// outside a configured [startHour, stopHour) window.
package schedule

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Window is the configured active hours, both in [0, 23].
type Window struct {
	Enabled   bool
	StartHour int
	StopHour  int
}

// Gate is anything the scheduler can pause/resume — satisfied by
// *updatequeue.Queue's SetGlobalPause method.
type Gate interface {
	SetGlobalPause(paused bool)
}

// Scheduler applies Window as a second global pause trigger alongside
// connectivity, layered on top of whatever state the gate already
// holds for other triggers.
type Scheduler struct {
	logger *slog.Logger
	cron   *cron.Cron
	gate   Gate

	mu         sync.Mutex
	window     Window
	startEntry cron.EntryID
	stopEntry  cron.EntryID
}

// New builds a Scheduler. The cron loop isn't started until Start is
// called.
func New(logger *slog.Logger, gate Gate) *Scheduler {
	return &Scheduler{logger: logger, cron: cron.New(), gate: gate}
}

func (s *Scheduler) Start() { s.cron.Start() }
func (s *Scheduler) Stop()  { s.cron.Stop() }

// SetWindow replaces the active window, rescheduling the start/stop
// jobs. Passing a disabled window cancels both jobs without touching
// the gate's current pause state.
func (s *Scheduler) SetWindow(w Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.startEntry != 0 {
		s.cron.Remove(s.startEntry)
		s.startEntry = 0
	}
	if s.stopEntry != 0 {
		s.cron.Remove(s.stopEntry)
		s.stopEntry = 0
	}
	s.window = w
	if !w.Enabled {
		return nil
	}

	startID, err := s.cron.AddFunc(specFromHour(w.StartHour), func() {
		s.logger.Info("update window opened", "hour", w.StartHour)
		s.gate.SetGlobalPause(false)
	})
	if err != nil {
		return fmt.Errorf("schedule: add start job: %w", err)
	}
	s.startEntry = startID

	stopID, err := s.cron.AddFunc(specFromHour(w.StopHour), func() {
		s.logger.Info("update window closed", "hour", w.StopHour)
		s.gate.SetGlobalPause(true)
	})
	if err != nil {
		return fmt.Errorf("schedule: add stop job: %w", err)
	}
	s.stopEntry = stopID
	return nil
}

// InWindow reports whether the current hour falls inside the
// configured window, used to set the gate's initial state at startup
// before the next cron boundary fires.
func (w Window) InWindow(hour int) bool {
	if !w.Enabled {
		return true
	}
	if w.StartHour == w.StopHour {
		return true
	}
	if w.StartHour < w.StopHour {
		return hour >= w.StartHour && hour < w.StopHour
	}
	return hour >= w.StartHour || hour < w.StopHour
}

func specFromHour(hour int) string {
	return fmt.Sprintf("0 %d * * *", hour)
}

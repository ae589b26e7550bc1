// Package updatequeue implements the UpdateQueue: a FIFO of update
// handles with an at-most-one-running invariant and a global pause
// gate (connectivity, update window) layered on top of this package's
// own priority operations.
package updatequeue

import (
	"context"
	"sync"

	"game-update-engine/internal/events"
	"game-update-engine/internal/sequencer"
	"game-update-engine/internal/task"
)

// runner is the subset of *sequencer.Sequencer the queue depends on,
// narrowed to an interface so tests can drive the queue without a
// real action library.
type runner interface {
	Start(ctx context.Context, t sequencer.Type) *task.Task
}

// Update is one queued or running release update.
type Update struct {
	GameUid      string
	ReleaseName  string
	Type         sequencer.Type
	PausedByUser bool

	seq runner
	tsk *task.Task
}

// Snapshot is the read-only view of an Update exposed to API clients.
type Snapshot struct {
	GameUid      string `json:"gameUid"`
	ReleaseName  string `json:"releaseName"`
	Type         string `json:"type"`
	Position     int    `json:"position"`
	Running      bool   `json:"running"`
	PausedByUser bool   `json:"pausedByUser"`
}

// Queue is the UpdateQueue: updates is the FIFO, current is the
// running entry (also present in updates; at index 0 unless
// user-paused entries ahead of it were skipped when it started).
type Queue struct {
	mu       sync.Mutex
	updates  []*Update
	current  *Update
	isPaused bool
	bus      *events.Bus
	ctx      context.Context
}

// New builds an empty Queue. ctx bounds the lifetime of every
// sequencer run the queue starts.
func New(ctx context.Context, bus *events.Bus) *Queue {
	return &Queue{ctx: ctx, bus: bus}
}

// NewUpdate builds a queued handle wrapping a not-yet-started
// sequencer.
func NewUpdate(gameUid, releaseName string, t sequencer.Type, seq *sequencer.Sequencer) *Update {
	return newUpdate(gameUid, releaseName, t, seq)
}

func newUpdate(gameUid, releaseName string, t sequencer.Type, seq runner) *Update {
	return &Update{GameUid: gameUid, ReleaseName: releaseName, Type: t, seq: seq}
}

// Add appends u to the tail and starts it immediately if nothing is
// currently running or the current entry is paused by the user.
func (q *Queue) Add(u *Update) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.updates = append(q.updates, u)
	if q.current == nil || q.current.PausedByUser {
		q.startHeadLocked(false)
	}
	q.publishChanged()
}

// SetIndex moves u to position i. If either its old or new index is
// 0, the current update is paused and the new head is started unless
// the queue is globally paused.
func (q *Queue) SetIndex(u *Update, i int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	oldIdx := q.indexOfLocked(u)
	if oldIdx < 0 || i < 0 || i >= len(q.updates) {
		return false
	}

	boundary := oldIdx == 0 || i == 0
	q.updates = append(q.updates[:oldIdx], q.updates[oldIdx+1:]...)
	if i > oldIdx {
		i--
	}
	q.updates = append(q.updates[:i], append([]*Update{u}, q.updates[i:]...)...)

	if boundary {
		q.pauseRunningLocked(false)
		if !q.isPaused {
			q.startHeadLocked(false)
		}
	}
	q.publishChanged()
	return true
}

// Pause pauses the named update, but only if it is the one currently
// running — pausing a merely-queued entry is a no-op since it isn't
// consuming any resources yet.
func (q *Queue) Pause(gameUid, releaseName string, byUser bool) bool {
	q.mu.Lock()
	isCurrent := q.current != nil && q.current.GameUid == gameUid && q.current.ReleaseName == releaseName
	q.mu.Unlock()
	if !isCurrent {
		return false
	}
	q.PauseCurrentUpdate(byUser)
	return true
}

// PauseCurrentUpdate pauses the running update. With more than one
// queued entry it moves the paused update to the tail; with exactly
// one it pauses in place.
func (q *Queue) PauseCurrentUpdate(byUser bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return
	}
	q.pauseRunningLocked(byUser)
	if len(q.updates) > 1 {
		q.moveToTailLocked(q.updates[0])
	}
	q.publishChanged()
}

// ResumeUpdate promotes the named update to the head and starts it,
// clearing PausedByUser only when byUser is set (a non-user resume
// must never clear a user's own pause).
func (q *Queue) ResumeUpdate(gameUid, releaseName string, byUser bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	var target *Update
	idx := -1
	for i, u := range q.updates {
		if u.GameUid == gameUid && u.ReleaseName == releaseName {
			target = u
			idx = i
			break
		}
	}
	if target == nil {
		return false
	}
	if target.PausedByUser && !byUser {
		return false
	}

	q.updates = append(q.updates[:idx], q.updates[idx+1:]...)
	q.updates = append([]*Update{target}, q.updates...)
	if byUser {
		target.PausedByUser = false
	}
	q.pauseRunningLocked(false)
	if !q.isPaused {
		q.startHeadLocked(byUser)
	}
	q.publishChanged()
	return true
}

// SetGlobalPause is the connectivity/update-window trigger: pausing
// stops the current run (never user-paused); clearing resumes the
// head if it isn't itself user-paused.
func (q *Queue) SetGlobalPause(paused bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isPaused == paused {
		return
	}
	q.isPaused = paused
	if paused {
		q.pauseRunningLocked(false)
	} else {
		q.startHeadLocked(false)
	}
	q.publishChanged()
}

// Cancel stops the named update, removing it from the queue.
func (q *Queue) Cancel(gameUid, releaseName string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, u := range q.updates {
		if u.GameUid != gameUid || u.ReleaseName != releaseName {
			continue
		}
		if u.tsk != nil {
			_ = u.tsk.Cancel()
		}
		q.updates = append(q.updates[:i], q.updates[i+1:]...)
		if q.current == u {
			q.current = nil
			q.startHeadLocked(false)
		}
		q.publishChanged()
		return true
	}
	return false
}

// Reorder moves the named update to a named priority position: one of
// "first", "prev", "next", "last".
func (q *Queue) Reorder(gameUid, releaseName, direction string) bool {
	q.mu.Lock()
	u, idx := q.findLocked(gameUid, releaseName)
	if u == nil {
		q.mu.Unlock()
		return false
	}

	var target int
	switch direction {
	case "first":
		target = 0
	case "last":
		target = len(q.updates) - 1
	case "prev":
		target = idx - 1
	case "next":
		target = idx + 1
	default:
		q.mu.Unlock()
		return false
	}
	q.mu.Unlock()

	return q.SetIndex(u, target)
}

func (q *Queue) findLocked(gameUid, releaseName string) (*Update, int) {
	for i, u := range q.updates {
		if u.GameUid == gameUid && u.ReleaseName == releaseName {
			return u, i
		}
	}
	return nil, -1
}

// Get returns the snapshot for one queued update, if present.
func (q *Queue) Get(gameUid, releaseName string) (Snapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	u, idx := q.findLocked(gameUid, releaseName)
	if u == nil {
		return Snapshot{}, false
	}
	return Snapshot{
		GameUid:      u.GameUid,
		ReleaseName:  u.ReleaseName,
		Type:         u.Type.String(),
		Position:     idx,
		Running:      u == q.current,
		PausedByUser: u.PausedByUser,
	}, true
}

// List returns a snapshot of every queued update in order.
func (q *Queue) List() []Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Snapshot, len(q.updates))
	for i, u := range q.updates {
		out[i] = Snapshot{
			GameUid:      u.GameUid,
			ReleaseName:  u.ReleaseName,
			Type:         u.Type.String(),
			Position:     i,
			Running:      u == q.current,
			PausedByUser: u.PausedByUser,
		}
	}
	return out
}

// --- internal, caller must hold q.mu ---

func (q *Queue) indexOfLocked(u *Update) int {
	for i, v := range q.updates {
		if v == u {
			return i
		}
	}
	return -1
}

func (q *Queue) moveToTailLocked(u *Update) {
	idx := q.indexOfLocked(u)
	if idx < 0 {
		return
	}
	q.updates = append(q.updates[:idx], q.updates[idx+1:]...)
	q.updates = append(q.updates, u)
}

func (q *Queue) pauseRunningLocked(byUser bool) {
	if q.current == nil {
		return
	}
	if q.current.tsk != nil {
		_ = q.current.tsk.Pause()
	}
	q.current.PausedByUser = byUser
	q.current = nil
}

// startHeadLocked starts updates[0] as the new current entry unless
// it's paused-by-user and the caller didn't request a user-resume, in
// which case it skips to the next non-user-paused update.
func (q *Queue) startHeadLocked(byUser bool) {
	if q.isPaused || len(q.updates) == 0 {
		return
	}
	for _, u := range q.updates {
		if u.PausedByUser && !byUser {
			continue
		}
		q.current = u
		q.current.tsk = q.current.seq.Start(q.ctx, q.current.Type)
		return
	}
}

func (q *Queue) publishChanged() {
	if q.bus == nil {
		return
	}
	q.bus.Publish(events.Event{Kind: events.KindQueueChanged})
}

package updatequeue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"game-update-engine/internal/sequencer"
	"game-update-engine/internal/task"
)

type fakeRunner struct {
	started int
}

func (f *fakeRunner) Start(ctx context.Context, t sequencer.Type) *task.Task {
	f.started++
	return task.New(ctx, func(context.Context, *task.Control) error { return nil }, nil)
}

func newTestUpdate(gameUid, release string) (*Update, *fakeRunner) {
	r := &fakeRunner{}
	return newUpdate(gameUid, release, sequencer.Update, r), r
}

func TestAddStartsHeadWhenIdle(t *testing.T) {
	q := New(context.Background(), nil)
	u, r := newTestUpdate("wakfu", "main")
	q.Add(u)
	require.NotNil(t, q.current)
	assert.Equal(t, 1, r.started)
}

func TestAddDoesNotStartSecondEntry(t *testing.T) {
	q := New(context.Background(), nil)
	u1, r1 := newTestUpdate("wakfu", "main")
	u2, r2 := newTestUpdate("dofus", "main")
	q.Add(u1)
	q.Add(u2)
	assert.Equal(t, 1, r1.started)
	assert.Equal(t, 0, r2.started)
	assert.Same(t, u1, q.current)
}

func TestPauseCurrentMovesToTailWhenMultiple(t *testing.T) {
	q := New(context.Background(), nil)
	u1, _ := newTestUpdate("wakfu", "main")
	u2, r2 := newTestUpdate("dofus", "main")
	q.Add(u1)
	q.Add(u2)

	q.PauseCurrentUpdate(true)
	assert.Nil(t, q.current)
	require.Len(t, q.updates, 2)
	assert.Same(t, u1, q.updates[len(q.updates)-1])
	assert.True(t, u1.PausedByUser)
	assert.Equal(t, 0, r2.started)
}

func TestResumeUpdatePromotesToHead(t *testing.T) {
	q := New(context.Background(), nil)
	u1, _ := newTestUpdate("wakfu", "main")
	u2, r2 := newTestUpdate("dofus", "main")
	q.Add(u1)
	q.updates = append(q.updates, u2)

	ok := q.ResumeUpdate("dofus", "main", true)
	require.True(t, ok)
	assert.Same(t, u2, q.current)
	assert.Equal(t, 1, r2.started)
	assert.False(t, u2.PausedByUser)
}

func TestSetGlobalPauseStopsThenResumesHead(t *testing.T) {
	q := New(context.Background(), nil)
	u1, r1 := newTestUpdate("wakfu", "main")
	q.Add(u1)
	require.Equal(t, 1, r1.started)

	q.SetGlobalPause(true)
	assert.Nil(t, q.current)

	q.SetGlobalPause(false)
	assert.Same(t, u1, q.current)
	assert.Equal(t, 2, r1.started)
}

func TestResumeUpdateRefusesUserPausedWithoutUserFlag(t *testing.T) {
	q := New(context.Background(), nil)
	u1, _ := newTestUpdate("wakfu", "main")
	u2, _ := newTestUpdate("dofus", "main")
	q.Add(u1)
	q.updates = append(q.updates, u2)
	u2.PausedByUser = true

	ok := q.ResumeUpdate("dofus", "main", false)
	assert.False(t, ok)
}

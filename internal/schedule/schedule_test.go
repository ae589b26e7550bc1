package schedule

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGate struct {
	paused []bool
}

func (f *fakeGate) SetGlobalPause(paused bool) { f.paused = append(f.paused, paused) }

func TestInWindowDisabledAlwaysTrue(t *testing.T) {
	w := Window{Enabled: false}
	assert.True(t, w.InWindow(3))
}

func TestInWindowSameDayRange(t *testing.T) {
	w := Window{Enabled: true, StartHour: 8, StopHour: 20}
	assert.True(t, w.InWindow(8))
	assert.True(t, w.InWindow(19))
	assert.False(t, w.InWindow(20))
	assert.False(t, w.InWindow(3))
}

func TestInWindowWrapsMidnight(t *testing.T) {
	w := Window{Enabled: true, StartHour: 22, StopHour: 6}
	assert.True(t, w.InWindow(23))
	assert.True(t, w.InWindow(2))
	assert.False(t, w.InWindow(12))
}

func TestSetWindowSchedulesJobs(t *testing.T) {
	gate := &fakeGate{}
	s := New(slog.Default(), gate)
	require.NoError(t, s.SetWindow(Window{Enabled: true, StartHour: 8, StopHour: 20}))
	assert.NotZero(t, s.startEntry)
	assert.NotZero(t, s.stopEntry)
}

func TestSetWindowDisabledClearsJobs(t *testing.T) {
	gate := &fakeGate{}
	s := New(slog.Default(), gate)
	require.NoError(t, s.SetWindow(Window{Enabled: true, StartHour: 8, StopHour: 20}))
	require.NoError(t, s.SetWindow(Window{Enabled: false}))
	assert.Zero(t, s.startEntry)
	assert.Zero(t, s.stopEntry)
}

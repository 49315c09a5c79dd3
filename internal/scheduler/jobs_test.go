package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var taipei = time.FixedZone("Asia/Taipei", 8*3600)

type fakeGate struct {
	open  bool
	asked time.Time
}

func (f *fakeGate) InWindow(now time.Time) bool {
	f.asked = now
	return f.open
}

type fakeFlattener struct {
	calls  int
	reason string
	closed int
	failed int
}

func (f *fakeFlattener) FlattenAll(ctx context.Context, reason string) (int, int) {
	f.calls++
	f.reason = reason
	return f.closed, f.failed
}

func TestFuncJob(t *testing.T) {
	ran := false
	j := NewFuncJob("news_refresh", func() error {
		ran = true
		return nil
	})

	assert.Equal(t, "news_refresh", j.Name())
	require.NoError(t, j.Run())
	assert.True(t, ran)

	boom := errors.New("boom")
	assert.ErrorIs(t, NewFuncJob("x", func() error { return boom }).Run(), boom)
}

func TestWindowJob_RunsOnlyInsideWindow(t *testing.T) {
	at := time.Date(2026, 8, 25, 12, 0, 0, 0, taipei)
	gate := &fakeGate{}
	calls := 0
	j := NewWindowJob("tick", gate, func() error {
		calls++
		return nil
	})
	j.now = func() time.Time { return at }

	require.NoError(t, j.Run())
	assert.Zero(t, calls, "closed window suppresses the task")
	assert.True(t, gate.asked.Equal(at))

	gate.open = true
	require.NoError(t, j.Run())
	assert.Equal(t, 1, calls)
}

func TestWindowJob_PropagatesTaskErrors(t *testing.T) {
	boom := errors.New("tick failed")
	j := NewWindowJob("tick", &fakeGate{open: true}, func() error { return boom })

	assert.ErrorIs(t, j.Run(), boom)
}

func TestFlattenJob_FlattensOncePerDay(t *testing.T) {
	exec := &fakeFlattener{closed: 2}
	j := NewFlattenJob(context.Background(), exec, taipei, testLog())
	at := time.Date(2026, 8, 25, 12, 59, 50, 0, taipei)
	j.now = func() time.Time { return at }

	require.NoError(t, j.Run())
	assert.Equal(t, 1, exec.calls)
	assert.Equal(t, "window close", exec.reason)
	assert.Equal(t, "2026-08-25", j.LastFlatten())

	// A second fire on the same date is a no-op.
	require.NoError(t, j.Run())
	assert.Equal(t, 1, exec.calls)

	// The next trading day flattens again.
	at = at.AddDate(0, 0, 1)
	require.NoError(t, j.Run())
	assert.Equal(t, 2, exec.calls)
	assert.Equal(t, "2026-08-26", j.LastFlatten())
}

func TestFlattenJob_FailedRowsLeaveDateUnmarked(t *testing.T) {
	exec := &fakeFlattener{closed: 1, failed: 2}
	j := NewFlattenJob(context.Background(), exec, taipei, testLog())
	j.now = func() time.Time { return time.Date(2026, 8, 25, 12, 59, 50, 0, taipei) }

	err := j.Run()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "left 2 positions open")
	assert.Empty(t, j.LastFlatten())

	// The date stayed unmarked, so a retry goes through.
	exec.failed = 0
	require.NoError(t, j.Run())
	assert.Equal(t, 2, exec.calls)
	assert.Equal(t, "2026-08-25", j.LastFlatten())
}

func TestFlattenJob_RestoredMarkerSuppressesRun(t *testing.T) {
	exec := &fakeFlattener{}
	j := NewFlattenJob(context.Background(), exec, taipei, testLog())
	j.now = func() time.Time { return time.Date(2026, 8, 25, 12, 59, 50, 0, taipei) }

	// The warm-state restore says today already flattened.
	j.SetLastFlatten("2026-08-25")

	require.NoError(t, j.Run())
	assert.Zero(t, exec.calls)
}

func TestFlattenSpec(t *testing.T) {
	spec, err := FlattenSpec("13:00", 10)
	require.NoError(t, err)
	assert.Equal(t, "50 59 12 * * *", spec)

	spec, err = FlattenSpec("13:30", 10)
	require.NoError(t, err)
	assert.Equal(t, "50 29 13 * * *", spec)

	// Zero lead falls back to the 10 second default.
	spec, err = FlattenSpec("13:00", 0)
	require.NoError(t, err)
	assert.Equal(t, "50 59 12 * * *", spec)

	spec, err = FlattenSpec("13:00", 90)
	require.NoError(t, err)
	assert.Equal(t, "30 58 12 * * *", spec)

	_, err = FlattenSpec("noon", 10)
	require.Error(t, err)
}

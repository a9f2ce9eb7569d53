package maintenance_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-race-matchmaking/internal/maintenance"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newScheduler(t *testing.T, clock clockwork.Clock) *maintenance.Scheduler {
	t.Helper()
	s, err := maintenance.New(clock, time.Second, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

// TestScheduler_RunsJobs 測試工作依間隔執行，失敗不影響下一次
func TestScheduler_RunsJobs(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newScheduler(t, clock)

	var runs atomic.Int32
	require.NoError(t, s.Add(maintenance.Job{
		Name:     "count",
		Interval: time.Minute,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return errors.New("always fails")
		},
	}))
	s.Start()

	require.Eventually(t, func() bool {
		clock.Advance(time.Minute)
		return runs.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

// TestScheduler_InvalidInterval 測試無效間隔
func TestScheduler_InvalidInterval(t *testing.T) {
	s := newScheduler(t, clockwork.NewFakeClock())
	err := s.Add(maintenance.Job{Name: "bad", Run: func(context.Context) error { return nil }})
	assert.Error(t, err)
}

// TestPruneRegistry 測試清除過期房間記錄
func TestPruneRegistry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := registry.New(clock, testLogger())
	t.Cleanup(reg.Stop)
	ctx := context.Background()

	_, err := reg.CreateRoom(ctx, 5)
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	_, err = reg.CreateRoom(ctx, 5)
	require.NoError(t, err)

	job := maintenance.PruneRegistry(reg, time.Hour, 10*time.Minute)
	assert.Equal(t, "prune-registry", job.Name)
	require.NoError(t, job.Run(ctx))

	n, err := reg.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type fakeGC struct {
	ratio float64
	err   error
}

func (f *fakeGC) RunGC(discardRatio float64) error {
	f.ratio = discardRatio
	return f.err
}

// TestCollectGarbage 測試存儲回收工作
func TestCollectGarbage(t *testing.T) {
	gc := &fakeGC{}
	job := maintenance.CollectGarbage(gc, 0.5, time.Hour)
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 0.5, gc.ratio)

	gc.err = errors.New("gc failed")
	assert.Error(t, job.Run(context.Background()))
}

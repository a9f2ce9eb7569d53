package actor_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// TestActor_FIFO 測試訊息依投遞順序執行
func TestActor_FIFO(t *testing.T) {
	a := actor.New("fifo", testLogger())
	defer a.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, a.Post(func() { got = append(got, i) }))
	}

	out, err := actor.Ask(context.Background(), a, func() []int {
		return append([]int(nil), got...)
	})
	require.NoError(t, err)
	require.Len(t, out, 100)
	for i, v := range out {
		assert.Equal(t, i, v)
	}
}

// TestActor_SerializesConcurrentPosts 測試並發投遞不會造成資料競爭
func TestActor_SerializesConcurrentPosts(t *testing.T) {
	a := actor.New("counter", testLogger())
	defer a.Stop()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = a.Do(context.Background(), func() { counter++ })
			}
		}()
	}
	wg.Wait()

	n, err := actor.Ask(context.Background(), a, func() int { return counter })
	require.NoError(t, err)
	assert.Equal(t, 1000, n)
}

// TestActor_AskContextCancelled 測試 Ask 尊重 context
func TestActor_AskContextCancelled(t *testing.T) {
	a := actor.New("slow", testLogger())
	defer a.Stop()

	release := make(chan struct{})
	a.Post(func() { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := actor.Ask(ctx, a, func() int { return 1 })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestActor_Stop 測試停止後拒絕新訊息，但排隊中的訊息仍會執行
func TestActor_Stop(t *testing.T) {
	a := actor.New("stop", testLogger())

	ran := make(chan struct{})
	a.Post(func() { close(ran) })
	a.Stop()

	assert.False(t, a.Post(func() {}))
	assert.ErrorIs(t, a.Do(context.Background(), func() {}), actor.ErrStopped)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("queued message did not run")
	}
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("actor did not finish")
	}
}

// TestActor_PanicIsolated 測試 panic 不會終止 Actor
func TestActor_PanicIsolated(t *testing.T) {
	a := actor.New("panic", testLogger())
	defer a.Stop()

	a.Post(func() { panic("boom") })

	n, err := actor.Ask(context.Background(), a, func() int { return 42 })
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

// TestNamespace_GetOrCreate 測試同名只建立一次
func TestNamespace_GetOrCreate(t *testing.T) {
	created := 0
	ns := actor.NewNamespace(func(name string) *string {
		created++
		return &name
	})

	var wg sync.WaitGroup
	results := make([]*string, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = ns.Get("room_a")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	for _, r := range results {
		assert.Same(t, results[0], r)
	}

	ns.Get("room_b")
	assert.Equal(t, []string{"room_a", "room_b"}, ns.Names())
	assert.Equal(t, 2, ns.Len())

	_, ok := ns.Lookup("room_c")
	assert.False(t, ok)
}

// TestNamespace_RemoveIf 測試只移除相同實例
func TestNamespace_RemoveIf(t *testing.T) {
	ns := actor.NewNamespace(func(name string) *string { return &name })

	old := ns.Get("room")
	assert.True(t, ns.RemoveIf("room", func(v *string) bool { return v == old }))

	fresh := ns.Get("room")
	assert.NotSame(t, old, fresh)
	assert.False(t, ns.RemoveIf("room", func(v *string) bool { return v == old }))

	drained := ns.Drain()
	assert.Len(t, drained, 1)
	assert.Equal(t, 0, ns.Len())
}

// TestTimer_StopIgnoresFiredCallback 測試取消後的回呼不會執行
func TestTimer_StopIgnoresFiredCallback(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := actor.New("timer", testLogger())
	defer a.Stop()

	var timer *actor.Timer
	fired := 0
	require.NoError(t, a.Do(context.Background(), func() {
		timer = a.NewTimer(clock)
		timer.Schedule(time.Second, func() { fired++ })
	}))

	// 第一次排程正常觸發
	clock.Advance(time.Second)
	assert.Eventually(t, func() bool {
		n, _ := actor.Ask(context.Background(), a, func() int { return fired })
		return n == 1
	}, time.Second, 5*time.Millisecond)

	// 重新排程後立即取消
	require.NoError(t, a.Do(context.Background(), func() {
		timer.Schedule(time.Second, func() { fired++ })
		timer.Stop()
	}))
	clock.Advance(2 * time.Second)
	time.Sleep(20 * time.Millisecond)

	n, err := actor.Ask(context.Background(), a, func() int { return fired })
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := actor.Ask(context.Background(), a, timer.Pending)
	require.NoError(t, err)
	assert.False(t, pending)
}

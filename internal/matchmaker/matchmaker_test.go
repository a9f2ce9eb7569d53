package matchmaker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/matchmaker"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// fakeAllocator 可控制失敗次數的建房下游
type fakeAllocator struct {
	mu       sync.Mutex
	calls    int
	failures int
	next     int
}

func (f *fakeAllocator) CreateRoom(ctx context.Context, size int) (registry.Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.failures > 0 {
		f.failures--
		return registry.Allocation{}, errors.New("registry unavailable")
	}
	f.next++
	id := fmt.Sprintf("room_%d", f.next)
	return registry.Allocation{RoomID: id, ConnectPath: registry.ConnectPath(id)}, nil
}

func (f *fakeAllocator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestMatchmaker(t *testing.T, cfg matchmaker.Config, alloc matchmaker.RoomAllocator) (*matchmaker.Matchmaker, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	mm, err := matchmaker.New(cfg, alloc, clock, testLogger())
	require.NoError(t, err)
	t.Cleanup(mm.Stop)
	return mm, clock
}

func testConfig() matchmaker.Config {
	cfg := matchmaker.DefaultConfig()
	cfg.PublicBaseURL = "ws://race.test"
	return cfg
}

func waitCountdown(t *testing.T, mm *matchmaker.Matchmaker, phase string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := mm.Stats(context.Background())
		return err == nil && s.Countdown == phase
	}, time.Second, 5*time.Millisecond)
}

// TestMatchmaker_IdempotentJoin 測試重複加入返回相同位置
func TestMatchmaker_IdempotentJoin(t *testing.T) {
	mm, _ := newTestMatchmaker(t, testConfig(), &fakeAllocator{})
	ctx := context.Background()

	_, err := mm.Join(ctx, "alice")
	require.NoError(t, err)
	first, err := mm.Join(ctx, "bob")
	require.NoError(t, err)
	second, err := mm.Join(ctx, "bob")
	require.NoError(t, err)

	assert.Equal(t, matchmaker.StatusQueued, first.Status)
	assert.Equal(t, 2, first.Position)
	assert.Equal(t, 10, first.EstWaitSec)
	assert.Equal(t, first, second)

	stats, err := mm.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.QueueCount)
}

// TestMatchmaker_ConcurrentJoinSamePlayer 測試並發重試只產生一筆記錄
func TestMatchmaker_ConcurrentJoinSamePlayer(t *testing.T) {
	mm, _ := newTestMatchmaker(t, testConfig(), &fakeAllocator{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := mm.Join(context.Background(), "alice")
			assert.NoError(t, err)
			assert.Equal(t, 1, res.Position)
		}()
	}
	wg.Wait()

	stats, err := mm.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.QueueCount)
}

// TestMatchmaker_FIFOMatching 測試湊滿立即成團，第 6 人排在第 1 位
func TestMatchmaker_FIFOMatching(t *testing.T) {
	alloc := &fakeAllocator{}
	mm, _ := newTestMatchmaker(t, testConfig(), alloc)
	ctx := context.Background()

	players := []string{"a", "b", "c", "d", "e"}
	var last matchmaker.Result
	for _, p := range players {
		res, err := mm.Join(ctx, p)
		require.NoError(t, err)
		last = res
	}

	// 第 5 人觸發成團，直接拿到房間
	require.Equal(t, matchmaker.StatusMatched, last.Status)
	assert.Equal(t, "ws://race.test/ws/room/"+last.RoomID, last.WSURL)

	// 其他人在下次 poll 拿到同一個房間
	for _, p := range players[:4] {
		res, err := mm.Poll(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, matchmaker.StatusMatched, res.Status, p)
		assert.Equal(t, last.RoomID, res.RoomID, p)
	}

	sixth, err := mm.Join(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, matchmaker.StatusQueued, sixth.Status)
	assert.Equal(t, 1, sixth.Position)
	assert.Equal(t, 0, sixth.EstWaitSec)
	assert.Equal(t, 1, alloc.Calls())
}

// TestMatchmaker_TTLExpiry 測試排隊逾時
func TestMatchmaker_TTLExpiry(t *testing.T) {
	mm, clock := newTestMatchmaker(t, testConfig(), &fakeAllocator{})
	ctx := context.Background()

	_, err := mm.Join(ctx, "alice")
	require.NoError(t, err)

	clock.Advance(21 * time.Second)

	for i := 0; i < 2; i++ {
		res, err := mm.Poll(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, matchmaker.StatusTimeout, res.Status)
	}

	stats, err := mm.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.QueueCount)
}

// TestMatchmaker_UnknownPlayerPoll 測試未加入的玩家
func TestMatchmaker_UnknownPlayerPoll(t *testing.T) {
	mm, _ := newTestMatchmaker(t, testConfig(), &fakeAllocator{})

	res, err := mm.Poll(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, matchmaker.StatusTimeout, res.Status)

	_, err = mm.Poll(context.Background(), "")
	assert.ErrorIs(t, err, matchmaker.ErrMissingPlayer)
}

// TestMatchmaker_CountdownCancellation 測試倒數中有人取消
func TestMatchmaker_CountdownCancellation(t *testing.T) {
	alloc := &fakeAllocator{}
	mm, clock := newTestMatchmaker(t, testConfig(), alloc)
	ctx := context.Background()

	_, err := mm.Join(ctx, "alice")
	require.NoError(t, err)
	_, err = mm.Join(ctx, "bob")
	require.NoError(t, err)
	waitCountdown(t, mm, "delaying")

	res, err := mm.Cancel(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, matchmaker.StatusCancelled, res.Status)
	waitCountdown(t, mm, "idle")

	clock.Advance(18 * time.Second)
	time.Sleep(20 * time.Millisecond)

	res, err = mm.Poll(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, matchmaker.StatusQueued, res.Status)
	assert.Equal(t, 1, res.Position)
	assert.Equal(t, 0, alloc.Calls())
}

// TestMatchmaker_TwoPlayerScenario 測試兩人在延遲窗口內加入，約 17 秒後成團
func TestMatchmaker_TwoPlayerScenario(t *testing.T) {
	alloc := &fakeAllocator{}
	mm, clock := newTestMatchmaker(t, testConfig(), alloc)
	ctx := context.Background()

	_, err := mm.Join(ctx, "alice")
	require.NoError(t, err)
	clock.Advance(500 * time.Millisecond)
	_, err = mm.Join(ctx, "bob")
	require.NoError(t, err)

	// 延遲 2 秒後才真正開始倒數
	clock.Advance(2 * time.Second)
	waitCountdown(t, mm, "counting")

	clock.Advance(14 * time.Second)
	res, err := mm.Poll(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, matchmaker.StatusQueued, res.Status)

	clock.Advance(time.Second)

	var roomID string
	require.Eventually(t, func() bool {
		res, err := mm.Poll(ctx, "alice")
		if err != nil || res.Status != matchmaker.StatusMatched {
			return false
		}
		roomID = res.RoomID
		return true
	}, time.Second, 5*time.Millisecond)

	bob, err := mm.Poll(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, matchmaker.StatusMatched, bob.Status)
	assert.Equal(t, roomID, bob.RoomID)
	assert.Equal(t, 1, alloc.Calls())
}

// TestMatchmaker_AllocationFailureRollback 測試建房失敗時玩家留在佇列並在下次 poll 重試
func TestMatchmaker_AllocationFailureRollback(t *testing.T) {
	cfg := testConfig()
	cfg.RoomSize = 2
	alloc := &fakeAllocator{failures: 1}
	mm, _ := newTestMatchmaker(t, cfg, alloc)
	ctx := context.Background()

	_, err := mm.Join(ctx, "alice")
	require.NoError(t, err)

	// 第二人湊滿房間，但建房失敗
	res, err := mm.Join(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, matchmaker.StatusQueued, res.Status)
	assert.Equal(t, 2, res.Position)

	stats, err := mm.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.QueueCount)
	assert.Equal(t, 0, stats.Reserved)

	// 下次 poll 立即重試
	res, err = mm.Poll(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, matchmaker.StatusMatched, res.Status)

	bob, err := mm.Poll(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, matchmaker.StatusMatched, bob.Status)
	assert.Equal(t, res.RoomID, bob.RoomID)
	assert.Equal(t, 2, alloc.Calls())
}

// TestMatchmaker_CancelClearsAssignment 測試成團後取消
func TestMatchmaker_CancelClearsAssignment(t *testing.T) {
	cfg := testConfig()
	cfg.RoomSize = 2
	mm, _ := newTestMatchmaker(t, cfg, &fakeAllocator{})
	ctx := context.Background()

	_, err := mm.Join(ctx, "alice")
	require.NoError(t, err)
	res, err := mm.Join(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, matchmaker.StatusMatched, res.Status)

	_, err = mm.Cancel(ctx, "alice")
	require.NoError(t, err)

	res, err = mm.Poll(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, matchmaker.StatusTimeout, res.Status)
}

// TestMatchmaker_JoinWhileAssigned 測試保留期內重新加入返回原房間
func TestMatchmaker_JoinWhileAssigned(t *testing.T) {
	cfg := testConfig()
	cfg.RoomSize = 2
	mm, clock := newTestMatchmaker(t, cfg, &fakeAllocator{})
	ctx := context.Background()

	_, err := mm.Join(ctx, "alice")
	require.NoError(t, err)
	first, err := mm.Join(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, matchmaker.StatusMatched, first.Status)

	// 回應遺失後重送的 join 不能讓玩家離開已分配的房間
	again, err := mm.Join(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// 先 cancel 才會重新排隊
	_, err = mm.Cancel(ctx, "alice")
	require.NoError(t, err)
	res, err := mm.Join(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, matchmaker.StatusQueued, res.Status)
	assert.Equal(t, 1, res.Position)

	// 保留期過後的 join 視為新的一輪
	clock.Advance(cfg.MatchRetention + time.Second)
	res, err = mm.Join(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, matchmaker.StatusQueued, res.Status)
	assert.Equal(t, 1, res.Position)
}

// TestResult_MarshalJSON 測試各狀態的輸出欄位
func TestResult_MarshalJSON(t *testing.T) {
	tests := []struct {
		name   string
		result matchmaker.Result
		want   string
	}{
		{
			name:   "queued keeps zero wait",
			result: matchmaker.Result{Status: matchmaker.StatusQueued, Position: 1},
			want:   `{"status":"queued","position":1,"estWaitSec":0}`,
		},
		{
			name:   "matched",
			result: matchmaker.Result{Status: matchmaker.StatusMatched, RoomID: "room_1", WSURL: "ws://x/ws/room/room_1"},
			want:   `{"status":"matched","roomId":"room_1","wsUrl":"ws://x/ws/room/room_1"}`,
		},
		{
			name:   "timeout",
			result: matchmaker.Result{Status: matchmaker.StatusTimeout, Position: 3},
			want:   `{"status":"timeout"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.result)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(raw))
		})
	}
}

// TestConfig_Validate 測試參數驗證
func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, matchmaker.DefaultConfig().Validate())

	cfg := matchmaker.DefaultConfig()
	cfg.RoomSize = 1
	assert.Error(t, cfg.Validate())

	cfg = matchmaker.DefaultConfig()
	cfg.MinPlayersToStart = 6
	assert.Error(t, cfg.Validate())

	_, err := matchmaker.New(cfg, &fakeAllocator{}, clockwork.NewFakeClock(), testLogger())
	assert.Error(t, err)
}

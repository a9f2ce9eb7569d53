package server_test

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-race-matchmaking/internal/server"
)

// TestStress_ConcurrentQueueJoin 測試大量玩家同時排隊，每人恰好分到一個房間
func TestStress_ConcurrentQueueJoin(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	env := newTestEnv(t, server.Options{})

	const numPlayers = 200

	var (
		wg         sync.WaitGroup
		errorCount int32
	)

	start := time.Now()

	for i := 0; i < numPlayers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			// 重試 join 必須是冪等的
			for attempt := 0; attempt < 2; attempt++ {
				w := env.do(t, http.MethodPost, "/api/queue/join", map[string]string{"playerId": fmt.Sprintf("player_%d", id)})
				if w.Code != http.StatusOK {
					atomic.AddInt32(&errorCount, 1)
				}
			}
		}(i)
	}
	wg.Wait()

	rooms := make(map[string][]string)
	for i := 0; i < numPlayers; i++ {
		playerID := fmt.Sprintf("player_%d", i)
		w := env.do(t, http.MethodGet, "/api/queue/poll?playerId="+playerID, nil)
		resp := decode(t, w)
		require.Equal(t, "matched", resp["status"], playerID)
		roomID := resp["roomId"].(string)
		rooms[roomID] = append(rooms[roomID], playerID)
	}
	duration := time.Since(start)

	t.Logf("排隊壓力測試結果:")
	t.Logf("  玩家數: %d", numPlayers)
	t.Logf("  房間數: %d", len(rooms))
	t.Logf("  耗時: %v", duration)

	assert.Equal(t, int32(0), errorCount)
	assert.Len(t, rooms, numPlayers/2)
	for roomID, players := range rooms {
		assert.Len(t, players, 2, roomID)
	}
}

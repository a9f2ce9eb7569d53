package events_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-race-matchmaking/internal/events"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/leaderboard"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// TestEncodeDecode 測試線上格式
func TestEncodeDecode(t *testing.T) {
	published := time.UnixMilli(1_700_000_000_000).UTC()
	data, err := events.Encode(events.LeaderboardUpdate{
		Source:      "node-a",
		Top:         []leaderboard.Entry{{PlayerID: "alice", PlayerName: "Alice", Wins: 3, TotalRaces: 4}},
		PublishedAt: published,
	})
	require.NoError(t, err)

	got, err := events.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "node-a", got.Source)
	require.Len(t, got.Top, 1)
	assert.Equal(t, 3, got.Top[0].Wins)
	assert.True(t, published.Equal(got.PublishedAt))
}

// TestEncode_EmptyTop 測試空排行榜編碼為空陣列
func TestEncode_EmptyTop(t *testing.T) {
	data, err := events.Encode(events.LeaderboardUpdate{Source: "node-a"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"top":[]`)
}

// TestDecode_Invalid 測試無效訊息
func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "{"},
		{"missing source", `{"top":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := events.Decode([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

// TestBus_RemoteUpdate 測試跨實例廣播（需要 NATS_URL）
func TestBus_RemoteUpdate(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}

	a, err := events.Connect(url, "node-a", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := events.Connect(url, "node-b", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	fromA := make(chan events.LeaderboardUpdate, 1)
	unsubB, err := b.OnRemoteUpdate(func(u events.LeaderboardUpdate) { fromA <- u })
	require.NoError(t, err)
	defer func() { _ = unsubB() }()

	self := make(chan events.LeaderboardUpdate, 1)
	unsubA, err := a.OnRemoteUpdate(func(u events.LeaderboardUpdate) { self <- u })
	require.NoError(t, err)
	defer func() { _ = unsubA() }()

	require.NoError(t, a.Publish(context.Background(), []leaderboard.Entry{{PlayerID: "alice", Wins: 1}}))

	select {
	case u := <-fromA:
		assert.Equal(t, "node-a", u.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("node-b did not receive update")
	}

	select {
	case <-self:
		t.Fatal("node-a received its own update")
	case <-time.After(100 * time.Millisecond):
	}
}

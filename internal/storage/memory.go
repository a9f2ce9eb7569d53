// Package storage 排行榜的持久化後端
//
// 後端選擇：
//   - Memory：開發測試，重啟即丟失
//   - Badger：單機嵌入式 KV，預設後端
//   - Redis：多個實例共用同一份排行榜
package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/koopa0/system-design/14-race-matchmaking/internal/leaderboard"
)

// Memory 內存存儲
type Memory struct {
	mu      sync.RWMutex
	entries map[string]leaderboard.Entry
}

// NewMemory 創建內存存儲
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]leaderboard.Entry),
	}
}

// LoadAll 依 playerId 排序返回所有記錄
func (m *Memory) LoadAll(ctx context.Context) ([]leaderboard.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]leaderboard.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out, nil
}

// Put 寫入（覆蓋）一筆記錄
func (m *Memory) Put(ctx context.Context, e leaderboard.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[e.PlayerID] = e
	return nil
}

// DeleteAll 清空
func (m *Memory) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]leaderboard.Entry)
	return nil
}

// Close 無資源需要釋放
func (m *Memory) Close() error {
	return nil
}

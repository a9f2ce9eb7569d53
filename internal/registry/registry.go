// Package registry 負責發放房間 ID 並記錄房間的中繼資料。
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/actor"
	"github.com/segmentio/ksuid"
)

// Name Registry Actor 的全域名稱
const Name = "global-registry"

// MaxRoomSize 單一房間的人數上限
const MaxRoomSize = 100

var (
	ErrInvalidSize = errors.New("room size must be between 2 and 100")
	ErrNotFound    = errors.New("room not found")
)

// Record 房間中繼資料，建立後不再變更
//
// 記錄只是簿記用途，不會和實際在線的房間做交叉驗證。
type Record struct {
	RoomID     string    `json:"roomId"`
	MaxPlayers int       `json:"maxPlayers"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Allocation CreateRoom 的結果
type Allocation struct {
	RoomID      string `json:"roomId"`
	ConnectPath string `json:"roomWebSocketPath"`
}

// ConnectPath 房間的 WebSocket 路徑
func ConnectPath(roomID string) string {
	return "/ws/room/" + roomID
}

// Registry 房間登記處
type Registry struct {
	actor  *actor.Actor
	clock  clockwork.Clock
	logger *slog.Logger

	// 以下欄位只在 actor 內存取
	rooms map[string]Record
}

// New 創建 Registry
func New(clock clockwork.Clock, logger *slog.Logger) *Registry {
	return &Registry{
		actor:  actor.New(Name, logger),
		clock:  clock,
		logger: logger,
		rooms:  make(map[string]Record),
	}
}

// CreateRoom 發放一個新的房間 ID
//
// ID 格式為 room_<ksuid>：ksuid 前綴是時間戳，後面是 128 bit 隨機數，
// 不需要協調就能保證唯一。
func (r *Registry) CreateRoom(ctx context.Context, size int) (Allocation, error) {
	if size < 2 || size > MaxRoomSize {
		return Allocation{}, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	return actor.Ask(ctx, r.actor, func() Allocation {
		id := "room_" + ksuid.New().String()
		r.rooms[id] = Record{
			RoomID:     id,
			MaxPlayers: size,
			CreatedAt:  r.clock.Now(),
		}

		r.logger.Info("房間已登記",
			"room_id", id,
			"max_players", size,
			"total_rooms", len(r.rooms))

		return Allocation{RoomID: id, ConnectPath: ConnectPath(id)}
	})
}

// Get 查詢房間記錄
func (r *Registry) Get(ctx context.Context, roomID string) (Record, error) {
	type result struct {
		rec Record
		ok  bool
	}
	res, err := actor.Ask(ctx, r.actor, func() result {
		rec, ok := r.rooms[roomID]
		return result{rec, ok}
	})
	if err != nil {
		return Record{}, err
	}
	if !res.ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, roomID)
	}
	return res.rec, nil
}

// List 依建立時間列出所有記錄
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	return actor.Ask(ctx, r.actor, func() []Record {
		out := make([]Record, 0, len(r.rooms))
		for _, rec := range r.rooms {
			out = append(out, rec)
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			}
			return out[i].RoomID < out[j].RoomID
		})
		return out
	})
}

// Prune 刪除建立超過 olderThan 的記錄，返回刪除數量
func (r *Registry) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	return actor.Ask(ctx, r.actor, func() int {
		cutoff := r.clock.Now().Add(-olderThan)
		removed := 0
		for id, rec := range r.rooms {
			if rec.CreatedAt.Before(cutoff) {
				delete(r.rooms, id)
				removed++
			}
		}
		if removed > 0 {
			r.logger.Info("清理過期房間記錄",
				"removed", removed,
				"remaining", len(r.rooms))
		}
		return removed
	})
}

// Len 記錄數量
func (r *Registry) Len(ctx context.Context) (int, error) {
	return actor.Ask(ctx, r.actor, func() int { return len(r.rooms) })
}

// Stop 停止 Registry
func (r *Registry) Stop() {
	r.actor.Stop()
}

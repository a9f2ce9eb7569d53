package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/koopa0/system-design/14-race-matchmaking/internal/leaderboard"
)

// Redis 多實例共用的排行榜存儲
//
// 所有記錄放在同一個 hash：field 為 playerId，value 為 msgpack 編碼的 Entry。
// HGETALL 一次載入整份排行榜，DEL 一次清空。
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis 創建 Redis 存儲；keyPrefix 用來隔離不同環境
func NewRedis(client *redis.Client, keyPrefix string) *Redis {
	return &Redis{
		client: client,
		key:    keyPrefix + "leaderboard:entries",
	}
}

// LoadAll 依 playerId 排序返回所有記錄
func (r *Redis) LoadAll(ctx context.Context) ([]leaderboard.Entry, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", r.key, err)
	}

	out := make([]leaderboard.Entry, 0, len(fields))
	for id, raw := range fields {
		var e leaderboard.Entry
		if err := msgpack.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", id, err)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out, nil
}

// Put 寫入一筆記錄
func (r *Redis) Put(ctx context.Context, e leaderboard.Entry) error {
	buf, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := r.client.HSet(ctx, r.key, e.PlayerID, buf).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", r.key, err)
	}
	return nil
}

// DeleteAll 清空
func (r *Redis) DeleteAll(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", r.key, err)
	}
	return nil
}

// Close 關閉連線
func (r *Redis) Close() error {
	return r.client.Close()
}

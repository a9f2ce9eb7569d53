package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v3"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/koopa0/system-design/14-race-matchmaking/internal/leaderboard"
)

const leaderboardPrefix = "leaderboard"

// Badger 嵌入式 KV 存儲
//
// 鍵為 leaderboard/<playerId>，值為 msgpack 編碼的 Entry。
type Badger struct {
	db     *badger.DB
	prefix []byte
	owned  bool // 由 OpenBadger 開啟的 DB 在 Close 時一併關閉
}

// OpenBadger 開啟 badger；dir 為空字串時使用純記憶體模式
func OpenBadger(dir string, logger *slog.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", dir, err)
	}
	logger.Info("排行榜存儲已開啟", "backend", "badger", "dir", dir)

	b := NewBadger(db)
	b.owned = true
	return b, nil
}

// NewBadger 包裝已開啟的 DB
func NewBadger(db *badger.DB) *Badger {
	return &Badger{
		db:     db,
		prefix: []byte(leaderboardPrefix + "/"),
	}
}

func (b *Badger) key(playerID string) []byte {
	return append(append([]byte(nil), b.prefix...), playerID...)
}

// LoadAll 依鍵順序返回所有記錄
func (b *Badger) LoadAll(ctx context.Context) ([]leaderboard.Entry, error) {
	var out []leaderboard.Entry

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(b.prefix); it.ValidForPrefix(b.prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e leaderboard.Entry
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load leaderboard entries: %w", err)
	}
	return out, nil
}

// Put 寫入一筆記錄
func (b *Badger) Put(ctx context.Context, e leaderboard.Entry) error {
	buf, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key(e.PlayerID), buf)
	})
}

// DeleteAll 刪除所有排行榜鍵
func (b *Badger) DeleteAll(ctx context.Context) error {
	if err := b.db.DropPrefix(b.prefix); err != nil {
		return fmt.Errorf("drop leaderboard prefix: %w", err)
	}
	return nil
}

// RunGC 回收 value log；沒有可回收的空間不算錯誤
func (b *Badger) RunGC(discardRatio float64) error {
	if b.db.Opts().InMemory {
		return nil
	}
	err := b.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Close 壓平 LSM 後關閉
func (b *Badger) Close() error {
	if !b.owned {
		return nil
	}
	if !b.db.Opts().InMemory {
		if err := b.db.Flatten(4); err != nil {
			return fmt.Errorf("flatten badger: %w", err)
		}
	}
	return b.db.Close()
}

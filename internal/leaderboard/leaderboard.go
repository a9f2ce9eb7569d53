// Package leaderboard 彙整勝場與參賽次數，並即時推送排名給訂閱者。
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/actor"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// 系統設計問題：
//   多個房間同時結束比賽，如何讓全域排行榜的累加不遺失、不重複，並即時推送？
//
// 設計方案：
//   ✅ 單一 Actor 串行化所有寫入（wins++ 不會互相覆蓋）
//   ✅ 先寫入 Store 成功才更新記憶體（失敗時狀態不變，可重試）
//   ✅ 第一次使用時才從 Store 載入（lazy load），載入失敗下次再試
//   ✅ 訂閱者只保留最新快照，慢的客戶端不會拖累 Actor

// Name Leaderboard Actor 的全域名稱
const Name = "global-leaderboard"

// DefaultLimit Top 預設回傳筆數
const DefaultLimit = 100

// ErrMissingPlayer 缺少 playerId
var ErrMissingPlayer = errors.New("missing playerId")

// Store 持久化介面
type Store interface {
	LoadAll(ctx context.Context) ([]Entry, error)
	Put(ctx context.Context, e Entry) error
	DeleteAll(ctx context.Context) error
}

// Publisher 排名變動時對外發布（例如跨實例的訊息匯流排）
type Publisher interface {
	Publish(ctx context.Context, top []Entry) error
}

// Leaderboard 全域排行榜
type Leaderboard struct {
	actor          *actor.Actor
	clock          clockwork.Clock
	logger         *slog.Logger
	store          Store
	publisher      Publisher
	publishTimeout time.Duration

	// 以下欄位只在 actor 內存取
	entries map[string]*Entry
	loaded  bool
	subs    map[uint64]chan []Entry
	nextSub uint64
	folder  cases.Caser
}

// New 創建排行榜；publisher 可為 nil
func New(store Store, publisher Publisher, clock clockwork.Clock, logger *slog.Logger) *Leaderboard {
	return &Leaderboard{
		actor:          actor.New(Name, logger),
		clock:          clock,
		logger:         logger,
		store:          store,
		publisher:      publisher,
		publishTimeout: 5 * time.Second,
		entries:        make(map[string]*Entry),
		subs:           make(map[uint64]chan []Entry),
		folder:         cases.Fold(),
	}
}

// RecordWin 記錄一場勝利
//
// raceTime > 0 且比目前最佳成績快時才更新 BestTime。
func (l *Leaderboard) RecordWin(ctx context.Context, playerID, playerName string, raceTime time.Duration) error {
	return l.update(ctx, playerID, playerName, func(e *Entry) {
		e.Wins++
		e.TotalRaces++
		e.LastWin = l.clock.Now()
		if raceTime > 0 && (e.BestTime == 0 || raceTime < e.BestTime) {
			e.BestTime = raceTime
		}
	})
}

// RecordRace 記錄一次參賽（未獲勝）
func (l *Leaderboard) RecordRace(ctx context.Context, playerID, playerName string) error {
	return l.update(ctx, playerID, playerName, func(e *Entry) {
		e.TotalRaces++
	})
}

// update 在 actor 內讀取 → 修改副本 → 持久化 → 替換
func (l *Leaderboard) update(ctx context.Context, playerID, playerName string, mutate func(e *Entry)) error {
	if playerID == "" {
		return ErrMissingPlayer
	}

	result, err := actor.Ask(ctx, l.actor, func() error {
		if err := l.ensureLoaded(ctx); err != nil {
			return err
		}

		next := Entry{PlayerID: playerID, PlayerName: playerName}
		if cur, ok := l.entries[playerID]; ok {
			next = *cur
		}
		mutate(&next)
		if playerName != "" {
			next.PlayerName = playerName
		}

		if err := l.store.Put(ctx, next); err != nil {
			return fmt.Errorf("persist leaderboard entry %s: %w", playerID, err)
		}
		l.entries[playerID] = &next

		l.logger.Info("排行榜更新",
			"player_id", next.PlayerID,
			"player_name", next.PlayerName,
			"wins", next.Wins,
			"total_races", next.TotalRaces)

		l.notify(true)
		return nil
	})
	if err != nil {
		return err
	}
	return result
}

// Top 依排名返回前 limit 筆；limit <= 0 使用 DefaultLimit
func (l *Leaderboard) Top(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	type result struct {
		top []Entry
		err error
	}
	res, err := actor.Ask(ctx, l.actor, func() result {
		if err := l.ensureLoaded(ctx); err != nil {
			return result{err: err}
		}
		return result{top: l.ranked(limit)}
	})
	if err != nil {
		return nil, err
	}
	return res.top, res.err
}

// Subscribe 訂閱排名變動
//
// 訂閱時立即收到一次目前排名，之後每次變動（勝場、參賽、重置）都會推送。
// channel 只保留最新的一份快照。呼叫 cancel 取消訂閱並關閉 channel。
func (l *Leaderboard) Subscribe(ctx context.Context) (<-chan []Entry, func(), error) {
	type result struct {
		id  uint64
		ch  chan []Entry
		err error
	}
	res, err := actor.Ask(ctx, l.actor, func() result {
		if err := l.ensureLoaded(ctx); err != nil {
			return result{err: err}
		}
		l.nextSub++
		ch := make(chan []Entry, 1)
		ch <- l.ranked(DefaultLimit)
		l.subs[l.nextSub] = ch
		return result{id: l.nextSub, ch: ch}
	})
	if err != nil {
		return nil, nil, err
	}
	if res.err != nil {
		return nil, nil, res.err
	}

	cancel := func() {
		l.actor.Post(func() {
			if ch, ok := l.subs[res.id]; ok {
				delete(l.subs, res.id)
				close(ch)
			}
		})
	}
	return res.ch, cancel, nil
}

// Reset 清空排行榜（管理用）
func (l *Leaderboard) Reset(ctx context.Context) error {
	result, err := actor.Ask(ctx, l.actor, func() error {
		if err := l.store.DeleteAll(ctx); err != nil {
			return fmt.Errorf("reset leaderboard: %w", err)
		}
		l.entries = make(map[string]*Entry)
		l.loaded = true

		l.logger.Warn("排行榜已重置")
		l.notify(true)
		return nil
	})
	if err != nil {
		return err
	}
	return result
}

// Reload 從 Store 重新載入並推送給本地訂閱者
//
// 用於其他實例寫入共用 Store 之後；不會再對外發布，避免實例間互相回聲。
func (l *Leaderboard) Reload(ctx context.Context) error {
	result, err := actor.Ask(ctx, l.actor, func() error {
		entries, err := l.store.LoadAll(ctx)
		if err != nil {
			return fmt.Errorf("reload leaderboard: %w", err)
		}
		next := make(map[string]*Entry, len(entries))
		for i := range entries {
			e := entries[i]
			next[e.PlayerID] = &e
		}
		l.entries = next
		l.loaded = true

		l.notify(false)
		return nil
	})
	if err != nil {
		return err
	}
	return result
}

// Stop 關閉所有訂閱並停止 actor
func (l *Leaderboard) Stop() {
	l.actor.Post(func() {
		for id, ch := range l.subs {
			delete(l.subs, id)
			close(ch)
		}
	})
	l.actor.Stop()
	<-l.actor.Done()
}

func (l *Leaderboard) ensureLoaded(ctx context.Context) error {
	if l.loaded {
		return nil
	}

	entries, err := l.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load leaderboard: %w", err)
	}
	for i := range entries {
		e := entries[i]
		l.entries[e.PlayerID] = &e
	}
	l.loaded = true

	l.logger.Info("排行榜已載入", "entries", len(l.entries))
	return nil
}

// ranked 排序並以正規化名稱去重
//
// 排序：勝場多者在前 → 最近一次勝利較新者在前 → playerId。
// 名稱正規化（NFKC + case fold + trim）後相同的多筆只保留排名最前的一筆，
// Store 內的原始資料不受影響。
func (l *Leaderboard) ranked(limit int) []Entry {
	all := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		all = append(all, *e)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.Wins != b.Wins {
			return a.Wins > b.Wins
		}
		if !a.LastWin.Equal(b.LastWin) {
			return a.LastWin.After(b.LastWin)
		}
		return a.PlayerID < b.PlayerID
	})

	seen := make(map[string]struct{}, len(all))
	out := make([]Entry, 0, min(limit, len(all)))
	for _, e := range all {
		key := l.displayKey(e)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out
}

func (l *Leaderboard) displayKey(e Entry) string {
	name := strings.TrimSpace(norm.NFKC.String(e.PlayerName))
	if name == "" {
		return "id:" + e.PlayerID
	}
	return "name:" + l.folder.String(name)
}

// notify 推送給本地訂閱者；publish 為 true 時再非同步發布到外部
func (l *Leaderboard) notify(publish bool) {
	top := l.ranked(DefaultLimit)

	for _, ch := range l.subs {
		select {
		case ch <- top:
		default:
			// 丟掉舊快照，只留最新
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- top:
			default:
			}
		}
	}

	if !publish || l.publisher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), l.publishTimeout)
		defer cancel()
		if err := l.publisher.Publish(ctx, top); err != nil {
			l.logger.Warn("發布排行榜更新失敗", "error", err)
		}
	}()
}

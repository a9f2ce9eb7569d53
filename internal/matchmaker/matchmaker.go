// Package matchmaker 實作全域單一的排隊佇列，把等待中的玩家分批湊成房間。
package matchmaker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/actor"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/registry"
)

// 系統設計問題：
//   大量玩家同時按下「開始配對」，如何公平、不重複地把他們分進房間？
//
// 核心挑戰：
//   1. 冪等：客戶端重試 join 不能產生兩筆排隊記錄
//   2. 公平：先來先配（FIFO）
//   3. 倒數競態：倒數中有人取消、有人加入、有人逾時
//   4. 下游失敗：向 Registry 要房間失敗時，不能把玩家弄丟
//
// 設計方案：
//   ✅ 單一 Actor 擁有整個佇列（不需要鎖）
//   ✅ 湊滿 RoomSize 立即成團；達到 MinPlayersToStart 先延遲再倒數
//   ✅ 兩階段成團：先保留（reserve）→ 非同步建房 → 成功才移出佇列，失敗則釋放並標記下次立即重試
//   ✅ 逾時採惰性清理（join / poll 時順便清），只有倒數使用真正的計時器

// Name Matchmaker Actor 的全域名稱
const Name = "global-matchmaker"

// ErrMissingPlayer 缺少 playerId
var ErrMissingPlayer = errors.New("missing playerId")

// RoomAllocator 建立房間的下游
type RoomAllocator interface {
	CreateRoom(ctx context.Context, size int) (registry.Allocation, error)
}

// Status 排隊狀態
type Status string

const (
	StatusQueued    Status = "queued"
	StatusMatched   Status = "matched"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Result join / poll / cancel 的回應
type Result struct {
	Status     Status
	Position   int
	EstWaitSec int
	RoomID     string
	WSURL      string
}

// MarshalJSON 依狀態輸出不同欄位
func (r Result) MarshalJSON() ([]byte, error) {
	switch r.Status {
	case StatusQueued:
		return json.Marshal(struct {
			Status     Status `json:"status"`
			Position   int    `json:"position"`
			EstWaitSec int    `json:"estWaitSec"`
		}{r.Status, r.Position, r.EstWaitSec})
	case StatusMatched:
		return json.Marshal(struct {
			Status Status `json:"status"`
			RoomID string `json:"roomId"`
			WSURL  string `json:"wsUrl"`
		}{r.Status, r.RoomID, r.WSURL})
	default:
		return json.Marshal(struct {
			Status Status `json:"status"`
		}{r.Status})
	}
}

type entry struct {
	playerID   string
	enqueuedAt time.Time
	ttl        time.Duration
	formation  uint64 // 0 表示未被保留
}

type assignment struct {
	roomID    string
	wsURL     string
	matchedAt time.Time
}

// formation 一次進行中的成團
type formation struct {
	id      uint64
	players []string
	done    chan struct{}
}

type countdownPhase int

const (
	phaseIdle countdownPhase = iota
	phaseDelaying
	phaseCounting
)

func (p countdownPhase) String() string {
	switch p {
	case phaseDelaying:
		return "delaying"
	case phaseCounting:
		return "counting"
	default:
		return "idle"
	}
}

// Matchmaker 排隊佇列
type Matchmaker struct {
	actor  *actor.Actor
	clock  clockwork.Clock
	logger *slog.Logger
	cfg    Config
	rooms  RoomAllocator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// 以下欄位只在 actor 內存取
	queue         []*entry
	index         map[string]*entry
	assigned      map[string]assignment
	forming       map[uint64]*formation
	nextFormation uint64
	phase         countdownPhase
	countdown     *actor.Timer
	due           bool // 上次建房失敗，下次評估時不再倒數
}

// New 創建 Matchmaker
func New(cfg Config, rooms RoomAllocator, clock clockwork.Clock, logger *slog.Logger) (*Matchmaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Matchmaker{
		actor:    actor.New(Name, logger),
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		rooms:    rooms,
		ctx:      ctx,
		cancel:   cancel,
		index:    make(map[string]*entry),
		assigned: make(map[string]assignment),
		forming:  make(map[uint64]*formation),
	}
	m.countdown = m.actor.NewTimer(clock)
	return m, nil
}

// outcome actor 內部的回應；wait 不為 nil 時表示呼叫者的記錄正在成團中
type outcome struct {
	result Result
	wait   <-chan struct{}
}

// Join 加入佇列（冪等）
func (m *Matchmaker) Join(ctx context.Context, playerID string) (Result, error) {
	if playerID == "" {
		return Result{}, ErrMissingPlayer
	}
	return m.await(ctx, playerID, m.join)
}

// Poll 查詢排隊狀態，不在佇列中回傳 timeout
func (m *Matchmaker) Poll(ctx context.Context, playerID string) (Result, error) {
	if playerID == "" {
		return Result{}, ErrMissingPlayer
	}
	return m.await(ctx, playerID, m.poll)
}

// Cancel 離開佇列
func (m *Matchmaker) Cancel(ctx context.Context, playerID string) (Result, error) {
	if playerID == "" {
		return Result{}, ErrMissingPlayer
	}
	err := m.actor.Do(ctx, func() { m.cancelEntry(playerID) })
	if err != nil {
		return Result{}, err
	}
	return Result{Status: StatusCancelled}, nil
}

// await 在 actor 外等候進行中的成團，避免阻塞郵箱
func (m *Matchmaker) await(ctx context.Context, playerID string, op func(string) outcome) (Result, error) {
	out, err := actor.Ask(ctx, m.actor, func() outcome { return op(playerID) })
	for err == nil && out.wait != nil {
		select {
		case <-out.wait:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
		out, err = actor.Ask(ctx, m.actor, func() outcome { return m.inspect(playerID) })
	}
	return out.result, err
}

func (m *Matchmaker) join(playerID string) outcome {
	now := m.clock.Now()
	m.expire(now)

	// 保留期內重送的 join 仍返回原房間；要重新排隊須先 cancel
	if _, ok := m.assigned[playerID]; ok {
		return m.inspect(playerID)
	}

	if _, ok := m.index[playerID]; !ok {
		e := &entry{playerID: playerID, enqueuedAt: now, ttl: m.cfg.EntryTTL}
		m.queue = append(m.queue, e)
		m.index[playerID] = e

		m.logger.Info("玩家加入佇列",
			"player_id", playerID,
			"queue_size", len(m.queue))
	} else {
		m.logger.Debug("重複加入，返回目前位置", "player_id", playerID)
	}

	m.evaluate(now)
	return m.inspect(playerID)
}

func (m *Matchmaker) poll(playerID string) outcome {
	now := m.clock.Now()
	m.expire(now)

	if _, ok := m.assigned[playerID]; !ok {
		if _, queued := m.index[playerID]; !queued {
			return outcome{result: Result{Status: StatusTimeout}}
		}
	}

	m.evaluate(now)
	return m.inspect(playerID)
}

// inspect 呼叫者目前的狀態
func (m *Matchmaker) inspect(playerID string) outcome {
	if a, ok := m.assigned[playerID]; ok {
		return outcome{result: Result{Status: StatusMatched, RoomID: a.roomID, WSURL: a.wsURL}}
	}

	e, ok := m.index[playerID]
	if !ok {
		return outcome{result: Result{Status: StatusTimeout}}
	}
	if e.formation != 0 {
		if f, ok := m.forming[e.formation]; ok {
			return outcome{wait: f.done}
		}
	}

	position := m.position(e)
	return outcome{result: Result{
		Status:     StatusQueued,
		Position:   position,
		EstWaitSec: int(time.Duration(position-1) * m.cfg.EstWaitPerPosition / time.Second),
	}}
}

// position 在未保留記錄中的 1-based 位置
func (m *Matchmaker) position(target *entry) int {
	pos := 0
	for _, e := range m.queue {
		if e.formation != 0 {
			continue
		}
		pos++
		if e == target {
			return pos
		}
	}
	return pos
}

func (m *Matchmaker) cancelEntry(playerID string) {
	delete(m.assigned, playerID)

	if _, ok := m.index[playerID]; ok {
		m.remove(playerID)
		m.logger.Info("玩家離開佇列",
			"player_id", playerID,
			"reason", "cancelled",
			"queue_size", len(m.queue))
	}

	if m.available() < m.cfg.MinPlayersToStart {
		m.stopCountdown()
		m.due = false
	}
}

// expire 清除逾時的排隊記錄與過期的成團結果；保留中的記錄不清除
func (m *Matchmaker) expire(now time.Time) {
	kept := m.queue[:0]
	for _, e := range m.queue {
		if e.formation == 0 && now.Sub(e.enqueuedAt) >= e.ttl {
			delete(m.index, e.playerID)
			m.logger.Info("玩家離開佇列",
				"player_id", e.playerID,
				"reason", "timeout",
				"waited", now.Sub(e.enqueuedAt))
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(m.queue); i++ {
		m.queue[i] = nil
	}
	m.queue = kept

	for id, a := range m.assigned {
		if now.Sub(a.matchedAt) >= m.cfg.MatchRetention {
			delete(m.assigned, id)
		}
	}
}

func (m *Matchmaker) remove(playerID string) {
	delete(m.index, playerID)
	for i, e := range m.queue {
		if e.playerID == playerID {
			copy(m.queue[i:], m.queue[i+1:])
			m.queue[len(m.queue)-1] = nil
			m.queue = m.queue[:len(m.queue)-1]
			return
		}
	}
}

func (m *Matchmaker) available() int {
	n := 0
	for _, e := range m.queue {
		if e.formation == 0 {
			n++
		}
	}
	return n
}

// evaluate 依目前人數決定立即成團、開始倒數或取消倒數
func (m *Matchmaker) evaluate(now time.Time) {
	for m.available() >= m.cfg.RoomSize {
		m.form(m.cfg.RoomSize)
	}

	n := m.available()
	switch {
	case n >= m.cfg.MinPlayersToStart && m.due:
		m.stopCountdown()
		m.due = false
		m.form(n)
	case n >= m.cfg.MinPlayersToStart:
		if m.phase == phaseIdle {
			m.phase = phaseDelaying
			m.countdown.Schedule(m.cfg.CountdownDelay, m.onDelayElapsed)
			m.logger.Debug("排程倒數", "queue_size", n, "delay", m.cfg.CountdownDelay)
		}
	default:
		m.stopCountdown()
		m.due = false
	}
}

func (m *Matchmaker) onDelayElapsed() {
	m.expire(m.clock.Now())

	if m.available() < m.cfg.MinPlayersToStart {
		m.phase = phaseIdle
		return
	}
	m.phase = phaseCounting
	m.countdown.Schedule(m.cfg.CountdownDuration, m.onCountdownElapsed)
	m.logger.Info("開始倒數",
		"queue_size", m.available(),
		"duration", m.cfg.CountdownDuration)
}

func (m *Matchmaker) onCountdownElapsed() {
	now := m.clock.Now()
	m.phase = phaseIdle
	m.expire(now)

	if n := m.available(); n >= m.cfg.MinPlayersToStart {
		m.form(min(n, m.cfg.RoomSize))
	}
	m.evaluate(now)
}

func (m *Matchmaker) stopCountdown() {
	if m.phase == phaseIdle {
		return
	}
	m.countdown.Stop()
	m.phase = phaseIdle
	m.logger.Debug("取消倒數")
}

// form 保留最早的 n 筆記錄並非同步建房
func (m *Matchmaker) form(n int) {
	m.nextFormation++
	f := &formation{
		id:   m.nextFormation,
		done: make(chan struct{}),
	}
	for _, e := range m.queue {
		if len(f.players) == n {
			break
		}
		if e.formation == 0 {
			e.formation = f.id
			f.players = append(f.players, e.playerID)
		}
	}
	m.forming[f.id] = f

	m.logger.Info("開始成團",
		"formation", f.id,
		"players", f.players)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.AllocateTimeout)
		alloc, err := m.rooms.CreateRoom(ctx, m.cfg.RoomSize)
		cancel()

		if !m.actor.Post(func() { m.complete(f, alloc, err) }) {
			close(f.done)
		}
	}()
}

// complete 建房結果回到 actor 內處理
func (m *Matchmaker) complete(f *formation, alloc registry.Allocation, err error) {
	defer close(f.done)
	delete(m.forming, f.id)

	if err != nil {
		for _, id := range f.players {
			if e, ok := m.index[id]; ok && e.formation == f.id {
				e.formation = 0
			}
		}
		m.due = true
		m.logger.Warn("建立房間失敗，玩家保留在佇列中",
			"formation", f.id,
			"players", f.players,
			"error", err)
		return
	}

	now := m.clock.Now()
	wsURL := m.cfg.PublicBaseURL + alloc.ConnectPath
	matched := make([]string, 0, len(f.players))
	for _, id := range f.players {
		e, ok := m.index[id]
		if !ok || e.formation != f.id {
			// 成團期間取消
			continue
		}
		m.remove(id)
		m.assigned[id] = assignment{roomID: alloc.RoomID, wsURL: wsURL, matchedAt: now}
		matched = append(matched, id)
	}

	m.logger.Info("成團完成",
		"room_id", alloc.RoomID,
		"size", len(matched),
		"players", matched,
		"queue_size", len(m.queue))
}

// Stats 佇列除錯資訊
type Stats struct {
	QueueCount        int      `json:"queueCount"`
	Players           []string `json:"players"`
	Reserved          int      `json:"reserved"`
	Assigned          int      `json:"assigned"`
	Countdown         string   `json:"countdown"`
	RoomSize          int      `json:"roomSize"`
	MinPlayersToStart int      `json:"minPlayersToStart"`
	TTLMs             int64    `json:"ttlMs"`
	Timestamp         int64    `json:"timestamp"`
}

// Stats 返回佇列狀態（前 5 名玩家）
func (m *Matchmaker) Stats(ctx context.Context) (Stats, error) {
	return actor.Ask(ctx, m.actor, func() Stats {
		now := m.clock.Now()
		m.expire(now)

		s := Stats{
			QueueCount:        len(m.queue),
			Players:           make([]string, 0, 5),
			Assigned:          len(m.assigned),
			Countdown:         m.phase.String(),
			RoomSize:          m.cfg.RoomSize,
			MinPlayersToStart: m.cfg.MinPlayersToStart,
			TTLMs:             m.cfg.EntryTTL.Milliseconds(),
			Timestamp:         now.UnixMilli(),
		}
		for _, e := range m.queue {
			if e.formation != 0 {
				s.Reserved++
			}
			if len(s.Players) < 5 {
				s.Players = append(s.Players, e.playerID)
			}
		}
		return s
	})
}

// Stop 停止 Matchmaker，等待進行中的建房請求結束
func (m *Matchmaker) Stop() {
	m.actor.Post(func() { m.stopCountdown() })
	m.cancel()
	m.actor.Stop()
	<-m.actor.Done()
	m.wg.Wait()
}

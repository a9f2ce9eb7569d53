// Package room 實作單場比賽的房間：成員名單、心跳監控、狀態機與廣播。
package room

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/actor"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/protocol"
)

// 系統設計問題：
//   如何管理一場多人賽車的生命週期，處理斷線、重複加入、同時完賽等並發情況？
//
// 核心挑戰：
//   1. 狀態管理：waiting → starting → racing → finished，不能重複開賽
//   2. 故障偵測：客戶端當機或斷網時，伺服器不會收到 close
//   3. 廣播隔離：一個成員送不出去，不能影響其他成員
//   4. 卡死恢復：房間停在 racing 但已經沒有人時，新加入者不能被卡住
//
// 設計方案：
//   ✅ 每個房間一個 Actor，所有事件（訊息、斷線、計時器）都進同一個郵箱
//   ✅ 計時器帶世代號，取消後遲到的回呼自動失效
//   ✅ 廣播先編碼一次，逐一發送，失敗者在迴圈結束後才移除
//   ✅ 空房自動恢復 waiting，另外提供 Reset 作為營運用的逃生門

// State 房間狀態
//
// 狀態機：
//
//	waiting → starting → racing → finished
//	   ↑_____________________________|   （空房重新加入 / Reset）
type State string

const (
	StateWaiting  State = "waiting"
	StateStarting State = "starting"
	StateRacing   State = "racing"
	StateFinished State = "finished"
)

// 踢出 / 結束原因，客戶端直接顯示
const (
	ReasonRoomFull       = "Room full"
	ReasonInvalidMessage = "Invalid message format"
	ReasonHeartbeat      = "Heartbeat timeout"
	ReasonReplaced       = "Replaced by new connection"
	ReasonSendFailed     = "Send failed"
	ReasonRaceCompleted  = "Race completed"
	ReasonEmptyRoom      = "Empty room"
	ReasonReset          = "Room reset"
	ReasonRoomClosed     = "Room closed"
)

// Conn 房間看到的客戶端連線
type Conn interface {
	ID() string
	Send(msg []byte) error
	Close(reason string)
}

// Recorder 排行榜寫入介面
type Recorder interface {
	RecordWin(ctx context.Context, playerID, playerName string, raceTime time.Duration) error
	RecordRace(ctx context.Context, playerID, playerName string) error
}

// DefaultName 未提供名稱時的顯示名稱
func DefaultName(playerID string) string {
	if r := []rune(playerID); len(r) > 6 {
		return "Player_" + string(r[:6])
	}
	return "Player_" + playerID
}

type member struct {
	playerID        string
	playerName      string
	conn            Conn
	joinedAt        time.Time
	lastHeartbeatAt time.Time
	ready           bool // 收到第一個心跳或位置更新後為 true
}

// Room 一場比賽
type Room struct {
	id       string
	actor    *actor.Actor
	clock    clockwork.Clock
	logger   *slog.Logger
	cfg      Config
	recorder Recorder
	onIdle   func(*Room)

	// 以下欄位只在 actor 內存取
	state     State
	roster    []*member // 依加入順序
	members   map[string]*member
	closed    bool
	startedAt time.Time

	graceTimer     *actor.Timer
	phaseTimer     *actor.Timer
	heartbeatTimer *actor.Timer
	emptyTimer     *actor.Timer
}

// New 創建房間
//
// onIdle 在房間清空且寬限期結束後於 actor 內被呼叫，可為 nil。
func New(id string, cfg Config, recorder Recorder, clock clockwork.Clock, logger *slog.Logger, onIdle func(*Room)) *Room {
	a := actor.New(id, logger)
	r := &Room{
		id:             id,
		actor:          a,
		clock:          clock,
		logger:         logger.With("room_id", id),
		cfg:            cfg,
		recorder:       recorder,
		onIdle:         onIdle,
		state:          StateWaiting,
		members:        make(map[string]*member),
		graceTimer:     a.NewTimer(clock),
		phaseTimer:     a.NewTimer(clock),
		heartbeatTimer: a.NewTimer(clock),
		emptyTimer:     a.NewTimer(clock),
	}
	// 從未有人成功加入的房間同樣在寬限期後回收
	a.Post(r.onEmpty)
	return r
}

// ID 房間 ID
func (r *Room) ID() string {
	return r.id
}

// Deliver 投遞一則原始訊息；房間已關閉時返回 false，呼叫者應重新取得房間
func (r *Room) Deliver(conn Conn, raw []byte) bool {
	return r.actor.Post(func() { r.handle(conn, raw) })
}

// Disconnect 連線關閉
func (r *Room) Disconnect(conn Conn) {
	r.actor.Post(func() {
		if r.closed {
			return
		}
		if m := r.memberByConn(conn); m != nil {
			r.removeMember(m, "disconnect")
		}
	})
}

// Reset 營運用逃生門：強制回到 waiting，斷開所有成員
func (r *Room) Reset(ctx context.Context) error {
	return r.actor.Do(ctx, func() {
		if r.closed {
			return
		}
		r.logger.Warn("房間被手動重置",
			"state", r.state,
			"members", len(r.roster))
		r.broadcast(protocol.End{Reason: ReasonReset}, nil)
		r.dropAll(ReasonReset)
		r.toWaiting()
		r.onEmpty()
	})
}

// Close 結束房間並停止 actor
func (r *Room) Close(reason string) {
	r.actor.Post(func() {
		if r.closed {
			return
		}
		r.broadcast(protocol.End{Reason: reason}, nil)
		r.dropAll(reason)
		r.shutdown()
	})
	r.actor.Stop()
}

// Done 房間 actor 結束時關閉
func (r *Room) Done() <-chan struct{} {
	return r.actor.Done()
}

func (r *Room) handle(conn Conn, raw []byte) {
	// 回收後郵箱裡還沒處理完的訊息：關閉連線讓客戶端重連到新的房間
	if r.closed {
		conn.Close(ReasonRoomClosed)
		return
	}

	msg, err := protocol.DecodeClient(raw)
	if err != nil {
		r.logger.Warn("無效的客戶端訊息",
			"conn_id", conn.ID(),
			"error", err)
		r.kick(conn, ReasonInvalidMessage)
		return
	}
	msg.Accept(&inbound{room: r, conn: conn})
}

// inbound 依訊息種類分派，綁定發送者連線
type inbound struct {
	room *Room
	conn Conn
}

func (in *inbound) VisitHello(m protocol.Hello) {
	in.room.join(in.conn, m)
}

func (in *inbound) VisitPing(protocol.Ping) {
	r := in.room
	mem := r.memberByConn(in.conn)
	if mem == nil {
		return
	}
	r.touch(mem)
	if err := r.send(in.conn, protocol.Pong{}); err != nil {
		r.dropMember(mem, ReasonSendFailed)
	}
}

func (in *inbound) VisitState(m protocol.State) {
	r := in.room
	mem := r.memberByConn(in.conn)
	if mem == nil {
		return
	}
	r.touch(mem)
	r.broadcast(protocol.PeerState{PlayerID: mem.playerID, Pos: *m.Pos}, in.conn)
}

func (in *inbound) VisitRaceFinish(m protocol.RaceFinish) {
	r := in.room
	mem := r.memberByConn(in.conn)
	if mem == nil || r.state != StateRacing {
		return
	}
	r.finish(mem, m)
}

func (r *Room) join(conn Conn, hello protocol.Hello) {
	now := r.clock.Now()

	if len(r.roster) == 0 && r.state != StateWaiting {
		r.logger.Warn("空房停在非等待狀態，自動恢復", "state", r.state)
		r.toWaiting()
	}

	name := hello.PlayerName
	if name == "" {
		name = DefaultName(hello.PlayerID)
	}

	if existing := r.memberByConn(conn); existing != nil && existing.playerID != hello.PlayerID {
		r.kick(conn, ReasonInvalidMessage)
		return
	}

	// 同一玩家重新連線：換掉舊連線，不佔用名額
	if existing, ok := r.members[hello.PlayerID]; ok {
		if existing.conn != conn {
			old := existing.conn
			existing.conn = conn
			old.Close(ReasonReplaced)
		}
		existing.playerName = name
		existing.lastHeartbeatAt = now
		if err := r.send(conn, protocol.Welcome{RoomID: r.id, Players: r.playerIDs()}); err != nil {
			r.dropMember(existing, ReasonSendFailed)
		}
		return
	}

	if len(r.roster) >= r.cfg.MaxPlayers {
		r.logger.Info("房間已滿，拒絕加入",
			"player_id", hello.PlayerID,
			"members", len(r.roster))
		_ = r.send(conn, protocol.Kick{Reason: ReasonRoomFull})
		conn.Close(ReasonRoomFull)
		return
	}

	mem := &member{
		playerID:        hello.PlayerID,
		playerName:      name,
		conn:            conn,
		joinedAt:        now,
		lastHeartbeatAt: now,
	}
	r.roster = append(r.roster, mem)
	r.members[mem.playerID] = mem

	if len(r.roster) == 1 {
		r.emptyTimer.Stop()
		r.heartbeatTimer.Schedule(r.cfg.HeartbeatCheckInterval, r.sweep)
	}

	r.logger.Info("玩家加入房間",
		"player_id", mem.playerID,
		"player_name", mem.playerName,
		"members", len(r.roster),
		"max_players", r.cfg.MaxPlayers)

	if err := r.send(conn, protocol.Welcome{RoomID: r.id, Players: r.playerIDs()}); err != nil {
		r.dropMember(mem, ReasonSendFailed)
		return
	}
	r.broadcast(protocol.PeerJoin{PlayerID: mem.playerID}, conn)

	r.maybeScheduleStart()
}

// maybeScheduleStart 人數達標時排程寬限期；已排程則不重複
func (r *Room) maybeScheduleStart() {
	if r.state != StateWaiting || len(r.roster) < r.cfg.MinPlayers || r.graceTimer.Pending() {
		return
	}
	r.graceTimer.Schedule(r.cfg.StartGrace, func() {
		if r.state != StateWaiting || len(r.roster) < r.cfg.MinPlayers {
			return
		}
		r.beginStart()
	})
}

func (r *Room) beginStart() {
	r.state = StateStarting
	countdown := int(r.cfg.StartCountdown / time.Second)
	r.broadcast(protocol.Start{Countdown: countdown}, nil)

	r.logger.Info("比賽倒數",
		"members", len(r.roster),
		"countdown", countdown)

	r.phaseTimer.Schedule(r.cfg.StartCountdown, func() {
		if r.state != StateStarting {
			return
		}
		r.state = StateRacing
		r.startedAt = r.clock.Now()
		r.logger.Info("比賽開始", "members", len(r.roster))
	})
}

// finish 處理第一個完賽通知
func (r *Room) finish(sender *member, m protocol.RaceFinish) {
	r.state = StateFinished

	winner := sender
	if w, ok := r.members[m.PlayerID]; ok {
		winner = w
	}

	// 名次：勝者第一，其餘依加入順序
	placements := make([]protocol.Placement, 0, len(r.roster))
	placements = append(placements, protocol.Placement{Racer: racer(winner), Position: 1})
	others := make([]*member, 0, len(r.roster)-1)
	for _, mem := range r.roster {
		if mem == winner {
			continue
		}
		others = append(others, mem)
		placements = append(placements, protocol.Placement{Racer: racer(mem), Position: len(placements) + 1})
	}

	r.logger.Info("比賽結束",
		"winner", winner.playerID,
		"final_time_ms", m.FinalTime,
		"lap_count", m.LapCount)

	r.record(winner, others, time.Duration(m.FinalTime*float64(time.Millisecond)))

	r.broadcast(protocol.RaceEnd{
		Winner:         racer(winner),
		FinalPositions: placements,
		FinalTime:      m.FinalTime,
	}, nil)

	r.phaseTimer.Schedule(r.cfg.ResultsDelay, func() {
		if r.state != StateFinished {
			return
		}
		r.broadcast(protocol.End{Reason: ReasonRaceCompleted}, nil)
	})
}

// record 非同步寫入排行榜，失敗只記錄日誌
func (r *Room) record(winner *member, others []*member, raceTime time.Duration) {
	if r.recorder == nil {
		return
	}

	type participant struct{ id, name string }
	rest := make([]participant, 0, len(others))
	for _, m := range others {
		rest = append(rest, participant{m.playerID, m.playerName})
	}
	winnerID, winnerName := winner.playerID, winner.playerName

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RecordTimeout)
		defer cancel()

		if err := r.recorder.RecordWin(ctx, winnerID, winnerName, raceTime); err != nil {
			r.logger.Error("記錄勝場失敗", "player_id", winnerID, "error", err)
		}
		for _, p := range rest {
			if err := r.recorder.RecordRace(ctx, p.id, p.name); err != nil {
				r.logger.Error("記錄參賽失敗", "player_id", p.id, "error", err)
			}
		}
	}()
}

// sweep 定期檢查心跳
func (r *Room) sweep() {
	now := r.clock.Now()

	var stale []*member
	for _, m := range r.roster {
		if now.Sub(m.lastHeartbeatAt) > r.cfg.HeartbeatTimeout {
			stale = append(stale, m)
		}
	}
	for _, m := range stale {
		r.logger.Info("心跳逾時，移除玩家",
			"player_id", m.playerID,
			"idle", now.Sub(m.lastHeartbeatAt))
		r.dropMember(m, ReasonHeartbeat)
	}

	if len(r.roster) > 0 {
		r.heartbeatTimer.Schedule(r.cfg.HeartbeatCheckInterval, r.sweep)
	}
}

func (r *Room) touch(m *member) {
	m.lastHeartbeatAt = r.clock.Now()
	m.ready = true
}

// kick 送出 KICK 後關閉連線；若該連線是成員一併移除
func (r *Room) kick(conn Conn, reason string) {
	_ = r.send(conn, protocol.Kick{Reason: reason})
	conn.Close(reason)
	if m := r.memberByConn(conn); m != nil {
		r.removeMember(m, reason)
	}
}

// dropMember 關閉成員連線並移除
func (r *Room) dropMember(m *member, reason string) {
	m.conn.Close(reason)
	r.removeMember(m, reason)
}

func (r *Room) removeMember(m *member, reason string) {
	if r.members[m.playerID] != m {
		return
	}
	delete(r.members, m.playerID)
	for i, x := range r.roster {
		if x == m {
			r.roster = append(r.roster[:i], r.roster[i+1:]...)
			break
		}
	}

	r.logger.Info("玩家離開房間",
		"player_id", m.playerID,
		"reason", reason,
		"members", len(r.roster))

	r.broadcast(protocol.PeerLeave{PlayerID: m.playerID}, nil)

	if len(r.roster) == 0 {
		r.onEmpty()
	}
}

// onEmpty 停止心跳，寬限期後仍無人則回收
func (r *Room) onEmpty() {
	r.heartbeatTimer.Stop()
	r.graceTimer.Stop()
	r.emptyTimer.Schedule(r.cfg.EmptyGrace, func() {
		if len(r.roster) > 0 {
			return
		}
		r.logger.Info("空房回收")
		r.broadcast(protocol.End{Reason: ReasonEmptyRoom}, nil)
		r.shutdown()
	})
}

// dropAll 關閉所有連線並清空成員
func (r *Room) dropAll(reason string) {
	for _, m := range r.roster {
		m.conn.Close(reason)
	}
	r.roster = nil
	r.members = make(map[string]*member)
}

func (r *Room) toWaiting() {
	r.state = StateWaiting
	r.graceTimer.Stop()
	r.phaseTimer.Stop()
	r.startedAt = time.Time{}
}

func (r *Room) shutdown() {
	r.closed = true
	r.graceTimer.Stop()
	r.phaseTimer.Stop()
	r.heartbeatTimer.Stop()
	r.emptyTimer.Stop()
	if r.onIdle != nil {
		r.onIdle(r)
	}
}

// broadcast 編碼一次後發送給所有成員（except 除外）
//
// 單一成員發送失敗不會中斷廣播，失敗者在迴圈結束後移除。
func (r *Room) broadcast(msg protocol.ServerMessage, except Conn) {
	raw, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("編碼訊息失敗", "error", err)
		return
	}

	var failed []*member
	for _, m := range r.roster {
		if except != nil && m.conn == except {
			continue
		}
		if err := m.conn.Send(raw); err != nil {
			r.logger.Warn("發送失敗",
				"player_id", m.playerID,
				"type", msg.Tag(),
				"error", err)
			failed = append(failed, m)
		}
	}

	for _, m := range failed {
		r.dropMember(m, ReasonSendFailed)
	}
}

func (r *Room) send(conn Conn, msg protocol.ServerMessage) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return conn.Send(raw)
}

func (r *Room) memberByConn(conn Conn) *member {
	for _, m := range r.roster {
		if m.conn == conn {
			return m
		}
	}
	return nil
}

func (r *Room) playerIDs() []string {
	ids := make([]string, 0, len(r.roster))
	for _, m := range r.roster {
		ids = append(ids, m.playerID)
	}
	return ids
}

func racer(m *member) protocol.Racer {
	return protocol.Racer{ID: m.playerID, Name: m.playerName}
}

// PlayerInfo 成員快照
type PlayerInfo struct {
	PlayerID        string    `json:"playerId"`
	PlayerName      string    `json:"playerName"`
	JoinedAt        time.Time `json:"joinedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	Ready           bool      `json:"ready"`
}

// Snapshot 房間快照
type Snapshot struct {
	RoomID     string       `json:"roomId"`
	State      State        `json:"state"`
	Players    []PlayerInfo `json:"players"`
	MaxPlayers int          `json:"maxPlayers"`
	StartedAt  *time.Time   `json:"startedAt,omitempty"`
	Closed     bool         `json:"closed"`
}

// Snapshot 取得目前狀態
func (r *Room) Snapshot(ctx context.Context) (Snapshot, error) {
	return actor.Ask(ctx, r.actor, func() Snapshot {
		s := Snapshot{
			RoomID:     r.id,
			State:      r.state,
			Players:    make([]PlayerInfo, 0, len(r.roster)),
			MaxPlayers: r.cfg.MaxPlayers,
			Closed:     r.closed,
		}
		if !r.startedAt.IsZero() {
			t := r.startedAt
			s.StartedAt = &t
		}
		for _, m := range r.roster {
			s.Players = append(s.Players, PlayerInfo{
				PlayerID:        m.playerID,
				PlayerName:      m.playerName,
				JoinedAt:        m.joinedAt,
				LastHeartbeatAt: m.lastHeartbeatAt,
				Ready:           m.ready,
			})
		}
		return s
	})
}

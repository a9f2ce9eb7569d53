package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-race-matchmaking/internal/leaderboard"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/room"
)

// 心跳機制時間配置：
//
//	writePump 每 54 秒送 Ping → 網路傳輸 < 6 秒 → readPump 60 秒逾時
//
// 這是傳輸層的保活；玩家是否還在線由房間的應用層 PING 判斷。
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
	deliverRetries = 3
)

// ReasonShutdown 關機時送給客戶端的關閉原因
const ReasonShutdown = "Server shutting down"

var (
	errSessionClosed = errors.New("session closed")
	errSendBuffer    = errors.New("send buffer full")
)

// Session 一條 WebSocket 連線，實作 room.Conn
//
// Send 與 Close 可以在任何 goroutine（通常是房間 actor）呼叫且不會阻塞；
// 真正的寫入全部在 writePump 進行。
type Session struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
}

func newSession(ws *websocket.Conn, logger *slog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: logger.With("session_id", id),
	}
}

// ID 連線 ID
func (c *Session) ID() string {
	return c.id
}

// Send 放入發送緩衝；緩衝已滿或連線已關閉時返回錯誤
func (c *Session) Send(msg []byte) error {
	select {
	case <-c.done:
		return errSessionClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	default:
		return errSendBuffer
	}
}

// Close 送出緩衝中的訊息與關閉幀後斷線；只有第一次呼叫的 reason 有效
func (c *Session) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Session) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// readPump 讀取客戶端訊息直到連線中斷
func (c *Session) readPump(handle func(raw []byte)) {
	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("設置讀取期限失敗", "error", err)
	}

	// Pong 處理器（收到 Pong 重置超時）
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket 讀取錯誤", "error", err)
			}
			return
		}
		// 任何訊息都代表連線仍然活著
		if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}
		if messageType == websocket.TextMessage {
			handle(message)
		}
	}
}

// writePump 唯一的寫入者
func (c *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				c.Close(room.ReasonSendFailed)
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(room.ReasonSendFailed)
				return
			}

		case <-c.done:
			c.flush()
			_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.closeReason()))
			return
		}
	}
}

// flush 關閉前送出已排入的訊息（例如 KICK 緊接著 Close）
func (c *Session) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Session) write(messageType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

// upgrade 升級連線並登記 Session
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request, attrs ...any) (*Session, bool) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("升級 WebSocket 失敗", "error", err)
		return nil, false
	}

	sess := newSession(ws, s.logger.With(attrs...))

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go sess.writePump()
	return sess, true
}

func (s *Server) release(sess *Session) {
	sess.Close("")
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.wg.Done()
}

// serveRoom 房間 WebSocket
//
// 訊息原封不動投遞給房間 actor；房間在投遞前剛好被回收時，
// 重新向 Directory 取得（會建立新的房間）再投遞一次。
func (s *Server) serveRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	if roomID == "" {
		http.Error(w, "Invalid room ID", http.StatusBadRequest)
		return
	}

	sess, ok := s.upgrade(w, r, "room_id", roomID)
	if !ok {
		return
	}
	defer s.release(sess)

	current := s.svc.Rooms.Get(roomID)
	sess.logger.Debug("房間連線建立")

	sess.readPump(func(raw []byte) {
		for attempt := 0; !current.Deliver(sess, raw); attempt++ {
			if attempt == deliverRetries {
				sess.logger.Warn("房間無法接收訊息")
				sess.Close(room.ReasonSendFailed)
				return
			}
			current = s.svc.Rooms.Get(roomID)
		}
	})

	current.Disconnect(sess)
	sess.logger.Debug("房間連線結束")
}

// leaderboardMessage 排行榜推送格式
type leaderboardMessage struct {
	Type string              `json:"type"`
	Data []leaderboard.Entry `json:"data"`
}

// serveLeaderboard 排行榜即時推送；連上時先送一次目前排名
func (s *Server) serveLeaderboard(w http.ResponseWriter, r *http.Request) {
	updates, cancel, err := s.svc.Leaderboard.Subscribe(r.Context())
	if err != nil {
		s.errorResponse(w, msgUnavailable, http.StatusServiceUnavailable)
		return
	}
	defer cancel()

	sess, ok := s.upgrade(w, r, "channel", "leaderboard")
	if !ok {
		return
	}
	defer s.release(sess)

	go func() {
		for top := range updates {
			raw, err := json.Marshal(leaderboardMessage{Type: "leaderboard-update", Data: top})
			if err != nil {
				s.logger.Error("編碼排行榜失敗", "error", err)
				continue
			}
			if err := sess.Send(raw); err != nil {
				sess.Close(room.ReasonSendFailed)
				return
			}
		}
		// 排行榜已停止
		sess.Close(ReasonShutdown)
	}()

	// 客戶端不需要傳訊息，讀取只為了偵測斷線與處理控制幀
	sess.readPump(func([]byte) {})
}

// SessionCount 目前的 WebSocket 連線數
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown 關閉所有剩餘的 WebSocket 連線並等待結束
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for sess := range s.sessions {
		sess.Close(ReasonShutdown)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("WebSocket 連線已全部關閉")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

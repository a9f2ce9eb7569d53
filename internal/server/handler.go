package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/koopa0/system-design/14-race-matchmaking/internal/leaderboard"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/matchmaker"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/registry"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/room"
)

const (
	msgMissingPlayer = "Missing playerId"
	msgInvalidBody   = "Invalid request body"
	msgUnavailable   = "Service unavailable"
	msgRoomNotFound  = "Room not found"
)

// 請求結構
type queueRequest struct {
	PlayerID string `json:"playerId"`
}

type recordRequest struct {
	PlayerID   string  `json:"playerId"`
	PlayerName string  `json:"playerName"`
	RaceTimeMs float64 `json:"raceTimeMs,omitempty"`
}

// decodeBody 空 body 視為空物件
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// queueJoin 加入佇列
func (s *Server) queueJoin(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, msgInvalidBody, http.StatusBadRequest)
		return
	}

	res, err := s.svc.Matchmaker.Join(r.Context(), req.PlayerID)
	if err != nil {
		s.matchmakerError(w, err)
		return
	}
	s.jsonResponse(w, withAbsoluteURL(r, res), http.StatusOK)
}

// queueCancel 取消排隊；不論是否在佇列中都回應 cancelled
func (s *Server) queueCancel(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, msgInvalidBody, http.StatusBadRequest)
		return
	}

	res, err := s.svc.Matchmaker.Cancel(r.Context(), req.PlayerID)
	if err != nil {
		s.matchmakerError(w, err)
		return
	}
	s.jsonResponse(w, res, http.StatusOK)
}

// queuePoll 查詢排隊狀態
func (s *Server) queuePoll(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Matchmaker.Poll(r.Context(), r.URL.Query().Get("playerId"))
	if err != nil {
		s.matchmakerError(w, err)
		return
	}
	s.jsonResponse(w, withAbsoluteURL(r, res), http.StatusOK)
}

func (s *Server) matchmakerError(w http.ResponseWriter, err error) {
	if errors.Is(err, matchmaker.ErrMissingPlayer) {
		s.errorResponse(w, msgMissingPlayer, http.StatusBadRequest)
		return
	}
	s.logger.Error("佇列請求失敗", "error", err)
	s.errorResponse(w, msgUnavailable, http.StatusServiceUnavailable)
}

// withAbsoluteURL 沒有設定對外網址時，依請求的 Host 補成完整的 ws 網址
func withAbsoluteURL(r *http.Request, res matchmaker.Result) matchmaker.Result {
	if res.Status != matchmaker.StatusMatched || !strings.HasPrefix(res.WSURL, "/") {
		return res
	}
	scheme := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "wss"
	}
	res.WSURL = scheme + "://" + r.Host + res.WSURL
	return res
}

// leaderboardTop 排行榜前 N 名
func (s *Server) leaderboardTop(w http.ResponseWriter, r *http.Request) {
	limit := leaderboard.DefaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= leaderboard.DefaultLimit {
			limit = val
		}
	}

	top, err := s.svc.Leaderboard.Top(r.Context(), limit)
	if err != nil {
		s.logger.Error("讀取排行榜失敗", "error", err)
		s.errorResponse(w, msgUnavailable, http.StatusServiceUnavailable)
		return
	}
	s.jsonResponse(w, top, http.StatusOK)
}

// recordWin 記錄勝場
func (s *Server) recordWin(w http.ResponseWriter, r *http.Request) {
	s.record(w, r, func(ctx context.Context, req recordRequest) error {
		raceTime := time.Duration(req.RaceTimeMs * float64(time.Millisecond))
		return s.svc.Leaderboard.RecordWin(ctx, req.PlayerID, req.PlayerName, raceTime)
	})
}

// recordRace 記錄參賽
func (s *Server) recordRace(w http.ResponseWriter, r *http.Request) {
	s.record(w, r, func(ctx context.Context, req recordRequest) error {
		return s.svc.Leaderboard.RecordRace(ctx, req.PlayerID, req.PlayerName)
	})
}

func (s *Server) record(w http.ResponseWriter, r *http.Request, apply func(context.Context, recordRequest) error) {
	var req recordRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, msgInvalidBody, http.StatusBadRequest)
		return
	}
	if req.PlayerID == "" {
		s.errorResponse(w, msgMissingPlayer, http.StatusBadRequest)
		return
	}
	if req.PlayerName == "" {
		req.PlayerName = room.DefaultName(req.PlayerID)
	}

	if err := apply(r.Context(), req); err != nil {
		s.logger.Error("寫入排行榜失敗", "player_id", req.PlayerID, "error", err)
		s.errorResponse(w, msgUnavailable, http.StatusServiceUnavailable)
		return
	}
	s.jsonResponse(w, map[string]any{"success": true}, http.StatusOK)
}

// leaderboardReset 清空排行榜（管理用）
func (s *Server) leaderboardReset(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Leaderboard.Reset(r.Context()); err != nil {
		s.logger.Error("重置排行榜失敗", "error", err)
		s.errorResponse(w, msgUnavailable, http.StatusServiceUnavailable)
		return
	}
	s.jsonResponse(w, map[string]any{"success": true}, http.StatusOK)
}

// roomView 登記記錄加上在線房間的即時狀態
type roomView struct {
	registry.Record
	Live *room.Snapshot `json:"live,omitempty"`
}

func (s *Server) liveSnapshot(ctx context.Context, roomID string) *room.Snapshot {
	rm, ok := s.svc.Rooms.Lookup(roomID)
	if !ok {
		return nil
	}
	snap, err := rm.Snapshot(ctx)
	if err != nil {
		return nil // 房間剛好在回收中
	}
	return &snap
}

// listRooms 列出登記過的房間
func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.Registry.List(r.Context())
	if err != nil {
		s.errorResponse(w, msgUnavailable, http.StatusServiceUnavailable)
		return
	}

	views := make([]roomView, 0, len(records))
	for _, rec := range records {
		views = append(views, roomView{Record: rec, Live: s.liveSnapshot(r.Context(), rec.RoomID)})
	}

	s.jsonResponse(w, map[string]any{
		"rooms": views,
		"total": len(views),
		"live":  s.svc.Rooms.Len(),
	}, http.StatusOK)
}

// getRoom 房間詳情
func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")

	view := roomView{Live: s.liveSnapshot(r.Context(), roomID)}
	rec, err := s.svc.Registry.Get(r.Context(), roomID)
	switch {
	case err == nil:
		view.Record = rec
	case errors.Is(err, registry.ErrNotFound) && view.Live != nil:
		// 直接連線建立、未經配對的房間
		view.RoomID = roomID
		view.MaxPlayers = view.Live.MaxPlayers
	case errors.Is(err, registry.ErrNotFound):
		s.errorResponse(w, msgRoomNotFound, http.StatusNotFound)
		return
	default:
		s.errorResponse(w, msgUnavailable, http.StatusServiceUnavailable)
		return
	}
	s.jsonResponse(w, view, http.StatusOK)
}

// resetRoom 強制在線房間回到 waiting
func (s *Server) resetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")

	rm, ok := s.svc.Rooms.Lookup(roomID)
	if !ok {
		s.errorResponse(w, msgRoomNotFound, http.StatusNotFound)
		return
	}
	if err := rm.Reset(r.Context()); err != nil {
		s.errorResponse(w, msgRoomNotFound, http.StatusNotFound)
		return
	}
	s.jsonResponse(w, map[string]any{"success": true}, http.StatusOK)
}

// debugState 佇列內部狀態；生產環境不存在此端點
func (s *Server) debugState(w http.ResponseWriter, r *http.Request) {
	if s.opts.Production {
		http.NotFound(w, r)
		return
	}

	stats, err := s.svc.Matchmaker.Stats(r.Context())
	if err != nil {
		s.errorResponse(w, msgUnavailable, http.StatusServiceUnavailable)
		return
	}
	s.jsonResponse(w, stats, http.StatusOK)
}

// health 健康檢查
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "Race matchmaking server is running!")
}

// stats 統計資訊
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	queue, err := s.svc.Matchmaker.Stats(r.Context())
	if err != nil {
		s.errorResponse(w, msgUnavailable, http.StatusServiceUnavailable)
		return
	}
	registered, err := s.svc.Registry.Len(r.Context())
	if err != nil {
		s.errorResponse(w, msgUnavailable, http.StatusServiceUnavailable)
		return
	}

	s.jsonResponse(w, map[string]any{
		"queue_count":      queue.QueueCount,
		"queue_reserved":   queue.Reserved,
		"queue_assigned":   queue.Assigned,
		"registered_rooms": registered,
		"live_rooms":       s.svc.Rooms.Len(),
		"sessions":         s.SessionCount(),
		"uptime_sec":       int64(time.Since(s.started).Seconds()),
	}, http.StatusOK)
}

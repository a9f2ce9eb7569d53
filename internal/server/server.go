// Package server 對外的 HTTP 與 WebSocket 入口
//
// 系統設計問題：
//   客戶端只知道一個網址，如何把排隊、房間、排行榜的請求送到正確的 actor？
//
// 設計方案：
//   ✅ 路由層只做解析與轉送，不持有任何遊戲狀態
//   ✅ 以邏輯名稱定址：佇列與排行榜是全域單例，房間以 roomId 在 Directory 中取得或建立
//   ✅ WebSocket 連線包成 Session，讀寫各一個 goroutine，寫入永不阻塞 actor
package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/koopa0/system-design/14-race-matchmaking/internal/leaderboard"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/matchmaker"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/registry"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/room"
)

// Options 路由層參數
type Options struct {
	AllowedOrigins []string // 包含 "*" 時允許所有來源
	Production     bool     // 生產環境關閉除錯端點
}

// Services 路由層轉送的目標
type Services struct {
	Matchmaker  *matchmaker.Matchmaker
	Registry    *registry.Registry
	Rooms       *room.Directory
	Leaderboard *leaderboard.Leaderboard
}

// Server HTTP 與 WebSocket 入口
type Server struct {
	opts     Options
	svc      Services
	logger   *slog.Logger
	upgrader websocket.Upgrader
	started  time.Time

	mu       sync.Mutex
	sessions map[*Session]struct{}
	wg       sync.WaitGroup
}

// New 創建 Server
func New(opts Options, svc Services, logger *slog.Logger) *Server {
	s := &Server{
		opts:     opts,
		svc:      svc,
		logger:   logger,
		started:  time.Now(),
		sessions: make(map[*Session]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

// Routes 設定路由
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.loggerMiddleware)

	// 排隊 API，保留無 /api 前綴的舊路徑
	for _, prefix := range []string{"/queue", "/api/queue"} {
		r.Post(prefix+"/join", s.queueJoin)
		r.Post(prefix+"/cancel", s.queueCancel)
		r.Get(prefix+"/poll", s.queuePoll)
	}

	r.Route("/api/leaderboard", func(r chi.Router) {
		r.Get("/", s.leaderboardTop)
		r.Post("/record-win", s.recordWin)
		r.Post("/record-race", s.recordRace)
		r.Post("/reset", s.leaderboardReset)
	})

	r.Route("/api/rooms", func(r chi.Router) {
		r.Get("/", s.listRooms)
		r.Get("/{roomId}", s.getRoom)
		r.Post("/{roomId}/reset", s.resetRoom)
	})

	r.Get("/api/debug/state", s.debugState)

	r.Get("/ws/room/{roomId}", s.serveRoom)
	r.Get("/ws/leaderboard", s.serveLeaderboard)

	r.Get("/health", s.health)
	r.Get("/stats", s.stats)

	return cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(r)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // 非瀏覽器客戶端
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// jsonResponse 返回 JSON 響應
func (s *Server) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (s *Server) errorResponse(w http.ResponseWriter, message string, status int) {
	s.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// loggerMiddleware 日誌中間件
func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(ww, r)

		s.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start))
	})
}

// recoverer panic 恢復中間件
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				s.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				s.errorResponse(w, "Internal server error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack WebSocket 升級需要
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

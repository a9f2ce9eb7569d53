package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"

	"github.com/koopa0/system-design/14-race-matchmaking/internal/config"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/events"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/leaderboard"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/maintenance"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/matchmaker"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/registry"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/room"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/server"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/storage"
)

func main() {
	// 解析命令行參數；有指定時覆蓋配置檔
	var (
		configPath = flag.String("config", "", "配置檔路徑 (YAML)")
		port       = flag.Int("port", 0, "服務器端口")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "載入配置失敗: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	// 設置日誌
	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, logger); err != nil {
		logger.Error("服務器異常結束", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	clock := clockwork.NewRealClock()
	instanceID := ksuid.New().String()

	// 排行榜存儲
	store, gc, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("關閉排行榜存儲失敗", "error", err)
		}
	}()

	// 跨實例廣播（可選）
	var (
		publisher leaderboard.Publisher
		bus       *events.Bus
	)
	if cfg.NATS.URL != "" {
		bus, err = events.Connect(cfg.NATS.URL, instanceID, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := bus.Close(); err != nil {
				logger.Error("關閉 NATS 連線失敗", "error", err)
			}
		}()
		publisher = bus
	}

	// 全域單例 actor
	board := leaderboard.New(store, publisher, clock, logger)
	defer board.Stop()

	if bus != nil {
		unsubscribe, err := bus.OnRemoteUpdate(func(u events.LeaderboardUpdate) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := board.Reload(ctx); err != nil {
				logger.Warn("同步遠端排行榜失敗", "source", u.Source, "error", err)
			}
		})
		if err != nil {
			return err
		}
		defer func() { _ = unsubscribe() }()
	}

	reg := registry.New(clock, logger)
	defer reg.Stop()

	mm, err := matchmaker.New(cfg.MatchmakerConfig(), reg, clock, logger)
	if err != nil {
		return err
	}

	rooms, err := room.NewDirectory(cfg.RoomConfig(), board, clock, logger)
	if err != nil {
		return err
	}

	// 背景維護
	sched, err := maintenance.New(clock, cfg.Maintenance.JobTimeout, logger)
	if err != nil {
		return err
	}
	if err := sched.Add(maintenance.PruneRegistry(reg, cfg.Maintenance.RegistryRetention, cfg.Maintenance.PruneInterval)); err != nil {
		return err
	}
	if gc != nil {
		if err := sched.Add(maintenance.CollectGarbage(gc, cfg.Store.GCDiscardRatio, cfg.Store.GCInterval)); err != nil {
			return err
		}
	}
	sched.Start()

	// HTTP / WebSocket 入口
	srv := server.New(server.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Production:     cfg.Production(),
	}, server.Services{
		Matchmaker:  mm,
		Registry:    reg,
		Rooms:       rooms,
		Leaderboard: board,
	}, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// 啟動服務器
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("配對服務器啟動",
			"port", cfg.Server.Port,
			"environment", cfg.Environment,
			"instance_id", instanceID,
			"store", cfg.Store.Backend,
			"room_size", cfg.Matchmaker.RoomSize,
			"log_level", cfg.Log.Level)

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("收到關閉信號，開始優雅關閉...")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	// 優雅關閉
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接受新連接
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("服務器關閉失敗", "error", err)
	}

	// 先停止配對，再結束所有房間，最後關掉剩下的排行榜連線
	mm.Stop()
	rooms.CloseAll(server.ReasonShutdown)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("WebSocket 連線未在期限內關閉", "error", err)
	}
	if err := sched.Stop(); err != nil {
		logger.Error("停止維護排程失敗", "error", err)
	}

	logger.Info("服務器已關閉")
	return nil
}

// closableStore 排行榜存儲加上關閉
type closableStore interface {
	leaderboard.Store
	io.Closer
}

// openStore 依配置開啟存儲；只有 badger 需要定期 GC
func openStore(cfg *config.Config, logger *slog.Logger) (closableStore, maintenance.GarbageCollector, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		logger.Warn("使用內存排行榜，重啟後資料會遺失")
		return storage.NewMemory(), nil, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Store.Redis.Addr, err)
		}
		logger.Info("排行榜存儲已開啟", "backend", "redis", "addr", cfg.Store.Redis.Addr)
		return storage.NewRedis(client, cfg.Store.Redis.KeyPrefix), nil, nil

	default:
		db, err := storage.OpenBadger(cfg.Store.BadgerDir, logger)
		if err != nil {
			return nil, nil, err
		}
		return db, db, nil
	}
}

// setupLogger 設置日誌
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: level == "debug", // debug 模式顯示源碼位置
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

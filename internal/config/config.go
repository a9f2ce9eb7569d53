// Package config 載入服務配置
//
// 優先順序（後者覆蓋前者）：
//
//	預設值 → YAML 檔案 → .env → 環境變數 → 命令列參數（由 main 處理）
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/koopa0/system-design/14-race-matchmaking/internal/matchmaker"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/room"
)

// 存儲後端
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// EnvProduction 生產環境，關閉除錯端點
const EnvProduction = "production"

// Config 整個應用的配置
type Config struct {
	Environment string `yaml:"environment"`

	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
		PublicWSBase    string        `yaml:"public_ws_base"` // 例如 wss://race.example.com；空字串時依請求推導
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Matchmaker struct {
		RoomSize          int           `yaml:"room_size"`
		MinPlayersToStart int           `yaml:"min_players_to_start"`
		QueueTTL          time.Duration `yaml:"queue_ttl"`
		CountdownDelay    time.Duration `yaml:"countdown_delay"`
		CountdownDuration time.Duration `yaml:"countdown_duration"`
		MatchRetention    time.Duration `yaml:"match_retention"`
		WaitPerPosition   time.Duration `yaml:"wait_per_position"`
		AllocateTimeout   time.Duration `yaml:"allocate_timeout"`
	} `yaml:"matchmaker"`

	Room struct {
		MinPlayers             int           `yaml:"min_players"`
		HeartbeatTimeout       time.Duration `yaml:"heartbeat_timeout"`
		HeartbeatCheckInterval time.Duration `yaml:"heartbeat_check_interval"`
		StartGrace             time.Duration `yaml:"start_grace"`
		StartCountdown         time.Duration `yaml:"start_countdown"`
		ResultsDelay           time.Duration `yaml:"results_delay"`
		EmptyGrace             time.Duration `yaml:"empty_grace"`
	} `yaml:"room"`

	Store struct {
		Backend        string        `yaml:"backend"`
		BadgerDir      string        `yaml:"badger_dir"` // 空字串為純記憶體模式
		GCInterval     time.Duration `yaml:"gc_interval"`
		GCDiscardRatio float64       `yaml:"gc_discard_ratio"`

		Redis struct {
			Addr      string `yaml:"addr"`
			Password  string `yaml:"password"`
			DB        int    `yaml:"db"`
			KeyPrefix string `yaml:"key_prefix"`
		} `yaml:"redis"`
	} `yaml:"store"`

	NATS struct {
		URL string `yaml:"url"` // 空字串時不啟用跨實例廣播
	} `yaml:"nats"`

	Maintenance struct {
		RegistryRetention time.Duration `yaml:"registry_retention"`
		PruneInterval     time.Duration `yaml:"prune_interval"`
		JobTimeout        time.Duration `yaml:"job_timeout"`
	} `yaml:"maintenance"`
}

// Default 預設配置
func Default() *Config {
	mm := matchmaker.DefaultConfig()
	rc := room.DefaultConfig()

	c := &Config{Environment: "development"}

	c.Server.Port = 8080
	c.Server.ReadTimeout = 15 * time.Second
	c.Server.WriteTimeout = 15 * time.Second
	c.Server.IdleTimeout = 60 * time.Second
	c.Server.ShutdownTimeout = 30 * time.Second
	c.Server.AllowedOrigins = []string{"*"}

	c.Log.Level = "info"
	c.Log.Format = "text"

	c.Matchmaker.RoomSize = mm.RoomSize
	c.Matchmaker.MinPlayersToStart = mm.MinPlayersToStart
	c.Matchmaker.QueueTTL = mm.EntryTTL
	c.Matchmaker.CountdownDelay = mm.CountdownDelay
	c.Matchmaker.CountdownDuration = mm.CountdownDuration
	c.Matchmaker.MatchRetention = mm.MatchRetention
	c.Matchmaker.WaitPerPosition = mm.EstWaitPerPosition
	c.Matchmaker.AllocateTimeout = mm.AllocateTimeout

	c.Room.MinPlayers = rc.MinPlayers
	c.Room.HeartbeatTimeout = rc.HeartbeatTimeout
	c.Room.HeartbeatCheckInterval = rc.HeartbeatCheckInterval
	c.Room.StartGrace = rc.StartGrace
	c.Room.StartCountdown = rc.StartCountdown
	c.Room.ResultsDelay = rc.ResultsDelay
	c.Room.EmptyGrace = rc.EmptyGrace

	c.Store.Backend = BackendBadger
	c.Store.BadgerDir = "data/leaderboard"
	c.Store.GCInterval = 10 * time.Minute
	c.Store.GCDiscardRatio = 0.5
	c.Store.Redis.Addr = "localhost:6379"
	c.Store.Redis.KeyPrefix = "race:"

	c.Maintenance.RegistryRetention = 24 * time.Hour
	c.Maintenance.PruneInterval = 10 * time.Minute
	c.Maintenance.JobTimeout = 30 * time.Second

	return c
}

// Load 讀取配置；path 為空字串時只使用預設值與環境變數
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// .env 不存在是正常情況
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnv 以環境變數覆蓋；lookup 一般為 os.LookupEnv
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	millis := func(key string, dst *time.Duration) {
		var ms int
		before := len(errs)
		num(key, &ms)
		if len(errs) == before && ms != 0 {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}

	str("ENVIRONMENT", &c.Environment)
	num("PORT", &c.Server.Port)
	if v, ok := lookup("ALLOWED_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	str("PUBLIC_WS_BASE", &c.Server.PublicWSBase)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	num("ROOM_SIZE", &c.Matchmaker.RoomSize)
	millis("QUEUE_TTL_MS", &c.Matchmaker.QueueTTL)
	millis("ROOM_HEARTBEAT_MS", &c.Room.HeartbeatTimeout)

	str("STORE_BACKEND", &c.Store.Backend)
	str("BADGER_DIR", &c.Store.BadgerDir)
	str("REDIS_ADDR", &c.Store.Redis.Addr)
	str("REDIS_PASSWORD", &c.Store.Redis.Password)
	str("NATS_URL", &c.NATS.URL)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate 檢查配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	switch c.Store.Backend {
	case BackendMemory, BackendBadger, BackendRedis:
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendRedis && c.Store.Redis.Addr == "" {
		return errors.New("config: redis backend requires an address")
	}
	if c.Maintenance.PruneInterval <= 0 || c.Maintenance.JobTimeout <= 0 {
		return errors.New("config: maintenance intervals must be positive")
	}
	if err := c.MatchmakerConfig().Validate(); err != nil {
		return err
	}
	return c.RoomConfig().Validate()
}

// Production 是否為生產環境
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, EnvProduction)
}

// MatchmakerConfig 轉換為 matchmaker 參數
func (c *Config) MatchmakerConfig() matchmaker.Config {
	return matchmaker.Config{
		RoomSize:           c.Matchmaker.RoomSize,
		MinPlayersToStart:  c.Matchmaker.MinPlayersToStart,
		EntryTTL:           c.Matchmaker.QueueTTL,
		CountdownDelay:     c.Matchmaker.CountdownDelay,
		CountdownDuration:  c.Matchmaker.CountdownDuration,
		MatchRetention:     c.Matchmaker.MatchRetention,
		EstWaitPerPosition: c.Matchmaker.WaitPerPosition,
		AllocateTimeout:    c.Matchmaker.AllocateTimeout,
		PublicBaseURL:      c.Server.PublicWSBase,
	}
}

// RoomConfig 轉換為房間參數；房間容量與成團人數相同
func (c *Config) RoomConfig() room.Config {
	rc := room.DefaultConfig()
	rc.MaxPlayers = c.Matchmaker.RoomSize
	rc.MinPlayers = c.Room.MinPlayers
	rc.HeartbeatTimeout = c.Room.HeartbeatTimeout
	rc.HeartbeatCheckInterval = c.Room.HeartbeatCheckInterval
	rc.StartGrace = c.Room.StartGrace
	rc.StartCountdown = c.Room.StartCountdown
	rc.ResultsDelay = c.Room.ResultsDelay
	rc.EmptyGrace = c.Room.EmptyGrace
	return rc
}

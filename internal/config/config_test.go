package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-race-matchmaking/internal/config"
)

// TestDefault 測試預設配置有效
func TestDefault(t *testing.T) {
	c := config.Default()
	require.NoError(t, c.Validate())

	mm := c.MatchmakerConfig()
	assert.Equal(t, 5, mm.RoomSize)
	assert.Equal(t, 2, mm.MinPlayersToStart)
	assert.Equal(t, 20*time.Second, mm.EntryTTL)
	assert.Equal(t, 15*time.Second, mm.CountdownDuration)

	rc := c.RoomConfig()
	assert.Equal(t, 5, rc.MaxPlayers)
	assert.Equal(t, 30*time.Second, rc.HeartbeatTimeout)
	assert.False(t, c.Production())
}

// TestLoad_YAML 測試讀取 YAML 檔案
func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: staging
server:
  port: 9090
  allowed_origins: ["https://kart.example.com"]
matchmaker:
  room_size: 8
  queue_ttl: 45s
room:
  heartbeat_timeout: 1m
store:
  backend: memory
`), 0o600))

	c, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", c.Environment)
	assert.Equal(t, 9090, c.Server.Port)
	assert.Equal(t, []string{"https://kart.example.com"}, c.Server.AllowedOrigins)
	assert.Equal(t, 8, c.RoomConfig().MaxPlayers)
	assert.Equal(t, 45*time.Second, c.MatchmakerConfig().EntryTTL)
	assert.Equal(t, time.Minute, c.RoomConfig().HeartbeatTimeout)
	assert.Equal(t, config.BackendMemory, c.Store.Backend)
	// 未指定的欄位保留預設值
	assert.Equal(t, 2*time.Second, c.Matchmaker.CountdownDelay)
}

// TestLoad_EnvOverrides 測試環境變數覆蓋
func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("PORT", "7070")
	t.Setenv("ROOM_SIZE", "3")
	t.Setenv("QUEUE_TTL_MS", "5000")
	t.Setenv("ROOM_HEARTBEAT_MS", "12000")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("NATS_URL", "nats://bus:4222")

	c, err := config.Load("")
	require.NoError(t, err)

	assert.True(t, c.Production())
	assert.Equal(t, 7070, c.Server.Port)
	assert.Equal(t, 3, c.MatchmakerConfig().RoomSize)
	assert.Equal(t, 3, c.RoomConfig().MaxPlayers)
	assert.Equal(t, 5*time.Second, c.MatchmakerConfig().EntryTTL)
	assert.Equal(t, 12*time.Second, c.RoomConfig().HeartbeatTimeout)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, c.Server.AllowedOrigins)
	assert.Equal(t, config.BackendRedis, c.Store.Backend)
	assert.Equal(t, "cache:6379", c.Store.Redis.Addr)
	assert.Equal(t, "nats://bus:4222", c.NATS.URL)
}

// TestLoad_Invalid 測試無效配置
func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"non numeric room size", map[string]string{"ROOM_SIZE": "five"}},
		{"room size too small", map[string]string{"ROOM_SIZE": "1"}},
		{"bad ttl", map[string]string{"QUEUE_TTL_MS": "soon"}},
		{"unknown backend", map[string]string{"STORE_BACKEND": "etcd"}},
		{"bad port", map[string]string{"PORT": "70000"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load("")
			assert.Error(t, err)
		})
	}
}

// TestLoad_MissingFile 測試指定的檔案不存在
func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

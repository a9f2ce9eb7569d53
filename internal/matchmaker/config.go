package matchmaker

import (
	"errors"
	"time"
)

// Config 佇列參數
type Config struct {
	RoomSize          int           // 每個房間最多湊幾個人，湊滿立即成團
	MinPlayersToStart int           // 達到此人數開始倒數
	EntryTTL          time.Duration // 排隊超過此時間視為逾時
	CountdownDelay    time.Duration // 吸收幾乎同時到達的加入請求
	CountdownDuration time.Duration

	// MatchRetention 成團結果保留多久，讓同團的其他玩家在下次 poll 時拿到房間資訊
	MatchRetention     time.Duration
	EstWaitPerPosition time.Duration
	AllocateTimeout    time.Duration

	// PublicBaseURL 拼接在 ConnectPath 前面組成 wsUrl，例如 wss://race.example.com
	PublicBaseURL string
}

// DefaultConfig 預設參數
func DefaultConfig() Config {
	return Config{
		RoomSize:           5,
		MinPlayersToStart:  2,
		EntryTTL:           20 * time.Second,
		CountdownDelay:     2 * time.Second,
		CountdownDuration:  15 * time.Second,
		MatchRetention:     60 * time.Second,
		EstWaitPerPosition: 10 * time.Second,
		AllocateTimeout:    5 * time.Second,
	}
}

// Validate 檢查參數
func (c Config) Validate() error {
	switch {
	case c.RoomSize < 2:
		return errors.New("matchmaker: room size must be at least 2")
	case c.MinPlayersToStart < 1 || c.MinPlayersToStart > c.RoomSize:
		return errors.New("matchmaker: min players must be between 1 and room size")
	case c.EntryTTL <= 0:
		return errors.New("matchmaker: entry ttl must be positive")
	case c.CountdownDelay < 0 || c.CountdownDuration < 0:
		return errors.New("matchmaker: countdown durations must not be negative")
	case c.AllocateTimeout <= 0:
		return errors.New("matchmaker: allocate timeout must be positive")
	}
	return nil
}

package room

import (
	"errors"
	"time"
)

// Config 房間參數
type Config struct {
	MaxPlayers             int
	MinPlayers             int
	HeartbeatTimeout       time.Duration
	HeartbeatCheckInterval time.Duration

	StartGrace     time.Duration // 人數達標後等待多久才進入 starting
	StartCountdown time.Duration // START 倒數長度，也是送給客戶端的秒數
	ResultsDelay   time.Duration // RACE_END 之後多久送出 END
	EmptyGrace     time.Duration // 房間清空後多久回收
	RecordTimeout  time.Duration
}

// DefaultConfig 預設參數
func DefaultConfig() Config {
	return Config{
		MaxPlayers:             5,
		MinPlayers:             2,
		HeartbeatTimeout:       30 * time.Second,
		HeartbeatCheckInterval: 5 * time.Second,
		StartGrace:             2 * time.Second,
		StartCountdown:         3 * time.Second,
		ResultsDelay:           10 * time.Second,
		EmptyGrace:             30 * time.Second,
		RecordTimeout:          5 * time.Second,
	}
}

// Validate 檢查參數
func (c Config) Validate() error {
	switch {
	case c.MaxPlayers < 1:
		return errors.New("room: max players must be positive")
	case c.MinPlayers < 1 || c.MinPlayers > c.MaxPlayers:
		return errors.New("room: min players must be between 1 and max players")
	case c.HeartbeatTimeout <= 0 || c.HeartbeatCheckInterval <= 0:
		return errors.New("room: heartbeat durations must be positive")
	case c.StartCountdown < time.Second:
		return errors.New("room: start countdown must be at least one second")
	case c.StartGrace < 0 || c.ResultsDelay < 0 || c.EmptyGrace < 0:
		return errors.New("room: delays must not be negative")
	case c.RecordTimeout <= 0:
		return errors.New("room: record timeout must be positive")
	}
	return nil
}

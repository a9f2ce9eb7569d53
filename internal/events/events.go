// Package events 透過 NATS 在多個實例之間廣播排行榜變動
//
// 系統設計問題：
//
//	多個實例共用同一份排行榜存儲（Redis）時，A 實例記錄了勝場，
//	B 實例上訂閱排行榜的 WebSocket 客戶端如何即時看到？
//
// 設計方案：
//
//	✅ Core NATS publish：排名是可重建的快照，遺失一則無妨，不需要 JetStream
//	✅ 訊息帶上來源實例 ID，收到自己發出的訊息直接忽略
//	✅ 收到遠端訊息只觸發本地 Reload，真實資料永遠以 Store 為準
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/koopa0/system-design/14-race-matchmaking/internal/leaderboard"
)

// SubjectLeaderboardUpdated 排行榜變動主題
const SubjectLeaderboardUpdated = "race.leaderboard.updated"

// LeaderboardUpdate 線上格式
type LeaderboardUpdate struct {
	Source      string              `json:"source"`
	Top         []leaderboard.Entry `json:"top"`
	PublishedAt time.Time           `json:"publishedAt"`
}

// Bus NATS 事件匯流排
type Bus struct {
	conn    *nats.Conn
	source  string
	subject string
	logger  *slog.Logger
}

// Connect 連接 NATS；source 為本實例的唯一 ID
func Connect(url, source string, logger *slog.Logger) (*Bus, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("race-matchmaking/"+source),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS 連線中斷", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS 已重新連線", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewBus(conn, source, logger), nil
}

// NewBus 包裝已建立的連線
func NewBus(conn *nats.Conn, source string, logger *slog.Logger) *Bus {
	return &Bus{
		conn:    conn,
		source:  source,
		subject: SubjectLeaderboardUpdated,
		logger:  logger.With("component", "events"),
	}
}

// Publish 實作 leaderboard.Publisher
func (b *Bus) Publish(ctx context.Context, top []leaderboard.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := Encode(LeaderboardUpdate{
		Source:      b.source,
		Top:         top,
		PublishedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", b.subject, err)
	}
	return nil
}

// OnRemoteUpdate 訂閱其他實例發出的排行榜變動
//
// 自己發出的訊息與無法解析的訊息都會被略過。返回的函式用來取消訂閱。
func (b *Bus) OnRemoteUpdate(handler func(LeaderboardUpdate)) (func() error, error) {
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		update, err := Decode(msg.Data)
		if err != nil {
			b.logger.Warn("無法解析排行榜事件", "error", err)
			return
		}
		if update.Source == b.source {
			return
		}
		handler(update)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	return sub.Unsubscribe, nil
}

// Close 送出緩衝中的訊息後關閉連線
func (b *Bus) Close() error {
	return b.conn.Drain()
}

// Encode 編碼排行榜事件
func Encode(u LeaderboardUpdate) ([]byte, error) {
	if u.Top == nil {
		u.Top = []leaderboard.Entry{}
	}
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("marshal leaderboard update: %w", err)
	}
	return data, nil
}

// Decode 解碼排行榜事件
func Decode(data []byte) (LeaderboardUpdate, error) {
	var u LeaderboardUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return LeaderboardUpdate{}, fmt.Errorf("unmarshal leaderboard update: %w", err)
	}
	if u.Source == "" {
		return LeaderboardUpdate{}, fmt.Errorf("leaderboard update without source")
	}
	return u, nil
}

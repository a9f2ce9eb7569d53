package room

import (
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/koopa0/system-design/14-race-matchmaking/internal/actor"
)

// Directory 以房間 ID 定址的房間目錄
//
// 第一次有人連到某個房間 ID 時才建立 Room（lazy），
// 房間清空並過了寬限期後會自行從目錄移除。
type Directory struct {
	ns       *actor.Namespace[*Room]
	cfg      Config
	recorder Recorder
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewDirectory 創建房間目錄
func NewDirectory(cfg Config, recorder Recorder, clock clockwork.Clock, logger *slog.Logger) (*Directory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Directory{
		cfg:      cfg,
		recorder: recorder,
		clock:    clock,
		logger:   logger,
	}
	d.ns = actor.NewNamespace(func(id string) *Room {
		d.logger.Debug("建立房間 actor", "room_id", id)
		return New(id, d.cfg, d.recorder, d.clock, d.logger, d.release)
	})
	return d, nil
}

// Get 取得或建立房間
func (d *Directory) Get(roomID string) *Room {
	return d.ns.Get(roomID)
}

// Lookup 只查詢在線的房間
func (d *Directory) Lookup(roomID string) (*Room, bool) {
	return d.ns.Lookup(roomID)
}

// IDs 在線房間 ID
func (d *Directory) IDs() []string {
	return d.ns.Names()
}

// Len 在線房間數
func (d *Directory) Len() int {
	return d.ns.Len()
}

// CloseAll 關閉所有房間（關機時使用）
func (d *Directory) CloseAll(reason string) {
	rooms := d.ns.Drain()
	for _, r := range rooms {
		r.Close(reason)
	}
	for _, r := range rooms {
		<-r.Done()
	}
	d.logger.Info("所有房間已關閉", "count", len(rooms))
}

// release 房間閒置回呼，在該房間的 actor 內執行
func (d *Directory) release(r *Room) {
	if d.ns.RemoveIf(r.id, func(x *Room) bool { return x == r }) {
		d.logger.Info("房間已回收", "room_id", r.id, "remaining", d.ns.Len())
	}
	r.actor.Stop()
}

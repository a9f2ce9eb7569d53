package leaderboard

import (
	"encoding/json"
	"time"
)

// Entry 一位玩家的累計戰績
//
// 以 PlayerID 為鍵；只會累加，唯一的刪除途徑是 Reset。
type Entry struct {
	PlayerID   string        `msgpack:"id"`
	PlayerName string        `msgpack:"name"`
	Wins       int           `msgpack:"wins"`
	TotalRaces int           `msgpack:"races"`
	BestTime   time.Duration `msgpack:"best,omitempty"`
	LastWin    time.Time     `msgpack:"last_win,omitempty"`
}

type entryJSON struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Wins       int    `json:"wins"`
	TotalRaces int    `json:"totalRaces"`
	BestTimeMs *int64 `json:"bestTimeMs,omitempty"`
	LastWin    *int64 `json:"lastWin,omitempty"` // unix 毫秒
}

// MarshalJSON 時間以毫秒輸出，未發生過的欄位省略
func (e Entry) MarshalJSON() ([]byte, error) {
	out := entryJSON{
		PlayerID:   e.PlayerID,
		PlayerName: e.PlayerName,
		Wins:       e.Wins,
		TotalRaces: e.TotalRaces,
	}
	if e.BestTime > 0 {
		ms := e.BestTime.Milliseconds()
		out.BestTimeMs = &ms
	}
	if !e.LastWin.IsZero() {
		ms := e.LastWin.UnixMilli()
		out.LastWin = &ms
	}
	return json.Marshal(out)
}

// UnmarshalJSON 對應 MarshalJSON
func (e *Entry) UnmarshalJSON(data []byte) error {
	var in entryJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = Entry{
		PlayerID:   in.PlayerID,
		PlayerName: in.PlayerName,
		Wins:       in.Wins,
		TotalRaces: in.TotalRaces,
	}
	if in.BestTimeMs != nil {
		e.BestTime = time.Duration(*in.BestTimeMs) * time.Millisecond
	}
	if in.LastWin != nil {
		e.LastWin = time.UnixMilli(*in.LastWin)
	}
	return nil
}

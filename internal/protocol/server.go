package protocol

import (
	"encoding/json"
	"fmt"
)

// ServerMessage 房間送往客戶端的訊息
type ServerMessage interface {
	Tag() Tag
}

// Welcome 加入成功，附帶目前所有成員
type Welcome struct {
	RoomID  string   `json:"roomId"`
	Players []string `json:"players"`
}

type Pong struct{}

type PeerJoin struct {
	PlayerID string `json:"playerId"`
}

type PeerLeave struct {
	PlayerID string `json:"playerId"`
}

type PeerState struct {
	PlayerID string   `json:"playerId"`
	Pos      Position `json:"pos"`
}

// Start 倒數開始
type Start struct {
	Countdown int `json:"countdown"`
}

// Racer 成績單上的參賽者
type Racer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	IsBot bool   `json:"isBot"`
}

// Placement 名次
type Placement struct {
	Racer
	Position int `json:"position"`
}

// RaceEnd 比賽結果
type RaceEnd struct {
	Winner         Racer       `json:"winner"`
	FinalPositions []Placement `json:"finalPositions"`
	FinalTime      float64     `json:"finalTime"`
}

// End 房間結束
type End struct {
	Reason string `json:"reason"`
}

// Kick 強制斷線
type Kick struct {
	Reason string `json:"reason"`
}

func (Welcome) Tag() Tag   { return TagWelcome }
func (Pong) Tag() Tag      { return TagPong }
func (PeerJoin) Tag() Tag  { return TagPeerJoin }
func (PeerLeave) Tag() Tag { return TagPeerLeave }
func (PeerState) Tag() Tag { return TagPeerState }
func (Start) Tag() Tag     { return TagStart }
func (RaceEnd) Tag() Tag   { return TagRaceEnd }
func (End) Tag() Tag       { return TagEnd }
func (Kick) Tag() Tag      { return TagKick }

// Encode 序列化為帶 "t" 欄位的 JSON 物件
func Encode(msg ServerMessage) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Tag(), err)
	}

	head, err := json.Marshal(msg.Tag())
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Tag(), err)
	}

	out := make([]byte, 0, len(body)+len(head)+6)
	out = append(out, `{"t":`...)
	out = append(out, head...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

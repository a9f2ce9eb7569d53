// Package protocol 定義房間 WebSocket 上的訊息格式。
//
// 所有訊息都是 JSON 物件，以 "t" 欄位區分種類：
//
//	client → room: HELLO, PING, STATE, RACE_FINISH
//	room → client: WELCOME, PONG, PEER_JOIN, PEER_LEAVE, PEER_STATE,
//	               START, RACE_END, END, KICK
//
// 客戶端訊息是封閉的聯合型別：新增一種訊息必須同時在 ClientVisitor 上新增方法，
// 所有處理者在編譯期就會被迫處理它。
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Tag 訊息種類
type Tag string

const (
	TagHello      Tag = "HELLO"
	TagPing       Tag = "PING"
	TagState      Tag = "STATE"
	TagRaceFinish Tag = "RACE_FINISH"

	TagWelcome   Tag = "WELCOME"
	TagPong      Tag = "PONG"
	TagPeerJoin  Tag = "PEER_JOIN"
	TagPeerLeave Tag = "PEER_LEAVE"
	TagPeerState Tag = "PEER_STATE"
	TagStart     Tag = "START"
	TagRaceEnd   Tag = "RACE_END"
	TagEnd       Tag = "END"
	TagKick      Tag = "KICK"
)

// ErrMalformed 無法解析或缺少必要欄位的訊息
var ErrMalformed = errors.New("malformed message")

// Position 賽車遙測資料，原樣轉發給其他成員
type Position struct {
	X              float64  `json:"x"`
	Y              float64  `json:"y"`
	Angle          float64  `json:"angle"`
	LapCount       *int     `json:"lapCount,omitempty"`
	NextCheckpoint *int     `json:"nextCheckpoint,omitempty"`
	Speed          *float64 `json:"speed,omitempty"`
}

// ClientMessage 客戶端送往房間的訊息
type ClientMessage interface {
	Tag() Tag
	Accept(v ClientVisitor)
}

// ClientVisitor 依訊息種類分派處理
type ClientVisitor interface {
	VisitHello(Hello)
	VisitPing(Ping)
	VisitState(State)
	VisitRaceFinish(RaceFinish)
}

// Hello 加入房間
type Hello struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName,omitempty"`
}

// Ping 應用層心跳
type Ping struct{}

// State 位置更新，同時刷新心跳
type State struct {
	Pos *Position `json:"pos"`
}

// RaceFinish 完賽通知
type RaceFinish struct {
	PlayerID  string  `json:"playerId"`
	FinalTime float64 `json:"finalTime"` // 毫秒
	LapCount  int     `json:"lapCount"`
}

func (Hello) Tag() Tag      { return TagHello }
func (Ping) Tag() Tag       { return TagPing }
func (State) Tag() Tag      { return TagState }
func (RaceFinish) Tag() Tag { return TagRaceFinish }

func (m Hello) Accept(v ClientVisitor)      { v.VisitHello(m) }
func (m Ping) Accept(v ClientVisitor)       { v.VisitPing(m) }
func (m State) Accept(v ClientVisitor)      { v.VisitState(m) }
func (m RaceFinish) Accept(v ClientVisitor) { v.VisitRaceFinish(m) }

type envelope struct {
	T Tag `json:"t"`
}

// PeekTag 只讀出訊息種類
func PeekTag(raw []byte) (Tag, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.T == "" {
		return "", fmt.Errorf("%w: missing t", ErrMalformed)
	}
	return env.T, nil
}

// DecodeClient 解析客戶端訊息
//
// 未知種類、JSON 錯誤、缺少必要欄位都回傳包裝過的 ErrMalformed。
func DecodeClient(raw []byte) (ClientMessage, error) {
	tag, err := PeekTag(raw)
	if err != nil {
		return nil, err
	}

	switch tag {
	case TagHello:
		var m Hello
		if err := decodeInto(raw, &m); err != nil {
			return nil, err
		}
		if m.PlayerID == "" {
			return nil, fmt.Errorf("%w: HELLO without playerId", ErrMalformed)
		}
		return m, nil

	case TagPing:
		return Ping{}, nil

	case TagState:
		var m State
		if err := decodeInto(raw, &m); err != nil {
			return nil, err
		}
		if m.Pos == nil {
			return nil, fmt.Errorf("%w: STATE without pos", ErrMalformed)
		}
		return m, nil

	case TagRaceFinish:
		var m RaceFinish
		if err := decodeInto(raw, &m); err != nil {
			return nil, err
		}
		if m.FinalTime < 0 {
			return nil, fmt.Errorf("%w: negative finalTime", ErrMalformed)
		}
		return m, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, tag)
	}
}

func decodeInto(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

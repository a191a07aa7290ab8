// models/models.go
package models

import (
	"time"
)

// MatchData 对局匹配结果
type MatchData struct {
	RoomCode    string         `json:"room_code"`
	ModeID      string         `json:"mode_id"`
	PlayerCount int            `json:"player_count"`
	Opponents   []OpponentInfo `json:"opponents"`
}

// OpponentInfo 对手信息
type OpponentInfo struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
	Level  int    `json:"level"`
}

// EnergyAccount 玩家能量账户
type EnergyAccount struct {
	UserID    int64     `json:"user_id"`
	Amount    int       `json:"amount"`
	Capacity  int       `json:"capacity"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MatchRecord 匹配记录
type MatchRecord struct {
	UserID      int64     `json:"user_id"`
	ModeID      string    `json:"mode_id"`
	RoomCode    string    `json:"room_code"`
	Outcome     string    `json:"outcome"` // ready/cancelled/failed
	EnergySpent int       `json:"energy_spent"`
	Duration    int       `json:"duration"` // 匹配耗时(秒)
	CreatedAt   time.Time `json:"created_at"`
}

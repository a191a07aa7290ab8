// models/gorm_models.go
package models

import (
	"gorm.io/gorm"
)

// GormEnergyAccount 能量账户模型
type GormEnergyAccount struct {
	gorm.Model
	UserID   int64 `gorm:"uniqueIndex;not null"`
	Amount   int   `gorm:"default:5"`
	Capacity int   `gorm:"default:5"`
	// Reserved/Refunded 统计信息，用于对账
	Stats map[string]interface{} `gorm:"type:jsonb"`
}

// GormMatchRecord 匹配记录模型
type GormMatchRecord struct {
	gorm.Model
	UserID      int64  `gorm:"index;not null"`
	ModeID      string `gorm:"not null"`
	RoomCode    string `gorm:"size:4"`
	Outcome     string `gorm:"not null"` // ready/cancelled/failed
	EnergySpent int    `gorm:"default:0"`
	Duration    int    `gorm:"default:0"` // 匹配耗时(秒)
}

// GormSessionSnapshot 会话状态快照（跨进程恢复用）
type GormSessionSnapshot struct {
	gorm.Model
	UserID    int64  `gorm:"uniqueIndex;not null"`
	State     string `gorm:"size:20;not null"`
	ModeID    string `gorm:"size:32"`
	RoomCode  string `gorm:"size:4"`
	LastError string `gorm:"type:text"`
}

// EnergyStats 能量账户统计信息
type EnergyStats struct {
	TotalReserved  int `json:"total_reserved"`
	TotalCommitted int `json:"total_committed"`
	TotalRefunded  int `json:"total_refunded"`
}

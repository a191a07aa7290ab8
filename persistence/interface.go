// persistence/interface.go
package persistence

import (
	"fmt"

	"github.com/wfunc/dicematch/models"
	"gorm.io/gorm"
)

// Database 数据库接口
type Database interface {
	SaveEnergyAccount(userID int64, amount, capacity int) error
	LoadEnergyAccount(userID int64) (*models.EnergyAccount, error)
	SaveMatchRecord(record *models.MatchRecord) error
	SaveSessionSnapshot(userID int64, state, modeID, roomCode, lastError string) error
	LoadSessionSnapshot(userID int64) (*models.GormSessionSnapshot, error)
	Transaction(fn func(tx *gorm.DB) error) error
	GetEnergyStats(userID int64) (*models.EnergyStats, error)
	Close() error
}

// 错误定义
var (
	ErrRecordNotFound = fmt.Errorf("record not found")
)

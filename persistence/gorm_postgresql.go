// persistence/gorm_postgresql.go
package persistence

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/wfunc/dicematch/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormPostgreSQL 使用GORM的PostgreSQL实现
type GormPostgreSQL struct {
	db *gorm.DB
}

// NewGormPostgreSQL 创建GORM PostgreSQL数据库连接
func NewGormPostgreSQL(host string, port int, user, password, dbname string) (*GormPostgreSQL, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	// 配置GORM日志
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold: time.Second,
			LogLevel:      logger.Silent,
			Colorful:      false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 设置连接池
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// 自动迁移表结构
	if err := autoMigrate(db); err != nil {
		return nil, err
	}

	return &GormPostgreSQL{db: db}, nil
}

// autoMigrate 自动迁移表结构
func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.GormEnergyAccount{},
		&models.GormMatchRecord{},
		&models.GormSessionSnapshot{},
	)
}

// SaveEnergyAccount 保存能量账户（UPSERT）
func (p *GormPostgreSQL) SaveEnergyAccount(userID int64, amount, capacity int) error {
	var account models.GormEnergyAccount
	result := p.db.Where("user_id = ?", userID).First(&account)

	if result.Error == gorm.ErrRecordNotFound {
		account = models.GormEnergyAccount{
			UserID:   userID,
			Amount:   amount,
			Capacity: capacity,
		}
		return p.db.Create(&account).Error
	} else if result.Error != nil {
		return result.Error
	}

	account.Amount = amount
	account.Capacity = capacity
	return p.db.Save(&account).Error
}

// LoadEnergyAccount 加载能量账户
func (p *GormPostgreSQL) LoadEnergyAccount(userID int64) (*models.EnergyAccount, error) {
	var account models.GormEnergyAccount
	if err := p.db.Where("user_id = ?", userID).First(&account).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	return &models.EnergyAccount{
		UserID:    account.UserID,
		Amount:    account.Amount,
		Capacity:  account.Capacity,
		CreatedAt: account.CreatedAt,
		UpdatedAt: account.UpdatedAt,
	}, nil
}

// SaveMatchRecord 保存匹配记录
func (p *GormPostgreSQL) SaveMatchRecord(record *models.MatchRecord) error {
	row := models.GormMatchRecord{
		UserID:      record.UserID,
		ModeID:      record.ModeID,
		RoomCode:    record.RoomCode,
		Outcome:     record.Outcome,
		EnergySpent: record.EnergySpent,
		Duration:    record.Duration,
	}
	return p.db.Create(&row).Error
}

// SaveSessionSnapshot 保存会话状态快照（UPSERT）
func (p *GormPostgreSQL) SaveSessionSnapshot(userID int64, state, modeID, roomCode, lastError string) error {
	var snapshot models.GormSessionSnapshot
	result := p.db.Where("user_id = ?", userID).First(&snapshot)

	if result.Error == gorm.ErrRecordNotFound {
		snapshot = models.GormSessionSnapshot{
			UserID:    userID,
			State:     state,
			ModeID:    modeID,
			RoomCode:  roomCode,
			LastError: lastError,
		}
		return p.db.Create(&snapshot).Error
	} else if result.Error != nil {
		return result.Error
	}

	snapshot.State = state
	snapshot.ModeID = modeID
	snapshot.RoomCode = roomCode
	snapshot.LastError = lastError
	return p.db.Save(&snapshot).Error
}

// LoadSessionSnapshot 加载会话状态快照
func (p *GormPostgreSQL) LoadSessionSnapshot(userID int64) (*models.GormSessionSnapshot, error) {
	var snapshot models.GormSessionSnapshot
	if err := p.db.Where("user_id = ?", userID).First(&snapshot).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &snapshot, nil
}

// Close 关闭数据库连接
func (p *GormPostgreSQL) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// 添加事务支持
func (p *GormPostgreSQL) Transaction(fn func(tx *gorm.DB) error) error {
	return p.db.Transaction(fn)
}

// GetEnergyStats 获取能量账户统计信息
func (p *GormPostgreSQL) GetEnergyStats(userID int64) (*models.EnergyStats, error) {
	var stats models.EnergyStats

	err := p.db.Raw(
		`
        SELECT
            COALESCE(SUM(energy_spent), 0) as total_reserved,
            COALESCE(SUM(CASE WHEN outcome = 'ready' THEN energy_spent ELSE 0 END), 0) as total_committed,
            COALESCE(SUM(CASE WHEN outcome IN ('cancelled', 'failed') THEN energy_spent ELSE 0 END), 0) as total_refunded
        FROM gorm_match_records
        WHERE user_id = ?`,
		userID,
	).Scan(&stats).Error

	return &stats, err
}

// persistence/postgresql.go
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wfunc/dicematch/logger"
	"github.com/wfunc/dicematch/models"

	// PostgreSQL 驱动
	_ "github.com/lib/pq" // PostgreSQL 驱动
)

// PostgreSQL 基于 database/sql 的轻量实现。能量扣减用单条带条件的
// UPDATE 完成，整个 check+deduct 在数据库端原子执行。
type PostgreSQL struct {
	db *sql.DB
}

// NewPostgreSQL 创建 PostgreSQL 数据库连接
func NewPostgreSQL(host string, port int, user, password, dbname string) (*PostgreSQL, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	// 设置连接池参数
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	// 初始化表结构
	if err := initTables(db); err != nil {
		return nil, err
	}

	return &PostgreSQL{db: db}, nil
}

// initTables 初始化数据库表结构
func initTables(db *sql.DB) error {
	// 创建能量账户表
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS energy_accounts (
            id SERIAL PRIMARY KEY,
            user_id BIGINT UNIQUE NOT NULL,
            amount INT NOT NULL DEFAULT 5,
            capacity INT NOT NULL DEFAULT 5,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )
    `)
	if err != nil {
		return err
	}

	// 创建匹配记录表
	_, err = db.Exec(`
        CREATE TABLE IF NOT EXISTS match_records (
            id SERIAL PRIMARY KEY,
            user_id BIGINT NOT NULL,
            mode_id VARCHAR(32) NOT NULL,
            room_code VARCHAR(4),
            outcome VARCHAR(20) NOT NULL,
            energy_spent INT NOT NULL DEFAULT 0,
            duration INT NOT NULL DEFAULT 0,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )
    `)
	if err != nil {
		return err
	}

	// 创建索引以提高查询性能
	_, err = db.Exec(`
        CREATE INDEX IF NOT EXISTS idx_energy_accounts_user_id ON energy_accounts(user_id);
        CREATE INDEX IF NOT EXISTS idx_match_records_user_id ON match_records(user_id);
        CREATE INDEX IF NOT EXISTS idx_match_records_created_at ON match_records(created_at);
    `)

	return err
}

// CurrentEnergy 查询当前能量
func (p *PostgreSQL) CurrentEnergy(userID int64) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var amount int
	query := `SELECT amount FROM energy_accounts WHERE user_id = $1`
	err := p.db.QueryRowContext(ctx, query, userID).Scan(&amount)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrRecordNotFound
		}
		return 0, err
	}
	return amount, nil
}

// TryReserveEnergy 原子扣减能量。余额不足时 UPDATE 不命中任何行，
// 返回 false 且余额不变。
func (p *PostgreSQL) TryReserveEnergy(userID int64, amount int) (bool, error) {
	if amount < 0 {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
        UPDATE energy_accounts
        SET amount = amount - $2, updated_at = CURRENT_TIMESTAMP
        WHERE user_id = $1 AND amount >= $2
    `

	result, err := p.db.ExecContext(ctx, query, userID, amount)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ReleaseEnergy 返还能量，封顶到账户容量
func (p *PostgreSQL) ReleaseEnergy(userID int64, amount int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
        UPDATE energy_accounts
        SET amount = LEAST(amount + $2, capacity), updated_at = CURRENT_TIMESTAMP
        WHERE user_id = $1
    `

	_, err := p.db.ExecContext(ctx, query, userID, amount)
	return err
}

// EnsureEnergyAccount UPSERT 能量账户，用于启动时初始化
func (p *PostgreSQL) EnsureEnergyAccount(userID int64, amount, capacity int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
        INSERT INTO energy_accounts (user_id, amount, capacity)
        VALUES ($1, $2, $3)
        ON CONFLICT (user_id) DO UPDATE
        SET amount = EXCLUDED.amount, capacity = EXCLUDED.capacity,
            updated_at = CURRENT_TIMESTAMP
    `

	_, err := p.db.ExecContext(ctx, query, userID, amount, capacity)
	return err
}

// SaveMatchRecord 保存匹配记录（实现 matching.Recorder）
func (p *PostgreSQL) SaveMatchRecord(record *models.MatchRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
        INSERT INTO match_records (user_id, mode_id, room_code, outcome, energy_spent, duration)
        VALUES ($1, $2, $3, $4, $5, $6)
    `

	_, err := p.db.ExecContext(ctx, query,
		record.UserID, record.ModeID, record.RoomCode, record.Outcome,
		record.EnergySpent, record.Duration)
	return err
}

// PQLedger 把单个用户的能量账户暴露为 energy.Ledger。
// 扣减在数据库端单条 UPDATE 内原子完成。
type PQLedger struct {
	db     *PostgreSQL
	userID int64
}

// Ledger 返回指定用户的账本视图
func (p *PostgreSQL) Ledger(userID int64) *PQLedger {
	return &PQLedger{db: p, userID: userID}
}

// CurrentAmount 查询当前余额。查询失败按0处理并记录日志，调用方只把
// 它当乐观预检。
func (l *PQLedger) CurrentAmount() int {
	amount, err := l.db.CurrentEnergy(l.userID)
	if err != nil {
		logger.Log.Errorf("failed to load energy for user %d: %v", l.userID, err)
		return 0
	}
	return amount
}

// TryReserve 原子扣减能量
func (l *PQLedger) TryReserve(amount int) bool {
	ok, err := l.db.TryReserveEnergy(l.userID, amount)
	if err != nil {
		logger.Log.Errorf("failed to reserve %d energy for user %d: %v", amount, l.userID, err)
		return false
	}
	return ok
}

// Release 返还能量，封顶到账户容量
func (l *PQLedger) Release(amount int) {
	if amount <= 0 {
		return
	}
	if err := l.db.ReleaseEnergy(l.userID, amount); err != nil {
		logger.Log.Errorf("failed to release %d energy for user %d: %v", amount, l.userID, err)
	}
}

// Close 关闭数据库连接
func (p *PostgreSQL) Close() error {
	return p.db.Close()
}

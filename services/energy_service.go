// services/energy_service.go
package services

import (
	"fmt"

	"github.com/wfunc/dicematch/logger"
	"github.com/wfunc/dicematch/models"
	"github.com/wfunc/dicematch/persistence"
	"gorm.io/gorm"
)

// EnergyService 将数据库中的能量账户暴露为 energy.Ledger。
// 账户与充值定时器、礼物领取等子系统共享，扣减必须在事务内
// 带余额校验完成。
type EnergyService struct {
	db     persistence.Database
	userID int64
}

func NewEnergyService(db persistence.Database, userID int64) *EnergyService {
	return &EnergyService{db: db, userID: userID}
}

// GetAccountWithStats 获取账户信息和统计
func (s *EnergyService) GetAccountWithStats() (map[string]interface{}, error) {
	var result map[string]interface{}

	// 使用事务确保数据一致性
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var account models.GormEnergyAccount
		if err := tx.Where("user_id = ?", s.userID).First(&account).Error; err != nil {
			return err
		}

		stats, err := s.db.GetEnergyStats(s.userID)
		if err != nil {
			return err
		}

		result = map[string]interface{}{
			"account": account,
			"stats":   stats,
		}

		return nil
	})

	return result, err
}

// CurrentAmount 实现 energy.Ledger。查询失败按0处理并记录日志，
// 调用方只把它当乐观预检。
func (s *EnergyService) CurrentAmount() int {
	account, err := s.db.LoadEnergyAccount(s.userID)
	if err != nil {
		logger.Log.Errorf("failed to load energy account for user %d: %v", s.userID, err)
		return 0
	}
	return account.Amount
}

// TryReserve 原子扣减能量（实现 energy.Ledger）。余额校验和扣减
// 在同一事务内完成，避免与并发消费者的 check-then-act 竞争。
func (s *EnergyService) TryReserve(amount int) bool {
	if amount < 0 {
		return false
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var account models.GormEnergyAccount
		if err := tx.Where("user_id = ?", s.userID).First(&account).Error; err != nil {
			return err
		}

		// 检查能量是否足够
		if account.Amount < amount {
			return fmt.Errorf("insufficient energy")
		}

		if err := tx.Model(&account).Update("amount", gorm.Expr("amount - ?", amount)).Error; err != nil {
			return err
		}

		// 更新统计信息
		if err := tx.Model(&account).Update("stats", gorm.Expr(`
            jsonb_set(
                COALESCE(stats, '{}'::jsonb),
                '{total_reserved}',
                to_jsonb(COALESCE((stats->>'total_reserved')::int, 0) + ?)
            )
        `, amount)).Error; err != nil {
			return err
		}

		return nil
	})

	if err != nil {
		logger.Log.Debugf("energy reserve of %d for user %d rejected: %v", amount, s.userID, err)
		return false
	}
	return true
}

// Release 返还能量（实现 energy.Ledger），封顶到账户容量
func (s *EnergyService) Release(amount int) {
	if amount <= 0 {
		return
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var account models.GormEnergyAccount
		if err := tx.Where("user_id = ?", s.userID).First(&account).Error; err != nil {
			return err
		}

		if err := tx.Model(&account).Update("amount", gorm.Expr("LEAST(amount + ?, capacity)", amount)).Error; err != nil {
			return err
		}

		return tx.Model(&account).Update("stats", gorm.Expr(`
            jsonb_set(
                COALESCE(stats, '{}'::jsonb),
                '{total_refunded}',
                to_jsonb(COALESCE((stats->>'total_refunded')::int, 0) + ?)
            )
        `, amount)).Error
	})

	if err != nil {
		logger.Log.Errorf("failed to release %d energy for user %d: %v", amount, s.userID, err)
	}
}

package repository

import (
	"context"
	"errors"

	"coinledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUserNotFound     = errors.New("用户不存在")
	ErrUserExists       = errors.New("用户ID已注册")
	ErrBalanceNotEnough = errors.New("余额不足")
	ErrOptimisticLock   = errors.New("乐观锁冲突，请重试")
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create 注册用户，user_id 冲突返回 ErrUserExists
func (r *UserRepository) Create(ctx context.Context, user *model.User) error {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(user)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserExists
	}
	return nil
}

func (r *UserRepository) GetByUserID(ctx context.Context, userID string) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// DebitForTransfer 扣减转出方余额并累加 total，单条条件更新完成 CAS
//
// RowsAffected == 0 时回查区分两种失败：余额不足 / 版本号过期
func (r *UserRepository) DebitForTransfer(ctx context.Context, tx *gorm.DB, userID string, amount int64, version int) error {
	result := tx.WithContext(ctx).
		Model(&model.User{}).
		Where("user_id = ? AND balance >= ? AND version = ?", userID, amount, version).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"total":   gorm.Expr("total + ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		user, err := r.GetByUserID(ctx, userID)
		if err != nil {
			return err
		}
		if user.Balance < amount {
			return ErrBalanceNotEnough
		}
		return ErrOptimisticLock
	}

	return nil
}

// Credit 给接收方入账
func (r *UserRepository) Credit(ctx context.Context, tx *gorm.DB, userID string, amount int64) error {
	result := tx.WithContext(ctx).
		Model(&model.User{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}

	return nil
}

// ListRanking 排行榜投影，按累计送出数量降序
func (r *UserRepository) ListRanking(ctx context.Context, limit int) ([]*model.RankingEntry, error) {
	var entries []*model.RankingEntry
	err := r.db.WithContext(ctx).
		Model(&model.User{}).
		Select("user_id", "name", "total").
		Order("total DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

package repository

import (
	"context"
	"errors"
	"time"

	"coinledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrTransferNotFound      = errors.New("转账记录不存在")
	ErrTransferStatusInvalid = errors.New("转账状态不合法")
	ErrAlreadySettled        = errors.New("转账已落账")
)

type TransferRepository struct {
	db *gorm.DB
}

func NewTransferRepository(db *gorm.DB) *TransferRepository {
	return &TransferRepository{db: db}
}

func (r *TransferRepository) Create(ctx context.Context, tx *gorm.DB, transfer *model.Transfer) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(transfer).Error
}

func (r *TransferRepository) GetByTransferNo(ctx context.Context, transferNo string) (*model.Transfer, error) {
	var transfer model.Transfer
	err := r.db.WithContext(ctx).Where("transfer_no = ?", transferNo).First(&transfer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &transfer, nil
}

func (r *TransferRepository) GetByRequestID(ctx context.Context, requestID string) (*model.Transfer, error) {
	var transfer model.Transfer
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&transfer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &transfer, nil
}

// UpdateStatus 条件状态迁移，非法迁移和并发抢跑都会失败
func (r *TransferRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, transferNo string, fromStatus, toStatus string) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrTransferStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Transfer{}).
		Where("transfer_no = ? AND status = ?", transferNo, fromStatus).
		Update("status", toStatus)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrTransferStatusInvalid
	}

	return nil
}

// MarkChainConfirmed 记录链上引用并进入落账阶段
func (r *TransferRepository) MarkChainConfirmed(ctx context.Context, transferNo, chainRef string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Transfer{}).
		Where("transfer_no = ? AND status = ?", transferNo, model.TransferStatusChainPending).
		Updates(map[string]interface{}{
			"status":    model.TransferStatusSettling,
			"chain_ref": chainRef,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrTransferStatusInvalid
	}

	return nil
}

// MarkSettled 落账完成，必须在落账事务内调用
func (r *TransferRepository) MarkSettled(ctx context.Context, tx *gorm.DB, transferNo string, settledAt time.Time) error {
	result := tx.WithContext(ctx).
		Model(&model.Transfer{}).
		Where("transfer_no = ? AND status = ?", transferNo, model.TransferStatusSettling).
		Updates(map[string]interface{}{
			"status":     model.TransferStatusSettled,
			"settled_at": &settledAt,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		// 状态已被其他执行者推进，多半是补偿任务抢先落账
		return ErrAlreadySettled
	}

	return nil
}

// ListByUser 转账历史：该用户作为发送方或接收方的已落账记录
func (r *TransferRepository) ListByUser(ctx context.Context, userID string, page, pageSize int) ([]*model.Transfer, int64, error) {
	var transfers []*model.Transfer
	var total int64

	query := r.db.WithContext(ctx).
		Model(&model.Transfer{}).
		Where("(sender_id = ? OR recipient_id = ?) AND status = ?",
			userID, userID, model.TransferStatusSettled)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transfers).Error

	return transfers, total, err
}

// ListStaleByStatus 扫描停留在某状态超过时限的转账，供补偿任务使用
func (r *TransferRepository) ListStaleByStatus(ctx context.Context, status string, olderThan time.Time, limit int) ([]*model.Transfer, error) {
	var transfers []*model.Transfer
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, olderThan).
		Limit(limit).
		Find(&transfers).Error
	return transfers, err
}

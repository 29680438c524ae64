package repository

import (
	"context"
	"encoding/json"
	"time"

	"coinledger/internal/model"

	"gorm.io/gorm"
)

// ============================================================================
// 账本门面
// ============================================================================
//
// Ledger 把用户、转账、outbox 三个仓储组合成转账协调器需要的原子操作集合。
// 协调器只依赖这组方法（以接口形式注入），不直接接触 gorm 事务。

type Ledger struct {
	db        *gorm.DB
	users     *UserRepository
	transfers *TransferRepository
	outbox    *OutboxRepository
	topic     string // 转账完成事件的 Kafka 主题
}

func NewLedger(db *gorm.DB, transferTopic string) *Ledger {
	return &Ledger{
		db:        db,
		users:     NewUserRepository(db),
		transfers: NewTransferRepository(db),
		outbox:    NewOutboxRepository(db),
		topic:     transferTopic,
	}
}

func (l *Ledger) GetUser(ctx context.Context, userID string) (*model.User, error) {
	return l.users.GetByUserID(ctx, userID)
}

func (l *Ledger) CreateUser(ctx context.Context, user *model.User) error {
	return l.users.Create(ctx, user)
}

func (l *Ledger) ListRanking(ctx context.Context, limit int) ([]*model.RankingEntry, error) {
	return l.users.ListRanking(ctx, limit)
}

func (l *Ledger) CreateTransfer(ctx context.Context, transfer *model.Transfer) error {
	return l.transfers.Create(ctx, nil, transfer)
}

func (l *Ledger) GetTransferByRequestID(ctx context.Context, requestID string) (*model.Transfer, error) {
	return l.transfers.GetByRequestID(ctx, requestID)
}

func (l *Ledger) ListTransfersByUser(ctx context.Context, userID string, page, pageSize int) ([]*model.Transfer, int64, error) {
	return l.transfers.ListByUser(ctx, userID, page, pageSize)
}

func (l *Ledger) ListStaleTransfers(ctx context.Context, status string, olderThan time.Time, limit int) ([]*model.Transfer, error) {
	return l.transfers.ListStaleByStatus(ctx, status, olderThan, limit)
}

func (l *Ledger) MarkChainSubmitFailed(ctx context.Context, transferNo string) error {
	return l.transfers.UpdateStatus(ctx, nil, transferNo,
		model.TransferStatusChainPending, model.TransferStatusChainFailed)
}

func (l *Ledger) ReopenChainFailed(ctx context.Context, transferNo string) error {
	return l.transfers.UpdateStatus(ctx, nil, transferNo,
		model.TransferStatusChainFailed, model.TransferStatusChainPending)
}

func (l *Ledger) MarkChainConfirmed(ctx context.Context, transferNo, chainRef string) error {
	return l.transfers.MarkChainConfirmed(ctx, transferNo, chainRef)
}

func (l *Ledger) MarkNeedsReview(ctx context.Context, transferNo string) error {
	return l.transfers.UpdateStatus(ctx, nil, transferNo,
		model.TransferStatusChainPending, model.TransferStatusNeedsReview)
}

func (l *Ledger) MarkSettlementFailed(ctx context.Context, transferNo string) error {
	return l.transfers.UpdateStatus(ctx, nil, transferNo,
		model.TransferStatusSettling, model.TransferStatusSettlementFailed)
}

// SettleResult 落账结果
type SettleResult struct {
	Transfer         *model.Transfer
	NewSenderBalance int64
}

// SettleTransfer 落账的单次尝试：
// 扣减发送方（余额、版本双重条件）、接收方入账、状态迁移 SETTLING -> SETTLED、
// 写 outbox 事件，四个写入在同一事务内全部成功或全部回滚。
//
// 失败以哨兵错误区分：
//   - ErrOptimisticLock   版本过期，调用方用新读数重试即可
//   - ErrBalanceNotEnough 并发转账耗尽了余额，不可再重试
//   - ErrAlreadySettled   已被其他执行者落账（补偿任务与请求路径并发时出现）
func (l *Ledger) SettleTransfer(ctx context.Context, transferNo string) (*SettleResult, error) {
	transfer, err := l.transfers.GetByTransferNo(ctx, transferNo)
	if err != nil {
		return nil, err
	}

	if transfer.Status == model.TransferStatusSettled {
		return nil, ErrAlreadySettled
	}
	if transfer.Status != model.TransferStatusSettling {
		return nil, ErrTransferStatusInvalid
	}

	// 事务外的新鲜读，拿到 CAS 需要的版本号
	sender, err := l.users.GetByUserID(ctx, transfer.SenderID)
	if err != nil {
		return nil, err
	}

	err = l.db.Transaction(func(tx *gorm.DB) error {
		if err := l.users.DebitForTransfer(ctx, tx, transfer.SenderID, transfer.Amount, sender.Version); err != nil {
			return err
		}

		if err := l.users.Credit(ctx, tx, transfer.RecipientID, transfer.Amount); err != nil {
			return err
		}

		now := time.Now()
		if err := l.transfers.MarkSettled(ctx, tx, transferNo, now); err != nil {
			return err
		}

		msgPayload := map[string]interface{}{
			"transfer_no":  transfer.TransferNo,
			"sender_id":    transfer.SenderID,
			"recipient_id": transfer.RecipientID,
			"amount":       transfer.Amount,
			"chain_ref":    transfer.ChainRef,
			"settled_at":   now.Format(time.RFC3339),
		}
		payloadBytes, _ := json.Marshal(msgPayload)

		outboxMsg := &model.OutboxMessage{
			MessageKey: transfer.TransferNo,
			Topic:      l.topic,
			Payload:    string(payloadBytes),
			Status:     model.OutboxStatusPending,
		}
		return l.outbox.Create(ctx, tx, outboxMsg)
	})

	if err != nil {
		return nil, err
	}

	transfer.Status = model.TransferStatusSettled
	return &SettleResult{
		Transfer:         transfer,
		NewSenderBalance: sender.Balance - transfer.Amount,
	}, nil
}

package service

import (
	"context"
	"time"

	"coinledger/internal/model"
	"coinledger/internal/repository"
)

// Store 账本存储接口，生产实现为 repository.Ledger，测试用内存替身
type Store interface {
	GetUser(ctx context.Context, userID string) (*model.User, error)
	CreateUser(ctx context.Context, user *model.User) error
	ListRanking(ctx context.Context, limit int) ([]*model.RankingEntry, error)

	CreateTransfer(ctx context.Context, transfer *model.Transfer) error
	GetTransferByRequestID(ctx context.Context, requestID string) (*model.Transfer, error)
	ListTransfersByUser(ctx context.Context, userID string, page, pageSize int) ([]*model.Transfer, int64, error)
	ListStaleTransfers(ctx context.Context, status string, olderThan time.Time, limit int) ([]*model.Transfer, error)

	MarkChainSubmitFailed(ctx context.Context, transferNo string) error
	ReopenChainFailed(ctx context.Context, transferNo string) error
	MarkChainConfirmed(ctx context.Context, transferNo, chainRef string) error
	MarkNeedsReview(ctx context.Context, transferNo string) error
	MarkSettlementFailed(ctx context.Context, transferNo string) error
	SettleTransfer(ctx context.Context, transferNo string) (*repository.SettleResult, error)
}

// ChainRecorder 链上记录器接口，生产实现为 chain.Client
type ChainRecorder interface {
	RecordTransfer(ctx context.Context, transferNo, senderID, recipientID string, amount int64) (string, error)
}

// TransferLocker 发送方维度的转账锁，生产实现为 lock.Manager
type TransferLocker interface {
	Acquire(ctx context.Context, senderID, requestID string) (release func(), err error)
}

package model

import (
	"time"
)

// ============================================================================
// 转账状态机
// ============================================================================

const (
	// TransferStatusChainPending 已创建，等待链上记录确认
	TransferStatusChainPending = "CHAIN_PENDING"
	// TransferStatusChainFailed 链上提交失败（拒绝/超时/回滚），余额未动，可整体重试
	TransferStatusChainFailed = "CHAIN_FAILED"
	// TransferStatusSettling 链上已确认，账本落账进行中（危险窗口）
	TransferStatusSettling = "SETTLING"
	// TransferStatusSettled 落账完成，记录从此不可变
	TransferStatusSettled = "SETTLED"
	// TransferStatusSettlementFailed 链上已确认但落账终局失败，需人工对账
	TransferStatusSettlementFailed = "SETTLEMENT_FAILED"
	// TransferStatusNeedsReview 链上提交结果未知（进程中断等），需人工对账
	TransferStatusNeedsReview = "NEEDS_REVIEW"
)

var ValidStatusTransitions = map[string][]string{
	TransferStatusChainPending: {TransferStatusChainFailed, TransferStatusSettling, TransferStatusNeedsReview},
	TransferStatusChainFailed:  {TransferStatusChainPending},
	TransferStatusSettling:     {TransferStatusSettled, TransferStatusSettlementFailed},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// Transfer 转账记录表
//
// 【重要】设计原则：
// 1. 记录在链上提交之前创建 —— 链上成功而落账失败时，SETTLING 状态的行
//    携带 chain_ref，补偿任务可以据此幂等重放落账，绝不重复上链
// 2. transfer_no 同时作为链上调用的幂等令牌 —— 同一笔逻辑转账重试时复用，
//    合约端据此去重
// 3. SETTLED 之后只读，不修改，不删除 —— 余额变动与状态变更在同一事务提交，
//    保证"有记录必有落账、有落账必有记录"
type Transfer struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"-"`
	TransferNo  string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"transferNo"` // 转账单号，兼作链上幂等令牌
	RequestID   string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"-"`          // 幂等ID，调用方生成
	SenderID    string     `gorm:"type:varchar(64);index;not null" json:"senderId"`
	RecipientID string     `gorm:"type:varchar(64);index;not null" json:"recipientId"`
	Amount      int64      `gorm:"not null" json:"amount"`                           // 转账数量（正整数）
	ChainRef    string     `gorm:"type:varchar(128)" json:"transactionHash"`         // 链上交易哈希，确认后写入
	Status      string     `gorm:"type:varchar(20);index;not null" json:"status"`
	SettledAt   *time.Time `json:"settledAt,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime;index" json:"timestamp"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"-"`
}

func (Transfer) TableName() string {
	return "coin_transfer"
}

package job

import (
	"context"
	"log"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/service"
)

// ============================================================================
// 落账补偿任务
// ============================================================================
//
// 两类遗留状态，处理方式截然不同：
//
// 1. SETTLING —— 链上已确认、落账未完成（进程崩溃或存储抖动）。
//    链上引用已持久化，重放落账是幂等的：条件状态迁移保证最多落账一次。
//
// 2. CHAIN_PENDING 超过确认窗口 —— 链上提交结果未知。不能自动重放
//    （可能重复上链），只标记 NEEDS_REVIEW 并留痕，交人工对账。

type SettlementRetryJob struct {
	transferService *service.TransferService
	cfg             *config.Config
	interval        time.Duration
	settleAfter     time.Duration // SETTLING 停留多久后重放
	reviewAfter     time.Duration // CHAIN_PENDING 停留多久后标记待对账
	batchSize       int
}

func NewSettlementRetryJob(transferService *service.TransferService, cfg *config.Config) *SettlementRetryJob {
	interval := time.Duration(cfg.Business.SettleRetrySeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}

	confirmWindow := time.Duration(cfg.Chain.ConfirmTimeoutSeconds) * time.Second
	if confirmWindow <= 0 {
		confirmWindow = 2 * time.Minute
	}

	return &SettlementRetryJob{
		transferService: transferService,
		cfg:             cfg,
		interval:        interval,
		settleAfter:     interval,
		// 确认窗口之内的 CHAIN_PENDING 还在正常等待，留出一倍余量
		reviewAfter: confirmWindow * 2,
		batchSize:   100,
	}
}

func (j *SettlementRetryJob) Start(ctx context.Context) {
	log.Println("[SettleRetry] 落账补偿任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[SettleRetry] 收到停止信号，任务退出")
			return
		case <-ticker.C:
			j.transferService.RetryStaleSettlements(ctx, j.settleAfter, j.batchSize)
			j.transferService.FlagStaleChainPending(ctx, j.reviewAfter, j.batchSize)
		}
	}
}

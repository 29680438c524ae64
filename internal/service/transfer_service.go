package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/model"
	"coinledger/internal/repository"
	"coinledger/pkg/apperr"
	"coinledger/pkg/idgen"
)

// ============================================================================
// 转账协调器
// ============================================================================
//
// 一笔转账的完整时序：
//
//   校验 -> 幂等检查 -> 发送方锁 -> 新鲜读余额 -> 创建 CHAIN_PENDING 记录
//        -> 链上记录并等待确认 -> (SETTLING) -> 落账事务 -> SETTLED
//
// 【顺序的依据】链上写入是整笔转账的权威存证，一旦被网络接受无法回滚，
// 所以必须先链上后落账。由此产生两个失败窗口：
//   1. 链上失败 —— 余额未动，整体重试即可（CHAIN 错误）
//   2. 链上成功、落账失败 —— 危险窗口。转账行停留在 SETTLING 且携带
//      chain_ref，用它幂等重放落账，绝不重复上链（SETTLEMENT 错误）

// 落账 CAS 本地重试上限。冲突来自接收方同时在转出，重读版本号即可解开
const settleMaxAttempts = 3

// 链上确认后写入引用的重试参数。引用写不进去会把转账推向人工对账，
// 值得为存储抖动多试几次
const (
	confirmMarkAttempts = 3
	confirmMarkBackoff  = 100 * time.Millisecond
)

type TransferService struct {
	store Store
	chain ChainRecorder
	locks TransferLocker
	cfg   *config.Config
}

func NewTransferService(store Store, chain ChainRecorder, locks TransferLocker, cfg *config.Config) *TransferService {
	return &TransferService{
		store: store,
		chain: chain,
		locks: locks,
		cfg:   cfg,
	}
}

type TransferRequest struct {
	RequestID   string // 幂等ID，为空时由服务端生成（此时失去跨请求幂等）
	SenderID    string
	RecipientID string
	Amount      int64
}

type TransferResult struct {
	TransferNo       string `json:"transferNo"`
	ChainRef         string `json:"transactionReference"`
	NewSenderBalance int64  `json:"newSenderBalance"`
	Replayed         bool   `json:"-"` // 幂等重放命中
}

// Transfer 执行一笔转账
func (s *TransferService) Transfer(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	if err := validateTransfer(req); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = idgen.GenerateRequestID()
	}

	// 幂等检查：同一 request_id 的重试接续既有记录，不开新流程。
	// CHAIN_FAILED 不在这里接续：重新上链前必须在发送方锁内重做前置检查
	existing, err := s.store.GetTransferByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "查询转账记录失败", err)
	}
	if err := checkReplayMatches(req, existing); err != nil {
		return nil, err
	}
	if existing != nil && existing.Status != model.TransferStatusChainFailed {
		return s.resume(ctx, existing)
	}

	release, err := s.locks.Acquire(ctx, req.SenderID, req.RequestID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConflict, "系统繁忙，请稍后重试", err).Retry()
	}
	defer release()

	// 获取锁后再次检查幂等
	existing, err = s.store.GetTransferByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "查询转账记录失败", err)
	}
	if err := checkReplayMatches(req, existing); err != nil {
		return nil, err
	}
	if existing != nil && existing.Status != model.TransferStatusChainFailed {
		return s.resume(ctx, existing)
	}

	// 新鲜并行读双方记录。链上重试也必须重新走到这里：
	// 上次失败与本次重试之间，余额可能已被其他转账耗尽
	sender, _, err := s.loadParties(ctx, req.SenderID, req.RecipientID)
	if err != nil {
		return nil, err
	}

	if sender.Balance < req.Amount {
		return nil, apperr.New(apperr.KindInsufficientBalance, "余额不足，无法完成转账")
	}

	if existing != nil {
		// 上次链上失败：前置检查已在锁内重做，复用原单号（幂等令牌）重新提交
		if err := s.store.ReopenChainFailed(ctx, existing.TransferNo); err != nil {
			return nil, apperr.Wrap(apperr.KindConflict, "转账正在处理中，请稍后查询", err).Retry()
		}
		return s.recordAndSettle(ctx, existing)
	}

	transfer := &model.Transfer{
		TransferNo:  idgen.GenerateTransferNo(),
		RequestID:   req.RequestID,
		SenderID:    req.SenderID,
		RecipientID: req.RecipientID,
		Amount:      req.Amount,
		Status:      model.TransferStatusChainPending,
	}
	if err := s.store.CreateTransfer(ctx, transfer); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "创建转账记录失败", err)
	}

	return s.recordAndSettle(ctx, transfer)
}

func validateTransfer(req *TransferRequest) error {
	if req == nil || req.SenderID == "" || req.RecipientID == "" {
		return apperr.New(apperr.KindValidation, "senderId 和 recipientId 不能为空")
	}
	if req.Amount <= 0 {
		return apperr.New(apperr.KindValidation, "amount 必须为正整数")
	}
	if req.SenderID == req.RecipientID {
		return apperr.New(apperr.KindValidation, "不允许给自己转账")
	}
	return nil
}

// checkReplayMatches 重试请求必须与原转账参数一致，request_id 不允许复用
func checkReplayMatches(req *TransferRequest, existing *model.Transfer) error {
	if existing == nil {
		return nil
	}
	if existing.SenderID != req.SenderID ||
		existing.RecipientID != req.RecipientID ||
		existing.Amount != req.Amount {
		return apperr.New(apperr.KindValidation, "requestId 已被参数不同的转账使用")
	}
	return nil
}

// loadParties 并行读取双方的最新记录
func (s *TransferService) loadParties(ctx context.Context, senderID, recipientID string) (*model.User, *model.User, error) {
	var (
		wg                 sync.WaitGroup
		sender, recipient  *model.User
		senderErr, rcptErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		sender, senderErr = s.store.GetUser(ctx, senderID)
	}()
	go func() {
		defer wg.Done()
		recipient, rcptErr = s.store.GetUser(ctx, recipientID)
	}()
	wg.Wait()

	if errors.Is(senderErr, repository.ErrUserNotFound) {
		return nil, nil, apperr.New(apperr.KindNotFound, "发送方不存在")
	}
	if senderErr != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, "查询发送方失败", senderErr)
	}
	if errors.Is(rcptErr, repository.ErrUserNotFound) {
		return nil, nil, apperr.New(apperr.KindNotFound, "接收方不存在")
	}
	if rcptErr != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, "查询接收方失败", rcptErr)
	}
	return sender, recipient, nil
}

// recordAndSettle 上链并落账
//
// 【关键点】从这里开始与调用方上下文解绑：链上写入一旦发出就不能半途
// 放弃，即使 HTTP 请求已被取消，也要把结果推进到一个可恢复的状态并留痕。
// 各阶段的超时由链上客户端和存储各自兜底。
func (s *TransferService) recordAndSettle(ctx context.Context, transfer *model.Transfer) (*TransferResult, error) {
	opCtx := context.WithoutCancel(ctx)

	chainRef, err := s.chain.RecordTransfer(opCtx,
		transfer.TransferNo, transfer.SenderID, transfer.RecipientID, transfer.Amount)
	if err != nil {
		if markErr := s.store.MarkChainSubmitFailed(opCtx, transfer.TransferNo); markErr != nil {
			log.Printf("[Transfer] 标记链上失败状态出错: transferNo=%s, err=%v", transfer.TransferNo, markErr)
		}
		return nil, apperr.Wrap(apperr.KindChain, "链上记录失败，余额未变动，可重试", err).Retry()
	}

	var markErr error
	for attempt := 0; attempt < confirmMarkAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(confirmMarkBackoff)
		}
		if markErr = s.store.MarkChainConfirmed(opCtx, transfer.TransferNo, chainRef); markErr == nil {
			break
		}
	}
	if markErr != nil {
		// 链上已确认但连引用都写不进去：最危险的情况，把现场完整留在日志里。
		// 行停留在 CHAIN_PENDING，原请求重试只会收到"处理中"，
		// 最终由补偿任务标记待人工对账
		log.Printf("[Transfer] 链上已确认但写入引用失败，需人工对账: transferNo=%s, chainRef=%s, sender=%s, recipient=%s, amount=%d, err=%v",
			transfer.TransferNo, chainRef, transfer.SenderID, transfer.RecipientID, transfer.Amount, markErr)
		return nil, apperr.Wrap(apperr.KindSettlement, "链上已确认但落账未能启动，转账已转入对账流程", markErr)
	}
	transfer.ChainRef = chainRef

	return s.settle(opCtx, transfer)
}

// settle 用已有链上引用推进落账，带 CAS 本地重试
func (s *TransferService) settle(ctx context.Context, transfer *model.Transfer) (*TransferResult, error) {
	var lastErr error

	for attempt := 0; attempt < settleMaxAttempts; attempt++ {
		result, err := s.store.SettleTransfer(ctx, transfer.TransferNo)
		if err == nil {
			log.Printf("[Transfer] 转账完成: transferNo=%s, sender=%s, recipient=%s, amount=%d, chainRef=%s",
				transfer.TransferNo, transfer.SenderID, transfer.RecipientID, transfer.Amount, result.Transfer.ChainRef)
			return &TransferResult{
				TransferNo:       result.Transfer.TransferNo,
				ChainRef:         result.Transfer.ChainRef,
				NewSenderBalance: result.NewSenderBalance,
			}, nil
		}

		if errors.Is(err, repository.ErrOptimisticLock) {
			lastErr = err
			continue
		}

		if errors.Is(err, repository.ErrAlreadySettled) {
			// 补偿任务抢先完成了落账，视同成功
			return s.replaySettled(ctx, transfer)
		}

		if errors.Is(err, repository.ErrBalanceNotEnough) {
			// 链上已有记录但余额已被并发转账耗尽：终局失败，人工对账
			if markErr := s.store.MarkSettlementFailed(ctx, transfer.TransferNo); markErr != nil {
				log.Printf("[Transfer] 标记落账失败状态出错: transferNo=%s, err=%v", transfer.TransferNo, markErr)
			}
			log.Printf("[Transfer] 落账终局失败（余额不足），需人工对账: transferNo=%s, chainRef=%s, sender=%s, recipient=%s, amount=%d",
				transfer.TransferNo, transfer.ChainRef, transfer.SenderID, transfer.RecipientID, transfer.Amount)
			return nil, apperr.Wrap(apperr.KindSettlement, "落账失败：余额已被并发转账占用", err)
		}

		// 存储故障：记录停留在 SETTLING，补偿任务或重试请求会接续
		log.Printf("[Transfer] 落账失败（可重试）: transferNo=%s, chainRef=%s, sender=%s, recipient=%s, amount=%d, err=%v",
			transfer.TransferNo, transfer.ChainRef, transfer.SenderID, transfer.RecipientID, transfer.Amount, err)
		return nil, apperr.Wrap(apperr.KindSettlement, "落账未完成，请稍后用原请求重试", err).Retry()
	}

	log.Printf("[Transfer] 落账冲突重试耗尽: transferNo=%s, chainRef=%s, err=%v",
		transfer.TransferNo, transfer.ChainRef, lastErr)
	return nil, apperr.Wrap(apperr.KindSettlement, "落账未完成，请稍后用原请求重试", lastErr).Retry()
}

// resume 幂等重放：按既有记录的状态接续流程
//
// CHAIN_FAILED 不会走到这里：重新上链要重做前置检查，由 Transfer 主流程
// 在发送方锁内完成。
func (s *TransferService) resume(ctx context.Context, transfer *model.Transfer) (*TransferResult, error) {
	switch transfer.Status {
	case model.TransferStatusSettled:
		return s.replaySettled(ctx, transfer)

	case model.TransferStatusSettling:
		// 链上引用已持久化，只需重放落账
		return s.settle(context.WithoutCancel(ctx), transfer)

	case model.TransferStatusChainPending:
		return nil, apperr.New(apperr.KindConflict, "转账正在处理中，请稍后查询").Retry()

	default: // SETTLEMENT_FAILED / NEEDS_REVIEW
		return nil, apperr.New(apperr.KindSettlement,
			fmt.Sprintf("转账需人工对账，状态: %s", transfer.Status))
	}
}

// replaySettled 已完成转账的重放响应
//
// newSenderBalance 取发送方当前余额，不是落账时点的余额：重放发生在
// 后续转账之后时，两次响应的余额不同，调用方不应据此做差值推算。
func (s *TransferService) replaySettled(ctx context.Context, transfer *model.Transfer) (*TransferResult, error) {
	sender, err := s.store.GetUser(ctx, transfer.SenderID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "查询发送方失败", err)
	}
	fresh, err := s.store.GetTransferByRequestID(ctx, transfer.RequestID)
	if err != nil || fresh == nil {
		fresh = transfer
	}
	return &TransferResult{
		TransferNo:       fresh.TransferNo,
		ChainRef:         fresh.ChainRef,
		NewSenderBalance: sender.Balance,
		Replayed:         true,
	}, nil
}

// ============================================================================
// 补偿入口（后台任务调用）
// ============================================================================

// RetryStaleSettlements 重放停留在 SETTLING 的转账（链上已确认、落账未完成）
func (s *TransferService) RetryStaleSettlements(ctx context.Context, olderThan time.Duration, limit int) {
	transfers, err := s.store.ListStaleTransfers(ctx,
		model.TransferStatusSettling, time.Now().Add(-olderThan), limit)
	if err != nil {
		log.Printf("[SettleRetry] 扫描待落账转账失败: %v", err)
		return
	}

	for _, t := range transfers {
		if _, err := s.settle(ctx, t); err != nil {
			log.Printf("[SettleRetry] 重放落账失败: transferNo=%s, err=%v", t.TransferNo, err)
		} else {
			log.Printf("[SettleRetry] 重放落账成功: transferNo=%s", t.TransferNo)
		}
	}
}

// FlagStaleChainPending 把停留在 CHAIN_PENDING 超过确认窗口的转账标记为待人工对账
//
// 这类记录意味着进程在链上等待期间中断，提交结果未知，不能自动重试
// （自动重放有重复上链的风险，幂等去重在合约端，服务端无法确认）。
func (s *TransferService) FlagStaleChainPending(ctx context.Context, olderThan time.Duration, limit int) {
	transfers, err := s.store.ListStaleTransfers(ctx,
		model.TransferStatusChainPending, time.Now().Add(-olderThan), limit)
	if err != nil {
		log.Printf("[SettleRetry] 扫描未确认转账失败: %v", err)
		return
	}

	for _, t := range transfers {
		if err := s.store.MarkNeedsReview(ctx, t.TransferNo); err != nil {
			log.Printf("[SettleRetry] 标记待对账失败: transferNo=%s, err=%v", t.TransferNo, err)
			continue
		}
		log.Printf("[SettleRetry] 链上结果未知，已标记待人工对账: transferNo=%s, sender=%s, recipient=%s, amount=%d",
			t.TransferNo, t.SenderID, t.RecipientID, t.Amount)
	}
}

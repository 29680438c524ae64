package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"coinledger/internal/config"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ============================================================================
// 链上记录器
// ============================================================================
//
// 合约只做一件事：为每笔转账追加一条可审计的记录。对本服务而言它是一个
// 慢速、可能失败、只追加的外部账本 —— 写入被网络接受后无法回滚。
//
// 【幂等令牌】recordTransfer 的第一个参数是转账单号。同一笔逻辑转账
// 重试时必须复用同一单号，合约端据此去重，保证一笔转账最多一条链上记录。
//
// 失败分为三类，调用方的处理方式不同：
//   ErrRejected  提交被拒绝，链上无记录，可整体重试
//   ErrTimedOut  确认等待超时，结果未知 —— 复用单号重试是安全的
//   ErrReverted  交易上链但执行回滚，链上无有效记录，可整体重试

var (
	ErrRejected = errors.New("链上提交被拒绝")
	ErrTimedOut = errors.New("链上确认等待超时")
	ErrReverted = errors.New("链上交易执行回滚")
)

const recordTransferABI = `[{"inputs":[{"internalType":"string","name":"transferNo","type":"string"},{"internalType":"string","name":"senderId","type":"string"},{"internalType":"string","name":"recipientId","type":"string"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"recordTransfer","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

// txBackend 是客户端依赖的节点能力：合约交互 + 回执查询
type txBackend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Client 链上记录合约客户端，可并发使用
type Client struct {
	eth            *ethclient.Client // 底层连接，仅用于关闭
	backend        txBackend
	contract       *bind.BoundContract
	key            *ecdsa.PrivateKey
	chainID        *big.Int
	gasLimit       uint64
	confirmTimeout time.Duration

	// 同一账户并发提交会竞争 nonce，提交阶段串行化
	mu sync.Mutex
}

// NewClient 创建链上客户端
func NewClient(cfg *config.ChainConfig) (*Client, error) {
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("连接链上节点失败: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链ID失败: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(recordTransferABI))
	if err != nil {
		return nil, fmt.Errorf("解析合约ABI失败: %w", err)
	}

	contract := bind.NewBoundContract(
		common.HexToAddress(cfg.ContractAddress), parsed, eth, eth, eth)

	confirmTimeout := time.Duration(cfg.ConfirmTimeoutSeconds) * time.Second
	if confirmTimeout <= 0 {
		confirmTimeout = 2 * time.Minute
	}

	log.Printf("[Chain] 链上客户端就绪: contract=%s, chainID=%s", cfg.ContractAddress, chainID)

	return &Client{
		eth:            eth,
		backend:        eth,
		contract:       contract,
		key:            key,
		chainID:        chainID,
		gasLimit:       cfg.GasLimit,
		confirmTimeout: confirmTimeout,
	}, nil
}

// RecordTransfer 提交转账记录并阻塞等待网络确认，返回交易哈希作为链上引用
//
// 提交和确认等待共用同一个超时窗口：节点挂死时任何一段都不能无限阻塞，
// 调用方还持有发送方锁。
func (c *Client) RecordTransfer(ctx context.Context, transferNo, senderID, recipientID string, amount int64) (string, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return "", fmt.Errorf("构造签名器失败: %w", err)
	}
	opts.GasLimit = c.gasLimit

	wctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()
	opts.Context = wctx

	c.mu.Lock()
	tx, err := c.contract.Transact(opts, "recordTransfer",
		transferNo, senderID, recipientID, big.NewInt(amount))
	c.mu.Unlock()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: transferNo=%s", ErrTimedOut, transferNo)
		}
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}

	log.Printf("[Chain] 交易已提交: transferNo=%s, txHash=%s", transferNo, tx.Hash().Hex())

	receipt, err := bind.WaitMined(wctx, c.backend, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// 交易可能仍在途：带上哈希便于对账
			return "", fmt.Errorf("%w: transferNo=%s, txHash=%s", ErrTimedOut, transferNo, tx.Hash().Hex())
		}
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("%w: transferNo=%s, txHash=%s", ErrReverted, transferNo, tx.Hash().Hex())
	}

	log.Printf("[Chain] 交易已确认: transferNo=%s, txHash=%s, block=%s",
		transferNo, tx.Hash().Hex(), receipt.BlockNumber)

	return tx.Hash().Hex(), nil
}

// Close 关闭底层连接
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

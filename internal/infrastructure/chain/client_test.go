package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend 内存节点替身，模拟提交挂死、回执迟迟不出、执行回滚
type fakeBackend struct {
	mu        sync.Mutex
	submitted []*types.Transaction

	hangOnSubmit    bool   // SendTransaction 挂起直到上下文取消
	withholdReceipt bool   // 回执永远查不到
	receiptStatus   uint64 // 回执的执行状态
}

func (b *fakeBackend) CodeAt(_ context.Context, _ common.Address, _ *big.Int) ([]byte, error) {
	return []byte{0x01}, nil
}

func (b *fakeBackend) PendingCodeAt(_ context.Context, _ common.Address) ([]byte, error) {
	return []byte{0x01}, nil
}

func (b *fakeBackend) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return nil, nil
}

func (b *fakeBackend) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1)}, nil
}

func (b *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return 0, nil
}

func (b *fakeBackend) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *fakeBackend) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *fakeBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if b.hangOnSubmit {
		<-ctx.Done()
		return ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted = append(b.submitted, tx)
	return nil
}

func (b *fakeBackend) FilterLogs(_ context.Context, _ ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (b *fakeBackend) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, _ chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("不支持订阅")
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	if b.withholdReceipt {
		return nil, ethereum.NotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.submitted) == 0 {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{
		Status:      b.receiptStatus,
		TxHash:      txHash,
		BlockNumber: big.NewInt(1),
	}, nil
}

func newTestClient(t *testing.T, backend *fakeBackend, confirmTimeout time.Duration) *Client {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	parsed, err := abi.JSON(strings.NewReader(recordTransferABI))
	require.NoError(t, err)

	return &Client{
		backend:        backend,
		contract:       bind.NewBoundContract(common.HexToAddress("0x01"), parsed, backend, backend, backend),
		key:            key,
		chainID:        big.NewInt(1337),
		gasLimit:       100000,
		confirmTimeout: confirmTimeout,
	}
}

func TestRecordTransferConfirmed(t *testing.T) {
	backend := &fakeBackend{receiptStatus: types.ReceiptStatusSuccessful}
	client := newTestClient(t, backend, 5*time.Second)

	ref, err := client.RecordTransfer(context.Background(), "TRF-1", "alice", "bob", 4)
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Len(t, backend.submitted, 1)
}

func TestRecordTransferSubmitBounded(t *testing.T) {
	// 节点在提交阶段挂死：整个调用必须在确认窗口内返回，
	// 否则请求协程带着发送方锁一起被挂住
	backend := &fakeBackend{hangOnSubmit: true}
	client := newTestClient(t, backend, 150*time.Millisecond)

	start := time.Now()
	_, err := client.RecordTransfer(context.Background(), "TRF-2", "alice", "bob", 4)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimedOut), "挂死的提交归类为超时: %v", err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRecordTransferConfirmWaitBounded(t *testing.T) {
	// 提交被接受但回执迟迟不出：等待同样受确认窗口约束
	backend := &fakeBackend{withholdReceipt: true}
	client := newTestClient(t, backend, 150*time.Millisecond)

	start := time.Now()
	_, err := client.RecordTransfer(context.Background(), "TRF-3", "alice", "bob", 4)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimedOut))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRecordTransferReverted(t *testing.T) {
	backend := &fakeBackend{receiptStatus: types.ReceiptStatusFailed}
	client := newTestClient(t, backend, 5*time.Second)

	_, err := client.RecordTransfer(context.Background(), "TRF-4", "alice", "bob", 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReverted))
}

package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := New(KindInsufficientBalance, "余额不足")
	assert.Equal(t, KindInsufficientBalance, KindOf(err))

	wrapped := fmt.Errorf("外层: %w", err)
	assert.Equal(t, KindInsufficientBalance, KindOf(wrapped), "分类穿透 %%w 包装")

	assert.Equal(t, KindInternal, KindOf(errors.New("裸错误")))
}

func TestRetryable(t *testing.T) {
	assert.False(t, IsRetryable(New(KindValidation, "参数错误")))
	assert.True(t, IsRetryable(New(KindChain, "链上失败").Retry()))
	assert.False(t, IsRetryable(errors.New("裸错误")))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("连接被拒绝")
	err := Wrap(KindChain, "链上记录失败", cause)

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "链上记录失败", MessageOf(err))
	assert.Contains(t, err.Error(), "CHAIN")
	assert.Contains(t, err.Error(), "连接被拒绝")
}

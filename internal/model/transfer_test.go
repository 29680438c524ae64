package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionTo(t *testing.T) {
	cases := []struct {
		from    string
		to      string
		allowed bool
	}{
		{TransferStatusChainPending, TransferStatusSettling, true},
		{TransferStatusChainPending, TransferStatusChainFailed, true},
		{TransferStatusChainPending, TransferStatusNeedsReview, true},
		{TransferStatusChainFailed, TransferStatusChainPending, true},
		{TransferStatusSettling, TransferStatusSettled, true},
		{TransferStatusSettling, TransferStatusSettlementFailed, true},

		// 落账完成后记录不可变
		{TransferStatusSettled, TransferStatusSettling, false},
		{TransferStatusSettled, TransferStatusChainPending, false},
		// 终局状态不允许自动恢复
		{TransferStatusSettlementFailed, TransferStatusSettling, false},
		{TransferStatusNeedsReview, TransferStatusChainPending, false},
		// 不允许跳过链上确认直接落账
		{TransferStatusChainPending, TransferStatusSettled, false},
		{TransferStatusChainFailed, TransferStatusSettling, false},
		// 未知状态
		{"UNKNOWN", TransferStatusSettled, false},
		{TransferStatusChainPending, "UNKNOWN", false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.allowed, CanTransitionTo(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

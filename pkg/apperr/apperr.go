package apperr

import (
	"errors"
	"fmt"
)

// ============================================================================
// 业务错误分类
// ============================================================================
//
// 转账链路上的每一类失败都有明确的语义和重试策略，调用方依赖 Kind 判断
// 下一步动作，而不是对错误文本做字符串匹配：
//
//	VALIDATION           入参错误，无副作用，修正后重试
//	NOT_FOUND            发送方或接收方不存在
//	INSUFFICIENT_BALANCE 余额不足，无副作用
//	CHAIN                链上记录失败（拒绝/超时/回滚），余额未动，可整体重试
//	SETTLEMENT           链上已确认但落账失败 —— 只能用已有链上引用幂等重放，
//	                     绝不允许再次上链
//	CONFLICT             并发冲突或重复请求，稍后重试
//	UNAUTHORIZED         未认证
//	FORBIDDEN            身份与操作主体不符

type Kind string

const (
	KindValidation          Kind = "VALIDATION"
	KindNotFound            Kind = "NOT_FOUND"
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	KindChain               Kind = "CHAIN"
	KindSettlement          Kind = "SETTLEMENT"
	KindConflict            Kind = "CONFLICT"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindForbidden           Kind = "FORBIDDEN"
	KindInternal            Kind = "INTERNAL"
)

// Error 携带分类的业务错误
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Retry 标记错误可重试并返回自身，便于链式构造
func (e *Error) Retry() *Error {
	e.Retryable = true
	return e
}

// KindOf 提取错误分类，非业务错误归为 INTERNAL
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// MessageOf 提取对外展示的错误信息
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "服务器内部错误"
}

// IsRetryable 判断错误是否可安全重试
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

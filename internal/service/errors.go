package service

import (
	"errors"
	"fmt"

	"consumeledger/internal/infrastructure/lock"
	"consumeledger/internal/repository"
)

// ErrorKind 错误分类，批处理按分类决定记冲突还是留待重试
type ErrorKind int

const (
	KindUnknown     ErrorKind = iota
	KindValidation            // 参数非法，未产生任何副作用
	KindNotFound              // 账户或单据不存在
	KindConflict              // 业务规则拒绝（余额不足、重复单号、账户冻结、不可冲正）
	KindTransient             // 存储或锁服务不可用，下次调度重试
	KindConcurrency           // 乐观锁冲突，调用方重新读取后重试
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	case KindTransient:
		return "TRANSIENT"
	case KindConcurrency:
		return "CONCURRENCY"
	default:
		return "UNKNOWN"
	}
}

// BizError 业务错误，Code 相同即视为同一种错误（errors.Is）
type BizError struct {
	Code    string
	Kind    ErrorKind
	Message string
}

func (e *BizError) Error() string {
	return e.Message
}

func (e *BizError) Is(target error) bool {
	t, ok := target.(*BizError)
	return ok && t.Code == e.Code
}

// WithMessage 复制错误并替换提示信息，Code 不变
func (e *BizError) WithMessage(format string, args ...interface{}) *BizError {
	return &BizError{Code: e.Code, Kind: e.Kind, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrValidation          = &BizError{Code: "VALIDATION_ERROR", Kind: KindValidation, Message: "参数校验失败"}
	ErrInvalidAmount       = &BizError{Code: "INVALID_AMOUNT", Kind: KindValidation, Message: "金额必须大于0"}
	ErrAmountExceedsLimit  = &BizError{Code: "AMOUNT_EXCEEDS_LIMIT", Kind: KindValidation, Message: "金额超过单笔上限"}
	ErrValidationFailed    = &BizError{Code: "VALIDATION_FAILED", Kind: KindValidation, Message: "充值前后余额不一致"}
	ErrAccountNotFound     = &BizError{Code: "ACCOUNT_NOT_FOUND", Kind: KindNotFound, Message: "账户不存在"}
	ErrRecordNotFound      = &BizError{Code: "RECORD_NOT_FOUND", Kind: KindNotFound, Message: "记录不存在"}
	ErrInsufficientBalance = &BizError{Code: "INSUFFICIENT_BALANCE", Kind: KindConflict, Message: "余额不足"}
	ErrAccountUnavailable  = &BizError{Code: "ACCOUNT_UNAVAILABLE", Kind: KindConflict, Message: "账户已冻结或已注销"}
	ErrTransactionDup      = &BizError{Code: "TRANSACTION_DUPLICATE", Kind: KindConflict, Message: "交易号或第三方单号已存在"}
	ErrRefundExceeded      = &BizError{Code: "REFUND_EXCEEDED", Kind: KindConflict, Message: "退款金额超过可退金额"}
	ErrRecordNotRefundable = &BizError{Code: "RECORD_NOT_REFUNDABLE", Kind: KindConflict, Message: "消费记录未扣款，不能退款"}
	ErrReversalBlocked     = &BizError{Code: "REVERSAL_BLOCKED", Kind: KindConflict, Message: "充值记录不满足冲正条件"}
	ErrSubsidyUnusable     = &BizError{Code: "SUBSIDY_UNUSABLE", Kind: KindConflict, Message: "补贴不可用"}
	ErrSubsidyInsufficient = &BizError{Code: "SUBSIDY_INSUFFICIENT", Kind: KindConflict, Message: "补贴可用额度不足"}
	ErrConcurrentUpdate    = &BizError{Code: "CONCURRENT_UPDATE", Kind: KindConcurrency, Message: "数据已被修改，请重试"}
	ErrLockTimeout         = &BizError{Code: "LOCK_TIMEOUT", Kind: KindTransient, Message: "系统繁忙，请稍后重试"}
)

// KindOf 对任意错误分类，未识别的错误一律视为 Transient
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var bizErr *BizError
	if errors.As(err, &bizErr) {
		return bizErr.Kind
	}
	switch {
	case errors.Is(err, repository.ErrOptimisticLock):
		return KindConcurrency
	case errors.Is(err, repository.ErrAccountNotFound),
		errors.Is(err, repository.ErrConsumeRecordNotFound),
		errors.Is(err, repository.ErrRechargeNotFound),
		errors.Is(err, repository.ErrSubsidyNotFound):
		return KindNotFound
	}
	return KindTransient
}

// IsBusinessError 业务规则失败（参数、不存在、冲突）与系统故障区分开
func IsBusinessError(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindConflict:
		return true
	}
	return false
}

// translateLockErr 把锁超时转成业务错误，锁服务故障原样保留（Transient）
func translateLockErr(err error) error {
	if errors.Is(err, lock.ErrLockTimeout) {
		return ErrLockTimeout
	}
	return err
}

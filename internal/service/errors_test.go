package service

import (
	"errors"
	"fmt"
	"testing"

	"consumeledger/internal/infrastructure/lock"
	"consumeledger/internal/repository"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindUnknown},
		{"validation", ErrInvalidAmount, KindValidation},
		{"wrapped conflict", fmt.Errorf("debit: %w", ErrInsufficientBalance), KindConflict},
		{"custom message keeps kind", ErrTransactionDup.WithMessage("交易号 %s 已存在", "T1"), KindConflict},
		{"repo not found", repository.ErrAccountNotFound, KindNotFound},
		{"optimistic lock", repository.ErrOptimisticLock, KindConcurrency},
		{"lock timeout", translateLockErr(lock.ErrLockTimeout), KindTransient},
		{"unknown", errors.New("connection refused"), KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBizErrorIsMatchesByCode(t *testing.T) {
	err := ErrValidationFailed.WithMessage("before=%s amount=%s after=%s", "100", "30", "150")
	if !errors.Is(err, ErrValidationFailed) {
		t.Error("errors.Is should match by code")
	}
	if errors.Is(err, ErrTransactionDup) {
		t.Error("different codes must not match")
	}
	if err.Code != "VALIDATION_FAILED" {
		t.Errorf("code: got %s", err.Code)
	}
}

func TestIsBusinessError(t *testing.T) {
	if !IsBusinessError(ErrInsufficientBalance) {
		t.Error("insufficient balance is a business error")
	}
	if IsBusinessError(errors.New("db down")) {
		t.Error("store failure is not a business error")
	}
	if IsBusinessError(ErrConcurrentUpdate) {
		t.Error("concurrency conflict is retried by the caller, not a business rule")
	}
}

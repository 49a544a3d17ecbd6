package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"consumeledger/internal/model"

	"github.com/shopspring/decimal"
)

func TestCheckSufficient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, 1, "1000.00", "100.00")
	nullAccount := env.seedAccount(t, 2, "", "")

	tests := []struct {
		name      string
		accountID int64
		amount    decimal.Decimal
		want      bool
	}{
		{"等于可用余额", account.ID, dec("900.00"), true},
		{"超过可用余额一分", account.ID, dec("900.01"), false},
		{"小额", account.ID, dec("0.01"), true},
		{"零金额", account.ID, decimal.Zero, false},
		{"负金额", account.ID, dec("-1"), false},
		{"余额为空", nullAccount.ID, dec("1"), false},
		{"账户不存在", 9999, dec("1"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := env.accounts.CheckSufficient(ctx, tt.accountID, tt.amount); got != tt.want {
				t.Errorf("CheckSufficient(%s) = %v, want %v", tt.amount, got, tt.want)
			}
		})
	}
}

func TestDebitWritesLedgerEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, 1, "1000.00", "")

	entry, err := env.accounts.Debit(ctx, Mutation{
		AccountID:   account.ID,
		Amount:      dec("25.50"),
		Type:        model.TransactionTypeConsume,
		ReferenceID: 42,
	})
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}

	if !entry.BeforeBalance.Equal(dec("1000")) || !entry.AfterBalance.Equal(dec("974.50")) || !entry.Delta.Equal(dec("-25.50")) {
		t.Errorf("流水 before=%s after=%s delta=%s", entry.BeforeBalance, entry.AfterBalance, entry.Delta)
	}
	if got := env.balanceOf(t, account.ID); !got.Equal(dec("974.50")) {
		t.Errorf("余额 = %s, want 974.50", got)
	}
	if entries := env.ledgerOf(t, account.ID); len(entries) != 1 || entries[0].ReferenceID != 42 {
		t.Errorf("流水条数 = %d, want 1", len(entries))
	}
}

func TestDebitRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	active := env.seedAccount(t, 1, "50.00", "")
	frozen := env.seedAccount(t, 2, "500.00", "")
	nullBalance := env.seedAccount(t, 3, "", "")
	if err := env.accounts.UpdateStatus(ctx, frozen.ID, model.AccountStatusFrozen); err != nil {
		t.Fatalf("冻结账户失败: %v", err)
	}

	tests := []struct {
		name      string
		accountID int64
		amount    string
		wantErr   error
	}{
		{"余额不足", active.ID, "100.00", ErrInsufficientBalance},
		{"金额为零", active.ID, "0", ErrInvalidAmount},
		{"超过两位小数", active.ID, "0.005", ErrInvalidAmount},
		{"账户冻结", frozen.ID, "1.00", ErrAccountUnavailable},
		{"余额为空", nullBalance.ID, "1.00", ErrInsufficientBalance},
		{"账户不存在", 9999, "1.00", ErrAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.accounts.Debit(ctx, Mutation{AccountID: tt.accountID, Amount: dec(tt.amount)})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := env.accounts.Credit(ctx, Mutation{AccountID: active.ID, Amount: dec("0.005")}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("入账超过两位小数 err = %v", err)
	}

	if got := env.balanceOf(t, active.ID); !got.Equal(dec("50")) {
		t.Errorf("失败后余额被修改: %s", got)
	}
	if entries := env.ledgerOf(t, active.ID); len(entries) != 0 {
		t.Errorf("失败后产生了 %d 条流水", len(entries))
	}
}

func TestCreditNullBalanceTreatedAsZero(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, 1, "", "")

	entry, err := env.accounts.Credit(ctx, Mutation{AccountID: account.ID, Amount: dec("30.00")})
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if !entry.BeforeBalance.IsZero() || !entry.AfterBalance.Equal(dec("30")) {
		t.Errorf("流水 before=%s after=%s", entry.BeforeBalance, entry.AfterBalance)
	}
	if entry.Type != model.TransactionTypeRecharge {
		t.Errorf("默认流水类型 = %s", entry.Type)
	}
}

func TestCreditRejectsClosedAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, 1, "10.00", "")
	if err := env.accounts.UpdateStatus(ctx, account.ID, model.AccountStatusClosed); err != nil {
		t.Fatalf("注销账户失败: %v", err)
	}

	_, err := env.accounts.Credit(ctx, Mutation{AccountID: account.ID, Amount: dec("1")})
	if !errors.Is(err, ErrAccountUnavailable) {
		t.Errorf("err = %v, want %v", err, ErrAccountUnavailable)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, 1, "1000.00", "")

	const workers = 10
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(ref int64) {
			defer wg.Done()
			_, err := env.accounts.Debit(ctx, Mutation{AccountID: account.ID, Amount: dec("150.00"), ReferenceID: ref})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientBalance):
				insufficient++
			default:
				t.Errorf("意外错误: %v", err)
			}
		}(int64(i))
	}
	wg.Wait()

	if succeeded != 6 || insufficient != 4 {
		t.Errorf("成功 %d 次, 余额不足 %d 次, want 6/4", succeeded, insufficient)
	}
	if got := env.balanceOf(t, account.ID); !got.Equal(dec("100")) {
		t.Errorf("余额 = %s, want 100", got)
	}

	// 流水的增量之和等于余额变化，且每条流水前后衔接
	entries := env.ledgerOf(t, account.ID)
	sum := decimal.Zero
	prev := dec("1000")
	for _, e := range entries {
		if !e.Consistent() {
			t.Errorf("流水 %d 前后余额不一致", e.ID)
		}
		if !e.BeforeBalance.Equal(prev) {
			t.Errorf("流水 %d before=%s, 上一条 after=%s", e.ID, e.BeforeBalance, prev)
		}
		if e.AfterBalance.IsNegative() {
			t.Errorf("流水 %d 余额为负", e.ID)
		}
		prev = e.AfterBalance
		sum = sum.Add(e.Delta)
	}
	if !sum.Equal(dec("-900")) {
		t.Errorf("增量之和 = %s, want -900", sum)
	}
}

func TestOpenAccountIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.accounts.OpenAccount(ctx, 7)
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	second, err := env.accounts.OpenAccount(ctx, 7)
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("重复开户得到不同账户: %d != %d", first.ID, second.ID)
	}
	if first.Balance.Valid {
		t.Errorf("新账户余额应为空, got %s", first.Balance.Decimal)
	}
}

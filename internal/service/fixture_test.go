package service

import (
	"context"
	"testing"

	"consumeledger/internal/model"
	"consumeledger/internal/repository"
	"consumeledger/internal/testutil"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type testEnv struct {
	db       *gorm.DB
	accounts *AccountService
	notifier *Notifier
	consume  *ConsumeService
	recharge *RechargeService
	subsidy  *SubsidyService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testutil.NewDB(t)
	locker := testutil.NewLocker(t)
	cfg := testutil.Config()

	accounts := NewAccountService(db, locker, cfg)
	notifier := NewNotifier(db, cfg)
	return &testEnv{
		db:       db,
		accounts: accounts,
		notifier: notifier,
		consume:  NewConsumeService(db, locker, accounts, notifier, cfg),
		recharge: NewRechargeService(db, locker, accounts, notifier, cfg),
		subsidy:  NewSubsidyService(db, cfg),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seedAccount 直接落库一个指定余额的账户，balance 为空串时余额为 NULL
func (e *testEnv) seedAccount(t *testing.T, userID int64, balance, frozen string) *model.Account {
	t.Helper()

	account := &model.Account{
		UserID:       userID,
		FrozenAmount: decimal.Zero,
		Status:       model.AccountStatusActive,
	}
	if balance != "" {
		account.Balance = decimal.NewNullDecimal(dec(balance))
	}
	if frozen != "" {
		account.FrozenAmount = dec(frozen)
	}
	if err := e.db.Create(account).Error; err != nil {
		t.Fatalf("创建账户失败: %v", err)
	}
	return account
}

func (e *testEnv) balanceOf(t *testing.T, accountID int64) decimal.Decimal {
	t.Helper()

	account, err := e.accounts.GetAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("查询账户失败: %v", err)
	}
	return account.CurrentBalance()
}

func (e *testEnv) ledgerOf(t *testing.T, accountID int64) []*model.AccountTransaction {
	t.Helper()

	entries, _, err := e.accounts.ListTransactions(context.Background(), accountID, 1, 100)
	if err != nil {
		t.Fatalf("查询流水失败: %v", err)
	}
	return entries
}

func (e *testEnv) outboxOf(t *testing.T, eventType string) []*model.OutboxMessage {
	t.Helper()

	messages, err := repository.NewOutboxRepository(e.db).ListByEventType(context.Background(), eventType, 100)
	if err != nil {
		t.Fatalf("查询消息失败: %v", err)
	}
	return messages
}

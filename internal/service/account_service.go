package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"consumeledger/internal/config"
	"consumeledger/internal/model"
	"consumeledger/internal/repository"
	"consumeledger/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AccountLocker 账户级集群互斥，由 lock.AccountLocker 实现
type AccountLocker interface {
	WithAccountLock(ctx context.Context, accountID int64, timeout time.Duration, fn func() error) error
}

// AccountService 账户余额的唯一写入方
//
// Debit/Credit 自己加账户锁并开启事务；DebitTx/CreditTx 供已经持有账户锁、
// 且需要与其他单据写入放在同一事务里的调用方使用（消费、退款、充值、冲正）
type AccountService struct {
	db              *gorm.DB
	locker          AccountLocker
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	lockTimeout     time.Duration
}

func NewAccountService(db *gorm.DB, locker AccountLocker, cfg *config.Config) *AccountService {
	return &AccountService{
		db:              db,
		locker:          locker,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		lockTimeout:     cfg.Lock.WaitTimeout,
	}
}

// Mutation 一次余额变动
type Mutation struct {
	AccountID   int64
	Amount      decimal.Decimal // 始终为正数，方向由调用的方法决定
	Type        string          // 流水类型
	ReferenceID int64
	Remark      string
}

// checkAmount 金额必须为正且不超过两位小数，与 decimal(18,2) 存储精度一致
func checkAmount(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Round(2)) {
		return ErrInvalidAmount.WithMessage("金额最多保留两位小数: %s", amount.String())
	}
	return nil
}

// OpenAccount 为用户开户，已存在则直接返回。新账户余额为 NULL，首次充值时按 0 处理
func (s *AccountService) OpenAccount(ctx context.Context, userID int64) (*model.Account, error) {
	account, err := s.accountRepo.GetByUserID(ctx, nil, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, repository.ErrAccountNotFound) {
		return nil, err
	}

	newAccount := &model.Account{
		UserID:       userID,
		FrozenAmount: decimal.Zero,
		Status:       model.AccountStatusActive,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newAccount).Error
	if err != nil {
		return nil, err
	}

	return s.accountRepo.GetByUserID(ctx, nil, userID)
}

func (s *AccountService) GetAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	return s.GetAccountTx(ctx, nil, accountID)
}

// GetAccountTx 在给定事务内读取账户
func (s *AccountService) GetAccountTx(ctx context.Context, tx *gorm.DB, accountID int64) (*model.Account, error) {
	account, err := s.accountRepo.GetByID(ctx, tx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, ErrAccountNotFound.WithMessage("账户不存在: accountID=%d", accountID)
		}
		return nil, err
	}
	return account, nil
}

// ListTransactions 分页查询账户流水，按写入顺序返回
func (s *AccountService) ListTransactions(ctx context.Context, accountID int64, page, pageSize int) ([]*model.AccountTransaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.transactionRepo.ListByAccountID(ctx, accountID, page, pageSize)
}

// UpdateStatus 冻结、解冻、注销账户
func (s *AccountService) UpdateStatus(ctx context.Context, accountID int64, status string) error {
	switch status {
	case model.AccountStatusActive, model.AccountStatusFrozen, model.AccountStatusClosed:
	default:
		return ErrValidation.WithMessage("账户状态不合法: %s", status)
	}
	return s.withAccountLock(ctx, accountID, func() error {
		err := s.accountRepo.UpdateStatus(ctx, nil, accountID, status)
		if errors.Is(err, repository.ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		return err
	})
}

// CheckSufficient 只读判断可用余额是否足够；账户不存在、余额为 NULL、金额非法都返回 false
func (s *AccountService) CheckSufficient(ctx context.Context, accountID int64, amount decimal.Decimal) bool {
	if amount.Sign() <= 0 {
		return false
	}
	account, err := s.accountRepo.GetByID(ctx, nil, accountID)
	if err != nil {
		if !errors.Is(err, repository.ErrAccountNotFound) {
			log.Printf("[AccountService] 查询账户失败: accountID=%d, err=%v", accountID, err)
		}
		return false
	}
	if !account.Balance.Valid {
		return false
	}
	return amount.LessThanOrEqual(account.Available())
}

// Debit 扣款：加账户锁 -> 事务内扣减余额并写流水
func (s *AccountService) Debit(ctx context.Context, m Mutation) (*model.AccountTransaction, error) {
	if err := checkAmount(m.Amount); err != nil {
		return nil, err
	}
	if m.Type == "" {
		m.Type = model.TransactionTypeConsume
	}

	var entry *model.AccountTransaction
	err := s.withAccountLock(ctx, m.AccountID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			entry, err = s.DebitTx(ctx, tx, m)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Credit 入账：加账户锁 -> 事务内增加余额并写流水
func (s *AccountService) Credit(ctx context.Context, m Mutation) (*model.AccountTransaction, error) {
	if err := checkAmount(m.Amount); err != nil {
		return nil, err
	}
	if m.Type == "" {
		m.Type = model.TransactionTypeRecharge
	}

	var entry *model.AccountTransaction
	err := s.withAccountLock(ctx, m.AccountID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			entry, err = s.CreditTx(ctx, tx, m)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// DebitTx 调用方必须已持有该账户的锁
func (s *AccountService) DebitTx(ctx context.Context, tx *gorm.DB, m Mutation) (*model.AccountTransaction, error) {
	if err := checkAmount(m.Amount); err != nil {
		return nil, err
	}

	account, err := s.GetAccountTx(ctx, tx, m.AccountID)
	if err != nil {
		return nil, err
	}
	if account.Status != model.AccountStatusActive {
		return nil, ErrAccountUnavailable.WithMessage("账户状态为 %s，不能扣款", account.Status)
	}
	if !account.Balance.Valid || account.Available().LessThan(m.Amount) {
		return nil, ErrInsufficientBalance.WithMessage("余额不足: 可用=%s, 需要=%s",
			account.Available().StringFixed(2), m.Amount.StringFixed(2))
	}

	return s.apply(ctx, tx, account, m, m.Amount.Neg())
}

// CreditTx 调用方必须已持有该账户的锁
func (s *AccountService) CreditTx(ctx context.Context, tx *gorm.DB, m Mutation) (*model.AccountTransaction, error) {
	if err := checkAmount(m.Amount); err != nil {
		return nil, err
	}

	account, err := s.GetAccountTx(ctx, tx, m.AccountID)
	if err != nil {
		return nil, err
	}
	if account.Status == model.AccountStatusClosed {
		return nil, ErrAccountUnavailable.WithMessage("账户已注销，不能入账")
	}

	return s.apply(ctx, tx, account, m, m.Amount)
}

// apply 写入新余额和对应流水，一次提交的变动只对应一条流水
func (s *AccountService) apply(ctx context.Context, tx *gorm.DB, account *model.Account, m Mutation, delta decimal.Decimal) (*model.AccountTransaction, error) {
	before := account.CurrentBalance()
	after := before.Add(delta)
	if after.IsNegative() {
		return nil, ErrInsufficientBalance
	}

	if err := s.accountRepo.UpdateBalance(ctx, tx, account.ID, after, account.Version); err != nil {
		if errors.Is(err, repository.ErrOptimisticLock) {
			return nil, ErrConcurrentUpdate
		}
		return nil, fmt.Errorf("更新余额失败: %w", err)
	}

	entry := &model.AccountTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		AccountID:     account.ID,
		Type:          m.Type,
		Delta:         delta,
		BeforeBalance: before,
		AfterBalance:  after,
		ReferenceID:   m.ReferenceID,
		Remark:        m.Remark,
	}
	if err := s.transactionRepo.Create(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("记录流水失败: %w", err)
	}

	account.Balance = decimal.NewNullDecimal(after)
	account.Version++
	return entry, nil
}

func (s *AccountService) withAccountLock(ctx context.Context, accountID int64, fn func() error) error {
	return translateLockErr(s.locker.WithAccountLock(ctx, accountID, s.lockTimeout, fn))
}

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	AccountStatusActive = "ACTIVE"
	AccountStatusFrozen = "FROZEN"
	AccountStatusClosed = "CLOSED"
)

// Account 消费账户表
// 余额只允许由 AccountService 在账户锁内修改
type Account struct {
	ID           int64               `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       int64               `gorm:"uniqueIndex;not null" json:"user_id"`
	Balance      decimal.NullDecimal `gorm:"type:decimal(18,2)" json:"balance"`                          // 余额，从未充值过的账户为 NULL
	FrozenAmount decimal.Decimal     `gorm:"type:decimal(18,2);not null;default:0" json:"frozen_amount"` // 冻结金额
	Status       string              `gorm:"type:varchar(20);not null;default:ACTIVE" json:"status"`
	Version      int                 `gorm:"not null;default:0" json:"version"` // 乐观锁版本号
	CreatedAt    time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}

// CurrentBalance 返回余额，NULL 视为 0
func (a *Account) CurrentBalance() decimal.Decimal {
	if !a.Balance.Valid {
		return decimal.Zero
	}
	return a.Balance.Decimal
}

// Available 可用余额 = 余额 - 冻结金额
func (a *Account) Available() decimal.Decimal {
	return a.CurrentBalance().Sub(a.FrozenAmount)
}

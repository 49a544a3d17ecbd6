package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 交易类型常量
// ============================================================================

const (
	TransactionTypeConsume  = "CONSUME"  // 消费（扣款）
	TransactionTypeRefund   = "REFUND"   // 退款
	TransactionTypeRecharge = "RECHARGE" // 充值
	TransactionTypeReversal = "REVERSAL" // 充值冲正
)

// ============================================================================
// 账户流水实体
// ============================================================================

// AccountTransaction 账户流水表
// 每一次提交的余额变动对应一条流水，是对账的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除，审计可追溯
// 2. 每笔流水关联业务单据ID（消费记录/充值记录）
// 3. AfterBalance = BeforeBalance + Delta
type AccountTransaction struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	AccountID     int64           `gorm:"index;not null" json:"account_id"`
	Type          string          `gorm:"type:varchar(20);not null" json:"type"`
	Delta         decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"delta"` // 正数入账，负数出账
	BeforeBalance decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"before_balance"`
	AfterBalance  decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"after_balance"`
	ReferenceID   int64           `gorm:"index;not null;default:0" json:"reference_id"` // 关联的消费记录或充值记录ID
	Remark        string          `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AccountTransaction) TableName() string {
	return "account_transaction"
}

// Consistent 校验流水前后余额是否自洽
func (t *AccountTransaction) Consistent() bool {
	return t.BeforeBalance.Add(t.Delta).Equal(t.AfterBalance)
}

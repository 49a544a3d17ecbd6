package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RechargeStatusPending  = "PENDING"
	RechargeStatusSuccess  = "SUCCESS"
	RechargeStatusReversed = "REVERSED"
)

const (
	RechargeTypeRecharge = "RECHARGE"
	RechargeTypeReversal = "REVERSAL"
)

const (
	RechargeWayCash     = "CASH"
	RechargeWayWechat   = "WECHAT"
	RechargeWayAlipay   = "ALIPAY"
	RechargeWayBankCard = "BANK_CARD"
)

// RechargeRecord 充值记录表
//
// 冲正不修改原记录的金额字段，而是新增一条 RecordType=REVERSAL、金额为负的补偿记录，
// 并把原记录状态改为 REVERSED。OriginalRecordID 唯一，同一笔充值最多只有一条补偿记录
type RechargeRecord struct {
	ID               int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID           int64           `gorm:"index;not null" json:"user_id"`
	AccountID        int64           `gorm:"index;not null" json:"account_id"`
	RecordType       string          `gorm:"type:varchar(20);not null;default:RECHARGE" json:"record_type"`
	RechargeAmount   decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"recharge_amount"`
	BeforeBalance    decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"before_balance"`
	AfterBalance     decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"after_balance"`
	RechargeWay      string          `gorm:"type:varchar(20);not null" json:"recharge_way"`
	RechargeStatus   string          `gorm:"type:varchar(20);index;not null" json:"recharge_status"`
	TransactionNo    string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	ThirdPartyNo     *string         `gorm:"type:varchar(64);uniqueIndex" json:"third_party_no"`
	BatchNo          string          `gorm:"type:varchar(64);index" json:"batch_no"`
	OriginalRecordID *int64          `gorm:"uniqueIndex" json:"original_record_id"`
	OperatorID       int64           `json:"operator_id"`
	Reason           string          `gorm:"type:varchar(256)" json:"reason"`
	RechargeTime     time.Time       `gorm:"not null;index" json:"recharge_time"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (RechargeRecord) TableName() string {
	return "recharge_record"
}

// ThirdParty 返回第三方单号，未设置时为空串
func (r *RechargeRecord) ThirdParty() string {
	if r.ThirdPartyNo == nil {
		return ""
	}
	return *r.ThirdPartyNo
}

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SubsidyStatusPending = "PENDING"
	SubsidyStatusIssued  = "ISSUED"
	SubsidyStatusExpired = "EXPIRED"
)

// Subsidy 补贴额度表
// 与账户余额相互独立，计数字段通过 Version 做乐观并发控制，不走账户锁
type Subsidy struct {
	ID              int64               `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          int64               `gorm:"index;not null" json:"user_id"`
	SubsidyAmount   decimal.Decimal     `gorm:"type:decimal(18,2);not null" json:"subsidy_amount"` // 总额度
	UsedAmount      decimal.Decimal     `gorm:"type:decimal(18,2);not null;default:0" json:"used_amount"`
	DailyLimit      decimal.NullDecimal `gorm:"type:decimal(18,2)" json:"daily_limit"` // 为空表示不限日额
	DailyUsedAmount decimal.Decimal     `gorm:"type:decimal(18,2);not null;default:0" json:"daily_used_amount"`
	DailyUsageDate  *time.Time          `gorm:"index" json:"daily_usage_date"` // DailyUsedAmount 所属日期
	Status          string              `gorm:"type:varchar(20);index;not null" json:"status"`
	EffectiveDate   time.Time           `gorm:"not null" json:"effective_date"`
	ExpiryDate      time.Time           `gorm:"not null;index" json:"expiry_date"`
	Version         int                 `gorm:"not null;default:0" json:"version"`
	CreatedAt       time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Subsidy) TableName() string {
	return "subsidy"
}

// Remaining 剩余总额度
func (s *Subsidy) Remaining() decimal.Decimal {
	return s.SubsidyAmount.Sub(s.UsedAmount)
}

// DailyUsedOn 返回指定日期的已用日额，日期不一致说明已跨天，视为 0
func (s *Subsidy) DailyUsedOn(day time.Time) decimal.Decimal {
	if s.DailyUsageDate == nil || !SameDay(*s.DailyUsageDate, day) {
		return decimal.Zero
	}
	return s.DailyUsedAmount
}

// SameDay 按本地时区比较是否同一天
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Local().Date()
	by, bm, bd := b.Local().Date()
	return ay == by && am == bm && ad == bd
}

// StartOfDay 当天零点
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Local().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.Local)
}

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	OfflineFlagOnline  int8 = 0
	OfflineFlagOffline int8 = 1
)

const (
	SyncStatusUnsynced = "UNSYNCED"
	SyncStatusSynced   = "SYNCED"
	SyncStatusConflict = "CONFLICT"
)

const (
	RefundStatusNone    = "NONE"
	RefundStatusPartial = "PARTIAL"
	RefundStatusFull    = "FULL"
)

// ConsumeRecord 消费记录表
//
// 在线消费创建即为 SYNCED；离线消费由终端上传时为 UNSYNCED，
// 之后只会迁移一次：UNSYNCED -> SYNCED（已扣款）或 UNSYNCED -> CONFLICT（未扣款，待人工处理）
type ConsumeRecord struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID     int64           `gorm:"index;not null" json:"account_id"`
	UserID        int64           `gorm:"index;not null" json:"user_id"`
	DeviceID      string          `gorm:"type:varchar(64)" json:"device_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"amount"`
	OrderNo       string          `gorm:"type:varchar(64);index" json:"order_no"`
	TransactionNo string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 终端/渠道流水号，用于去重
	OfflineFlag   int8            `gorm:"not null;default:0;index:idx_offline_sync,priority:1" json:"offline_flag"`
	SyncStatus    string          `gorm:"type:varchar(20);not null;index:idx_offline_sync,priority:2" json:"sync_status"`
	SyncMessage   string          `gorm:"type:varchar(256)" json:"sync_message"`
	SyncTime      *time.Time      `json:"sync_time"`
	RefundStatus  string          `gorm:"type:varchar(20);not null;default:NONE" json:"refund_status"`
	RefundAmount  decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0" json:"refund_amount"`
	ConsumeTime   time.Time       `gorm:"not null;index" json:"consume_time"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ConsumeRecord) TableName() string {
	return "consume_record"
}

// IsOffline 是否离线消费
func (r *ConsumeRecord) IsOffline() bool {
	return r.OfflineFlag == OfflineFlagOffline
}

// Refundable 剩余可退金额
func (r *ConsumeRecord) Refundable() decimal.Decimal {
	return r.Amount.Sub(r.RefundAmount)
}

package repository

import (
	"context"
	"errors"
	"time"

	"consumeledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrConsumeRecordNotFound = errors.New("消费记录不存在")
	ErrSyncStatusChanged     = errors.New("消费记录同步状态已变更")
)

type ConsumeRecordRepository struct {
	db *gorm.DB
}

func NewConsumeRecordRepository(db *gorm.DB) *ConsumeRecordRepository {
	return &ConsumeRecordRepository{db: db}
}

func (r *ConsumeRecordRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *ConsumeRecordRepository) Create(ctx context.Context, tx *gorm.DB, record *model.ConsumeRecord) error {
	return r.conn(tx).WithContext(ctx).Create(record).Error
}

func (r *ConsumeRecordRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.ConsumeRecord, error) {
	var record model.ConsumeRecord
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConsumeRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

// GetByTransactionNo 不存在返回 nil, nil
func (r *ConsumeRecordRepository) GetByTransactionNo(ctx context.Context, tx *gorm.DB, transactionNo string) (*model.ConsumeRecord, error) {
	var record model.ConsumeRecord
	err := r.conn(tx).WithContext(ctx).Where("transaction_no = ?", transactionNo).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// ListPendingOffline 按消费时间从早到晚取待同步的离线记录
func (r *ConsumeRecordRepository) ListPendingOffline(ctx context.Context, limit int) ([]*model.ConsumeRecord, error) {
	var records []*model.ConsumeRecord
	err := r.db.WithContext(ctx).
		Where("offline_flag = ? AND sync_status = ?", model.OfflineFlagOffline, model.SyncStatusUnsynced).
		Order("consume_time ASC, id ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *ConsumeRecordRepository) CountPendingOffline(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.ConsumeRecord{}).
		Where("offline_flag = ? AND sync_status = ?", model.OfflineFlagOffline, model.SyncStatusUnsynced).
		Count(&count).Error
	return count, err
}

// UpdateSyncStatus 条件更新同步状态，状态已被他人改动时返回 ErrSyncStatusChanged
func (r *ConsumeRecordRepository) UpdateSyncStatus(ctx context.Context, tx *gorm.DB, id int64, fromStatus, toStatus, message string) error {
	now := time.Now()
	result := r.conn(tx).WithContext(ctx).
		Model(&model.ConsumeRecord{}).
		Where("id = ? AND sync_status = ?", id, fromStatus).
		Updates(map[string]interface{}{
			"sync_status":  toStatus,
			"sync_message": message,
			"sync_time":    &now,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSyncStatusChanged
	}
	return nil
}

func (r *ConsumeRecordRepository) UpdateRefund(ctx context.Context, tx *gorm.DB, id int64, refundAmount decimal.Decimal, refundStatus string) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.ConsumeRecord{}).
		Where("id = ? AND sync_status = ?", id, model.SyncStatusSynced).
		Updates(map[string]interface{}{
			"refund_amount": refundAmount,
			"refund_status": refundStatus,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConsumeRecordNotFound
	}
	return nil
}

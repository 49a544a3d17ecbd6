package repository

import (
	"context"
	"errors"
	"time"

	"consumeledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrRechargeNotFound      = errors.New("充值记录不存在")
	ErrRechargeStatusInvalid = errors.New("充值记录状态不合法")
)

type RechargeRepository struct {
	db *gorm.DB
}

func NewRechargeRepository(db *gorm.DB) *RechargeRepository {
	return &RechargeRepository{db: db}
}

func (r *RechargeRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *RechargeRepository) Create(ctx context.Context, tx *gorm.DB, record *model.RechargeRecord) error {
	return r.conn(tx).WithContext(ctx).Create(record).Error
}

func (r *RechargeRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.RechargeRecord, error) {
	var record model.RechargeRecord
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRechargeNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (r *RechargeRepository) findOne(ctx context.Context, tx *gorm.DB, query string, args ...interface{}) (*model.RechargeRecord, error) {
	var record model.RechargeRecord
	err := r.conn(tx).WithContext(ctx).Where(query, args...).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// GetByThirdPartyNo 不存在返回 nil, nil
func (r *RechargeRepository) GetByThirdPartyNo(ctx context.Context, tx *gorm.DB, thirdPartyNo string) (*model.RechargeRecord, error) {
	return r.findOne(ctx, tx, "third_party_no = ?", thirdPartyNo)
}

// GetReversalOf 查询某笔充值的冲正补偿记录，不存在返回 nil, nil
func (r *RechargeRepository) GetReversalOf(ctx context.Context, tx *gorm.DB, originalID int64) (*model.RechargeRecord, error) {
	return r.findOne(ctx, tx, "original_record_id = ?", originalID)
}

// ExistsTransactionNo excludeID 为 0 时不排除任何记录
func (r *RechargeRepository) ExistsTransactionNo(ctx context.Context, tx *gorm.DB, transactionNo string, excludeID int64) (bool, error) {
	return r.exists(ctx, tx, "transaction_no", transactionNo, excludeID)
}

func (r *RechargeRepository) ExistsThirdPartyNo(ctx context.Context, tx *gorm.DB, thirdPartyNo string, excludeID int64) (bool, error) {
	return r.exists(ctx, tx, "third_party_no", thirdPartyNo, excludeID)
}

func (r *RechargeRepository) exists(ctx context.Context, tx *gorm.DB, column, value string, excludeID int64) (bool, error) {
	var count int64
	query := r.conn(tx).WithContext(ctx).
		Model(&model.RechargeRecord{}).
		Where(column+" = ?", value)
	if excludeID > 0 {
		query = query.Where("id <> ?", excludeID)
	}
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *RechargeRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, fromStatus, toStatus string) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.RechargeRecord{}).
		Where("id = ? AND recharge_status = ?", id, fromStatus).
		Update("recharge_status", toStatus)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRechargeStatusInvalid
	}
	return nil
}

// ListByUserIDBetween 按充值时间查询用户的充值与冲正记录
func (r *RechargeRepository) ListByUserIDBetween(ctx context.Context, userID int64, from, to time.Time, limit int) ([]*model.RechargeRecord, error) {
	var records []*model.RechargeRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND recharge_time >= ? AND recharge_time < ?", userID, from, to).
		Order("recharge_time ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

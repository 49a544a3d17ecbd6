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
	ErrSubsidyNotFound      = errors.New("补贴不存在")
	ErrSubsidyStatusInvalid = errors.New("补贴状态不合法")
)

type SubsidyRepository struct {
	db *gorm.DB
}

func NewSubsidyRepository(db *gorm.DB) *SubsidyRepository {
	return &SubsidyRepository{db: db}
}

func (r *SubsidyRepository) Create(ctx context.Context, subsidy *model.Subsidy) error {
	return r.db.WithContext(ctx).Create(subsidy).Error
}

func (r *SubsidyRepository) GetByID(ctx context.Context, id int64) (*model.Subsidy, error) {
	var subsidy model.Subsidy
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&subsidy).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubsidyNotFound
		}
		return nil, err
	}
	return &subsidy, nil
}

// CompareAndUpdateUsage 一条 UPDATE 同时写入总已用和当日已用，版本号不一致返回 ErrOptimisticLock
func (r *SubsidyRepository) CompareAndUpdateUsage(ctx context.Context, id int64, version int, used, dailyUsed decimal.Decimal, usageDate time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&model.Subsidy{}).
		Where("id = ? AND version = ?", id, version).
		Updates(map[string]interface{}{
			"used_amount":       used,
			"daily_used_amount": dailyUsed,
			"daily_usage_date":  usageDate,
			"version":           gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

func (r *SubsidyRepository) UpdateStatus(ctx context.Context, id int64, fromStatus, toStatus string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Subsidy{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(map[string]interface{}{
			"status":  toStatus,
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSubsidyStatusInvalid
	}
	return nil
}

// ListStaleDailyIDs 当日已用记录在 today 之前的补贴ID，按ID分页
func (r *SubsidyRepository) ListStaleDailyIDs(ctx context.Context, today time.Time, afterID int64, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.Subsidy{}).
		Where("id > ? AND daily_usage_date IS NOT NULL AND daily_usage_date < ?", afterID, today).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

func (r *SubsidyRepository) ResetDailyUsage(ctx context.Context, ids []int64, today time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Subsidy{}).
		Where("id IN ? AND daily_usage_date < ?", ids, today).
		Updates(map[string]interface{}{
			"daily_used_amount": decimal.Zero,
			"daily_usage_date":  today,
			"version":           gorm.Expr("version + 1"),
		})
	return result.RowsAffected, result.Error
}

// ListExpirableIDs 已过有效期但尚未标记过期的补贴ID
func (r *SubsidyRepository) ListExpirableIDs(ctx context.Context, now time.Time, afterID int64, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.Subsidy{}).
		Where("id > ? AND status IN ? AND expiry_date < ?", afterID,
			[]string{model.SubsidyStatusPending, model.SubsidyStatusIssued}, now).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

func (r *SubsidyRepository) ExpireByIDs(ctx context.Context, ids []int64, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Subsidy{}).
		Where("id IN ? AND status IN ? AND expiry_date < ?", ids,
			[]string{model.SubsidyStatusPending, model.SubsidyStatusIssued}, now).
		Updates(map[string]interface{}{
			"status":  model.SubsidyStatusExpired,
			"version": gorm.Expr("version + 1"),
		})
	return result.RowsAffected, result.Error
}

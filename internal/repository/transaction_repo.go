package repository

import (
	"context"
	"time"

	"consumeledger/internal/model"

	"gorm.io/gorm"
)

// TransactionRepository 账户流水只提供追加和查询，不提供更新/删除
type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.AccountTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

// CountAfter 统计账户在 after 之后产生的流水数，排除指定单据自身的那一条
func (r *TransactionRepository) CountAfter(ctx context.Context, tx *gorm.DB, accountID int64, after time.Time, excludeType string, excludeRef int64) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var count int64
	err := tx.WithContext(ctx).
		Model(&model.AccountTransaction{}).
		Where("account_id = ? AND created_at > ?", accountID, after).
		Where("NOT (type = ? AND reference_id = ?)", excludeType, excludeRef).
		Count(&count).Error
	return count, err
}

func (r *TransactionRepository) ListByAccountID(ctx context.Context, accountID int64, page, pageSize int) ([]*model.AccountTransaction, int64, error) {
	var transactions []*model.AccountTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.AccountTransaction{}).Where("account_id = ?", accountID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

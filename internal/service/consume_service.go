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
)

// SyncResult 单条离线记录的同步结果
type SyncResult string

const (
	SyncResultSynced   SyncResult = "SYNCED"
	SyncResultConflict SyncResult = "CONFLICT"
	SyncResultSkipped  SyncResult = "SKIPPED" // 非离线记录或已被处理
)

// SyncSummary 一轮批量同步的统计
type SyncSummary struct {
	Total    int `json:"total"`
	Success  int `json:"success"`
	Conflict int `json:"conflict"`
	Fail     int `json:"fail"`
	Skipped  int `json:"skipped"`
}

// ConsumeRequest 在线消费与离线上传共用
type ConsumeRequest struct {
	AccountID     int64
	UserID        int64
	DeviceID      string
	OrderNo       string
	TransactionNo string
	Amount        decimal.Decimal
	ConsumeTime   time.Time
}

// TransactionRequest 由调用方自行计算好前后余额的流水
type TransactionRequest struct {
	TransactionNo string
	AccountID     int64
	Type          string
	Delta         decimal.Decimal
	BeforeBalance decimal.Decimal
	AfterBalance  decimal.Decimal
	ReferenceID   int64
	Remark        string
}

type ConsumeService struct {
	db              *gorm.DB
	locker          AccountLocker
	accounts        *AccountService
	notifier        *Notifier
	consumeRepo     *repository.ConsumeRecordRepository
	transactionRepo *repository.TransactionRepository
	lockTimeout     time.Duration
	recordTimeout   time.Duration
}

func NewConsumeService(db *gorm.DB, locker AccountLocker, accounts *AccountService, notifier *Notifier, cfg *config.Config) *ConsumeService {
	return &ConsumeService{
		db:              db,
		locker:          locker,
		accounts:        accounts,
		notifier:        notifier,
		consumeRepo:     repository.NewConsumeRecordRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		lockTimeout:     cfg.Lock.WaitTimeout,
		recordTimeout:   cfg.Sync.RecordTimeout,
	}
}

// ConsumeOnline 在线消费：记录与扣款在同一事务内完成。
// 流水号重复且账户、金额一致时返回已有记录，否则返回 ErrTransactionDup
func (s *ConsumeService) ConsumeOnline(ctx context.Context, req *ConsumeRequest) (*model.ConsumeRecord, error) {
	if err := validateConsumeRequest(req); err != nil {
		return nil, err
	}
	if req.TransactionNo == "" {
		req.TransactionNo = idgen.GenerateConsumeNo()
	}

	var record *model.ConsumeRecord
	err := s.withAccountLock(ctx, req.AccountID, func() error {
		existing, err := s.consumeRepo.GetByTransactionNo(ctx, nil, req.TransactionNo)
		if err != nil {
			return err
		}
		if existing != nil {
			// 只有同账户、同金额的在线消费才算重放，其余视为流水号冲突
			if existing.IsOffline() || existing.AccountID != req.AccountID || !existing.Amount.Equal(req.Amount) {
				return ErrTransactionDup.WithMessage("流水号已被其他消费使用: %s", req.TransactionNo)
			}
			log.Printf("[ConsumeService] 重复消费请求，返回已有记录: transactionNo=%s", req.TransactionNo)
			record = existing
			return nil
		}

		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			created, err := s.CreateOnlineRecord(ctx, tx, req)
			if err != nil {
				return err
			}
			_, err = s.accounts.DebitTx(ctx, tx, Mutation{
				AccountID:   req.AccountID,
				Amount:      req.Amount,
				Type:        model.TransactionTypeConsume,
				ReferenceID: created.ID,
				Remark:      "在线消费 " + req.OrderNo,
			})
			if err != nil {
				return err
			}
			record = created
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[ConsumeService] 在线消费成功: recordID=%d, accountID=%d, amount=%s",
		record.ID, record.AccountID, record.Amount.StringFixed(2))
	return record, nil
}

// CreateOnlineRecord 写入一条已同步的在线消费记录，不动余额
func (s *ConsumeService) CreateOnlineRecord(ctx context.Context, tx *gorm.DB, req *ConsumeRequest) (*model.ConsumeRecord, error) {
	if err := validateConsumeRequest(req); err != nil {
		return nil, err
	}
	now := time.Now()
	record := newConsumeRecord(req, model.OfflineFlagOnline, model.SyncStatusSynced)
	record.SyncTime = &now
	if err := s.consumeRepo.Create(ctx, tx, record); err != nil {
		return nil, fmt.Errorf("创建消费记录失败: %w", err)
	}
	return record, nil
}

// CreateOfflineRecord 终端上传的离线消费，先落库为 UNSYNCED，由同步任务扣款。
// 同一终端流水号重复上传时返回已有记录
func (s *ConsumeService) CreateOfflineRecord(ctx context.Context, req *ConsumeRequest) (*model.ConsumeRecord, error) {
	if err := validateConsumeRequest(req); err != nil {
		return nil, err
	}
	if req.TransactionNo == "" {
		return nil, ErrValidation.WithMessage("离线消费必须携带终端流水号")
	}

	existing, err := s.consumeRepo.GetByTransactionNo(ctx, nil, req.TransactionNo)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	record := newConsumeRecord(req, model.OfflineFlagOffline, model.SyncStatusUnsynced)
	if err := s.consumeRepo.Create(ctx, nil, record); err != nil {
		// 并发上传同一流水号时唯一索引兜底
		if again, getErr := s.consumeRepo.GetByTransactionNo(ctx, nil, req.TransactionNo); getErr == nil && again != nil {
			return again, nil
		}
		return nil, fmt.Errorf("创建离线消费记录失败: %w", err)
	}

	log.Printf("[ConsumeService] 离线消费已登记: recordID=%d, deviceID=%s, amount=%s",
		record.ID, record.DeviceID, record.Amount.StringFixed(2))
	return record, nil
}

// ProcessRefund 对已同步的消费退款，累计退款不超过原金额
func (s *ConsumeService) ProcessRefund(ctx context.Context, recordID int64, amount decimal.Decimal, reason string) (*model.AccountTransaction, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}

	record, err := s.getRecord(ctx, nil, recordID)
	if err != nil {
		return nil, err
	}

	var entry *model.AccountTransaction
	err = s.withAccountLock(ctx, record.AccountID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			current, err := s.getRecord(ctx, tx, recordID)
			if err != nil {
				return err
			}
			if current.SyncStatus != model.SyncStatusSynced {
				return ErrRecordNotRefundable.WithMessage("消费记录状态为 %s，不能退款", current.SyncStatus)
			}
			refundable := current.Refundable()
			if amount.GreaterThan(refundable) {
				return ErrRefundExceeded.WithMessage("退款金额超限: 可退=%s, 申请=%s",
					refundable.StringFixed(2), amount.StringFixed(2))
			}

			entry, err = s.accounts.CreditTx(ctx, tx, Mutation{
				AccountID:   current.AccountID,
				Amount:      amount,
				Type:        model.TransactionTypeRefund,
				ReferenceID: current.ID,
				Remark:      reason,
			})
			if err != nil {
				return err
			}

			refunded := current.RefundAmount.Add(amount)
			status := model.RefundStatusPartial
			if refunded.Equal(current.Amount) {
				status = model.RefundStatusFull
			}
			return s.consumeRepo.UpdateRefund(ctx, tx, current.ID, refunded, status)
		})
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[ConsumeService] 退款成功: recordID=%d, amount=%s", recordID, amount.StringFixed(2))
	return entry, nil
}

// SyncOfflineRecord 同步一条离线记录：扣款与状态迁移同事务提交；
// 业务性失败（余额不足、账户不可用等）标记为 CONFLICT 并告警，余额不变。
// 一旦开始处理，调用方取消 ctx 不会打断本条记录，只受 recordTimeout 限制
func (s *ConsumeService) SyncOfflineRecord(ctx context.Context, recordID int64) (SyncResult, error) {
	ctx, cancel := s.recordContext(ctx)
	defer cancel()

	record, err := s.getRecord(ctx, nil, recordID)
	if err != nil {
		return "", err
	}
	if !record.IsOffline() || record.SyncStatus != model.SyncStatusUnsynced {
		return SyncResultSkipped, nil
	}

	var result SyncResult
	err = s.withAccountLock(ctx, record.AccountID, func() error {
		current, err := s.getRecord(ctx, nil, recordID)
		if err != nil {
			return err
		}
		if current.SyncStatus != model.SyncStatusUnsynced {
			result = SyncResultSkipped
			return nil
		}

		debitErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if _, err := s.accounts.DebitTx(ctx, tx, Mutation{
				AccountID:   current.AccountID,
				Amount:      current.Amount,
				Type:        model.TransactionTypeConsume,
				ReferenceID: current.ID,
				Remark:      "离线消费同步 " + current.TransactionNo,
			}); err != nil {
				return err
			}
			return s.consumeRepo.UpdateSyncStatus(ctx, tx, current.ID,
				model.SyncStatusUnsynced, model.SyncStatusSynced, "同步成功")
		})
		switch {
		case debitErr == nil:
			result = SyncResultSynced
			return nil
		case errors.Is(debitErr, repository.ErrSyncStatusChanged):
			result = SyncResultSkipped
			return nil
		case !IsBusinessError(debitErr):
			return debitErr
		}

		if err := s.markConflict(ctx, current, debitErr); err != nil {
			if errors.Is(err, repository.ErrSyncStatusChanged) {
				result = SyncResultSkipped
				return nil
			}
			return err
		}
		result = SyncResultConflict
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func (s *ConsumeService) recordContext(parent context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(parent)
	if s.recordTimeout <= 0 {
		return context.WithCancel(detached)
	}
	return context.WithTimeout(detached, s.recordTimeout)
}

func (s *ConsumeService) markConflict(ctx context.Context, record *model.ConsumeRecord, cause error) error {
	message := cause.Error()
	log.Printf("[ConsumeService] 离线记录同步冲突: recordID=%d, accountID=%d, amount=%s, reason=%s",
		record.ID, record.AccountID, record.Amount.StringFixed(2), message)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.consumeRepo.UpdateSyncStatus(ctx, tx, record.ID,
			model.SyncStatusUnsynced, model.SyncStatusConflict, truncate(message, 256)); err != nil {
			return err
		}
		return s.notifier.Alert(ctx, tx, AlertOfflineConflict, record.TransactionNo, "离线消费同步冲突，需人工处理", map[string]interface{}{
			"record_id":      record.ID,
			"account_id":     record.AccountID,
			"user_id":        record.UserID,
			"device_id":      record.DeviceID,
			"amount":         record.Amount.StringFixed(2),
			"transaction_no": record.TransactionNo,
			"reason":         message,
		})
	})
}

// BatchSyncOfflineRecords 按消费时间顺序同步至多 limit 条离线记录。
// 单条失败不影响其他记录；ctx 取消时在记录之间停止
func (s *ConsumeService) BatchSyncOfflineRecords(ctx context.Context, limit int) (SyncSummary, error) {
	var summary SyncSummary
	records, err := s.consumeRepo.ListPendingOffline(ctx, limit)
	if err != nil {
		return summary, fmt.Errorf("查询待同步记录失败: %w", err)
	}
	summary.Total = len(records)

	for _, record := range records {
		if ctx.Err() != nil {
			log.Printf("[ConsumeService] 批量同步被取消，剩余 %d 条留待下次",
				summary.Total-summary.Success-summary.Conflict-summary.Fail-summary.Skipped)
			break
		}

		result, err := s.syncSafely(ctx, record.ID)
		if err != nil {
			summary.Fail++
			log.Printf("[ConsumeService] 同步离线记录失败: recordID=%d, err=%v", record.ID, err)
			continue
		}
		switch result {
		case SyncResultSynced:
			summary.Success++
		case SyncResultConflict:
			summary.Conflict++
		default:
			summary.Skipped++
		}
	}

	if summary.Total > 0 {
		log.Printf("[ConsumeService] 批量同步完成: total=%d, success=%d, conflict=%d, fail=%d, skipped=%d",
			summary.Total, summary.Success, summary.Conflict, summary.Fail, summary.Skipped)
	}
	return summary, nil
}

func (s *ConsumeService) syncSafely(ctx context.Context, recordID int64) (result SyncResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("同步过程发生panic: %v", r)
		}
	}()
	return s.SyncOfflineRecord(ctx, recordID)
}

// RecordTransaction 写入一条前后余额一致的流水。只在调用方已经自行完成余额变更时使用
func (s *ConsumeService) RecordTransaction(ctx context.Context, tx *gorm.DB, req *TransactionRequest) (*model.AccountTransaction, error) {
	entry := &model.AccountTransaction{
		TransactionNo: req.TransactionNo,
		AccountID:     req.AccountID,
		Type:          req.Type,
		Delta:         req.Delta,
		BeforeBalance: req.BeforeBalance,
		AfterBalance:  req.AfterBalance,
		ReferenceID:   req.ReferenceID,
		Remark:        req.Remark,
	}
	if entry.Type == "" || entry.AccountID == 0 {
		return nil, ErrValidation.WithMessage("流水缺少账户或类型")
	}
	if !entry.Consistent() {
		return nil, ErrValidation.WithMessage("流水余额不一致: %s + %s != %s",
			entry.BeforeBalance.StringFixed(2), entry.Delta.StringFixed(2), entry.AfterBalance.StringFixed(2))
	}
	if entry.TransactionNo == "" {
		entry.TransactionNo = idgen.GenerateTransactionNo()
	}
	if err := s.transactionRepo.Create(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("记录流水失败: %w", err)
	}
	return entry, nil
}

func (s *ConsumeService) CountPendingOffline(ctx context.Context) (int64, error) {
	return s.consumeRepo.CountPendingOffline(ctx)
}

func (s *ConsumeService) GetRecord(ctx context.Context, recordID int64) (*model.ConsumeRecord, error) {
	return s.getRecord(ctx, nil, recordID)
}

func (s *ConsumeService) getRecord(ctx context.Context, tx *gorm.DB, recordID int64) (*model.ConsumeRecord, error) {
	record, err := s.consumeRepo.GetByID(ctx, tx, recordID)
	if err != nil {
		if errors.Is(err, repository.ErrConsumeRecordNotFound) {
			return nil, ErrRecordNotFound.WithMessage("消费记录不存在: id=%d", recordID)
		}
		return nil, err
	}
	return record, nil
}

func (s *ConsumeService) withAccountLock(ctx context.Context, accountID int64, fn func() error) error {
	return translateLockErr(s.locker.WithAccountLock(ctx, accountID, s.lockTimeout, fn))
}

func validateConsumeRequest(req *ConsumeRequest) error {
	if req == nil {
		return ErrValidation
	}
	if req.AccountID <= 0 {
		return ErrValidation.WithMessage("账户ID不合法")
	}
	return checkAmount(req.Amount)
}

func newConsumeRecord(req *ConsumeRequest, offlineFlag int8, syncStatus string) *model.ConsumeRecord {
	consumeTime := req.ConsumeTime
	if consumeTime.IsZero() {
		consumeTime = time.Now()
	}
	return &model.ConsumeRecord{
		AccountID:     req.AccountID,
		UserID:        req.UserID,
		DeviceID:      req.DeviceID,
		Amount:        req.Amount,
		OrderNo:       req.OrderNo,
		TransactionNo: req.TransactionNo,
		OfflineFlag:   offlineFlag,
		SyncStatus:    syncStatus,
		RefundStatus:  model.RefundStatusNone,
		RefundAmount:  decimal.Zero,
		ConsumeTime:   consumeTime,
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

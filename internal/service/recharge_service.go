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

// RechargeRequest 充值请求
type RechargeRequest struct {
	UserID        int64
	AccountID     int64
	Amount        *decimal.Decimal
	RechargeWay   string
	TransactionNo string // 为空时自动生成
	ThirdPartyNo  string // 渠道单号，重复提交以此去重
	BatchNo       string
	OperatorID    int64
}

// ReversibilityResult 冲正资格检查结果，Restrictions 列出全部不满足的条件
type ReversibilityResult struct {
	RecordID     int64    `json:"record_id"`
	CanReverse   bool     `json:"can_reverse"`
	Restrictions []string `json:"restrictions"`
}

// ReversalResult 冲正结果
type ReversalResult struct {
	Success          bool                  `json:"success"`
	Message          string                `json:"message"`
	OriginalRecordID int64                 `json:"original_record_id"`
	ReversalRecord   *model.RechargeRecord `json:"reversal_record,omitempty"`
	Restrictions     []string              `json:"restrictions,omitempty"`
}

// RechargeStatistics 用户在时间段内的充值汇总
type RechargeStatistics struct {
	UserID         int64                      `json:"user_id"`
	RechargeCount  int                        `json:"recharge_count"`
	RechargeAmount decimal.Decimal            `json:"recharge_amount"`
	ReversedCount  int                        `json:"reversed_count"`
	ReversedAmount decimal.Decimal            `json:"reversed_amount"`
	NetAmount      decimal.Decimal            `json:"net_amount"`
	AmountByWay    map[string]decimal.Decimal `json:"amount_by_way"`
}

type rechargeRules struct {
	maxAmount          decimal.Decimal
	largeAmount        decimal.Decimal
	abnormalAmount     decimal.Decimal
	cashAbnormalAmount decimal.Decimal
	offHoursStart      int
	offHoursEnd        int
	reversalWindow     time.Duration
	statisticsMax      int
}

type RechargeService struct {
	db              *gorm.DB
	locker          AccountLocker
	accounts        *AccountService
	notifier        *Notifier
	rechargeRepo    *repository.RechargeRepository
	transactionRepo *repository.TransactionRepository
	rules           rechargeRules
	lockTimeout     time.Duration
	now             func() time.Time
}

func NewRechargeService(db *gorm.DB, locker AccountLocker, accounts *AccountService, notifier *Notifier, cfg *config.Config) *RechargeService {
	return &RechargeService{
		db:              db,
		locker:          locker,
		accounts:        accounts,
		notifier:        notifier,
		rechargeRepo:    repository.NewRechargeRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		rules: rechargeRules{
			maxAmount:          mustAmount(cfg.Recharge.MaxAmount, "50000"),
			largeAmount:        mustAmount(cfg.Recharge.LargeAmount, "20000"),
			abnormalAmount:     mustAmount(cfg.Recharge.AbnormalAmount, "10000"),
			cashAbnormalAmount: mustAmount(cfg.Recharge.CashAbnormalAmount, "5000"),
			offHoursStart:      cfg.Recharge.OffHoursStart,
			offHoursEnd:        cfg.Recharge.OffHoursEnd,
			reversalWindow:     time.Duration(cfg.Recharge.ReversalWindowDays) * 24 * time.Hour,
			statisticsMax:      cfg.Recharge.StatisticsMaxRecord,
		},
		lockTimeout: cfg.Lock.WaitTimeout,
		now:         time.Now,
	}
}

func mustAmount(value, fallback string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		log.Printf("[RechargeService] 金额配置 %q 无效，使用默认值 %s", value, fallback)
		return decimal.RequireFromString(fallback)
	}
	return d
}

func (s *RechargeService) GenerateTransactionNo(userID int64, rechargeWay string) string {
	return idgen.GenerateRechargeNo(userID, rechargeWay)
}

func (s *RechargeService) GenerateBatchNo() string {
	return idgen.GenerateBatchNo()
}

// IsTransactionUnique 交易号与第三方单号都未被其他记录占用时返回 true。
// 交易号已存在时不再查询第三方单号
func (s *RechargeService) IsTransactionUnique(ctx context.Context, transactionNo, thirdPartyNo string, excludeID int64) (bool, error) {
	return s.isTransactionUnique(ctx, nil, transactionNo, thirdPartyNo, excludeID)
}

func (s *RechargeService) isTransactionUnique(ctx context.Context, tx *gorm.DB, transactionNo, thirdPartyNo string, excludeID int64) (bool, error) {
	if transactionNo != "" {
		exists, err := s.rechargeRepo.ExistsTransactionNo(ctx, tx, transactionNo, excludeID)
		if err != nil {
			return false, err
		}
		if exists {
			return false, nil
		}
	}
	if thirdPartyNo != "" {
		exists, err := s.rechargeRepo.ExistsThirdPartyNo(ctx, tx, thirdPartyNo, excludeID)
		if err != nil {
			return false, err
		}
		if exists {
			return false, nil
		}
	}
	return true, nil
}

// ValidateRechargeAmount 校验并规整充值金额
func (s *RechargeService) ValidateRechargeAmount(amount *decimal.Decimal) (decimal.Decimal, error) {
	if amount == nil {
		return decimal.Zero, ErrInvalidAmount.WithMessage("充值金额不能为空")
	}
	if amount.Sign() <= 0 {
		return decimal.Zero, ErrInvalidAmount.WithMessage("充值金额必须大于0")
	}
	if amount.GreaterThan(s.rules.maxAmount) {
		return decimal.Zero, ErrAmountExceedsLimit.WithMessage("充值金额超过单笔上限 %s", s.rules.maxAmount.StringFixed(2))
	}

	rounded := amount.Round(2)
	if !rounded.Equal(*amount) {
		log.Printf("[RechargeService] 充值金额精度超过两位小数，已四舍五入: %s -> %s", amount.String(), rounded.StringFixed(2))
	}
	if rounded.Sign() <= 0 {
		return decimal.Zero, ErrInvalidAmount.WithMessage("充值金额必须大于0")
	}
	if rounded.GreaterThanOrEqual(s.rules.largeAmount) {
		log.Printf("[RechargeService] 大额充值: amount=%s", rounded.StringFixed(2))
	}
	return rounded, nil
}

// ValidateRechargeRules 校验前后余额一致以及单号唯一
func (s *RechargeService) ValidateRechargeRules(ctx context.Context, record *model.RechargeRecord) error {
	return s.validateRechargeRules(ctx, nil, record)
}

func (s *RechargeService) validateRechargeRules(ctx context.Context, tx *gorm.DB, record *model.RechargeRecord) error {
	if record == nil {
		return ErrValidation.WithMessage("充值记录不能为空")
	}
	if !record.BeforeBalance.Add(record.RechargeAmount).Equal(record.AfterBalance) {
		return ErrValidationFailed.WithMessage("充值前后余额不一致: %s + %s != %s",
			record.BeforeBalance.StringFixed(2), record.RechargeAmount.StringFixed(2), record.AfterBalance.StringFixed(2))
	}
	unique, err := s.isTransactionUnique(ctx, tx, record.TransactionNo, record.ThirdParty(), record.ID)
	if err != nil {
		return err
	}
	if !unique {
		return ErrTransactionDup
	}
	return nil
}

// IsAbnormalRecharge 标记需要人工复核的充值，仅提示不拦截
func (s *RechargeService) IsAbnormalRecharge(record *model.RechargeRecord) (bool, []string) {
	if record == nil {
		return false, nil
	}
	var reasons []string
	if record.RechargeAmount.GreaterThan(s.rules.abnormalAmount) {
		reasons = append(reasons, fmt.Sprintf("单笔金额超过%s", s.rules.abnormalAmount.StringFixed(2)))
	}
	if !record.RechargeTime.IsZero() {
		hour := record.RechargeTime.Local().Hour()
		if hour >= s.rules.offHoursStart && hour < s.rules.offHoursEnd {
			reasons = append(reasons, fmt.Sprintf("非营业时段充值(%02d:00-%02d:00)", s.rules.offHoursStart, s.rules.offHoursEnd))
		}
	}
	if record.RechargeWay == model.RechargeWayCash && record.RechargeAmount.GreaterThan(s.rules.cashAbnormalAmount) {
		reasons = append(reasons, fmt.Sprintf("现金充值超过%s", s.rules.cashAbnormalAmount.StringFixed(2)))
	}
	return len(reasons) > 0, reasons
}

// CreateRecharge 充值：记录、入账流水、账务事件同一事务提交。
// 第三方单号已存在且金额一致时按重复提交处理，返回原记录
func (s *RechargeService) CreateRecharge(ctx context.Context, req *RechargeRequest) (*model.RechargeRecord, error) {
	if req == nil || req.AccountID <= 0 {
		return nil, ErrValidation
	}
	amount, err := s.ValidateRechargeAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	if req.RechargeWay == "" {
		return nil, ErrValidation.WithMessage("充值方式不能为空")
	}

	if req.ThirdPartyNo != "" {
		existing, err := s.rechargeRepo.GetByThirdPartyNo(ctx, nil, req.ThirdPartyNo)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.AccountID == req.AccountID && existing.RechargeAmount.Equal(amount) {
				log.Printf("[RechargeService] 重复充值请求，返回已有记录: thirdPartyNo=%s", req.ThirdPartyNo)
				return existing, nil
			}
			return nil, ErrTransactionDup.WithMessage("第三方单号已被使用: %s", req.ThirdPartyNo)
		}
	}

	transactionNo := req.TransactionNo
	if transactionNo == "" {
		transactionNo = s.GenerateTransactionNo(req.UserID, req.RechargeWay)
	}

	var record *model.RechargeRecord
	err = s.withAccountLock(ctx, req.AccountID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			account, err := s.accounts.GetAccountTx(ctx, tx, req.AccountID)
			if err != nil {
				return err
			}
			if req.UserID != 0 && account.UserID != req.UserID {
				return ErrValidation.WithMessage("账户不属于该用户")
			}

			before := account.CurrentBalance()
			record = &model.RechargeRecord{
				UserID:         account.UserID,
				AccountID:      account.ID,
				RecordType:     model.RechargeTypeRecharge,
				RechargeAmount: amount,
				BeforeBalance:  before,
				AfterBalance:   before.Add(amount),
				RechargeWay:    req.RechargeWay,
				RechargeStatus: model.RechargeStatusSuccess,
				TransactionNo:  transactionNo,
				BatchNo:        req.BatchNo,
				OperatorID:     req.OperatorID,
				RechargeTime:   s.now(),
			}
			if req.ThirdPartyNo != "" {
				thirdPartyNo := req.ThirdPartyNo
				record.ThirdPartyNo = &thirdPartyNo
			}
			if err := s.validateRechargeRules(ctx, tx, record); err != nil {
				return err
			}
			if err := s.rechargeRepo.Create(ctx, tx, record); err != nil {
				return fmt.Errorf("插入充值记录失败: %w", err)
			}

			entry, err := s.accounts.CreditTx(ctx, tx, Mutation{
				AccountID:   account.ID,
				Amount:      amount,
				Type:        model.TransactionTypeRecharge,
				ReferenceID: record.ID,
				Remark:      "充值 " + req.RechargeWay,
			})
			if err != nil {
				return err
			}
			if !entry.AfterBalance.Equal(record.AfterBalance) {
				return ErrValidationFailed.WithMessage("入账后余额与充值记录不一致")
			}

			return s.notifier.LedgerEvent(ctx, tx, EventRechargeSucceeded, record.TransactionNo, map[string]interface{}{
				"record_id":      record.ID,
				"account_id":     record.AccountID,
				"user_id":        record.UserID,
				"amount":         record.RechargeAmount.StringFixed(2),
				"after_balance":  record.AfterBalance.StringFixed(2),
				"recharge_way":   record.RechargeWay,
				"transaction_no": record.TransactionNo,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	if abnormal, reasons := s.IsAbnormalRecharge(record); abnormal {
		log.Printf("[RechargeService] 异常充值待复核: recordID=%d, reasons=%v", record.ID, reasons)
		if err := s.notifier.Alert(ctx, nil, AlertAbnormalRecharge, record.TransactionNo, "充值需人工复核", map[string]interface{}{
			"record_id": record.ID,
			"user_id":   record.UserID,
			"amount":    record.RechargeAmount.StringFixed(2),
			"reasons":   reasons,
		}); err != nil {
			log.Printf("[RechargeService] 写入异常充值告警失败: recordID=%d, err=%v", record.ID, err)
		}
	}

	log.Printf("[RechargeService] 充值成功: recordID=%d, accountID=%d, amount=%s",
		record.ID, record.AccountID, record.RechargeAmount.StringFixed(2))
	return record, nil
}

// CheckRechargeReversibility 只读检查，不加锁
func (s *RechargeService) CheckRechargeReversibility(ctx context.Context, recordID int64) (*ReversibilityResult, error) {
	record, err := s.getRecord(ctx, nil, recordID)
	if err != nil {
		return nil, err
	}
	return s.checkReversibility(ctx, nil, record)
}

func (s *RechargeService) checkReversibility(ctx context.Context, tx *gorm.DB, record *model.RechargeRecord) (*ReversibilityResult, error) {
	result := &ReversibilityResult{RecordID: record.ID, Restrictions: []string{}}

	if record.RecordType != model.RechargeTypeRecharge {
		result.Restrictions = append(result.Restrictions, "冲正记录不能再次冲正")
	}
	if record.RechargeStatus != model.RechargeStatusSuccess {
		result.Restrictions = append(result.Restrictions,
			fmt.Sprintf("充值状态为%s，仅成功的充值可以冲正", record.RechargeStatus))
	}
	if s.now().Sub(record.RechargeTime) > s.rules.reversalWindow {
		result.Restrictions = append(result.Restrictions,
			fmt.Sprintf("充值时间超过%d天冲正期限", int(s.rules.reversalWindow.Hours()/24)))
	}

	count, err := s.transactionRepo.CountAfter(ctx, tx, record.AccountID, record.RechargeTime,
		model.TransactionTypeRecharge, record.ID)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		result.Restrictions = append(result.Restrictions, fmt.Sprintf("充值后账户已产生%d笔交易", count))
	}

	account, err := s.accounts.GetAccountTx(ctx, tx, record.AccountID)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		result.Restrictions = append(result.Restrictions, "账户不存在")
	case err != nil:
		return nil, err
	case !account.Balance.Valid || account.Available().LessThan(record.RechargeAmount):
		// 与冲正扣款使用同一口径：余额扣除冻结金额
		result.Restrictions = append(result.Restrictions, fmt.Sprintf("可用余额%s(冻结%s)不足以扣回充值金额%s",
			account.Available().StringFixed(2), account.FrozenAmount.StringFixed(2), record.RechargeAmount.StringFixed(2)))
	}

	result.CanReverse = len(result.Restrictions) == 0
	return result, nil
}

// ExecuteRechargeReversal 冲正：原记录置为 REVERSED、插入补偿记录、扣回余额，三步同一事务。
// 已冲正过的记录再次调用时直接返回已有补偿记录，不会重复扣款
func (s *RechargeService) ExecuteRechargeReversal(ctx context.Context, recordID int64, reason string, operatorID int64) (*ReversalResult, error) {
	record, err := s.getRecord(ctx, nil, recordID)
	if err != nil {
		return nil, err
	}

	result := &ReversalResult{OriginalRecordID: recordID}
	err = s.withAccountLock(ctx, record.AccountID, func() error {
		existing, err := s.rechargeRepo.GetReversalOf(ctx, nil, recordID)
		if err != nil {
			return err
		}
		if existing != nil {
			result.Success = true
			result.Message = "该充值已冲正"
			result.ReversalRecord = existing
			return nil
		}

		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			current, err := s.getRecord(ctx, tx, recordID)
			if err != nil {
				return err
			}
			check, err := s.checkReversibility(ctx, tx, current)
			if err != nil {
				return err
			}
			if !check.CanReverse {
				result.Restrictions = check.Restrictions
				return ErrReversalBlocked
			}

			account, err := s.accounts.GetAccountTx(ctx, tx, current.AccountID)
			if err != nil {
				return err
			}

			if err := s.rechargeRepo.UpdateStatus(ctx, tx, current.ID,
				model.RechargeStatusSuccess, model.RechargeStatusReversed); err != nil {
				return fmt.Errorf("更新原充值记录失败: %w", err)
			}

			before := account.CurrentBalance()
			originalID := current.ID
			reversal := &model.RechargeRecord{
				UserID:           current.UserID,
				AccountID:        current.AccountID,
				RecordType:       model.RechargeTypeReversal,
				RechargeAmount:   current.RechargeAmount.Neg(),
				BeforeBalance:    before,
				AfterBalance:     before.Sub(current.RechargeAmount),
				RechargeWay:      current.RechargeWay,
				RechargeStatus:   model.RechargeStatusSuccess,
				TransactionNo:    idgen.GenerateReversalNo(),
				BatchNo:          current.BatchNo,
				OriginalRecordID: &originalID,
				OperatorID:       operatorID,
				Reason:           reason,
				RechargeTime:     s.now(),
			}
			if err := s.rechargeRepo.Create(ctx, tx, reversal); err != nil {
				return fmt.Errorf("插入冲正记录失败: %w", err)
			}

			if _, err := s.accounts.DebitTx(ctx, tx, Mutation{
				AccountID:   current.AccountID,
				Amount:      current.RechargeAmount,
				Type:        model.TransactionTypeReversal,
				ReferenceID: reversal.ID,
				Remark:      reason,
			}); err != nil {
				return fmt.Errorf("冲正扣款失败: %w", err)
			}

			if err := s.notifier.LedgerEvent(ctx, tx, EventRechargeReversed, reversal.TransactionNo, map[string]interface{}{
				"original_record_id": current.ID,
				"reversal_record_id": reversal.ID,
				"account_id":         current.AccountID,
				"amount":             current.RechargeAmount.StringFixed(2),
				"operator_id":        operatorID,
				"reason":             reason,
			}); err != nil {
				return err
			}

			result.ReversalRecord = reversal
			return nil
		})
	})

	if err != nil {
		result.Success = false
		result.Message = err.Error()
		if errors.Is(err, ErrReversalBlocked) {
			log.Printf("[RechargeService] 冲正被拒绝: recordID=%d, restrictions=%v", recordID, result.Restrictions)
		} else {
			log.Printf("[RechargeService] 冲正失败: recordID=%d, err=%v", recordID, err)
		}
		return result, err
	}

	if result.Message == "" {
		result.Success = true
		result.Message = "冲正成功"
		log.Printf("[RechargeService] 冲正成功: recordID=%d, reversalID=%d, operator=%d",
			recordID, result.ReversalRecord.ID, operatorID)
	}
	return result, nil
}

// GetRechargeStatistics 区间为 [from, to)
func (s *RechargeService) GetRechargeStatistics(ctx context.Context, userID int64, from, to time.Time) (*RechargeStatistics, error) {
	if !from.Before(to) {
		return nil, ErrValidation.WithMessage("统计区间不合法")
	}
	records, err := s.rechargeRepo.ListByUserIDBetween(ctx, userID, from, to, s.rules.statisticsMax)
	if err != nil {
		return nil, err
	}

	stats := &RechargeStatistics{
		UserID:         userID,
		RechargeAmount: decimal.Zero,
		ReversedAmount: decimal.Zero,
		NetAmount:      decimal.Zero,
		AmountByWay:    make(map[string]decimal.Decimal),
	}
	for _, r := range records {
		if r.RecordType == model.RechargeTypeReversal {
			stats.ReversedCount++
			stats.ReversedAmount = stats.ReversedAmount.Add(r.RechargeAmount.Abs())
			stats.NetAmount = stats.NetAmount.Add(r.RechargeAmount)
			continue
		}
		if r.RechargeStatus == model.RechargeStatusPending {
			continue
		}
		stats.RechargeCount++
		stats.RechargeAmount = stats.RechargeAmount.Add(r.RechargeAmount)
		stats.NetAmount = stats.NetAmount.Add(r.RechargeAmount)
		stats.AmountByWay[r.RechargeWay] = stats.AmountByWay[r.RechargeWay].Add(r.RechargeAmount)
	}
	return stats, nil
}

func (s *RechargeService) GetRecord(ctx context.Context, recordID int64) (*model.RechargeRecord, error) {
	return s.getRecord(ctx, nil, recordID)
}

func (s *RechargeService) getRecord(ctx context.Context, tx *gorm.DB, recordID int64) (*model.RechargeRecord, error) {
	record, err := s.rechargeRepo.GetByID(ctx, tx, recordID)
	if err != nil {
		if errors.Is(err, repository.ErrRechargeNotFound) {
			return nil, ErrRecordNotFound.WithMessage("充值记录不存在: id=%d", recordID)
		}
		return nil, err
	}
	return record, nil
}

func (s *RechargeService) withAccountLock(ctx context.Context, accountID int64, fn func() error) error {
	return translateLockErr(s.locker.WithAccountLock(ctx, accountID, s.lockTimeout, fn))
}

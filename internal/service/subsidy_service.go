package service

import (
	"context"
	"errors"
	"log"
	"time"

	"consumeledger/internal/config"
	"consumeledger/internal/model"
	"consumeledger/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SubsidyRequest 新建补贴额度
type SubsidyRequest struct {
	UserID        int64
	Amount        decimal.Decimal
	DailyLimit    *decimal.Decimal // 为空表示不限日额
	EffectiveDate time.Time
	ExpiryDate    time.Time
}

// SubsidyService 补贴额度使用与维护，计数字段使用版本号乐观并发，不走账户锁
type SubsidyService struct {
	subsidyRepo *repository.SubsidyRepository
	batchSize   int
	now         func() time.Time
}

func NewSubsidyService(db *gorm.DB, cfg *config.Config) *SubsidyService {
	batchSize := cfg.Subsidy.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	return &SubsidyService{
		subsidyRepo: repository.NewSubsidyRepository(db),
		batchSize:   batchSize,
		now:         time.Now,
	}
}

// IsSubsidyUsable 已发放、在有效期内（含首尾）、剩余额度为正且当日额度未用完
func (s *SubsidyService) IsSubsidyUsable(subsidy *model.Subsidy, now time.Time) bool {
	if subsidy == nil || now.IsZero() {
		return false
	}
	if subsidy.Status != model.SubsidyStatusIssued {
		return false
	}
	if now.Before(subsidy.EffectiveDate) || now.After(subsidy.ExpiryDate) {
		return false
	}
	if subsidy.Remaining().Sign() <= 0 {
		return false
	}
	if subsidy.DailyLimit.Valid && subsidy.DailyUsedOn(now).GreaterThanOrEqual(subsidy.DailyLimit.Decimal) {
		return false
	}
	return true
}

// CalculateAvailableAmount min(申请金额, 剩余总额度, 当日剩余额度)，不可用时为 0
func (s *SubsidyService) CalculateAvailableAmount(subsidy *model.Subsidy, requested decimal.Decimal) decimal.Decimal {
	now := s.now()
	if requested.Sign() <= 0 || !s.IsSubsidyUsable(subsidy, now) {
		return decimal.Zero
	}

	available := decimal.Min(requested, subsidy.Remaining())
	if subsidy.DailyLimit.Valid {
		dailyLeft := subsidy.DailyLimit.Decimal.Sub(subsidy.DailyUsedOn(now))
		available = decimal.Min(available, dailyLeft)
	}
	if available.Sign() < 0 {
		return decimal.Zero
	}
	return available
}

// UseSubsidy 使用补贴额度，版本号冲突返回 ErrConcurrentUpdate，由调用方重新读取后重试
func (s *SubsidyService) UseSubsidy(ctx context.Context, subsidyID int64, amount decimal.Decimal) (*model.Subsidy, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}

	subsidy, err := s.GetSubsidy(ctx, subsidyID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !s.IsSubsidyUsable(subsidy, now) {
		return nil, ErrSubsidyUnusable
	}
	available := s.CalculateAvailableAmount(subsidy, amount)
	if available.LessThan(amount) {
		return nil, ErrSubsidyInsufficient.WithMessage("补贴可用额度不足: 可用=%s, 申请=%s",
			available.StringFixed(2), amount.StringFixed(2))
	}

	used := subsidy.UsedAmount.Add(amount)
	dailyUsed := subsidy.DailyUsedOn(now).Add(amount)
	usageDate := model.StartOfDay(now)
	err = s.subsidyRepo.CompareAndUpdateUsage(ctx, subsidy.ID, subsidy.Version, used, dailyUsed, usageDate)
	if err != nil {
		if errors.Is(err, repository.ErrOptimisticLock) {
			return nil, ErrConcurrentUpdate
		}
		return nil, err
	}

	subsidy.UsedAmount = used
	subsidy.DailyUsedAmount = dailyUsed
	subsidy.DailyUsageDate = &usageDate
	subsidy.Version++
	return subsidy, nil
}

func (s *SubsidyService) CreateSubsidy(ctx context.Context, req *SubsidyRequest) (*model.Subsidy, error) {
	if req == nil || req.UserID <= 0 {
		return nil, ErrValidation
	}
	if err := checkAmount(req.Amount); err != nil {
		return nil, err
	}
	if !req.ExpiryDate.After(req.EffectiveDate) {
		return nil, ErrValidation.WithMessage("失效时间必须晚于生效时间")
	}

	subsidy := &model.Subsidy{
		UserID:          req.UserID,
		SubsidyAmount:   req.Amount,
		UsedAmount:      decimal.Zero,
		DailyUsedAmount: decimal.Zero,
		Status:          model.SubsidyStatusPending,
		EffectiveDate:   req.EffectiveDate,
		ExpiryDate:      req.ExpiryDate,
	}
	if req.DailyLimit != nil {
		if err := checkAmount(*req.DailyLimit); err != nil {
			return nil, ErrValidation.WithMessage("日限额必须大于0且最多两位小数")
		}
		subsidy.DailyLimit = decimal.NewNullDecimal(*req.DailyLimit)
	}

	if err := s.subsidyRepo.Create(ctx, subsidy); err != nil {
		return nil, err
	}
	return subsidy, nil
}

// IssueSubsidy PENDING -> ISSUED
func (s *SubsidyService) IssueSubsidy(ctx context.Context, subsidyID int64) error {
	err := s.subsidyRepo.UpdateStatus(ctx, subsidyID, model.SubsidyStatusPending, model.SubsidyStatusIssued)
	if errors.Is(err, repository.ErrSubsidyStatusInvalid) {
		if _, getErr := s.GetSubsidy(ctx, subsidyID); getErr != nil {
			return getErr
		}
		return ErrSubsidyUnusable.WithMessage("补贴不是待发放状态")
	}
	return err
}

func (s *SubsidyService) GetSubsidy(ctx context.Context, subsidyID int64) (*model.Subsidy, error) {
	subsidy, err := s.subsidyRepo.GetByID(ctx, subsidyID)
	if err != nil {
		if errors.Is(err, repository.ErrSubsidyNotFound) {
			return nil, ErrRecordNotFound.WithMessage("补贴不存在: id=%d", subsidyID)
		}
		return nil, err
	}
	return subsidy, nil
}

// ResetDailyUsage 将当日已用记录早于今天的补贴清零，按页处理，单页失败记录日志后继续
func (s *SubsidyService) ResetDailyUsage(ctx context.Context) (int64, error) {
	today := model.StartOfDay(s.now())
	return s.sweep(ctx, "重置日额度",
		func(afterID int64) ([]int64, error) {
			return s.subsidyRepo.ListStaleDailyIDs(ctx, today, afterID, s.batchSize)
		},
		func(ids []int64) (int64, error) {
			return s.subsidyRepo.ResetDailyUsage(ctx, ids, today)
		})
}

// AutoExpireSubsidies 将已过失效时间的补贴置为 EXPIRED
func (s *SubsidyService) AutoExpireSubsidies(ctx context.Context) (int64, error) {
	now := s.now()
	return s.sweep(ctx, "补贴过期",
		func(afterID int64) ([]int64, error) {
			return s.subsidyRepo.ListExpirableIDs(ctx, now, afterID, s.batchSize)
		},
		func(ids []int64) (int64, error) {
			return s.subsidyRepo.ExpireByIDs(ctx, ids, now)
		})
}

func (s *SubsidyService) sweep(ctx context.Context, name string, list func(afterID int64) ([]int64, error), apply func(ids []int64) (int64, error)) (int64, error) {
	var total int64
	var afterID int64
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		ids, err := list(afterID)
		if err != nil {
			log.Printf("[SubsidyService] %s: 查询失败, 已处理=%d, err=%v", name, total, err)
			return total, err
		}
		if len(ids) == 0 {
			break
		}

		affected, err := apply(ids)
		if err != nil {
			log.Printf("[SubsidyService] %s: 批次更新失败, ids=%d..%d, err=%v", name, ids[0], ids[len(ids)-1], err)
		} else {
			total += affected
		}

		afterID = ids[len(ids)-1]
		if len(ids) < s.batchSize {
			break
		}
	}

	if total > 0 {
		log.Printf("[SubsidyService] %s完成: 处理 %d 条", name, total)
	}
	return total, nil
}

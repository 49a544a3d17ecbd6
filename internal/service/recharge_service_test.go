package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"consumeledger/internal/model"

	"github.com/shopspring/decimal"
)

func amountPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// seedRecharge 直接落库一条成功的充值记录，用于构造历史充值
func (e *testEnv) seedRecharge(t *testing.T, account *model.Account, amount string, at time.Time) *model.RechargeRecord {
	t.Helper()

	record := &model.RechargeRecord{
		UserID:         account.UserID,
		AccountID:      account.ID,
		RecordType:     model.RechargeTypeRecharge,
		RechargeAmount: dec(amount),
		BeforeBalance:  account.CurrentBalance().Sub(dec(amount)),
		AfterBalance:   account.CurrentBalance(),
		RechargeWay:    model.RechargeWayWechat,
		RechargeStatus: model.RechargeStatusSuccess,
		TransactionNo:  e.recharge.GenerateTransactionNo(account.UserID, model.RechargeWayWechat),
		RechargeTime:   at,
	}
	if err := e.db.Create(record).Error; err != nil {
		t.Fatalf("创建充值记录失败: %v", err)
	}
	return record
}

func TestValidateRechargeAmount(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		amount  *decimal.Decimal
		want    string
		wantErr error
	}{
		{"为空", nil, "", ErrInvalidAmount},
		{"为零", amountPtr("0"), "", ErrInvalidAmount},
		{"为负", amountPtr("-5"), "", ErrInvalidAmount},
		{"超过上限", amountPtr("50000.01"), "", ErrAmountExceedsLimit},
		{"等于上限", amountPtr("50000"), "50000", nil},
		{"大额仅提示", amountPtr("20000"), "20000", nil},
		{"精度超两位四舍五入", amountPtr("10.005"), "10.01", nil},
		{"舍入后为零", amountPtr("0.001"), "", ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.recharge.ValidateRechargeAmount(tt.amount)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("意外错误: %v", err)
			}
			if !got.Equal(dec(tt.want)) {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValidateRechargeRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, 1, "150.00", "")
	existing := env.seedRecharge(t, account, "10", time.Now())

	tests := []struct {
		name    string
		record  *model.RechargeRecord
		wantErr error
	}{
		{"记录为空", nil, ErrValidation},
		{"前后余额一致", &model.RechargeRecord{TransactionNo: "RC-NEW", BeforeBalance: dec("50"), RechargeAmount: dec("100"), AfterBalance: dec("150")}, nil},
		{"前后余额不一致", &model.RechargeRecord{TransactionNo: "RC-NEW", BeforeBalance: dec("100"), RechargeAmount: dec("30"), AfterBalance: dec("150")}, ErrValidationFailed},
		{"交易号重复", &model.RechargeRecord{TransactionNo: existing.TransactionNo, BeforeBalance: dec("0"), RechargeAmount: dec("1"), AfterBalance: dec("1")}, ErrTransactionDup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.recharge.ValidateRechargeRules(ctx, tt.record)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("意外错误: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	// 排除自身ID时视为唯一
	if err := env.recharge.ValidateRechargeRules(ctx, existing); err != nil {
		t.Errorf("校验已存在记录自身: %v", err)
	}
}

func TestIsTransactionUnique(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, 1, "100.00", "")

	record, err := env.recharge.CreateRecharge(ctx, &RechargeRequest{
		AccountID:    account.ID,
		Amount:       amountPtr("100"),
		RechargeWay:  model.RechargeWayAlipay,
		ThirdPartyNo: "ALI-001",
	})
	if err != nil {
		t.Fatalf("CreateRecharge: %v", err)
	}

	tests := []struct {
		name          string
		transactionNo string
		thirdPartyNo  string
		want          bool
	}{
		{"都未使用", "RC-X", "ALI-X", true},
		{"交易号已用", record.TransactionNo, "ALI-X", false},
		{"第三方单号已用", "RC-X", "ALI-001", false},
		{"无第三方单号", "RC-X", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.recharge.IsTransactionUnique(ctx, tt.transactionNo, tt.thirdPartyNo, 0)
			if err != nil {
				t.Fatalf("IsTransactionUnique: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCreateRecharge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, 1, "", "")

	req := &RechargeRequest{
		UserID:       1,
		AccountID:    account.ID,
		Amount:       amountPtr("100.00"),
		RechargeWay:  model.RechargeWayWechat,
		ThirdPartyNo: "WX-001",
	}
	record, err := env.recharge.CreateRecharge(ctx, req)
	if err != nil {
		t.Fatalf("CreateRecharge: %v", err)
	}
	if !record.BeforeBalance.IsZero() || !record.AfterBalance.Equal(dec("100")) {
		t.Errorf("充值记录 before=%s after=%s", record.BeforeBalance, record.AfterBalance)
	}
	if !strings.HasPrefix(record.TransactionNo, "RCWE") {
		t.Errorf("交易号 = %s", record.TransactionNo)
	}
	if got := env.balanceOf(t, account.ID); !got.Equal(dec("100")) {
		t.Errorf("余额 = %s, want 100", got)
	}

	entries := env.ledgerOf(t, account.ID)
	if len(entries) != 1 || entries[0].ReferenceID != record.ID || entries[0].Type != model.TransactionTypeRecharge {
		t.Fatalf("充值流水不正确: %+v", entries)
	}
	if events := env.outboxOf(t, model.EventTypeLedger); len(events) != 1 {
		t.Errorf("账务事件条数 = %d, want 1", len(events))
	}

	// 同一第三方单号重复提交返回原记录
	again, err := env.recharge.CreateRecharge(ctx, req)
	if err != nil || again.ID != record.ID {
		t.Errorf("重复提交 = %v, %v", again, err)
	}
	if got := env.balanceOf(t, account.ID); !got.Equal(dec("100")) {
		t.Errorf("重复提交后余额 = %s", got)
	}

	// 同一单号不同金额视为冲突
	other := *req
	other.Amount = amountPtr("200")
	if _, err := env.recharge.CreateRecharge(ctx, &other); !errors.Is(err, ErrTransactionDup) {
		t.Errorf("单号复用 err = %v", err)
	}
}

func TestIsAbnormalRecharge(t *testing.T) {
	env := newTestEnv(t)
	noon := time.Date(2024, 5, 10, 12, 0, 0, 0, time.Local)
	night := time.Date(2024, 5, 10, 3, 0, 0, 0, time.Local)

	tests := []struct {
		name   string
		record *model.RechargeRecord
		want   bool
	}{
		{"空记录", nil, false},
		{"正常", &model.RechargeRecord{RechargeAmount: dec("100"), RechargeWay: model.RechargeWayWechat, RechargeTime: noon}, false},
		{"金额过大", &model.RechargeRecord{RechargeAmount: dec("10000.01"), RechargeWay: model.RechargeWayWechat, RechargeTime: noon}, true},
		{"凌晨充值", &model.RechargeRecord{RechargeAmount: dec("10"), RechargeWay: model.RechargeWayWechat, RechargeTime: night}, true},
		{"大额现金", &model.RechargeRecord{RechargeAmount: dec("6000"), RechargeWay: model.RechargeWayCash, RechargeTime: noon}, true},
		{"现金小额", &model.RechargeRecord{RechargeAmount: dec("5000"), RechargeWay: model.RechargeWayCash, RechargeTime: noon}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reasons := env.recharge.IsAbnormalRecharge(tt.record)
			if got != tt.want {
				t.Errorf("got %v (%v), want %v", got, reasons, tt.want)
			}
		})
	}
}

func TestReversalBlockedOutsideWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, 1, "500.00", "")
	old := env.seedRecharge(t, account, "100", time.Now().AddDate(0, 0, -40))

	check, err := env.recharge.CheckRechargeReversibility(ctx, old.ID)
	if err != nil {
		t.Fatalf("CheckRechargeReversibility: %v", err)
	}
	if check.CanReverse || len(check.Restrictions) != 1 || !strings.Contains(check.Restrictions[0], "30天") {
		t.Errorf("检查结果 = %+v", check)
	}

	result, err := env.recharge.ExecuteRechargeReversal(ctx, old.ID, "用户申请", 9)
	if !errors.Is(err, ErrReversalBlocked) {
		t.Fatalf("err = %v, want %v", err, ErrReversalBlocked)
	}
	if result.Success || len(result.Restrictions) == 0 {
		t.Errorf("冲正结果 = %+v", result)
	}
	if got := env.balanceOf(t, account.ID); !got.Equal(dec("500")) {
		t.Errorf("被拒绝后余额 = %s", got)
	}
	current, _ := env.recharge.GetRecord(ctx, old.ID)
	if current.RechargeStatus != model.RechargeStatusSuccess {
		t.Errorf("被拒绝后原记录状态 = %s", current.RechargeStatus)
	}
}

func TestReversalRestrictionsAccumulate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, 1, "150.00", "")
	record := env.seedRecharge(t, account, "100", time.Now().AddDate(0, 0, -40))

	if _, err := env.accounts.Debit(ctx, Mutation{AccountID: account.ID, Amount: dec("100")}); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	check, err := env.recharge.CheckRechargeReversibility(ctx, record.ID)
	if err != nil {
		t.Fatalf("CheckRechargeReversibility: %v", err)
	}
	// 超期、后续交易、余额不足三项同时列出
	if check.CanReverse || len(check.Restrictions) != 3 {
		t.Errorf("restrictions = %v", check.Restrictions)
	}
}

func TestReversalBlockedByFrozenAmount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, 1, "150.00", "100.00")
	record := env.seedRecharge(t, account, "100", time.Now().AddDate(0, 0, -1))

	check, err := env.recharge.CheckRechargeReversibility(ctx, record.ID)
	if err != nil {
		t.Fatalf("CheckRechargeReversibility: %v", err)
	}
	if check.CanReverse || len(check.Restrictions) != 1 || !strings.Contains(check.Restrictions[0], "可用余额50.00") {
		t.Errorf("restrictions = %v", check.Restrictions)
	}

	result, err := env.recharge.ExecuteRechargeReversal(ctx, record.ID, "重复充值", 9)
	if !errors.Is(err, ErrReversalBlocked) || len(result.Restrictions) != 1 {
		t.Errorf("ExecuteRechargeReversal = %+v, %v", result, err)
	}
	if got := env.balanceOf(t, account.ID); !got.Equal(dec("150")) {
		t.Errorf("余额 = %s, want 150", got)
	}
	original, _ := env.recharge.GetRecord(ctx, record.ID)
	if original.RechargeStatus != model.RechargeStatusSuccess {
		t.Errorf("原记录状态 = %s", original.RechargeStatus)
	}
}

func TestExecuteRechargeReversal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, 1, "300.00", "")
	record := env.seedRecharge(t, account, "100", time.Now().AddDate(0, 0, -1))

	check, err := env.recharge.CheckRechargeReversibility(ctx, record.ID)
	if err != nil || !check.CanReverse {
		t.Fatalf("CheckRechargeReversibility = %+v, %v", check, err)
	}

	result, err := env.recharge.ExecuteRechargeReversal(ctx, record.ID, "重复充值", 9)
	if err != nil || !result.Success {
		t.Fatalf("ExecuteRechargeReversal = %+v, %v", result, err)
	}

	original, _ := env.recharge.GetRecord(ctx, record.ID)
	if original.RechargeStatus != model.RechargeStatusReversed {
		t.Errorf("原记录状态 = %s", original.RechargeStatus)
	}
	if got := env.balanceOf(t, account.ID); !got.Equal(dec("200")) {
		t.Errorf("冲正后余额 = %s, want 200", got)
	}

	var reversals []*model.RechargeRecord
	env.db.Where("record_type = ?", model.RechargeTypeReversal).Find(&reversals)
	if len(reversals) != 1 {
		t.Fatalf("补偿记录条数 = %d, want 1", len(reversals))
	}
	rev := reversals[0]
	if !rev.RechargeAmount.Equal(dec("-100")) || rev.RechargeStatus != model.RechargeStatusSuccess ||
		rev.OriginalRecordID == nil || *rev.OriginalRecordID != record.ID || rev.OperatorID != 9 {
		t.Errorf("补偿记录 = %+v", rev)
	}

	// 重复执行不再扣款
	again, err := env.recharge.ExecuteRechargeReversal(ctx, record.ID, "重复充值", 9)
	if err != nil || !again.Success || again.ReversalRecord.ID != rev.ID {
		t.Errorf("重复冲正 = %+v, %v", again, err)
	}
	if got := env.balanceOf(t, account.ID); !got.Equal(dec("200")) {
		t.Errorf("重复冲正后余额 = %s", got)
	}
	var count int64
	env.db.Model(&model.RechargeRecord{}).Where("record_type = ?", model.RechargeTypeReversal).Count(&count)
	if count != 1 {
		t.Errorf("重复冲正后补偿记录条数 = %d", count)
	}

	// 补偿记录本身不能冲正
	check, _ = env.recharge.CheckRechargeReversibility(ctx, rev.ID)
	if check.CanReverse {
		t.Error("补偿记录被判定为可冲正")
	}
}

func TestReverseFreshRecharge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, 1, "0", "")

	record, err := env.recharge.CreateRecharge(ctx, &RechargeRequest{
		AccountID:   account.ID,
		Amount:      amountPtr("80"),
		RechargeWay: model.RechargeWayCash,
	})
	if err != nil {
		t.Fatalf("CreateRecharge: %v", err)
	}

	// 充值自身的入账流水不算作后续交易
	result, err := env.recharge.ExecuteRechargeReversal(ctx, record.ID, "收错款", 1)
	if err != nil || !result.Success {
		t.Fatalf("ExecuteRechargeReversal = %+v, %v", result, err)
	}
	if got := env.balanceOf(t, account.ID); !got.IsZero() {
		t.Errorf("余额 = %s, want 0", got)
	}
}

func TestGetRechargeStatistics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.seedAccount(t, 1, "0", "")

	for _, amount := range []string{"100", "50"} {
		if _, err := env.recharge.CreateRecharge(ctx, &RechargeRequest{
			AccountID:   account.ID,
			Amount:      amountPtr(amount),
			RechargeWay: model.RechargeWayWechat,
		}); err != nil {
			t.Fatalf("CreateRecharge: %v", err)
		}
	}
	record, err := env.recharge.CreateRecharge(ctx, &RechargeRequest{
		AccountID:   account.ID,
		Amount:      amountPtr("30"),
		RechargeWay: model.RechargeWayCash,
	})
	if err != nil {
		t.Fatalf("CreateRecharge: %v", err)
	}
	if _, err := env.recharge.ExecuteRechargeReversal(ctx, record.ID, "撤销", 1); err != nil {
		t.Fatalf("ExecuteRechargeReversal: %v", err)
	}

	stats, err := env.recharge.GetRechargeStatistics(ctx, account.UserID, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GetRechargeStatistics: %v", err)
	}
	if stats.RechargeCount != 3 || !stats.RechargeAmount.Equal(dec("180")) {
		t.Errorf("充值 count=%d amount=%s", stats.RechargeCount, stats.RechargeAmount)
	}
	if stats.ReversedCount != 1 || !stats.ReversedAmount.Equal(dec("30")) || !stats.NetAmount.Equal(dec("150")) {
		t.Errorf("冲正 count=%d amount=%s net=%s", stats.ReversedCount, stats.ReversedAmount, stats.NetAmount)
	}
	if !stats.AmountByWay[model.RechargeWayWechat].Equal(dec("150")) {
		t.Errorf("微信充值 = %s", stats.AmountByWay[model.RechargeWayWechat])
	}

	if _, err := env.recharge.GetRechargeStatistics(ctx, 1, time.Now(), time.Now().Add(-time.Hour)); !errors.Is(err, ErrValidation) {
		t.Errorf("区间倒置 err = %v", err)
	}
}

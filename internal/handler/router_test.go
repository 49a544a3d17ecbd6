package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"consumeledger/internal/model"
	"consumeledger/internal/service"
	"consumeledger/internal/testutil"
	"consumeledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func newTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()

	db := testutil.NewDB(t)
	locker := testutil.NewLocker(t)
	cfg := testutil.Config()
	accounts := service.NewAccountService(db, locker, cfg)
	notifier := service.NewNotifier(db, cfg)

	h := NewHandler(Services{
		Account:  accounts,
		Consume:  service.NewConsumeService(db, locker, accounts, notifier, cfg),
		Recharge: service.NewRechargeService(db, locker, accounts, notifier, cfg),
		Subsidy:  service.NewSubsidyService(db, cfg),
	})
	return SetupRouter(h), db
}

func do(t *testing.T, r *gin.Engine, method, path string, body interface{}) response.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("%s %s status = %d", method, path, w.Code)
	}
	var resp response.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if w.Header().Get(headerRequestID) == "" {
		t.Error("响应缺少请求ID")
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(headerRequestID, "req-1")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(headerRequestID); got != "req-1" {
		t.Errorf("请求ID = %q, 期望透传 req-1", got)
	}
}

func TestConsumeAndRefundFlow(t *testing.T) {
	r, db := newTestRouter(t)
	account := &model.Account{
		UserID:       1,
		Balance:      decimal.NewNullDecimal(decimal.RequireFromString("50")),
		FrozenAmount: decimal.Zero,
		Status:       model.AccountStatusActive,
	}
	if err := db.Create(account).Error; err != nil {
		t.Fatalf("创建账户失败: %v", err)
	}

	resp := do(t, r, http.MethodPost, "/api/v1/consume/online", gin.H{
		"account_id":     account.ID,
		"transaction_no": "T-1",
		"amount":         "20.00",
	})
	if resp.Code != response.CodeSuccess {
		t.Fatalf("在线消费 code=%d message=%s", resp.Code, resp.Message)
	}
	recordID := int64(resp.Data.(map[string]interface{})["id"].(float64))

	tests := []struct {
		name     string
		method   string
		path     string
		body     interface{}
		wantCode int
	}{
		{"余额不足", http.MethodPost, "/api/v1/consume/online", gin.H{"account_id": account.ID, "transaction_no": "T-2", "amount": "31"}, response.CodeBalanceNotEnough},
		{"金额非法", http.MethodPost, "/api/v1/consume/online", gin.H{"account_id": account.ID, "transaction_no": "T-3", "amount": "0"}, response.CodeAmountInvalid},
		{"缺少账户", http.MethodPost, "/api/v1/consume/online", gin.H{"amount": "1"}, response.CodeParamError},
		{"部分退款", http.MethodPost, "/api/v1/consume/refund", gin.H{"record_id": recordID, "amount": "5"}, response.CodeSuccess},
		{"超额退款", http.MethodPost, "/api/v1/consume/refund", gin.H{"record_id": recordID, "amount": "16"}, response.CodeRefundExceeded},
		{"记录不存在", http.MethodPost, "/api/v1/consume/refund", gin.H{"record_id": 999, "amount": "1"}, response.CodeRecordNotFound},
		{"账户不存在", http.MethodGet, "/api/v1/account/balance?account_id=999", nil, response.CodeAccountNotFound},
		{"账户参数错误", http.MethodGet, "/api/v1/account/balance?account_id=abc", nil, response.CodeParamError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, r, tt.method, tt.path, tt.body)
			if resp.Code != tt.wantCode {
				t.Errorf("code = %d (%s), want %d", resp.Code, resp.Message, tt.wantCode)
			}
		})
	}

	resp = do(t, r, http.MethodGet, "/api/v1/account/balance?account_id=1", nil)
	data := resp.Data.(map[string]interface{})
	if data["balance"] != "35.00" {
		t.Errorf("余额 = %v, want 35.00", data["balance"])
	}

	// 一笔消费加一笔部分退款
	resp = do(t, r, http.MethodGet, "/api/v1/account/transactions?account_id=1", nil)
	data = resp.Data.(map[string]interface{})
	if data["total"] != float64(2) {
		t.Errorf("流水数 = %v, want 2", data["total"])
	}
}

func TestRechargeAndReverse(t *testing.T) {
	r, db := newTestRouter(t)
	account := &model.Account{UserID: 1, FrozenAmount: decimal.Zero, Status: model.AccountStatusActive}
	if err := db.Create(account).Error; err != nil {
		t.Fatalf("创建账户失败: %v", err)
	}

	resp := do(t, r, http.MethodPost, "/api/v1/recharge/create", gin.H{
		"account_id":   account.ID,
		"amount":       "100",
		"recharge_way": model.RechargeWayWechat,
	})
	if resp.Code != response.CodeSuccess {
		t.Fatalf("充值 code=%d message=%s", resp.Code, resp.Message)
	}
	recordID := int64(resp.Data.(map[string]interface{})["id"].(float64))

	resp = do(t, r, http.MethodPost, "/api/v1/recharge/create", gin.H{
		"account_id":   account.ID,
		"recharge_way": model.RechargeWayWechat,
	})
	if resp.Code != response.CodeAmountInvalid {
		t.Errorf("缺少金额 code = %d", resp.Code)
	}

	// 充值后再消费，冲正被后续交易和余额不足同时阻止
	if resp := do(t, r, http.MethodPost, "/api/v1/consume/online", gin.H{
		"account_id": account.ID, "transaction_no": "T-1", "amount": "1",
	}); resp.Code != response.CodeSuccess {
		t.Fatalf("消费 code=%d", resp.Code)
	}

	resp = do(t, r, http.MethodPost, "/api/v1/recharge/reverse", gin.H{
		"record_id": recordID, "reason": "测试", "operator_id": 1,
	})
	if resp.Code != response.CodeReversalBlocked {
		t.Fatalf("冲正 code = %d, want %d", resp.Code, response.CodeReversalBlocked)
	}
	restrictions := resp.Data.(map[string]interface{})["restrictions"].([]interface{})
	if len(restrictions) != 2 {
		t.Errorf("restrictions = %v", restrictions)
	}
}

package handler

import (
	"errors"
	"log"
	"strconv"
	"time"

	"consumeledger/internal/service"
	"consumeledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Handler 统一处理器，只做参数绑定和错误码转换
type Handler struct {
	accountService  *service.AccountService
	consumeService  *service.ConsumeService
	rechargeService *service.RechargeService
	subsidyService  *service.SubsidyService
}

// Services 处理器依赖的业务服务
type Services struct {
	Account  *service.AccountService
	Consume  *service.ConsumeService
	Recharge *service.RechargeService
	Subsidy  *service.SubsidyService
}

func NewHandler(s Services) *Handler {
	return &Handler{
		accountService:  s.Account,
		consumeService:  s.Consume,
		rechargeService: s.Recharge,
		subsidyService:  s.Subsidy,
	}
}

var bizCodes = map[string]int{
	service.ErrValidation.Code:          response.CodeParamError,
	service.ErrInvalidAmount.Code:       response.CodeAmountInvalid,
	service.ErrAmountExceedsLimit.Code:  response.CodeAmountInvalid,
	service.ErrValidationFailed.Code:    response.CodeBusinessError,
	service.ErrAccountNotFound.Code:     response.CodeAccountNotFound,
	service.ErrRecordNotFound.Code:      response.CodeRecordNotFound,
	service.ErrInsufficientBalance.Code: response.CodeBalanceNotEnough,
	service.ErrAccountUnavailable.Code:  response.CodeAccountUnavailable,
	service.ErrTransactionDup.Code:      response.CodeDuplicateRequest,
	service.ErrRefundExceeded.Code:      response.CodeRefundExceeded,
	service.ErrRecordNotRefundable.Code: response.CodeRecordNotRefundable,
	service.ErrReversalBlocked.Code:     response.CodeReversalBlocked,
	service.ErrSubsidyUnusable.Code:     response.CodeSubsidyUnusable,
	service.ErrSubsidyInsufficient.Code: response.CodeSubsidyUnusable,
	service.ErrConcurrentUpdate.Code:    response.CodeConcurrentUpdate,
	service.ErrLockTimeout.Code:         response.CodeSystemBusy,
}

// fail 业务错误返回对应错误码和提示，系统错误只记日志
func fail(c *gin.Context, err error) {
	var bizErr *service.BizError
	if errors.As(err, &bizErr) {
		code, ok := bizCodes[bizErr.Code]
		if !ok {
			code = response.CodeBusinessError
		}
		_ = c.Error(err)
		response.BusinessError(c, code, err.Error())
		return
	}
	log.Printf("[Handler] %s %s 失败: %v", c.Request.Method, c.Request.URL.Path, err)
	response.ServerError(c, "服务器内部错误")
}

func queryInt64(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil || v <= 0 {
		response.ParamError(c, name+" 参数错误")
		return 0, false
	}
	return v, true
}

// ============================================================
// 账户
// ============================================================

// GetBalance 查询账户余额
// GET /api/v1/account/balance?account_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	accountID, ok := queryInt64(c, "account_id")
	if !ok {
		return
	}

	account, err := h.accountService.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"account_id":    account.ID,
		"user_id":       account.UserID,
		"balance":       account.CurrentBalance().StringFixed(2),
		"frozen_amount": account.FrozenAmount.StringFixed(2),
		"available":     account.Available().StringFixed(2),
		"status":        account.Status,
	})
}

// ListTransactions 查询账户流水
// GET /api/v1/account/transactions?account_id=xxx&page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	accountID, ok := queryInt64(c, "account_id")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	entries, total, err := h.accountService.ListTransactions(c.Request.Context(), accountID, page, pageSize)
	if err != nil {
		fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"total": total,
		"list":  entries,
	})
}

// ============================================================
// 消费
// ============================================================

// ConsumeRequest 在线消费与离线上传
type ConsumeRequest struct {
	AccountID     int64           `json:"account_id" binding:"required"`
	UserID        int64           `json:"user_id"`
	DeviceID      string          `json:"device_id"`
	OrderNo       string          `json:"order_no"`
	TransactionNo string          `json:"transaction_no"`
	Amount        decimal.Decimal `json:"amount"`
	ConsumeTime   *time.Time      `json:"consume_time"`
}

func (r *ConsumeRequest) toService() *service.ConsumeRequest {
	req := &service.ConsumeRequest{
		AccountID:     r.AccountID,
		UserID:        r.UserID,
		DeviceID:      r.DeviceID,
		OrderNo:       r.OrderNo,
		TransactionNo: r.TransactionNo,
		Amount:        r.Amount,
	}
	if r.ConsumeTime != nil {
		req.ConsumeTime = *r.ConsumeTime
	}
	return req
}

// ConsumeOnline 在线消费
// POST /api/v1/consume/online
func (h *Handler) ConsumeOnline(c *gin.Context) {
	var req ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	record, err := h.consumeService.ConsumeOnline(c.Request.Context(), req.toService())
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, record)
}

// UploadOffline 终端上传离线消费
// POST /api/v1/consume/offline
func (h *Handler) UploadOffline(c *gin.Context) {
	var req ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	record, err := h.consumeService.CreateOfflineRecord(c.Request.Context(), req.toService())
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, record)
}

// RefundRequest 退款请求
type RefundRequest struct {
	RecordID int64           `json:"record_id" binding:"required"`
	Amount   decimal.Decimal `json:"amount"`
	Reason   string          `json:"reason"`
}

// Refund 消费退款，可部分退款
// POST /api/v1/consume/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	entry, err := h.consumeService.ProcessRefund(c.Request.Context(), req.RecordID, req.Amount, req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, entry)
}

// SyncOffline 手动触发同步：带 record_id 时同步单条，否则同步一批
// POST /api/v1/consume/sync
func (h *Handler) SyncOffline(c *gin.Context) {
	var req struct {
		RecordID int64 `json:"record_id"`
		Limit    int   `json:"limit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if req.RecordID > 0 {
		result, err := h.consumeService.SyncOfflineRecord(c.Request.Context(), req.RecordID)
		if err != nil {
			fail(c, err)
			return
		}
		response.Success(c, gin.H{"record_id": req.RecordID, "result": result})
		return
	}

	if req.Limit <= 0 || req.Limit > 1000 {
		req.Limit = 100
	}
	summary, err := h.consumeService.BatchSyncOfflineRecords(c.Request.Context(), req.Limit)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, summary)
}

// ============================================================
// 充值
// ============================================================

// RechargeRequest 充值请求，金额为空时由业务层返回参数错误
type RechargeRequest struct {
	UserID        int64            `json:"user_id"`
	AccountID     int64            `json:"account_id" binding:"required"`
	Amount        *decimal.Decimal `json:"amount"`
	RechargeWay   string           `json:"recharge_way" binding:"required"`
	TransactionNo string           `json:"transaction_no"`
	ThirdPartyNo  string           `json:"third_party_no"`
	BatchNo       string           `json:"batch_no"`
	OperatorID    int64            `json:"operator_id"`
}

// CreateRecharge 充值
// POST /api/v1/recharge/create
func (h *Handler) CreateRecharge(c *gin.Context) {
	var req RechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	record, err := h.rechargeService.CreateRecharge(c.Request.Context(), &service.RechargeRequest{
		UserID:        req.UserID,
		AccountID:     req.AccountID,
		Amount:        req.Amount,
		RechargeWay:   req.RechargeWay,
		TransactionNo: req.TransactionNo,
		ThirdPartyNo:  req.ThirdPartyNo,
		BatchNo:       req.BatchNo,
		OperatorID:    req.OperatorID,
	})
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, record)
}

// CheckReversibility 查询充值能否冲正
// GET /api/v1/recharge/reversibility?record_id=xxx
func (h *Handler) CheckReversibility(c *gin.Context) {
	recordID, ok := queryInt64(c, "record_id")
	if !ok {
		return
	}

	result, err := h.rechargeService.CheckRechargeReversibility(c.Request.Context(), recordID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, result)
}

// ReverseRecharge 充值冲正
// POST /api/v1/recharge/reverse
func (h *Handler) ReverseRecharge(c *gin.Context) {
	var req struct {
		RecordID   int64  `json:"record_id" binding:"required"`
		Reason     string `json:"reason" binding:"required"`
		OperatorID int64  `json:"operator_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.rechargeService.ExecuteRechargeReversal(c.Request.Context(), req.RecordID, req.Reason, req.OperatorID)
	if err != nil {
		if errors.Is(err, service.ErrReversalBlocked) {
			response.ErrorWithData(c, response.CodeReversalBlocked, err.Error(), result)
			return
		}
		fail(c, err)
		return
	}
	response.Success(c, result)
}

// RechargeStatistics 充值统计，日期为 yyyy-MM-dd，包含首尾两天
// GET /api/v1/recharge/statistics?user_id=xxx&from=2024-01-01&to=2024-01-31
func (h *Handler) RechargeStatistics(c *gin.Context) {
	userID, ok := queryInt64(c, "user_id")
	if !ok {
		return
	}
	from, err := time.ParseInLocation("2006-01-02", c.Query("from"), time.Local)
	if err != nil {
		response.ParamError(c, "from 参数错误")
		return
	}
	to, err := time.ParseInLocation("2006-01-02", c.Query("to"), time.Local)
	if err != nil {
		response.ParamError(c, "to 参数错误")
		return
	}

	stats, err := h.rechargeService.GetRechargeStatistics(c.Request.Context(), userID, from, to.AddDate(0, 0, 1))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, stats)
}

// ============================================================
// 补贴
// ============================================================

// UseSubsidy 使用补贴额度
// POST /api/v1/subsidy/use
func (h *Handler) UseSubsidy(c *gin.Context) {
	var req struct {
		SubsidyID int64           `json:"subsidy_id" binding:"required"`
		Amount    decimal.Decimal `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	subsidy, err := h.subsidyService.UseSubsidy(c.Request.Context(), req.SubsidyID, req.Amount)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"subsidy_id":        subsidy.ID,
		"used_amount":       subsidy.UsedAmount.StringFixed(2),
		"remaining":         subsidy.Remaining().StringFixed(2),
		"daily_used_amount": subsidy.DailyUsedAmount.StringFixed(2),
	})
}

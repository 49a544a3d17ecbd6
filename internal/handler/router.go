package handler

import (
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		account := api.Group("/account")
		{
			account.GET("/balance", h.GetBalance)
			account.GET("/transactions", h.ListTransactions)
		}

		consume := api.Group("/consume")
		{
			consume.POST("/online", h.ConsumeOnline)
			consume.POST("/offline", h.UploadOffline)
			consume.POST("/refund", h.Refund)
			consume.POST("/sync", h.SyncOffline)
		}

		recharge := api.Group("/recharge")
		{
			recharge.POST("/create", h.CreateRecharge)
			recharge.GET("/reversibility", h.CheckReversibility)
			recharge.POST("/reverse", h.ReverseRecharge)
			recharge.GET("/statistics", h.RechargeStatistics)
		}

		subsidy := api.Group("/subsidy")
		{
			subsidy.POST("/use", h.UseSubsidy)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}

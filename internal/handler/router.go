package handler

import (
	"affiliatesystem/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 推广员相关
		affiliate := api.Group("/affiliate")
		{
			affiliate.POST("/enroll", h.Enroll)
			affiliate.GET("/detail", h.GetAffiliate)
			affiliate.POST("/status", h.SetAffiliateStatus)
			affiliate.POST("/reconcile", h.Reconcile)
		}

		// 点击追踪
		track := api.Group("/track")
		{
			track.POST("/click", h.TrackClick)
		}
		api.GET("/click/list", h.ListClicks)

		// 转化相关
		conversion := api.Group("/conversion")
		{
			conversion.POST("/record", h.RecordConversion)
			conversion.POST("/void", h.VoidConversion)
			conversion.GET("/list", h.ListConversions)
		}

		// 提现相关
		payout := api.Group("/payout")
		{
			payout.POST("/request", h.RequestPayout)
			payout.POST("/resolve", h.ResolvePayout)
			payout.GET("/list", h.ListPayouts)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}

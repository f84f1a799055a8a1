package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"turbomail/backend/internal/config"
	"turbomail/backend/internal/health"
	"turbomail/backend/internal/middleware"
	"turbomail/backend/internal/monitoring"
	"turbomail/backend/internal/service"
	"turbomail/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config        *config.Config
	Runtime       *config.Runtime
	IngestService *service.IngestService
	AliasService  *service.AliasService
	InboxService  *service.InboxService
	StatsService  *service.StatsService
	WebSocketHub  *websocket.Hub
	Metrics       *monitoring.Metrics
	Health        *health.HealthChecker
	RateLimiter   *middleware.RateLimiter
	Logger        *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()

	// 使用自定义中间件替代默认中间件
	router.Use(middleware.RecoveryHandler(log))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(deps.Config.Ingest.MaxBodyBytes))

	if deps.Metrics != nil {
		mm := middleware.NewMonitoringMiddleware(deps.Metrics, log)
		router.Use(mm.HTTPMetrics())
		router.Use(mm.RateLimitMetrics())
	}

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	// 创建处理器
	ingestHandler := NewIngestHandler(deps.IngestService, log)
	aliasHandler := NewAliasHandler(deps.AliasService, log)
	inboxHandler := NewInboxHandler(deps.InboxService, deps.AliasService, deps.StatsService, log)
	adminHandler := NewAdminHandler(deps.Runtime, deps.StatsService, log)

	// 共享密钥认证
	keyAuth := middleware.NewSharedKeyAuth(deps.Runtime, log)

	// ========== 探针与指标（免认证） ==========
	if deps.Health != nil {
		router.GET("/healthz", gin.WrapH(deps.Health.LiveHandler()))
		router.GET("/readyz", gin.WrapH(deps.Health.ReadyHandler()))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// ========== WebSocket（免认证，按频道订阅） ==========
	if deps.WebSocketHub != nil {
		router.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
	}

	// ========== 业务路由（共享密钥 + 按 IP 限流） ==========
	authed := router.Group("/", keyAuth.RequireKey())
	if deps.RateLimiter != nil {
		authed.Use(deps.RateLimiter.Limit())
	}
	{
		// 入站邮件接收
		authed.POST("/api/receive-mail", ingestHandler.ReceiveMail)

		// 地址分配
		authed.GET("/generate", aliasHandler.Generate)
		authed.POST("/generate/manual", aliasHandler.GenerateManual)

		// 按地址查收件日志
		authed.GET("/inbox/:email", inboxHandler.AddressInbox)

		// 设备维度
		device := authed.Group("/device/:deviceId")
		{
			device.GET("/emails", aliasHandler.ListEmails)
			device.GET("/generated", inboxHandler.GeneratedCount)
			device.GET("/received", inboxHandler.ReceivedCount)
			device.GET("/inbox/:email", inboxHandler.DeviceInbox)
			device.GET("/messages", inboxHandler.DeviceMessages)
			device.GET("/message/:entryId", inboxHandler.GetMessage)
			device.DELETE("/message/:entryId", inboxHandler.DeleteMessage)
			device.DELETE("/clear", inboxHandler.ClearDevice)
			device.DELETE("/email/:address", aliasHandler.DeleteEmail)
		}

		// 管理路由
		admin := authed.Group("/admin")
		{
			admin.GET("/api-key", adminHandler.GetAPIKey)
			admin.PUT("/api-key", adminHandler.UpdateAPIKey)
			admin.GET("/domains", adminHandler.ListDomains)
			admin.POST("/domains", adminHandler.AddDomain)
			admin.DELETE("/domains", adminHandler.RemoveDomain)
			admin.GET("/stats", adminHandler.Stats)
			admin.GET("/recent-emails", adminHandler.RecentEmails)
			admin.POST("/retry-failed", ingestHandler.RetryFailed)
			admin.GET("/failed", adminHandler.FailedRecords)
		}
	}

	return router
}

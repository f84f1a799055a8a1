package httptransport

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"turbomail/backend/internal/config"
	"turbomail/backend/internal/service"
)

// AdminHandler 处理运维面板的配置改写和状态查询。
type AdminHandler struct {
	runtime *config.Runtime
	stats   *service.StatsService
	log     *zap.Logger
}

// NewAdminHandler 创建管理处理器。
func NewAdminHandler(runtime *config.Runtime, stats *service.StatsService, log *zap.Logger) *AdminHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminHandler{runtime: runtime, stats: stats, log: log}
}

// GetAPIKey godoc
// @Summary 查看当前访问密钥
// @Tags Admin
// @Produce json
// @Router /admin/api-key [get]
func (h *AdminHandler) GetAPIKey(c *gin.Context) {
	Success(c, gin.H{"apiKey": h.runtime.APIKey()})
}

// updateAPIKeyRequest 更新访问密钥的请求体。
type updateAPIKeyRequest struct {
	APIKey string `json:"apiKey" binding:"required"`
}

// UpdateAPIKey godoc
// @Summary 更新访问密钥
// @Description 新密钥对后续请求立即生效
// @Tags Admin
// @Accept json
// @Produce json
// @Router /admin/api-key [put]
func (h *AdminHandler) UpdateAPIKey(c *gin.Context) {
	var req updateAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.runtime.SetAPIKey(req.APIKey); err != nil {
		BadRequest(c, MsgAPIKeyTooShort)
		return
	}

	h.log.Info("api key rotated")
	SuccessWithMsg(c, "更新成功", nil)
}

// ListDomains godoc
// @Summary 获取域名白名单
// @Tags Admin
// @Produce json
// @Router /admin/domains [get]
func (h *AdminHandler) ListDomains(c *gin.Context) {
	domains := h.runtime.AllowedDomains()
	Success(c, gin.H{
		"domains": domains,
		"count":   len(domains),
	})
}

// domainRequest 添加或删除域名的请求体。
type domainRequest struct {
	Domain string `json:"domain" binding:"required"`
}

// AddDomain godoc
// @Summary 向白名单添加域名
// @Tags Admin
// @Accept json
// @Produce json
// @Router /admin/domains [post]
func (h *AdminHandler) AddDomain(c *gin.Context) {
	var req domainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.runtime.AddDomain(req.Domain); err != nil {
		BadRequest(c, MsgDomainAddFailed)
		return
	}

	h.log.Info("domain added to allow-list", zap.String("domain", req.Domain))
	Success(c, gin.H{"domains": h.runtime.AllowedDomains()})
}

// RemoveDomain godoc
// @Summary 从白名单移除域名
// @Description 白名单不允许被清空
// @Tags Admin
// @Accept json
// @Produce json
// @Router /admin/domains [delete]
func (h *AdminHandler) RemoveDomain(c *gin.Context) {
	var req domainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.runtime.RemoveDomain(req.Domain); err != nil {
		BadRequest(c, MsgDomainRemoveFailed)
		return
	}

	h.log.Info("domain removed from allow-list", zap.String("domain", req.Domain))
	Success(c, gin.H{"domains": h.runtime.AllowedDomains()})
}

// Stats godoc
// @Summary 获取全局统计
// @Description 累计接收、分配、投递计数和账本积压
// @Tags Admin
// @Produce json
// @Router /admin/stats [get]
func (h *AdminHandler) Stats(c *gin.Context) {
	snap, err := h.stats.Snapshot(c.Request.Context())
	if err != nil {
		h.log.Error("stats snapshot failed", zap.Error(err))
		InternalError(c, MsgStatisticsGetFailed)
		return
	}
	Success(c, snap)
}

// RecentEmails godoc
// @Summary 获取最近接收的邮件
// @Tags Admin
// @Produce json
// @Param limit query int false "返回条数，默认 50"
// @Router /admin/recent-emails [get]
func (h *AdminHandler) RecentEmails(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	messages, err := h.stats.RecentMessages(c.Request.Context(), limit)
	if err != nil {
		h.log.Error("recent emails failed", zap.Error(err))
		InternalError(c, MsgStatisticsGetFailed)
		return
	}

	Success(c, gin.H{
		"emails": messages,
		"count":  len(messages),
	})
}

// FailedRecords godoc
// @Summary 获取待重放的失败记录
// @Tags Admin
// @Produce json
// @Router /admin/failed [get]
func (h *AdminHandler) FailedRecords(c *gin.Context) {
	records, err := h.stats.PendingFailures(c.Request.Context())
	if err != nil {
		h.log.Error("list failed records failed", zap.Error(err))
		InternalError(c, MsgStatisticsGetFailed)
		return
	}

	Success(c, gin.H{
		"failed": records,
		"count":  len(records),
	})
}

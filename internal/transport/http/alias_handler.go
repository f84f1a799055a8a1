package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"turbomail/backend/internal/domain"
	"turbomail/backend/internal/service"
	"turbomail/backend/internal/storage"
)

// AliasHandler 处理邮箱地址的分配和回收。
type AliasHandler struct {
	aliases *service.AliasService
	log     *zap.Logger
}

// NewAliasHandler 创建别名处理器。
func NewAliasHandler(aliases *service.AliasService, log *zap.Logger) *AliasHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AliasHandler{aliases: aliases, log: log}
}

// Generate godoc
// @Summary 生成随机邮箱地址
// @Description 为设备分配一个随机本地部分的邮箱地址
// @Tags Alias
// @Produce json
// @Param deviceId query string true "设备标识"
// @Router /generate [get]
func (h *AliasHandler) Generate(c *gin.Context) {
	deviceID := c.Query("deviceId")
	if deviceID == "" {
		BadRequest(c, MsgDeviceIDRequired)
		return
	}

	alias, err := h.aliases.Allocate(c.Request.Context(), deviceID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidDeviceID) {
			BadRequest(c, GetErrorMessage(domain.ErrInvalidDeviceID))
			return
		}
		h.log.Error("allocate alias failed",
			zap.String("deviceId", deviceID), zap.Error(err))
		InternalError(c, MsgAliasCreateFailed)
		return
	}

	Success(c, gin.H{
		"email":     alias.Address,
		"deviceId":  alias.OwnerDeviceID,
		"createdAt": alias.CreatedAt,
	})
}

// generateManualRequest 手动指定本地部分和域名。
type generateManualRequest struct {
	DeviceID string `json:"deviceId" binding:"required"`
	Username string `json:"username" binding:"required"`
	Domain   string `json:"domain" binding:"required"`
}

// GenerateManual godoc
// @Summary 创建指定邮箱地址
// @Description 按给定的前缀和域名为设备创建邮箱地址
// @Tags Alias
// @Accept json
// @Produce json
// @Router /generate/manual [post]
func (h *AliasHandler) GenerateManual(c *gin.Context) {
	var req generateManualRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	alias, err := h.aliases.AllocateManual(c.Request.Context(), req.DeviceID, req.Username, req.Domain)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAliasExists):
			Conflict(c, GetErrorMessage(service.ErrAliasExists))
		case errors.Is(err, service.ErrDomainNotAllowed):
			BadRequest(c, GetErrorMessage(service.ErrDomainNotAllowed))
		case errors.Is(err, domain.ErrInvalidLocalPart),
			errors.Is(err, domain.ErrInvalidDeviceID):
			BadRequest(c, GetErrorMessage(err))
		default:
			h.log.Error("allocate manual alias failed",
				zap.String("deviceId", req.DeviceID), zap.Error(err))
			InternalError(c, MsgAliasCreateFailed)
		}
		return
	}

	Created(c, gin.H{
		"email":     alias.Address,
		"deviceId":  alias.OwnerDeviceID,
		"createdAt": alias.CreatedAt,
	})
}

// ListEmails godoc
// @Summary 获取设备的邮箱地址列表
// @Tags Alias
// @Produce json
// @Router /device/{deviceId}/emails [get]
func (h *AliasHandler) ListEmails(c *gin.Context) {
	deviceID := c.Param("deviceId")

	aliases, err := h.aliases.List(c.Request.Context(), deviceID)
	if err != nil {
		h.log.Error("list aliases failed",
			zap.String("deviceId", deviceID), zap.Error(err))
		InternalError(c, MsgAliasListFailed)
		return
	}

	emails := make([]string, 0, len(aliases))
	for _, a := range aliases {
		emails = append(emails, a.Address)
	}

	Success(c, gin.H{
		"deviceId": deviceID,
		"emails":   emails,
		"count":    len(emails),
	})
}

// DeleteEmail godoc
// @Summary 删除设备的一个邮箱地址
// @Tags Alias
// @Produce json
// @Router /device/{deviceId}/email/{address} [delete]
func (h *AliasHandler) DeleteEmail(c *gin.Context) {
	deviceID := c.Param("deviceId")
	address := c.Param("address")

	if err := h.aliases.Unlink(c.Request.Context(), deviceID, address); err != nil {
		if errors.Is(err, storage.ErrAliasNotFound) {
			NotFound(c, GetErrorMessage(storage.ErrAliasNotFound))
			return
		}
		h.log.Error("unlink alias failed",
			zap.String("deviceId", deviceID),
			zap.String("address", address), zap.Error(err))
		InternalError(c, MsgAliasDeleteFailed)
		return
	}

	SuccessWithMsg(c, "删除成功", gin.H{"deleted": address})
}

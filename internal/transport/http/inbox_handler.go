package httptransport

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"turbomail/backend/internal/domain"
	"turbomail/backend/internal/service"
	"turbomail/backend/internal/storage"
)

// InboxHandler 处理设备收件日志的查询和删除。
type InboxHandler struct {
	inbox   *service.InboxService
	aliases *service.AliasService
	stats   *service.StatsService
	log     *zap.Logger
}

// NewInboxHandler 创建收件箱处理器。
func NewInboxHandler(inbox *service.InboxService, aliases *service.AliasService, stats *service.StatsService, log *zap.Logger) *InboxHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &InboxHandler{inbox: inbox, aliases: aliases, stats: stats, log: log}
}

// entryView 是收件条目在响应里的形态。
type entryView struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	From       string `json:"from"`
	Subject    string `json:"subject"`
	ReceivedAt string `json:"receivedAt"`
}

func toEntryViews(entries []domain.InboxEntry) []entryView {
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{
			ID:         e.ID,
			Email:      e.Alias,
			From:       e.From,
			Subject:    e.Subject,
			ReceivedAt: e.ReceivedAt.Format(time.RFC3339),
		})
	}
	return views
}

// GeneratedCount godoc
// @Summary 获取设备累计分配的地址数
// @Tags Inbox
// @Produce json
// @Router /device/{deviceId}/generated [get]
func (h *InboxHandler) GeneratedCount(c *gin.Context) {
	deviceID := c.Param("deviceId")

	count, err := h.stats.DeviceGenerated(c.Request.Context(), deviceID)
	if err != nil {
		h.log.Error("get generated count failed",
			zap.String("deviceId", deviceID), zap.Error(err))
		InternalError(c, MsgStatisticsGetFailed)
		return
	}
	Success(c, gin.H{"deviceId": deviceID, "generated": count})
}

// ReceivedCount godoc
// @Summary 获取设备累计收到的邮件数
// @Tags Inbox
// @Produce json
// @Router /device/{deviceId}/received [get]
func (h *InboxHandler) ReceivedCount(c *gin.Context) {
	deviceID := c.Param("deviceId")

	count, err := h.stats.DeviceReceived(c.Request.Context(), deviceID)
	if err != nil {
		h.log.Error("get received count failed",
			zap.String("deviceId", deviceID), zap.Error(err))
		InternalError(c, MsgStatisticsGetFailed)
		return
	}
	Success(c, gin.H{"deviceId": deviceID, "received": count})
}

// DeviceInbox godoc
// @Summary 获取设备某个地址的收件日志
// @Description 只返回该设备名下该地址的条目，时间倒序
// @Tags Inbox
// @Produce json
// @Router /device/{deviceId}/inbox/{email} [get]
func (h *InboxHandler) DeviceInbox(c *gin.Context) {
	deviceID := c.Param("deviceId")
	email := c.Param("email")

	entries, err := h.inbox.List(c.Request.Context(), deviceID, email)
	if err != nil {
		h.log.Error("list device inbox failed",
			zap.String("deviceId", deviceID),
			zap.String("email", email), zap.Error(err))
		InternalError(c, MsgMessageListFailed)
		return
	}

	Success(c, gin.H{
		"deviceId": deviceID,
		"email":    email,
		"messages": toEntryViews(entries),
		"count":    len(entries),
	})
}

// AddressInbox godoc
// @Summary 按地址查收件日志
// @Description 不区分持有设备，按地址聚合全部条目
// @Tags Inbox
// @Produce json
// @Router /inbox/{email} [get]
func (h *InboxHandler) AddressInbox(c *gin.Context) {
	email := c.Param("email")

	entries, err := h.inbox.ListByAddress(c.Request.Context(), email)
	if err != nil {
		h.log.Error("list address inbox failed",
			zap.String("email", email), zap.Error(err))
		InternalError(c, MsgMessageListFailed)
		return
	}

	Success(c, gin.H{
		"email":    email,
		"messages": toEntryViews(entries),
		"count":    len(entries),
	})
}

// DeviceMessages godoc
// @Summary 获取设备的全部收件日志
// @Description 设备所有地址的条目合并后按时间倒序返回
// @Tags Inbox
// @Produce json
// @Router /device/{deviceId}/messages [get]
func (h *InboxHandler) DeviceMessages(c *gin.Context) {
	deviceID := c.Param("deviceId")

	entries, err := h.inbox.List(c.Request.Context(), deviceID, "")
	if err != nil {
		h.log.Error("list device messages failed",
			zap.String("deviceId", deviceID), zap.Error(err))
		InternalError(c, MsgMessageListFailed)
		return
	}

	Success(c, gin.H{
		"deviceId": deviceID,
		"messages": toEntryViews(entries),
		"count":    len(entries),
	})
}

// GetMessage godoc
// @Summary 获取一条收件记录的详情
// @Description 返回条目及其引用的邮件本体（正文、头部）
// @Tags Inbox
// @Produce json
// @Router /device/{deviceId}/message/{entryId} [get]
func (h *InboxHandler) GetMessage(c *gin.Context) {
	deviceID := c.Param("deviceId")
	entryID := c.Param("entryId")

	entry, message, err := h.inbox.Get(c.Request.Context(), deviceID, entryID)
	if err != nil {
		if errors.Is(err, storage.ErrEntryNotFound) {
			NotFound(c, GetErrorMessage(storage.ErrEntryNotFound))
			return
		}
		h.log.Error("get message failed",
			zap.String("deviceId", deviceID),
			zap.String("entryId", entryID), zap.Error(err))
		InternalError(c, MsgMessageGetFailed)
		return
	}

	data := gin.H{
		"id":         entry.ID,
		"email":      entry.Alias,
		"from":       entry.From,
		"subject":    entry.Subject,
		"receivedAt": entry.ReceivedAt,
	}
	if message != nil {
		data["body"] = message.TextBody
		data["html"] = message.HTMLBody
		data["headers"] = message.Headers
		data["to"] = message.To
	}

	Success(c, data)
}

// DeleteMessage godoc
// @Summary 删除一条收件记录
// @Description 只删除该设备的副本，其他设备不受影响
// @Tags Inbox
// @Produce json
// @Router /device/{deviceId}/message/{entryId} [delete]
func (h *InboxHandler) DeleteMessage(c *gin.Context) {
	deviceID := c.Param("deviceId")
	entryID := c.Param("entryId")

	if err := h.inbox.DeleteOne(c.Request.Context(), deviceID, entryID); err != nil {
		if errors.Is(err, storage.ErrEntryNotFound) {
			NotFound(c, GetErrorMessage(storage.ErrEntryNotFound))
			return
		}
		h.log.Error("delete message failed",
			zap.String("deviceId", deviceID),
			zap.String("entryId", entryID), zap.Error(err))
		InternalError(c, MsgMessageDelFailed)
		return
	}

	SuccessWithMsg(c, "删除成功", gin.H{"deleted": entryID})
}

// ClearDevice godoc
// @Summary 清空设备
// @Description 删除设备的全部收件日志并回收其所有邮箱地址
// @Tags Inbox
// @Produce json
// @Router /device/{deviceId}/clear [delete]
func (h *InboxHandler) ClearDevice(c *gin.Context) {
	deviceID := c.Param("deviceId")
	ctx := c.Request.Context()

	deleted, err := h.inbox.DeleteAll(ctx, deviceID)
	if err != nil {
		h.log.Error("clear inbox failed",
			zap.String("deviceId", deviceID), zap.Error(err))
		InternalError(c, MsgInboxClearFailed)
		return
	}

	if err := h.aliases.Clear(ctx, deviceID); err != nil {
		h.log.Error("clear aliases failed",
			zap.String("deviceId", deviceID), zap.Error(err))
		InternalError(c, MsgInboxClearFailed)
		return
	}

	SuccessWithMsg(c, "清空成功", gin.H{
		"deviceId": deviceID,
		"deleted":  deleted,
	})
}

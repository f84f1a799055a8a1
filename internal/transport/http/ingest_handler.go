package httptransport

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"turbomail/backend/internal/service"
)

// IngestHandler 接收传输代理投递的入站邮件。
type IngestHandler struct {
	ingest *service.IngestService
	log    *zap.Logger
}

// NewIngestHandler 创建入站邮件处理器。
func NewIngestHandler(ingest *service.IngestService, log *zap.Logger) *IngestHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &IngestHandler{ingest: ingest, log: log}
}

// recipientList 兼容单个字符串和字符串数组两种收件人写法。
type recipientList []string

func (r *recipientList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*r = recipientList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*r = recipientList(many)
	return nil
}

// receiveMailRequest 是传输代理的投递载荷。
// 结构化字段和 raw 原文可以只给其一，缺的部分由服务端解析补齐。
type receiveMailRequest struct {
	MessageID string            `json:"messageId"`
	From      string            `json:"from"`
	To        recipientList     `json:"to"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	HTML      string            `json:"html"`
	Headers   map[string]string `json:"headers"`
	Raw       string            `json:"raw"`
	Date      string            `json:"date"`
	Timestamp int64             `json:"timestamp"`
}

// receivedAt 按 date > timestamp 的优先级解析接收时间。
func (r *receiveMailRequest) receivedAt() time.Time {
	if r.Date != "" {
		if t, err := time.Parse(time.RFC3339, r.Date); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC1123Z, r.Date); err == nil {
			return t
		}
	}
	if r.Timestamp > 0 {
		return time.Unix(r.Timestamp, 0).UTC()
	}
	return time.Time{}
}

// ReceiveMail godoc
// @Summary 接收入站邮件
// @Description 传输代理投递一封入站邮件，服务端负责路由和落库
// @Tags Ingest
// @Accept json
// @Produce json
// @Router /api/receive-mail [post]
func (h *IngestHandler) ReceiveMail(c *gin.Context) {
	var req receiveMailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}
	if req.From == "" && len(req.To) == 0 && req.Raw == "" {
		BadRequest(c, MsgRequestBodyEmpty)
		return
	}

	var raw []byte
	if req.Raw != "" {
		raw = []byte(req.Raw)
	}

	ack, err := h.ingest.Receive(c.Request.Context(), service.ReceiveInput{
		MessageID:  req.MessageID,
		From:       req.From,
		To:         []string(req.To),
		Subject:    req.Subject,
		TextBody:   req.Body,
		HTMLBody:   req.HTML,
		Headers:    req.Headers,
		Raw:        raw,
		ReceivedAt: req.receivedAt(),
	})
	if err != nil {
		// 只有载荷完全无法受理时才走到这里
		h.log.Error("receive mail failed", zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	Success(c, ack)
}

// RetryFailed godoc
// @Summary 重放失败账本
// @Description 重放所有待处理的投递失败记录
// @Tags Admin
// @Produce json
// @Router /admin/retry-failed [post]
func (h *IngestHandler) RetryFailed(c *gin.Context) {
	report, err := h.ingest.RetryFailed(c.Request.Context())
	if err != nil {
		h.log.Error("retry failed ledger", zap.Error(err))
		InternalError(c, MsgRetryFailed)
		return
	}
	Success(c, report)
}

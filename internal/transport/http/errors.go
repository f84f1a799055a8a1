package httptransport

import (
	"turbomail/backend/internal/domain"
	"turbomail/backend/internal/service"
	"turbomail/backend/internal/storage"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	// 别名错误
	service.ErrAliasExists:      "该邮箱地址已存在",
	service.ErrDomainNotAllowed: "域名不在允许列表中",
	storage.ErrAliasNotFound:    "邮箱地址不存在",

	// 收件日志错误
	storage.ErrEntryNotFound:   "邮件记录不存在",
	storage.ErrMessageNotFound: "邮件不存在",
	storage.ErrRecordNotFound:  "失败记录不存在",

	// 校验错误
	domain.ErrInvalidEmail:     "邮箱地址格式无效",
	domain.ErrInvalidLocalPart: "邮箱前缀格式无效",
	domain.ErrInvalidDomain:    "域名格式无效",
	domain.ErrInvalidDeviceID:  "设备标识格式无效",
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	if msg, ok := errorMessages[err]; ok {
		return msg
	}
	return err.Error()
}

// 通用错误消息
const (
	// 请求相关
	MsgInvalidRequest   = "请求参数格式错误"
	MsgInvalidJSON      = "JSON格式错误"
	MsgRequestBodyEmpty = "请求体不能为空"
	MsgDeviceIDRequired = "缺少设备标识"

	// 认证相关
	MsgAPIKeyInvalid  = "访问密钥无效"
	MsgAPIKeyTooShort = "访问密钥长度不足"

	// 别名相关
	MsgAliasCreateFailed = "创建邮箱地址失败"
	MsgAliasListFailed   = "获取邮箱地址列表失败"
	MsgAliasDeleteFailed = "删除邮箱地址失败"

	// 邮件相关
	MsgMessageListFailed = "获取邮件列表失败"
	MsgMessageGetFailed  = "获取邮件详情失败"
	MsgMessageDelFailed  = "删除邮件失败"
	MsgInboxClearFailed  = "清空收件箱失败"

	// 管理相关
	MsgDomainAddFailed        = "添加域名失败"
	MsgDomainRemoveFailed     = "删除域名失败"
	MsgCannotRemoveLastDomain = "不能删除最后一个域名"
	MsgStatisticsGetFailed    = "获取统计数据失败"
	MsgRetryFailed            = "重放失败记录失败"

	// 服务器错误
	MsgInternalError = "服务器内部错误，请稍后重试"
)

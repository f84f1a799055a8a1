package domain

import "time"

// InboundMessage 表示网关接收到的一封入站邮件。
//
// 创建后不可变：只在接收时写入一次，之后不会被更新。
type InboundMessage struct {
	ID         string            `json:"id" gorm:"primaryKey;type:varchar(64)"`
	From       string            `json:"from" gorm:"type:varchar(255)"`
	To         []string          `json:"to" gorm:"-"`
	ToJoined   string            `json:"-" gorm:"column:to_addrs;type:varchar(2048)"`
	Subject    string            `json:"subject" gorm:"type:varchar(500)"`
	TextBody   string            `json:"body,omitempty" gorm:"type:text"`
	HTMLBody   string            `json:"html,omitempty" gorm:"type:text"`
	Headers    map[string]string `json:"headers,omitempty" gorm:"-"`
	// Headers 的 JSON 形态，只有关系型存储使用
	HeadersJSON string    `json:"-" gorm:"column:headers;type:text"`
	ReceivedAt  time.Time `json:"receivedAt" gorm:"index"`
	// 原始报文落在文件系统存储，行里只留标记
	HasRaw bool `json:"hasRaw" gorm:"default:false"`
}

// InboxEntry 是某 (设备, 地址) 收件日志里对一封邮件的引用。
//
// 携带冗余的展示字段，列表页不必反序列化完整正文。
// 每个设备的副本相互独立：删除一个设备的条目不影响其他设备。
type InboxEntry struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	DeviceID   string    `json:"deviceId" gorm:"type:varchar(64);index:idx_device_msg,unique"`
	MessageID  string    `json:"messageId" gorm:"type:varchar(64);index:idx_device_msg,unique"`
	Alias      string    `json:"alias" gorm:"type:varchar(254);index"`
	From       string    `json:"from" gorm:"type:varchar(255)"`
	Subject    string    `json:"subject" gorm:"type:varchar(500)"`
	ReceivedAt time.Time `json:"receivedAt" gorm:"index"`
}

// MessageSummary 是推送给实时订阅方的轻量事件体。
type MessageSummary struct {
	MessageID  string    `json:"messageId"`
	DeviceID   string    `json:"deviceId,omitempty"`
	Alias      string    `json:"alias"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	ReceivedAt time.Time `json:"receivedAt"`
}

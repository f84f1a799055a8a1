package domain

// 全局计数器名
const (
	CounterTotalEmails     = "total_emails"
	CounterGeneratedEmails = "generated_emails"
	CounterReceivedEmails  = "received_emails"
)

// 设备级计数器名（scope 为设备 ID）
const (
	CounterGeneratedCount = "generated_count"
	CounterReceivedCount  = "received_count"
)

// CounterRow 是计数器的持久化行。
// 全局计数器 Scope 为空字符串。
type CounterRow struct {
	Name  string `json:"name" gorm:"primaryKey;type:varchar(64)"`
	Scope string `json:"scope" gorm:"primaryKey;type:varchar(64);default:''"`
	Value int64  `json:"value"`
}

// StatsSnapshot 汇总全局计数器和账本积压，供运维面板使用。
type StatsSnapshot struct {
	TotalEmails     int64 `json:"totalEmails"`
	GeneratedEmails int64 `json:"generatedEmails"`
	ReceivedEmails  int64 `json:"receivedEmails"`
	PendingFailures int   `json:"pendingFailures"`
}

package domain

import "time"

// 失败记录状态
const (
	FailureStatusPending = "pending"
	FailureStatusRetried = "retried"
)

// FailureRecord 记录一次未能完成的投递尝试。
//
// 邮件被网关受理之后，任何一个收件人的落库失败都会产生一条记录，
// 携带完整原始载荷供 retry 流程重放。传输代理不会被要求重试，
// 账本就是重试机制本身。
type FailureRecord struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Timestamp    time.Time `json:"timestamp" gorm:"index"`
	Payload      []byte    `json:"payload"`
	ErrorMessage string    `json:"errorMessage" gorm:"type:varchar(1024)"`
	Status       string    `json:"status" gorm:"type:varchar(16);index;default:pending"`
}

// Pending 报告记录是否还在等待重放。
func (r *FailureRecord) Pending() bool {
	return r.Status == FailureStatusPending
}

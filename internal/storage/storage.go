package storage

import (
	"context"
	"errors"
	"time"

	"turbomail/backend/internal/domain"
)

var (
	// ErrAliasExists 别名在该设备下已存在
	ErrAliasExists = errors.New("alias already exists")
	// ErrAliasNotFound 别名未找到错误
	ErrAliasNotFound = errors.New("alias not found")
	// ErrEntryNotFound 收件条目未找到错误
	ErrEntryNotFound = errors.New("inbox entry not found")
	// ErrMessageNotFound 邮件未找到错误
	ErrMessageNotFound = errors.New("message not found")
	// ErrRecordNotFound 失败记录未找到错误
	ErrRecordNotFound = errors.New("failure record not found")
)

// AliasIndexRepository 定义设备与别名之间的双向索引操作。
//
// 索引是"谁接收这个地址的邮件"的唯一事实来源，
// 投递路径只读不写。读操作必须反映最近一次完成的写入，
// 前面不允许加可能读到旧值的缓存层。
type AliasIndexRepository interface {
	// Link 登记 (设备, 地址) 双向映射。重复登记是无操作。
	Link(ctx context.Context, deviceID, address string, createdAt time.Time) error
	// Unlink 从双向索引移除一条映射。
	Unlink(ctx context.Context, deviceID, address string) error
	// ClearDevice 移除设备的全部别名，先解除反向映射再删正向集合。
	ClearDevice(ctx context.Context, deviceID string) error
	// AliasesOf 返回设备持有的全部别名。
	AliasesOf(ctx context.Context, deviceID string) ([]domain.Alias, error)
	// DevicesFor 返回持有该地址的全部设备 ID。
	DevicesFor(ctx context.Context, address string) ([]string, error)
	// HasAlias 报告设备是否已持有该地址。
	HasAlias(ctx context.Context, deviceID, address string) (bool, error)
}

// InboxRepository 定义按设备与 (设备, 别名) 维度的收件日志操作。
type InboxRepository interface {
	// AppendEntry 以 (deviceID, messageID) 为键做集合语义的插入：
	// 同一封邮件对同一设备重复投递不会产生重复条目。
	AppendEntry(ctx context.Context, entry *domain.InboxEntry) error
	// ListEntries 返回设备的收件日志，时间倒序；alias 非空时只返回该别名的条目。
	ListEntries(ctx context.Context, deviceID, alias string) ([]domain.InboxEntry, error)
	// ListEntriesByAddress 返回某地址在所有设备下的条目，时间倒序。
	ListEntriesByAddress(ctx context.Context, address string) ([]domain.InboxEntry, error)
	// GetEntry 按稳定条目 ID 取一条。
	GetEntry(ctx context.Context, deviceID, entryID string) (*domain.InboxEntry, error)
	// DeleteEntry 按稳定条目 ID 删一条，找不到返回 ErrEntryNotFound。
	DeleteEntry(ctx context.Context, deviceID, entryID string) error
	// DeleteAllEntries 清空设备的收件日志，返回删除数量。
	DeleteAllEntries(ctx context.Context, deviceID string) (int, error)
}

// MessageRepository 定义入站邮件本体的存取操作。
type MessageRepository interface {
	// SaveMessage 按 ID 幂等落库，重复保存同一 ID 是无操作。
	SaveMessage(ctx context.Context, message *domain.InboundMessage) error
	GetMessage(ctx context.Context, messageID string) (*domain.InboundMessage, error)
	// RecentMessages 返回最近接收的邮件，时间倒序，供运维面板使用。
	RecentMessages(ctx context.Context, limit int) ([]domain.InboundMessage, error)
}

// LedgerRepository 定义失败账本操作。
type LedgerRepository interface {
	// RecordFailure 追加一条待重放的失败记录。
	// 这是 receive 在报告"已受理但有失败"之前必须完成的唯一持久化写。
	RecordFailure(ctx context.Context, record *domain.FailureRecord) error
	// ListPendingFailures 返回所有待重放的记录，时间正序。
	ListPendingFailures(ctx context.Context) ([]domain.FailureRecord, error)
	// ResolveFailure 将记录标记为已重放。
	ResolveFailure(ctx context.Context, recordID string) error
}

// CounterRepository 定义单调递增计数器操作。
// scope 为空表示全局计数器，非空表示设备级计数器。
type CounterRepository interface {
	IncrementCounter(ctx context.Context, name, scope string) error
	GetCounter(ctx context.Context, name, scope string) (int64, error)
}

// PubSubRepository 定义新邮件事件的发布订阅操作。
// 仅 Redis 类存储实现跨进程投递，内存实现为进程内空操作。
type PubSubRepository interface {
	PublishNewMail(ctx context.Context, channelID string, summary *domain.MessageSummary) error
}

// RateLimitRepository 定义限流操作。
type RateLimitRepository interface {
	IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error)
	GetRateLimit(ctx context.Context, key string) (int64, error)
}

// Store 定义完整的存储接口。
type Store interface {
	AliasIndexRepository
	InboxRepository
	MessageRepository
	LedgerRepository
	CounterRepository
	PubSubRepository

	// 工具方法
	Close() error
	Health() error
}

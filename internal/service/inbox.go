package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"turbomail/backend/internal/domain"
	"turbomail/backend/internal/storage"
)

// InboxService 封装收件日志的读取与删除逻辑。
type InboxService struct {
	store storage.Store
	log   *zap.Logger
}

// NewInboxService 创建收件箱业务服务。
func NewInboxService(store storage.Store, log *zap.Logger) *InboxService {
	if log == nil {
		log = zap.NewNop()
	}
	return &InboxService{store: store, log: log}
}

// List 返回设备的收件日志，时间倒序。
// alias 非空时只返回该别名的条目。
func (s *InboxService) List(ctx context.Context, deviceID, alias string) ([]domain.InboxEntry, error) {
	return s.store.ListEntries(ctx, deviceID, domain.NormalizeAddress(alias))
}

// ListByAddress 返回某地址在所有设备下的条目，时间倒序。
// 仅按地址查询，不关心持有方是谁。
func (s *InboxService) ListByAddress(ctx context.Context, address string) ([]domain.InboxEntry, error) {
	return s.store.ListEntriesByAddress(ctx, domain.NormalizeAddress(address))
}

// Get 返回一条收件条目及其引用的邮件本体。
func (s *InboxService) Get(ctx context.Context, deviceID, entryID string) (*domain.InboxEntry, *domain.InboundMessage, error) {
	entry, err := s.store.GetEntry(ctx, deviceID, entryID)
	if err != nil {
		return nil, nil, err
	}

	message, err := s.store.GetMessage(ctx, entry.MessageID)
	if err != nil {
		// 条目还在而本体已不可达，退化为只返回条目
		s.log.Warn("inbox entry references missing message",
			zap.String("entryId", entryID),
			zap.String("messageId", entry.MessageID))
		return entry, nil, nil
	}
	return entry, message, nil
}

// DeleteOne 按稳定条目 ID 删除一条收件记录。
// 其他设备对同一封邮件的副本不受影响。
func (s *InboxService) DeleteOne(ctx context.Context, deviceID, entryID string) error {
	return s.store.DeleteEntry(ctx, deviceID, entryID)
}

// DeleteAll 清空设备的收件日志，返回删除数量。
func (s *InboxService) DeleteAll(ctx context.Context, deviceID string) (int, error) {
	n, err := s.store.DeleteAllEntries(ctx, deviceID)
	if err != nil {
		return 0, fmt.Errorf("delete entries: %w", err)
	}
	return n, nil
}

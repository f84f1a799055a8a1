package service

import (
	"context"
	"fmt"

	"turbomail/backend/internal/domain"
	"turbomail/backend/internal/storage"
)

// 运维面板默认返回的最近邮件数。
const defaultRecentLimit = 50

// StatsService 汇总计数器与账本状态，只读，供运维面板消费。
// 计数器只用于观测，核心流程不会拿它做控制流判断。
type StatsService struct {
	store storage.Store
}

// NewStatsService 创建统计服务。
func NewStatsService(store storage.Store) *StatsService {
	return &StatsService{store: store}
}

// Snapshot 返回全局计数器与账本积压的快照。
func (s *StatsService) Snapshot(ctx context.Context) (*domain.StatsSnapshot, error) {
	total, err := s.store.GetCounter(ctx, domain.CounterTotalEmails, "")
	if err != nil {
		return nil, fmt.Errorf("get total_emails: %w", err)
	}
	generated, err := s.store.GetCounter(ctx, domain.CounterGeneratedEmails, "")
	if err != nil {
		return nil, fmt.Errorf("get generated_emails: %w", err)
	}
	received, err := s.store.GetCounter(ctx, domain.CounterReceivedEmails, "")
	if err != nil {
		return nil, fmt.Errorf("get received_emails: %w", err)
	}
	pending, err := s.store.ListPendingFailures(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending failures: %w", err)
	}

	return &domain.StatsSnapshot{
		TotalEmails:     total,
		GeneratedEmails: generated,
		ReceivedEmails:  received,
		PendingFailures: len(pending),
	}, nil
}

// DeviceGenerated 返回设备累计分配的别名数。
func (s *StatsService) DeviceGenerated(ctx context.Context, deviceID string) (int64, error) {
	return s.store.GetCounter(ctx, domain.CounterGeneratedCount, deviceID)
}

// DeviceReceived 返回设备累计收到的邮件数。
func (s *StatsService) DeviceReceived(ctx context.Context, deviceID string) (int64, error) {
	return s.store.GetCounter(ctx, domain.CounterReceivedCount, deviceID)
}

// RecentMessages 返回最近接收的邮件，limit 不合法时取默认值。
func (s *StatsService) RecentMessages(ctx context.Context, limit int) ([]domain.InboundMessage, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	return s.store.RecentMessages(ctx, limit)
}

// PendingFailures 返回账本里全部待重放的记录。
func (s *StatsService) PendingFailures(ctx context.Context) ([]domain.FailureRecord, error) {
	return s.store.ListPendingFailures(ctx)
}

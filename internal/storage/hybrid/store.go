package hybrid

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"turbomail/backend/internal/config"
	"turbomail/backend/internal/domain"
	"turbomail/backend/internal/storage"
	"turbomail/backend/internal/storage/redis"
	sqlstore "turbomail/backend/internal/storage/sql"
)

// Store 混合存储实现：关系库做持久化事实，Redis 承担
// 计数器、跨进程发布订阅和限流窗口。
//
// 路由索引、收件日志、邮件本体和失败账本都只走关系库，
// 这些读写必须反映最近一次完成的写入，不经过任何缓存层。
type Store struct {
	db    *sqlstore.Store
	redis *redis.Store
	log   *zap.Logger
}

// NewStore 创建混合存储实例。
func NewStore(dbType, dsn string, redisCfg *config.RedisConfig, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sqlstore.NewStore(dbType, dsn, 25, 5, 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	client, err := redis.New(redisCfg, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	return &Store{
		db:    db,
		redis: redis.NewStore(client, log),
		log:   log,
	}, nil
}

// ========== 别名索引（关系库） ==========

func (s *Store) Link(ctx context.Context, deviceID, address string, createdAt time.Time) error {
	return s.db.Link(ctx, deviceID, address, createdAt)
}

func (s *Store) Unlink(ctx context.Context, deviceID, address string) error {
	return s.db.Unlink(ctx, deviceID, address)
}

func (s *Store) ClearDevice(ctx context.Context, deviceID string) error {
	return s.db.ClearDevice(ctx, deviceID)
}

func (s *Store) AliasesOf(ctx context.Context, deviceID string) ([]domain.Alias, error) {
	return s.db.AliasesOf(ctx, deviceID)
}

func (s *Store) DevicesFor(ctx context.Context, address string) ([]string, error) {
	return s.db.DevicesFor(ctx, address)
}

func (s *Store) HasAlias(ctx context.Context, deviceID, address string) (bool, error) {
	return s.db.HasAlias(ctx, deviceID, address)
}

// ========== 收件日志（关系库） ==========

func (s *Store) AppendEntry(ctx context.Context, entry *domain.InboxEntry) error {
	return s.db.AppendEntry(ctx, entry)
}

func (s *Store) ListEntries(ctx context.Context, deviceID, alias string) ([]domain.InboxEntry, error) {
	return s.db.ListEntries(ctx, deviceID, alias)
}

func (s *Store) ListEntriesByAddress(ctx context.Context, address string) ([]domain.InboxEntry, error) {
	return s.db.ListEntriesByAddress(ctx, address)
}

func (s *Store) GetEntry(ctx context.Context, deviceID, entryID string) (*domain.InboxEntry, error) {
	return s.db.GetEntry(ctx, deviceID, entryID)
}

func (s *Store) DeleteEntry(ctx context.Context, deviceID, entryID string) error {
	return s.db.DeleteEntry(ctx, deviceID, entryID)
}

func (s *Store) DeleteAllEntries(ctx context.Context, deviceID string) (int, error) {
	return s.db.DeleteAllEntries(ctx, deviceID)
}

// ========== 邮件本体（关系库） ==========

func (s *Store) SaveMessage(ctx context.Context, message *domain.InboundMessage) error {
	return s.db.SaveMessage(ctx, message)
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*domain.InboundMessage, error) {
	return s.db.GetMessage(ctx, messageID)
}

func (s *Store) RecentMessages(ctx context.Context, limit int) ([]domain.InboundMessage, error) {
	return s.db.RecentMessages(ctx, limit)
}

// ========== 失败账本（关系库） ==========

func (s *Store) RecordFailure(ctx context.Context, record *domain.FailureRecord) error {
	return s.db.RecordFailure(ctx, record)
}

func (s *Store) ListPendingFailures(ctx context.Context) ([]domain.FailureRecord, error) {
	return s.db.ListPendingFailures(ctx)
}

func (s *Store) ResolveFailure(ctx context.Context, recordID string) error {
	return s.db.ResolveFailure(ctx, recordID)
}

// ========== 计数器（Redis，关系库兜底） ==========

// IncrementCounter 双写：Redis 是读取侧，关系库保证重启后不丢。
func (s *Store) IncrementCounter(ctx context.Context, name, scope string) error {
	if err := s.db.IncrementCounter(ctx, name, scope); err != nil {
		return err
	}
	if err := s.redis.IncrementCounter(ctx, name, scope); err != nil {
		// Redis 侧失败不影响正确性，读取会回退到关系库
		s.log.Warn("redis counter increment failed",
			zap.String("name", name), zap.String("scope", scope), zap.Error(err))
	}
	return nil
}

// GetCounter 优先读 Redis，miss 或出错时回退关系库。
func (s *Store) GetCounter(ctx context.Context, name, scope string) (int64, error) {
	if value, err := s.redis.GetCounter(ctx, name, scope); err == nil && value > 0 {
		return value, nil
	}
	return s.db.GetCounter(ctx, name, scope)
}

// ========== 发布订阅（Redis） ==========

func (s *Store) PublishNewMail(ctx context.Context, channelID string, summary *domain.MessageSummary) error {
	return s.redis.PublishNewMail(ctx, channelID, summary)
}

// SubscribeNewMail 订阅全部新邮件频道，供推送端桥接使用。
func (s *Store) SubscribeNewMail(ctx context.Context) *goredis.PubSub {
	return s.redis.SubscribeNewMail(ctx)
}

// ========== 限流（Redis） ==========

func (s *Store) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	return s.redis.IncrementRateLimit(ctx, key, window)
}

func (s *Store) GetRateLimit(ctx context.Context, key string) (int64, error) {
	return s.redis.GetRateLimit(ctx, key)
}

// ========== 工具方法 ==========

// Close 关闭两侧连接。
func (s *Store) Close() error {
	dbErr := s.db.Close()
	redisErr := s.redis.Close()
	if dbErr != nil {
		return dbErr
	}
	return redisErr
}

// Health 两侧任意一侧不可用即视为不健康。
func (s *Store) Health() error {
	if err := s.db.Health(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := s.redis.Health(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

var _ storage.Store = (*Store)(nil)

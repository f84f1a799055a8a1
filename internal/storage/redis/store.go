package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"turbomail/backend/internal/domain"
	"turbomail/backend/internal/storage"
)

// 键布局：
//
//	device:{id}:aliases     HASH   address -> createdAt(RFC3339)
//	alias:{addr}:devices    SET    设备 ID 集合（路由索引的反向侧）
//	device:{id}:entries     ZSET   entryID，按接收时间排序
//	device:{id}:seen        HASH   messageID -> entryID（集合语义去重）
//	entry:{device}:{id}     STRING 条目 JSON
//	address:{addr}:entries  ZSET   "device:entryID"，按地址聚合
//	message:{id}            STRING 邮件本体 JSON
//	messages:recent         ZSET   messageID，按接收时间排序
//	failure:{id}            STRING 失败记录 JSON
//	failures:pending        ZSET   recordID，按失败时间排序
//	counter:{name}[:scope]  STRING 单调计数器
//	ratelimit:{key}         STRING 窗口计数
//
// 新邮件事件发布到 new_mail:{channel} 频道。

// Store 基于 Redis 的完整存储实现。
type Store struct {
	client *Client
	log    *zap.Logger
}

// NewStore 创建 Redis 存储。
func NewStore(client *Client, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{client: client, log: log}
}

func deviceAliasesKey(deviceID string) string { return "device:" + deviceID + ":aliases" }
func aliasDevicesKey(address string) string   { return "alias:" + address + ":devices" }
func deviceEntriesKey(deviceID string) string { return "device:" + deviceID + ":entries" }
func deviceSeenKey(deviceID string) string    { return "device:" + deviceID + ":seen" }
func entryKey(deviceID, entryID string) string {
	return "entry:" + deviceID + ":" + entryID
}
func addressEntriesKey(address string) string { return "address:" + address + ":entries" }
func messageKey(messageID string) string      { return "message:" + messageID }
func failureKey(recordID string) string       { return "failure:" + recordID }

func counterKey(name, scope string) string {
	if scope == "" {
		return "counter:" + name
	}
	return "counter:" + name + ":" + scope
}

const (
	recentMessagesKey  = "messages:recent"
	pendingFailuresKey = "failures:pending"
	newMailChannelFmt  = "new_mail:%s"
)

// ========== 别名索引 ==========

// Link 登记 (设备, 地址) 双向映射。
func (s *Store) Link(ctx context.Context, deviceID, address string, createdAt time.Time) error {
	pipe := s.client.Client().TxPipeline()
	pipe.HSetNX(ctx, deviceAliasesKey(deviceID), address, createdAt.UTC().Format(time.RFC3339Nano))
	pipe.SAdd(ctx, aliasDevicesKey(address), deviceID)
	_, err := pipe.Exec(ctx)
	return err
}

// Unlink 从双向索引移除一条映射。
func (s *Store) Unlink(ctx context.Context, deviceID, address string) error {
	removed, err := s.client.Client().HDel(ctx, deviceAliasesKey(deviceID), address).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return storage.ErrAliasNotFound
	}
	return s.client.Client().SRem(ctx, aliasDevicesKey(address), deviceID).Err()
}

// ClearDevice 移除设备的全部别名。
func (s *Store) ClearDevice(ctx context.Context, deviceID string) error {
	aliases, err := s.client.Client().HGetAll(ctx, deviceAliasesKey(deviceID)).Result()
	if err != nil {
		return err
	}

	pipe := s.client.Client().TxPipeline()
	for address := range aliases {
		pipe.SRem(ctx, aliasDevicesKey(address), deviceID)
	}
	pipe.Del(ctx, deviceAliasesKey(deviceID))
	_, err = pipe.Exec(ctx)
	return err
}

// AliasesOf 返回设备持有的全部别名。
func (s *Store) AliasesOf(ctx context.Context, deviceID string) ([]domain.Alias, error) {
	raw, err := s.client.Client().HGetAll(ctx, deviceAliasesKey(deviceID)).Result()
	if err != nil {
		return nil, err
	}

	aliases := make([]domain.Alias, 0, len(raw))
	for address, created := range raw {
		createdAt, _ := time.Parse(time.RFC3339Nano, created)
		aliases = append(aliases, domain.Alias{
			Address:       address,
			OwnerDeviceID: deviceID,
			CreatedAt:     createdAt,
		})
	}
	sort.Slice(aliases, func(i, j int) bool {
		if aliases[i].CreatedAt.Equal(aliases[j].CreatedAt) {
			return aliases[i].Address < aliases[j].Address
		}
		return aliases[i].CreatedAt.Before(aliases[j].CreatedAt)
	})
	return aliases, nil
}

// DevicesFor 返回持有该地址的全部设备 ID。
func (s *Store) DevicesFor(ctx context.Context, address string) ([]string, error) {
	devices, err := s.client.Client().SMembers(ctx, aliasDevicesKey(address)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(devices)
	return devices, nil
}

// HasAlias 报告设备是否已持有该地址。
func (s *Store) HasAlias(ctx context.Context, deviceID, address string) (bool, error) {
	return s.client.Client().HExists(ctx, deviceAliasesKey(deviceID), address).Result()
}

// ========== 收件日志 ==========

// AppendEntry 以 (deviceID, messageID) 为键做集合语义的插入。
//
// seen 槽位的占用和条目写入隔着一次往返，两步之间中断会留下
// 只有槽位没有条目的半截状态。所以占不到槽位时不能直接当作
// 已投递：还要确认槽位指向的条目确实在场，缺失就沿用槽位里
// 记下的条目 ID 重写，账本重放由此收敛。
func (s *Store) AppendEntry(ctx context.Context, entry *domain.InboxEntry) error {
	client := s.client.Client()
	seenKey := deviceSeenKey(entry.DeviceID)

	entryID := entry.ID
	inserted, err := client.HSetNX(ctx, seenKey, entry.MessageID, entryID).Result()
	if err != nil {
		return err
	}
	if !inserted {
		claimed, err := client.HGet(ctx, seenKey, entry.MessageID).Result()
		if err != nil {
			if err != goredis.Nil {
				return err
			}
			claimed = entryID // 槽位刚被并发清掉，按未投递处理
		}
		exists, err := client.Exists(ctx, entryKey(entry.DeviceID, claimed)).Result()
		if err != nil {
			return err
		}
		if exists == 1 {
			return nil
		}
		entryID = claimed
	}

	stored := *entry
	stored.ID = entryID
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	score := float64(entry.ReceivedAt.UnixNano())
	pipe := client.TxPipeline()
	pipe.HSet(ctx, seenKey, entry.MessageID, entryID)
	pipe.Set(ctx, entryKey(entry.DeviceID, entryID), data, 0)
	pipe.ZAdd(ctx, deviceEntriesKey(entry.DeviceID), goredis.Z{Score: score, Member: entryID})
	pipe.ZAdd(ctx, addressEntriesKey(entry.Alias), goredis.Z{Score: score, Member: entry.DeviceID + ":" + entryID})
	_, err = pipe.Exec(ctx)
	return err
}

// ListEntries 返回设备的收件日志，时间倒序。
func (s *Store) ListEntries(ctx context.Context, deviceID, alias string) ([]domain.InboxEntry, error) {
	ids, err := s.client.Client().ZRevRange(ctx, deviceEntriesKey(deviceID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]domain.InboxEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := s.getEntry(ctx, deviceID, id)
		if err != nil {
			if err == storage.ErrEntryNotFound {
				continue
			}
			return nil, err
		}
		if alias != "" && entry.Alias != alias {
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// ListEntriesByAddress 返回某地址在所有设备下的条目，时间倒序。
func (s *Store) ListEntriesByAddress(ctx context.Context, address string) ([]domain.InboxEntry, error) {
	members, err := s.client.Client().ZRevRange(ctx, addressEntriesKey(address), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]domain.InboxEntry, 0, len(members))
	for _, member := range members {
		deviceID, entryID, ok := splitEntryMember(member)
		if !ok {
			continue
		}
		entry, err := s.getEntry(ctx, deviceID, entryID)
		if err != nil {
			if err == storage.ErrEntryNotFound {
				continue
			}
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// GetEntry 按稳定条目 ID 取一条。
func (s *Store) GetEntry(ctx context.Context, deviceID, entryID string) (*domain.InboxEntry, error) {
	return s.getEntry(ctx, deviceID, entryID)
}

func (s *Store) getEntry(ctx context.Context, deviceID, entryID string) (*domain.InboxEntry, error) {
	data, err := s.client.Client().Get(ctx, entryKey(deviceID, entryID)).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, storage.ErrEntryNotFound
		}
		return nil, err
	}

	var entry domain.InboxEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &entry, nil
}

// DeleteEntry 按稳定条目 ID 删一条。
func (s *Store) DeleteEntry(ctx context.Context, deviceID, entryID string) error {
	entry, err := s.getEntry(ctx, deviceID, entryID)
	if err != nil {
		return err
	}

	pipe := s.client.Client().TxPipeline()
	pipe.Del(ctx, entryKey(deviceID, entryID))
	pipe.ZRem(ctx, deviceEntriesKey(deviceID), entryID)
	pipe.ZRem(ctx, addressEntriesKey(entry.Alias), deviceID+":"+entryID)
	pipe.HDel(ctx, deviceSeenKey(deviceID), entry.MessageID)
	_, err = pipe.Exec(ctx)
	return err
}

// DeleteAllEntries 清空设备的收件日志，返回删除数量。
func (s *Store) DeleteAllEntries(ctx context.Context, deviceID string) (int, error) {
	ids, err := s.client.Client().ZRange(ctx, deviceEntriesKey(deviceID), 0, -1).Result()
	if err != nil {
		return 0, err
	}

	deleted := 0
	pipe := s.client.Client().TxPipeline()
	for _, id := range ids {
		entry, err := s.getEntry(ctx, deviceID, id)
		if err != nil {
			if err == storage.ErrEntryNotFound {
				continue
			}
			return 0, err
		}
		pipe.Del(ctx, entryKey(deviceID, id))
		pipe.ZRem(ctx, addressEntriesKey(entry.Alias), deviceID+":"+id)
		deleted++
	}
	pipe.Del(ctx, deviceEntriesKey(deviceID))
	pipe.Del(ctx, deviceSeenKey(deviceID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return deleted, nil
}

func splitEntryMember(member string) (deviceID, entryID string, ok bool) {
	for i := len(member) - 1; i >= 0; i-- {
		if member[i] == ':' {
			return member[:i], member[i+1:], true
		}
	}
	return "", "", false
}

// ========== 邮件本体 ==========

// SaveMessage 按 ID 幂等落库。
func (s *Store) SaveMessage(ctx context.Context, message *domain.InboundMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	pipe := s.client.Client().TxPipeline()
	pipe.SetNX(ctx, messageKey(message.ID), data, 0)
	pipe.ZAdd(ctx, recentMessagesKey, goredis.Z{
		Score:  float64(message.ReceivedAt.UnixNano()),
		Member: message.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// GetMessage 按 ID 取邮件本体。
func (s *Store) GetMessage(ctx context.Context, messageID string) (*domain.InboundMessage, error) {
	data, err := s.client.Client().Get(ctx, messageKey(messageID)).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, storage.ErrMessageNotFound
		}
		return nil, err
	}

	var message domain.InboundMessage
	if err := json.Unmarshal([]byte(data), &message); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &message, nil
}

// RecentMessages 返回最近接收的邮件，时间倒序。
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]domain.InboundMessage, error) {
	ids, err := s.client.Client().ZRevRange(ctx, recentMessagesKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]domain.InboundMessage, 0, len(ids))
	for _, id := range ids {
		message, err := s.GetMessage(ctx, id)
		if err != nil {
			if err == storage.ErrMessageNotFound {
				continue
			}
			return nil, err
		}
		messages = append(messages, *message)
	}
	return messages, nil
}

// ========== 失败账本 ==========

// RecordFailure 追加一条待重放的失败记录。
func (s *Store) RecordFailure(ctx context.Context, record *domain.FailureRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal failure record: %w", err)
	}

	pipe := s.client.Client().TxPipeline()
	pipe.Set(ctx, failureKey(record.ID), data, 0)
	pipe.ZAdd(ctx, pendingFailuresKey, goredis.Z{
		Score:  float64(record.Timestamp.UnixNano()),
		Member: record.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// ListPendingFailures 返回所有待重放的记录，时间正序。
func (s *Store) ListPendingFailures(ctx context.Context) ([]domain.FailureRecord, error) {
	ids, err := s.client.Client().ZRange(ctx, pendingFailuresKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	records := make([]domain.FailureRecord, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Client().Get(ctx, failureKey(id)).Result()
		if err != nil {
			if err == goredis.Nil {
				continue
			}
			return nil, err
		}
		var record domain.FailureRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			return nil, fmt.Errorf("unmarshal failure record: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}

// ResolveFailure 将记录标记为已重放。
func (s *Store) ResolveFailure(ctx context.Context, recordID string) error {
	removed, err := s.client.Client().ZRem(ctx, pendingFailuresKey, recordID).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return storage.ErrRecordNotFound
	}

	data, err := s.client.Client().Get(ctx, failureKey(recordID)).Result()
	if err != nil {
		if err == goredis.Nil {
			return storage.ErrRecordNotFound
		}
		return err
	}

	var record domain.FailureRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return fmt.Errorf("unmarshal failure record: %w", err)
	}
	record.Status = domain.FailureStatusRetried

	updated, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("marshal failure record: %w", err)
	}
	return s.client.Client().Set(ctx, failureKey(recordID), updated, 0).Err()
}

// ========== 计数器 ==========

// IncrementCounter 递增计数器。
func (s *Store) IncrementCounter(ctx context.Context, name, scope string) error {
	return s.client.Client().Incr(ctx, counterKey(name, scope)).Err()
}

// GetCounter 读取计数器，不存在时为 0。
func (s *Store) GetCounter(ctx context.Context, name, scope string) (int64, error) {
	data, err := s.client.Client().Get(ctx, counterKey(name, scope)).Result()
	if err != nil {
		if err == goredis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseInt(data, 10, 64)
}

// ========== 发布订阅 ==========

// PublishNewMail 向频道发布新邮件事件，供其他进程的推送端消费。
func (s *Store) PublishNewMail(ctx context.Context, channelID string, summary *domain.MessageSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	return s.client.Client().Publish(ctx, fmt.Sprintf(newMailChannelFmt, channelID), data).Err()
}

// SubscribeNewMail 订阅全部新邮件频道，返回 Redis 订阅句柄。
func (s *Store) SubscribeNewMail(ctx context.Context) *goredis.PubSub {
	return s.client.Client().PSubscribe(ctx, fmt.Sprintf(newMailChannelFmt, "*"))
}

// ========== 限流 ==========

// IncrementRateLimit 递增窗口计数，首次递增时设置过期。
func (s *Store) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := s.client.Client().TxPipeline()
	incr := pipe.Incr(ctx, "ratelimit:"+key)
	pipe.Expire(ctx, "ratelimit:"+key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// GetRateLimit 读取当前窗口计数。
func (s *Store) GetRateLimit(ctx context.Context, key string) (int64, error) {
	data, err := s.client.Client().Get(ctx, "ratelimit:"+key).Result()
	if err != nil {
		if err == goredis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseInt(data, 10, 64)
}

// ========== 工具方法 ==========

// Close 关闭存储连接。
func (s *Store) Close() error {
	return s.client.Close()
}

// Health 检查存储健康状态。
func (s *Store) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.client.Ping(ctx)
}

var (
	_ storage.Store               = (*Store)(nil)
	_ storage.RateLimitRepository = (*Store)(nil)
)

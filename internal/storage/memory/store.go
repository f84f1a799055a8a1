package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"turbomail/backend/internal/domain"
	"turbomail/backend/internal/storage"
)

// Store 使用内存保存路由索引与收件日志，主要用于开发验证和测试。
type Store struct {
	mu sync.RWMutex

	// 双向别名索引
	aliasesByDevice map[string]map[string]domain.Alias // deviceID -> address -> alias
	devicesByAlias  map[string]map[string]struct{}     // address -> set<deviceID>

	// 收件日志
	entries       map[string][]*domain.InboxEntry          // deviceID -> 条目，新的在前
	entryByID     map[string]map[string]*domain.InboxEntry // deviceID -> entryID -> entry
	seenMessages  map[string]map[string]struct{}           // deviceID -> set<messageID>，append 去重用
	messages      map[string]*domain.InboundMessage        // messageID -> message
	messageOrder  []string                                 // 接收顺序，新的在后

	// 失败账本
	failures     map[string]*domain.FailureRecord
	failureOrder []string

	// 计数器
	counters map[string]int64

	// 速率限制
	rateLimits        map[string]*rateLimitEntry
	rateLimitsCleanup time.Time
}

// rateLimitEntry 速率限制条目
type rateLimitEntry struct {
	Count     int64
	ExpiresAt time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		aliasesByDevice:   make(map[string]map[string]domain.Alias),
		devicesByAlias:    make(map[string]map[string]struct{}),
		entries:           make(map[string][]*domain.InboxEntry),
		entryByID:         make(map[string]map[string]*domain.InboxEntry),
		seenMessages:      make(map[string]map[string]struct{}),
		messages:          make(map[string]*domain.InboundMessage),
		failures:          make(map[string]*domain.FailureRecord),
		failureOrder:      make([]string, 0),
		counters:          make(map[string]int64),
		rateLimits:        make(map[string]*rateLimitEntry),
		rateLimitsCleanup: time.Now().Add(5 * time.Minute),
	}
}

// Link 登记 (设备, 地址) 双向映射。重复登记是无操作。
func (s *Store) Link(_ context.Context, deviceID, address string, createdAt time.Time) error {
	address = domain.NormalizeAddress(address)

	s.mu.Lock()
	defer s.mu.Unlock()

	forward, ok := s.aliasesByDevice[deviceID]
	if !ok {
		forward = make(map[string]domain.Alias)
		s.aliasesByDevice[deviceID] = forward
	}
	if _, exists := forward[address]; exists {
		return nil
	}
	forward[address] = domain.Alias{
		Address:       address,
		OwnerDeviceID: deviceID,
		CreatedAt:     createdAt,
	}

	reverse, ok := s.devicesByAlias[address]
	if !ok {
		reverse = make(map[string]struct{})
		s.devicesByAlias[address] = reverse
	}
	reverse[deviceID] = struct{}{}
	return nil
}

// Unlink 从双向索引移除一条映射。
func (s *Store) Unlink(_ context.Context, deviceID, address string) error {
	address = domain.NormalizeAddress(address)

	s.mu.Lock()
	defer s.mu.Unlock()

	forward, ok := s.aliasesByDevice[deviceID]
	if !ok {
		return storage.ErrAliasNotFound
	}
	if _, exists := forward[address]; !exists {
		return storage.ErrAliasNotFound
	}

	s.unlinkLocked(deviceID, address)
	return nil
}

// unlinkLocked 同时清理正向与反向映射，需持有写锁调用。
func (s *Store) unlinkLocked(deviceID, address string) {
	if forward, ok := s.aliasesByDevice[deviceID]; ok {
		delete(forward, address)
		if len(forward) == 0 {
			delete(s.aliasesByDevice, deviceID)
		}
	}
	if reverse, ok := s.devicesByAlias[address]; ok {
		delete(reverse, deviceID)
		if len(reverse) == 0 {
			delete(s.devicesByAlias, address)
		}
	}
}

// ClearDevice 移除设备的全部别名。
// 先逐个解除反向映射，再删正向集合，保证不会留下指向已删设备的地址。
func (s *Store) ClearDevice(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	forward, ok := s.aliasesByDevice[deviceID]
	if !ok {
		return nil
	}
	for address := range forward {
		if reverse, ok := s.devicesByAlias[address]; ok {
			delete(reverse, deviceID)
			if len(reverse) == 0 {
				delete(s.devicesByAlias, address)
			}
		}
	}
	delete(s.aliasesByDevice, deviceID)
	return nil
}

// AliasesOf 返回设备持有的全部别名，按创建时间正序。
func (s *Store) AliasesOf(_ context.Context, deviceID string) ([]domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	forward := s.aliasesByDevice[deviceID]
	result := make([]domain.Alias, 0, len(forward))
	for _, alias := range forward {
		result = append(result, alias)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].Address < result[j].Address
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// DevicesFor 返回持有该地址的全部设备 ID。
func (s *Store) DevicesFor(_ context.Context, address string) ([]string, error) {
	address = domain.NormalizeAddress(address)

	s.mu.RLock()
	defer s.mu.RUnlock()

	reverse := s.devicesByAlias[address]
	result := make([]string, 0, len(reverse))
	for deviceID := range reverse {
		result = append(result, deviceID)
	}
	sort.Strings(result)
	return result, nil
}

// HasAlias 报告设备是否已持有该地址。
func (s *Store) HasAlias(_ context.Context, deviceID, address string) (bool, error) {
	address = domain.NormalizeAddress(address)

	s.mu.RLock()
	defer s.mu.RUnlock()

	forward, ok := s.aliasesByDevice[deviceID]
	if !ok {
		return false, nil
	}
	_, exists := forward[address]
	return exists, nil
}

// AppendEntry 以 (deviceID, messageID) 为键做集合语义的插入。
// 同一封邮件对同一设备重复投递是无操作，新条目插到日志头部。
func (s *Store) AppendEntry(_ context.Context, entry *domain.InboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen, ok := s.seenMessages[entry.DeviceID]
	if !ok {
		seen = make(map[string]struct{})
		s.seenMessages[entry.DeviceID] = seen
	}
	if _, dup := seen[entry.MessageID]; dup {
		return nil
	}
	seen[entry.MessageID] = struct{}{}

	clone := *entry
	s.entries[entry.DeviceID] = append([]*domain.InboxEntry{&clone}, s.entries[entry.DeviceID]...)

	byID, ok := s.entryByID[entry.DeviceID]
	if !ok {
		byID = make(map[string]*domain.InboxEntry)
		s.entryByID[entry.DeviceID] = byID
	}
	byID[entry.ID] = &clone
	return nil
}

// ListEntries 返回设备的收件日志，时间倒序。
// alias 非空时只返回该别名的条目。
func (s *Store) ListEntries(_ context.Context, deviceID, alias string) ([]domain.InboxEntry, error) {
	alias = domain.NormalizeAddress(alias)

	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.entries[deviceID]
	result := make([]domain.InboxEntry, 0, len(log))
	for _, entry := range log {
		if alias != "" && entry.Alias != alias {
			continue
		}
		result = append(result, *entry)
	}
	sortEntriesNewestFirst(result)
	return result, nil
}

// ListEntriesByAddress 返回某地址在所有设备下的条目，时间倒序。
func (s *Store) ListEntriesByAddress(_ context.Context, address string) ([]domain.InboxEntry, error) {
	address = domain.NormalizeAddress(address)

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.InboxEntry, 0)
	for _, log := range s.entries {
		for _, entry := range log {
			if entry.Alias == address {
				result = append(result, *entry)
			}
		}
	}
	sortEntriesNewestFirst(result)
	return result, nil
}

// GetEntry 按稳定条目 ID 取一条。
func (s *Store) GetEntry(_ context.Context, deviceID, entryID string) (*domain.InboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID, ok := s.entryByID[deviceID]
	if !ok {
		return nil, storage.ErrEntryNotFound
	}
	entry, ok := byID[entryID]
	if !ok {
		return nil, storage.ErrEntryNotFound
	}
	clone := *entry
	return &clone, nil
}

// DeleteEntry 按稳定条目 ID 删一条。
func (s *Store) DeleteEntry(_ context.Context, deviceID, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.entryByID[deviceID]
	if !ok {
		return storage.ErrEntryNotFound
	}
	entry, ok := byID[entryID]
	if !ok {
		return storage.ErrEntryNotFound
	}
	delete(byID, entryID)

	log := s.entries[deviceID]
	for i, e := range log {
		if e.ID == entryID {
			s.entries[deviceID] = append(log[:i], log[i+1:]...)
			break
		}
	}
	if seen, ok := s.seenMessages[deviceID]; ok {
		delete(seen, entry.MessageID)
	}
	return nil
}

// DeleteAllEntries 清空设备的收件日志，返回删除数量。
func (s *Store) DeleteAllEntries(_ context.Context, deviceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries[deviceID])
	delete(s.entries, deviceID)
	delete(s.entryByID, deviceID)
	delete(s.seenMessages, deviceID)
	return n, nil
}

// SaveMessage 按 ID 幂等落库，重复保存同一 ID 是无操作。
func (s *Store) SaveMessage(_ context.Context, message *domain.InboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[message.ID]; exists {
		return nil
	}
	clone := *message
	s.messages[message.ID] = &clone
	s.messageOrder = append(s.messageOrder, message.ID)
	return nil
}

// GetMessage 按 ID 取一封邮件。
func (s *Store) GetMessage(_ context.Context, messageID string) (*domain.InboundMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	message, ok := s.messages[messageID]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	clone := *message
	return &clone, nil
}

// RecentMessages 返回最近接收的邮件，时间倒序。
func (s *Store) RecentMessages(_ context.Context, limit int) ([]domain.InboundMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.messageOrder) {
		limit = len(s.messageOrder)
	}
	result := make([]domain.InboundMessage, 0, limit)
	for i := len(s.messageOrder) - 1; i >= 0 && len(result) < limit; i-- {
		if message, ok := s.messages[s.messageOrder[i]]; ok {
			result = append(result, *message)
		}
	}
	return result, nil
}

// RecordFailure 追加一条待重放的失败记录。
func (s *Store) RecordFailure(_ context.Context, record *domain.FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *record
	if clone.Status == "" {
		clone.Status = domain.FailureStatusPending
	}
	s.failures[clone.ID] = &clone
	s.failureOrder = append(s.failureOrder, clone.ID)
	return nil
}

// ListPendingFailures 返回所有待重放的记录，时间正序。
func (s *Store) ListPendingFailures(_ context.Context) ([]domain.FailureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.FailureRecord, 0)
	for _, id := range s.failureOrder {
		record, ok := s.failures[id]
		if ok && record.Pending() {
			result = append(result, *record)
		}
	}
	return result, nil
}

// ResolveFailure 将记录标记为已重放。
func (s *Store) ResolveFailure(_ context.Context, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.failures[recordID]
	if !ok {
		return storage.ErrRecordNotFound
	}
	record.Status = domain.FailureStatusRetried
	return nil
}

// IncrementCounter 递增一个计数器。
func (s *Store) IncrementCounter(_ context.Context, name, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[counterKey(name, scope)]++
	return nil
}

// GetCounter 读取计数器当前值，未写过的计数器为 0。
func (s *Store) GetCounter(_ context.Context, name, scope string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.counters[counterKey(name, scope)], nil
}

// PublishNewMail 内存实现没有跨进程订阅方，为空操作。
// 进程内的实时推送由通知中心直接完成。
func (s *Store) PublishNewMail(_ context.Context, _ string, _ *domain.MessageSummary) error {
	return nil
}

// IncrementRateLimit 在窗口内递增限流计数。
func (s *Store) IncrementRateLimit(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.After(s.rateLimitsCleanup) {
		for k, e := range s.rateLimits {
			if now.After(e.ExpiresAt) {
				delete(s.rateLimits, k)
			}
		}
		s.rateLimitsCleanup = now.Add(5 * time.Minute)
	}

	entry, ok := s.rateLimits[key]
	if !ok || now.After(entry.ExpiresAt) {
		entry = &rateLimitEntry{ExpiresAt: now.Add(window)}
		s.rateLimits[key] = entry
	}
	entry.Count++
	return entry.Count, nil
}

// GetRateLimit 读取限流计数当前值。
func (s *Store) GetRateLimit(_ context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.rateLimits[key]
	if !ok || time.Now().After(entry.ExpiresAt) {
		return 0, nil
	}
	return entry.Count, nil
}

// Close 关闭存储，内存实现无资源可释放。
func (s *Store) Close() error {
	return nil
}

// Health 内存存储始终健康。
func (s *Store) Health() error {
	return nil
}

func counterKey(name, scope string) string {
	if scope == "" {
		return name
	}
	return name + "|" + scope
}

func sortEntriesNewestFirst(entries []domain.InboxEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ReceivedAt.After(entries[j].ReceivedAt)
	})
}

var _ storage.Store = (*Store)(nil)

package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"turbomail/backend/internal/domain"
	"turbomail/backend/internal/storage"
)

// ========== 别名索引 ==========

// Link 登记 (设备, 地址) 双向映射。重复登记是无操作。
func (s *Store) Link(ctx context.Context, deviceID, address string, createdAt time.Time) error {
	var query string
	if s.driverName == "postgres" {
		query = s.rebind(`
			INSERT INTO aliases (address, owner_device_id, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT (address, owner_device_id) DO NOTHING
		`)
	} else {
		query = `
			INSERT IGNORE INTO aliases (address, owner_device_id, created_at)
			VALUES (?, ?, ?)
		`
	}
	_, err := s.db.ExecContext(ctx, query, address, deviceID, createdAt)
	return err
}

// Unlink 从双向索引移除一条映射。
func (s *Store) Unlink(ctx context.Context, deviceID, address string) error {
	query := s.rebind(`DELETE FROM aliases WHERE address = ? AND owner_device_id = ?`)
	result, err := s.db.ExecContext(ctx, query, address, deviceID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrAliasNotFound
	}
	return nil
}

// ClearDevice 移除设备的全部别名。
func (s *Store) ClearDevice(ctx context.Context, deviceID string) error {
	query := s.rebind(`DELETE FROM aliases WHERE owner_device_id = ?`)
	_, err := s.db.ExecContext(ctx, query, deviceID)
	return err
}

// AliasesOf 返回设备持有的全部别名，按创建时间排序。
func (s *Store) AliasesOf(ctx context.Context, deviceID string) ([]domain.Alias, error) {
	query := s.rebind(`
		SELECT address, owner_device_id, created_at
		FROM aliases
		WHERE owner_device_id = ?
		ORDER BY created_at, address
	`)
	rows, err := s.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aliases []domain.Alias
	for rows.Next() {
		var a domain.Alias
		if err := rows.Scan(&a.Address, &a.OwnerDeviceID, &a.CreatedAt); err != nil {
			return nil, err
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// DevicesFor 返回持有该地址的全部设备 ID。
func (s *Store) DevicesFor(ctx context.Context, address string) ([]string, error) {
	query := s.rebind(`
		SELECT owner_device_id FROM aliases
		WHERE address = ?
		ORDER BY owner_device_id
	`)
	rows, err := s.db.QueryContext(ctx, query, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		devices = append(devices, id)
	}
	return devices, rows.Err()
}

// HasAlias 报告设备是否已持有该地址。
func (s *Store) HasAlias(ctx context.Context, deviceID, address string) (bool, error) {
	query := s.rebind(`
		SELECT 1 FROM aliases
		WHERE address = ? AND owner_device_id = ?
		LIMIT 1
	`)
	var one int
	err := s.db.QueryRowContext(ctx, query, address, deviceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ========== 收件日志 ==========

// AppendEntry 以 (deviceID, messageID) 为键做集合语义的插入。
// 唯一索引 idx_device_msg 保证并发重复投递也只落一条。
func (s *Store) AppendEntry(ctx context.Context, entry *domain.InboxEntry) error {
	var query string
	if s.driverName == "postgres" {
		query = s.rebind(`
			INSERT INTO inbox_entries (id, device_id, message_id, alias, "from", subject, received_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (device_id, message_id) DO NOTHING
		`)
	} else {
		query = "INSERT IGNORE INTO inbox_entries (id, device_id, message_id, alias, `from`, subject, received_at) VALUES (?, ?, ?, ?, ?, ?, ?)"
	}
	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.DeviceID,
		entry.MessageID,
		entry.Alias,
		entry.From,
		entry.Subject,
		entry.ReceivedAt,
	)
	return err
}

func scanEntry(scanner interface{ Scan(...interface{}) error }, entry *domain.InboxEntry) error {
	return scanner.Scan(
		&entry.ID,
		&entry.DeviceID,
		&entry.MessageID,
		&entry.Alias,
		&entry.From,
		&entry.Subject,
		&entry.ReceivedAt,
	)
}

// entrySelect 拼出带正确转义的条目查询列。
func (s *Store) entrySelect(where, order string) string {
	fromCol := "`from`"
	if s.driverName == "postgres" {
		fromCol = `"from"`
	}
	return s.rebind(`
		SELECT id, device_id, message_id, alias, ` + fromCol + `, subject, received_at
		FROM inbox_entries
		` + where + `
		` + order)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...interface{}) ([]domain.InboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.InboxEntry
	for rows.Next() {
		var entry domain.InboxEntry
		if err := scanEntry(rows, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ListEntries 返回设备的收件日志，时间倒序。
func (s *Store) ListEntries(ctx context.Context, deviceID, alias string) ([]domain.InboxEntry, error) {
	if alias != "" {
		query := s.entrySelect("WHERE device_id = ? AND alias = ?", "ORDER BY received_at DESC, id")
		return s.queryEntries(ctx, query, deviceID, alias)
	}
	query := s.entrySelect("WHERE device_id = ?", "ORDER BY received_at DESC, id")
	return s.queryEntries(ctx, query, deviceID)
}

// ListEntriesByAddress 返回某地址在所有设备下的条目，时间倒序。
func (s *Store) ListEntriesByAddress(ctx context.Context, address string) ([]domain.InboxEntry, error) {
	query := s.entrySelect("WHERE alias = ?", "ORDER BY received_at DESC, id")
	return s.queryEntries(ctx, query, address)
}

// GetEntry 按稳定条目 ID 取一条。
func (s *Store) GetEntry(ctx context.Context, deviceID, entryID string) (*domain.InboxEntry, error) {
	query := s.entrySelect("WHERE device_id = ? AND id = ?", "")
	var entry domain.InboxEntry
	err := scanEntry(s.db.QueryRowContext(ctx, query, deviceID, entryID), &entry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// DeleteEntry 按稳定条目 ID 删一条。
func (s *Store) DeleteEntry(ctx context.Context, deviceID, entryID string) error {
	query := s.rebind(`DELETE FROM inbox_entries WHERE device_id = ? AND id = ?`)
	result, err := s.db.ExecContext(ctx, query, deviceID, entryID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrEntryNotFound
	}
	return nil
}

// DeleteAllEntries 清空设备的收件日志，返回删除数量。
func (s *Store) DeleteAllEntries(ctx context.Context, deviceID string) (int, error) {
	query := s.rebind(`DELETE FROM inbox_entries WHERE device_id = ?`)
	result, err := s.db.ExecContext(ctx, query, deviceID)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// ========== 邮件本体 ==========

// SaveMessage 按 ID 幂等落库。
func (s *Store) SaveMessage(ctx context.Context, message *domain.InboundMessage) error {
	headers := ""
	if len(message.Headers) > 0 {
		data, err := json.Marshal(message.Headers)
		if err != nil {
			return err
		}
		headers = string(data)
	}
	toJoined := strings.Join(message.To, ",")

	var query string
	if s.driverName == "postgres" {
		query = s.rebind(`
			INSERT INTO inbound_messages (id, "from", to_addrs, subject, text_body, html_body, headers, received_at, has_raw)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING
		`)
	} else {
		query = "INSERT IGNORE INTO inbound_messages (id, `from`, to_addrs, subject, text_body, html_body, headers, received_at, has_raw) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	}
	_, err := s.db.ExecContext(ctx, query,
		message.ID,
		message.From,
		toJoined,
		message.Subject,
		message.TextBody,
		message.HTMLBody,
		headers,
		message.ReceivedAt,
		message.HasRaw,
	)
	return err
}

// messageSelect 拼出带正确转义的邮件查询列。
func (s *Store) messageSelect(where, order string) string {
	fromCol := "`from`"
	if s.driverName == "postgres" {
		fromCol = `"from"`
	}
	return s.rebind(`
		SELECT id, ` + fromCol + `, to_addrs, subject, text_body, html_body, headers, received_at, has_raw
		FROM inbound_messages
		` + where + `
		` + order)
}

func scanMessage(scanner interface{ Scan(...interface{}) error }) (*domain.InboundMessage, error) {
	var (
		message  domain.InboundMessage
		toJoined string
		headers  string
	)
	err := scanner.Scan(
		&message.ID,
		&message.From,
		&toJoined,
		&message.Subject,
		&message.TextBody,
		&message.HTMLBody,
		&headers,
		&message.ReceivedAt,
		&message.HasRaw,
	)
	if err != nil {
		return nil, err
	}

	if toJoined != "" {
		message.To = strings.Split(toJoined, ",")
	}
	message.ToJoined = toJoined
	if headers != "" {
		_ = json.Unmarshal([]byte(headers), &message.Headers)
	}
	return &message, nil
}

// GetMessage 按 ID 取邮件本体。
func (s *Store) GetMessage(ctx context.Context, messageID string) (*domain.InboundMessage, error) {
	query := s.messageSelect("WHERE id = ?", "")
	message, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return message, nil
}

// RecentMessages 返回最近接收的邮件，时间倒序。
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]domain.InboundMessage, error) {
	query := s.messageSelect("", "ORDER BY received_at DESC, id LIMIT ?")
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.InboundMessage
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *message)
	}
	return messages, rows.Err()
}

// ========== 失败账本 ==========

// RecordFailure 追加一条待重放的失败记录。
func (s *Store) RecordFailure(ctx context.Context, record *domain.FailureRecord) error {
	query := s.rebind(`
		INSERT INTO failure_records (id, timestamp, payload, error_message, status)
		VALUES (?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.Timestamp,
		record.Payload,
		record.ErrorMessage,
		record.Status,
	)
	return err
}

// ListPendingFailures 返回所有待重放的记录，时间正序。
func (s *Store) ListPendingFailures(ctx context.Context) ([]domain.FailureRecord, error) {
	query := s.rebind(`
		SELECT id, timestamp, payload, error_message, status
		FROM failure_records
		WHERE status = ?
		ORDER BY timestamp, id
	`)
	rows, err := s.db.QueryContext(ctx, query, domain.FailureStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.FailureRecord
	for rows.Next() {
		var record domain.FailureRecord
		if err := rows.Scan(&record.ID, &record.Timestamp, &record.Payload, &record.ErrorMessage, &record.Status); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// ResolveFailure 将记录标记为已重放。
func (s *Store) ResolveFailure(ctx context.Context, recordID string) error {
	query := s.rebind(`
		UPDATE failure_records SET status = ?
		WHERE id = ? AND status = ?
	`)
	result, err := s.db.ExecContext(ctx, query, domain.FailureStatusRetried, recordID, domain.FailureStatusPending)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrRecordNotFound
	}
	return nil
}

// ========== 计数器 ==========

// IncrementCounter 递增计数器，行不存在时初始化为 1。
func (s *Store) IncrementCounter(ctx context.Context, name, scope string) error {
	var query string
	if s.driverName == "postgres" {
		query = s.rebind(`
			INSERT INTO counter_rows (name, scope, value)
			VALUES (?, ?, 1)
			ON CONFLICT (name, scope) DO UPDATE SET value = counter_rows.value + 1
		`)
	} else {
		query = `
			INSERT INTO counter_rows (name, scope, value)
			VALUES (?, ?, 1)
			ON DUPLICATE KEY UPDATE value = value + 1
		`
	}
	_, err := s.db.ExecContext(ctx, query, name, scope)
	return err
}

// GetCounter 读取计数器，不存在时为 0。
func (s *Store) GetCounter(ctx context.Context, name, scope string) (int64, error) {
	query := s.rebind(`SELECT value FROM counter_rows WHERE name = ? AND scope = ?`)
	var value int64
	err := s.db.QueryRowContext(ctx, query, name, scope).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return value, nil
}

// ========== 发布订阅 ==========

// PublishNewMail 是空操作，关系型存储不提供跨进程推送。
func (s *Store) PublishNewMail(ctx context.Context, channelID string, summary *domain.MessageSummary) error {
	return nil
}

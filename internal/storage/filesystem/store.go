package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// Store 原始报文的文件系统归档。
//
// 邮件本体和收件日志走主存储，原始 MIME 报文体积大且只读，
// 落到 {base}/{id 前两位}/{id}.eml 的两级目录里，按需读取。
type Store struct {
	basePath string
}

// NewStore 创建文件系统归档。
func NewStore(basePath string) (*Store, error) {
	if strings.Contains(basePath, "..") {
		return nil, fmt.Errorf("path traversal detected: %s", basePath)
	}

	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve base path: %w", err)
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Store{basePath: absPath}, nil
}

// SaveRaw 归档一封邮件的原始报文，按 messageID 幂等覆盖。
func (s *Store) SaveRaw(messageID string, data []byte) error {
	path, err := s.rawPath(messageID)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}

	// 先写临时文件再改名，避免读到半截报文
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write raw message: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit raw message: %w", err)
	}
	return nil
}

// GetRaw 读取一封邮件的原始报文。
func (s *Store) GetRaw(messageID string) ([]byte, error) {
	path, err := s.rawPath(messageID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("raw message %s not archived", messageID)
		}
		return nil, fmt.Errorf("failed to read raw message: %w", err)
	}
	return data, nil
}

// DeleteRaw 删除一封邮件的归档，不存在时是无操作。
func (s *Store) DeleteRaw(messageID string) error {
	path, err := s.rawPath(messageID)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete raw message: %w", err)
	}
	return nil
}

// rawPath 返回报文的归档位置。
func (s *Store) rawPath(messageID string) (string, error) {
	id := sanitizeID(messageID)
	if id == "" {
		return "", fmt.Errorf("invalid message id %q", messageID)
	}

	shard := id
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(s.basePath, shard, id+".eml"), nil
}

// sanitizeID 把外部给的邮件 ID 规整成安全的文件名。
// 路径分隔符和平台敏感字符替换为下划线，控制字符直接丢弃。
func sanitizeID(id string) string {
	id = filepath.Base(strings.TrimSpace(id))

	var b strings.Builder
	for _, r := range id {
		switch {
		case unicode.IsControl(r):
			continue
		case strings.ContainsRune(`<>:"|?*\/`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}

	out := strings.Trim(b.String(), " .")
	if len(out) > 200 {
		out = out[:200]
	}
	return out
}

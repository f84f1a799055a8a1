package config

import (
	"fmt"
	"strings"
	"sync"
)

// MinAPIKeyLength 是共享 API key 的最小长度。
const MinAPIKeyLength = 8

// Runtime 持有运行期可变的配置子集：共享 API key 和域名白名单。
//
// 读多写少，单写者多读者：所有读走 RLock，管理端的改写走 Lock。
// 改写立即对后续请求可见，不做任何缓存。
type Runtime struct {
	mu             sync.RWMutex
	apiKey         string
	allowedDomains []string
}

// NewRuntime 以静态配置为初始值创建运行期配置。
func NewRuntime(cfg *Config) *Runtime {
	domains := make([]string, len(cfg.Mail.AllowedDomains))
	copy(domains, cfg.Mail.AllowedDomains)
	return &Runtime{
		apiKey:         cfg.Ingest.APIKey,
		allowedDomains: domains,
	}
}

// APIKey 返回当前生效的共享 API key。
func (r *Runtime) APIKey() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.apiKey
}

// SetAPIKey 更新共享 API key。
func (r *Runtime) SetAPIKey(key string) error {
	key = strings.TrimSpace(key)
	if len(key) < MinAPIKeyLength {
		return fmt.Errorf("api key must be at least %d characters", MinAPIKeyLength)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.apiKey = key
	return nil
}

// AllowedDomains 返回域名白名单的副本。
func (r *Runtime) AllowedDomains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.allowedDomains))
	copy(out, r.allowedDomains)
	return out
}

// DomainAllowed 报告域名是否在白名单内。
func (r *Runtime) DomainAllowed(domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.allowedDomains {
		if d == domain {
			return true
		}
	}
	return false
}

// AddDomain 向白名单追加一个域名，重复添加是无操作。
func (r *Runtime) AddDomain(domain string) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return fmt.Errorf("domain must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.allowedDomains {
		if d == domain {
			return nil
		}
	}
	r.allowedDomains = append(r.allowedDomains, domain)
	return nil
}

// RemoveDomain 从白名单移除一个域名。
// 白名单不允许被清空，移除最后一个域名会报错。
func (r *Runtime) RemoveDomain(domain string) error {
	domain = strings.ToLower(strings.TrimSpace(domain))

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, d := range r.allowedDomains {
		if d == domain {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("domain %s not in allow-list", domain)
	}
	if len(r.allowedDomains) == 1 {
		return fmt.Errorf("allow-list must not become empty")
	}

	r.allowedDomains = append(r.allowedDomains[:idx], r.allowedDomains[idx+1:]...)
	return nil
}

// Reload 一次性替换 API key 和域名白名单。
func (r *Runtime) Reload(apiKey string, domains []string) error {
	apiKey = strings.TrimSpace(apiKey)
	if len(apiKey) < MinAPIKeyLength {
		return fmt.Errorf("api key must be at least %d characters", MinAPIKeyLength)
	}

	normalized := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			normalized = append(normalized, d)
		}
	}
	if len(normalized) == 0 {
		return fmt.Errorf("allow-list must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.apiKey = apiKey
	r.allowedDomains = normalized
	return nil
}

package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"turbomail/backend/internal/config"
	"turbomail/backend/internal/domain"
	"turbomail/backend/internal/monitoring"
	"turbomail/backend/internal/storage"
)

var (
	// ErrAliasExists 手动申请的别名在该设备下已存在
	ErrAliasExists = errors.New("alias already exists for this device")
	// ErrDomainNotAllowed 域名不在白名单内
	ErrDomainNotAllowed = errors.New("domain not allowed")
)

// 随机别名的本地部分长度（十六进制字符数）和碰撞重试上限。
const (
	randomLocalPartBytes = 4
	maxAllocateAttempts  = 10
)

// AliasService 封装别名分配与索引维护逻辑。
type AliasService struct {
	store   storage.Store
	runtime *config.Runtime
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewAliasService 创建别名业务服务。
func NewAliasService(store storage.Store, runtime *config.Runtime, metrics *monitoring.Metrics, log *zap.Logger) *AliasService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AliasService{
		store:   store,
		runtime: runtime,
		metrics: metrics,
		log:     log,
	}
}

// Allocate 为设备分配一个随机别名。
//
// 本地部分取 8 位十六进制随机串，域名从白名单里均匀抽取。
// 与该设备已持有的地址碰撞时换一个重新抽，最多尝试 10 次；
// 次数用尽后返回最后一次抽到的地址，不再保证设备内唯一。
// 这是刻意的尽力而为策略，分配请求本身不失败。
func (s *AliasService) Allocate(ctx context.Context, deviceID string) (*domain.Alias, error) {
	if err := domain.ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}

	domains := s.runtime.AllowedDomains()
	if len(domains) == 0 {
		return nil, ErrDomainNotAllowed
	}

	var address string
	for attempt := 0; attempt < maxAllocateAttempts; attempt++ {
		localPart, err := randomLocalPart()
		if err != nil {
			return nil, fmt.Errorf("draw local part: %w", err)
		}
		domainName, err := pickDomain(domains)
		if err != nil {
			return nil, fmt.Errorf("pick domain: %w", err)
		}
		address = localPart + "@" + domainName

		taken, err := s.store.HasAlias(ctx, deviceID, address)
		if err != nil {
			return nil, fmt.Errorf("check alias: %w", err)
		}
		if !taken {
			return s.register(ctx, deviceID, address)
		}
	}

	s.log.Warn("alias allocation exhausted retries, returning last draw",
		zap.String("deviceId", deviceID),
		zap.String("address", address))
	return s.register(ctx, deviceID, address)
}

// AllocateManual 为设备登记调用方指定的别名。
//
// 域名必须在白名单内，否则返回 ErrDomainNotAllowed；
// 该设备已持有同名地址时返回 ErrAliasExists，不做重试，
// 也不改动索引。
func (s *AliasService) AllocateManual(ctx context.Context, deviceID, localPart, domainName string) (*domain.Alias, error) {
	if err := domain.ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}

	localPart = strings.ToLower(strings.TrimSpace(localPart))
	domainName = strings.ToLower(strings.TrimSpace(domainName))

	if err := domain.ValidateLocalPart(localPart); err != nil {
		return nil, err
	}
	if !s.runtime.DomainAllowed(domainName) {
		return nil, ErrDomainNotAllowed
	}

	address := localPart + "@" + domainName
	taken, err := s.store.HasAlias(ctx, deviceID, address)
	if err != nil {
		return nil, fmt.Errorf("check alias: %w", err)
	}
	if taken {
		return nil, ErrAliasExists
	}

	return s.register(ctx, deviceID, address)
}

// register 登记别名并递增 generated 计数器。
//
// Link 是幂等的：两步之间崩溃后重跑同一个地址不会产生重复登记，
// 用幂等重登记补上缺失的事务边界。
func (s *AliasService) register(ctx context.Context, deviceID, address string) (*domain.Alias, error) {
	now := time.Now().UTC()
	if err := s.store.Link(ctx, deviceID, address, now); err != nil {
		return nil, fmt.Errorf("link alias: %w", err)
	}

	if err := s.store.IncrementCounter(ctx, domain.CounterGeneratedEmails, ""); err != nil {
		s.log.Warn("increment generated_emails failed", zap.Error(err))
	}
	if err := s.store.IncrementCounter(ctx, domain.CounterGeneratedCount, deviceID); err != nil {
		s.log.Warn("increment generated_count failed",
			zap.String("deviceId", deviceID), zap.Error(err))
	}

	if s.metrics != nil {
		s.metrics.RecordAliasAllocated()
	}
	s.log.Info("alias allocated",
		zap.String("deviceId", deviceID),
		zap.String("address", address))

	return &domain.Alias{
		Address:       address,
		OwnerDeviceID: deviceID,
		CreatedAt:     now,
	}, nil
}

// List 返回设备持有的全部别名。
func (s *AliasService) List(ctx context.Context, deviceID string) ([]domain.Alias, error) {
	return s.store.AliasesOf(ctx, deviceID)
}

// Unlink 解除设备与一个别名的绑定。
func (s *AliasService) Unlink(ctx context.Context, deviceID, address string) error {
	if err := s.store.Unlink(ctx, deviceID, domain.NormalizeAddress(address)); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordAliasDeleted()
	}
	return nil
}

// Clear 移除设备的全部别名。
func (s *AliasService) Clear(ctx context.Context, deviceID string) error {
	return s.store.ClearDevice(ctx, deviceID)
}

// randomLocalPart 生成 8 位十六进制本地部分。
func randomLocalPart() (string, error) {
	buf := make([]byte, randomLocalPartBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// pickDomain 从白名单均匀抽取一个域名。
func pickDomain(domains []string) (string, error) {
	if len(domains) == 1 {
		return domains[0], nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(domains))))
	if err != nil {
		return "", err
	}
	return domains[n.Int64()], nil
}

package service

import (
	"context"
	"regexp"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turbomail/backend/internal/config"
	"turbomail/backend/internal/domain"
	"turbomail/backend/internal/monitoring"
	"turbomail/backend/internal/storage"
	"turbomail/backend/internal/storage/memory"
)

func newTestRuntime(domains ...string) *config.Runtime {
	if len(domains) == 0 {
		domains = []string{"turbo.mail"}
	}
	return config.NewRuntime(&config.Config{
		Mail:   config.MailConfig{AllowedDomains: domains},
		Ingest: config.IngestConfig{APIKey: "test-api-key"},
	})
}

func TestAllocateRandom(t *testing.T) {
	store := memory.NewStore()
	svc := NewAliasService(store, newTestRuntime("turbo.mail", "spare.mail"), nil, nil)
	ctx := context.Background()

	alias, err := svc.Allocate(ctx, "dev1")
	require.NoError(t, err)

	// 8 位十六进制本地部分，域名来自白名单
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{8}$`), alias.LocalPart())
	assert.Contains(t, []string{"turbo.mail", "spare.mail"}, alias.Domain())
	assert.Equal(t, "dev1", alias.OwnerDeviceID)

	// 分配成功后双向索引都可见
	ok, err := store.HasAlias(ctx, "dev1", alias.Address)
	require.NoError(t, err)
	assert.True(t, ok)

	devices, err := store.DevicesFor(ctx, alias.Address)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev1"}, devices)

	// generated 计数器已递增
	global, err := store.GetCounter(ctx, domain.CounterGeneratedEmails, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), global)

	perDevice, err := store.GetCounter(ctx, domain.CounterGeneratedCount, "dev1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), perDevice)
}

func TestAllocateRejectsBadDeviceID(t *testing.T) {
	svc := NewAliasService(memory.NewStore(), newTestRuntime(), nil, nil)

	_, err := svc.Allocate(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrInvalidDeviceID)
}

func TestAllocateManual(t *testing.T) {
	store := memory.NewStore()
	svc := NewAliasService(store, newTestRuntime("allowed.example"), nil, nil)
	ctx := context.Background()

	alias, err := svc.AllocateManual(ctx, "dev1", "alice", "allowed.example")
	require.NoError(t, err)
	assert.Equal(t, "alice@allowed.example", alias.Address)

	devices, err := store.DevicesFor(ctx, "alice@allowed.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev1"}, devices)
}

func TestAllocateManualDomainNotAllowed(t *testing.T) {
	store := memory.NewStore()
	svc := NewAliasService(store, newTestRuntime("allowed.example"), nil, nil)
	ctx := context.Background()

	_, err := svc.AllocateManual(ctx, "dev1", "alice", "evil.example")
	assert.ErrorIs(t, err, ErrDomainNotAllowed)

	aliases, err := store.AliasesOf(ctx, "dev1")
	require.NoError(t, err)
	assert.Empty(t, aliases)
}

func TestAllocateManualAliasExists(t *testing.T) {
	store := memory.NewStore()
	svc := NewAliasService(store, newTestRuntime("allowed.example"), nil, nil)
	ctx := context.Background()

	_, err := svc.AllocateManual(ctx, "dev1", "alice", "allowed.example")
	require.NoError(t, err)

	// 同设备重名失败，且不改动索引与计数器
	before, err := store.GetCounter(ctx, domain.CounterGeneratedCount, "dev1")
	require.NoError(t, err)

	_, err = svc.AllocateManual(ctx, "dev1", "alice", "allowed.example")
	assert.ErrorIs(t, err, ErrAliasExists)

	after, err := store.GetCounter(ctx, domain.CounterGeneratedCount, "dev1")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	aliases, err := store.AliasesOf(ctx, "dev1")
	require.NoError(t, err)
	assert.Len(t, aliases, 1)
}

func TestAllocateManualPerDeviceUniqueness(t *testing.T) {
	store := memory.NewStore()
	svc := NewAliasService(store, newTestRuntime("a.mail", "b.mail"), nil, nil)
	ctx := context.Background()

	// 唯一性只在设备内：两个设备可以各自持有同一个地址
	_, err := svc.AllocateManual(ctx, "dev1", "shared", "a.mail")
	require.NoError(t, err)
	_, err = svc.AllocateManual(ctx, "dev2", "shared", "a.mail")
	require.NoError(t, err)

	devices, err := store.DevicesFor(ctx, "shared@a.mail")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev1", "dev2"}, devices)

	// 同一本地部分在不同域名上互不冲突
	_, err = svc.AllocateManual(ctx, "dev1", "shared", "b.mail")
	require.NoError(t, err)
}

// collidingStore 让每次随机抽取都显示已占用，用于验证重试上限后的兜底行为。
type collidingStore struct {
	storage.Store
	checks int
}

func (s *collidingStore) HasAlias(ctx context.Context, deviceID, address string) (bool, error) {
	s.checks++
	return true, nil
}

func TestAllocateExhaustionFallsBackToLastDraw(t *testing.T) {
	inner := memory.NewStore()
	flaky := &collidingStore{Store: inner}
	svc := NewAliasService(flaky, newTestRuntime(), nil, nil)
	ctx := context.Background()

	// 次数用尽后不报错，返回最后一次抽到的地址
	alias, err := svc.Allocate(ctx, "dev1")
	require.NoError(t, err)
	assert.NotEmpty(t, alias.Address)
	assert.Equal(t, 10, flaky.checks)

	// 兜底地址依然被登记进索引
	devices, err := inner.DevicesFor(ctx, alias.Address)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev1"}, devices)
}

func TestUnlinkAndClear(t *testing.T) {
	store := memory.NewStore()
	svc := NewAliasService(store, newTestRuntime("allowed.example"), nil, nil)
	ctx := context.Background()

	_, err := svc.AllocateManual(ctx, "dev1", "a", "allowed.example")
	require.NoError(t, err)
	_, err = svc.AllocateManual(ctx, "dev1", "b", "allowed.example")
	require.NoError(t, err)

	require.NoError(t, svc.Unlink(ctx, "dev1", "a@allowed.example"))
	assert.ErrorIs(t, svc.Unlink(ctx, "dev1", "a@allowed.example"), storage.ErrAliasNotFound)

	require.NoError(t, svc.Clear(ctx, "dev1"))
	aliases, err := svc.List(ctx, "dev1")
	require.NoError(t, err)
	assert.Empty(t, aliases)
}

func TestAliasMetricsCounters(t *testing.T) {
	metrics := monitoring.NewMetrics()
	store := memory.NewStore()
	svc := NewAliasService(store, newTestRuntime("allowed.example"), metrics, nil)
	ctx := context.Background()

	_, err := svc.Allocate(ctx, "dev1")
	require.NoError(t, err)
	_, err = svc.AllocateManual(ctx, "dev1", "manual", "allowed.example")
	require.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.AliasesAllocated))

	require.NoError(t, svc.Unlink(ctx, "dev1", "manual@allowed.example"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AliasesDeleted))

	// 解绑失败不计数
	assert.Error(t, svc.Unlink(ctx, "dev1", "manual@allowed.example"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AliasesDeleted))
}

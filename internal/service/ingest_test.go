package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turbomail/backend/internal/domain"
	"turbomail/backend/internal/storage"
	"turbomail/backend/internal/storage/memory"
)

// recordingNotifier 记录推送过的频道。
type recordingNotifier struct {
	mu       sync.Mutex
	channels []string
}

func (n *recordingNotifier) NotifyNewMail(channel string, _ *domain.MessageSummary) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, channel)
}

func (n *recordingNotifier) seen(channel string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.channels {
		if c == channel {
			return true
		}
	}
	return false
}

// flakyStore 可以按别名地址注入追加失败，用于演练账本路径。
type flakyStore struct {
	storage.Store
	mu        sync.Mutex
	failAlias string
}

func (s *flakyStore) setFailAlias(alias string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAlias = alias
}

func (s *flakyStore) AppendEntry(ctx context.Context, entry *domain.InboxEntry) error {
	s.mu.Lock()
	fail := s.failAlias != "" && entry.Alias == s.failAlias
	s.mu.Unlock()
	if fail {
		return errors.New("storage unavailable")
	}
	return s.Store.AppendEntry(ctx, entry)
}

func newTestIngest(store storage.Store, notifier Notifier) *IngestService {
	return NewIngestService(store, nil, notifier, nil, nil, time.Second, nil)
}

func TestReceiveDeliversToOwningDevice(t *testing.T) {
	store := memory.NewStore()
	runtime := newTestRuntime("allowed.example")
	aliasSvc := NewAliasService(store, runtime, nil, nil)
	notifier := &recordingNotifier{}
	ingest := newTestIngest(store, notifier)
	ctx := context.Background()

	_, err := aliasSvc.Allocate(ctx, "dev1")
	require.NoError(t, err)
	_, err = aliasSvc.AllocateManual(ctx, "dev1", "alice", "allowed.example")
	require.NoError(t, err)

	ack, err := ingest.Receive(ctx, ReceiveInput{
		From:    "x@y.com",
		To:      []string{"alice@allowed.example"},
		Subject: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Recipients)
	assert.Equal(t, 1, ack.Delivered)
	assert.Equal(t, 0, ack.Failed)

	entries, err := store.ListEntries(ctx, "dev1", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hi", entries[0].Subject)
	assert.Equal(t, "x@y.com", entries[0].From)

	// 无关设备的日志保持为空
	other, err := store.ListEntries(ctx, "dev2", "")
	require.NoError(t, err)
	assert.Empty(t, other)

	// 设备频道和地址频道都收到事件
	assert.True(t, notifier.seen("dev1"))
	assert.True(t, notifier.seen("alice@allowed.example"))
}

func TestReceiveIsIdempotentPerMessageID(t *testing.T) {
	store := memory.NewStore()
	aliasSvc := NewAliasService(store, newTestRuntime("allowed.example"), nil, nil)
	ingest := newTestIngest(store, nil)
	ctx := context.Background()

	_, err := aliasSvc.AllocateManual(ctx, "dev1", "alice", "allowed.example")
	require.NoError(t, err)

	input := ReceiveInput{
		MessageID: "msg-1",
		From:      "x@y.com",
		To:        []string{"alice@allowed.example"},
		Subject:   "once",
	}
	_, err = ingest.Receive(ctx, input)
	require.NoError(t, err)
	_, err = ingest.Receive(ctx, input)
	require.NoError(t, err)

	entries, err := store.ListEntries(ctx, "dev1", "")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReceiveFansOutToAllOwners(t *testing.T) {
	store := memory.NewStore()
	aliasSvc := NewAliasService(store, newTestRuntime("allowed.example"), nil, nil)
	ingest := newTestIngest(store, nil)
	ctx := context.Background()

	// 两个设备持有同一个地址
	_, err := aliasSvc.AllocateManual(ctx, "dev1", "shared", "allowed.example")
	require.NoError(t, err)
	_, err = aliasSvc.AllocateManual(ctx, "dev2", "shared", "allowed.example")
	require.NoError(t, err)

	_, err = ingest.Receive(ctx, ReceiveInput{
		From: "x@y.com", To: []string{"shared@allowed.example"}, Subject: "both",
	})
	require.NoError(t, err)

	for _, deviceID := range []string{"dev1", "dev2"} {
		entries, err := store.ListEntries(ctx, deviceID, "")
		require.NoError(t, err)
		require.Len(t, entries, 1, deviceID)
	}
}

func TestReceiveGlobalCountersOncePerMessage(t *testing.T) {
	store := memory.NewStore()
	aliasSvc := NewAliasService(store, newTestRuntime("allowed.example"), nil, nil)
	ingest := newTestIngest(store, nil)
	ctx := context.Background()

	_, err := aliasSvc.AllocateManual(ctx, "dev1", "a", "allowed.example")
	require.NoError(t, err)
	_, err = aliasSvc.AllocateManual(ctx, "dev2", "b", "allowed.example")
	require.NoError(t, err)

	// 一封邮件两个收件人：全局计数只加一次
	_, err = ingest.Receive(ctx, ReceiveInput{
		From: "x@y.com",
		To:   []string{"a@allowed.example", "b@allowed.example"},
	})
	require.NoError(t, err)

	total, err := store.GetCounter(ctx, domain.CounterTotalEmails, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	received, err := store.GetCounter(ctx, domain.CounterReceivedEmails, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), received)

	// 设备计数各自加一
	n, err := store.GetCounter(ctx, domain.CounterReceivedCount, "dev1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = store.GetCounter(ctx, domain.CounterReceivedCount, "dev2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReceiveUnroutedGoesToSentinelBucket(t *testing.T) {
	store := memory.NewStore()
	ingest := newTestIngest(store, nil)
	ctx := context.Background()

	ack, err := ingest.Receive(ctx, ReceiveInput{
		From: "x@y.com", To: []string{"nobody@turbo.mail"}, Subject: "lost",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Delivered)

	entries, err := store.ListEntries(ctx, domain.UnroutedDeviceID, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "lost", entries[0].Subject)
}

func TestReceiveNormalizesFromRaw(t *testing.T) {
	store := memory.NewStore()
	aliasSvc := NewAliasService(store, newTestRuntime("turbo.mail"), nil, nil)
	ingest := newTestIngest(store, nil)
	ctx := context.Background()

	_, err := aliasSvc.AllocateManual(ctx, "dev1", "alice", "turbo.mail")
	require.NoError(t, err)

	raw := []byte("From: sender@example.com\r\nTo: alice@turbo.mail\r\nSubject: from raw\r\n\r\nraw body")
	ack, err := ingest.Receive(ctx, ReceiveInput{Raw: raw})
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Recipients)

	entries, err := store.ListEntries(ctx, "dev1", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "from raw", entries[0].Subject)

	msg, err := store.GetMessage(ctx, ack.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "raw body", msg.TextBody)
	assert.True(t, msg.HasRaw)
}

func TestReceivePartialFailureWritesLedgerAndRetryConverges(t *testing.T) {
	inner := memory.NewStore()
	store := &flakyStore{Store: inner}
	aliasSvc := NewAliasService(store, newTestRuntime("allowed.example"), nil, nil)
	ingest := newTestIngest(store, nil)
	ctx := context.Background()

	_, err := aliasSvc.AllocateManual(ctx, "dev1", "ok", "allowed.example")
	require.NoError(t, err)
	_, err = aliasSvc.AllocateManual(ctx, "dev2", "broken", "allowed.example")
	require.NoError(t, err)

	// dev2 的地址写入失败
	store.setFailAlias("broken@allowed.example")

	ack, err := ingest.Receive(ctx, ReceiveInput{
		MessageID: "msg-split",
		From:      "x@y.com",
		To:        []string{"ok@allowed.example", "broken@allowed.example"},
		Subject:   "split",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Delivered)
	assert.Equal(t, 1, ack.Failed)

	// 正常收件人不受影响
	entries, err := inner.ListEntries(ctx, "dev1", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// 恰好一条账本记录
	pending, err := inner.ListPendingFailures(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// 存储恢复后重放收敛
	store.setFailAlias("")
	report, err := ingest.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, 0, report.Remaining)

	// 缺失的设备补上了条目
	entries, err = inner.ListEntries(ctx, "dev2", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "split", entries[0].Subject)

	// 已投递过的设备没有产生重复
	entries, err = inner.ListEntries(ctx, "dev1", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	pending, err = inner.ListPendingFailures(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRetryFailedLeavesRecordOnRenewedFailure(t *testing.T) {
	inner := memory.NewStore()
	store := &flakyStore{Store: inner}
	aliasSvc := NewAliasService(store, newTestRuntime("allowed.example"), nil, nil)
	ingest := newTestIngest(store, nil)
	ctx := context.Background()

	_, err := aliasSvc.AllocateManual(ctx, "dev1", "down", "allowed.example")
	require.NoError(t, err)

	store.setFailAlias("down@allowed.example")
	_, err = ingest.Receive(ctx, ReceiveInput{
		From: "x@y.com", To: []string{"down@allowed.example"},
	})
	require.NoError(t, err)

	// 存储仍然故障：记录保持挂起，不新增记录
	report, err := ingest.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 0, report.Resolved)
	assert.Equal(t, 1, report.Remaining)

	pending, err := inner.ListPendingFailures(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestListOrderingNewestFirst(t *testing.T) {
	store := memory.NewStore()
	aliasSvc := NewAliasService(store, newTestRuntime("allowed.example"), nil, nil)
	ingest := newTestIngest(store, nil)
	inbox := NewInboxService(store, nil)
	ctx := context.Background()

	_, err := aliasSvc.AllocateManual(ctx, "dev1", "alice", "allowed.example")
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		_, err := ingest.Receive(ctx, ReceiveInput{
			From:       "x@y.com",
			To:         []string{"alice@allowed.example"},
			Subject:    string(rune('a' + i)),
			ReceivedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	entries, err := inbox.List(ctx, "dev1", "alice@allowed.example")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].ReceivedAt.After(entries[i-1].ReceivedAt))
	}
	assert.Equal(t, "c", entries[0].Subject)
}

func TestDeleteOneLeavesOtherDevicesUntouched(t *testing.T) {
	store := memory.NewStore()
	aliasSvc := NewAliasService(store, newTestRuntime("allowed.example"), nil, nil)
	ingest := newTestIngest(store, nil)
	inbox := NewInboxService(store, nil)
	ctx := context.Background()

	_, err := aliasSvc.AllocateManual(ctx, "dev1", "shared", "allowed.example")
	require.NoError(t, err)
	_, err = aliasSvc.AllocateManual(ctx, "dev2", "shared", "allowed.example")
	require.NoError(t, err)

	_, err = ingest.Receive(ctx, ReceiveInput{
		From: "x@y.com", To: []string{"shared@allowed.example"},
	})
	require.NoError(t, err)

	entries, err := inbox.List(ctx, "dev1", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, inbox.DeleteOne(ctx, "dev1", entries[0].ID))

	gone, err := inbox.List(ctx, "dev1", "")
	require.NoError(t, err)
	assert.Empty(t, gone)

	kept, err := inbox.List(ctx, "dev2", "")
	require.NoError(t, err)
	assert.Len(t, kept, 1)

	assert.ErrorIs(t, inbox.DeleteOne(ctx, "dev1", entries[0].ID), storage.ErrEntryNotFound)
}

func TestStatsSnapshot(t *testing.T) {
	store := memory.NewStore()
	aliasSvc := NewAliasService(store, newTestRuntime("allowed.example"), nil, nil)
	ingest := newTestIngest(store, nil)
	stats := NewStatsService(store)
	ctx := context.Background()

	_, err := aliasSvc.AllocateManual(ctx, "dev1", "alice", "allowed.example")
	require.NoError(t, err)
	_, err = ingest.Receive(ctx, ReceiveInput{
		From: "x@y.com", To: []string{"alice@allowed.example"},
	})
	require.NoError(t, err)

	snap, err := stats.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.TotalEmails)
	assert.Equal(t, int64(1), snap.GeneratedEmails)
	assert.Equal(t, int64(1), snap.ReceivedEmails)
	assert.Equal(t, 0, snap.PendingFailures)

	gen, err := stats.DeviceGenerated(ctx, "dev1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)

	recv, err := stats.DeviceReceived(ctx, "dev1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), recv)

	recent, err := stats.RecentMessages(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turbomail/backend/internal/domain"
	"turbomail/backend/internal/storage"
)

func TestAliasIndexLinkUnlink(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Link(ctx, "dev1", "alice@turbo.mail", now))
	require.NoError(t, s.Link(ctx, "dev2", "alice@turbo.mail", now))

	aliases, err := s.AliasesOf(ctx, "dev1")
	require.NoError(t, err)
	require.Len(t, aliases, 1)
	assert.Equal(t, "alice@turbo.mail", aliases[0].Address)
	assert.Equal(t, "dev1", aliases[0].OwnerDeviceID)

	devices, err := s.DevicesFor(ctx, "alice@turbo.mail")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev1", "dev2"}, devices)

	// relinking the same pair is a no-op
	require.NoError(t, s.Link(ctx, "dev1", "alice@turbo.mail", now.Add(time.Hour)))
	aliases, err = s.AliasesOf(ctx, "dev1")
	require.NoError(t, err)
	require.Len(t, aliases, 1)
	assert.Equal(t, now, aliases[0].CreatedAt)

	require.NoError(t, s.Unlink(ctx, "dev1", "alice@turbo.mail"))
	devices, err = s.DevicesFor(ctx, "alice@turbo.mail")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev2"}, devices)

	assert.ErrorIs(t, s.Unlink(ctx, "dev1", "alice@turbo.mail"), storage.ErrAliasNotFound)
}

func TestAliasIndexClearDevice(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Link(ctx, "dev1", "a@turbo.mail", now))
	require.NoError(t, s.Link(ctx, "dev1", "b@turbo.mail", now))
	require.NoError(t, s.Link(ctx, "dev2", "a@turbo.mail", now))

	require.NoError(t, s.ClearDevice(ctx, "dev1"))

	aliases, err := s.AliasesOf(ctx, "dev1")
	require.NoError(t, err)
	assert.Empty(t, aliases)

	// no address may keep pointing at the cleared device
	devices, err := s.DevicesFor(ctx, "a@turbo.mail")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev2"}, devices)

	devices, err = s.DevicesFor(ctx, "b@turbo.mail")
	require.NoError(t, err)
	assert.Empty(t, devices)

	// clearing an unknown device is fine
	require.NoError(t, s.ClearDevice(ctx, "ghost"))
}

func TestAliasIndexNormalizesAddresses(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Link(ctx, "dev1", " Alice@Turbo.Mail ", time.Now()))

	ok, err := s.HasAlias(ctx, "dev1", "alice@turbo.mail")
	require.NoError(t, err)
	assert.True(t, ok)

	devices, err := s.DevicesFor(ctx, "ALICE@turbo.mail")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev1"}, devices)
}

func TestAppendEntryDeduplicatesByMessageID(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	entry := &domain.InboxEntry{
		ID:         "e1",
		DeviceID:   "dev1",
		MessageID:  "m1",
		Alias:      "alice@turbo.mail",
		From:       "x@y.com",
		Subject:    "hi",
		ReceivedAt: now,
	}
	require.NoError(t, s.AppendEntry(ctx, entry))

	// same message redelivered with a fresh entry id must not duplicate
	dup := *entry
	dup.ID = "e2"
	require.NoError(t, s.AppendEntry(ctx, &dup))

	entries, err := s.ListEntries(ctx, "dev1", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "e1", entries[0].ID)
}

func TestListEntriesNewestFirst(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEntry(ctx, &domain.InboxEntry{
			ID:         string(rune('a' + i)),
			DeviceID:   "dev1",
			MessageID:  string(rune('x' + i)),
			Alias:      "alice@turbo.mail",
			ReceivedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	entries, err := s.ListEntries(ctx, "dev1", "")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].ReceivedAt.After(entries[i-1].ReceivedAt))
	}
}

func TestListEntriesAliasFilter(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.AppendEntry(ctx, &domain.InboxEntry{
		ID: "e1", DeviceID: "dev1", MessageID: "m1", Alias: "a@turbo.mail", ReceivedAt: now,
	}))
	require.NoError(t, s.AppendEntry(ctx, &domain.InboxEntry{
		ID: "e2", DeviceID: "dev1", MessageID: "m2", Alias: "b@turbo.mail", ReceivedAt: now,
	}))

	entries, err := s.ListEntries(ctx, "dev1", "a@turbo.mail")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "e1", entries[0].ID)

	byAddr, err := s.ListEntriesByAddress(ctx, "b@turbo.mail")
	require.NoError(t, err)
	require.Len(t, byAddr, 1)
	assert.Equal(t, "e2", byAddr[0].ID)
}

func TestDeleteEntry(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.AppendEntry(ctx, &domain.InboxEntry{
		ID: "e1", DeviceID: "dev1", MessageID: "m1", Alias: "a@turbo.mail", ReceivedAt: now,
	}))
	require.NoError(t, s.AppendEntry(ctx, &domain.InboxEntry{
		ID: "e2", DeviceID: "dev2", MessageID: "m1", Alias: "a@turbo.mail", ReceivedAt: now,
	}))

	require.NoError(t, s.DeleteEntry(ctx, "dev1", "e1"))

	_, err := s.GetEntry(ctx, "dev1", "e1")
	assert.ErrorIs(t, err, storage.ErrEntryNotFound)

	// the other device's copy of the same message is untouched
	other, err := s.ListEntries(ctx, "dev2", "")
	require.NoError(t, err)
	require.Len(t, other, 1)

	assert.ErrorIs(t, s.DeleteEntry(ctx, "dev1", "e1"), storage.ErrEntryNotFound)
}

func TestDeleteAllEntries(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 4; i++ {
		require.NoError(t, s.AppendEntry(ctx, &domain.InboxEntry{
			ID:         string(rune('a' + i)),
			DeviceID:   "dev1",
			MessageID:  string(rune('m' + i)),
			Alias:      "a@turbo.mail",
			ReceivedAt: now,
		}))
	}

	n, err := s.DeleteAllEntries(ctx, "dev1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	entries, err := s.ListEntries(ctx, "dev1", "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSaveMessageIdempotent(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	msg := &domain.InboundMessage{ID: "m1", From: "x@y.com", Subject: "first"}
	require.NoError(t, s.SaveMessage(ctx, msg))

	again := &domain.InboundMessage{ID: "m1", From: "x@y.com", Subject: "second"}
	require.NoError(t, s.SaveMessage(ctx, again))

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Subject)

	_, err = s.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)
}

func TestRecentMessages(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveMessage(ctx, &domain.InboundMessage{
			ID: string(rune('a' + i)),
		}))
	}

	recent, err := s.RecentMessages(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "e", recent[0].ID)
	assert.Equal(t, "d", recent[1].ID)
	assert.Equal(t, "c", recent[2].ID)
}

func TestFailureLedger(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.RecordFailure(ctx, &domain.FailureRecord{
		ID:           "f1",
		Timestamp:    time.Now().UTC(),
		Payload:      []byte(`{"from":"x@y.com"}`),
		ErrorMessage: "storage unavailable",
	}))

	pending, err := s.ListPendingFailures(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.FailureStatusPending, pending[0].Status)

	require.NoError(t, s.ResolveFailure(ctx, "f1"))

	pending, err = s.ListPendingFailures(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.ErrorIs(t, s.ResolveFailure(ctx, "missing"), storage.ErrRecordNotFound)
}

func TestCounters(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.IncrementCounter(ctx, domain.CounterTotalEmails, ""))
	require.NoError(t, s.IncrementCounter(ctx, domain.CounterTotalEmails, ""))
	require.NoError(t, s.IncrementCounter(ctx, domain.CounterReceivedCount, "dev1"))

	total, err := s.GetCounter(ctx, domain.CounterTotalEmails, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	perDevice, err := s.GetCounter(ctx, domain.CounterReceivedCount, "dev1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), perDevice)

	// unrelated scope stays at zero
	other, err := s.GetCounter(ctx, domain.CounterReceivedCount, "dev2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), other)
}

func TestRateLimit(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	n, err := s.IncrementRateLimit(ctx, "ip:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.IncrementRateLimit(ctx, "ip:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := s.GetRateLimit(ctx, "ip:1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
}

package filesystem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestSaveAndGetRaw(t *testing.T) {
	store := newTestStore(t)

	raw := []byte("From: a@b.com\r\nTo: c@d.com\r\n\r\nhello")
	require.NoError(t, store.SaveRaw("msg-001", raw))

	got, err := store.GetRaw("msg-001")
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestSaveRawOverwrites(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveRaw("msg-001", []byte("first")))
	require.NoError(t, store.SaveRaw("msg-001", []byte("second")))

	got, err := store.GetRaw("msg-001")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestGetRawMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetRaw("never-saved")
	assert.Error(t, err)
}

func TestDeleteRaw(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveRaw("msg-001", []byte("data")))
	require.NoError(t, store.DeleteRaw("msg-001"))

	_, err := store.GetRaw("msg-001")
	assert.Error(t, err)

	// 重复删除是无操作
	assert.NoError(t, store.DeleteRaw("msg-001"))
}

func TestShardLayout(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveRaw("abcdef", []byte("data")))

	// 归档按 ID 前两位分片
	_, err := os.Stat(filepath.Join(store.basePath, "ab", "abcdef.eml"))
	assert.NoError(t, err)
}

func TestSanitizeID(t *testing.T) {
	cases := []struct {
		input    string
		expected string
	}{
		{"msg-001", "msg-001"},
		{"../../etc/passwd", "passwd"},
		{"id<with>bad:chars", "id_with_bad_chars"},
		{"  spaced  ", "spaced"},
		{"...", ""},
		{"id\x00null", "idnull"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.expected, sanitizeID(tc.input), "input: %q", tc.input)
	}
}

func TestNewStoreRejectsTraversal(t *testing.T) {
	_, err := NewStore("../outside")
	assert.Error(t, err)
}

func TestSaveRawRejectsEmptyID(t *testing.T) {
	store := newTestStore(t)
	assert.Error(t, store.SaveRaw("   ", []byte("data")))
}

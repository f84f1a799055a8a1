package domain

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/schema"
)

func TestFailureRecordPending(t *testing.T) {
	r := FailureRecord{Status: FailureStatusPending}
	assert.True(t, r.Pending())

	r.Status = FailureStatusRetried
	assert.False(t, r.Pending())
}

// Payload 不能带方言特定的列类型，迁移要同时在 MySQL 和
// PostgreSQL 上跑通，具体类型交给驱动选择。
func TestFailureRecordPayloadColumnIsDialectNeutral(t *testing.T) {
	s, err := schema.Parse(&FailureRecord{}, &sync.Map{}, schema.NamingStrategy{})
	require.NoError(t, err)

	field := s.LookUpField("Payload")
	require.NotNil(t, field)
	assert.Equal(t, schema.Bytes, field.DataType)
}

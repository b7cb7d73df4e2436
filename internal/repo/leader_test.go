package repo

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvisoryLeader_SingleLeader(t *testing.T) {
	dsn := os.Getenv("VESTRA_TEST_DB_URL")
	if dsn == "" {
		t.Skip("VESTRA_TEST_DB_URL not set")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, PoolConfig{URL: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	const key int64 = 0x7465_7374
	first := NewAdvisoryLeader(pool, key)
	second := NewAdvisoryLeader(pool, key)

	ok, err := first.TryLead(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// Повторный вызов подтверждает лидерство
	ok, err = first.TryLead(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.TryLead(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Release(ctx))

	ok, err = second.TryLead(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Release(ctx))

	// Release без блокировки — no-op
	assert.NoError(t, first.Release(ctx))
}

// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerCacheRemembersAck(t *testing.T) {
	c, err := OpenBadger(t.TempDir(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	_, seen, err := c.Check(ctx, "op-1")
	require.NoError(t, err)
	assert.False(t, seen)

	ack := []byte(`{"type":"operation_ack","seq":12}`)
	require.NoError(t, c.Remember(ctx, "op-1", ack))

	got, seen, err := c.Check(ctx, "op-1")
	require.NoError(t, err)
	require.True(t, seen)
	assert.Equal(t, ack, got)

	// Different operation id, separate entry.
	_, seen, err = c.Check(ctx, "op-2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemory(time.Minute)
	now := time.Unix(1_724_500_000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Remember(ctx, "op-1", []byte("ack")))

	got, seen, err := c.Check(ctx, "op-1")
	require.NoError(t, err)
	require.True(t, seen)
	assert.Equal(t, []byte("ack"), got)

	now = now.Add(61 * time.Second)
	_, seen, err = c.Check(ctx, "op-1")
	require.NoError(t, err)
	assert.False(t, seen, "entry past its TTL must not replay")
}

func TestMemoryCacheOverwriteRefreshesTTL(t *testing.T) {
	c := NewMemory(time.Minute)
	now := time.Unix(1_724_500_000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Remember(ctx, "op-1", []byte("a")))
	now = now.Add(50 * time.Second)
	require.NoError(t, c.Remember(ctx, "op-1", []byte("b")))
	now = now.Add(50 * time.Second)

	got, seen, err := c.Check(ctx, "op-1")
	require.NoError(t, err)
	require.True(t, seen)
	assert.Equal(t, []byte("b"), got)
}

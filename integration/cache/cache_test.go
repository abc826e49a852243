package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheGetSet(t *testing.T) {
	t.Parallel()
	c := New()
	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("k", "v", time.Minute)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestCacheExpiry(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewWithClock(func() time.Time { return now })

	c.Set("k", 42, 5*time.Minute)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	now = now.Add(5*time.Minute + time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCacheZeroTTLIsNoop(t *testing.T) {
	t.Parallel()
	c := New()
	c.Set("k", "v", 0)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCachePurge(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewWithClock(func() time.Time { return now })

	c.Set("short", 1, time.Minute)
	c.Set("long", 2, time.Hour)
	now = now.Add(2 * time.Minute)

	assert.Equal(t, 1, c.Purge())
	_, ok := c.Get("long")
	assert.True(t, ok)
}

func TestCacheDelete(t *testing.T) {
	t.Parallel()
	c := New()
	c.Set("k", "v", time.Minute)
	c.Delete("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
}

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailmask/backend/internal/storage"
)

func TestLocalCacheGetSetDelete(t *testing.T) {
	c := NewLocalCache(time.Minute)
	defer c.Close()

	_, err := c.Get("alias:missing")
	assert.ErrorIs(t, err, storage.ErrCacheMiss)

	require.NoError(t, c.Set("alias:shopping@mailmask.example", []byte(`{"id":"alias-1"}`), 0))

	value, err := c.Get("alias:shopping@mailmask.example")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":"alias-1"}`), value)

	require.NoError(t, c.Delete("alias:shopping@mailmask.example"))
	_, err = c.Get("alias:shopping@mailmask.example")
	assert.ErrorIs(t, err, storage.ErrCacheMiss)
}

func TestLocalCacheEntryExpires(t *testing.T) {
	c := NewLocalCache(time.Minute)
	defer c.Close()

	require.NoError(t, c.Set("alias:short", []byte("v"), 10*time.Millisecond))

	time.Sleep(20 * time.Millisecond)

	_, err := c.Get("alias:short")
	assert.ErrorIs(t, err, storage.ErrCacheMiss)
}

func TestLocalCacheDeletePrefix(t *testing.T) {
	c := NewLocalCache(time.Minute)
	defer c.Close()

	require.NoError(t, c.Set("alias:a@x.example", []byte("1"), 0))
	require.NoError(t, c.Set("alias:b@x.example", []byte("2"), 0))
	require.NoError(t, c.Set("reply:rabc123def456", []byte("3"), 0))

	require.NoError(t, c.DeletePrefix("alias:"))

	_, err := c.Get("alias:a@x.example")
	assert.ErrorIs(t, err, storage.ErrCacheMiss)
	_, err = c.Get("alias:b@x.example")
	assert.ErrorIs(t, err, storage.ErrCacheMiss)

	value, err := c.Get("reply:rabc123def456")
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), value)
}

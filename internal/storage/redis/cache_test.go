package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailmask/backend/internal/storage"
)

func testClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewFromClient(rdb, "mailmask"), mr
}

func TestCacheGetSetDelete(t *testing.T) {
	client, _ := testClient(t)

	_, err := client.Get("alias:abc@example.com")
	assert.ErrorIs(t, err, storage.ErrCacheMiss)

	require.NoError(t, client.Set("alias:abc@example.com", []byte(`{"id":"1"}`), time.Minute))

	data, err := client.Get("alias:abc@example.com")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":"1"}`), data)

	require.NoError(t, client.Delete("alias:abc@example.com"))

	_, err = client.Get("alias:abc@example.com")
	assert.ErrorIs(t, err, storage.ErrCacheMiss)
}

func TestCacheEntryExpires(t *testing.T) {
	client, mr := testClient(t)

	require.NoError(t, client.Set("alias:abc@example.com", []byte("cached"), time.Minute))

	mr.FastForward(61 * time.Second)

	_, err := client.Get("alias:abc@example.com")
	assert.ErrorIs(t, err, storage.ErrCacheMiss)
}

func TestDeletePrefix(t *testing.T) {
	client, _ := testClient(t)

	require.NoError(t, client.Set("alias:a@example.com", []byte("1"), time.Minute))
	require.NoError(t, client.Set("alias:b@example.com", []byte("2"), time.Minute))
	require.NoError(t, client.Set("domain:example.com", []byte("3"), time.Minute))

	require.NoError(t, client.DeletePrefix("alias:"))

	_, err := client.Get("alias:a@example.com")
	assert.ErrorIs(t, err, storage.ErrCacheMiss)
	_, err = client.Get("alias:b@example.com")
	assert.ErrorIs(t, err, storage.ErrCacheMiss)

	data, err := client.Get("domain:example.com")
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), data)
}

func TestIncrementWithTTLFixedWindow(t *testing.T) {
	client, mr := testClient(t)

	count, ttl, err := client.IncrementWithTTL("ratelimit:sender1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, time.Hour, ttl)

	// 窗口中段的自增不顺延过期时间
	mr.FastForward(30 * time.Minute)

	count, ttl, err = client.IncrementWithTTL("ratelimit:sender1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.LessOrEqual(t, ttl, 30*time.Minute)

	// 窗口走完后计数重新开始
	mr.FastForward(31 * time.Minute)

	count, ttl, err = client.IncrementWithTTL("ratelimit:sender1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, time.Hour, ttl)
}

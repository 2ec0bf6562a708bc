package cache

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	rc := &RedisCache{
		client: client,
		ctx:    client.Context(),
	}

	return rc, mr
}

func TestRedisCache_SetAndGet(t *testing.T) {
	rc, mr := setupTestRedis(t)
	defer mr.Close()
	defer rc.Close()

	type testData struct {
		Name  string
		Value int
	}

	data := testData{Name: "test", Value: 42}

	err := rc.Set("test:key", data, time.Minute)
	require.NoError(t, err)

	var retrieved testData
	err = rc.Get("test:key", &retrieved)
	require.NoError(t, err)
	assert.Equal(t, data.Name, retrieved.Name)
	assert.Equal(t, data.Value, retrieved.Value)
}

func TestRedisCache_GetMissingKey(t *testing.T) {
	rc, mr := setupTestRedis(t)
	defer mr.Close()
	defer rc.Close()

	var dest string
	err := rc.Get("missing:key", &dest)
	assert.ErrorIs(t, err, redis.Nil)
}

func TestRedisCache_Exists(t *testing.T) {
	rc, mr := setupTestRedis(t)
	defer mr.Close()
	defer rc.Close()

	exists, err := rc.Exists("absent")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, rc.Set("present", 1, time.Minute))

	exists, err = rc.Exists("present")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRedisCache_SetNX(t *testing.T) {
	rc, mr := setupTestRedis(t)
	defer mr.Close()
	defer rc.Close()

	set, err := rc.SetNX("crawler:seen:url-1", 1, time.Hour)
	require.NoError(t, err)
	assert.True(t, set, "first write should win")

	set, err = rc.SetNX("crawler:seen:url-1", 1, time.Hour)
	require.NoError(t, err)
	assert.False(t, set, "second write should be skipped")
}

func TestRedisCache_SetNXExpiry(t *testing.T) {
	rc, mr := setupTestRedis(t)
	defer mr.Close()
	defer rc.Close()

	set, err := rc.SetNX("crawler:seen:url-2", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, set)

	// once the TTL passes, the key is writable again
	mr.FastForward(2 * time.Minute)

	set, err = rc.SetNX("crawler:seen:url-2", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, set)
}

func TestRedisCache_Delete(t *testing.T) {
	rc, mr := setupTestRedis(t)
	defer mr.Close()
	defer rc.Close()

	require.NoError(t, rc.Set("doomed", "x", time.Minute))
	require.NoError(t, rc.Delete("doomed"))

	exists, err := rc.Exists("doomed")
	require.NoError(t, err)
	assert.False(t, exists)
}

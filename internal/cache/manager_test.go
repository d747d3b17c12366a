package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	manager, err := NewManager(client, time.Minute, zap.NewNop())
	require.NoError(t, err)

	return mr, manager
}

func TestNewManager_NilClient(t *testing.T) {
	_, err := NewManager(nil, time.Minute, zap.NewNop())
	assert.Error(t, err)
}

// ---

func TestManager_SetGet(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", 0))

	val, err := manager.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestManager_GetMiss(t *testing.T) {
	_, manager := setupTestRedis(t)

	_, err := manager.Get(context.Background(), "missing")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_JSONRoundTrip(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	type payload struct {
		Title string `json:"title"`
		Score float32 `json:"score"`
	}

	in := []payload{{Title: "dosage guide", Score: 0.92}}
	require.NoError(t, manager.SetJSON(ctx, "snippets", in, 0))

	var out []payload
	require.NoError(t, manager.GetJSON(ctx, "snippets", &out))
	assert.Equal(t, in, out)
}

func TestManager_DefaultTTLApplied(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", 0))

	mr.FastForward(2 * time.Minute)

	_, err := manager.Get(ctx, "k")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_Delete(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", 0))
	require.NoError(t, manager.Delete(ctx, "k"))

	_, err := manager.Get(ctx, "k")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_ClosedRejectsOperations(t *testing.T) {
	_, manager := setupTestRedis(t)
	require.NoError(t, manager.Close())

	err := manager.Set(context.Background(), "k", "v", 0)
	assert.Error(t, err)
	_, err = manager.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestManager_CloseDoesNotCloseClient(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	manager, err := NewManager(client, time.Minute, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, manager.Close())

	// 客户端归调用方所有，关闭管理器后仍然可用
	assert.NoError(t, client.Ping(context.Background()).Err())
}

package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/ruchi-nb/full-matata-sub001/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T, cfg Config) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, cfg, nil)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStoreAppendOrder(t *testing.T) {
	store, _ := newTestRedisStore(t, Config{IdleTTL: 30 * time.Minute})
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s-1", types.NewPatientTurn("胃不舒服")))
	require.NoError(t, store.Append(ctx, "s-1", types.NewAssistantTurn("饭前还是饭后？")))
	require.NoError(t, store.Append(ctx, "s-1", types.NewPatientTurn("饭后")))

	turns, err := store.History(ctx, "s-1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "胃不舒服", turns[0].Text)
	assert.Equal(t, types.RoleAssistant, turns[1].Role)
	assert.Equal(t, "饭后", turns[2].Text)
}

func TestRedisStoreHistoryUnknownSession(t *testing.T) {
	store, _ := newTestRedisStore(t, Config{IdleTTL: time.Minute})

	turns, err := store.History(context.Background(), "never-seen", 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestRedisStoreHistoryMaxTurns(t *testing.T) {
	store, _ := newTestRedisStore(t, Config{IdleTTL: time.Hour})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, store.Append(ctx, "s-1", types.NewPatientTurn(fmt.Sprintf("turn-%d", i))))
	}

	turns, err := store.History(ctx, "s-1", 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "turn-6", turns[0].Text)
	assert.Equal(t, "turn-7", turns[1].Text)
}

func TestRedisStoreIdleTTLExpiry(t *testing.T) {
	store, mr := newTestRedisStore(t, Config{IdleTTL: 30 * time.Minute})
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s-1", types.NewPatientTurn("你好")))

	// TTL 内可见
	mr.FastForward(29 * time.Minute)
	turns, err := store.History(ctx, "s-1", 0)
	require.NoError(t, err)
	assert.Len(t, turns, 1)

	// 超过 TTL：键过期，历史为空
	mr.FastForward(2 * time.Minute)
	turns, err = store.History(ctx, "s-1", 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestRedisStoreAppendRefreshesTTL(t *testing.T) {
	store, mr := newTestRedisStore(t, Config{IdleTTL: 30 * time.Minute})
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s-1", types.NewPatientTurn("第一句")))
	mr.FastForward(20 * time.Minute)
	require.NoError(t, store.Append(ctx, "s-1", types.NewPatientTurn("第二句")))
	mr.FastForward(20 * time.Minute)

	turns, err := store.History(ctx, "s-1", 0)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestRedisStoreMaxTurnsBounded(t *testing.T) {
	store, _ := newTestRedisStore(t, Config{IdleTTL: time.Hour, MaxTurns: 3})
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, store.Append(ctx, "s-1", types.NewPatientTurn(fmt.Sprintf("turn-%d", i))))
	}

	turns, err := store.History(ctx, "s-1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "turn-4", turns[0].Text)
	assert.Equal(t, "turn-6", turns[2].Text)
}

func TestRedisStoreClear(t *testing.T) {
	store, _ := newTestRedisStore(t, Config{IdleTTL: time.Hour})
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s-1", types.NewPatientTurn("a")))
	require.NoError(t, store.Clear(ctx, "s-1"))

	turns, err := store.History(ctx, "s-1", 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestRedisStoreSkipsCorruptEntries(t *testing.T) {
	store, mr := newTestRedisStore(t, Config{IdleTTL: time.Hour})
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s-1", types.NewPatientTurn("good")))
	mr.Lpush(redisKey("s-1"), "{not json")

	turns, err := store.History(ctx, "s-1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "good", turns[0].Text)
}

func TestRedisStoreRejectsEmptySessionID(t *testing.T) {
	store, _ := newTestRedisStore(t, Config{IdleTTL: time.Hour})

	err := store.Append(context.Background(), "", types.NewPatientTurn("a"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

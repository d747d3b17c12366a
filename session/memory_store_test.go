package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ruchi-nb/full-matata-sub001/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sessionClock 可推进的测试时钟。
type sessionClock struct {
	mu  sync.Mutex
	now time.Time
}

func newSessionClock() *sessionClock {
	return &sessionClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *sessionClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *sessionClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemoryStore(cfg Config) (*MemoryStore, *sessionClock) {
	clock := newSessionClock()
	store := NewMemoryStore(cfg, nil)
	store.now = clock.Now
	return store, clock
}

// ---
// Append / History 顺序
// ---

func TestMemoryStoreAppendOrder(t *testing.T) {
	store, _ := newTestMemoryStore(Config{IdleTTL: 30 * time.Minute})
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s-1", types.NewPatientTurn("我头疼")))
	require.NoError(t, store.Append(ctx, "s-1", types.NewAssistantTurn("疼了多久了？")))
	require.NoError(t, store.Append(ctx, "s-1", types.NewPatientTurn("大概三天")))

	turns, err := store.History(ctx, "s-1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 3)

	// 历史必须严格按追加顺序返回
	assert.Equal(t, "我头疼", turns[0].Text)
	assert.Equal(t, types.RolePatient, turns[0].Role)
	assert.Equal(t, "疼了多久了？", turns[1].Text)
	assert.Equal(t, types.RoleAssistant, turns[1].Role)
	assert.Equal(t, "大概三天", turns[2].Text)
}

func TestMemoryStoreHistoryUnknownSession(t *testing.T) {
	store, _ := newTestMemoryStore(Config{IdleTTL: time.Minute})
	defer store.Close()

	turns, err := store.History(context.Background(), "never-seen", 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestMemoryStoreHistoryMaxTurns(t *testing.T) {
	store, _ := newTestMemoryStore(Config{IdleTTL: time.Hour})
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, store.Append(ctx, "s-1", types.NewPatientTurn(fmt.Sprintf("turn-%d", i))))
	}

	turns, err := store.History(ctx, "s-1", 3)
	require.NoError(t, err)
	require.Len(t, turns, 3)

	// 返回的是最近的 3 条，仍按追加顺序
	assert.Equal(t, "turn-7", turns[0].Text)
	assert.Equal(t, "turn-9", turns[2].Text)
}

func TestMemoryStoreHistoryIsCopy(t *testing.T) {
	store, _ := newTestMemoryStore(Config{IdleTTL: time.Hour})
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s-1", types.NewPatientTurn("original")))

	turns, err := store.History(ctx, "s-1", 0)
	require.NoError(t, err)
	turns[0].Text = "mutated"

	again, err := store.History(ctx, "s-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "original", again[0].Text)
}

// ---
// TTL 过期
// ---

func TestMemoryStoreIdleTTLExpiry(t *testing.T) {
	store, clock := newTestMemoryStore(Config{IdleTTL: 30 * time.Minute})
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s-1", types.NewPatientTurn("你好")))

	// TTL 内：历史可见
	clock.Advance(29 * time.Minute)
	turns, err := store.History(ctx, "s-1", 0)
	require.NoError(t, err)
	assert.Len(t, turns, 1)

	// 超过 TTL：即使还没被清扫，惰性检查也返回空
	clock.Advance(2 * time.Minute)
	turns, err = store.History(ctx, "s-1", 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestMemoryStoreAppendRefreshesTTL(t *testing.T) {
	store, clock := newTestMemoryStore(Config{IdleTTL: 30 * time.Minute})
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s-1", types.NewPatientTurn("第一句")))

	// 每次追加都把空闲窗口重置
	clock.Advance(20 * time.Minute)
	require.NoError(t, store.Append(ctx, "s-1", types.NewPatientTurn("第二句")))
	clock.Advance(20 * time.Minute)

	turns, err := store.History(ctx, "s-1", 0)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestMemoryStoreAppendAfterExpiryStartsFresh(t *testing.T) {
	store, clock := newTestMemoryStore(Config{IdleTTL: 10 * time.Minute})
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s-1", types.NewPatientTurn("old")))
	clock.Advance(11 * time.Minute)

	// 过期后的追加建立新会话，旧历史不复活
	require.NoError(t, store.Append(ctx, "s-1", types.NewPatientTurn("new")))

	turns, err := store.History(ctx, "s-1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "new", turns[0].Text)
}

func TestMemoryStoreEvictExpired(t *testing.T) {
	store, clock := newTestMemoryStore(Config{IdleTTL: 10 * time.Minute})
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "stale", types.NewPatientTurn("a")))
	clock.Advance(11 * time.Minute)
	require.NoError(t, store.Append(ctx, "fresh", types.NewPatientTurn("b")))

	evicted, err := store.EvictExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, store.Len())
}

// ---
// 有界历史与生命周期
// ---

func TestMemoryStoreMaxTurnsBounded(t *testing.T) {
	store, _ := newTestMemoryStore(Config{IdleTTL: time.Hour, MaxTurns: 4})
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, store.Append(ctx, "s-1", types.NewPatientTurn(fmt.Sprintf("turn-%d", i))))
	}

	turns, err := store.History(ctx, "s-1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 4)
	assert.Equal(t, "turn-6", turns[0].Text)
	assert.Equal(t, "turn-9", turns[3].Text)
}

func TestMemoryStoreClear(t *testing.T) {
	store, _ := newTestMemoryStore(Config{IdleTTL: time.Hour})
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s-1", types.NewPatientTurn("a")))
	require.NoError(t, store.Clear(ctx, "s-1"))

	turns, err := store.History(ctx, "s-1", 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestMemoryStoreClosed(t *testing.T) {
	store, _ := newTestMemoryStore(Config{IdleTTL: time.Hour})
	require.NoError(t, store.Close())

	err := store.Append(context.Background(), "s-1", types.NewPatientTurn("a"))
	assert.ErrorIs(t, err, ErrStoreClosed)

	_, err = store.History(context.Background(), "s-1", 0)
	assert.ErrorIs(t, err, ErrStoreClosed)

	// Close 幂等
	require.NoError(t, store.Close())
}

func TestMemoryStoreRejectsEmptySessionID(t *testing.T) {
	store, _ := newTestMemoryStore(Config{IdleTTL: time.Hour})
	defer store.Close()

	err := store.Append(context.Background(), "", types.NewPatientTurn("a"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

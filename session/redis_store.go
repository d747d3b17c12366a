package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ruchi-nb/full-matata-sub001/types"
	"go.uber.org/zap"
)

// redisKeyPrefix 会话历史键前缀。
const redisKeyPrefix = "voice:session:"

// RedisStore 是 Store 的 Redis 实现，适合多实例部署。
// 每个会话是一个 Redis list，空闲 TTL 由 Redis 键过期原生维护：
// 每次 Append 刷新 TTL，过期键自动消失，读取端自然得到空历史。
type RedisStore struct {
	client *redis.Client
	cfg    Config
	logger *zap.Logger
}

// NewRedisStore 创建 Redis 会话存储。
func NewRedisStore(client *redis.Client, cfg Config, logger *zap.Logger) *RedisStore {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "redis_session_store")),
	}
}

func redisKey(sessionID string) string { return redisKeyPrefix + sessionID }

// Append 实现 Store.Append。RPUSH 保证追加顺序即读取顺序。
func (s *RedisStore) Append(ctx context.Context, sessionID string, turn types.Turn) error {
	if sessionID == "" {
		return ErrInvalidInput
	}

	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	key := redisKey(sessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	if s.cfg.MaxTurns > 0 {
		pipe.LTrim(ctx, key, int64(-s.cfg.MaxTurns), -1)
	}
	pipe.Expire(ctx, key, s.cfg.IdleTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// History 实现 Store.History。键过期即空历史，无需额外惰性检查。
func (s *RedisStore) History(ctx context.Context, sessionID string, maxTurns int) ([]types.Turn, error) {
	start := int64(0)
	if maxTurns > 0 {
		start = int64(-maxTurns)
	}

	raw, err := s.client.LRange(ctx, redisKey(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	turns := make([]types.Turn, 0, len(raw))
	for _, item := range raw {
		var turn types.Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			// 损坏的条目跳过而不是让整个会话不可用
			s.logger.Warn("skipping corrupt turn entry",
				zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// Clear 实现 Store.Clear。
func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, redisKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// EvictExpired 实现 Store.EvictExpired。
// Redis 的键过期自动完成驱逐，这里无事可做。
func (s *RedisStore) EvictExpired(ctx context.Context) (int, error) {
	return 0, nil
}

// Close 实现 Store.Close。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping 检查 Redis 连接是否健康。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

package session

import (
	"context"
	"sync"
	"time"

	"github.com/ruchi-nb/full-matata-sub001/types"
	"go.uber.org/zap"
)

// MemoryStore 是 Store 的进程内实现。
// 适合开发、测试与单实例部署，数据在重启时丢失。
type MemoryStore struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*types.Session
	closed   bool
	stopCh   chan struct{}
	stopOnce sync.Once

	// now 可注入的时钟，便于测试
	now func() time.Time
}

// NewMemoryStore 创建进程内会话存储。
// SweepInterval > 0 时启动周期清扫 goroutine；读取时的惰性检查始终生效。
func NewMemoryStore(cfg Config, logger *zap.Logger) *MemoryStore {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &MemoryStore{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "session_store")),
		sessions: make(map[string]*types.Session),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}

	if cfg.SweepInterval > 0 {
		go s.sweepLoop()
	}

	return s
}

// Append 实现 Store.Append。
func (s *MemoryStore) Append(ctx context.Context, sessionID string, turn types.Turn) error {
	if sessionID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	now := s.now()
	sess, ok := s.sessions[sessionID]
	// 过期会话视为不存在：首次 utterance 重新建立
	if !ok || sess.Expired(s.cfg.IdleTTL, now) {
		sess = &types.Session{ID: sessionID, CreatedAt: now}
		s.sessions[sessionID] = sess
	}

	if turn.Timestamp.IsZero() {
		turn.Timestamp = now
	}
	sess.Turns = append(sess.Turns, turn)
	sess.LastActivity = now

	// 历史有界：超出上限时丢弃最旧的 Turn
	if s.cfg.MaxTurns > 0 && len(sess.Turns) > s.cfg.MaxTurns {
		sess.Turns = sess.Turns[len(sess.Turns)-s.cfg.MaxTurns:]
	}

	return nil
}

// History 实现 Store.History。
// 读取时的惰性过期检查是强制的：清扫再怎么延迟，过期历史也不会返回。
func (s *MemoryStore) History(ctx context.Context, sessionID string, maxTurns int) ([]types.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	sess, ok := s.sessions[sessionID]
	if !ok || sess.Expired(s.cfg.IdleTTL, s.now()) {
		return nil, nil
	}

	turns := sess.Turns
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}

	out := make([]types.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// Clear 实现 Store.Clear。
func (s *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	delete(s.sessions, sessionID)
	return nil
}

// EvictExpired 实现 Store.EvictExpired。
func (s *MemoryStore) EvictExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	now := s.now()
	evicted := 0
	for id, sess := range s.sessions {
		if sess.Expired(s.cfg.IdleTTL, now) {
			delete(s.sessions, id)
			evicted++
		}
	}

	if evicted > 0 {
		s.logger.Debug("evicted expired sessions", zap.Int("count", evicted))
	}
	return evicted, nil
}

// Close 实现 Store.Close。
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

// Len 返回当前存活的会话数（测试辅助）。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.EvictExpired(context.Background()); err != nil {
				return
			}
		}
	}
}

package session

import (
	"context"
	"errors"
	"time"

	"github.com/ruchi-nb/full-matata-sub001/types"
)

// 错误定义
var (
	ErrStoreClosed  = errors.New("session store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// Store 会话记忆存储接口。
// History 对未知或已过期的会话返回空历史而非错误：上层把它当作新会话处理。
type Store interface {
	// Append 把一个 Turn 追加到会话历史末尾，刷新最后活动时间
	Append(ctx context.Context, sessionID string, turn types.Turn) error

	// History 返回最近 maxTurns 条历史（追加顺序）。maxTurns <= 0 表示全部
	History(ctx context.Context, sessionID string, maxTurns int) ([]types.Turn, error)

	// Clear 显式删除一个会话的历史
	Clear(ctx context.Context, sessionID string) error

	// EvictExpired 清扫所有过期会话，返回驱逐数量
	EvictExpired(ctx context.Context) (int, error)

	// Close 关闭存储
	Close() error
}

// Config 会话存储配置。
type Config struct {
	// IdleTTL 空闲超过该时长的会话被驱逐
	IdleTTL time.Duration `yaml:"idle_ttl" json:"idle_ttl"`

	// MaxTurns 单个会话保留的最大 Turn 数（0 表示不限制）
	MaxTurns int `yaml:"max_turns" json:"max_turns"`

	// SweepInterval 周期清扫间隔（0 表示只做读取时的惰性检查）
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// DefaultConfig 返回默认会话存储配置。
func DefaultConfig() Config {
	return Config{
		IdleTTL:       30 * time.Minute,
		MaxTurns:      100,
		SweepInterval: 5 * time.Minute,
	}
}

package llm

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/ruchi-nb/full-matata-sub001/types"
	"go.uber.org/zap"
)

// HistoryConfig 配置消息窗口组装。
type HistoryConfig struct {
	// MaxTurns 窗口内最多保留的历史 Turn 数
	MaxTurns int `yaml:"max_turns" json:"max_turns"`

	// TokenBudget 历史消息的 token 预算（不含 system prompt），0 表示不限制
	TokenBudget int `yaml:"token_budget" json:"token_budget"`

	// Encoding tiktoken 编码名，空表示 cl100k_base
	Encoding string `yaml:"encoding" json:"encoding"`
}

// DefaultHistoryConfig 返回默认窗口配置。
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		MaxTurns:    20,
		TokenBudget: 3000,
		Encoding:    "cl100k_base",
	}
}

// HistoryBuilder 把会话历史组装为发给模型的消息窗口。
// 超出预算时最旧的 Turn 先被裁掉；当前 utterance 永不被裁。
type HistoryBuilder struct {
	cfg    HistoryConfig
	logger *zap.Logger

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
}

// NewHistoryBuilder 创建消息窗口组装器。
func NewHistoryBuilder(cfg HistoryConfig, logger *zap.Logger) *HistoryBuilder {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 20
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "cl100k_base"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryBuilder{cfg: cfg, logger: logger.With(zap.String("component", "history_builder"))}
}

// Build 组装消息窗口：system prompt（可并入检索上下文）+ 裁剪后的
// 历史 + 当前 utterance。retrievedContext 为空时 system prompt 原样使用。
func (b *HistoryBuilder) Build(systemPrompt string, history []types.Turn, utterance string, retrievedContext string) []Message {
	messages := make([]Message, 0, len(history)+2)

	sys := systemPrompt
	if retrievedContext != "" {
		sys = fmt.Sprintf("%s\n\n参考资料：\n%s", systemPrompt, retrievedContext)
	}
	if sys != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: sys})
	}

	messages = append(messages, b.window(history)...)
	messages = append(messages, Message{Role: RoleUser, Content: utterance})
	return messages
}

// window 返回满足条数与 token 预算的最近历史，最旧的先裁。
func (b *HistoryBuilder) window(history []types.Turn) []Message {
	if len(history) > b.cfg.MaxTurns {
		history = history[len(history)-b.cfg.MaxTurns:]
	}

	if b.cfg.TokenBudget > 0 {
		// 从最新往回累计，超出预算即停
		total := 0
		cut := 0
		for i := len(history) - 1; i >= 0; i-- {
			total += b.countTokens(history[i].Text)
			if total > b.cfg.TokenBudget {
				cut = i + 1
				break
			}
		}
		if cut > 0 {
			b.logger.Debug("history trimmed to token budget",
				zap.Int("dropped_turns", cut),
				zap.Int("budget", b.cfg.TokenBudget))
			history = history[cut:]
		}
	}

	messages := make([]Message, 0, len(history))
	for _, turn := range history {
		messages = append(messages, Message{Role: roleFor(turn.Role), Content: turn.Text})
	}
	return messages
}

func roleFor(r types.Role) Role {
	switch r {
	case types.RoleAssistant:
		return RoleAssistant
	case types.RoleSystem:
		return RoleSystem
	default:
		return RoleUser
	}
}

// countTokens 用 tiktoken 精确计数，编码不可用时退化为字符估算。
func (b *HistoryBuilder) countTokens(text string) int {
	b.encOnce.Do(func() {
		b.enc, b.encErr = tiktoken.GetEncoding(b.cfg.Encoding)
		if b.encErr != nil {
			b.logger.Warn("tiktoken unavailable, falling back to rune estimate",
				zap.String("encoding", b.cfg.Encoding), zap.Error(b.encErr))
		}
	})

	if b.encErr == nil && b.enc != nil {
		return len(b.enc.Encode(text, nil, nil))
	}

	// CJK 文本约 1 字 1 token，拉丁文本约 4 字符 1 token，取保守值
	runes := utf8.RuneCountInString(text)
	ascii := 0
	for _, r := range text {
		if r < 128 {
			ascii++
		}
	}
	nonASCII := runes - ascii
	return nonASCII + (ascii+3)/4
}

// FormatSnippets 把检索片段拼成可并入 system prompt 的文本块。
func FormatSnippets(snippets []string) string {
	if len(snippets) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, s := range snippets {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%d. %s", i+1, strings.TrimSpace(s))
	}
	return sb.String()
}

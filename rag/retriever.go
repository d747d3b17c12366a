// 包 rag 提供问诊上下文的检索协作方。
// 检索是尽力而为的：超时或出错一律返回空结果，绝不阻塞回复生成。
package rag

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ruchi-nb/full-matata-sub001/internal/ctxkeys"
)

// Snippet 是一条检索到的参考片段。
type Snippet struct {
	Text     string  `json:"text"`
	Source   string  `json:"source,omitempty"`
	Score    float64 `json:"score,omitempty"`
	DocID    string  `json:"doc_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Retriever 检索与查询相关的参考片段。
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Snippet, error)
}

// BoundedRetriever 给内层检索器套上延迟上界。
// 超时或失败返回空片段和 nil 错误：检索缺失不是生成的障碍。
type BoundedRetriever struct {
	inner   Retriever
	timeout time.Duration
	logger  *zap.Logger
}

// NewBoundedRetriever 创建带延迟上界的检索器。
func NewBoundedRetriever(inner Retriever, timeout time.Duration, logger *zap.Logger) *BoundedRetriever {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BoundedRetriever{
		inner:   inner,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "bounded_retriever")),
	}
}

// Retrieve 在时间上界内检索；超时或失败吞掉错误并返回空。
func (r *BoundedRetriever) Retrieve(ctx context.Context, query string, k int) ([]Snippet, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	snippets, err := r.inner.Retrieve(ctx, query, k)
	if err != nil {
		fields := []zap.Field{zap.Duration("timeout", r.timeout), zap.Error(err)}
		if sid, ok := ctxkeys.SessionID(ctx); ok {
			fields = append(fields, zap.String("session_id", sid))
		}
		r.logger.Warn("retrieval failed, proceeding without context", fields...)
		return nil, nil
	}
	return snippets, nil
}

// Texts 提取片段文本，供并入 system prompt。
func Texts(snippets []Snippet) []string {
	out := make([]string, 0, len(snippets))
	for _, s := range snippets {
		if s.Text != "" {
			out = append(out, s.Text)
		}
	}
	return out
}

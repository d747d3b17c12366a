package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ruchi-nb/full-matata-sub001/internal/cache"
)

// CachedRetriever 在内层检索器前挂一层 Redis 缓存。
// 问诊场景里相邻轮次常重复同类问题，命中可省掉一次向量化加一次
// Qdrant 查询。缓存故障等价于未命中，直接回源。
type CachedRetriever struct {
	inner  Retriever
	cache  *cache.Manager
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedRetriever 创建带缓存的检索器。
func NewCachedRetriever(inner Retriever, cacheManager *cache.Manager, ttl time.Duration, logger *zap.Logger) *CachedRetriever {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedRetriever{
		inner:  inner,
		cache:  cacheManager,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "cached_retriever")),
	}
}

// Retrieve 先查缓存，未命中时回源并写回。
func (r *CachedRetriever) Retrieve(ctx context.Context, query string, k int) ([]Snippet, error) {
	key := cacheKey(query, k)

	var cached []Snippet
	err := r.cache.GetJSON(ctx, key, &cached)
	if err == nil {
		return cached, nil
	}
	if !cache.IsCacheMiss(err) {
		r.logger.Warn("retrieval cache read failed", zap.Error(err))
	}

	snippets, err := r.inner.Retrieve(ctx, query, k)
	if err != nil {
		return nil, err
	}

	if err := r.cache.SetJSON(ctx, key, snippets, r.ttl); err != nil {
		r.logger.Warn("retrieval cache write failed", zap.Error(err))
	}
	return snippets, nil
}

// cacheKey 由查询文本和片段数派生。查询可能含患者原话，
// 键里只放摘要，不放明文。
func cacheKey(query string, k int) string {
	sum := sha256.Sum256([]byte(query))
	return fmt.Sprintf("rag:%s:%d", hex.EncodeToString(sum[:16]), k)
}

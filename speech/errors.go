package speech

import (
	"context"
	"errors"
	"fmt"

	"github.com/ruchi-nb/full-matata-sub001/types"
)

// classifyStatus 把供应商 HTTP 状态码映射为统一错误分类。
// 5xx、408、429 视为瞬态（值得重试），其余 4xx 视为永久。
func classifyStatus(provider string, status int, body []byte) error {
	msg := fmt.Sprintf("%s error: status=%d body=%s", provider, status, truncateBody(body))

	switch {
	case status >= 500, status == 408, status == 429:
		return types.NewError(types.ErrProviderTransient, msg).WithProvider(provider)
	default:
		return types.NewError(types.ErrProviderPermanent, msg).WithProvider(provider)
	}
}

// classifyTransport 把传输层错误映射为统一错误分类。
// 网络错误和超时都是瞬态；调用方主动取消原样返回。
func classifyTransport(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	// 超时、连接拒绝、DNS 失败等一律按瞬态处理
	return types.WrapError(types.ErrProviderTransient,
		fmt.Sprintf("%s request failed", provider), err).WithProvider(provider)
}

func truncateBody(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

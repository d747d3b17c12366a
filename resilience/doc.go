// Package resilience 为所有外部提供商集成提供共享的韧性层：
// 滑动窗口限流 + 熔断器 + 输入校验（Guard），以及指数退避重试（Retryer）。
//
// 每个提供商持有一个独立的 Guard 实例，由所有指向该提供商的适配器注入共享；
// 并发会话在提供商级别竞争，而不是全局竞争。校验失败不计入熔断失败计数，
// 因为请求从未到达网络。
//
// 使用方法:
//
//	guard := resilience.NewGuard("deepgram", cfg, sink, logger)
//	if err := guard.MayProceed(resilience.KindAudio, len(payload)); err != nil {
//	    return err // RATE_LIMITED / CIRCUIT_OPEN / VALIDATION_FAILURE
//	}
//	// ... 发起调用 ...
//	guard.RecordSuccess(latency)
package resilience

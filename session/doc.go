// Package session 维护每个语音会话的对话记忆：有界的 Turn 历史 + 空闲 TTL 驱逐。
//
// Session 及其 Turn 由 Store 独占持有；编排器只持有 session id，
// 通过 Append 追加历史，绝不直接修改。两个会话的操作互不阻塞。
//
// 两种实现：
//   - MemoryStore：进程内 map，适合开发、测试与单实例部署
//   - RedisStore：go-redis 实现，TTL 由 Redis 原生维护，适合多实例部署
//
// 无论清扫何时运行，过期会话的历史绝不会返回给调用方（读取时强制惰性检查）。
package session

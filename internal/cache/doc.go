/*
包 cache 提供基于 Redis 的轻量缓存读写，供检索结果等
可重算数据做短 TTL 缓存。

# 核心类型

  - Manager：缓存管理器。客户端由调用方注入，与会话存储共用
    同一个 Redis 连接池；提供 Get/Set/Delete 与 GetJSON/SetJSON。

# 错误语义

未命中返回哨兵错误 ErrCacheMiss，用 IsCacheMiss 判断。
缓存读写失败不应影响调用方主流程：未命中与故障等价于"直接回源"。
*/
package cache

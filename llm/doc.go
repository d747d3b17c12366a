/*
包 llm 提供对话回复生成的 LLM 适配层。

# 核心接口

  - Provider：统一的 LLM 适配接口，Completion 同步生成，
    Stream 返回 SSE 增量通道，HealthCheck 用于探活。
  - ChatRequest / Message / ChatResponse / StreamChunk：标准化
    请求与响应模型。
  - HistoryBuilder：把会话历史组装为发给模型的消息窗口，
    最旧的 Turn 优先裁剪，token 预算用 tiktoken 估算（不可用时
    退化为字符数估算）。检索到的参考资料仅在启用时并入
    system prompt，检索缺失不阻塞生成。

# 实现

OpenAIProvider 走 OpenAI 兼容的 /v1/chat/completions 端点，
任何暴露该协议的网关（vLLM、Ollama、各云厂商代理）均可直连。
HTTP 状态被映射为统一错误分类：5xx/超时/429 瞬态，其余 4xx 永久。
*/
package llm

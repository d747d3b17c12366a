/*
包 pipeline 实现语音会话编排：把转写、生成、合成、调速发送
串联为 listening → transcribing → generating → speaking 的循环。

# 状态机

一个 Orchestrator 服务一条连接，生命周期为
idle → authenticating → connected → listening → transcribing →
generating → speaking → listening …，直至 closing → closed。

# 关键行为

  - 切句转发：LLM 增量在句末标点处切出完整句子，立即送往 TTS，
    生成与合成重叠进行。
  - 打断：新的最终转写通过取消在途回复的 context 实现打断，
    被打断的回复不算降级。
  - 降级：提供者在重试耗尽后仍失败时发送致歉帧并回到 listening；
    连续降级达到上限关闭会话。
  - 旁路协作方（检索、持久化、动态提示词）全部尽力而为，
    失败只记日志，绝不阻断实时链路。
*/
package pipeline

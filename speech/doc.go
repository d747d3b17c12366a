/*
包 speech 提供统一的语音识别 (STT) 与语音合成 (TTS) 接入层，
屏蔽不同服务商在音频格式、鉴权方式和响应结构上的差异。

# 核心接口

  - STTProvider：语音转文本接口。StartStream 建立流式转写会话，
    边送音频边收部分/最终转写；Transcribe 做整段批量转写。
  - STTStream：流式转写会话句柄，Send 推送音频分片，
    Events 返回 TranscriptEvent 通道，CloseSend 宣告音频结束。
  - TTSProvider：文本转语音接口。SynthesizeStream 按句子流式合成，
    Synthesize 做整段合成；ListVoices 查询可用声音。

# 服务商适配

  - Deepgram STT：批量 /v1/listen 与 WebSocket 实时流
    （interim results + endpointing）。
  - OpenAI Whisper STT：批量 multipart 转写；StartStream 退化为
    整段缓冲后一次性转写。
  - ElevenLabs TTS：流式合成端点，分块响应体转为 AudioChunk 通道。
  - OpenAI TTS：批量合成，结果切块后以通道形式交付。

所有适配器把 HTTP 状态映射为统一的错误分类：5xx/超时/429 视为
瞬态（可重试），其余 4xx 视为永久。
*/
package speech

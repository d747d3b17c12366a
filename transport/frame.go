// 包 transport 提供会话 socket 的帧协议、连接适配与鉴权。
// 控制帧是 JSON 文本消息，音频是二进制消息，复用同一条 WebSocket。
package transport

import "time"

// FrameType 控制帧类型。
type FrameType string

const (
	FrameConnectionEstablished FrameType = "connection_established"
	FrameError                 FrameType = "error"
	FramePartialTranscript     FrameType = "partial_transcript"
	FrameFinalTranscript       FrameType = "final_transcript"
	FrameAssistantText         FrameType = "assistant_text"
	FrameSessionClosed         FrameType = "session_closed"
	FramePong                  FrameType = "pong"
)

// Frame 是一个出站控制帧。
type Frame struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`

	// Text 转写文本或助手文本
	Text string `json:"text,omitempty"`

	// Code / Message 错误帧内容
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// Reason 会话关闭原因
	Reason string `json:"reason,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}

// NewErrorFrame 构造错误帧。
func NewErrorFrame(sessionID, code, message string) Frame {
	return Frame{
		Type:      FrameError,
		SessionID: sessionID,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewTranscriptFrame 构造部分或最终转写帧。
func NewTranscriptFrame(sessionID, text string, isFinal bool) Frame {
	frameType := FramePartialTranscript
	if isFinal {
		frameType = FrameFinalTranscript
	}
	return Frame{
		Type:      frameType,
		SessionID: sessionID,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// ClientMessageType 入站消息类型。
type ClientMessageType string

const (
	// ClientAudio 二进制音频分片
	ClientAudio ClientMessageType = "audio"
	// ClientControl JSON 控制消息
	ClientControl ClientMessageType = "control"
)

// ClientControlAction 客户端控制动作。
type ClientControlAction string

const (
	// ActionEndUtterance 客户端显式宣告一次 utterance 结束
	ActionEndUtterance ClientControlAction = "end_utterance"
	// ActionStop 客户端请求结束会话
	ActionStop ClientControlAction = "stop"
	// ActionPing 心跳探测
	ActionPing ClientControlAction = "ping"
)

// ClientMessage 是一条入站消息：音频二进制或控制 JSON。
type ClientMessage struct {
	Type   ClientMessageType
	Audio  []byte
	Action ClientControlAction
}

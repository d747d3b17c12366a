package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Conn 是编排层看到的会话连接。实现必须允许收发并发进行。
type Conn interface {
	// SendFrame 发送一个控制帧
	SendFrame(ctx context.Context, frame Frame) error

	// SendAudio 发送一个二进制音频分片
	SendAudio(ctx context.Context, data []byte) error

	// Receive 读取下一条入站消息
	Receive(ctx context.Context) (*ClientMessage, error)

	// Close 以原因码关闭连接
	Close(reason string) error
}

// WebSocketConn 将 WebSocket 连接适配为 Conn 接口。
// 写操作通过 mutex 保护，因为 WebSocket 不支持并发写。
type WebSocketConn struct {
	conn   *websocket.Conn
	logger *zap.Logger
	mu     sync.Mutex // 保护写操作
	closed bool
}

// NewWebSocketConn 从已建立的 WebSocket 连接创建适配器。
func NewWebSocketConn(conn *websocket.Conn, logger *zap.Logger) *WebSocketConn {
	if logger == nil {
		logger = zap.NewNop()
	}
	// 入站音频分片可以较大
	conn.SetReadLimit(1 << 22)
	return &WebSocketConn{
		conn:   conn,
		logger: logger.With(zap.String("component", "ws_conn")),
	}
}

// SendFrame 将控制帧序列化为 JSON 文本消息发送。
func (w *WebSocketConn) SendFrame(ctx context.Context, frame Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("connection closed")
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// SendAudio 发送二进制音频消息。
func (w *WebSocketConn) SendAudio(ctx context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("connection closed")
	}

	if err := w.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Receive 读取下一条入站消息：二进制视为音频，文本解析为控制消息。
func (w *WebSocketConn) Receive(ctx context.Context) (*ClientMessage, error) {
	msgType, data, err := w.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("websocket read: %w", err)
	}

	if msgType == websocket.MessageBinary {
		return &ClientMessage{Type: ClientAudio, Audio: data}, nil
	}

	var ctrl struct {
		Action ClientControlAction `json:"action"`
	}
	if err := json.Unmarshal(data, &ctrl); err != nil {
		return nil, fmt.Errorf("unmarshal control message: %w", err)
	}
	return &ClientMessage{Type: ClientControl, Action: ctrl.Action}, nil
}

// Close 关闭连接。幂等。
func (w *WebSocketConn) Close(reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	return w.conn.Close(websocket.StatusNormalClosure, reason)
}

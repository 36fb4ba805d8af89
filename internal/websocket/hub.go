package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/wfunc/plotter-bridge/internal/hardware"
	"go.uber.org/zap"
)

// Hub WebSocket连接管理中心
//
// 将中继的每次命令往返推送给所有已连接的客户端。
type Hub struct {
	// 客户端连接池
	clients   map[string]*Client
	clientsMu sync.RWMutex

	// 消息广播通道
	broadcast chan *Message

	// 注册/注销通道
	register   chan *Client
	unregister chan *Client

	done chan struct{}

	// 统计
	dropped uint64

	logger *zap.Logger
}

// Message WebSocket消息
type Message struct {
	Type      string          `json:"type"`           // 消息类型
	Data      json.RawMessage `json:"data,omitempty"` // 消息数据
	Timestamp int64           `json:"timestamp"`      // 时间戳（毫秒）
}

// MessageType 消息类型
const (
	MessageTypeConnected = "connected"
	MessageTypeExchange  = "exchange"
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
	MessageTypeError     = "error"
)

// ExchangeEvent 推送给客户端的命令往返
type ExchangeEvent struct {
	Device     string    `json:"device"`
	BatchID    string    `json:"batch_id,omitempty"`
	Seq        int       `json:"seq"`
	Command    string    `json:"command"`
	Response   string    `json:"response,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}

// NewHub 创建Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run 运行Hub直到 ctx 结束，退出时关闭所有客户端
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.clientsMu.Lock()
		for id, client := range h.clients {
			delete(h.clients, id)
			close(client.Send)
		}
		h.clientsMu.Unlock()
	}()

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastMessage(message)

		case <-ctx.Done():
			return
		}
	}
}

// registerClient 注册客户端
func (h *Hub) registerClient(client *Client) {
	h.clientsMu.Lock()
	h.clients[client.ID] = client
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端连接", zap.String("client_id", client.ID))

	// 发送连接成功消息
	h.SendToClient(client.ID, &Message{
		Type:      MessageTypeConnected,
		Timestamp: time.Now().UnixMilli(),
		Data:      json.RawMessage(`{"client_id":"` + client.ID + `"}`),
	})
}

// unregisterClient 注销客户端
func (h *Hub) unregisterClient(client *Client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
	}
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端断开", zap.String("client_id", client.ID))
}

// broadcastMessage 广播消息
func (h *Hub) broadcastMessage(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("序列化消息失败", zap.Error(err))
		return
	}

	h.clientsMu.RLock()
	for _, client := range h.clients {
		select {
		case client.Send <- data:
		default:
			// 慢客户端跳过本条消息
			h.logger.Warn("客户端发送缓冲区满", zap.String("client_id", client.ID))
		}
	}
	h.clientsMu.RUnlock()
}

// SendToClient 发送消息给指定客户端
func (h *Hub) SendToClient(clientID string, message *Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	// 持锁发送，避免与注销时关闭通道竞争
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	client, ok := h.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}

	select {
	case client.Send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// OnExchange 推送一次命令往返，不阻塞调用方
func (h *Hub) OnExchange(ex *hardware.Exchange) {
	data, err := json.Marshal(&ExchangeEvent{
		Device:     ex.Device,
		BatchID:    ex.Command.BatchID,
		Seq:        ex.Command.Seq,
		Command:    ex.Command.Text,
		Response:   ex.Response,
		Error:      ex.ErrorMessage(),
		StartedAt:  ex.StartedAt,
		DurationMs: ex.Duration.Milliseconds(),
	})
	if err != nil {
		h.logger.Error("序列化往返记录失败", zap.Error(err))
		return
	}

	h.Broadcast(&Message{
		Type:      MessageTypeExchange,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Broadcast 广播消息，通道满时丢弃
func (h *Hub) Broadcast(message *Message) {
	select {
	case h.broadcast <- message:
	default:
		h.clientsMu.Lock()
		h.dropped++
		h.clientsMu.Unlock()
		h.logger.Warn("广播通道已满，丢弃消息", zap.String("type", message.Type))
	}
}

// Register 注册客户端
func (h *Hub) Register(client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// GetOnlineCount 获取在线客户端数
func (h *Hub) GetOnlineCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Dropped 因广播通道满而丢弃的消息数
func (h *Hub) Dropped() uint64 {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return h.dropped
}

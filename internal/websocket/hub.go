package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/wfunc/slot-iocard/internal/config"
	"github.com/wfunc/slot-iocard/internal/errors"
	"github.com/wfunc/slot-iocard/internal/hardware"
	"go.uber.org/zap"
)

// Message WebSocket消息
type Message struct {
	Type      string      `json:"type"`           // 消息类型，设备事件使用事件名
	Timestamp int64       `json:"timestamp"`      // Unix时间戳（毫秒）
	Data      interface{} `json:"data,omitempty"` // 消息数据
}

// 系统消息类型
const (
	MessageTypeWelcome  = "welcome"
	MessageTypePing     = "ping"
	MessageTypePong     = "pong"
	MessageTypeSnapshot = "snapshot"
	MessageTypeError    = "error_message"
)

// SnapshotFunc 返回当前设备状态快照
type SnapshotFunc func() interface{}

// Options Hub参数
type Options struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	SendBufferSize  int
}

// OptionsFromConfig 从配置生成参数
func OptionsFromConfig(cfg config.WebSocketConfig) Options {
	return Options{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		MaxMessageSize:  cfg.MaxMessageSize,
		PingInterval:    cfg.PingInterval,
		PongTimeout:     cfg.PongTimeout,
		WriteTimeout:    cfg.WriteTimeout,
	}
}

func (o *Options) applyDefaults() {
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 1024
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = 1024
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 8192
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	// ping 周期必须小于 pong 超时
	if o.PingInterval <= 0 || o.PingInterval >= o.PongTimeout {
		o.PingInterval = o.PongTimeout * 9 / 10
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = 256
	}
}

// Hub WebSocket连接管理中心，把设备事件推送给所有客户端
type Hub struct {
	clients   map[string]*Client
	clientsMu sync.RWMutex

	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client
	stopCh     chan struct{}
	stopOnce   sync.Once

	snapshotMu sync.RWMutex
	snapshot   SnapshotFunc

	opts   Options
	logger *zap.Logger
}

// NewHub 创建Hub
func NewHub(opts Options, logger *zap.Logger) *Hub {
	opts.applyDefaults()
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopCh:     make(chan struct{}),
		opts:       opts,
		logger:     logger,
	}
}

// SetSnapshotProvider 设置快照来源，客户端发送 snapshot 消息时调用
func (h *Hub) SetSnapshotProvider(fn SnapshotFunc) {
	h.snapshotMu.Lock()
	h.snapshot = fn
	h.snapshotMu.Unlock()
}

func (h *Hub) snapshotProvider() SnapshotFunc {
	h.snapshotMu.RLock()
	defer h.snapshotMu.RUnlock()
	return h.snapshot
}

// Run 运行Hub，直到 Stop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastMessage(message)

		case <-h.stopCh:
			h.clientsMu.Lock()
			for id, client := range h.clients {
				delete(h.clients, id)
				close(client.send)
			}
			h.clientsMu.Unlock()
			return
		}
	}
}

// Stop 停止Hub并关闭所有客户端
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// Attach 订阅设备事件
func (h *Hub) Attach(card *hardware.Card) *hardware.Subscription {
	return card.Subscribe(h.PublishEvent)
}

// PublishEvent 广播一条设备事件
//
// 在设备读协程中调用，广播队列满时直接丢弃。
func (h *Hub) PublishEvent(ev hardware.Event) {
	data := hardware.EventFields(ev)
	meta := ev.Meta()
	data["frame_id"] = meta.ID
	data["device_time"] = meta.Timestamp

	h.Broadcast(&Message{
		Type:      ev.Name(),
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	})
}

// Broadcast 广播消息，不阻塞
func (h *Hub) Broadcast(message *Message) {
	select {
	case h.broadcast <- message:
	case <-h.stopCh:
	default:
		h.logger.Warn("广播队列已满，丢弃消息", zap.String("type", message.Type))
	}
}

// registerClient 注册客户端
func (h *Hub) registerClient(client *Client) {
	h.clientsMu.Lock()
	h.clients[client.ID] = client
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端连接",
		zap.String("client_id", client.ID),
		zap.String("remote", client.remote))

	h.SendToClient(client.ID, &Message{
		Type:      MessageTypeWelcome,
		Timestamp: time.Now().UnixMilli(),
		Data:      map[string]string{"client_id": client.ID},
	})
}

// unregisterClient 注销客户端
func (h *Hub) unregisterClient(client *Client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.send)
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
		case client.send <- data:
		default:
			h.logger.Warn("客户端发送缓冲区满", zap.String("client_id", client.ID))
		}
	}
	h.clientsMu.RUnlock()
}

// SendToClient 发送消息给指定客户端
//
// Hub 停止后返回 ErrWebSocketClosed；缓冲区满时返回 ErrWebSocketSend，原因为 ErrSendBufferFull。
func (h *Hub) SendToClient(clientID string, message *Message) error {
	select {
	case <-h.stopCh:
		return errors.New(errors.ErrWebSocketClosed, clientID)
	default:
	}

	data, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, errors.ErrMessageFormat, message.Type)
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	client, ok := h.clients[clientID]
	if !ok {
		return errors.Wrap(ErrClientNotFound, errors.ErrNotFound, clientID)
	}

	select {
	case client.send <- data:
		return nil
	default:
		return errors.Wrap(ErrSendBufferFull, errors.ErrWebSocketSend, clientID)
	}
}

// GetOnlineCount 获取在线客户端数
func (h *Hub) GetOnlineCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

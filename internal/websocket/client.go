package websocket

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wfunc/slot-iocard/internal/errors"
	"go.uber.org/zap"
)

// 错误定义
var (
	ErrClientNotFound = stderrors.New("客户端未找到")
	ErrSendBufferFull = stderrors.New("发送缓冲区已满")
)

// Client WebSocket客户端
type Client struct {
	ID     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	remote string
}

// ServeWS 升级HTTP连接并注册客户端
func (h *Hub) ServeWS(c *gin.Context) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  h.opts.ReadBufferSize,
		WriteBufferSize: h.opts.WriteBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket升级失败",
			zap.Error(errors.Wrap(err, errors.ErrWebSocketConnect, c.Request.RemoteAddr)))
		return
	}

	client := &Client{
		ID:     uuid.New().String(),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.opts.SendBufferSize),
		remote: c.Request.RemoteAddr,
	}

	select {
	case h.register <- client:
	case <-h.stopCh:
		h.logger.Debug("Hub已停止，拒绝新连接", zap.Error(errors.New(errors.ErrWebSocketClosed, client.remote)))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump 读取消息
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopCh:
		}
		c.conn.Close()
	}()

	opts := c.hub.opts
	c.conn.SetReadLimit(opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket读取错误",
					zap.String("client_id", c.ID),
					zap.Error(err))
			}
			return
		}
		c.handleMessage(message)
	}
}

// writePump 写入消息，每条消息单独一帧
func (c *Client) writePump() {
	opts := c.hub.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if !ok {
				// Hub关闭了通道
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理客户端消息，只支持 ping 和 snapshot
func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		c.hub.logger.Warn("无效的WebSocket消息", zap.String("client_id", c.ID))
		c.reply(MessageTypeError, map[string]string{"error": "消息格式错误"})
		return
	}

	switch msg.Type {
	case MessageTypePing:
		c.reply(MessageTypePong, nil)

	case MessageTypeSnapshot:
		snapshot := c.hub.snapshotProvider()
		if snapshot == nil {
			c.reply(MessageTypeError, map[string]string{"error": "快照不可用"})
			return
		}
		c.reply(MessageTypeSnapshot, snapshot())

	default:
		c.reply(MessageTypeError, map[string]string{"error": "不支持的消息类型: " + msg.Type})
	}
}

func (c *Client) reply(msgType string, data interface{}) {
	err := c.hub.SendToClient(c.ID, &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	})
	if err != nil {
		c.hub.logger.Debug("回复客户端失败", zap.String("client_id", c.ID), zap.Error(err))
	}
}

package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"softmock/internal/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// ErrClientClosed 连接已关闭
var ErrClientClosed = errors.New("client closed")

// Client websocket 订阅端
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	log  logger.Logger
}

// NewClient 包装一个已升级的 websocket 连接
func NewClient(conn *websocket.Conn, buffer int, l logger.Logger) *Client {
	if l == nil {
		l = logger.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	id := uuid.NewString()
	return &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
		log:  l.With("subscriber", id),
	}
}

// ID 订阅者ID
func (c *Client) ID() string { return c.id }

// Send 放入发送队列，队列满时等待至 ctx 结束
func (c *Client) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 关闭连接，可重复调用
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done 连接关闭时关闭
func (c *Client) Done() <-chan struct{} { return c.done }

// Serve 注册到 hub 并阻塞处理连接，直到连接断开
func (c *Client) Serve(h *Hub) {
	h.Subscribe(c)
	defer func() {
		h.Unsubscribe(c)
		_ = c.Close()
	}()

	go c.writePump()
	c.readPump()
}

// readPump 读取并丢弃客户端消息，用于处理 pong 与关闭帧
func (c *Client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket 异常断开", "error", err.Error())
			}
			return
		}
	}
}

// writePump 把发送队列写入连接并定时发送 ping
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("websocket 写入失败", "error", err.Error())
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

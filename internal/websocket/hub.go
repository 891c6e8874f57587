package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mailfeed/backend/internal/domain"
)

// ErrHubStopped Hub 已停止运行。
var ErrHubStopped = errors.New("websocket hub stopped")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" || origin == requestOrigin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeEntry      MessageType = "entry"
	MessageTypeSubscribed MessageType = "subscribed"
	MessageTypePing       MessageType = "ping"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType        `json:"type"`
	Feed      string             `json:"feed"`
	Entry     *domain.EntryEvent `json:"entry,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Client 代表一个订阅单个订阅源的WebSocket连接
type Client struct {
	ID   string
	Feed string

	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub 按订阅源管理WebSocket连接
type Hub struct {
	feeds      map[string]map[string]*Client // feed reference -> clientID -> Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	done       chan struct{}
	stopOnce   sync.Once

	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，为空时允许所有来源
//   - log: 日志记录器
func NewHub(allowedOrigins []string, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		feeds:          make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *Message, 256),
		done:           make(chan struct{}),
		log:            log,
		allowedOrigins: allowedOrigins,
	}
}

// Run 启动Hub，直到 ctx 结束
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer h.stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.feeds[client.Feed] == nil {
				h.feeds[client.Feed] = make(map[string]*Client)
			}
			h.feeds[client.Feed][client.ID] = client
			h.mu.Unlock()
			h.log.Debug("client registered", zap.String("id", client.ID), zap.String("feed", client.Feed))

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			h.broadcastToFeed(msg)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, clients := range h.feeds {
			for _, client := range clients {
				close(client.send)
			}
		}
		h.feeds = make(map[string]map[string]*Client)
	})
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.feeds[client.Feed]
	if !ok {
		return
	}
	if _, ok := clients[client.ID]; !ok {
		return
	}
	delete(clients, client.ID)
	if len(clients) == 0 {
		delete(h.feeds, client.Feed)
	}
	close(client.send)
	h.log.Debug("client unregistered", zap.String("id", client.ID), zap.String("feed", client.Feed))
}

// Subscribers 返回订阅源当前的连接数
func (h *Hub) Subscribers(feed string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.feeds[feed])
}

// PublishEntry 向订阅该订阅源的客户端推送新条目
func (h *Hub) PublishEntry(ctx context.Context, event *domain.EntryEvent) error {
	msg := &Message{
		Type:      MessageTypeEntry,
		Feed:      event.Feed,
		Entry:     event,
		Timestamp: time.Now().UTC(),
	}

	select {
	case h.broadcast <- msg:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// broadcastToFeed 向订阅特定订阅源的客户端广播消息
func (h *Hub) broadcastToFeed(msg *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := h.feeds[msg.Feed]
	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			// 客户端阻塞，跳过
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
		}
	}
}

// pingAllClients 向所有客户端发送应用层 ping
func (h *Hub) pingAllClients() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for feed, clients := range h.feeds {
		data, err := json.Marshal(&Message{Type: MessageTypePing, Feed: feed, Timestamp: time.Now().UTC()})
		if err != nil {
			return
		}
		for _, client := range clients {
			select {
			case client.send <- data:
			default:
			}
		}
	}
}

// FeedResolver 校验订阅源是否存在，返回规范化后的引用
type FeedResolver func(ctx context.Context, reference string) (string, error)

// HandleWebSocket 处理订阅源实时推送连接
//
// reference 从路由参数 param 中解析，订阅源不存在时返回 404。
func HandleWebSocket(hub *Hub, param func(c *gin.Context) string, resolve FeedResolver) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		feed, err := resolve(c.Request.Context(), param(c))
		if err != nil {
			if errors.Is(err, domain.ErrFeedNotFound) {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "feed not found"})
				return
			}
			hub.log.Error("failed to resolve feed for websocket", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:   uuid.NewString(),
			Feed: feed,
			conn: conn,
			send: make(chan []byte, sendBuffer),
			hub:  hub,
		}

		// 确认消息先于任何广播进入发送队列
		client.enqueue(&Message{Type: MessageTypeSubscribed, Feed: feed, Timestamp: time.Now().UTC()})

		select {
		case hub.register <- client:
		case <-hub.done:
			_ = conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// readPump 只处理控制帧，客户端不需要发送业务消息
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("websocket closed", zap.String("clientID", c.ID), zap.Error(err))
			}
			return
		}
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue 在客户端注册前写入发送队列
func (c *Client) enqueue(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.log.Error("failed to marshal message", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

package output

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/GeoNomad/wizkers/pkg/protocol"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	// 心跳间隔
	pingInterval = 30 * time.Second
	// 写超时
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
)

// WSMessage 客户端发来的消息
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type broadcastMessage struct {
	instrument string
	data       []byte
}

// Client 一个 WebSocket 客户端
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Hub  *WSHub

	mu         sync.Mutex
	instrument string // 只接收该仪器的事件, 为空表示全部
}

func (c *Client) filter() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instrument
}

func (c *Client) setFilter(id string) {
	c.mu.Lock()
	c.instrument = id
	c.mu.Unlock()
}

// WSHub 管理 WebSocket 客户端并广播仪器事件
type WSHub struct {
	clients    map[*Client]bool
	broadcast  chan broadcastMessage
	register   chan *Client
	unregister chan *Client
	quit       chan struct{}
	stopOnce   sync.Once
	ctrl       Controller
	log        *logrus.Logger
	mu         sync.RWMutex
	nextID     uint64
}

func NewWSHub(log *logrus.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan broadcastMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		log:        log,
	}
}

// SetController 允许客户端通过 WebSocket 下发命令
func (h *WSHub) SetController(ctrl Controller) {
	h.ctrl = ctrl
}

// Run 事件循环, Stop 之后返回
func (h *WSHub) Run() {
	h.log.Info("WebSocket hub 已启动")
	for {
		select {
		case <-h.quit:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Infof("WebSocket 客户端已连接: %s, 当前 %d 个", client.ID, n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Infof("WebSocket 客户端已断开: %s, 当前 %d 个", client.ID, n)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if f := client.filter(); f != "" && f != message.instrument {
					continue
				}
				select {
				case client.Send <- message.data:
				default:
					// 发送缓冲已满, 断开慢客户端
					delete(h.clients, client)
					close(client.Send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop 停止 hub 并断开所有客户端
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.mu.Lock()
		for client := range h.clients {
			close(client.Send)
			client.Conn.Close()
			delete(h.clients, client)
		}
		h.mu.Unlock()
	})
}

func (h *WSHub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WSHub) Name() string { return "websocket" }

// Publish 广播事件; 格式 {"type": <event>, "data": <Event>}
func (h *WSHub) Publish(ctx context.Context, ev protocol.Event) error {
	data, err := json.Marshal(map[string]interface{}{
		"type": ev.Event,
		"data": ev,
	})
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	select {
	case h.broadcast <- broadcastMessage{instrument: ev.Instrument, data: data}:
		return nil
	case <-h.quit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *WSHub) Close() error {
	h.Stop()
	return nil
}

func (c *Client) leave() {
	select {
	case c.Hub.unregister <- c:
	case <-c.Hub.quit:
	}
}

// reply 非阻塞地回复客户端
func (c *Client) reply(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.Hub.mu.RLock()
	defer c.Hub.mu.RUnlock()
	if !c.Hub.clients[c] {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

// ReadPump 处理客户端消息
func (c *Client) ReadPump() {
	defer func() {
		c.leave()
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(64 * 1024)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.log.Warnf("WebSocket 客户端 %s 读取错误: %v", c.ID, err)
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe":
			var data struct {
				Instrument string `json:"instrument"`
			}
			if err := json.Unmarshal(msg.Data, &data); err == nil {
				c.setFilter(data.Instrument)
				c.reply(map[string]interface{}{"type": "subscribed", "instrument": data.Instrument})
			}
		case "command":
			var data struct {
				Instrument string `json:"instrument"`
			}
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				continue
			}
			res := map[string]interface{}{"type": "result", "instrument": data.Instrument, "ok": true}
			if c.Hub.ctrl == nil {
				res["ok"] = false
				res["error"] = "命令通道未启用"
			} else if err := HandleDownlink(c.Hub.ctrl, data.Instrument, msg.Data); err != nil {
				res["ok"] = false
				res["error"] = err.Error()
			}
			c.reply(res)
		case "ping":
			c.reply(map[string]string{"type": "pong"})
		}
	}
}

// WritePump 向客户端发送消息
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Handle gin 处理函数, 升级为 WebSocket; 可选参数 instrument 过滤仪器
func (h *WSHub) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warnf("WebSocket 升级失败: %v", err)
		return
	}

	client := &Client{
		ID:         fmt.Sprintf("ws-%d", atomic.AddUint64(&h.nextID, 1)),
		Conn:       conn,
		Send:       make(chan []byte, 256),
		Hub:        h,
		instrument: c.Query("instrument"),
	}

	welcome, _ := json.Marshal(map[string]interface{}{
		"type":      "connected",
		"client_id": client.ID,
	})
	client.Send <- welcome

	select {
	case h.register <- client:
	case <-h.quit:
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

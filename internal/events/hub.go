package events

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Hub handles websocket subscribers and broadcasts events to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once
	count      atomic.Int64
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// Client is one websocket subscriber.
type Client struct {
	ID     string
	conn   *websocket.Conn
	send   chan Event
	mu     sync.Mutex
	topics map[string]bool
}

// controlMessage is what clients send to change their subscription.
type controlMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// NewHub creates a hub and starts its run loop.
func NewHub(logger *zap.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}

	go h.run()

	return h
}

// Publish queues e for broadcast. Events are dropped when the queue is full.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case h.broadcast <- e:
	default:
		h.logger.Warn("Event queue full, dropping event",
			zap.String("type", string(e.Type)),
			zap.String("topic", e.Topic))
	}
}

// ServeWS upgrades the request. Repeated ?topic= parameters set the initial
// subscription; no topics means every event.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:     uuid.NewString(),
		conn:   conn,
		send:   make(chan Event, 64),
		topics: make(map[string]bool),
	}
	for _, t := range c.QueryArray("topic") {
		client.topics[t] = true
	}

	select {
	case h.register <- client:
	case <-h.stop:
		conn.Close()
		return
	}

	go h.writePump(client)
	go h.readPump(client)
}

// ConnectionCount returns the number of registered subscribers.
func (h *Hub) ConnectionCount() int {
	return int(h.count.Load())
}

// Close disconnects every subscriber and stops the run loop.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (c *Client) wants(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.topics) == 0 || c.topics[topic]
}

func (c *Client) apply(msg controlMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, t := range msg.Topics {
			c.topics[t] = true
		}
	case "unsubscribe":
		for _, t := range msg.Topics {
			delete(c.topics, t)
		}
	}
}

// readPump only processes subscription changes and keeps the read deadline
// alive.
func (h *Hub) readPump(c *Client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.stop:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg controlMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("Websocket closed", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		c.apply(msg)
	}
}

func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case e, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(e); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// run owns the client set. Only it closes a client's send channel.
func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.count.Store(int64(len(h.clients)))
			h.logger.Debug("Subscriber registered", zap.String("client_id", c.ID))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.count.Store(int64(len(h.clients)))
			}

		case e := <-h.broadcast:
			for c := range h.clients {
				if !c.wants(e.Topic) {
					continue
				}
				select {
				case c.send <- e:
				default:
					// slow subscriber
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.count.Store(int64(len(h.clients)))

		case <-h.stop:
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.count.Store(0)
			return
		}
	}
}

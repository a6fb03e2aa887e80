package server

import (
	"log/slog"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gofiber/contrib/websocket"

	"stagesave-server/config"
	"stagesave-server/service"
)

const (
	notifyTypeSnapshot = "snapshot"
	notifyTypeSaved    = "saved"
)

type notifyMessage struct {
	Type    string `json:"type"`
	SaveID  string `json:"save_id,omitempty"`
	Content string `json:"content"`
}

// wsConn is the part of *websocket.Conn the hub writes to.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// NotifyClient is one browser tab listening for saves.
type NotifyClient struct {
	conn   wsConn
	send   chan []byte
	done   chan struct{} // closed by Close
	exited chan struct{} // closed when writePump returns
	hub    *NotifyHub
	mu     sync.Mutex
	closed bool
}

func newNotifyClient(conn wsConn, hub *NotifyHub) *NotifyClient {
	c := &NotifyClient{
		conn:   conn,
		send:   make(chan []byte, config.NotifySendBuffer),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		hub:    hub,
	}
	go c.writePump()
	return c
}

// writePump never touches conn once Close has run, queued messages are dropped.
func (c *NotifyClient) writePump() {
	defer close(c.exited)
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			select {
			case <-c.done:
				return
			default:
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Error("notify client write error", "err", err)
				c.Close()
				return
			}
		}
	}
}

// Send queues msg, a client whose buffer is full is closed.
func (c *NotifyClient) Send(msg []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- msg:
		c.mu.Unlock()
		return true
	default:
	}
	c.mu.Unlock()

	slog.Warn("notify client send buffer full, dropping client")
	c.Close()
	return false
}

func (c *NotifyClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.hub.removeClient(c)
	c.conn.Close()
}

// Wait blocks until the write pump has stopped using the connection.
func (c *NotifyClient) Wait() {
	<-c.exited
}

type NotifyHub struct {
	mu      sync.Mutex
	clients map[*NotifyClient]struct{}
}

func NewNotifyHub() *NotifyHub {
	return &NotifyHub{clients: make(map[*NotifyClient]struct{})}
}

func (h *NotifyHub) AddClientConn(conn wsConn) *NotifyClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	cl := newNotifyClient(conn, h)
	h.clients[cl] = struct{}{}
	return cl
}

func (h *NotifyHub) removeClient(c *NotifyClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *NotifyHub) BroadcastMessage(msg []byte) {
	h.mu.Lock()
	clients := make([]*NotifyClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.Send(msg)
	}
}

// HandleSaved is subscribed to service.TopicStageSaved.
func (h *NotifyHub) HandleSaved(event service.Event) {
	msg, err := encodeNotify(notifyTypeSaved, event.SaveID, event.Content)
	if err != nil {
		slog.Error("Failed to encode save notification", "saveid", event.SaveID, "err", err)
		return
	}
	h.BroadcastMessage(msg)
}

func (h *NotifyHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *NotifyHub) Close() {
	h.mu.Lock()
	clients := make([]*NotifyClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}

func encodeNotify(typ, saveID, content string) ([]byte, error) {
	return sonic.Marshal(notifyMessage{Type: typ, SaveID: saveID, Content: content})
}

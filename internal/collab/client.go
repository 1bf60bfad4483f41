package collab

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/olivelliott/realtime-pm/internal/logger"
	"github.com/olivelliott/realtime-pm/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

var clientLog = logger.Component("ws")

// Client wraps one websocket connection. A connection is not bound to a room
// up front: each inbound message names its room, and the registry routes it.
// Rooms hold clients keyed by the clientId the peer supplied on join; the
// joined map records those memberships so the rooms can be told when the
// socket dies.
type Client struct {
	conn *websocket.Conn
	Send chan []byte

	mu     sync.Mutex
	joined map[string]string // roomId -> clientId
	closed bool
}

// NewClient wraps an accepted connection.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		conn:   conn,
		Send:   make(chan []byte, 256),
		joined: make(map[string]string),
	}
}

// WriteMessage serializes msg and queues it for delivery. Delivery is best
// effort: a full buffer drops the message and the transport's close path
// handles the rest.
func (c *Client) WriteMessage(msg *models.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		clientLog.Error("marshal %s message: %v", msg.Type, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.Send <- data:
	default:
		// Client buffer full, skip
	}
}

func (c *Client) trackJoin(roomID, clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined[roomID] = clientID
}

func (c *Client) trackLeave(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.joined, roomID)
}

// memberships snapshots the rooms this socket has joined.
func (c *Client) memberships() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.joined))
	for room, id := range c.joined {
		out[room] = id
	}
	return out
}

// Close shuts the send channel and the connection. Safe to call once from the
// room-side cleanup path.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.Send)
	c.conn.Close()
}

// readPump reads messages from the connection and hands them to the registry
// until the transport closes, then detaches the socket from every room it
// joined.
func (c *Client) readPump(registry *Registry) {
	defer func() {
		for roomID, clientID := range c.memberships() {
			if room := registry.GetRoom(roomID); room != nil {
				room.disconnect(clientID, c)
			}
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				clientLog.Warn("read: %v", err)
			}
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		registry.Dispatch(c, message)
	}
}

// writePump drains the send channel onto the connection and keeps the
// transport alive with websocket-level pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// Package ws pushes live job events to connected clients. Connections are
// grouped by owner: an event for a media item is fanned out only to the
// sockets of the owner it belongs to.
package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Slow consumers get dropped rather than backing up the hub.
	sendBuffer = 16
)

type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	ownerID string
	send    chan []byte
}

type envelope struct {
	ownerID string
	data    []byte
}

type Hub struct {
	clients    map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan envelope
	logger     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan envelope, 64),
		logger:     logger,
	}
}

// Run owns the client registry. All membership changes and fan-out go
// through this single goroutine, so no locks are needed.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			if h.clients[client.ownerID] == nil {
				h.clients[client.ownerID] = make(map[*Client]bool)
			}
			h.clients[client.ownerID][client] = true
			h.logger.Debug("ws client registered", zap.String("owner_id", client.ownerID))

		case client := <-h.unregister:
			if room, ok := h.clients[client.ownerID]; ok {
				if _, ok := room[client]; ok {
					delete(room, client)
					close(client.send)
					if len(room) == 0 {
						delete(h.clients, client.ownerID)
					}
				}
			}

		case msg := <-h.broadcast:
			for client := range h.clients[msg.ownerID] {
				select {
				case client.send <- msg.data:
				default:
					delete(h.clients[msg.ownerID], client)
					close(client.send)
				}
			}
		}
	}
}

// Publish serializes payload and fans it out to every socket of ownerID.
// Owners with no open sockets cost one map lookup.
func (h *Hub) Publish(ownerID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("ws payload marshal failed", zap.Error(err))
		return
	}
	h.broadcast <- envelope{ownerID: ownerID, data: data}
}

// Register attaches an upgraded connection to the hub and starts its pumps.
func (h *Hub) Register(conn *websocket.Conn, ownerID string) {
	client := &Client{
		hub:     h,
		conn:    conn,
		ownerID: ownerID,
		send:    make(chan []byte, sendBuffer),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Inbound messages are ignored; the read loop exists to surface
	// disconnects and answer pings.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("ws read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

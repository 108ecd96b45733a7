package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"nhooyr.io/websocket"
)

const (
	sendBufferSize = 256
	readLimit      = 32768
	pingInterval   = 30 * time.Second
)

// Client is one viewer connection. send is only written and closed while
// the hub lock is held, and a client is removed from its room before its
// channel is closed.
type Client struct {
	id   string
	code string
	name string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

func newClient(conn *websocket.Conn, hub *Hub, id, code, name string) *Client {
	return &Client{
		id:   id,
		code: code,
		name: name,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		hub:  hub,
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.disconnect(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.conn.SetReadLimit(readLimit)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				c.hub.logger.Debug("client read error", "room", c.code, "client", c.id, "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Debug("client sent invalid message", "room", c.code, "client", c.id, "error", err)
			continue
		}

		switch msg.Type {
		case TypeTerminalInput:
			if msg.Data != "" {
				c.hub.sessions.Input(c.code, msg.Data)
			}
		case TypeTerminalResize:
			if msg.Cols > 0 && msg.Rows > 0 {
				c.hub.sessions.Resize(c.code, c.id, msg.Cols, msg.Rows)
			}
		case TypeUserTyping, TypeUserStopTyping:
			c.hub.relayTyping(c, msg.Type)
		default:
			c.hub.logger.Debug("client sent unknown message type", "room", c.code, "client", c.id, "type", msg.Type)
		}
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}

// queue must be called with the hub lock held.
func (c *Client) queue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		c.hub.logger.Warn("client send buffer full, dropping message", "room", c.code, "client", c.id)
	}
}

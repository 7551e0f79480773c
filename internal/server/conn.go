package server

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tetherdev/tether/internal/relay"
)

// wsConn adapts a websocket connection to the router's Conn interface.
// gorilla/websocket allows one concurrent writer, so every send from the
// router's writer goroutines and the read loop's error replies goes through
// one mutex.
type wsConn struct {
	id string

	mu sync.Mutex
	ws *websocket.Conn
}

func newWSConn(id string, ws *websocket.Conn) *wsConn {
	return &wsConn{id: id, ws: ws}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(msg relay.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

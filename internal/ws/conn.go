package ws

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// conn wraps a websocket connection for the session registry. The
// registry pushes from broker pump goroutines, so every write is
// serialized behind a mutex.
type conn struct {
	ws           *websocket.Conn
	userID       string
	writeTimeout time.Duration

	mu sync.Mutex
}

func newConn(ws *websocket.Conn, userID string, writeTimeout time.Duration) *conn {
	return &conn{ws: ws, userID: userID, writeTimeout: writeTimeout}
}

func (c *conn) UserID() string { return c.userID }

func (c *conn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(v)
}

func (c *conn) SendSync(documentID string, changes [][]byte) {
	msg := syncMessage{Type: "sync", DocID: documentID, Changes: encodeChanges(changes)}
	if err := c.send(msg); err != nil {
		log.Printf("ws: sync push to %s failed: %v", c.userID, err)
	}
}

func (c *conn) SendPresence(documentID string, users []string) {
	msg := presenceMessage{Type: "presence", DocID: documentID, Users: users}
	if err := c.send(msg); err != nil {
		log.Printf("ws: presence push to %s failed: %v", c.userID, err)
	}
}

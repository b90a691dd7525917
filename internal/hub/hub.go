package hub

import "sync"

type Writer interface {
	Write(message []byte) error
	Close() error
}

type Connection struct {
	UserID    int64
	SessionID string
	Writer    Writer
}

// Hub tracks the live connection of each user. A user has at most one; a
// newer registration supersedes the older one.
type Hub struct {
	mu          sync.RWMutex
	connections map[int64]*Connection
}

func New() *Hub {
	return &Hub{connections: make(map[int64]*Connection)}
}

// Register makes conn the user's live connection and returns the one it
// replaced, if any. The caller closes the superseded connection.
func (h *Hub) Register(conn *Connection) *Connection {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.connections[conn.UserID]
	h.connections[conn.UserID] = conn
	if prev == conn {
		return nil
	}
	return prev
}

// Unregister removes conn if it is still the user's live connection.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn.UserID] == conn {
		delete(h.connections, conn.UserID)
	}
}

func (h *Hub) Lookup(userID int64) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.connections[userID]
	return c, ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Broadcast writes message to the user's live connection, reporting whether
// it was delivered. A connection that fails to write is closed and dropped.
func (h *Hub) Broadcast(userID int64, message []byte) bool {
	c, ok := h.Lookup(userID)
	if !ok {
		return false
	}
	if err := c.Writer.Write(message); err != nil {
		_ = c.Writer.Close()
		h.Unregister(c)
		return false
	}
	return true
}

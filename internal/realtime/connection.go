package realtime

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one authenticated WebSocket client. Writes are serialized by
// a per-connection mutex so event delivery and heartbeat pings never
// interleave frame bytes.
type Connection struct {
	ID        string
	UserID    string
	Conn      net.Conn
	CreatedAt time.Time

	lastActivity atomic.Int64 // unix nanos of the last frame read
	writeMu      sync.Mutex
}

func newConnection(id, userID string, conn net.Conn) *Connection {
	now := time.Now()
	c := &Connection{ID: id, UserID: userID, Conn: conn, CreatedAt: now}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// WriteMessage sends a text frame.
func (c *Connection) WriteMessage(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}

func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, f)
}

// LastActivity is when the client last sent any frame.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager indexes live connections by connection id and by user.
// One user may hold several connections, one per open tab or device.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byUser map[string]map[string]*Connection
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.byID[c.ID] = c
	set, ok := cm.byUser[c.UserID]
	if !ok {
		set = make(map[string]*Connection)
		cm.byUser[c.UserID] = set
	}
	set[c.ID] = c
}

// Remove unregisters and closes the connection. removed is false when the
// connection was already gone, so concurrent removals clean up once. last
// reports that the user has no connection left.
func (cm *ConnectionManager) Remove(id string) (removed, last bool) {
	cm.mu.Lock()
	c, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if set := cm.byUser[c.UserID]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(cm.byUser, c.UserID)
				last = true
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		_ = c.Close()
	}
	return ok, last
}

func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	c := cm.byID[id]
	cm.mu.RUnlock()
	return c
}

// ForUser returns a snapshot of the user's connections.
func (cm *ConnectionManager) ForUser(userID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	set := cm.byUser[userID]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot safe to iterate without the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	out := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		out = append(out, c)
	}
	cm.mu.RUnlock()
	return out
}

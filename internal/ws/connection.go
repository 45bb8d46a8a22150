package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Identity is the authenticated user bound to a connection. It is empty
// until the client completes the auth handshake.
type Identity struct {
	UserID       string
	SessionID    string
	Username     string
	Email        string
	ProfileImage string
}

// Connection is one WebSocket client with its transport state and, once
// authenticated, the identity of the user behind it. A per-connection write
// mutex serializes outbound frames.
type Connection struct {
	ID        string   // connection ID (UUID), stable for the socket's lifetime
	Conn      net.Conn // underlying TCP connection
	Fd        int      // file descriptor for poller lookups
	CreatedAt time.Time
	LastPing  time.Time // last activity observed from the client

	identityMu sync.RWMutex
	identity   Identity

	writeMu    sync.Mutex
	processing int32 // atomic flag: 1 while a worker is reading this conn
}

// SetIdentity binds an authenticated user to the connection.
func (c *Connection) SetIdentity(id Identity) {
	c.identityMu.Lock()
	c.identity = id
	c.identityMu.Unlock()
}

// Identity returns the bound user identity. The zero value means the
// connection has not authenticated yet.
func (c *Connection) Identity() Identity {
	c.identityMu.RLock()
	id := c.identity
	c.identityMu.RUnlock()
	return id
}

// UserID is a shorthand for Identity().UserID.
func (c *Connection) UserID() string {
	c.identityMu.RLock()
	userID := c.identity.UserID
	c.identityMu.RUnlock()
	return userID
}

// WriteMessage sends one WebSocket text frame. Safe for concurrent use.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager indexes live connections by connection ID and by file
// descriptor, both O(1).
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

// NewConnectionManager creates an empty manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a connection under both indexes.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove drops the connection with the given ID from both indexes and closes
// its socket. Returns false when the connection was already gone, which lets
// racing cleanup paths detect that another goroutine won.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn resolves a net.Conn to its Connection via the socket fd.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	return cm.GetByFd(socketFD(c))
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot slice of the live connections, safe to iterate
// without holding the manager lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

package sse

import (
	"sync"

	"github.com/welldanyogia/teamchat-events/internal/metrics"
)

// ConnectionManager tracks open streams per user and enforces the per-user cap.
type ConnectionManager struct {
	mu          sync.Mutex
	connections map[int64]map[string]*Connection // userID -> connID -> Connection
	config      Config
}

// NewConnectionManager creates a new ConnectionManager with the given config.
func NewConnectionManager(config Config) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[int64]map[string]*Connection),
		config:      config,
	}
}

// AddConnection adds a new connection for a user.
// If the user is at the limit, the oldest connections are closed with
// CloseConnectionLimit and returned.
func (cm *ConnectionManager) AddConnection(conn *Connection) []*Connection {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	userConns := cm.connections[conn.UserID]
	if userConns == nil {
		userConns = make(map[string]*Connection)
		cm.connections[conn.UserID] = userConns
	}

	var evicted []*Connection
	if limit := cm.config.MaxConnectionsPerUser; limit > 0 {
		for len(userConns) >= limit {
			oldest := oldestConnection(userConns)
			oldest.Close(CloseConnectionLimit)
			delete(userConns, oldest.ID)
			evicted = append(evicted, oldest)
		}
	}

	userConns[conn.ID] = conn
	metrics.SSEConnectionsActive.Set(float64(cm.totalLocked()))
	return evicted
}

// RemoveConnection removes a connection. Removing an evicted connection is a no-op.
func (cm *ConnectionManager) RemoveConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	userConns, exists := cm.connections[conn.UserID]
	if !exists {
		return
	}
	if current, ok := userConns[conn.ID]; ok && current == conn {
		delete(userConns, conn.ID)
	}
	// Clean up empty user map
	if len(userConns) == 0 {
		delete(cm.connections, conn.UserID)
	}
	metrics.SSEConnectionsActive.Set(float64(cm.totalLocked()))
}

// CountConnections returns the number of open connections for a user.
func (cm *ConnectionManager) CountConnections(userID int64) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.connections[userID])
}

// TotalConnections returns the total number of connections across all users.
func (cm *ConnectionManager) TotalConnections() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.totalLocked()
}

// CloseAll ends every stream, e.g. on shutdown so that parked handlers return.
func (cm *ConnectionManager) CloseAll(reason CloseReason) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	closed := 0
	for userID, userConns := range cm.connections {
		for _, conn := range userConns {
			conn.Close(reason)
			closed++
		}
		delete(cm.connections, userID)
	}
	metrics.SSEConnectionsActive.Set(0)
	return closed
}

func (cm *ConnectionManager) totalLocked() int {
	total := 0
	for _, userConns := range cm.connections {
		total += len(userConns)
	}
	return total
}

func oldestConnection(conns map[string]*Connection) *Connection {
	var oldest *Connection
	for _, c := range conns {
		if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) ||
			(c.CreatedAt.Equal(oldest.CreatedAt) && c.ID < oldest.ID) {
			oldest = c
		}
	}
	return oldest
}

package websocket

import (
	"sync"
)

// ConnectionManager tracks live update-stream connections by namespace.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string][]*ClientConnection // namespace -> connections
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string][]*ClientConnection),
	}
}

// AddConnection registers a new connection
func (m *ConnectionManager) AddConnection(conn *ClientConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connections[conn.Namespace] = append(m.connections[conn.Namespace], conn)
}

// RemoveConnection removes a connection. It reports whether the connection
// was still registered.
func (m *ConnectionManager) RemoveConnection(conn *ClientConnection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns := m.connections[conn.Namespace]
	for i, c := range conns {
		if c != conn {
			continue
		}
		m.connections[conn.Namespace] = append(conns[:i:i], conns[i+1:]...)
		if len(m.connections[conn.Namespace]) == 0 {
			delete(m.connections, conn.Namespace)
		}
		return true
	}
	return false
}

// NamespaceConnections returns a copy of the connections of a namespace.
func (m *ConnectionManager) NamespaceConnections(namespace string) []*ClientConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := m.connections[namespace]
	result := make([]*ClientConnection, len(conns))
	copy(result, conns)
	return result
}

// All returns a copy of every registered connection.
func (m *ConnectionManager) All() []*ClientConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*ClientConnection
	for _, conns := range m.connections {
		result = append(result, conns...)
	}
	return result
}

// GetConnectionCount returns the total number of active connections
func (m *ConnectionManager) GetConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, conns := range m.connections {
		count += len(conns)
	}
	return count
}

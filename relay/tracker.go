package relay

import (
	"sync"
	"time"
)

// Connection is one tracked relay connection
type Connection struct {
	ConnectionID string    `json:"connectionId"`
	SessionID    string    `json:"sessionId"`
	ConnectedAt  time.Time `json:"connectedAt"`
}

// Tracker is an in-process registry of live relay connections. It is a
// liveness cache, not a source of truth: state is lost on restart, and in a
// horizontally scaled deployment each process only counts its own sockets.
type Tracker struct {
	mu          sync.RWMutex
	connections map[string]Connection
}

// NewTracker creates an empty connection registry
func NewTracker() *Tracker {
	return &Tracker{
		connections: make(map[string]Connection),
	}
}

// Register inserts a connection mapping. Connection IDs are generated by the
// caller and expected to be globally unique.
func (t *Tracker) Register(connectionID, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connections[connectionID] = Connection{
		ConnectionID: connectionID,
		SessionID:    sessionID,
		ConnectedAt:  time.Now().UTC(),
	}
}

// Unregister removes a connection mapping; no-op if absent
func (t *Tracker) Unregister(connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.connections, connectionID)
}

// Count returns the current number of tracked connections
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.connections)
}

// SessionCount returns the number of open connections for one session
func (t *Tracker) SessionCount(sessionID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	count := 0
	for _, conn := range t.connections {
		if conn.SessionID == sessionID {
			count++
		}
	}
	return count
}

// List returns all tracked connections, for diagnostics
func (t *Tracker) List() []Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	list := make([]Connection, 0, len(t.connections))
	for _, conn := range t.connections {
		list = append(list, conn)
	}
	return list
}

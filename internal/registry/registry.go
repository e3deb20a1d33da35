package registry

import (
	"slices"
	"sync"
)

// Conn is a handle to a live client connection. The transport owns the socket;
// the registry only stores the handle.
type Conn interface {
	// ID uniquely identifies the connection for the lifetime of the process.
	ID() string
	// Send writes one encoded envelope to the client.
	Send(payload []byte) error
}

// Registry maps locally online user ids to their connections. Every method is
// atomic with respect to the others and never blocks on I/O.
type Registry struct {
	mu    sync.Mutex
	conns map[int64]Conn
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{conns: make(map[int64]Conn)}
}

// Put binds userID to conn, replacing any previous binding.
func (r *Registry) Put(userID int64, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[userID] = conn
}

// PutIfAbsent binds userID to conn only if userID has no session yet.
func (r *Registry) PutIfAbsent(userID int64, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[userID]; ok {
		return false
	}
	r.conns[userID] = conn
	return true
}

// Remove unbinds userID and returns the connection it was bound to.
func (r *Registry) Remove(userID int64) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[userID]
	if ok {
		delete(r.conns, userID)
	}
	return conn, ok
}

// RemoveIf unbinds userID only while it is still bound to the connection with connID.
func (r *Registry) RemoveIf(userID int64, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[userID]
	if !ok || conn.ID() != connID {
		return false
	}
	delete(r.conns, userID)
	return true
}

// Lookup returns the connection bound to userID.
func (r *Registry) Lookup(userID int64) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

// RemoveByConn finds the user bound to the connection with connID and unbinds it
// in one step. Used when the transport reports a disconnect.
func (r *Registry) RemoveByConn(connID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, conn := range r.conns {
		if conn.ID() == connID {
			delete(r.conns, userID)
			return userID, true
		}
	}
	return 0, false
}

// UserIDs returns a sorted snapshot of the locally online user ids.
func (r *Registry) UserIDs() []int64 {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Len returns the number of locally online users.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

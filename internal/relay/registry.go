package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is a registered connection. The pointer is the set identity;
// ID only labels the connection in logs.
type Client struct {
	ID          uuid.UUID
	Conn        Conn
	ConnectedAt time.Time
}

// NewClient wraps conn with a fresh identity.
func NewClient(conn Conn) *Client {
	return &Client{
		ID:          uuid.New(),
		Conn:        conn,
		ConnectedAt: time.Now(),
	}
}

// Registry is the set of clients eligible for broadcast.
// All transports of a process share one Registry through their Relay.
type Registry struct {
	clients map[*Client]struct{}
	mu      sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[*Client]struct{}),
	}
}

// Add inserts a client. Adding a present client is a no-op.
func (r *Registry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client] = struct{}{}
}

// Remove deletes a client. Removing an absent client is a no-op.
func (r *Registry) Remove(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, client)
}

// Snapshot copies the current membership. The lock is released before
// returning so callers can send without stalling registration.
func (r *Registry) Snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

// Contains reports whether client is registered.
func (r *Registry) Contains(client *Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[client]
	return ok
}

// Len returns number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Package presence tracks live connections, the users behind them and the
// rooms they joined, and fans frames out to those rooms.
package presence

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/PaulBabatuyi/carhub-realtime/internal/auth"
	"github.com/PaulBabatuyi/carhub-realtime/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrUnknownConn is returned for operations on a connection that is not
// registered (never added, or already removed).
var ErrUnknownConn = errors.New("presence: unknown connection")

// ConversationRoom is the room of one conversation.
func ConversationRoom(conversationID string) string { return "conversation:" + conversationID }

// UserRoom is the personal channel of one user.
func UserRoom(userID string) string { return "user:" + userID }

// Sender delivers an encoded frame to one connection. Send must not block;
// it returns false when the frame could not be queued.
type Sender interface {
	Send(frame []byte) bool
	Close()
}

// Conn is the typed state of one authenticated connection.
type Conn struct {
	ID          string
	Identity    auth.Identity
	ConnectedAt time.Time

	sender Sender
	rooms  map[string]struct{}
}

// Departure describes a removed connection.
type Departure struct {
	ConnID   string
	Identity auth.Identity
	Rooms    []string
	// WentOffline is true when this was the user's last connection. It is
	// decided after removal under the registry lock, so a reconnect racing
	// the disconnect is never missed.
	WentOffline bool
}

// Registry maps rooms and users to connection ids. Every mutation is atomic.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	rooms  map[string]map[string]struct{} // room -> conn ids
	users  map[string]map[string]struct{} // user id -> conn ids
	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Conn),
		rooms:  make(map[string]map[string]struct{}),
		users:  make(map[string]map[string]struct{}),
		logger: logger.With().Str("component", "presence").Logger(),
	}
}

// Add registers a connection and reports whether its user just came online.
func (r *Registry) Add(id string, identity auth.Identity, s Sender) (cameOnline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[id]; exists {
		return false
	}
	r.conns[id] = &Conn{
		ID:          id,
		Identity:    identity,
		ConnectedAt: time.Now(),
		sender:      s,
		rooms:       make(map[string]struct{}),
	}

	ids, ok := r.users[identity.UserID]
	if !ok {
		ids = make(map[string]struct{})
		r.users[identity.UserID] = ids
	}
	ids[id] = struct{}{}
	metrics.ActiveConnections.Inc()
	return len(ids) == 1
}

// Remove drops the connection from every room and from its user.
// Removing an unknown id returns a zero Departure.
func (r *Registry) Remove(id string) Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return Departure{ConnID: id}
	}
	delete(r.conns, id)

	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
		r.removeFromRoom(room, id)
	}
	sort.Strings(rooms)

	uid := c.Identity.UserID
	remaining := 0
	if ids, ok := r.users[uid]; ok {
		delete(ids, id)
		remaining = len(ids)
		if remaining == 0 {
			delete(r.users, uid)
		}
	}
	metrics.ActiveConnections.Dec()

	return Departure{ConnID: id, Identity: c.Identity, Rooms: rooms, WentOffline: remaining == 0}
}

// Join adds the connection to room. joined is false when it was already a member.
func (r *Registry) Join(id, room string) (joined bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return false, ErrUnknownConn
	}
	if _, in := c.rooms[room]; in {
		return false, nil
	}
	c.rooms[room] = struct{}{}

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[id] = struct{}{}
	return true, nil
}

// Leave removes the connection from room. left is false when it was not a member.
func (r *Registry) Leave(id, room string) (left bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return false
	}
	if _, in := c.rooms[room]; !in {
		return false
	}
	delete(c.rooms, room)
	r.removeFromRoom(room, id)
	return true
}

// removeFromRoom must be called with mu held.
func (r *Registry) removeFromRoom(room, id string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
}

// RoomSize returns the number of connections in room.
func (r *Registry) RoomSize(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// IsUserOnline reports whether the user has at least one live connection.
func (r *Registry) IsUserOnline(userID string) bool {
	return r.UserConnectionCount(userID) > 0
}

// UserConnectionCount returns the number of live connections of a user.
func (r *Registry) UserConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// ConnectionCount returns the number of registered connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// InRoom reports whether the connection joined room.
func (r *Registry) InRoom(id, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	_, in := c.rooms[room]
	return in
}

// RoomUsers returns the distinct identities present in room, ordered by user id.
func (r *Registry) RoomUsers(room string) []auth.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []auth.Identity
	for id := range r.rooms[room] {
		c := r.conns[id]
		if _, dup := seen[c.Identity.UserID]; dup {
			continue
		}
		seen[c.Identity.UserID] = struct{}{}
		out = append(out, c.Identity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// EmitToRoom sends frame to every connection in room except exceptConnID
// (pass "" to include everyone). It returns the number of deliveries.
func (r *Registry) EmitToRoom(room string, frame []byte, exceptConnID string) int {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		if id != exceptConnID {
			targets = append(targets, r.conns[id])
		}
	}
	r.mu.RUnlock()
	return r.deliver(targets, frame)
}

// EmitToUser sends frame to every live connection of a user.
func (r *Registry) EmitToUser(userID string, frame []byte) int {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.users[userID]))
	for id := range r.users[userID] {
		targets = append(targets, r.conns[id])
	}
	r.mu.RUnlock()
	return r.deliver(targets, frame)
}

// EmitToConn sends frame to a single connection.
func (r *Registry) EmitToConn(id string, frame []byte) bool {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.deliver([]*Conn{c}, frame) == 1
}

// Broadcast sends frame to every connection not owned by exceptUserID.
func (r *Registry) Broadcast(frame []byte, exceptUserID string) int {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if c.Identity.UserID != exceptUserID {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()
	return r.deliver(targets, frame)
}

// CloseAll closes every registered connection and returns how many it
// closed. Connections leave the registry through their own disconnect path.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.sender.Close()
	}
	return len(targets)
}

// deliver sends outside the lock. A connection that cannot take the frame is
// closed; its read loop then removes it through the normal disconnect path.
func (r *Registry) deliver(targets []*Conn, frame []byte) int {
	delivered := 0
	for _, c := range targets {
		if c.sender.Send(frame) {
			delivered++
			continue
		}
		metrics.SlowConsumers.Inc()
		r.logger.Warn().Str("conn_id", c.ID).Str("user_id", c.Identity.UserID).Msg("send buffer full, closing connection")
		c.sender.Close()
	}
	return delivered
}

package websocket

import (
	"log"
	"sort"
	"sync"

	"roomsync/pkg/types"
)

// roomConnections holds the live connections of one room, keyed by
// participant. A closed partition has been removed from the registry.
type roomConnections struct {
	mu     sync.Mutex
	conns  map[string]*Connection
	closed bool
}

// Registry tracks live connections partitioned by room, so registering in
// one room never contends with another.
type Registry struct {
	rooms sync.Map // roomID -> *roomConnections
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{}
}

// lockRoom returns the room partition locked, creating it when needed
func (r *Registry) lockRoom(roomID string) *roomConnections {
	for {
		v, _ := r.rooms.LoadOrStore(roomID, &roomConnections{conns: make(map[string]*Connection)})
		rc := v.(*roomConnections)
		rc.mu.Lock()
		if !rc.closed {
			return rc
		}
		rc.mu.Unlock()
	}
}

// releaseLocked drops an empty partition. Caller holds rc.mu.
func (r *Registry) releaseLocked(roomID string, rc *roomConnections) {
	if len(rc.conns) == 0 {
		rc.closed = true
		r.rooms.CompareAndDelete(roomID, rc)
	}
}

// Register adds conn to its room. An existing connection of the same
// participant in that room is replaced and closed.
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}

	roomID := conn.GetRoomID()
	participantID := conn.GetParticipantID()

	rc := r.lockRoom(roomID)
	existing := rc.conns[participantID]
	rc.conns[participantID] = conn
	rc.mu.Unlock()

	if existing != nil && existing != conn {
		log.Printf("Replacing connection: participant=%s room=%s", participantID, roomID)
		// Closed outside the lock; the old read loop unregisters itself and
		// finds it was replaced.
		go func() { _ = existing.Close() }()
	}
	return nil
}

// Unregister removes conn if it is still the registered connection for its
// participant. It reports whether conn was removed.
func (r *Registry) Unregister(conn *Connection) bool {
	if conn == nil {
		return false
	}
	roomID := conn.GetRoomID()
	v, ok := r.rooms.Load(roomID)
	if !ok {
		return false
	}
	rc := v.(*roomConnections)

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return false
	}
	participantID := conn.GetParticipantID()
	if rc.conns[participantID] != conn {
		return false
	}
	delete(rc.conns, participantID)
	r.releaseLocked(roomID, rc)
	return true
}

// RunIfAbsent runs fn while holding the room partition lock, but only when
// participantID has no registered connection in roomID. Register cannot
// interleave with fn.
func (r *Registry) RunIfAbsent(roomID, participantID string, fn func()) bool {
	rc := r.lockRoom(roomID)
	defer rc.mu.Unlock()
	defer r.releaseLocked(roomID, rc)

	if _, exists := rc.conns[participantID]; exists {
		return false
	}
	fn()
	return true
}

// Get returns the connection of participantID in roomID
func (r *Registry) Get(roomID, participantID string) (*Connection, bool) {
	v, ok := r.rooms.Load(roomID)
	if !ok {
		return nil, false
	}
	rc := v.(*roomConnections)
	rc.mu.Lock()
	defer rc.mu.Unlock()
	conn, exists := rc.conns[participantID]
	return conn, exists
}

// RoomConnections returns every connection in roomID ordered by participant
func (r *Registry) RoomConnections(roomID string) []*Connection {
	return r.filter(roomID, func(*Connection) bool { return true })
}

// RoomConnectionsByRole returns the connections in roomID held by role
func (r *Registry) RoomConnectionsByRole(roomID string, role types.Role) []*Connection {
	return r.filter(roomID, func(c *Connection) bool { return c.GetRole() == role })
}

func (r *Registry) filter(roomID string, keep func(*Connection) bool) []*Connection {
	v, ok := r.rooms.Load(roomID)
	if !ok {
		return nil
	}
	rc := v.(*roomConnections)

	rc.mu.Lock()
	connections := make([]*Connection, 0, len(rc.conns))
	for _, conn := range rc.conns {
		if keep(conn) {
			connections = append(connections, conn)
		}
	}
	rc.mu.Unlock()

	sort.Slice(connections, func(i, j int) bool {
		return connections[i].GetParticipantID() < connections[j].GetParticipantID()
	})
	return connections
}

// CloseRoom closes every connection in roomID. Their read loops unregister
// them.
func (r *Registry) CloseRoom(roomID string) int {
	connections := r.RoomConnections(roomID)
	for _, conn := range connections {
		_ = conn.Close()
	}
	if len(connections) > 0 {
		log.Printf("Closed %d connections: room=%s", len(connections), roomID)
	}
	return len(connections)
}

// CloseAll closes every registered connection
func (r *Registry) CloseAll() int {
	var roomIDs []string
	r.rooms.Range(func(k, _ any) bool {
		roomIDs = append(roomIDs, k.(string))
		return true
	})
	total := 0
	for _, roomID := range roomIDs {
		total += r.CloseRoom(roomID)
	}
	return total
}

// Stats returns registry statistics for monitoring
func (r *Registry) Stats() map[string]int {
	rooms, total := 0, 0
	r.rooms.Range(func(_, v any) bool {
		rc := v.(*roomConnections)
		rc.mu.Lock()
		if !rc.closed && len(rc.conns) > 0 {
			rooms++
			total += len(rc.conns)
		}
		rc.mu.Unlock()
		return true
	})
	return map[string]int{
		"total_connections": total,
		"active_rooms":      rooms,
	}
}

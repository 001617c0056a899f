package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"roomsync/internal/clock"
	"roomsync/pkg/interfaces"
	"roomsync/pkg/types"
)

// CreateRequest describes a room to schedule
type CreateRequest struct {
	ID             string        `json:"id,omitempty"`
	Name           string        `json:"name"`
	TeacherID      string        `json:"teacher_id"`
	StudentIDs     []string      `json:"student_ids"`
	ScheduledStart time.Time     `json:"scheduled_start"`
	Duration       time.Duration `json:"duration"`
}

// EndHook runs after a room has ended and its status was broadcast
type EndHook func(roomID string)

// entry caches one non-ended room. mu serializes lifecycle changes of that
// room only.
type entry struct {
	mu   sync.Mutex
	room *types.Room
}

// Manager owns the room lifecycle waiting -> active -> ended. Rooms that have
// not ended are cached; ended rooms are read back from the store.
type Manager struct {
	store   interfaces.RoomStore
	channel interfaces.Channel
	clock   clock.Clock
	rooms   sync.Map // roomID -> *entry

	hooksMu sync.RWMutex
	onEnd   []EndHook
}

// NewManager creates a room manager. channel may be nil when no broadcast is
// wanted.
func NewManager(store interfaces.RoomStore, channel interfaces.Channel, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{store: store, channel: channel, clock: clk}
}

// OnEnd registers a hook that runs when a room ends
func (m *Manager) OnEnd(hook EndHook) {
	m.hooksMu.Lock()
	m.onEnd = append(m.onEnd, hook)
	m.hooksMu.Unlock()
}

// LoadActive caches every waiting and active room from the store
func (m *Manager) LoadActive(ctx context.Context) error {
	loaded := 0
	for _, status := range []types.RoomStatus{types.RoomWaiting, types.RoomActive} {
		rooms, err := m.store.ListRooms(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to load %s rooms: %w", status, err)
		}
		for _, room := range rooms {
			m.rooms.Store(room.ID, &entry{room: room})
			loaded++
		}
	}
	log.Printf("Loaded %d open rooms", loaded)
	return nil
}

// CreateRoom validates and persists a new room in the waiting state
func (m *Manager) CreateRoom(ctx context.Context, req CreateRequest) (*types.Room, error) {
	room := &types.Room{
		ID:             req.ID,
		Name:           req.Name,
		TeacherID:      req.TeacherID,
		StudentIDs:     removeDuplicates(req.StudentIDs),
		ScheduledStart: req.ScheduledStart,
		Duration:       req.Duration,
		Status:         types.RoomWaiting,
		CreatedAt:      m.clock.Now(),
	}
	if room.ID == "" {
		room.ID = uuid.New().String()
	}
	if room.ScheduledStart.IsZero() {
		room.ScheduledStart = room.CreatedAt
	}
	if err := room.Validate(); err != nil {
		return nil, err
	}

	if _, err := m.store.GetRoom(ctx, room.ID); err == nil {
		return nil, ErrRoomExists
	} else if !errors.Is(err, interfaces.ErrRoomNotFound) {
		return nil, fmt.Errorf("failed to check room: %w", err)
	}

	if err := m.store.CreateRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	m.rooms.Store(room.ID, &entry{room: room})

	log.Printf("Created room: id=%s name=%s teacher=%s students=%d", room.ID, room.Name, room.TeacherID, len(room.StudentIDs))
	return cloneRoom(room), nil
}

// GetRoom returns a copy of the room. Ended rooms come from the store.
func (m *Manager) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	if v, ok := m.rooms.Load(roomID); ok {
		e := v.(*entry)
		e.mu.Lock()
		defer e.mu.Unlock()
		return cloneRoom(e.room), nil
	}
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return room, nil
}

// ListRooms returns rooms in status, or every room when status is empty
func (m *Manager) ListRooms(ctx context.Context, status types.RoomStatus) ([]*types.Room, error) {
	return m.store.ListRooms(ctx, status)
}

// Activate moves a waiting room to active. It reports whether the status
// changed; activating an active room is a no-op.
func (m *Manager) Activate(ctx context.Context, roomID, actorID string) (bool, error) {
	e, err := m.entry(ctx, roomID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.room.Status {
	case types.RoomActive:
		return false, nil
	case types.RoomEnded:
		return false, ErrRoomEnded
	}

	updated := cloneRoom(e.room)
	updated.Status = types.RoomActive
	if err := m.store.UpdateRoom(ctx, updated); err != nil {
		return false, fmt.Errorf("failed to activate room: %w", err)
	}
	e.room = updated

	m.publishStatus(ctx, updated, actorID)
	log.Printf("Activated room: id=%s by=%s", roomID, actorID)
	return true, nil
}

// End archives a room. Only the owning teacher may end it; an empty actorID
// is an administrative end.
func (m *Manager) End(ctx context.Context, roomID, actorID string) (*types.Room, error) {
	e, err := m.entry(ctx, roomID)
	if errors.Is(err, ErrRoomEnded) {
		return nil, ErrRoomAlreadyEnded
	}
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.room.Status == types.RoomEnded {
		e.mu.Unlock()
		return nil, ErrRoomAlreadyEnded
	}
	if actorID != "" && actorID != e.room.TeacherID {
		e.mu.Unlock()
		return nil, ErrNotRoomOwner
	}

	updated := cloneRoom(e.room)
	now := m.clock.Now()
	updated.Status = types.RoomEnded
	updated.EndedAt = &now
	if err := m.store.UpdateRoom(ctx, updated); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to end room: %w", err)
	}
	e.room = updated
	m.rooms.Delete(roomID)
	m.publishStatus(ctx, updated, actorID)
	e.mu.Unlock()

	m.hooksMu.RLock()
	hooks := append([]EndHook(nil), m.onEnd...)
	m.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(roomID)
	}

	log.Printf("Ended room: id=%s name=%s", roomID, updated.Name)
	return cloneRoom(updated), nil
}

// IsActive reports whether the room is cached and active
func (m *Manager) IsActive(roomID string) bool {
	v, ok := m.rooms.Load(roomID)
	if !ok {
		return false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room.Status == types.RoomActive
}

// Stats returns the number of cached rooms per status
func (m *Manager) Stats() map[string]int {
	stats := map[string]int{string(types.RoomWaiting): 0, string(types.RoomActive): 0}
	m.rooms.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		stats[string(e.room.Status)]++
		e.mu.Unlock()
		return true
	})
	return stats
}

// entry returns the cached room, pulling a non-ended room from the store on
// a cache miss
func (m *Manager) entry(ctx context.Context, roomID string) (*entry, error) {
	if v, ok := m.rooms.Load(roomID); ok {
		return v.(*entry), nil
	}
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Status == types.RoomEnded {
		return nil, ErrRoomEnded
	}
	v, _ := m.rooms.LoadOrStore(roomID, &entry{room: room})
	return v.(*entry), nil
}

func (m *Manager) publishStatus(ctx context.Context, room *types.Room, actorID string) {
	if m.channel == nil {
		return
	}
	payload := types.RoomStatusPayload{RoomID: room.ID, Status: room.Status}
	if err := m.channel.Publish(ctx, room.ID, types.EventRoomStatusChanged, actorID, payload); err != nil {
		log.Printf("Failed to publish room status: room=%s status=%s: %v", room.ID, room.Status, err)
	}
}

func cloneRoom(r *types.Room) *types.Room {
	c := *r
	c.StudentIDs = append([]string(nil), r.StudentIDs...)
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func removeDuplicates(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	return unique
}

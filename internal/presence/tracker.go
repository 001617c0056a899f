// Package presence keeps the live roster of each room. Tracker is the
// authoritative server copy; Replica is a client's copy rebuilt from
// snapshots after every reconnect.
package presence

import (
	"context"
	"log"
	"sort"
	"sync"

	"roomsync/internal/clock"
	"roomsync/pkg/interfaces"
	"roomsync/pkg/types"
)

type roster struct {
	mu           sync.Mutex
	closed       bool
	participants map[string]types.Participant
}

// Tracker owns the roster of every room, one partition per room
type Tracker struct {
	rooms   sync.Map // roomID -> *roster
	channel interfaces.Channel
	clock   clock.Clock
}

// NewTracker creates a tracker that broadcasts changes on channel
func NewTracker(channel interfaces.Channel, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	return &Tracker{channel: channel, clock: clk}
}

// lockRoster returns the locked roster of a room, allocating it if needed
func (t *Tracker) lockRoster(roomID string) *roster {
	for {
		value, _ := t.rooms.LoadOrStore(roomID, &roster{participants: make(map[string]types.Participant)})
		r := value.(*roster)
		r.mu.Lock()
		if !r.closed {
			return r
		}
		r.mu.Unlock()
	}
}

// release frees an empty roster. Caller holds r.mu.
func (t *Tracker) release(roomID string, r *roster) {
	if len(r.participants) == 0 {
		r.closed = true
		t.rooms.CompareAndDelete(roomID, r)
	}
}

// Join adds or replaces a participant and broadcasts presence_joined
func (t *Tracker) Join(ctx context.Context, roomID string, p types.Participant) (types.Participant, error) {
	if !types.IsValidID(roomID) {
		return types.Participant{}, types.ErrInvalidID
	}
	if err := p.Validate(); err != nil {
		return types.Participant{}, err
	}

	now := t.clock.Now()
	if p.Status == "" {
		p.Status = types.StatusConnected
	}
	p.UpdatedAt = now

	r := t.lockRoster(roomID)
	defer r.mu.Unlock()

	if existing, ok := r.participants[p.ID]; ok {
		p.JoinedAt = existing.JoinedAt
	} else if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	r.participants[p.ID] = p

	log.Printf("Presence join: room=%s participant=%s role=%s", roomID, p.ID, p.Role)
	t.publish(ctx, roomID, types.EventPresenceJoined, p.ID, types.PresencePayload{Participant: p})
	return p, nil
}

// Leave removes a participant and broadcasts presence_left. It reports
// whether the participant was present.
func (t *Tracker) Leave(ctx context.Context, roomID, participantID string) bool {
	value, ok := t.rooms.Load(roomID)
	if !ok {
		return false
	}
	r := value.(*roster)
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[participantID]; !ok {
		return false
	}
	delete(r.participants, participantID)
	t.release(roomID, r)

	log.Printf("Presence leave: room=%s participant=%s", roomID, participantID)
	t.publish(ctx, roomID, types.EventPresenceLeft, participantID, types.PresenceLeftPayload{ParticipantID: participantID})
	return true
}

// SetFlag updates one ephemeral flag and broadcasts presence_updated
func (t *Tracker) SetFlag(ctx context.Context, roomID, participantID, senderID string, flag types.Flag, value bool) (types.Participant, error) {
	return t.update(ctx, roomID, participantID, senderID, func(p *types.Participant) error {
		return p.Flags.Set(flag, value)
	})
}

// SetStatus updates a participant's connection status and broadcasts
// presence_updated
func (t *Tracker) SetStatus(ctx context.Context, roomID, participantID string, status types.ConnectionStatus) (types.Participant, error) {
	switch status {
	case types.StatusConnecting, types.StatusConnected, types.StatusReconnecting, types.StatusDisconnected:
	default:
		return types.Participant{}, ErrInvalidStatus
	}
	return t.update(ctx, roomID, participantID, participantID, func(p *types.Participant) error {
		p.Status = status
		return nil
	})
}

func (t *Tracker) update(ctx context.Context, roomID, participantID, senderID string, mutate func(*types.Participant) error) (types.Participant, error) {
	value, ok := t.rooms.Load(roomID)
	if !ok {
		return types.Participant{}, ErrParticipantNotFound
	}
	r := value.(*roster)
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantID]
	if !ok {
		return types.Participant{}, ErrParticipantNotFound
	}
	if err := mutate(&p); err != nil {
		return types.Participant{}, err
	}
	p.UpdatedAt = t.clock.Now()
	r.participants[participantID] = p

	t.publish(ctx, roomID, types.EventPresenceUpdated, senderID, types.PresencePayload{Participant: p})
	return p, nil
}

// Get returns one participant record
func (t *Tracker) Get(roomID, participantID string) (types.Participant, bool) {
	value, ok := t.rooms.Load(roomID)
	if !ok {
		return types.Participant{}, false
	}
	r := value.(*roster)
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[participantID]
	return p, ok
}

// Snapshot returns the full roster ordered by join time
func (t *Tracker) Snapshot(roomID string) []types.Participant {
	value, ok := t.rooms.Load(roomID)
	if !ok {
		return []types.Participant{}
	}
	r := value.(*roster)
	r.mu.Lock()
	out := make([]types.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	r.mu.Unlock()

	sortParticipants(out)
	return out
}

// Count returns the number of participants in a room
func (t *Tracker) Count(roomID string) int {
	value, ok := t.rooms.Load(roomID)
	if !ok {
		return 0
	}
	r := value.(*roster)
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// PublishSnapshot broadcasts the full roster as presence_snapshot
func (t *Tracker) PublishSnapshot(ctx context.Context, roomID, senderID string) error {
	if t.channel == nil {
		return nil
	}
	return t.channel.Publish(ctx, roomID, types.EventPresenceSnapshot, senderID, types.PresenceSnapshotPayload{Participants: t.Snapshot(roomID)})
}

func (t *Tracker) publish(ctx context.Context, roomID string, eventType types.EventType, senderID string, payload any) {
	if t.channel == nil {
		return
	}
	if err := t.channel.Publish(ctx, roomID, eventType, senderID, payload); err != nil {
		log.Printf("Failed to publish %s: room=%s: %v", eventType, roomID, err)
	}
}

func sortParticipants(ps []types.Participant) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].JoinedAt.Before(ps[j].JoinedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}

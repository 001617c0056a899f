package presence

import (
	"sync"

	"roomsync/pkg/types"
)

// Replica is a client-side roster. Deltas are applied in receipt order
// (last write wins); a presence_snapshot replaces the roster wholesale.
type Replica struct {
	mu           sync.RWMutex
	participants map[string]types.Participant
	synced       bool
}

// NewReplica creates an empty, unsynced replica
func NewReplica() *Replica {
	return &Replica{participants: make(map[string]types.Participant)}
}

// Apply folds one presence envelope into the roster. Non-presence events
// are ignored.
func (r *Replica) Apply(env *types.Envelope) error {
	switch env.EventType {
	case types.EventPresenceJoined, types.EventPresenceUpdated:
		var payload types.PresencePayload
		if err := env.Decode(&payload); err != nil {
			return err
		}
		r.mu.Lock()
		r.participants[payload.Participant.ID] = payload.Participant
		r.mu.Unlock()

	case types.EventPresenceLeft:
		var payload types.PresenceLeftPayload
		if err := env.Decode(&payload); err != nil {
			return err
		}
		r.mu.Lock()
		delete(r.participants, payload.ParticipantID)
		r.mu.Unlock()

	case types.EventPresenceSnapshot:
		var payload types.PresenceSnapshotPayload
		if err := env.Decode(&payload); err != nil {
			return err
		}
		r.Replace(payload.Participants)
	}
	return nil
}

// Replace discards the current roster in favour of a full snapshot
func (r *Replica) Replace(participants []types.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants = make(map[string]types.Participant, len(participants))
	for _, p := range participants {
		r.participants[p.ID] = p
	}
	r.synced = true
}

// Invalidate marks the roster stale after a disconnect. Deltas missed while
// offline are never replayed, so the roster stays unsynced until the next
// snapshot.
func (r *Replica) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced = false
}

// Synced reports whether a snapshot was applied since the last Invalidate
func (r *Replica) Synced() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.synced
}

// Roster returns the participants ordered by join time
func (r *Replica) Roster() []types.Participant {
	r.mu.RLock()
	out := make([]types.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sortParticipants(out)
	return out
}

// Get returns one participant
func (r *Replica) Get(participantID string) (types.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[participantID]
	return p, ok
}

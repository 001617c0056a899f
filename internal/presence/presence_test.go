package presence

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"roomsync/internal/clock"
	"roomsync/internal/hub"
	"roomsync/pkg/interfaces"
	"roomsync/pkg/types"
)

type recordingChannel struct {
	mu     sync.Mutex
	events []*types.Envelope
}

func (r *recordingChannel) Publish(ctx context.Context, roomID string, eventType types.EventType, senderID string, payload any) error {
	env, err := types.NewEnvelope(roomID, eventType, senderID, payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.events = append(r.events, env)
	r.mu.Unlock()
	return nil
}

func (r *recordingChannel) Subscribe(roomID string, eventType types.EventType, handler interfaces.Handler) (interfaces.Unsubscribe, error) {
	return func() {}, nil
}

func (r *recordingChannel) eventTypes() []types.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.EventType, len(r.events))
	for i, env := range r.events {
		out[i] = env.EventType
	}
	return out
}

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func student(id string) types.Participant {
	return types.Participant{ID: id, DisplayName: id, Role: types.RoleStudent}
}

func TestTracker_JoinLeaveBroadcasts(t *testing.T) {
	ch := &recordingChannel{}
	clk := clock.Fake(epoch)
	tr := NewTracker(ch, clk)
	ctx := context.Background()

	p, err := tr.Join(ctx, "room-1", student("alice"))
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if p.Status != types.StatusConnected || !p.JoinedAt.Equal(epoch) {
		t.Errorf("unexpected participant: %+v", p)
	}

	clk.Advance(time.Minute)
	again, _ := tr.Join(ctx, "room-1", student("alice"))
	if !again.JoinedAt.Equal(epoch) {
		t.Error("re-join should keep the original join time")
	}
	if tr.Count("room-1") != 1 {
		t.Errorf("expected 1 participant, got %d", tr.Count("room-1"))
	}

	if !tr.Leave(ctx, "room-1", "alice") {
		t.Error("Leave should report presence")
	}
	if tr.Leave(ctx, "room-1", "alice") {
		t.Error("second Leave should report absence")
	}

	want := []types.EventType{types.EventPresenceJoined, types.EventPresenceJoined, types.EventPresenceLeft}
	if got := ch.eventTypes(); !reflect.DeepEqual(got, want) {
		t.Errorf("broadcasts = %v, want %v", got, want)
	}
}

func TestTracker_JoinValidation(t *testing.T) {
	tr := NewTracker(nil, nil)
	ctx := context.Background()

	if _, err := tr.Join(ctx, "bad room", student("alice")); err != types.ErrInvalidID {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
	if _, err := tr.Join(ctx, "room-1", types.Participant{ID: "alice", Role: "admin"}); err != types.ErrInvalidRole {
		t.Errorf("expected ErrInvalidRole, got %v", err)
	}
}

func TestTracker_SetFlagLastWriteWins(t *testing.T) {
	ch := &recordingChannel{}
	tr := NewTracker(ch, clock.Fake(epoch))
	ctx := context.Background()

	_, _ = tr.Join(ctx, "room-1", student("alice"))
	_, _ = tr.SetFlag(ctx, "room-1", "alice", "alice", types.FlagHandRaised, true)
	p, err := tr.SetFlag(ctx, "room-1", "alice", "alice", types.FlagHandRaised, false)
	if err != nil {
		t.Fatalf("SetFlag failed: %v", err)
	}
	if p.Flags.HandRaised {
		t.Error("latest write should win")
	}

	if _, err := tr.SetFlag(ctx, "room-1", "bob", "bob", types.FlagMuted, true); err != ErrParticipantNotFound {
		t.Errorf("expected ErrParticipantNotFound, got %v", err)
	}
	if _, err := tr.SetFlag(ctx, "room-1", "alice", "alice", "juggling", true); err != types.ErrInvalidFlag {
		t.Errorf("expected ErrInvalidFlag, got %v", err)
	}

	got := ch.eventTypes()
	if got[len(got)-1] != types.EventPresenceUpdated {
		t.Errorf("expected presence_updated broadcast, got %v", got)
	}
}

func TestTracker_SetStatus(t *testing.T) {
	tr := NewTracker(nil, clock.Fake(epoch))
	ctx := context.Background()
	_, _ = tr.Join(ctx, "room-1", student("alice"))

	p, err := tr.SetStatus(ctx, "room-1", "alice", types.StatusReconnecting)
	if err != nil || p.Status != types.StatusReconnecting {
		t.Errorf("SetStatus: %+v, %v", p, err)
	}
	if _, err := tr.SetStatus(ctx, "room-1", "alice", "asleep"); err != ErrInvalidStatus {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestTracker_RoomsAreIndependent(t *testing.T) {
	tr := NewTracker(nil, clock.Fake(epoch))
	ctx := context.Background()

	_, _ = tr.Join(ctx, "room-1", student("alice"))
	_, _ = tr.Join(ctx, "room-2", student("bob"))

	if snap := tr.Snapshot("room-1"); len(snap) != 1 || snap[0].ID != "alice" {
		t.Errorf("room-1 roster = %+v", snap)
	}
	tr.Leave(ctx, "room-1", "alice")
	if _, ok := tr.rooms.Load("room-1"); ok {
		t.Error("empty roster should be released")
	}
	if tr.Count("room-2") != 1 {
		t.Error("room-2 should be untouched")
	}
}

func TestTracker_ConcurrentJoins(t *testing.T) {
	tr := NewTracker(nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			_, _ = tr.Join(ctx, "room-1", student(id))
			if i%2 == 0 {
				tr.Leave(ctx, "room-1", id)
			}
		}(i)
	}
	wg.Wait()
	if n := tr.Count("room-1"); n != 25 {
		t.Errorf("expected 25 participants, got %d", n)
	}
}

func TestReplica_AppliesDeltasAndSnapshots(t *testing.T) {
	r := NewReplica()

	joined, _ := types.NewEnvelope("room-1", types.EventPresenceJoined, "alice", types.PresencePayload{Participant: student("alice")})
	_ = r.Apply(joined)
	raised := student("alice")
	raised.Flags.HandRaised = true
	updated, _ := types.NewEnvelope("room-1", types.EventPresenceUpdated, "alice", types.PresencePayload{Participant: raised})
	_ = r.Apply(updated)

	if p, ok := r.Get("alice"); !ok || !p.Flags.HandRaised {
		t.Errorf("update not applied: %+v", p)
	}

	left, _ := types.NewEnvelope("room-1", types.EventPresenceLeft, "alice", types.PresenceLeftPayload{ParticipantID: "alice"})
	_ = r.Apply(left)
	if len(r.Roster()) != 0 {
		t.Error("leave not applied")
	}

	if r.Synced() {
		t.Error("replica should be unsynced before any snapshot")
	}
	snap, _ := types.NewEnvelope("room-1", types.EventPresenceSnapshot, "server", types.PresenceSnapshotPayload{
		Participants: []types.Participant{student("bob"), student("carol")},
	})
	if err := r.Apply(snap); err != nil {
		t.Fatalf("Apply snapshot failed: %v", err)
	}
	if len(r.Roster()) != 2 || !r.Synced() {
		t.Errorf("snapshot should replace roster: %+v", r.Roster())
	}

	bad := &types.Envelope{EventType: types.EventPresenceJoined}
	if err := r.Apply(bad); err == nil {
		t.Error("expected decode error")
	}
}

// After a disconnect/reconnect cycle the replica equals the server roster,
// with no phantom or missing participants.
func TestReplica_ResyncMatchesServerRoster(t *testing.T) {
	h := hub.NewHub(0)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.Stop()

	tr := NewTracker(h.Channel(), clock.Fake(epoch))
	ctx := context.Background()
	replica := NewReplica()

	var applied sync.WaitGroup
	subscribe := func() interfaces.Unsubscribe {
		unsub, err := h.Subscribe("room-1", types.EventAll, func(env *types.Envelope) {
			_ = replica.Apply(env)
			applied.Done()
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		return unsub
	}

	unsub := subscribe()
	applied.Add(2)
	_, _ = tr.Join(ctx, "room-1", student("alice"))
	_, _ = tr.Join(ctx, "room-1", student("bob"))
	applied.Wait()

	// Disconnect: deltas published now are never seen by the replica.
	unsub()
	replica.Invalidate()
	tr.Leave(ctx, "room-1", "alice")
	_, _ = tr.Join(ctx, "room-1", student("carol"))
	_, _ = tr.SetFlag(ctx, "room-1", "bob", "bob", types.FlagMuted, true)

	if len(replica.Roster()) != 2 {
		t.Fatal("replica should still hold the stale roster")
	}

	unsub = subscribe()
	defer unsub()
	applied.Add(1)
	if err := tr.PublishSnapshot(ctx, "room-1", "server"); err != nil {
		t.Fatalf("PublishSnapshot failed: %v", err)
	}
	applied.Wait()

	if got, want := rosterKeys(replica.Roster()), rosterKeys(tr.Snapshot("room-1")); !reflect.DeepEqual(got, want) {
		t.Errorf("replica %v != server %v", got, want)
	}
	if !replica.Synced() {
		t.Error("replica should be synced after snapshot")
	}
}

func rosterKeys(ps []types.Participant) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = fmt.Sprintf("%s muted=%v", p.ID, p.Flags.Muted)
	}
	return out
}

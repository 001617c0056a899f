package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"roomsync/internal/clock"
	"roomsync/internal/hub"
	"roomsync/internal/interaction"
	"roomsync/internal/ledger"
	"roomsync/internal/presence"
	"roomsync/pkg/types"
)

// mockConnection records every envelope written to it
type mockConnection struct {
	mu            sync.Mutex
	participantID string
	name          string
	role          types.Role
	roomID        string
	authenticated bool
	written       []*types.Envelope
}

func newMockConnection(participantID string, role types.Role, roomID string) *mockConnection {
	return &mockConnection{participantID: participantID, name: participantID, role: role, roomID: roomID, authenticated: true}
}

func (c *mockConnection) WriteEnvelope(env *types.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, env)
	return nil
}

func (c *mockConnection) Close() error { return nil }
func (c *mockConnection) GetParticipantID() string { return c.participantID }
func (c *mockConnection) GetDisplayName() string { return c.name }
func (c *mockConnection) GetRole() types.Role { return c.role }
func (c *mockConnection) GetRoomID() string { return c.roomID }
func (c *mockConnection) IsAuthenticated() bool { return c.authenticated }
func (c *mockConnection) SetCredentials(pid, name string, role types.Role, roomID string) error {
	c.participantID, c.name, c.role, c.roomID, c.authenticated = pid, name, role, roomID, true
	return nil
}

func (c *mockConnection) eventTypes() []types.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.EventType, len(c.written))
	for i, env := range c.written {
		out[i] = env.EventType
	}
	return out
}

func (c *mockConnection) last() *types.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.written) == 0 {
		return nil
	}
	return c.written[len(c.written)-1]
}

// mockArtifactStore keeps artifacts in memory
type mockArtifactStore struct {
	mu        sync.Mutex
	artifacts []*types.Artifact
	fail      bool
}

func (s *mockArtifactStore) StoreArtifact(ctx context.Context, a *types.Artifact) error {
	if s.fail {
		return errors.New("artifact store failed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = append(s.artifacts, a)
	return nil
}

func (s *mockArtifactStore) GetArtifactHistory(ctx context.Context, roomID string) ([]*types.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Artifact
	for _, a := range s.artifacts {
		if a.RoomID == roomID {
			out = append(out, a)
		}
	}
	return out, nil
}

type testEnv struct {
	router    *Router
	hub       *hub.Hub
	tracker   *presence.Tracker
	machine   *interaction.Machine
	artifacts *mockArtifactStore
	clock     *clock.FakeClock
}

func setupRouter(t *testing.T) *testEnv {
	t.Helper()
	h := hub.NewHub(hub.DefaultQueueLimit)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}
	t.Cleanup(func() { _ = h.Stop() })

	clk := clock.Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	tracker := presence.NewTracker(h.Channel(), clk)
	machine := interaction.NewMachine(h.Channel(), ledger.New(nil), nil, clk, interaction.Config{})
	artifacts := &mockArtifactStore{}

	r := NewRouter(Dependencies{
		Channel:   h.Channel(),
		Presence:  tracker,
		Machine:   machine,
		Artifacts: artifacts,
		Limiter:   NewRateLimiter(600, 50, clk),
		Clock:     clk,
	})
	return &testEnv{router: r, hub: h, tracker: tracker, machine: machine, artifacts: artifacts, clock: clk}
}

func envelope(t *testing.T, eventType types.EventType, payload any) *types.Envelope {
	t.Helper()
	env, err := types.NewEnvelope("room-1", eventType, "", payload)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	return env
}

func (e *testEnv) join(t *testing.T, pid string, role types.Role) *mockConnection {
	t.Helper()
	if _, err := e.tracker.Join(context.Background(), "room-1", types.Participant{ID: pid, DisplayName: pid, Role: role}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	return newMockConnection(pid, role, "room-1")
}

func TestRouter_RejectsUnauthenticated(t *testing.T) {
	e := setupRouter(t)
	conn := newMockConnection("s1", types.RoleStudent, "room-1")
	conn.authenticated = false

	err := e.router.Route(context.Background(), conn, envelope(t, types.CommandSyncRequest, nil))
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Expected ErrNotAuthenticated, got %v", err)
	}
}

func TestRouter_RoomScope(t *testing.T) {
	e := setupRouter(t)
	conn := e.join(t, "s1", types.RoleStudent)

	env := envelope(t, types.CommandSyncRequest, nil)
	env.RoomID = "room-2"
	if err := e.router.Route(context.Background(), conn, env); !errors.Is(err, ErrWrongRoom) {
		t.Errorf("Expected ErrWrongRoom, got %v", err)
	}

	env = envelope(t, types.CommandSyncRequest, nil)
	env.RoomID = ""
	if err := e.router.Route(context.Background(), conn, env); err != nil {
		t.Errorf("Expected empty room ID to default to the connection's room, got %v", err)
	}
}

func TestRouter_RolePermissions(t *testing.T) {
	e := setupRouter(t)
	student := e.join(t, "s1", types.RoleStudent)
	teacher := e.join(t, "t1", types.RoleTeacher)
	ctx := context.Background()

	start := envelope(t, types.CommandInteractionStart, types.InteractionCommand{SlideID: "Q1", Kind: types.KindPoll})
	if err := e.router.Route(ctx, student, start); !errors.Is(err, ErrUnauthorizedCommand) {
		t.Errorf("Student start: expected ErrUnauthorizedCommand, got %v", err)
	}

	submit := envelope(t, types.CommandResponseSubmit, types.SubmitCommand{ResponseID: "r1", SlideID: "Q1", Value: "A"})
	if err := e.router.Route(ctx, teacher, submit); !errors.Is(err, ErrUnauthorizedCommand) {
		t.Errorf("Teacher submit: expected ErrUnauthorizedCommand, got %v", err)
	}

	bogus := envelope(t, types.EventPresenceJoined, nil)
	if err := e.router.Route(ctx, student, bogus); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("Broadcast-only event: expected ErrInvalidCommand, got %v", err)
	}
}

func TestRouter_QuizFlow(t *testing.T) {
	e := setupRouter(t)
	teacher := e.join(t, "t1", types.RoleTeacher)
	s1 := e.join(t, "s1", types.RoleStudent)
	s2 := e.join(t, "s2", types.RoleStudent)
	ctx := context.Background()

	route := func(conn *mockConnection, eventType types.EventType, payload any) {
		t.Helper()
		if err := e.router.Route(ctx, conn, envelope(t, eventType, payload)); err != nil {
			t.Fatalf("%s from %s failed: %v", eventType, conn.participantID, err)
		}
	}

	route(teacher, types.CommandInteractionStart, types.InteractionCommand{SlideID: "Q1", Kind: types.KindQuiz, CorrectAnswer: "B"})
	route(s1, types.CommandResponseSubmit, types.SubmitCommand{ResponseID: "r1", SlideID: "Q1", Version: 0, Value: "B"})
	route(s2, types.CommandResponseSubmit, types.SubmitCommand{ResponseID: "r2", SlideID: "Q1", Version: 0, Value: "A"})
	route(teacher, types.CommandInteractionLock, types.InteractionCommand{SlideID: "Q1"})
	route(teacher, types.CommandInteractionReveal, types.InteractionCommand{SlideID: "Q1"})

	agg, err := e.machine.Aggregate(ctx, "room-1", "Q1")
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if agg.Distribution["A"] != 1 || agg.Distribution["B"] != 1 {
		t.Errorf("Expected {A:1, B:1}, got %v", agg.Distribution)
	}
	if agg.CorrectCount == nil || *agg.CorrectCount != 1 {
		t.Errorf("Expected one correct answer, got %v", agg.CorrectCount)
	}

	route(teacher, types.CommandInteractionReset, types.InteractionCommand{SlideID: "Q1"})
	late := envelope(t, types.CommandResponseSubmit, types.SubmitCommand{ResponseID: "r3", SlideID: "Q1", Version: 0, Value: "C"})
	if err := e.router.Route(ctx, s1, late); !errors.Is(err, interaction.ErrStaleVersion) {
		t.Errorf("Expected late submission to be stale, got %v", err)
	}
}

func TestRouter_StaleTeacherActionRepliesWithState(t *testing.T) {
	e := setupRouter(t)
	teacher := e.join(t, "t1", types.RoleTeacher)
	ctx := context.Background()

	start := envelope(t, types.CommandInteractionStart, types.InteractionCommand{SlideID: "P1", Kind: types.KindPoll})
	if err := e.router.Route(ctx, teacher, start); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	// Double-click: second start is a no-op, answered with the current state
	start = envelope(t, types.CommandInteractionStart, types.InteractionCommand{SlideID: "P1", Kind: types.KindPoll})
	if err := e.router.Route(ctx, teacher, start); err != nil {
		t.Fatalf("repeated start should not fail, got %v", err)
	}

	last := teacher.last()
	if last == nil || last.EventType != types.EventInteractionStateChanged {
		t.Fatalf("Expected current state reply, got %v", teacher.eventTypes())
	}
	var state types.InteractionState
	if err := last.Decode(&state); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if state.Phase != types.PhaseActive || state.Version != 0 {
		t.Errorf("Expected active v0, got %s v%d", state.Phase, state.Version)
	}
}

func TestRouter_HandleEnvelopeReplyRejection(t *testing.T) {
	e := setupRouter(t)
	teacher := e.join(t, "t1", types.RoleTeacher)

	lock := envelope(t, types.CommandInteractionLock, types.InteractionCommand{SlideID: "Q9"})
	e.router.HandleEnvelope(context.Background(), teacher, lock)

	last := teacher.last()
	if last == nil || last.EventType != types.EventCommandRejected {
		t.Fatalf("Expected command_rejected, got %v", teacher.eventTypes())
	}
	var rejection types.RejectionPayload
	if err := last.Decode(&rejection); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if rejection.Command != types.CommandInteractionLock || rejection.Reason == "" {
		t.Errorf("Unexpected rejection payload: %+v", rejection)
	}
}

func TestRouter_SetFlagPermissions(t *testing.T) {
	e := setupRouter(t)
	teacher := e.join(t, "t1", types.RoleTeacher)
	s1 := e.join(t, "s1", types.RoleStudent)
	e.join(t, "s2", types.RoleStudent)
	ctx := context.Background()

	tests := []struct {
		name string
		conn *mockConnection
		cmd  types.SetFlagCommand
		want error
	}{
		{"student raises own hand", s1, types.SetFlagCommand{Flag: types.FlagHandRaised, Value: true}, nil},
		{"student mutes self", s1, types.SetFlagCommand{ParticipantID: "s1", Flag: types.FlagMuted, Value: true}, nil},
		{"student spotlights self", s1, types.SetFlagCommand{Flag: types.FlagSpotlighted, Value: true}, ErrFlagNotPermitted},
		{"student mutes other", s1, types.SetFlagCommand{ParticipantID: "s2", Flag: types.FlagMuted, Value: true}, ErrFlagNotPermitted},
		{"teacher mutes student", teacher, types.SetFlagCommand{ParticipantID: "s2", Flag: types.FlagMuted, Value: true}, nil},
		{"teacher spotlights student", teacher, types.SetFlagCommand{ParticipantID: "s2", Flag: types.FlagSpotlighted, Value: true}, nil},
		{"teacher lowers student hand", teacher, types.SetFlagCommand{ParticipantID: "s1", Flag: types.FlagHandRaised}, ErrFlagNotPermitted},
		{"teacher camera off", teacher, types.SetFlagCommand{Flag: types.FlagCameraOff, Value: true}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.router.Route(ctx, tt.conn, envelope(t, types.CommandPresenceSetFlag, tt.cmd))
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	s2, _ := e.tracker.Get("room-1", "s2")
	if !s2.Flags.Muted || !s2.Flags.Spotlighted {
		t.Errorf("Expected s2 muted and spotlighted, got %+v", s2.Flags)
	}
	got, _ := e.tracker.Get("room-1", "s1")
	if !got.Flags.HandRaised || got.Flags.Spotlighted {
		t.Errorf("Unexpected s1 flags: %+v", got.Flags)
	}
}

func TestRouter_SyncRequest(t *testing.T) {
	e := setupRouter(t)
	teacher := e.join(t, "t1", types.RoleTeacher)
	s1 := e.join(t, "s1", types.RoleStudent)
	ctx := context.Background()

	start := envelope(t, types.CommandInteractionStart, types.InteractionCommand{SlideID: "Q1", Kind: types.KindQuiz, CorrectAnswer: "C"})
	if err := e.router.Route(ctx, teacher, start); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := e.router.Route(ctx, s1, envelope(t, types.CommandSyncRequest, nil)); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	got := s1.eventTypes()
	want := []types.EventType{
		types.EventPresenceSnapshot,
		types.EventInteractionStateChanged,
		types.EventAggregateUpdated,
		types.EventSyncComplete,
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	var state types.InteractionState
	if err := s1.written[1].Decode(&state); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if state.CorrectAnswer != "" {
		t.Error("Student sync must not reveal the answer")
	}

	var done types.SyncCompletePayload
	if err := s1.written[3].Decode(&done); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if done.Participants != 2 || done.Slides != 1 {
		t.Errorf("Unexpected sync summary: %+v", done)
	}

	if err := e.router.Sync(ctx, teacher); err != nil {
		t.Fatalf("teacher sync failed: %v", err)
	}
	teacher.mu.Lock()
	teacherState := teacher.written[len(teacher.written)-3]
	teacher.mu.Unlock()
	if err := teacherState.Decode(&state); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if state.CorrectAnswer != "C" {
		t.Errorf("Teacher sync should carry the answer, got %q", state.CorrectAnswer)
	}
}

func TestRouter_ChatPersistThenPublish(t *testing.T) {
	e := setupRouter(t)
	s1 := e.join(t, "s1", types.RoleStudent)
	ctx := context.Background()

	received := make(chan *types.Envelope, 1)
	unsub, err := e.hub.Subscribe("room-1", types.EventChatMessage, func(env *types.Envelope) { received <- env })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsub()

	if err := e.router.Route(ctx, s1, envelope(t, types.EventChatMessage, types.ChatPayload{Text: "hello"})); err != nil {
		t.Fatalf("chat failed: %v", err)
	}

	select {
	case env := <-received:
		if env.SenderID != "s1" {
			t.Errorf("Expected sender s1, got %s", env.SenderID)
		}
	case <-time.After(time.Second):
		t.Fatal("Chat message was not broadcast")
	}
	if len(e.artifacts.artifacts) != 1 || e.artifacts.artifacts[0].Kind != types.EventChatMessage {
		t.Errorf("Expected one stored chat artifact, got %v", e.artifacts.artifacts)
	}

	if err := e.router.Route(ctx, s1, envelope(t, types.EventChatMessage, types.ChatPayload{Text: "   "})); !errors.Is(err, types.ErrInvalidPayload) {
		t.Errorf("Expected blank chat to be rejected, got %v", err)
	}

	e.artifacts.fail = true
	stroke := envelope(t, types.EventWhiteboardStroke, json.RawMessage(`{"points":[[0,0],[1,1]]}`))
	if err := e.router.Route(ctx, s1, stroke); err == nil {
		t.Error("Expected store failure to reject the stroke")
	}
	select {
	case env := <-received:
		t.Errorf("Unexpected broadcast after failed persist: %s", env.EventType)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouter_ReplayHistory(t *testing.T) {
	e := setupRouter(t)
	s1 := e.join(t, "s1", types.RoleStudent)
	ctx := context.Background()

	for _, text := range []string{"one", "two"} {
		if err := e.router.Route(ctx, s1, envelope(t, types.EventChatMessage, types.ChatPayload{Text: text})); err != nil {
			t.Fatalf("chat failed: %v", err)
		}
	}

	late := newMockConnection("s2", types.RoleStudent, "room-1")
	if err := e.router.ReplayHistory(ctx, late); err != nil {
		t.Fatalf("ReplayHistory failed: %v", err)
	}
	if len(late.written) != 2 {
		t.Fatalf("Expected 2 replayed artifacts, got %d", len(late.written))
	}
	var chat types.ChatPayload
	if err := late.written[1].Decode(&chat); err != nil || chat.Text != "two" {
		t.Errorf("Expected second replayed line 'two', got %q (%v)", chat.Text, err)
	}
}

func TestRouter_RateLimit(t *testing.T) {
	e := setupRouter(t)
	e.router.limiter = NewRateLimiter(60, 2, e.clock)
	s1 := e.join(t, "s1", types.RoleStudent)
	ctx := context.Background()

	request := func() error {
		return e.router.Route(ctx, s1, envelope(t, types.CommandSyncRequest, nil))
	}
	if err := request(); err != nil {
		t.Fatalf("first command failed: %v", err)
	}
	if err := request(); err != nil {
		t.Fatalf("second command failed: %v", err)
	}
	if err := request(); !errors.Is(err, ErrRateLimitExceeded) {
		t.Errorf("Expected ErrRateLimitExceeded, got %v", err)
	}

	e.clock.Advance(time.Second)
	if err := request(); err != nil {
		t.Errorf("Expected a token after one second, got %v", err)
	}
}

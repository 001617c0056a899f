// Package interaction holds the authoritative quiz/poll state machine for each
// (session, slide) pair and its client-side optimistic mirror.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"roomsync/internal/clock"
	"roomsync/internal/ledger"
	"roomsync/pkg/interfaces"
	"roomsync/pkg/types"
)

// Config controls response eligibility
type Config struct {
	// AcceptLateResponses admits submissions while the interaction is locked
	AcceptLateResponses bool
}

// Result reports the state after a transition
type Result struct {
	State   types.InteractionState `json:"state"`
	Changed bool                   `json:"changed"`
}

// SubmitResult reports the aggregate after a response was recorded
type SubmitResult struct {
	Aggregate types.Aggregate `json:"aggregate"`
	Replaced  bool            `json:"replaced"`
}

// slot serializes every transition and submit for one slide
type slot struct {
	mu    sync.Mutex
	state types.InteractionState
}

type session struct {
	mu     sync.Mutex
	loaded bool
	slots  map[string]*slot
}

// Machine owns the interaction state of every slide, partitioned by session
type Machine struct {
	sessions sync.Map // sessionID -> *session
	channel  interfaces.Channel
	ledger   *ledger.Ledger
	store    interfaces.InteractionStore
	clock    clock.Clock
	config   Config
}

// NewMachine creates a machine. store may be nil; a nil ledger is replaced
// by an in-memory one.
func NewMachine(channel interfaces.Channel, l *ledger.Ledger, store interfaces.InteractionStore, clk clock.Clock, config Config) *Machine {
	if clk == nil {
		clk = clock.Real()
	}
	if l == nil {
		l = ledger.New(nil)
	}
	return &Machine{
		channel: channel,
		ledger:  l,
		store:   store,
		clock:   clk,
		config:  config,
	}
}

func (m *Machine) session(ctx context.Context, sessionID string) (*session, error) {
	value, _ := m.sessions.LoadOrStore(sessionID, &session{slots: make(map[string]*slot)})
	sess := value.(*session)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.loaded || m.store == nil {
		sess.loaded = true
		return sess, nil
	}

	states, err := m.store.ListInteractionStates(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load interaction states: %w", err)
	}
	for _, st := range states {
		if _, exists := sess.slots[st.SlideID]; !exists {
			sess.slots[st.SlideID] = &slot{state: *st}
		}
	}
	sess.loaded = true
	return sess, nil
}

func (m *Machine) slot(ctx context.Context, sessionID, slideID string) (*slot, error) {
	if !types.IsValidID(sessionID) {
		return nil, ledger.ErrInvalidSession
	}
	if !types.IsValidID(slideID) {
		return nil, ErrInvalidSlide
	}
	sess, err := m.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	s, ok := sess.slots[slideID]
	if !ok {
		s = &slot{state: types.InteractionState{
			SessionID: sessionID,
			SlideID:   slideID,
			Phase:     types.PhaseIdle,
		}}
		sess.slots[slideID] = s
	}
	return s, nil
}

// Start opens the slide for responses
func (m *Machine) Start(ctx context.Context, sessionID, actorID string, cmd types.InteractionCommand) (Result, error) {
	return m.Apply(ctx, sessionID, actorID, ActionStart, cmd)
}

// Lock stops accepting responses
func (m *Machine) Lock(ctx context.Context, sessionID, actorID string, cmd types.InteractionCommand) (Result, error) {
	return m.Apply(ctx, sessionID, actorID, ActionLock, cmd)
}

// Reveal shows the correct answer of a quiz
func (m *Machine) Reveal(ctx context.Context, sessionID, actorID string, cmd types.InteractionCommand) (Result, error) {
	return m.Apply(ctx, sessionID, actorID, ActionReveal, cmd)
}

// Reset returns the slide to idle under a new version and clears its responses
func (m *Machine) Reset(ctx context.Context, sessionID, actorID string, cmd types.InteractionCommand) (Result, error) {
	return m.Apply(ctx, sessionID, actorID, ActionReset, cmd)
}

// Apply runs one teacher action. Stale or repeated actions return
// Changed=false. Broadcasts are issued while the slide is still locked so
// subscribers see transitions in the order they were applied.
func (m *Machine) Apply(ctx context.Context, sessionID, actorID string, action Action, cmd types.InteractionCommand) (Result, error) {
	s, err := m.slot(ctx, sessionID, cmd.SlideID)
	if err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, changed, err := Transition(s.state, action, cmd, m.clock.Now())
	if err != nil {
		return Result{State: s.state}, err
	}
	if !changed {
		log.Printf("Ignored %s: session=%s slide=%s expected_version=%d current_version=%d phase=%s",
			action, sessionID, cmd.SlideID, cmd.ExpectedVersion, s.state.Version, s.state.Phase)
		return Result{State: s.state}, nil
	}

	if m.store != nil {
		if err := m.store.SaveInteractionState(ctx, &next); err != nil {
			return Result{State: s.state}, fmt.Errorf("persist interaction state: %w", err)
		}
	}
	s.state = next

	// Responses are only counted at the current version, so a failed clear
	// leaves stale rows behind but never counts them.
	if action == ActionReset {
		if err := m.ledger.Clear(ctx, sessionID, cmd.SlideID); err != nil {
			log.Printf("Failed to clear responses after reset: session=%s slide=%s: %v", sessionID, cmd.SlideID, err)
		}
	}

	log.Printf("Interaction %s: session=%s slide=%s phase=%s version=%d", action, sessionID, cmd.SlideID, next.Phase, next.Version)

	m.publish(ctx, sessionID, types.EventInteractionStateChanged, actorID, next.ForRole(types.RoleStudent))
	if action == ActionReveal || action == ActionReset {
		agg, err := m.aggregateLocked(ctx, next)
		if err == nil {
			m.publish(ctx, sessionID, types.EventAggregateUpdated, actorID, PublicAggregate(agg, next))
		}
	}
	return Result{State: next, Changed: true}, nil
}

// Submit records a response for the slide's current version and broadcasts
// the recomputed aggregate.
func (m *Machine) Submit(ctx context.Context, sessionID string, resp types.Response) (SubmitResult, error) {
	s, err := m.slot(ctx, sessionID, resp.SlideID)
	if err != nil {
		return SubmitResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.state
	if resp.Version != state.Version {
		return SubmitResult{}, ErrStaleVersion
	}
	if !state.Phase.AcceptsResponses() && !(m.config.AcceptLateResponses && state.Phase == types.PhaseLocked) {
		return SubmitResult{}, ErrNotAccepting
	}

	replaced, err := m.ledger.Submit(ctx, sessionID, resp.SlideID, resp)
	if err != nil {
		return SubmitResult{}, err
	}

	agg, err := m.aggregateLocked(ctx, state)
	if err != nil {
		return SubmitResult{}, err
	}
	m.publish(ctx, sessionID, types.EventAggregateUpdated, resp.ParticipantID, PublicAggregate(agg, state))
	return SubmitResult{Aggregate: agg, Replaced: replaced}, nil
}

// State returns the authoritative state of one slide
func (m *Machine) State(ctx context.Context, sessionID, slideID string) (types.InteractionState, error) {
	s, err := m.slot(ctx, sessionID, slideID)
	if err != nil {
		return types.InteractionState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

// Aggregate recomputes the tally of one slide from the ledger
func (m *Machine) Aggregate(ctx context.Context, sessionID, slideID string) (types.Aggregate, error) {
	s, err := m.slot(ctx, sessionID, slideID)
	if err != nil {
		return types.Aggregate{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.aggregateLocked(ctx, s.state)
}

func (m *Machine) aggregateLocked(ctx context.Context, state types.InteractionState) (types.Aggregate, error) {
	responses, err := m.ledger.ListVersion(ctx, state.SessionID, state.SlideID, state.Version)
	if err != nil {
		return types.Aggregate{}, err
	}
	return ComputeAggregate(state, responses), nil
}

// States returns every known slide state of a session ordered by slide ID
func (m *Machine) States(ctx context.Context, sessionID string) ([]types.InteractionState, error) {
	if !types.IsValidID(sessionID) {
		return nil, ledger.ErrInvalidSession
	}
	sess, err := m.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	slots := make([]*slot, 0, len(sess.slots))
	for _, s := range sess.slots {
		slots = append(slots, s)
	}
	sess.mu.Unlock()

	states := make([]types.InteractionState, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		states = append(states, s.state)
		s.mu.Unlock()
	}
	sort.Slice(states, func(i, j int) bool { return states[i].SlideID < states[j].SlideID })
	return states, nil
}

// Drop releases the in-memory state of an ended session
func (m *Machine) Drop(sessionID string) {
	m.sessions.Delete(sessionID)
	m.ledger.Drop(sessionID)
}

func (m *Machine) publish(ctx context.Context, sessionID string, eventType types.EventType, senderID string, payload any) {
	if m.channel == nil {
		return
	}
	if err := m.channel.Publish(ctx, sessionID, eventType, senderID, payload); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Failed to publish %s: session=%s: %v", eventType, sessionID, err)
	}
}

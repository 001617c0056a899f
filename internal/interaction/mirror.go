package interaction

import (
	"sort"
	"sync"
	"time"

	"roomsync/pkg/types"
)

// RollbackFunc is told when a pending local change was contradicted by the
// authoritative broadcast (or rejected by the server).
type RollbackFunc func(slideID string, pending, authoritative types.InteractionState)

// Mirror is a client's optimistic copy of one room's interaction states.
// Local actions are applied as pending and reconciled against the next
// authoritative broadcast for the slide.
type Mirror struct {
	mu         sync.Mutex
	roomID     string
	confirmed  map[string]types.InteractionState
	pending    map[string]types.InteractionState
	aggregates map[string]types.Aggregate
	votes      map[string]types.Response
	onRollback RollbackFunc
}

// NewMirror creates an empty mirror for roomID
func NewMirror(roomID string) *Mirror {
	return &Mirror{
		roomID:     roomID,
		confirmed:  make(map[string]types.InteractionState),
		pending:    make(map[string]types.InteractionState),
		aggregates: make(map[string]types.Aggregate),
		votes:      make(map[string]types.Response),
	}
}

// OnRollback registers the rollback callback
func (m *Mirror) OnRollback(fn RollbackFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRollback = fn
}

func (m *Mirror) confirmedLocked(slideID string) types.InteractionState {
	if st, ok := m.confirmed[slideID]; ok {
		return st
	}
	return types.InteractionState{SessionID: m.roomID, SlideID: slideID, Phase: types.PhaseIdle}
}

func (m *Mirror) viewLocked(slideID string) types.InteractionState {
	if st, ok := m.pending[slideID]; ok {
		return st
	}
	return m.confirmedLocked(slideID)
}

// Propose applies action optimistically. It returns the command to send with
// ExpectedVersion filled in; changed=false means the action is a no-op
// locally and need not be sent.
func (m *Mirror) Propose(action Action, cmd types.InteractionCommand) (types.InteractionCommand, types.InteractionState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	base := m.viewLocked(cmd.SlideID)
	cmd.ExpectedVersion = base.Version
	next, changed, err := Transition(base, action, cmd, time.Now())
	if err != nil || !changed {
		return cmd, base, false, err
	}
	m.pending[cmd.SlideID] = next
	return cmd, next, true, nil
}

// ahead reports whether a is strictly later than b in (version, phase) order
func ahead(a, b types.InteractionState) bool {
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	return a.Phase.Rank() > b.Phase.Rank()
}

// Observe applies an authoritative state broadcast. Duplicate or older
// broadcasts are ignored.
func (m *Mirror) Observe(state types.InteractionState) {
	m.mu.Lock()
	rollback := m.observeLocked(state)
	fn := m.onRollback
	m.mu.Unlock()

	if rollback != nil && fn != nil {
		fn(state.SlideID, *rollback, state)
	}
}

func (m *Mirror) observeLocked(state types.InteractionState) *types.InteractionState {
	current, known := m.confirmed[state.SlideID]
	if known && !ahead(state, current) && !(state.Version == current.Version && state.Phase == current.Phase) {
		return nil
	}
	m.confirmed[state.SlideID] = state

	if vote, ok := m.votes[state.SlideID]; ok && vote.Version < state.Version {
		delete(m.votes, state.SlideID)
	}
	if agg, ok := m.aggregates[state.SlideID]; ok && agg.Version < state.Version {
		delete(m.aggregates, state.SlideID)
	}

	pending, ok := m.pending[state.SlideID]
	if !ok {
		return nil
	}
	switch {
	case pending.Version == state.Version && pending.Phase == state.Phase:
		delete(m.pending, state.SlideID)
		return nil
	case ahead(state, pending):
		delete(m.pending, state.SlideID)
		return &pending
	default:
		// Broadcast of an earlier step; the pending change is still ahead.
		return nil
	}
}

// Reject drops the pending change of a slide after the server refused it
func (m *Mirror) Reject(slideID string) {
	m.mu.Lock()
	pending, ok := m.pending[slideID]
	delete(m.pending, slideID)
	authoritative := m.confirmedLocked(slideID)
	fn := m.onRollback
	m.mu.Unlock()

	if ok && fn != nil {
		fn(slideID, pending, authoritative)
	}
}

// Replace installs a full set of authoritative states after a resync.
// Pending changes are reconciled against the new states.
func (m *Mirror) Replace(states []types.InteractionState) {
	type rolledBack struct {
		pending, authoritative types.InteractionState
	}
	var rollbacks []rolledBack

	m.mu.Lock()
	m.confirmed = make(map[string]types.InteractionState, len(states))
	for _, st := range states {
		m.confirmed[st.SlideID] = st
	}
	for slideID, pending := range m.pending {
		authoritative := m.confirmedLocked(slideID)
		switch {
		case pending.Version == authoritative.Version && pending.Phase == authoritative.Phase:
			delete(m.pending, slideID)
		case ahead(authoritative, pending):
			delete(m.pending, slideID)
			rollbacks = append(rollbacks, rolledBack{pending, authoritative})
		}
	}
	for slideID, vote := range m.votes {
		if vote.Version < m.confirmedLocked(slideID).Version {
			delete(m.votes, slideID)
		}
	}
	fn := m.onRollback
	m.mu.Unlock()

	if fn != nil {
		for _, rb := range rollbacks {
			fn(rb.pending.SlideID, rb.pending, rb.authoritative)
		}
	}
}

// ObserveAggregate records an aggregate broadcast for the current version
func (m *Mirror) ObserveAggregate(agg types.Aggregate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if agg.Version < m.confirmedLocked(agg.SlideID).Version {
		return
	}
	m.aggregates[agg.SlideID] = agg
}

// Apply routes an interaction envelope into the mirror. Other event types are
// ignored.
func (m *Mirror) Apply(env *types.Envelope) error {
	switch env.EventType {
	case types.EventInteractionStateChanged:
		var state types.InteractionState
		if err := env.Decode(&state); err != nil {
			return err
		}
		m.Observe(state)
	case types.EventAggregateUpdated:
		var agg types.Aggregate
		if err := env.Decode(&agg); err != nil {
			return err
		}
		m.ObserveAggregate(agg)
	}
	return nil
}

// RecordVote remembers the participant's own latest response for a slide so
// it can be resubmitted after a reconnect.
func (m *Mirror) RecordVote(resp types.Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votes[resp.SlideID] = resp
}

// ForgetVote drops the recorded response for a slide after the server
// refused it, so it is not resubmitted.
func (m *Mirror) ForgetVote(slideID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.votes, slideID)
}

// Votes returns recorded responses whose slide is still active at the same
// version. Resubmitting them is safe: the ledger overwrites by key.
func (m *Mirror) Votes() []types.Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.Response
	for slideID, vote := range m.votes {
		st := m.confirmedLocked(slideID)
		if st.Version == vote.Version && st.Phase.AcceptsResponses() {
			out = append(out, vote)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlideID < out[j].SlideID })
	return out
}

// View returns the pending state of a slide if any, else the confirmed one
func (m *Mirror) View(slideID string) types.InteractionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewLocked(slideID)
}

// Confirmed returns the last authoritative state of a slide
func (m *Mirror) Confirmed(slideID string) types.InteractionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirmedLocked(slideID)
}

// IsPending reports whether a local change awaits confirmation
func (m *Mirror) IsPending(slideID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[slideID]
	return ok
}

// Aggregate returns the last aggregate seen for a slide's current version
func (m *Mirror) Aggregate(slideID string) (types.Aggregate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agg, ok := m.aggregates[slideID]
	return agg, ok
}

// Package reconnect re-establishes a lost transport with bounded exponential
// backoff and reports status transitions to dependents.
package reconnect

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"roomsync/internal/clock"
)

// Status of a controller
type Status string

const (
	StatusIdle         Status = "idle"
	StatusReconnecting Status = "reconnecting"
	StatusConnected    Status = "connected"
	StatusFailed       Status = "failed"
)

// ConnectFunc re-establishes the transport and resynchronizes dependents.
// A nil return means the attempt succeeded.
type ConnectFunc func(ctx context.Context) error

// State is a snapshot of the controller
type State struct {
	Status    Status        `json:"status"`
	Attempt   int           `json:"attempt"`
	NextDelay time.Duration `json:"next_delay"`
	LastError error         `json:"-"`
}

// Listener observes status transitions. Listeners run on the goroutine that
// caused the transition and must not block.
type Listener func(State)

// Controller drives reconnection for one room connection. At most one attempt
// is in flight at any time.
type Controller struct {
	policy  Policy
	connect ConnectFunc
	clock   clock.Clock
	label   string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	timer     clock.Timer
	stopped   bool
	listeners map[uint64]Listener
	nextID    uint64
}

// NewController creates an idle controller. label identifies it in logs.
func NewController(label string, policy Policy, connect ConnectFunc, clk clock.Clock) (*Controller, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		policy:    policy,
		connect:   connect,
		clock:     clk,
		label:     label,
		ctx:       ctx,
		cancel:    cancel,
		state:     State{Status: StatusIdle},
		listeners: make(map[uint64]Listener),
	}, nil
}

// OnStatusChange registers a listener and returns its deregistration func
func (c *Controller) OnStatusChange(fn Listener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// State returns the current snapshot
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns ErrStopped after Stop, ErrReconnectFailed (wrapping the last
// attempt error) once the controller has failed, nil otherwise.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.state.Status != StatusFailed {
		return nil
	}
	if c.state.LastError != nil {
		return fmt.Errorf("%w: %v", ErrReconnectFailed, c.state.LastError)
	}
	return ErrReconnectFailed
}

// MarkConnected records a successful initial connection
func (c *Controller) MarkConnected() {
	c.mu.Lock()
	if c.stopped || c.state.Status == StatusReconnecting {
		c.mu.Unlock()
		return
	}
	c.state = State{Status: StatusConnected}
	snapshot, listeners := c.snapshotLocked()
	c.mu.Unlock()
	notify(listeners, snapshot)
}

// Trigger reports transport loss. It starts the backoff schedule and returns
// true, or returns false if an attempt is already scheduled, the controller
// has failed, or it was stopped.
func (c *Controller) Trigger() bool {
	c.mu.Lock()
	if c.stopped || c.state.Status == StatusReconnecting || c.state.Status == StatusFailed {
		c.mu.Unlock()
		return false
	}
	c.state = State{Status: StatusReconnecting, Attempt: 1, NextDelay: c.policy.Delay(1)}
	c.scheduleLocked()
	snapshot, listeners := c.snapshotLocked()
	c.mu.Unlock()

	log.Printf("Reconnect triggered: %s next_delay=%v", c.label, snapshot.NextDelay)
	notify(listeners, snapshot)
	return true
}

// Reset returns a failed controller to idle so that a later Trigger starts a
// fresh schedule. This is the manual-intervention path. It reports false and
// changes nothing unless the controller has failed; in particular a schedule
// that is still running keeps its single attempt.
func (c *Controller) Reset() bool {
	c.mu.Lock()
	if c.stopped || c.state.Status != StatusFailed {
		c.mu.Unlock()
		return false
	}
	c.state = State{Status: StatusIdle}
	snapshot, listeners := c.snapshotLocked()
	c.mu.Unlock()
	notify(listeners, snapshot)
	return true
}

// Stop cancels any scheduled attempt and the context of one in flight
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *Controller) scheduleLocked() {
	c.timer = c.clock.AfterFunc(c.state.NextDelay, c.attempt)
}

func (c *Controller) attempt() {
	c.mu.Lock()
	if c.stopped || c.state.Status != StatusReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	attempt := c.state.Attempt
	c.mu.Unlock()

	err := c.connect(c.ctx)

	c.mu.Lock()
	if c.stopped || c.state.Status != StatusReconnecting {
		c.mu.Unlock()
		return
	}
	switch {
	case err == nil:
		log.Printf("Reconnected: %s attempt=%d", c.label, attempt)
		c.state = State{Status: StatusConnected}
	case attempt >= c.policy.MaxAttempts:
		log.Printf("Reconnect failed permanently: %s attempts=%d: %v", c.label, attempt, err)
		c.state = State{Status: StatusFailed, Attempt: attempt, LastError: err}
	default:
		next := attempt + 1
		c.state = State{Status: StatusReconnecting, Attempt: next, NextDelay: c.policy.Delay(next), LastError: err}
		log.Printf("Reconnect attempt failed: %s attempt=%d next_delay=%v: %v", c.label, attempt, c.state.NextDelay, err)
		c.scheduleLocked()
	}
	snapshot, listeners := c.snapshotLocked()
	c.mu.Unlock()
	notify(listeners, snapshot)
}

func (c *Controller) snapshotLocked() (State, []Listener) {
	listeners := make([]Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	return c.state, listeners
}

func notify(listeners []Listener, state State) {
	for _, fn := range listeners {
		fn(state)
	}
}

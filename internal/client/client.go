// Package client is a participant-side room connection. It keeps a presence
// replica and an optimistic interaction mirror in step with the server and
// re-establishes the socket with backoff when it drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"roomsync/internal/access"
	"roomsync/internal/clock"
	"roomsync/internal/interaction"
	"roomsync/internal/presence"
	"roomsync/internal/reconnect"
	"roomsync/pkg/codec"
	"roomsync/pkg/types"
)

const (
	defaultSyncTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Config describes one room connection
type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws
	URL    string
	RoomID string
	Token  string
	// Codec is "json" (default) or "cbor"
	Codec        string
	Policy       reconnect.Policy
	SyncTimeout  time.Duration
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
	Clock        clock.Clock
}

// EventHandler observes every envelope after it was applied locally
type EventHandler func(env *types.Envelope)

// RejectionHandler is told when the server refused one of this client's
// commands. A refused response_submit did not count and is no longer
// resubmitted on reconnect.
type RejectionHandler func(rejection types.RejectionPayload)

// Client is safe for concurrent use
type Client struct {
	config     Config
	codec      codec.Codec
	dialer     *websocket.Dialer
	roster     *presence.Replica
	mirror     *interaction.Mirror
	controller *reconnect.Controller

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	closed     bool
	ended      bool
	collecting bool
	burst      []types.InteractionState
	synced     chan struct{}
	handlers   []EventHandler
	rejections []RejectionHandler

	writeMu sync.Mutex
}

// New validates config and creates a disconnected client
func New(config Config) (*Client, error) {
	if config.URL == "" {
		return nil, errors.New("client URL is required")
	}
	if !types.IsValidID(config.RoomID) {
		return nil, types.ErrInvalidID
	}
	if config.Token == "" {
		return nil, errors.New("client token is required")
	}
	frameCodec, err := codec.ByName(config.Codec)
	if err != nil {
		return nil, err
	}
	if config.Policy == (reconnect.Policy{}) {
		config.Policy = reconnect.DefaultPolicy()
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = defaultSyncTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWriteTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	c := &Client{
		config: config,
		codec:  frameCodec,
		dialer: dialer,
		roster: presence.NewReplica(),
		mirror: interaction.NewMirror(config.RoomID),
	}
	c.controller, err = reconnect.NewController("room="+config.RoomID, config.Policy, c.establish, config.Clock)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Connect dials the server and waits for the initial sync
func (c *Client) Connect(ctx context.Context) error {
	if err := c.establish(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.controller.MarkConnected()
	return nil
}

// OnEvent registers a handler for every received envelope
func (c *Client) OnEvent(fn EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// OnRejected registers a handler for refused commands
func (c *Client) OnRejected(fn RejectionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejections = append(c.rejections, fn)
}

// OnStatusChange registers a reconnect status listener
func (c *Client) OnStatusChange(fn reconnect.Listener) func() {
	return c.controller.OnStatusChange(fn)
}

// Status returns the reconnect controller state
func (c *Client) Status() reconnect.State {
	return c.controller.State()
}

// Err reports why the client stopped reconnecting, if it did
func (c *Client) Err() error {
	c.mu.Lock()
	ended := c.ended
	c.mu.Unlock()
	if ended {
		return ErrRoomEnded
	}
	return c.controller.Err()
}

// Retry restarts reconnection after the controller gave up. It is a no-op
// while a schedule is still running or the client is connected.
func (c *Client) Retry() bool {
	if !c.controller.Reset() {
		return false
	}
	return c.controller.Trigger()
}

// Roster returns the presence replica
func (c *Client) Roster() *presence.Replica { return c.roster }

// Mirror returns the interaction mirror
func (c *Client) Mirror() *interaction.Mirror { return c.mirror }

// Close stops reconnection and closes the socket
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.controller.Stop()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.config.WriteTimeout))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", err
	}
	query := u.Query()
	query.Set("room_id", c.config.RoomID)
	query.Set("token", c.config.Token)
	query.Set("codec", c.codec.Name())
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// establish dials, starts the read loop and waits for the sync burst the
// server sends on join. It is also the reconnect attempt.
func (c *Client) establish(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return refused(resp)
		}
		return err
	}

	synced := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.collecting = true
	c.burst = nil
	c.synced = synced
	c.mu.Unlock()

	go c.readLoop(conn)

	if err := c.awaitSync(ctx, synced); err != nil {
		c.abandon(conn)
		return err
	}
	c.resubmitVotes()
	return nil
}

func (c *Client) awaitSync(ctx context.Context, synced <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.SyncTimeout)
	defer cancel()
	select {
	case <-synced:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrSyncTimeout
		}
		return ctx.Err()
	}
}

// abandon drops conn without treating its closure as a disconnect
func (c *Client) abandon(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func refused(resp *http.Response) error {
	rerr := &RefusedError{StatusCode: resp.StatusCode}
	if resp.Body != nil && resp.Header.Get("Content-Type") == "application/json" {
		body, _ := io.ReadAll(resp.Body)
		var decision access.Decision
		if json.Unmarshal(body, &decision) == nil {
			rerr.Decision = &decision
		}
	}
	return rerr
}

// Resync asks the server for a fresh snapshot and waits for it
func (c *Client) Resync(ctx context.Context) error {
	synced := make(chan struct{})
	c.mu.Lock()
	c.collecting = true
	c.burst = nil
	c.synced = synced
	c.mu.Unlock()

	if err := c.send(types.CommandSyncRequest, nil); err != nil {
		return err
	}
	return c.awaitSync(ctx, synced)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.disconnected(conn, err)
			return
		}
		env, err := c.codec.Decode(data)
		if err != nil {
			log.Printf("Dropping undecodable frame: room=%s: %v", c.config.RoomID, err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) disconnected(conn *websocket.Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	reconnecting := current && c.connected && !c.closed && !c.ended
	c.mu.Unlock()

	if !current {
		return
	}
	c.roster.Invalidate()
	if reconnecting {
		log.Printf("Connection lost: room=%s: %v", c.config.RoomID, err)
		c.controller.Trigger()
	}
}

func (c *Client) dispatch(env *types.Envelope) {
	var err error
	switch env.EventType {
	case types.EventPresenceSnapshot:
		c.mu.Lock()
		if c.collecting {
			c.burst = c.burst[:0]
		}
		c.mu.Unlock()
		err = c.roster.Apply(env)

	case types.EventPresenceJoined, types.EventPresenceUpdated, types.EventPresenceLeft:
		err = c.roster.Apply(env)

	case types.EventInteractionStateChanged:
		var state types.InteractionState
		if err = env.Decode(&state); err == nil {
			c.mirror.Observe(state)
			c.mu.Lock()
			if c.collecting {
				c.burst = append(c.burst, state)
			}
			c.mu.Unlock()
		}

	case types.EventAggregateUpdated:
		err = c.mirror.Apply(env)

	case types.EventCommandRejected:
		var rejection types.RejectionPayload
		if err = env.Decode(&rejection); err == nil {
			log.Printf("Command rejected: room=%s command=%s: %s", c.config.RoomID, rejection.Command, rejection.Reason)
			if _, ok := interaction.ActionForCommand(rejection.Command); ok && rejection.SlideID != "" {
				c.mirror.Reject(rejection.SlideID)
			}
			if rejection.Command == types.CommandResponseSubmit && rejection.SlideID != "" {
				c.mirror.ForgetVote(rejection.SlideID)
			}
			c.mu.Lock()
			rejections := make([]RejectionHandler, len(c.rejections))
			copy(rejections, c.rejections)
			c.mu.Unlock()
			for _, fn := range rejections {
				fn(rejection)
			}
		}

	case types.EventSyncComplete:
		var payload types.SyncCompletePayload
		if err = env.Decode(&payload); err == nil {
			c.completeSync(payload)
		}

	case types.EventRoomStatusChanged:
		var payload types.RoomStatusPayload
		if err = env.Decode(&payload); err == nil && payload.Status == types.RoomEnded {
			c.mu.Lock()
			c.ended = true
			c.mu.Unlock()
			c.controller.Stop()
		}
	}
	if err != nil {
		log.Printf("Failed to apply %s: room=%s: %v", env.EventType, c.config.RoomID, err)
	}

	c.mu.Lock()
	handlers := make([]EventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(env)
	}
}

func (c *Client) completeSync(payload types.SyncCompletePayload) {
	c.mu.Lock()
	collecting := c.collecting
	burst := c.burst
	synced := c.synced
	c.collecting = false
	c.burst = nil
	c.synced = nil
	c.mu.Unlock()

	// A burst interleaved with live broadcasts may carry extra states; only a
	// burst matching the advertised count is a complete picture.
	if collecting && len(burst) == payload.Slides {
		c.mirror.Replace(burst)
	}
	if synced != nil {
		close(synced)
	}
}

func (c *Client) resubmitVotes() {
	for _, vote := range c.mirror.Votes() {
		if err := c.send(types.CommandResponseSubmit, submitCommand(vote)); err != nil {
			log.Printf("Failed to resubmit response: room=%s slide=%s: %v", c.config.RoomID, vote.SlideID, err)
			return
		}
	}
}

func (c *Client) send(eventType types.EventType, payload any) error {
	env, err := types.NewEnvelope(c.config.RoomID, eventType, "", payload)
	if err != nil {
		return err
	}
	data, err := c.codec.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	messageType := websocket.TextMessage
	if c.codec.Binary() {
		messageType = websocket.BinaryMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return err
	}
	if err := conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", eventType, err)
	}
	return nil
}

var commandForAction = map[interaction.Action]types.EventType{
	interaction.ActionStart:  types.CommandInteractionStart,
	interaction.ActionLock:   types.CommandInteractionLock,
	interaction.ActionReveal: types.CommandInteractionReveal,
	interaction.ActionReset:  types.CommandInteractionReset,
}

// Act applies a teacher action optimistically and sends it. The returned
// state is the local view; a no-op action is not sent.
func (c *Client) Act(action interaction.Action, cmd types.InteractionCommand) (types.InteractionState, error) {
	command, ok := commandForAction[action]
	if !ok {
		return types.InteractionState{}, ErrUnknownAction
	}
	cmd, view, changed, err := c.mirror.Propose(action, cmd)
	if err != nil || !changed {
		return view, err
	}
	if err := c.send(command, cmd); err != nil {
		c.mirror.Reject(cmd.SlideID)
		return c.mirror.View(cmd.SlideID), err
	}
	return view, nil
}

// Start opens a slide interaction
func (c *Client) Start(slideID string, kind types.InteractionKind, correctAnswer string) (types.InteractionState, error) {
	return c.Act(interaction.ActionStart, types.InteractionCommand{SlideID: slideID, Kind: kind, CorrectAnswer: correctAnswer})
}

// Lock stops a slide accepting responses
func (c *Client) Lock(slideID string) (types.InteractionState, error) {
	return c.Act(interaction.ActionLock, types.InteractionCommand{SlideID: slideID})
}

// Reveal shows a quiz answer
func (c *Client) Reveal(slideID string) (types.InteractionState, error) {
	return c.Act(interaction.ActionReveal, types.InteractionCommand{SlideID: slideID})
}

// Reset returns a slide to idle under a new version
func (c *Client) Reset(slideID string) (types.InteractionState, error) {
	return c.Act(interaction.ActionReset, types.InteractionCommand{SlideID: slideID})
}

// Submit answers the slide's current version. The response is remembered and
// resubmitted after a reconnect while the same version is still open.
func (c *Client) Submit(slideID, value string) (types.Response, error) {
	state := c.mirror.Confirmed(slideID)
	if !state.Phase.AcceptsResponses() {
		return types.Response{}, ErrNotAccepting
	}
	resp := types.Response{
		ID:          uuid.New().String(),
		SessionID:   c.config.RoomID,
		SlideID:     slideID,
		Version:     state.Version,
		Value:       value,
		SubmittedAt: c.config.Clock.Now(),
	}
	c.mirror.RecordVote(resp)
	return resp, c.send(types.CommandResponseSubmit, submitCommand(resp))
}

func submitCommand(resp types.Response) types.SubmitCommand {
	return types.SubmitCommand{
		ResponseID: resp.ID,
		SlideID:    resp.SlideID,
		Version:    resp.Version,
		Value:      resp.Value,
	}
}

// SetFlag sets a presence flag. An empty participantID targets the sender.
func (c *Client) SetFlag(participantID string, flag types.Flag, value bool) error {
	return c.send(types.CommandPresenceSetFlag, types.SetFlagCommand{ParticipantID: participantID, Flag: flag, Value: value})
}

// SendChat posts a chat line
func (c *Client) SendChat(text string) error {
	chat := types.ChatPayload{Text: text}
	if err := chat.Validate(); err != nil {
		return err
	}
	return c.send(types.EventChatMessage, chat)
}

// SendStroke posts a whiteboard stroke. stroke must be a JSON document.
func (c *Client) SendStroke(stroke json.RawMessage) error {
	if !json.Valid(stroke) {
		return types.ErrInvalidPayload
	}
	return c.send(types.EventWhiteboardStroke, stroke)
}

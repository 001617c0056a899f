package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"roomsync/pkg/codec"
	"roomsync/pkg/types"
)

// Settings tune one connection's write path and heartbeat
type Settings struct {
	WriteBuffer    int
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	// LeaveGrace keeps a dropped participant on the roster as reconnecting
	// for this long before removing them. Zero removes them immediately.
	LeaveGrace time.Duration
}

// DefaultSettings returns classroom-scale connection settings
func DefaultSettings() Settings {
	return Settings{
		WriteBuffer:    256,
		WriteTimeout:   5 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: types.MaxPayloadSize + 4096,
		LeaveGrace:     0,
	}
}

// Connection implements interfaces.Connection. All writes go through one
// writer goroutine.
type Connection struct {
	conn     *websocket.Conn
	codec    codec.Codec
	settings Settings
	writeCh  chan []byte

	participantID string
	displayName   string
	role          types.Role
	roomID        string
	authenticated bool
	mu            sync.RWMutex

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection wraps conn and starts its writer
func NewConnection(conn *websocket.Conn, c codec.Codec, settings Settings) *Connection {
	if c == nil {
		c = codec.JSON{}
	}
	if settings.WriteBuffer <= 0 {
		settings.WriteBuffer = DefaultSettings().WriteBuffer
	}
	if settings.WriteTimeout <= 0 {
		settings.WriteTimeout = DefaultSettings().WriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	wc := &Connection{
		conn:     conn,
		codec:    c,
		settings: settings,
		writeCh:  make(chan []byte, settings.WriteBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
	go wc.writeLoop()
	return wc
}

func (c *Connection) writeLoop() {
	messageType := websocket.TextMessage
	if c.codec.Binary() {
		messageType = websocket.BinaryMessage
	}

	var ping <-chan time.Time
	if c.settings.PingInterval > 0 {
		ticker := time.NewTicker(c.settings.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data := <-c.writeCh:
			if data == nil {
				deadline := time.Now().Add(c.settings.WriteTimeout)
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
				_ = c.Close()
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(messageType, data); err != nil {
				_ = c.Close()
				return
			}

		case <-ping:
			deadline := time.Now().Add(c.settings.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteEnvelope encodes env with the connection's codec and queues it
func (c *Connection) WriteEnvelope(env *types.Envelope) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := c.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.EventType, err)
	}

	timer := time.NewTimer(c.settings.WriteTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// ReadEnvelope blocks for the next frame and decodes it
func (c *Connection) ReadEnvelope() (*types.Envelope, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return c.codec.Decode(data)
}

// CloseAfterFlush sends a close frame after every queued frame is written,
// then closes the connection
func (c *Connection) CloseAfterFlush() {
	select {
	case c.writeCh <- nil:
	case <-c.ctx.Done():
	default:
		_ = c.Close()
	}
}

// Close stops the writer and closes the socket. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection is closed
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Codec returns the negotiated frame codec
func (c *Connection) Codec() codec.Codec {
	return c.codec
}

// SetCredentials binds the verified identity to the connection
func (c *Connection) SetCredentials(participantID, displayName string, role types.Role, roomID string) error {
	if !types.IsValidID(participantID) || !types.IsValidID(roomID) {
		return types.ErrInvalidID
	}
	if !types.IsValidRole(role) {
		return types.ErrInvalidRole
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.participantID = participantID
	c.displayName = displayName
	c.role = role
	c.roomID = roomID
	c.authenticated = true
	return nil
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Connection) GetParticipantID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.participantID
}

func (c *Connection) GetDisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayName
}

func (c *Connection) GetRole() types.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Connection) GetRoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

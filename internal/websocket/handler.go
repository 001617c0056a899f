package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"roomsync/internal/access"
	"roomsync/internal/auth"
	"roomsync/internal/clock"
	"roomsync/internal/hub"
	"roomsync/internal/presence"
	"roomsync/internal/router"
	"roomsync/pkg/codec"
	"roomsync/pkg/types"
)

var upgrader = websocket.Upgrader{
	// Allow all origins; identity comes from the token, not the origin.
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

// RoomActivator moves a room to active when its teacher first connects
type RoomActivator interface {
	Activate(ctx context.Context, roomID, actorID string) (bool, error)
}

// HandlerDeps are the collaborators of a Handler. Rooms may be nil.
type HandlerDeps struct {
	Registry *Registry
	Verifier *auth.Verifier
	Access   *access.Validator
	Rooms    RoomActivator
	Presence *presence.Tracker
	Hub      *hub.Hub
	Router   *router.Router
	Clock    clock.Clock
	Settings Settings
}

// Handler upgrades join requests into room connections
type Handler struct {
	registry *Registry
	verifier *auth.Verifier
	access   *access.Validator
	rooms    RoomActivator
	presence *presence.Tracker
	hub      *hub.Hub
	router   *router.Router
	clock    clock.Clock
	settings Settings
}

// NewHandler creates a WebSocket handler
func NewHandler(deps HandlerDeps) *Handler {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	return &Handler{
		registry: deps.Registry,
		verifier: deps.Verifier,
		access:   deps.Access,
		rooms:    deps.Rooms,
		presence: deps.Presence,
		hub:      deps.Hub,
		router:   deps.Router,
		clock:    deps.Clock,
		settings: deps.Settings,
	}
}

// bearerToken reads the identity token from the query or the
// Authorization header
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// HandleWebSocket validates identity, membership and the access window
// before upgrading. Every rejection happens over plain HTTP.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room_id")
	if !types.IsValidID(roomID) {
		http.Error(w, "Missing or invalid room_id", http.StatusBadRequest)
		return
	}

	frameCodec, err := codec.ByName(r.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	claims, err := h.verifier.Parse(bearerToken(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if !claims.HasRoom(roomID) {
		http.Error(w, auth.ErrNotRoomMember.Error(), http.StatusForbidden)
		return
	}

	decision, err := h.access.Validate(r.Context(), roomID, claims.ParticipantID, claims.Role)
	if err != nil {
		log.Printf("Access validation failed: room=%s participant=%s: %v", roomID, claims.ParticipantID, err)
		http.Error(w, "Access validation failed", http.StatusInternalServerError)
		return
	}
	if !decision.Allowed {
		writeDecision(w, http.StatusForbidden, decision)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := NewConnection(ws, frameCodec, h.settings)
	displayName := claims.DisplayName
	if displayName == "" {
		displayName = claims.ParticipantID
	}
	if err := conn.SetCredentials(claims.ParticipantID, displayName, claims.Role, roomID); err != nil {
		log.Printf("Failed to set credentials: %v", err)
		_ = conn.Close()
		return
	}

	go h.serve(conn)
}

func roomEnded(env *types.Envelope) bool {
	if env.EventType != types.EventRoomStatusChanged {
		return false
	}
	var payload types.RoomStatusPayload
	return env.Decode(&payload) == nil && payload.Status == types.RoomEnded
}

func writeDecision(w http.ResponseWriter, status int, decision access.Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(decision)
}

// serve runs one connection from registration to cleanup
func (h *Handler) serve(conn *Connection) {
	ctx := context.Background()
	roomID := conn.GetRoomID()
	participantID := conn.GetParticipantID()
	role := conn.GetRole()

	if err := h.registry.Register(conn); err != nil {
		log.Printf("Failed to register connection: %v", err)
		_ = conn.Close()
		return
	}
	log.Printf("Connection registered: participant=%s role=%s room=%s codec=%s", participantID, role, roomID, conn.Codec().Name())

	unsubscribe, err := h.hub.Subscribe(roomID, types.EventAll, func(env *types.Envelope) {
		if err := conn.WriteEnvelope(env); err != nil && !errors.Is(err, ErrConnectionClosed) {
			log.Printf("Failed to deliver %s to %s: %v", env.EventType, participantID, err)
		}
		if roomEnded(env) {
			conn.CloseAfterFlush()
		}
	}, hub.OnEvict(func() {
		// The client falls behind; closing makes it reconnect and resync.
		log.Printf("Closing evicted connection: participant=%s room=%s", participantID, roomID)
		_ = conn.Close()
	}))
	if err != nil {
		log.Printf("Failed to subscribe connection: %v", err)
		h.registry.Unregister(conn)
		_ = conn.Close()
		return
	}
	defer unsubscribe()

	if role == types.RoleTeacher && h.rooms != nil {
		if _, err := h.rooms.Activate(ctx, roomID, participantID); err != nil {
			log.Printf("Failed to activate room %s: %v", roomID, err)
		}
	}

	participant := types.Participant{
		ID:          participantID,
		DisplayName: conn.GetDisplayName(),
		Role:        role,
		Status:      types.StatusConnected,
	}
	if _, err := h.presence.Join(ctx, roomID, participant); err != nil {
		log.Printf("Presence join failed: participant=%s room=%s: %v", participantID, roomID, err)
		h.registry.Unregister(conn)
		_ = conn.Close()
		return
	}
	defer h.leave(conn)

	if err := h.router.ReplayHistory(ctx, conn); err != nil {
		log.Printf("Failed to replay history to %s: %v", participantID, err)
	}
	if err := h.router.Sync(ctx, conn); err != nil {
		log.Printf("Initial sync failed for %s: %v", participantID, err)
	}

	h.readLoop(ctx, conn)
}

func (h *Handler) readLoop(ctx context.Context, conn *Connection) {
	conn.conn.SetReadLimit(h.settings.MaxMessageSize)
	if h.settings.PongWait > 0 {
		if err := conn.conn.SetReadDeadline(time.Now().Add(h.settings.PongWait)); err != nil {
			return
		}
		conn.conn.SetPongHandler(func(string) error {
			return conn.conn.SetReadDeadline(time.Now().Add(h.settings.PongWait))
		})
	}

	for {
		env, err := conn.ReadEnvelope()
		if errors.Is(err, codec.ErrInvalidFrame) {
			// A frame that does not decode is rejected, not fatal.
			h.reject(conn, err)
			continue
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: participant=%s: %v", conn.GetParticipantID(), err)
			}
			return
		}
		h.router.HandleEnvelope(ctx, conn, env)
	}
}

func (h *Handler) reject(conn *Connection, cause error) {
	env, err := types.NewEnvelope(conn.GetRoomID(), types.EventCommandRejected, "", types.RejectionPayload{Reason: cause.Error()})
	if err != nil {
		return
	}
	_ = conn.WriteEnvelope(env)
}

// leave unregisters conn and removes its participant from the roster. A
// connection replaced by a newer one for the same participant leaves the
// roster untouched.
func (h *Handler) leave(conn *Connection) {
	defer func() { _ = conn.Close() }()

	if !h.registry.Unregister(conn) {
		return
	}
	ctx := context.Background()
	roomID := conn.GetRoomID()
	participantID := conn.GetParticipantID()

	if h.settings.LeaveGrace <= 0 {
		h.registry.RunIfAbsent(roomID, participantID, func() {
			h.presence.Leave(ctx, roomID, participantID)
		})
		return
	}

	if _, err := h.presence.SetStatus(ctx, roomID, participantID, types.StatusReconnecting); err != nil {
		log.Printf("Failed to mark %s reconnecting: %v", participantID, err)
	}
	h.clock.AfterFunc(h.settings.LeaveGrace, func() {
		h.registry.RunIfAbsent(roomID, participantID, func() {
			h.presence.Leave(ctx, roomID, participantID)
		})
	})
}

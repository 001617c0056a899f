package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strings"
	"time"

	"roomsync/internal/access"
	"roomsync/internal/auth"
	"roomsync/internal/hub"
	"roomsync/internal/session"
	"roomsync/internal/websocket"
	"roomsync/pkg/interfaces"
	"roomsync/pkg/types"
)

// RoomService is the room lifecycle surface the API exposes
type RoomService interface {
	CreateRoom(ctx context.Context, req session.CreateRequest) (*types.Room, error)
	GetRoom(ctx context.Context, roomID string) (*types.Room, error)
	ListRooms(ctx context.Context, status types.RoomStatus) ([]*types.Room, error)
	End(ctx context.Context, roomID, actorID string) (*types.Room, error)
}

// Roster reads the server-side presence roster
type Roster interface {
	Snapshot(roomID string) []types.Participant
}

// Slides reads authoritative interaction state
type Slides interface {
	States(ctx context.Context, sessionID string) ([]types.InteractionState, error)
	State(ctx context.Context, sessionID, slideID string) (types.InteractionState, error)
	Aggregate(ctx context.Context, sessionID, slideID string) (types.Aggregate, error)
}

// AccessChecker evaluates the access window without joining
type AccessChecker interface {
	Validate(ctx context.Context, roomID, participantID string, role types.Role) (access.Decision, error)
}

// Registry interface to avoid tight coupling to websocket.Registry implementation
type Registry interface {
	RoomConnections(roomID string) []*websocket.Connection
	Stats() map[string]int
}

// HubStats reports transport channel usage
type HubStats interface {
	Stats() hub.Stats
}

// HealthChecker reports store health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies of the API server. Verifier is optional: when set, a bearer
// token identifies the actor of room-ending requests.
type Dependencies struct {
	Rooms    RoomService
	Roster   Roster
	Slides   Slides
	Access   AccessChecker
	Registry Registry
	Hub      HubStats
	Health   HealthChecker
	Verifier *auth.Verifier
}

// Server serves the REST surface. It holds no business logic, only HTTP
// handling and JSON serialization.
type Server struct {
	deps    Dependencies
	mux     *http.ServeMux
	handler http.Handler
	started time.Time
}

// NewServer creates the server and registers its routes
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps:    deps,
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	s.setupRoutes()
	s.handler = s.corsMiddleware(s.jsonMiddleware(s.mux))
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/rooms", s.listRooms)
	s.mux.HandleFunc("POST /api/rooms", s.createRoom)
	s.mux.HandleFunc("GET /api/rooms/{id}", s.getRoom)
	s.mux.HandleFunc("DELETE /api/rooms/{id}", s.endRoom)
	s.mux.HandleFunc("GET /api/rooms/{id}/presence", s.getPresence)
	s.mux.HandleFunc("GET /api/rooms/{id}/slides", s.listSlides)
	s.mux.HandleFunc("GET /api/rooms/{id}/slides/{slide}", s.getSlide)
	s.mux.HandleFunc("GET /api/rooms/{id}/access", s.checkAccess)
	s.mux.HandleFunc("GET /health", s.healthCheck)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type RoomResponse struct {
	Room            *types.Room `json:"room"`
	ConnectionCount int         `json:"connection_count"`
}

type ListRoomsResponse struct {
	Rooms []RoomResponse `json:"rooms"`
}

type PresenceResponse struct {
	RoomID       string              `json:"room_id"`
	Participants []types.Participant `json:"participants"`
}

type SlideResponse struct {
	State     types.InteractionState `json:"state"`
	Aggregate types.Aggregate        `json:"aggregate"`
}

type ListSlidesResponse struct {
	Slides []types.InteractionState `json:"slides"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	Hub         hub.Stats      `json:"hub"`
	System      map[string]any `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// POST /api/rooms
func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	room, err := s.deps.Rooms.CreateRoom(r.Context(), req)
	if err != nil {
		switch {
		case isValidationError(err):
			s.sendError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, session.ErrRoomExists):
			s.sendError(w, "Room already exists", http.StatusConflict)
		default:
			log.Printf("Failed to create room: %v", err)
			s.sendError(w, "Failed to create room", http.StatusInternalServerError)
		}
		return
	}

	s.writeJSON(w, http.StatusCreated, RoomResponse{Room: room})
}

// GET /api/rooms?status=
func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	status := types.RoomStatus(r.URL.Query().Get("status"))
	switch status {
	case "", types.RoomWaiting, types.RoomActive, types.RoomEnded:
	default:
		s.sendError(w, "Invalid status filter", http.StatusBadRequest)
		return
	}

	rooms, err := s.deps.Rooms.ListRooms(r.Context(), status)
	if err != nil {
		log.Printf("Failed to list rooms: %v", err)
		s.sendError(w, "Failed to list rooms", http.StatusInternalServerError)
		return
	}

	out := make([]RoomResponse, len(rooms))
	for i, room := range rooms {
		out[i] = RoomResponse{Room: room, ConnectionCount: len(s.deps.Registry.RoomConnections(room.ID))}
	}
	s.writeJSON(w, http.StatusOK, ListRoomsResponse{Rooms: out})
}

// GET /api/rooms/{id}
func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, RoomResponse{
		Room:            room,
		ConnectionCount: len(s.deps.Registry.RoomConnections(room.ID)),
	})
}

// DELETE /api/rooms/{id} ends the room. Connected clients receive
// room_status_changed and are then disconnected by their handlers.
func (s *Server) endRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if !types.IsValidID(roomID) {
		s.sendError(w, "Invalid room ID", http.StatusBadRequest)
		return
	}
	actorID, err := s.actor(r)
	if err != nil {
		s.sendError(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	room, err := s.deps.Rooms.End(r.Context(), roomID, actorID)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrRoomNotFound):
			s.sendError(w, "Room not found", http.StatusNotFound)
		case errors.Is(err, session.ErrRoomAlreadyEnded):
			s.sendError(w, "Room already ended", http.StatusConflict)
		case errors.Is(err, session.ErrNotRoomOwner):
			s.sendError(w, err.Error(), http.StatusForbidden)
		default:
			log.Printf("Failed to end room %s: %v", roomID, err)
			s.sendError(w, "Failed to end room", http.StatusInternalServerError)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, RoomResponse{Room: room})
}

// GET /api/rooms/{id}/presence
func (s *Server) getPresence(w http.ResponseWriter, r *http.Request) {
	room, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, PresenceResponse{RoomID: room.ID, Participants: s.deps.Roster.Snapshot(room.ID)})
}

// GET /api/rooms/{id}/slides
func (s *Server) listSlides(w http.ResponseWriter, r *http.Request) {
	room, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}
	states, err := s.deps.Slides.States(r.Context(), room.ID)
	if err != nil {
		log.Printf("Failed to list slides of room %s: %v", room.ID, err)
		s.sendError(w, "Failed to list slides", http.StatusInternalServerError)
		return
	}
	if states == nil {
		states = []types.InteractionState{}
	}
	s.writeJSON(w, http.StatusOK, ListSlidesResponse{Slides: states})
}

// GET /api/rooms/{id}/slides/{slide} returns the full teacher view
func (s *Server) getSlide(w http.ResponseWriter, r *http.Request) {
	room, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}
	slideID := r.PathValue("slide")
	if !types.IsValidID(slideID) {
		s.sendError(w, "Invalid slide ID", http.StatusBadRequest)
		return
	}

	state, err := s.deps.Slides.State(r.Context(), room.ID, slideID)
	if err != nil {
		log.Printf("Failed to read slide %s/%s: %v", room.ID, slideID, err)
		s.sendError(w, "Failed to read slide", http.StatusInternalServerError)
		return
	}
	agg, err := s.deps.Slides.Aggregate(r.Context(), room.ID, slideID)
	if err != nil {
		log.Printf("Failed to aggregate slide %s/%s: %v", room.ID, slideID, err)
		s.sendError(w, "Failed to read slide", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, SlideResponse{State: state, Aggregate: agg})
}

// GET /api/rooms/{id}/access?participant_id=&role= evaluates the access
// window without joining. Denials are 200 with allowed=false.
func (s *Server) checkAccess(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	query := r.URL.Query()
	participantID := query.Get("participant_id")
	role := types.Role(query.Get("role"))
	if !types.IsValidID(roomID) || !types.IsValidID(participantID) {
		s.sendError(w, "room and participant_id are required", http.StatusBadRequest)
		return
	}
	if !types.IsValidRole(role) {
		s.sendError(w, types.ErrInvalidRole.Error(), http.StatusBadRequest)
		return
	}

	decision, err := s.deps.Access.Validate(r.Context(), roomID, participantID, role)
	if err != nil {
		log.Printf("Access check failed for room %s: %v", roomID, err)
		s.sendError(w, "Access validation failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, decision)
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if s.deps.Health != nil {
		if err := s.deps.Health.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.deps.Registry.Stats(),
		System: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}
	if s.deps.Hub != nil {
		response.Hub = s.deps.Hub.Stats()
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

func (s *Server) lookupRoom(w http.ResponseWriter, r *http.Request) (*types.Room, bool) {
	roomID := r.PathValue("id")
	if !types.IsValidID(roomID) {
		s.sendError(w, "Invalid room ID", http.StatusBadRequest)
		return nil, false
	}
	room, err := s.deps.Rooms.GetRoom(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, interfaces.ErrRoomNotFound) {
			s.sendError(w, "Room not found", http.StatusNotFound)
		} else {
			log.Printf("Failed to get room %s: %v", roomID, err)
			s.sendError(w, "Failed to get room", http.StatusInternalServerError)
		}
		return nil, false
	}
	return room, true
}

// actor identifies the caller from a bearer token. No token means an
// administrative request.
func (s *Server) actor(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if s.deps.Verifier == nil || header == "" {
		return "", nil
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", auth.ErrInvalidToken
	}
	claims, err := s.deps.Verifier.Parse(token)
	if err != nil {
		return "", err
	}
	return claims.ParticipantID, nil
}

func isValidationError(err error) bool {
	for _, target := range []error{
		types.ErrInvalidID, types.ErrInvalidRoomName, types.ErrInvalidSchedule,
		types.ErrInvalidRole, types.ErrInvalidPayload,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// corsMiddleware allows browser clients on other origins
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

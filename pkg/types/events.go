package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names a topic within a room
type EventType string

// EventAll subscribes to every event type in a room
const EventAll EventType = "*"

// Broadcast events (server -> clients)
const (
	EventPresenceJoined   EventType = "presence_joined"
	EventPresenceLeft     EventType = "presence_left"
	EventPresenceUpdated  EventType = "presence_updated"
	EventPresenceSnapshot EventType = "presence_snapshot"

	EventInteractionStateChanged EventType = "interaction_state_changed"
	EventAggregateUpdated        EventType = "aggregate_updated"

	EventChatMessage      EventType = "chat_message"
	EventWhiteboardStroke EventType = "whiteboard_stroke"

	EventRoomStatusChanged EventType = "room_status_changed"
	EventSyncComplete      EventType = "sync_complete"
	EventCommandRejected   EventType = "command_rejected"
	EventAccessDenied      EventType = "access_denied"
)

// Commands (client -> server)
const (
	CommandInteractionStart  EventType = "interaction_start"
	CommandInteractionLock   EventType = "interaction_lock"
	CommandInteractionReveal EventType = "interaction_reveal"
	CommandInteractionReset  EventType = "interaction_reset"
	CommandResponseSubmit    EventType = "response_submit"
	CommandPresenceSetFlag   EventType = "presence_set_flag"
	CommandSyncRequest       EventType = "sync_request"
)

// IsArtifact reports whether events of this type are persisted as room history
func (t EventType) IsArtifact() bool {
	return t == EventChatMessage || t == EventWhiteboardStroke
}

// Envelope carries one event on the transport channel
type Envelope struct {
	ID        string          `json:"id"`
	EventType EventType       `json:"event_type"`
	RoomID    string          `json:"room_id"`
	SenderID  string          `json:"sender_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope builds an envelope with a fresh ID and a JSON payload
func NewEnvelope(roomID string, eventType EventType, senderID string, payload any) (*Envelope, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		raw = data
	}

	return &Envelope{
		ID:        uuid.New().String(),
		EventType: eventType,
		RoomID:    roomID,
		SenderID:  senderID,
		Payload:   raw,
		Timestamp: time.Now(),
	}, nil
}

// Decode unmarshals the payload into v
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// PresencePayload accompanies presence_joined and presence_updated
type PresencePayload struct {
	Participant Participant `json:"participant"`
}

// PresenceLeftPayload accompanies presence_left
type PresenceLeftPayload struct {
	ParticipantID string `json:"participant_id"`
}

// PresenceSnapshotPayload carries a full roster
type PresenceSnapshotPayload struct {
	Participants []Participant `json:"participants"`
}

// InteractionCommand is sent by a teacher to drive a slide interaction.
// ExpectedVersion is the version the client believed it was acting on.
type InteractionCommand struct {
	SessionID       string          `json:"session_id,omitempty"`
	SlideID         string          `json:"slide_id"`
	Kind            InteractionKind `json:"kind,omitempty"`
	CorrectAnswer   string          `json:"correct_answer,omitempty"`
	ExpectedVersion int64           `json:"expected_version"`
}

// SubmitCommand carries a student's response
type SubmitCommand struct {
	SessionID  string `json:"session_id,omitempty"`
	ResponseID string `json:"response_id"`
	SlideID    string `json:"slide_id"`
	Version    int64  `json:"version"`
	Value      string `json:"value"`
}

// SetFlagCommand updates one presence flag. ParticipantID defaults to the sender.
type SetFlagCommand struct {
	ParticipantID string `json:"participant_id,omitempty"`
	Flag          Flag   `json:"flag"`
	Value         bool   `json:"value"`
}

// RoomStatusPayload accompanies room_status_changed
type RoomStatusPayload struct {
	RoomID string     `json:"room_id"`
	Status RoomStatus `json:"status"`
}

// RejectionPayload accompanies command_rejected and access_denied
type RejectionPayload struct {
	Command EventType `json:"command,omitempty"`
	SlideID string    `json:"slide_id,omitempty"`
	Reason  string    `json:"reason"`
}

// SyncCompletePayload closes the burst of events answering a sync_request
type SyncCompletePayload struct {
	Participants int `json:"participants"`
	Slides       int `json:"slides"`
}

// ChatPayload accompanies chat_message
type ChatPayload struct {
	Text string `json:"text"`
}

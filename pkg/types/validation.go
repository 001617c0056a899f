package types

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Regex compiled once at package initialization
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// MaxPayloadSize bounds every envelope payload (64KB)
const MaxPayloadSize = 65536

// IsValidID checks room, participant, slide and session identifiers
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return idRegex.MatchString(id)
}

// IsValidRole checks the role is one of the two known roles
func IsValidRole(role Role) bool {
	return role == RoleTeacher || role == RoleStudent
}

// IsValidKind checks the interaction kind
func IsValidKind(kind InteractionKind) bool {
	return kind == KindQuiz || kind == KindPoll
}

// IsValidCommand reports whether a client may send this event type
func IsValidCommand(eventType EventType) bool {
	switch eventType {
	case CommandInteractionStart,
		CommandInteractionLock,
		CommandInteractionReveal,
		CommandInteractionReset,
		CommandResponseSubmit,
		CommandPresenceSetFlag,
		CommandSyncRequest,
		EventChatMessage,
		EventWhiteboardStroke:
		return true
	default:
		return false
	}
}

// Validate ensures the room meets all requirements
func (r *Room) Validate() error {
	if !IsValidID(r.ID) || !IsValidID(r.TeacherID) {
		return ErrInvalidID
	}
	if utf8.RuneCountInString(r.Name) < 1 || utf8.RuneCountInString(r.Name) > 200 {
		return ErrInvalidRoomName
	}
	if r.Duration <= 0 {
		return ErrInvalidSchedule
	}
	for _, id := range r.StudentIDs {
		if !IsValidID(id) {
			return ErrInvalidID
		}
	}
	return nil
}

// Validate ensures the participant record is well formed
func (p *Participant) Validate() error {
	if !IsValidID(p.ID) {
		return ErrInvalidID
	}
	if !IsValidRole(p.Role) {
		return ErrInvalidRole
	}
	if utf8.RuneCountInString(p.DisplayName) > 100 {
		return ErrInvalidDisplayName
	}
	return nil
}

// Validate ensures the response carries its dedup key and a value
func (r *Response) Validate() error {
	if r.ID == "" || r.Value == "" {
		return ErrInvalidResponse
	}
	if !IsValidID(r.ParticipantID) || !IsValidID(r.SlideID) {
		return ErrInvalidResponse
	}
	if len(r.Value) > 1024 {
		return ErrPayloadTooLarge
	}
	return nil
}

// Validate checks envelope shape and payload size
func (e *Envelope) Validate() error {
	if e.EventType == "" || e.EventType == EventAll {
		return ErrInvalidEventType
	}
	if !IsValidID(e.RoomID) {
		return ErrInvalidID
	}
	if len(e.Payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	return nil
}

// MaxChatLength bounds one chat line in characters
const MaxChatLength = 2000

// Validate ensures a chat line is non-blank and bounded
func (c *ChatPayload) Validate() error {
	if strings.TrimSpace(c.Text) == "" || utf8.RuneCountInString(c.Text) > MaxChatLength {
		return ErrInvalidPayload
	}
	return nil
}

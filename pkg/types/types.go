package types

import (
	"encoding/json"
	"time"
)

// Role of a participant inside a room
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// RoomStatus tracks the session lifecycle of a room
type RoomStatus string

const (
	RoomWaiting RoomStatus = "waiting"
	RoomActive  RoomStatus = "active"
	RoomEnded   RoomStatus = "ended"
)

// Room identifies one live classroom instance.
// StudentIDs is the enrollment list; an empty list means any student holding
// a membership claim for the room may enter.
type Room struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	TeacherID      string        `json:"teacher_id"`
	StudentIDs     []string      `json:"student_ids"`
	ScheduledStart time.Time     `json:"scheduled_start"`
	Duration       time.Duration `json:"duration"`
	Status         RoomStatus    `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
}

// ScheduledEnd returns the end of the scheduled window
func (r *Room) ScheduledEnd() time.Time {
	return r.ScheduledStart.Add(r.Duration)
}

// IsEnrolled reports whether a student may join based on the enrollment list
func (r *Room) IsEnrolled(studentID string) bool {
	if len(r.StudentIDs) == 0 {
		return true
	}
	for _, id := range r.StudentIDs {
		if id == studentID {
			return true
		}
	}
	return false
}

// ConnectionStatus of one participant's client
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// Flag names one ephemeral participant flag
type Flag string

const (
	FlagMuted       Flag = "muted"
	FlagCameraOff   Flag = "camera_off"
	FlagHandRaised  Flag = "hand_raised"
	FlagSpotlighted Flag = "spotlighted"
)

// Flags are advisory UI signals; last write wins
type Flags struct {
	Muted       bool `json:"muted"`
	CameraOff   bool `json:"camera_off"`
	HandRaised  bool `json:"hand_raised"`
	Spotlighted bool `json:"spotlighted"`
}

// Set updates a single flag by name
func (f *Flags) Set(flag Flag, value bool) error {
	switch flag {
	case FlagMuted:
		f.Muted = value
	case FlagCameraOff:
		f.CameraOff = value
	case FlagHandRaised:
		f.HandRaised = value
	case FlagSpotlighted:
		f.Spotlighted = value
	default:
		return ErrInvalidFlag
	}
	return nil
}

// Participant is one connected client within a room
type Participant struct {
	ID          string           `json:"id"`
	DisplayName string           `json:"display_name"`
	Role        Role             `json:"role"`
	Status      ConnectionStatus `json:"status"`
	Flags       Flags            `json:"flags"`
	JoinedAt    time.Time        `json:"joined_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// InteractionKind distinguishes quiz and poll interactions
type InteractionKind string

const (
	KindQuiz InteractionKind = "quiz"
	KindPoll InteractionKind = "poll"
)

// Phase of a slide interaction lifecycle: idle -> active -> locked -> revealed
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseActive   Phase = "active"
	PhaseLocked   Phase = "locked"
	PhaseRevealed Phase = "revealed"
)

// Rank orders phases within one version. Transitions never lower the rank
// without a version bump.
func (p Phase) Rank() int {
	switch p {
	case PhaseIdle:
		return 0
	case PhaseActive:
		return 1
	case PhaseLocked:
		return 2
	case PhaseRevealed:
		return 3
	default:
		return -1
	}
}

// AcceptsResponses reports whether the phase is open for submissions
func (p Phase) AcceptsResponses() bool {
	return p == PhaseActive
}

// InteractionState is the authoritative state of one (session, slide) pair
type InteractionState struct {
	SessionID     string          `json:"session_id"`
	SlideID       string          `json:"slide_id"`
	Kind          InteractionKind `json:"kind"`
	Phase         Phase           `json:"phase"`
	Version       int64           `json:"version"`
	Revealed      bool            `json:"revealed"`
	CorrectAnswer string          `json:"correct_answer,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ForRole hides the correct answer from students until the quiz is revealed
func (s InteractionState) ForRole(role Role) InteractionState {
	if role == RoleStudent && !s.Revealed {
		s.CorrectAnswer = ""
	}
	return s
}

// Response is one vote/answer for a slide interaction.
// ID is assigned client-side so that resubmission is idempotent.
type Response struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	SlideID       string    `json:"slide_id"`
	ParticipantID string    `json:"participant_id"`
	Version       int64     `json:"version"`
	Value         string    `json:"value"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// Aggregate is derived from the ledger contents for one version
type Aggregate struct {
	SessionID    string         `json:"session_id"`
	SlideID      string         `json:"slide_id"`
	Version      int64          `json:"version"`
	Total        int            `json:"total"`
	Distribution map[string]int `json:"distribution"`
	CorrectCount *int           `json:"correct_count,omitempty"`
}

// Artifact is a free-form collaborative item (chat line, whiteboard stroke)
type Artifact struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"room_id"`
	Kind      EventType       `json:"kind"`
	SenderID  string          `json:"sender_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

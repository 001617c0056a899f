// Package access decides whether a participant may enter a room right now.
// It runs once per join attempt, before any transport is established.
package access

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"roomsync/internal/clock"
	"roomsync/pkg/interfaces"
	"roomsync/pkg/types"
)

// DefaultBuffer is how long before the scheduled start students may enter
const DefaultBuffer = 10 * time.Minute

// Reason explains a decision
type Reason string

const (
	ReasonOK           Reason = "ok"
	ReasonTeacherOwner Reason = "teacher_owner"
	ReasonNotOwner     Reason = "not_owner"
	ReasonNotMember    Reason = "not_member"
	ReasonRoomNotFound Reason = "room_not_found"
	ReasonRoomEnded    Reason = "room_ended"
	ReasonTooEarly     Reason = "too_early"
	ReasonWindowClosed Reason = "window_closed"
	ReasonInvalidRole  Reason = "invalid_role"
)

// Decision is the outcome of one validation. A denial is final for that
// attempt; the caller must validate again to retry.
type Decision struct {
	Allowed  bool      `json:"allowed"`
	Reason   Reason    `json:"reason"`
	OpensAt  time.Time `json:"opens_at,omitempty"`
	ClosesAt time.Time `json:"closes_at,omitempty"`
}

// RoomLookup finds the room a participant wants to enter
type RoomLookup interface {
	GetRoom(ctx context.Context, roomID string) (*types.Room, error)
}

// Validator applies the access window rule
type Validator struct {
	rooms  RoomLookup
	buffer time.Duration
	clock  clock.Clock
}

// NewValidator creates a validator. A negative buffer selects DefaultBuffer.
func NewValidator(rooms RoomLookup, buffer time.Duration, clk clock.Clock) *Validator {
	if buffer < 0 {
		buffer = DefaultBuffer
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Validator{rooms: rooms, buffer: buffer, clock: clk}
}

// Window returns the student entry window of a room
func (v *Validator) Window(room *types.Room) (opens, closes time.Time) {
	return room.ScheduledStart.Add(-v.buffer), room.ScheduledEnd()
}

// Validate decides whether participantID may enter roomID with role. Only
// lookup failures are returned as errors; every denial is a Decision.
func (v *Validator) Validate(ctx context.Context, roomID, participantID string, role types.Role) (Decision, error) {
	if !types.IsValidRole(role) {
		return deny(ReasonInvalidRole), nil
	}

	room, err := v.rooms.GetRoom(ctx, roomID)
	if errors.Is(err, interfaces.ErrRoomNotFound) {
		return deny(ReasonRoomNotFound), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("lookup room %s: %w", roomID, err)
	}

	if role == types.RoleTeacher {
		if room.TeacherID == participantID {
			return Decision{Allowed: true, Reason: ReasonTeacherOwner}, nil
		}
		return v.denied(roomID, participantID, deny(ReasonNotOwner)), nil
	}

	if room.Status == types.RoomEnded {
		return v.denied(roomID, participantID, deny(ReasonRoomEnded)), nil
	}
	if !room.IsEnrolled(participantID) {
		return v.denied(roomID, participantID, deny(ReasonNotMember)), nil
	}

	opens, closes := v.Window(room)
	now := v.clock.Now()
	decision := Decision{OpensAt: opens, ClosesAt: closes}
	switch {
	case now.Before(opens):
		decision.Reason = ReasonTooEarly
	case now.After(closes):
		decision.Reason = ReasonWindowClosed
	default:
		decision.Allowed = true
		decision.Reason = ReasonOK
		return decision, nil
	}
	return v.denied(roomID, participantID, decision), nil
}

func (v *Validator) denied(roomID, participantID string, d Decision) Decision {
	log.Printf("Access denied: room=%s participant=%s reason=%s", roomID, participantID, d.Reason)
	return d
}

func deny(reason Reason) Decision {
	return Decision{Reason: reason}
}

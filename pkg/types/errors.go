package types

import "errors"

// Validation errors shared by every component
var (
	ErrInvalidID          = errors.New("identifier must be 1-64 characters, alphanumeric + underscore/hyphen/dot only")
	ErrInvalidRole        = errors.New("invalid role: must be 'teacher' or 'student'")
	ErrInvalidRoomName    = errors.New("room name must be 1-200 characters")
	ErrInvalidSchedule    = errors.New("room duration must be positive")
	ErrInvalidFlag        = errors.New("invalid presence flag")
	ErrInvalidKind        = errors.New("invalid interaction kind: must be 'quiz' or 'poll'")
	ErrInvalidEventType   = errors.New("invalid event type")
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrPayloadTooLarge    = errors.New("payload exceeds 64KB limit")
	ErrInvalidResponse    = errors.New("response requires id, participant, slide and value")
	ErrInvalidDisplayName = errors.New("display name must be at most 100 characters")
)

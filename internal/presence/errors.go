package presence

import "errors"

var (
	ErrParticipantNotFound = errors.New("participant not in room")
	ErrInvalidStatus       = errors.New("invalid connection status")
)

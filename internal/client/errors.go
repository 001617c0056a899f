package client

import (
	"errors"
	"fmt"

	"roomsync/internal/access"
)

var (
	ErrNotConnected  = errors.New("client not connected")
	ErrClosed        = errors.New("client closed")
	ErrRoomEnded     = errors.New("room has ended")
	ErrSyncTimeout   = errors.New("timed out waiting for sync_complete")
	ErrJoinRefused   = errors.New("join refused")
	ErrNotAccepting  = errors.New("slide is not accepting responses")
	ErrUnknownAction = errors.New("unknown interaction action")
)

// RefusedError is returned when the server refuses the upgrade. Decision is
// set when the refusal came from the access window check.
type RefusedError struct {
	StatusCode int
	Decision   *access.Decision
}

func (e *RefusedError) Error() string {
	if e.Decision != nil {
		return fmt.Sprintf("join refused: status %d (%s)", e.StatusCode, e.Decision.Reason)
	}
	return fmt.Sprintf("join refused: status %d", e.StatusCode)
}

func (e *RefusedError) Is(target error) bool {
	return target == ErrJoinRefused
}

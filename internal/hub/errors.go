package hub

import "errors"

// Hub-specific error types
var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrInvalidRoom       = errors.New("invalid room identifier")
	ErrInvalidEventType  = errors.New("invalid event type")
	ErrNilHandler        = errors.New("subscription handler must not be nil")
)

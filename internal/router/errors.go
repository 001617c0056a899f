package router

import "errors"

// Router errors. Each is reported to the sender as command_rejected.
var (
	ErrInvalidCommand      = errors.New("invalid command")
	ErrUnauthorizedCommand = errors.New("role not authorized for this command")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrNotAuthenticated    = errors.New("connection not authenticated")
	ErrWrongRoom           = errors.New("command addressed to another room")
	ErrFlagNotPermitted    = errors.New("not permitted to set this flag")
)

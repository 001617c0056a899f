package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrStateNotFound = errors.New("interaction state not found")
	ErrUnauthorized  = errors.New("unauthorized access")
)

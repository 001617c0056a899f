package session

import "errors"

// Room lifecycle errors
var (
	ErrRoomEnded        = errors.New("room has ended")
	ErrRoomAlreadyEnded = errors.New("room is already ended")
	ErrNotRoomOwner     = errors.New("only the owning teacher may end the room")
	ErrRoomExists       = errors.New("room already exists")
)

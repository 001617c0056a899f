package ledger

import "errors"

var (
	ErrInvalidSession = errors.New("invalid session identifier")
	ErrInvalidSlide   = errors.New("invalid slide identifier")
)

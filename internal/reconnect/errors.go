package reconnect

import "errors"

var (
	ErrReconnectFailed = errors.New("reconnection failed: maximum attempts exhausted")
	ErrInvalidPolicy   = errors.New("invalid reconnect policy")
	ErrStopped         = errors.New("reconnect controller stopped")
)

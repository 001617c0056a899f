package interaction

import "errors"

var (
	ErrInvalidTransition = errors.New("transition not allowed from current phase")
	ErrRevealNotQuiz     = errors.New("only quiz interactions can be revealed")
	ErrUnknownAction     = errors.New("unknown interaction action")
	ErrStaleVersion      = errors.New("response targets a superseded version")
	ErrNotAccepting      = errors.New("interaction is not accepting responses")
	ErrInvalidSlide      = errors.New("invalid slide identifier")
)

package engine

import "errors"

var (
	ErrAlreadyStarted        = errors.New("attempt already started")
	ErrNotActive             = errors.New("attempt is not active")
	ErrUnknownQuestion       = errors.New("unknown question")
	ErrUnknownChoice         = errors.New("unknown choice for question")
	ErrWrongQuestionType     = errors.New("operation does not match question type")
	ErrOutsideSection        = errors.New("question is outside the current section")
	ErrOutOfRange            = errors.New("no question in that direction")
	ErrInvalidDirection      = errors.New("direction must be -1 or 1")
	ErrNoSections            = errors.New("assessment has no sections")
	ErrNoPendingConfirmation = errors.New("section completion was not requested")
	ErrSubmitInProgress      = errors.New("submission already in progress")
	ErrRetriesExhausted      = errors.New("automatic submission retries exhausted")
	ErrFullscreenRequired    = errors.New("fullscreen must be entered first")
	ErrRoomNotOpen           = errors.New("virtual room has not started")
	ErrRoomClosed            = errors.New("virtual room already ended")
	ErrRemoved               = errors.New("participant was removed from the room")
	ErrRunnerStopped         = errors.New("attempt runner stopped")
)

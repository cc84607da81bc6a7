package steps

import "errors"

var (
	ErrActionNotFound = errors.New("action not found")
	ErrMissingInput   = errors.New("missing required input")
	ErrStepFailed     = errors.New("step failed")
	ErrTimedOut       = errors.New("timed out")
	ErrCancelled      = errors.New("cancelled")
)

package sequence

import "errors"

var (
	ErrEmptyPrompt       = errors.New("sequence: empty prompt")
	ErrOutOfRange        = errors.New("sequence: index out of range")
	ErrInvalidTransition = errors.New("sequence: invalid status transition")
	ErrInvalidBlockSize  = errors.New("sequence: block size must be positive")
	ErrInvalidSampling   = errors.New("sequence: invalid sampling params")
)

package relay

import (
	"errors"
	"fmt"
)

// ErrEmptyText is returned for utterances with nothing to read.
var ErrEmptyText = errors.New("nothing to read")

// Error reports the step of an utterance that failed.
type Error struct {
	Op    string // "prepare", "synthesize" or "enqueue"
	Guild string
	Err   error
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("relay %s (guild %s): %v", e.Op, e.Guild, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

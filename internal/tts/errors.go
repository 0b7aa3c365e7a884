package tts

import (
	"errors"
	"fmt"
)

// Synthesis failure kinds. Every error returned by the client matches exactly
// one of these with errors.Is.
var (
	// ErrEngineUnreachable indicates a transport failure or timeout
	ErrEngineUnreachable = errors.New("synthesis engine unreachable")

	// ErrEngineRejected indicates the engine answered with a non-2xx status
	ErrEngineRejected = errors.New("synthesis engine rejected request")

	// ErrEmptyResponse indicates the engine answered with no body
	ErrEmptyResponse = errors.New("synthesis engine returned an empty response")

	// ErrConcatenationFailed indicates ffmpeg could not join segments
	ErrConcatenationFailed = errors.New("audio concatenation failed")

	// ErrEmptyText indicates there was nothing to synthesize
	ErrEmptyText = errors.New("text is empty")
)

// SynthesisError describes a failed engine interaction.
type SynthesisError struct {
	Kind   error  // One of the sentinel errors above
	Op     string // "audio_query", "synthesis", "speakers", "version" or "concat"
	Status int    // HTTP status when Kind is ErrEngineRejected
	Body   string // Head of the HTTP response body or tail of ffmpeg stderr, if any
	Err    error  // Underlying cause
}

// Error implements the error interface
func (e *SynthesisError) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *SynthesisError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// StatusCode returns the HTTP status carried by a rejection.
func StatusCode(err error) (int, bool) {
	var se *SynthesisError
	if errors.As(err, &se) && se.Status != 0 {
		return se.Status, true
	}
	return 0, false
}

func unreachable(op string, err error) *SynthesisError {
	return &SynthesisError{Kind: ErrEngineUnreachable, Op: op, Err: err}
}

package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when enqueueing to a guild without a voice session
	ErrNotConnected = errors.New("not connected to a voice channel")

	// ErrChannelNotFound is returned when the target channel does not exist
	ErrChannelNotFound = errors.New("voice channel not found")

	// ErrNotVoiceChannel is returned when the target channel cannot carry voice
	ErrNotVoiceChannel = errors.New("channel is not a voice channel")

	// ErrConnectFailed is returned when the voice session could not be established
	ErrConnectFailed = errors.New("voice connection failed")
)

// QueueError reports a queue operation rejected for a guild.
type QueueError struct {
	Guild string
	Err   error
}

// Error implements the error interface
func (e *QueueError) Error() string {
	return fmt.Sprintf("guild %s: %v", e.Guild, e.Err)
}

// Unwrap returns the underlying error
func (e *QueueError) Unwrap() error {
	return e.Err
}

// VoiceError reports a failed voice session operation.
type VoiceError struct {
	Guild   string
	Channel string
	Kind    error // ErrChannelNotFound, ErrNotVoiceChannel or ErrConnectFailed
	Err     error // Underlying cause, if any
}

// Error implements the error interface
func (e *VoiceError) Error() string {
	msg := fmt.Sprintf("guild %s channel %s: %v", e.Guild, e.Channel, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause.
func (e *VoiceError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// asVoiceError normalizes a provider failure. Errors that already carry a
// voice kind keep it; anything else is a connection failure.
func asVoiceError(guild, channel string, err error) *VoiceError {
	var ve *VoiceError
	if errors.As(err, &ve) {
		if ve.Guild == "" {
			ve.Guild = guild
		}
		if ve.Channel == "" {
			ve.Channel = channel
		}
		return ve
	}
	for _, kind := range []error{ErrChannelNotFound, ErrNotVoiceChannel, ErrConnectFailed} {
		if errors.Is(err, kind) {
			return &VoiceError{Guild: guild, Channel: channel, Kind: kind, Err: err}
		}
	}
	return &VoiceError{Guild: guild, Channel: channel, Kind: ErrConnectFailed, Err: err}
}

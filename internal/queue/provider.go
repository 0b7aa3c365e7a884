package queue

import "context"

// VoiceProvider opens voice sessions.
type VoiceProvider interface {
	Connect(ctx context.Context, guild, channel string) (Session, error)
}

// Session is a live voice connection.
//
// Play starts playing the file at path and returns a channel that receives
// exactly one value when playback finishes: nil on success, the failure
// otherwise. Cancelling ctx stops playback early.
type Session interface {
	Play(ctx context.Context, path string) <-chan error
	Disconnect() error
}

// Pauser is implemented by sessions that can suspend playback.
type Pauser interface {
	Pause()
	Resume()
}

package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/ebitengine/oto/v3"

	"github.com/dgnsrekt/yomiage/internal/queue"
)

// ErrFormatMismatch is returned when a file does not match the format the
// sound device was opened with. oto allows one context per process.
var ErrFormatMismatch = errors.New("audio format differs from the open device")

// ErrSessionClosed is returned by Play after Disconnect.
var ErrSessionClosed = errors.New("speaker session closed")

// Stream is one playing sound. *oto.Player satisfies it.
type Stream interface {
	Play()
	Pause()
	IsPlaying() bool
	SetVolume(volume float64)
	Close() error
}

// Device creates streams on an open sound device.
type Device interface {
	NewStream(r io.Reader) Stream
}

// Opener opens the sound device for a format.
type Opener func(Format) (Device, error)

type otoDevice struct {
	ctx *oto.Context
}

func (d otoDevice) NewStream(r io.Reader) Stream {
	return d.ctx.NewPlayer(r)
}

// OpenOto opens the system sound device through oto.
func OpenOto(f Format) (Device, error) {
	op := &oto.NewContextOptions{
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-ready
	return otoDevice{ctx: ctx}, nil
}

// SpeakerConfig holds configuration for the local speaker.
type SpeakerConfig struct {
	Volume       float64       // 0.0 to 1.0
	PollInterval time.Duration // How often playback completion is checked
}

// DefaultSpeakerConfig returns the default speaker configuration.
func DefaultSpeakerConfig() SpeakerConfig {
	return SpeakerConfig{
		Volume:       1.0,
		PollInterval: 10 * time.Millisecond,
	}
}

// Speaker is a voice provider that plays on the local sound device. Every
// guild and channel maps to the same device, which is opened lazily with
// the format of the first file played.
type Speaker struct {
	open   Opener
	config SpeakerConfig
	logger *log.Logger

	mu     sync.Mutex
	device Device
	format Format
}

// NewSpeaker creates a local speaker provider. A nil opener uses oto.
func NewSpeaker(open Opener, config SpeakerConfig, logger *log.Logger) *Speaker {
	if open == nil {
		open = OpenOto
	}
	if logger == nil {
		logger = log.Default()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultSpeakerConfig().PollInterval
	}
	if config.Volume < 0 || config.Volume > 1 {
		config.Volume = 1
	}
	return &Speaker{open: open, config: config, logger: logger.WithPrefix("speaker")}
}

// Connect returns a session on the local device.
func (s *Speaker) Connect(_ context.Context, guild, channel string) (queue.Session, error) {
	s.logger.Debug("Session opened", "guild", guild, "channel", channel)
	return &session{speaker: s}, nil
}

// deviceFor returns the open device, opening it for f on first use.
func (s *Speaker) deviceFor(f Format) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		if f != s.format {
			return nil, fmt.Errorf("%w: have %+v, got %+v", ErrFormatMismatch, s.format, f)
		}
		return s.device, nil
	}

	dev, err := s.open(f)
	if err != nil {
		return nil, err
	}
	s.device = dev
	s.format = f
	s.logger.Info("Opened sound device", "rate", f.SampleRate, "channels", f.Channels)
	return dev, nil
}

// session plays one file at a time on the speaker.
type session struct {
	speaker *Speaker

	mu      sync.Mutex
	current Stream
	paused  bool
	cancel  context.CancelFunc
	closed  bool
}

// Play decodes the WAV at path and plays it. The returned channel reports
// completion.
func (s *session) Play(ctx context.Context, path string) <-chan error {
	done := make(chan error, 1)

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		done <- ErrSessionClosed
		return done
	}

	data, err := os.ReadFile(path)
	if err != nil {
		done <- err
		return done
	}
	format, pcm, err := DecodeWAV(data)
	if err != nil {
		done <- err
		return done
	}
	dev, err := s.speaker.deviceFor(format)
	if err != nil {
		done <- err
		return done
	}

	ctx, cancel := context.WithCancel(ctx)
	stream := dev.NewStream(bytes.NewReader(pcm))
	stream.SetVolume(s.speaker.config.Volume)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		stream.Close() //nolint:errcheck
		done <- ErrSessionClosed
		return done
	}
	s.current = stream
	s.paused = false
	s.cancel = cancel
	s.mu.Unlock()

	s.speaker.logger.Debug("Playing",
		"file", path,
		"size", humanize.Bytes(uint64(len(pcm))),
		"duration", format.Duration(len(pcm)))
	stream.Play()

	go func() {
		defer cancel()
		done <- s.wait(ctx, stream)
	}()
	return done
}

func (s *session) wait(ctx context.Context, stream Stream) error {
	ticker := time.NewTicker(s.speaker.config.PollInterval)
	defer ticker.Stop()
	defer s.release(stream)

	for {
		select {
		case <-ctx.Done():
			stream.Pause()
			return ctx.Err()
		case <-ticker.C:
			s.mu.Lock()
			paused := s.paused
			s.mu.Unlock()
			if !paused && !stream.IsPlaying() {
				return nil
			}
		}
	}
}

func (s *session) release(stream Stream) {
	s.mu.Lock()
	if s.current == stream {
		s.current = nil
		s.cancel = nil
		s.paused = false
	}
	s.mu.Unlock()
	if err := stream.Close(); err != nil {
		s.speaker.logger.Debug("Failed to close stream", "err", err)
	}
}

// Pause suspends the current stream.
func (s *session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && !s.paused {
		s.current.Pause()
		s.paused = true
	}
}

// Resume continues a paused stream.
func (s *session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.paused {
		s.current.Play()
		s.paused = false
	}
}

// Disconnect stops playback. The device stays open for later sessions.
func (s *session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

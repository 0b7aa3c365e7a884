package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/yomiage/internal/queue"
)

// sendTimeout bounds how long one Opus packet may wait for the voice
// connection. A connection Discord has closed stops reading packets.
const sendTimeout = 2 * time.Second

// ErrSendTimeout is returned when the voice connection stops accepting audio.
var ErrSendTimeout = errors.New("voice connection stopped accepting audio")

// VoiceProvider joins Discord voice channels and streams WAV artifacts as
// Opus through ffmpeg.
type VoiceProvider struct {
	session *discordgo.Session
	ffmpeg  string
	logger  *log.Logger
}

// NewVoiceProvider creates a provider on session. ffmpeg is the encoder
// binary ("ffmpeg" when empty).
func NewVoiceProvider(session *discordgo.Session, ffmpeg string, logger *log.Logger) *VoiceProvider {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if logger == nil {
		logger = log.Default()
	}
	return &VoiceProvider{session: session, ffmpeg: ffmpeg, logger: logger.WithPrefix("voice")}
}

// Connect joins channel in guild.
func (p *VoiceProvider) Connect(_ context.Context, guild, channel string) (queue.Session, error) {
	ch, err := p.channel(channel)
	if err != nil {
		return nil, &queue.VoiceError{Guild: guild, Channel: channel, Kind: queue.ErrChannelNotFound, Err: err}
	}
	if ch.GuildID != guild {
		return nil, &queue.VoiceError{Guild: guild, Channel: channel, Kind: queue.ErrChannelNotFound}
	}
	if !isVoiceChannel(ch.Type) {
		return nil, &queue.VoiceError{Guild: guild, Channel: channel, Kind: queue.ErrNotVoiceChannel}
	}

	vc, err := p.session.ChannelVoiceJoin(guild, channel, false, true)
	if err != nil {
		return nil, &queue.VoiceError{Guild: guild, Channel: channel, Kind: queue.ErrConnectFailed, Err: err}
	}

	p.logger.Info("Joined voice channel", "guild", guild, "channel", ch.Name)
	return &voiceSession{
		conn:   vc,
		ffmpeg: p.ffmpeg,
		gate:   newGate(),
		logger: p.logger.With("guild", guild),
	}, nil
}

func (p *VoiceProvider) channel(id string) (*discordgo.Channel, error) {
	if ch, err := p.session.State.Channel(id); err == nil {
		return ch, nil
	}
	return p.session.Channel(id)
}

func isVoiceChannel(t discordgo.ChannelType) bool {
	return t == discordgo.ChannelTypeGuildVoice || t == discordgo.ChannelTypeGuildStageVoice
}

// encodeArgs returns the ffmpeg arguments that turn path into a 48kHz
// stereo Ogg/Opus stream on stdout.
func encodeArgs(path string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-c:a", "libopus",
		"-ar", "48000",
		"-ac", "2",
		"-b:a", "64k",
		"-frame_duration", "20",
		"-f", "ogg",
		"pipe:1",
	}
}

type voiceSession struct {
	conn   *discordgo.VoiceConnection
	ffmpeg string
	gate   *gate
	logger *log.Logger

	closeOnce sync.Once
}

// Play encodes path and sends it to the voice connection.
func (s *voiceSession) Play(ctx context.Context, path string) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- s.stream(ctx, path)
	}()
	return done
}

func (s *voiceSession) stream(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.ffmpeg, encodeArgs(path)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open encoder output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", s.ffmpeg, err)
	}

	if err := s.conn.Speaking(true); err != nil {
		s.logger.Debug("Failed to set speaking", "err", err)
	}
	defer s.conn.Speaking(false) //nolint:errcheck

	sendErr := sendPackets(ctx, newOggReader(stdout), s.conn.OpusSend, s.gate, sendTimeout)
	if sendErr != nil {
		cancel()
	}
	waitErr := cmd.Wait()

	if sendErr != nil {
		return sendErr
	}
	if waitErr != nil {
		return fmt.Errorf("encoder failed: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// sendPackets copies packets from r to out, holding while g is closed. A
// packet that out does not take within timeout ends the stream.
func sendPackets(ctx context.Context, r *oggReader, out chan<- []byte, g *gate, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if err := g.wait(ctx); err != nil {
			return err
		}
		pkt, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(timeout)

		select {
		case out <- pkt:
		case <-timer.C:
			return ErrSendTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pause holds packet delivery after the current frame.
func (s *voiceSession) Pause() {
	s.gate.close()
}

// Resume continues packet delivery.
func (s *voiceSession) Resume() {
	s.gate.open()
}

// Disconnect leaves the voice channel.
func (s *voiceSession) Disconnect() error {
	var err error
	s.closeOnce.Do(func() {
		s.gate.open()
		err = s.conn.Disconnect()
	})
	return err
}

// gate blocks senders while closed.
type gate struct {
	mu     sync.Mutex
	closed bool
	opened chan struct{}
}

func newGate() *gate {
	return &gate{}
}

func (g *gate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		g.opened = make(chan struct{})
	}
}

func (g *gate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		g.closed = false
		close(g.opened)
	}
}

func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	if !g.closed {
		g.mu.Unlock()
		return nil
	}
	opened := g.opened
	g.mu.Unlock()

	select {
	case <-opened:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

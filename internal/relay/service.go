package relay

import (
	"context"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/muesli/reflow/truncate"
	"golang.org/x/sync/singleflight"

	"github.com/dgnsrekt/yomiage/internal/cache"
	"github.com/dgnsrekt/yomiage/internal/queue"
	"github.com/dgnsrekt/yomiage/internal/stats"
	"github.com/dgnsrekt/yomiage/internal/tts"
)

const (
	// DefaultVoice is used when nobody picked one
	DefaultVoice = 1

	// DefaultMaxLength is the number of runes read from one message
	DefaultMaxLength = 100

	ellipsis = "..."
)

// Synthesizer renders text to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice int) (*tts.Artifact, error)
	Voices(ctx context.Context) ([]tts.Voice, error)
}

// VoiceResolver finds a stored voice preference for a user in a guild.
type VoiceResolver interface {
	Resolve(user, guild string) (int, bool)
}

// Utterance is one piece of text to read in a guild.
type Utterance struct {
	Guild     string
	Requester string
	Text      string
	Voice     *int // Explicit voice, overrides preferences
}

// Config holds configuration for the service.
type Config struct {
	DefaultVoice int
	MaxLength    int // Longer text is cut and ends in "..." (0 disables)
}

// Stats combines the statistics of every layer.
type Stats struct {
	Counters stats.Snapshot
	Cache    cache.Stats
	Queue    queue.Stats
}

// Service is the entry point for chat front ends.
type Service struct {
	synth    Synthesizer
	cache    *cache.Store
	queue    *queue.Registry
	voices   VoiceResolver
	counters *stats.Counters
	config   Config
	logger   *log.Logger

	flights singleflight.Group
}

// New wires a service. voices and counters may be nil.
func New(synth Synthesizer, store *cache.Store, registry *queue.Registry, voices VoiceResolver, counters *stats.Counters, config Config, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if counters == nil {
		counters = stats.NewCounters()
	}
	if config.DefaultVoice == 0 {
		config.DefaultVoice = DefaultVoice
	}
	return &Service{
		synth:    synth,
		cache:    store,
		queue:    registry,
		voices:   voices,
		counters: counters,
		config:   config,
		logger:   logger.WithPrefix("relay"),
	}
}

// HandleUtterance reads u aloud in its guild.
func (s *Service) HandleUtterance(ctx context.Context, u Utterance) error {
	text := strings.TrimSpace(u.Text)
	if text == "" {
		return &Error{Op: "prepare", Guild: u.Guild, Err: ErrEmptyText}
	}
	text = Truncate(text, s.config.MaxLength)
	voice := s.resolveVoice(u)

	logger := s.logger.With("guild", u.Guild, "voice", voice)

	if !s.queue.IsConnected(u.Guild) {
		return &Error{Op: "enqueue", Guild: u.Guild, Err: &queue.QueueError{Guild: u.Guild, Err: queue.ErrNotConnected}}
	}

	path, hit := s.cache.Lookup(text, voice)
	if hit {
		s.counters.RecordHit()
		logger.Debug("Cache hit", "text", preview(text))
	} else {
		s.counters.RecordMiss()
		var err error
		path, err = s.synthesize(ctx, u.Guild, text, voice)
		if err != nil {
			return &Error{Op: "synthesize", Guild: u.Guild, Err: err}
		}
	}

	outcome, err := s.queue.Enqueue(u.Guild, queue.Item{
		AudioPath: path,
		Requester: u.Requester,
		Text:      text,
	})
	if err != nil {
		return &Error{Op: "enqueue", Guild: u.Guild, Err: err}
	}
	if outcome == queue.Deduplicated && !s.cache.Contains(path) {
		os.Remove(path) //nolint:errcheck
	}

	words := s.counters.RecordMessage(text)
	logger.Debug("Queued", "outcome", outcome, "words", words, "cached", hit)
	return nil
}

// rendered is the outcome of one engine render.
type rendered struct {
	path    string
	scratch bool // path is a scratch file owned by a single queue item
}

// synthesize renders text, collapsing identical concurrent misses in the
// same guild into one engine request. Complete artifacts are placed in the
// cache before the result is shared, so every caller enqueues the cached
// copy. A scratch file has exactly one owner: a caller that joined someone
// else's flight and got one back renders its own.
func (s *Service) synthesize(ctx context.Context, guild, text string, voice int) (string, error) {
	key := cache.Key(text, voice)

	var led bool
	v, err, shared := s.flights.Do(guild+"/"+key, func() (any, error) {
		led = true
		return s.render(ctx, key, text, voice)
	})
	if err != nil {
		return "", err
	}
	res := v.(rendered)
	if res.scratch && shared && !led {
		s.logger.Debug("Shared render is not cached, rendering again", "text", preview(text))
		if res, err = s.render(ctx, key, text, voice); err != nil {
			return "", err
		}
	}
	return res.path, nil
}

// render synthesizes text and moves a complete artifact into the cache.
// Partial artifacts and failed inserts leave the scratch file to the caller.
func (s *Service) render(ctx context.Context, key, text string, voice int) (rendered, error) {
	art, err := s.synth.Synthesize(ctx, text, voice)
	if err != nil {
		return rendered{}, err
	}
	s.counters.RecordSynthesis()

	if !art.Complete() {
		s.logger.Warn("Partial synthesis, not caching", "skipped", art.Skipped, "fallback", art.Fallback, "err", art.Err)
		return rendered{path: art.Path, scratch: true}, nil
	}
	if err := s.cache.Insert(key, art.Path, text, voice); err != nil {
		s.logger.Warn("Failed to cache artifact", "text", preview(text), "err", err)
		return rendered{path: art.Path, scratch: true}, nil
	}
	if err := os.Remove(art.Path); err != nil && !os.IsNotExist(err) {
		s.logger.Debug("Failed to remove scratch artifact", "path", art.Path, "err", err)
	}
	return rendered{path: s.cache.Path(key)}, nil
}

func (s *Service) resolveVoice(u Utterance) int {
	if u.Voice != nil {
		return *u.Voice
	}
	if s.voices != nil {
		if v, ok := s.voices.Resolve(u.Requester, u.Guild); ok {
			return v
		}
	}
	return s.config.DefaultVoice
}

// SubmitText reads text from requester in guild.
func (s *Service) SubmitText(ctx context.Context, guild, requester, text string, voice *int) error {
	return s.HandleUtterance(ctx, Utterance{Guild: guild, Requester: requester, Text: text, Voice: voice})
}

// JoinVoice connects guild to a voice channel.
func (s *Service) JoinVoice(ctx context.Context, guild, channel string) error {
	return s.queue.Connect(ctx, guild, channel)
}

// ConnectVoice connects guild to a voice channel and reports success.
func (s *Service) ConnectVoice(ctx context.Context, guild, channel string) bool {
	if err := s.JoinVoice(ctx, guild, channel); err != nil {
		s.logger.Error("Failed to connect", "guild", guild, "channel", channel, "err", err)
		return false
	}
	return true
}

// DisconnectVoice leaves the guild's voice channel. It reports whether a
// session was closed.
func (s *Service) DisconnectVoice(guild string) bool {
	if !s.queue.IsConnected(guild) {
		return false
	}
	if err := s.queue.Disconnect(guild); err != nil {
		s.logger.Warn("Disconnect reported an error", "guild", guild, "err", err)
	}
	return true
}

// IsConnected reports whether guild has a voice session.
func (s *Service) IsConnected(guild string) bool {
	return s.queue.IsConnected(guild)
}

// ClearQueue drops the guild's pending utterances.
func (s *Service) ClearQueue(guild string) bool {
	return s.queue.Clear(guild)
}

// Pause suspends the guild's playback.
func (s *Service) Pause(guild string) bool {
	return s.queue.Pause(guild)
}

// Resume continues the guild's playback.
func (s *Service) Resume(guild string) bool {
	return s.queue.Resume(guild)
}

// ListVoices returns the voices the engine offers.
func (s *Service) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return s.synth.Voices(ctx)
}

// Stats returns the statistics of every layer.
func (s *Service) Stats() Stats {
	return Stats{
		Counters: s.counters.Snapshot(),
		Cache:    s.cache.Stats(),
		Queue:    s.queue.Stats(),
	}
}

// Counters returns the activity counters.
func (s *Service) Counters() *stats.Counters {
	return s.counters
}

// Close disconnects every guild and waits for their drivers.
func (s *Service) Close() error {
	return s.queue.Close()
}

// Truncate cuts text to max runes followed by "...". max <= 0 disables it.
func Truncate(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max]) + ellipsis
}

// VoiceLabel renders a voice ID for logs and replies.
func VoiceLabel(voices []tts.Voice, id int) string {
	if v, ok := tts.FindVoice(voices, id); ok {
		return v.String()
	}
	return "#" + strconv.Itoa(id)
}

func preview(text string) string {
	return truncate.StringWithTail(text, 40, "…")
}

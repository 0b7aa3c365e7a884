package discord

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/muesli/reflow/truncate"

	"github.com/dgnsrekt/yomiage/internal/prefs"
	"github.com/dgnsrekt/yomiage/internal/queue"
	"github.com/dgnsrekt/yomiage/internal/relay"
	"github.com/dgnsrekt/yomiage/internal/stats"
	"github.com/dgnsrekt/yomiage/internal/tts"
)

// Intents are the gateway intents the bot needs.
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildVoiceStates |
	discordgo.IntentsMessageContent

// ErrNoToken is returned when no bot token is configured.
var ErrNoToken = errors.New("discord token is not set")

var (
	urlPattern   = regexp.MustCompile(`https?://\S+`)
	emojiPattern = regexp.MustCompile(`<a?:(\w+):\d+>`)
)

// Relay is the reading service the bot drives.
type Relay interface {
	SubmitText(ctx context.Context, guild, requester, text string, voice *int) error
	JoinVoice(ctx context.Context, guild, channel string) error
	DisconnectVoice(guild string) bool
	IsConnected(guild string) bool
	ClearQueue(guild string) bool
	Pause(guild string) bool
	Resume(guild string) bool
	ListVoices(ctx context.Context) ([]tts.Voice, error)
	Stats() relay.Stats
}

// Config holds configuration for the bot.
type Config struct {
	DevGuild       string        // Register commands in this guild only
	SayLength      int           // Longest text /say accepts
	VoiceListTTL   time.Duration // How long the engine's voice list is reused
	IgnorePrefixes []string      // Messages starting with these are not read
}

// Deps are the services the bot's commands use. Any preference store may
// be nil, which disables the commands that need it.
type Deps struct {
	Relay       Relay
	Speakers    *prefs.Speakers
	Channels    *prefs.Channels
	Permissions *prefs.Permissions
}

// Bot reads enabled text channels aloud and serves the slash commands.
type Bot struct {
	session  *discordgo.Session
	relay    Relay
	speakers *prefs.Speakers
	channels *prefs.Channels
	perms    *prefs.Permissions
	config   Config
	logger   *log.Logger

	// userVoiceChannel reports the voice channel a member is in
	userVoiceChannel func(guild, user string) (string, bool)
	channelName      func(channel string) string
	selfID           func() string

	ctx context.Context

	voicesMu      sync.Mutex
	voiceCache    []tts.Voice
	voiceCachedAt time.Time
}

// NewSession creates a gateway session for token with the bot's intents.
func NewSession(token string) (*discordgo.Session, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	s.Identify.Intents = Intents
	return s, nil
}

// New creates a bot on session.
func New(session *discordgo.Session, deps Deps, config Config, logger *log.Logger) *Bot {
	if logger == nil {
		logger = log.Default()
	}
	if config.SayLength <= 0 {
		config.SayLength = DefaultSayLength
	}
	if config.VoiceListTTL <= 0 {
		config.VoiceListTTL = 5 * time.Minute
	}
	b := &Bot{
		session:  session,
		relay:    deps.Relay,
		speakers: deps.Speakers,
		channels: deps.Channels,
		perms:    deps.Permissions,
		config:   config,
		logger:   logger.WithPrefix("discord"),
		ctx:      context.Background(),
	}
	b.userVoiceChannel = b.stateVoiceChannel
	b.channelName = b.stateChannelName
	b.selfID = b.stateSelfID
	return b
}

// Run connects to the gateway, registers commands and serves events until
// ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.ctx = ctx

	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onMessage)
	b.session.AddHandler(b.onInteraction)
	b.session.AddHandler(b.onVoiceStateUpdate)

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}
	defer b.session.Close() //nolint:errcheck

	if err := b.registerCommands(); err != nil {
		return err
	}

	<-ctx.Done()
	b.logger.Info("Shutting down")
	return nil
}

func (b *Bot) registerCommands() error {
	appID := b.session.State.User.ID
	created, err := b.session.ApplicationCommandBulkOverwrite(appID, b.config.DevGuild, Commands)
	if err != nil {
		return fmt.Errorf("failed to register commands: %w", err)
	}
	scope := "global"
	if b.config.DevGuild != "" {
		scope = "guild " + b.config.DevGuild
	}
	b.logger.Info("Registered commands", "count", len(created), "scope", scope)
	return nil
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.logger.Info("Logged in", "user", r.User.Username, "id", r.User.ID, "guilds", len(r.Guilds))
}

// UpdatePresence shows the number of words read as the bot's status.
func (b *Bot) UpdatePresence(snap stats.Snapshot) {
	if err := b.session.UpdateListeningStatus(presenceText(snap)); err != nil {
		b.logger.Debug("Failed to update presence", "err", err)
	}
}

func presenceText(snap stats.Snapshot) string {
	return humanize.Comma(snap.WordsRead) + " words read"
}

func (b *Bot) onMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	text := cleanContent(m.ContentWithMentionsReplaced())
	b.readMessage(m.GuildID, m.ChannelID, m.Author.ID, text)
}

func (b *Bot) onVoiceStateUpdate(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v.VoiceState == nil {
		return
	}
	b.voiceStateChanged(v.GuildID, v.UserID, v.ChannelID)
}

// voiceStateChanged closes the guild's session when the bot was removed
// from voice by someone else: kicked, or its channel deleted. It reports
// whether a session was closed.
func (b *Bot) voiceStateChanged(guild, user, channel string) bool {
	if channel != "" || user == "" || user != b.selfID() {
		return false
	}
	// A stale leave event from our own reconnect arrives after the new join
	if current, ok := b.userVoiceChannel(guild, user); ok && current != "" {
		return false
	}
	if !b.relay.DisconnectVoice(guild) {
		return false
	}
	b.logger.Warn("Removed from voice channel, session closed", "guild", guild)
	return true
}

// readMessage submits a chat message when its channel is read and the
// guild has a voice session.
func (b *Bot) readMessage(guild, channel, author, text string) bool {
	if b.channels == nil || !b.channels.IsRead(guild, channel) {
		return false
	}
	if strings.TrimSpace(text) == "" || b.ignored(text) || !b.relay.IsConnected(guild) {
		return false
	}

	if err := b.relay.SubmitText(b.ctx, guild, author, text, nil); err != nil {
		if errors.Is(err, queue.ErrNotConnected) {
			b.logger.Debug("Dropped message after disconnect", "guild", guild)
		} else {
			b.logger.Warn("Failed to read message", "guild", guild, "channel", channel, "err", err)
		}
		return false
	}
	return true
}

func (b *Bot) ignored(text string) bool {
	for _, p := range b.config.IgnorePrefixes {
		if p != "" && strings.HasPrefix(text, p) {
			return true
		}
	}
	return false
}

// cleanContent replaces links and custom emoji with something speakable.
func cleanContent(text string) string {
	text = urlPattern.ReplaceAllString(text, "URL")
	text = emojiPattern.ReplaceAllString(text, "$1")
	return strings.TrimSpace(text)
}

// slowCommands answer after a deferral; the value is whether the final
// reply is ephemeral.
var slowCommands = map[string]bool{
	"join":        false,
	"say":         true,
	"voice":       true,
	"servervoice": true,
	"voices":      true,
}

func (b *Bot) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		b.onCommand(s, i)
	case discordgo.InteractionApplicationCommandAutocomplete:
		b.onAutocomplete(s, i)
	}
}

func (b *Bot) onCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	inv := toInvocation(i)
	logger := b.logger.With("command", inv.Name, "guild", inv.Guild, "user", inv.User)
	logger.Debug("Command")

	ephemeral, slow := slowCommands[inv.Name]
	if slow {
		err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: flags(ephemeral)},
		})
		if err != nil {
			logger.Error("Failed to defer", "err", err)
			return
		}
	}

	r := b.dispatch(b.ctx, inv)

	if slow {
		edit := &discordgo.WebhookEdit{Content: &r.Content}
		if r.Embed != nil {
			edit.Embeds = &[]*discordgo.MessageEmbed{r.Embed}
		}
		if _, err := s.InteractionResponseEdit(i.Interaction, edit); err != nil {
			logger.Error("Failed to reply", "err", err)
		}
		return
	}

	data := &discordgo.InteractionResponseData{Content: r.Content, Flags: flags(r.Ephemeral)}
	if r.Embed != nil {
		data.Embeds = []*discordgo.MessageEmbed{r.Embed}
	}
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	})
	if err != nil {
		logger.Error("Failed to reply", "err", err)
	}
}

func (b *Bot) onAutocomplete(s *discordgo.Session, i *discordgo.InteractionCreate) {
	data := i.ApplicationCommandData()
	var typed string
	for _, opt := range data.Options {
		if opt.Focused {
			typed = fmt.Sprint(opt.Value)
		}
	}

	voices, err := b.voiceList(b.ctx)
	if err != nil {
		b.logger.Debug("Autocomplete without voices", "err", err)
	}
	err = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionApplicationCommandAutocompleteResult,
		Data: &discordgo.InteractionResponseData{Choices: voiceChoices(voices, typed)},
	})
	if err != nil {
		b.logger.Debug("Failed to answer autocomplete", "err", err)
	}
}

func flags(ephemeral bool) discordgo.MessageFlags {
	if ephemeral {
		return discordgo.MessageFlagsEphemeral
	}
	return 0
}

func toInvocation(i *discordgo.InteractionCreate) *invocation {
	data := i.ApplicationCommandData()
	inv := &invocation{
		Name:    data.Name,
		Guild:   i.GuildID,
		Channel: i.ChannelID,
		Options: make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(data.Options)),
	}
	switch {
	case i.Member != nil && i.Member.User != nil:
		inv.User = i.Member.User.ID
		inv.Roles = i.Member.Roles
	case i.User != nil:
		inv.User = i.User.ID
	}
	for _, opt := range data.Options {
		inv.Options[opt.Name] = opt
	}
	return inv
}

// voiceList returns the engine's voices, reusing a recent answer.
func (b *Bot) voiceList(ctx context.Context) ([]tts.Voice, error) {
	b.voicesMu.Lock()
	defer b.voicesMu.Unlock()

	if b.voiceCache != nil && time.Since(b.voiceCachedAt) < b.config.VoiceListTTL {
		return b.voiceCache, nil
	}
	voices, err := b.relay.ListVoices(ctx)
	if err != nil {
		return b.voiceCache, err
	}
	b.voiceCache = voices
	b.voiceCachedAt = time.Now()
	return voices, nil
}

func (b *Bot) stateVoiceChannel(guild, user string) (string, bool) {
	vs, err := b.session.State.VoiceState(guild, user)
	if err != nil || vs == nil || vs.ChannelID == "" {
		return "", false
	}
	return vs.ChannelID, true
}

func (b *Bot) stateSelfID() string {
	if b.session == nil || b.session.State == nil || b.session.State.User == nil {
		return ""
	}
	return b.session.State.User.ID
}

func (b *Bot) stateChannelName(channel string) string {
	if ch, err := b.session.State.Channel(channel); err == nil {
		return ch.Name
	}
	return ""
}

func preview(text string) string {
	return truncate.StringWithTail(text, 60, "…")
}

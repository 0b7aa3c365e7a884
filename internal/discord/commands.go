package discord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"

	"github.com/dgnsrekt/yomiage/internal/queue"
	"github.com/dgnsrekt/yomiage/internal/relay"
	"github.com/dgnsrekt/yomiage/internal/tts"
)

const (
	// DefaultSayLength is the longest text /say accepts
	DefaultSayLength = 200

	maxChoices   = 25
	maxListLines = 40
	embedColor   = 0x7D56F4
)

var (
	voiceChannelTypes = []discordgo.ChannelType{
		discordgo.ChannelTypeGuildVoice,
		discordgo.ChannelTypeGuildStageVoice,
	}
	minVoiceID = 0.0
)

// Commands is the static list of slash commands the bot registers.
var Commands = []*discordgo.ApplicationCommand{
	{
		Name:        "join",
		Description: "Join your voice channel and start reading",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:         discordgo.ApplicationCommandOptionChannel,
				Name:         "channel",
				Description:  "Voice channel to join instead of yours",
				ChannelTypes: voiceChannelTypes,
			},
		},
	},
	{Name: "leave", Description: "Leave the voice channel"},
	{Name: "clear", Description: "Drop everything waiting to be read"},
	{Name: "pause", Description: "Pause reading"},
	{Name: "resume", Description: "Resume reading"},
	{
		Name:        "say",
		Description: "Read text aloud",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "text",
				Description: "Text to read",
				Required:    true,
				MaxLength:   DefaultSayLength,
			},
			{
				Type:         discordgo.ApplicationCommandOptionInteger,
				Name:         "voice",
				Description:  "Voice ID, defaults to your preference",
				MinValue:     &minVoiceID,
				Autocomplete: true,
			},
		},
	},
	{
		Name:        "voice",
		Description: "Set the voice used for your messages",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:         discordgo.ApplicationCommandOptionInteger,
				Name:         "id",
				Description:  "Voice ID, omit to go back to the server default",
				MinValue:     &minVoiceID,
				Autocomplete: true,
			},
		},
	},
	{
		Name:        "servervoice",
		Description: "Set the default voice for this server",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:         discordgo.ApplicationCommandOptionInteger,
				Name:         "id",
				Description:  "Voice ID",
				Required:     true,
				MinValue:     &minVoiceID,
				Autocomplete: true,
			},
		},
	},
	{
		Name:        "voices",
		Description: "List the available voices",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "filter",
				Description: "Fuzzy filter on speaker and style",
			},
		},
	},
	{
		Name:        "setup",
		Description: "Turn reading on or off for this channel",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "action",
				Description: "Omit to toggle",
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "enable", Value: "enable"},
					{Name: "disable", Value: "disable"},
				},
			},
		},
	},
	{Name: "stats", Description: "Show reading statistics"},
	{Name: "help", Description: "Show how to use the bot"},
}

// invocation is one slash command call, stripped of the gateway types.
type invocation struct {
	Name    string
	Guild   string
	Channel string
	User    string
	Roles   []string
	Options map[string]*discordgo.ApplicationCommandInteractionDataOption
}

func (inv *invocation) str(name string) (string, bool) {
	opt, ok := inv.Options[name]
	if !ok {
		return "", false
	}
	return opt.StringValue(), true
}

func (inv *invocation) int(name string) (int, bool) {
	opt, ok := inv.Options[name]
	if !ok {
		return 0, false
	}
	return int(opt.IntValue()), true
}

func (inv *invocation) channel(name string) (string, bool) {
	opt, ok := inv.Options[name]
	if !ok {
		return "", false
	}
	// ChannelValue needs a session to resolve; the raw value is the ID
	if id, ok := opt.Value.(string); ok && id != "" {
		return id, true
	}
	return "", false
}

// reply is what a handler sends back.
type reply struct {
	Content   string
	Embed     *discordgo.MessageEmbed
	Ephemeral bool
}

func public(format string, args ...any) reply {
	return reply{Content: fmt.Sprintf(format, args...)}
}

func private(format string, args ...any) reply {
	return reply{Content: fmt.Sprintf(format, args...), Ephemeral: true}
}

type handler func(ctx context.Context, inv *invocation) reply

func (b *Bot) handlers() map[string]handler {
	return map[string]handler{
		"join":        b.join,
		"leave":       b.leave,
		"clear":       b.clear,
		"pause":       b.pause,
		"resume":      b.resume,
		"say":         b.say,
		"voice":       b.voice,
		"servervoice": b.serverVoice,
		"voices":      b.voices,
		"setup":       b.setup,
		"stats":       b.stats,
		"help":        b.help,
	}
}

// dispatch checks permissions and runs the command's handler.
func (b *Bot) dispatch(ctx context.Context, inv *invocation) reply {
	h, found := b.handlers()[inv.Name]
	if !found {
		return private("Unknown command.")
	}
	if inv.Guild == "" {
		return private("This command only works in a server.")
	}
	if b.perms != nil && !b.perms.Allowed(inv.Name, inv.User, inv.Roles) {
		b.logger.Info("Command denied", "command", inv.Name, "user", inv.User, "guild", inv.Guild)
		return private("You do not have permission to use this command.")
	}
	return h(ctx, inv)
}

func (b *Bot) join(ctx context.Context, inv *invocation) reply {
	channel, given := inv.channel("channel")
	if !given {
		var inVoice bool
		channel, inVoice = b.userVoiceChannel(inv.Guild, inv.User)
		if !inVoice {
			return private("Join a voice channel first.")
		}
	}

	if err := b.relay.JoinVoice(ctx, inv.Guild, channel); err != nil {
		b.logger.Error("Failed to join", "guild", inv.Guild, "channel", channel, "err", err)
		return private("Could not join <#%s>: %s", channel, voiceProblem(err))
	}
	return public("Joined <#%s>.", channel)
}

func voiceProblem(err error) string {
	switch {
	case errors.Is(err, queue.ErrChannelNotFound):
		return "channel not found"
	case errors.Is(err, queue.ErrNotVoiceChannel):
		return "not a voice channel"
	default:
		return "connection failed"
	}
}

func (b *Bot) leave(_ context.Context, inv *invocation) reply {
	if !b.relay.DisconnectVoice(inv.Guild) {
		return private("Not in a voice channel.")
	}
	return public("Left the voice channel.")
}

func (b *Bot) clear(_ context.Context, inv *invocation) reply {
	if !b.relay.ClearQueue(inv.Guild) {
		return private("Not in a voice channel.")
	}
	return public("Queue cleared.")
}

func (b *Bot) pause(_ context.Context, inv *invocation) reply {
	if !b.relay.Pause(inv.Guild) {
		return private("Nothing to pause.")
	}
	return public("Paused.")
}

func (b *Bot) resume(_ context.Context, inv *invocation) reply {
	if !b.relay.Resume(inv.Guild) {
		return private("Nothing to resume.")
	}
	return public("Resumed.")
}

func (b *Bot) say(ctx context.Context, inv *invocation) reply {
	text, _ := inv.str("text")
	text = strings.TrimSpace(text)
	if text == "" {
		return private("Nothing to read.")
	}
	if limit := b.config.SayLength; utf8.RuneCountInString(text) > limit {
		return private("Text is too long, keep it under %d characters.", limit)
	}
	if !b.relay.IsConnected(inv.Guild) {
		return private("Not in a voice channel. Use /join first.")
	}

	var voice *int
	if id, set := inv.int("voice"); set {
		voice = &id
	}

	if err := b.relay.SubmitText(ctx, inv.Guild, inv.User, text, voice); err != nil {
		b.logger.Error("Failed to read", "guild", inv.Guild, "err", err)
		return private("Could not read that: %s", synthesisProblem(err))
	}
	return private("Reading: %s", preview(text))
}

func synthesisProblem(err error) string {
	switch {
	case errors.Is(err, queue.ErrNotConnected):
		return "not in a voice channel"
	case errors.Is(err, tts.ErrEngineUnreachable):
		return "the speech engine is not reachable"
	case errors.Is(err, tts.ErrEngineRejected):
		return "the speech engine rejected the text"
	case errors.Is(err, relay.ErrEmptyText):
		return "nothing to read"
	default:
		return "synthesis failed"
	}
}

func (b *Bot) voice(ctx context.Context, inv *invocation) reply {
	if b.speakers == nil {
		return private("Voice preferences are not available.")
	}
	id, set := inv.int("id")
	if !set {
		if err := b.speakers.ClearUser(inv.User); err != nil {
			b.logger.Error("Failed to clear voice", "user", inv.User, "err", err)
			return private("Could not save your voice.")
		}
		return private("Your voice now follows the server default.")
	}

	label, known := b.checkVoice(ctx, id)
	if !known {
		return private("Voice %d does not exist. See /voices.", id)
	}
	if err := b.speakers.SetUser(inv.User, id); err != nil {
		b.logger.Error("Failed to set voice", "user", inv.User, "err", err)
		return private("Could not save your voice.")
	}
	return private("Your voice is now %s.", label)
}

func (b *Bot) serverVoice(ctx context.Context, inv *invocation) reply {
	if b.speakers == nil {
		return private("Voice preferences are not available.")
	}
	id, _ := inv.int("id")
	label, known := b.checkVoice(ctx, id)
	if !known {
		return private("Voice %d does not exist. See /voices.", id)
	}
	if err := b.speakers.SetGuild(inv.Guild, id); err != nil {
		b.logger.Error("Failed to set server voice", "guild", inv.Guild, "err", err)
		return private("Could not save the server voice.")
	}
	return public("Server voice is now %s.", label)
}

// checkVoice resolves id against the engine's voices. An unreachable engine
// accepts the ID unchecked.
func (b *Bot) checkVoice(ctx context.Context, id int) (string, bool) {
	voices, err := b.voiceList(ctx)
	if err != nil {
		b.logger.Warn("Could not verify voice", "voice", id, "err", err)
		return "#" + strconv.Itoa(id), true
	}
	if _, found := tts.FindVoice(voices, id); !found {
		return "", false
	}
	return relay.VoiceLabel(voices, id), true
}

func (b *Bot) voices(ctx context.Context, inv *invocation) reply {
	voices, err := b.voiceList(ctx)
	if err != nil {
		b.logger.Error("Failed to list voices", "err", err)
		return private("Could not reach the speech engine.")
	}
	filter, _ := inv.str("filter")
	voices = tts.Filter(voices, filter)
	if len(voices) == 0 {
		return private("No voices match %q.", filter)
	}

	return reply{Embed: voicesEmbed(voices), Ephemeral: true}
}

func voicesEmbed(voices []tts.Voice) *discordgo.MessageEmbed {
	var sb strings.Builder
	shown := voices
	if len(shown) > maxListLines {
		shown = shown[:maxListLines]
	}
	for _, v := range shown {
		fmt.Fprintf(&sb, "`%3d` %s\n", v.ID, v)
	}
	embed := &discordgo.MessageEmbed{
		Title:       "Voices",
		Description: sb.String(),
		Color:       embedColor,
	}
	if rest := len(voices) - len(shown); rest > 0 {
		embed.Footer = &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("%d more, narrow it down with the filter option", rest),
		}
	}
	return embed
}

// voiceChoices builds autocomplete choices for a partially typed voice.
func voiceChoices(voices []tts.Voice, typed string) []*discordgo.ApplicationCommandOptionChoice {
	matches := tts.Filter(voices, typed)
	if len(matches) > maxChoices {
		matches = matches[:maxChoices]
	}
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(matches))
	for _, v := range matches {
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{
			Name:  truncateName(fmt.Sprintf("%d: %s", v.ID, v)),
			Value: v.ID,
		})
	}
	return choices
}

// truncateName keeps a choice name within Discord's 100 character limit.
func truncateName(s string) string {
	if utf8.RuneCountInString(s) <= 100 {
		return s
	}
	return string([]rune(s)[:99]) + "…"
}

func (b *Bot) setup(_ context.Context, inv *invocation) reply {
	if b.channels == nil {
		return private("Channel settings are not available.")
	}
	action, set := inv.str("action")
	if !set {
		action = "enable"
		if b.channels.IsRead(inv.Guild, inv.Channel) {
			action = "disable"
		}
	}

	switch action {
	case "enable":
		if err := b.channels.Enable(inv.Guild, inv.Channel, b.channelName(inv.Channel)); err != nil {
			b.logger.Error("Failed to enable channel", "guild", inv.Guild, "channel", inv.Channel, "err", err)
			return private("Could not save the channel setting.")
		}
		return public("Reading messages in <#%s>.", inv.Channel)
	case "disable":
		if _, err := b.channels.Disable(inv.Guild, inv.Channel); err != nil {
			b.logger.Error("Failed to disable channel", "guild", inv.Guild, "channel", inv.Channel, "err", err)
			return private("Could not save the channel setting.")
		}
		return public("Stopped reading <#%s>.", inv.Channel)
	default:
		return private("Unknown action %q.", action)
	}
}

func (b *Bot) stats(_ context.Context, inv *invocation) reply {
	return reply{Embed: statsEmbed(b.relay.Stats(), inv.Guild)}
}

func statsEmbed(st relay.Stats, guild string) *discordgo.MessageEmbed {
	c := st.Counters
	activity := fmt.Sprintf("Words read: %s\nMessages: %s\nSynthesized: %s\nUptime: %s",
		humanize.Comma(c.WordsRead),
		humanize.Comma(c.MessagesProcessed),
		humanize.Comma(c.AudioGenerated),
		c.Uptime().String())
	cache := fmt.Sprintf("Entries: %s\nSize: %s\nHit ratio: %.1f%%",
		humanize.Comma(int64(st.Cache.Entries)),
		humanize.Bytes(uint64(st.Cache.Bytes)),
		c.HitRatio)
	voice := fmt.Sprintf("Connected servers: %d\nPlaying: %d\nPending: %d",
		st.Queue.Connected, st.Queue.Playing, st.Queue.Pending)

	return &discordgo.MessageEmbed{
		Title: "Statistics",
		Color: embedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Activity", Value: activity, Inline: false},
			{Name: "Cache", Value: cache, Inline: true},
			{Name: "Voice", Value: voice, Inline: true},
		},
	}
}

func (b *Bot) help(_ context.Context, _ *invocation) reply {
	return reply{Embed: helpEmbed(), Ephemeral: true}
}

func helpEmbed() *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "yomiage",
		Description: "Reads chat messages aloud in a voice channel with VOICEVOX.",
		Color:       embedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Basics", Value: "`/join` join your voice channel\n`/leave` leave it\n`/say` read some text once"},
			{Name: "Playback", Value: "`/pause` and `/resume`\n`/clear` drop what is waiting"},
			{Name: "Settings", Value: "`/setup` read this channel or stop\n`/voice` pick your voice\n`/servervoice` set the server default\n`/voices` list voices"},
			{Name: "Other", Value: "`/stats` statistics\n`/help` this message"},
		},
	}
}

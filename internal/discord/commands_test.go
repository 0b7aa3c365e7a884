package discord

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/dgnsrekt/yomiage/internal/prefs"
	"github.com/dgnsrekt/yomiage/internal/queue"
	"github.com/dgnsrekt/yomiage/internal/relay"
	"github.com/dgnsrekt/yomiage/internal/tts"
)

type submission struct {
	guild, user, text string
	voice             *int
}

type fakeRelay struct {
	mu        sync.Mutex
	connected map[string]string
	submitted []submission
	joinErr   error
	submitErr error
	voices    []tts.Voice
	voicesErr error
	listCalls int
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		connected: map[string]string{},
		voices: []tts.Voice{
			{ID: 1, Speaker: "ずんだもん", Style: "あまあま"},
			{ID: 2, Speaker: "四国めたん", Style: "ノーマル"},
			{ID: 3, Speaker: "ずんだもん", Style: "ノーマル"},
		},
	}
}

func (f *fakeRelay) SubmitText(_ context.Context, guild, requester, text string, voice *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, submission{guild, requester, text, voice})
	return nil
}

func (f *fakeRelay) JoinVoice(_ context.Context, guild, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.connected[guild] = channel
	return nil
}

func (f *fakeRelay) DisconnectVoice(guild string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.connected[guild]
	delete(f.connected, guild)
	return ok
}

func (f *fakeRelay) IsConnected(guild string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.connected[guild]
	return ok
}

func (f *fakeRelay) ClearQueue(guild string) bool { return f.IsConnected(guild) }
func (f *fakeRelay) Pause(guild string) bool      { return f.IsConnected(guild) }
func (f *fakeRelay) Resume(guild string) bool     { return f.IsConnected(guild) }

func (f *fakeRelay) ListVoices(context.Context) ([]tts.Voice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.voices, f.voicesErr
}

func (f *fakeRelay) Stats() relay.Stats { return relay.Stats{} }

type testBot struct {
	*Bot
	relay    *fakeRelay
	speakers *prefs.Speakers
	channels *prefs.Channels
}

func newTestBot(t *testing.T, permissions string) *testBot {
	t.Helper()
	dir := t.TempDir()
	if permissions != "" {
		if err := os.WriteFile(filepath.Join(dir, prefs.PermissionsFile), []byte(permissions), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	fr := newFakeRelay()
	speakers := prefs.OpenSpeakers(dir, nil)
	channels := prefs.OpenChannels(dir, nil)
	b := New(nil, Deps{
		Relay:       fr,
		Speakers:    speakers,
		Channels:    channels,
		Permissions: prefs.OpenPermissions(dir, nil),
	}, Config{}, nil)
	b.userVoiceChannel = func(guild, user string) (string, bool) {
		if user == "in-voice" {
			return "vc1", true
		}
		return "", false
	}
	b.channelName = func(string) string { return "general" }
	b.selfID = func() string { return "bot" }
	return &testBot{Bot: b, relay: fr, speakers: speakers, channels: channels}
}

func stringOpt(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name: name, Type: discordgo.ApplicationCommandOptionString, Value: value,
	}
}

func intOpt(name string, value int) *discordgo.ApplicationCommandInteractionDataOption {
	// Discord delivers numbers as JSON floats
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name: name, Type: discordgo.ApplicationCommandOptionInteger, Value: float64(value),
	}
}

func call(name, user string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *invocation {
	inv := &invocation{
		Name:    name,
		Guild:   "g1",
		Channel: "text1",
		User:    user,
		Options: map[string]*discordgo.ApplicationCommandInteractionDataOption{},
	}
	for _, o := range opts {
		inv.Options[o.Name] = o
	}
	return inv
}

func TestJoin(t *testing.T) {
	b := newTestBot(t, "")
	ctx := context.Background()

	r := b.dispatch(ctx, call("join", "elsewhere"))
	if !r.Ephemeral || !strings.Contains(r.Content, "voice channel first") {
		t.Errorf("join outside voice = %+v", r)
	}

	r = b.dispatch(ctx, call("join", "in-voice"))
	if r.Ephemeral || b.relay.connected["g1"] != "vc1" {
		t.Errorf("join = %+v, connected = %v", r, b.relay.connected)
	}

	chanOpt := &discordgo.ApplicationCommandInteractionDataOption{
		Name: "channel", Type: discordgo.ApplicationCommandOptionChannel, Value: "vc2",
	}
	b.dispatch(ctx, call("join", "elsewhere", chanOpt))
	if b.relay.connected["g1"] != "vc2" {
		t.Errorf("join with channel option connected to %q, want vc2", b.relay.connected["g1"])
	}
}

func TestJoinFailure(t *testing.T) {
	b := newTestBot(t, "")
	b.relay.joinErr = &queue.VoiceError{Guild: "g1", Channel: "vc1", Kind: queue.ErrNotVoiceChannel}

	r := b.dispatch(context.Background(), call("join", "in-voice"))
	if !r.Ephemeral || !strings.Contains(r.Content, "not a voice channel") {
		t.Errorf("join failure = %+v", r)
	}
}

func TestPlaybackCommandsRequireConnection(t *testing.T) {
	b := newTestBot(t, "")
	ctx := context.Background()

	for _, name := range []string{"leave", "clear", "pause", "resume"} {
		if r := b.dispatch(ctx, call(name, "u1")); !r.Ephemeral {
			t.Errorf("%s while disconnected = %+v, want ephemeral", name, r)
		}
	}

	b.dispatch(ctx, call("join", "in-voice"))
	for _, name := range []string{"clear", "pause", "resume", "leave"} {
		if r := b.dispatch(ctx, call(name, "u1")); r.Ephemeral {
			t.Errorf("%s while connected = %+v, want public", name, r)
		}
	}
	if b.relay.IsConnected("g1") {
		t.Error("still connected after leave")
	}
}

func TestSay(t *testing.T) {
	b := newTestBot(t, "")
	ctx := context.Background()

	r := b.dispatch(ctx, call("say", "u1", stringOpt("text", "こんにちは")))
	if !strings.Contains(r.Content, "/join") {
		t.Errorf("say while disconnected = %+v", r)
	}

	b.dispatch(ctx, call("join", "in-voice"))
	b.dispatch(ctx, call("say", "u1", stringOpt("text", " こんにちは "), intOpt("voice", 3)))
	if len(b.relay.submitted) != 1 {
		t.Fatalf("submitted %d, want 1", len(b.relay.submitted))
	}
	s := b.relay.submitted[0]
	if s.text != "こんにちは" || s.user != "u1" || s.voice == nil || *s.voice != 3 {
		t.Errorf("submitted %+v", s)
	}

	long := strings.Repeat("あ", DefaultSayLength+1)
	if r := b.dispatch(ctx, call("say", "u1", stringOpt("text", long))); !strings.Contains(r.Content, "too long") {
		t.Errorf("long say = %+v", r)
	}

	b.relay.submitErr = &relay.Error{Op: "synthesize", Guild: "g1", Err: tts.ErrEngineUnreachable}
	if r := b.dispatch(ctx, call("say", "u1", stringOpt("text", "x"))); !strings.Contains(r.Content, "not reachable") {
		t.Errorf("say with engine down = %+v", r)
	}
}

func TestVoicePreference(t *testing.T) {
	b := newTestBot(t, "")
	ctx := context.Background()

	r := b.dispatch(ctx, call("voice", "u1", intOpt("id", 3)))
	if !strings.Contains(r.Content, "ずんだもん (ノーマル)") {
		t.Errorf("voice reply = %q", r.Content)
	}
	if v, ok := b.speakers.User("u1"); !ok || v != 3 {
		t.Errorf("user voice = %d, %v, want 3", v, ok)
	}

	if r := b.dispatch(ctx, call("voice", "u1", intOpt("id", 99))); !strings.Contains(r.Content, "does not exist") {
		t.Errorf("unknown voice reply = %q", r.Content)
	}

	b.dispatch(ctx, call("voice", "u1"))
	if _, ok := b.speakers.User("u1"); ok {
		t.Error("user voice still set after clearing")
	}

	b.dispatch(ctx, call("servervoice", "u1", intOpt("id", 2)))
	if v, ok := b.speakers.Guild("g1"); !ok || v != 2 {
		t.Errorf("guild voice = %d, %v, want 2", v, ok)
	}
}

func TestVoiceAcceptedWhenEngineDown(t *testing.T) {
	b := newTestBot(t, "")
	b.relay.voices = nil
	b.relay.voicesErr = tts.ErrEngineUnreachable

	b.dispatch(context.Background(), call("voice", "u1", intOpt("id", 42)))
	if v, ok := b.speakers.User("u1"); !ok || v != 42 {
		t.Errorf("user voice = %d, %v, want 42", v, ok)
	}
}

func TestVoiceListCached(t *testing.T) {
	b := newTestBot(t, "")
	ctx := context.Background()
	b.dispatch(ctx, call("voices", "u1"))
	b.dispatch(ctx, call("voices", "u1", stringOpt("filter", "めたん")))
	if b.relay.listCalls != 1 {
		t.Errorf("ListVoices called %d times, want 1", b.relay.listCalls)
	}
}

func TestSetup(t *testing.T) {
	b := newTestBot(t, "")
	ctx := context.Background()

	b.dispatch(ctx, call("setup", "u1"))
	if !b.channels.IsRead("g1", "text1") {
		t.Fatal("toggle did not enable the channel")
	}
	b.dispatch(ctx, call("setup", "u1"))
	if b.channels.IsRead("g1", "text1") {
		t.Fatal("toggle did not disable the channel")
	}

	b.dispatch(ctx, call("setup", "u1", stringOpt("action", "enable")))
	b.dispatch(ctx, call("setup", "u1", stringOpt("action", "enable")))
	if !b.channels.IsRead("g1", "text1") {
		t.Error("explicit enable did not stick")
	}
	if got := b.channels.List("g1"); len(got) != 1 || got[0].Name != "general" {
		t.Errorf("channels = %+v", got)
	}
}

func TestPermissions(t *testing.T) {
	b := newTestBot(t, `{
		"admin_users": ["admin"],
		"commands": {
			"servervoice": {"roles": ["mods"]},
			"clear": {"default": false}
		}
	}`)
	ctx := context.Background()

	denied := func(r reply) bool { return r.Ephemeral && strings.Contains(r.Content, "permission") }

	if r := b.dispatch(ctx, call("servervoice", "u1", intOpt("id", 1))); !denied(r) {
		t.Errorf("servervoice without role = %+v", r)
	}
	inv := call("servervoice", "u1", intOpt("id", 1))
	inv.Roles = []string{"mods"}
	if r := b.dispatch(ctx, inv); denied(r) {
		t.Errorf("servervoice with role denied")
	}
	if r := b.dispatch(ctx, call("clear", "u1")); !denied(r) {
		t.Errorf("clear with default false = %+v", r)
	}
	if r := b.dispatch(ctx, call("clear", "admin")); denied(r) {
		t.Errorf("admin denied clear")
	}
	if r := b.dispatch(ctx, call("help", "u1")); denied(r) || r.Embed == nil {
		t.Errorf("help = %+v", r)
	}
}

func TestDispatchOutsideGuild(t *testing.T) {
	b := newTestBot(t, "")
	inv := call("help", "u1")
	inv.Guild = ""
	if r := b.dispatch(context.Background(), inv); !strings.Contains(r.Content, "only works in a server") {
		t.Errorf("DM command = %+v", r)
	}
}

func TestReadMessage(t *testing.T) {
	b := newTestBot(t, "")
	ctx := context.Background()

	if b.readMessage("g1", "text1", "u1", "hello") {
		t.Error("read a message from a channel that is not enabled")
	}
	b.channels.Enable("g1", "text1", "general") //nolint:errcheck
	if b.readMessage("g1", "text1", "u1", "hello") {
		t.Error("read a message while disconnected")
	}
	b.dispatch(ctx, call("join", "in-voice"))
	if b.readMessage("g1", "text1", "u1", "   ") {
		t.Error("read a blank message")
	}
	if !b.readMessage("g1", "text1", "u1", "hello") {
		t.Fatal("did not read an eligible message")
	}
	if s := b.relay.submitted[0]; s.voice != nil || s.text != "hello" {
		t.Errorf("submitted %+v", s)
	}

	b.config.IgnorePrefixes = []string{"!", ""}
	if b.readMessage("g1", "text1", "u1", "!play") {
		t.Error("read a message with an ignored prefix")
	}

	b.relay.submitErr = &queue.QueueError{Guild: "g1", Err: queue.ErrNotConnected}
	if b.readMessage("g1", "text1", "u1", "again") {
		t.Error("reported success for a failed submit")
	}
}

func TestCleanContent(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"see https://example.com/a?b=1 now", "see URL now"},
		{"<:wave:123456> hi", "wave hi"},
		{"<a:spin:42>", "spin"},
		{"  plain  ", "plain"},
	}
	for _, tt := range tests {
		if got := cleanContent(tt.in); got != tt.want {
			t.Errorf("cleanContent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestVoiceChoices(t *testing.T) {
	voices := newFakeRelay().voices

	if got := voiceChoices(voices, ""); len(got) != 3 {
		t.Errorf("empty filter gave %d choices, want 3", len(got))
	}

	got := voiceChoices(voices, "めたん")
	if len(got) != 1 || got[0].Value != 2 {
		t.Errorf("choices for めたん = %+v", got)
	}

	got = voiceChoices(voices, "3")
	if len(got) != 1 || got[0].Value != 3 || !strings.HasPrefix(got[0].Name, "3: ") {
		t.Errorf("choices for id 3 = %+v", got)
	}

	many := make([]tts.Voice, 40)
	for i := range many {
		many[i] = tts.Voice{ID: i, Speaker: "s", Style: "n"}
	}
	if got := voiceChoices(many, ""); len(got) != maxChoices {
		t.Errorf("got %d choices, want %d", len(got), maxChoices)
	}
}

func TestVoicesEmbedFooter(t *testing.T) {
	many := make([]tts.Voice, maxListLines+5)
	for i := range many {
		many[i] = tts.Voice{ID: i, Speaker: "s", Style: "n"}
	}
	e := voicesEmbed(many)
	if e.Footer == nil || !strings.HasPrefix(e.Footer.Text, "5 more") {
		t.Errorf("footer = %+v", e.Footer)
	}
}

func TestCommandsHaveHandlers(t *testing.T) {
	b := newTestBot(t, "")
	handlers := b.handlers()
	if len(handlers) != len(Commands) {
		t.Errorf("%d handlers for %d commands", len(handlers), len(Commands))
	}
	for _, c := range Commands {
		if _, ok := handlers[c.Name]; !ok {
			t.Errorf("command %q has no handler", c.Name)
		}
	}
}

func TestVoiceStateRemovedExternally(t *testing.T) {
	tb := newTestBot(t, "")
	tb.relay.connected["g1"] = "vc1"

	leave := func(user, channel string) {
		tb.onVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
			VoiceState: &discordgo.VoiceState{GuildID: "g1", UserID: user, ChannelID: channel},
		})
	}

	leave("someone", "")
	leave("bot", "vc2")
	if !tb.relay.IsConnected("g1") {
		t.Fatal("other users and channel moves must not close the session")
	}

	leave("bot", "")
	if tb.relay.IsConnected("g1") {
		t.Error("session should close when the bot is removed from voice")
	}
	if tb.voiceStateChanged("g1", "bot", "") {
		t.Error("closing an already closed guild should report false")
	}
}

func TestVoiceStateStaleLeaveIgnored(t *testing.T) {
	tb := newTestBot(t, "")
	tb.selfID = func() string { return "in-voice" }
	tb.relay.connected["g1"] = "vc1"

	if tb.voiceStateChanged("g1", "in-voice", "") {
		t.Error("a leave event is stale while state shows the bot in a channel")
	}
	if !tb.relay.IsConnected("g1") {
		t.Error("session closed on a stale leave event")
	}
}

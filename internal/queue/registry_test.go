package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakePlay is one Play call awaiting completion from the test.
type fakePlay struct {
	path string
	done chan error
}

// fakeSession records playback. In auto mode every Play completes at once;
// otherwise each call is handed to the test on plays.
type fakeSession struct {
	auto    bool
	panicOn string
	plays   chan *fakePlay

	mu      sync.Mutex
	played  []string
	closed  bool
	paused  int
	resumed int
}

func newFakeSession(auto bool) *fakeSession {
	return &fakeSession{auto: auto, plays: make(chan *fakePlay, 16)}
}

func (s *fakeSession) Play(ctx context.Context, path string) <-chan error {
	if s.panicOn != "" && filepath.Base(path) == s.panicOn {
		panic("boom")
	}
	s.mu.Lock()
	s.played = append(s.played, filepath.Base(path))
	s.mu.Unlock()

	done := make(chan error, 1)
	if s.auto {
		done <- nil
		return done
	}
	s.plays <- &fakePlay{path: path, done: done}
	return done
}

func (s *fakeSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused++
}

func (s *fakeSession) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumed++
}

func (s *fakeSession) Played() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.played...)
}

func (s *fakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeProvider hands out prepared sessions in order.
type fakeProvider struct {
	mu       sync.Mutex
	sessions []*fakeSession
	err      error
	calls    int
}

func (p *fakeProvider) Connect(_ context.Context, guild, channel string) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if len(p.sessions) == 0 {
		return newFakeSession(true), nil
	}
	s := p.sessions[0]
	p.sessions = p.sessions[1:]
	return s, nil
}

func writeAudio(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func nextPlay(t *testing.T, s *fakeSession) *fakePlay {
	t.Helper()
	select {
	case p := <-s.plays:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for playback to start")
		return nil
	}
}

func TestRegistry_EnqueueRequiresConnection(t *testing.T) {
	r := NewRegistry(&fakeProvider{}, Config{}, nil)

	_, err := r.Enqueue("g1", Item{AudioPath: "a.wav", Text: "a"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Expected ErrNotConnected, got %v", err)
	}
	var qe *QueueError
	if !errors.As(err, &qe) || qe.Guild != "g1" {
		t.Errorf("Expected QueueError for g1, got %v", err)
	}
}

func TestRegistry_PlaysInOrder(t *testing.T) {
	dir := t.TempDir()
	session := newFakeSession(false)
	r := NewRegistry(&fakeProvider{sessions: []*fakeSession{session}}, Config{}, nil)

	if err := r.Connect(context.Background(), "g1", "v1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for _, name := range []string{"1.wav", "2.wav", "3.wav"} {
		out, err := r.Enqueue("g1", Item{AudioPath: writeAudio(t, dir, name), Text: name})
		if err != nil || out != Enqueued {
			t.Fatalf("Enqueue(%s) = %v, %v", name, out, err)
		}
	}

	for _, want := range []string{"1.wav", "2.wav", "3.wav"} {
		p := nextPlay(t, session)
		if filepath.Base(p.path) != want {
			t.Errorf("Played %s, want %s", filepath.Base(p.path), want)
		}
		if st := r.Status("g1"); !st.Playing {
			t.Error("Guild should be playing")
		}
		p.done <- nil
	}

	waitFor(t, "idle guild", func() bool { return !r.Status("g1").Playing })
	if st := r.Status("g1"); !st.Connected || st.Pending != 0 {
		t.Errorf("Unexpected final status %+v", st)
	}
	if st := r.Stats(); st.TotalPlayed != 3 {
		t.Errorf("Expected 3 played, got %d", st.TotalPlayed)
	}
}

func TestRegistry_Dedup(t *testing.T) {
	dir := t.TempDir()
	session := newFakeSession(false)
	r := NewRegistry(&fakeProvider{sessions: []*fakeSession{session}}, Config{}, nil)
	if err := r.Connect(context.Background(), "g1", "v1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	a := writeAudio(t, dir, "a.wav")
	b := writeAudio(t, dir, "b.wav")

	if out, _ := r.Enqueue("g1", Item{AudioPath: a, Text: "おはよう"}); out != Enqueued {
		t.Fatalf("First enqueue = %v", out)
	}
	first := nextPlay(t, session)

	tests := []struct {
		name string
		item Item
		want Outcome
	}{
		{"new text", Item{AudioPath: b, Text: "こんばんは"}, Enqueued},
		{"same text pending", Item{AudioPath: b, Text: "こんばんは"}, Deduplicated},
		{"same text, different file", Item{AudioPath: a, Text: "こんばんは"}, Deduplicated},
		{"text currently playing", Item{AudioPath: a, Text: "おはよう"}, Enqueued},
		{"near duplicate is distinct", Item{AudioPath: a, Text: "こんばんは。"}, Enqueued},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Enqueue("g1", tt.item)
			if err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			if out != tt.want {
				t.Errorf("Outcome = %v, want %v", out, tt.want)
			}
			if !out.OK() {
				t.Error("Outcome should be OK")
			}
		})
	}

	if n := r.Len("g1"); n != 3 {
		t.Errorf("Expected 3 pending, got %d", n)
	}
	if st := r.Stats(); st.TotalDeduped != 2 {
		t.Errorf("Expected 2 deduplicated, got %d", st.TotalDeduped)
	}

	first.done <- nil
	for i := 0; i < 3; i++ {
		nextPlay(t, session).done <- nil
	}
	waitFor(t, "idle guild", func() bool { return !r.Status("g1").Playing })
}

func TestRegistry_DisconnectClearsState(t *testing.T) {
	dir := t.TempDir()
	session := newFakeSession(false)
	r := NewRegistry(&fakeProvider{sessions: []*fakeSession{session}}, Config{}, nil)

	if err := r.Connect(context.Background(), "g1", "v1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	for _, name := range []string{"a.wav", "b.wav"} {
		if _, err := r.Enqueue("g1", Item{AudioPath: writeAudio(t, dir, name), Text: name}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	nextPlay(t, session)

	if err := r.Disconnect("g1"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if r.IsConnected("g1") {
		t.Error("Guild should be disconnected")
	}
	if !session.Closed() {
		t.Error("Session should be closed")
	}
	if st := r.Status("g1"); st.Pending != 0 || st.Playing {
		t.Errorf("State not reset: %+v", st)
	}

	_, err := r.Enqueue("g1", Item{AudioPath: writeAudio(t, dir, "c.wav"), Text: "c"})
	var qe *QueueError
	if !errors.As(err, &qe) || !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected QueueError after disconnect, got %v", err)
	}

	// Disconnecting again is a no-op
	if err := r.Disconnect("g1"); err != nil {
		t.Errorf("Second disconnect failed: %v", err)
	}
	if err := r.Disconnect("unknown"); err != nil {
		t.Errorf("Disconnect of unknown guild failed: %v", err)
	}

	// The cancelled driver exits
	if err := r.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestRegistry_MissingFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	session := newFakeSession(true)
	r := NewRegistry(&fakeProvider{sessions: []*fakeSession{session}}, Config{}, nil)
	if err := r.Connect(context.Background(), "g1", "v1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	missing := filepath.Join(dir, "gone.wav")
	present := writeAudio(t, dir, "here.wav")
	r.Enqueue("g1", Item{AudioPath: missing, Text: "gone"}) //nolint:errcheck
	r.Enqueue("g1", Item{AudioPath: present, Text: "here"}) //nolint:errcheck

	waitFor(t, "queue drained", func() bool { return !r.Status("g1").Playing })

	played := session.Played()
	if len(played) != 1 || played[0] != "here.wav" {
		t.Errorf("Expected only here.wav to play, got %v", played)
	}
	if st := r.Stats(); st.TotalSkipped != 1 || st.TotalPlayed != 1 {
		t.Errorf("Unexpected stats %+v", st)
	}
}

func TestRegistry_RecoversFromPanic(t *testing.T) {
	dir := t.TempDir()
	session := newFakeSession(true)
	session.panicOn = "bad.wav"
	r := NewRegistry(&fakeProvider{sessions: []*fakeSession{session}}, Config{}, nil)
	if err := r.Connect(context.Background(), "g1", "v1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	r.Enqueue("g1", Item{AudioPath: writeAudio(t, dir, "bad.wav"), Text: "bad"})   //nolint:errcheck
	r.Enqueue("g1", Item{AudioPath: writeAudio(t, dir, "good.wav"), Text: "good"}) //nolint:errcheck

	waitFor(t, "queue drained", func() bool { return !r.Status("g1").Playing })

	if played := session.Played(); len(played) != 1 || played[0] != "good.wav" {
		t.Errorf("Expected good.wav to play after the panic, got %v", played)
	}
	if st := r.Stats(); st.TotalPanics != 1 {
		t.Errorf("Expected 1 recovered panic, got %d", st.TotalPanics)
	}
}

func TestRegistry_DisposesScratchFiles(t *testing.T) {
	scratch := t.TempDir()
	cacheDir := filepath.Join(scratch, "cache")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		t.Fatal(err)
	}
	outside := t.TempDir()

	r := NewRegistry(&fakeProvider{}, Config{ScratchDir: scratch, CacheDir: cacheDir}, nil)
	if err := r.Connect(context.Background(), "g1", "v1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	tmp := writeAudio(t, scratch, "combined_1234.wav")
	cached := writeAudio(t, cacheDir, "abcdef.wav")
	foreign := writeAudio(t, outside, "mine.wav")

	for i, p := range []string{tmp, cached, foreign} {
		if _, err := r.Enqueue("g1", Item{AudioPath: p, Text: fmt.Sprint(i)}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	waitFor(t, "queue drained", func() bool { return r.Stats().TotalPlayed == 3 && !r.Status("g1").Playing })

	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Error("Scratch file should be deleted after playback")
	}
	if _, err := os.Stat(cached); err != nil {
		t.Error("Cached artifact must survive playback")
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Error("Files outside the scratch dir must survive playback")
	}
}

func TestRegistry_ConnectErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not found", fmt.Errorf("lookup: %w", ErrChannelNotFound), ErrChannelNotFound},
		{"not voice", &VoiceError{Kind: ErrNotVoiceChannel}, ErrNotVoiceChannel},
		{"other", errors.New("handshake timeout"), ErrConnectFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(&fakeProvider{err: tt.err}, Config{}, nil)
			err := r.Connect(context.Background(), "g1", "c1")
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			var ve *VoiceError
			if !errors.As(err, &ve) || ve.Guild != "g1" || ve.Channel != "c1" {
				t.Errorf("Expected VoiceError for g1/c1, got %#v", err)
			}
			if r.IsConnected("g1") {
				t.Error("Failed connect must leave the guild disconnected")
			}
		})
	}
}

func TestRegistry_ReconnectReplacesSession(t *testing.T) {
	first, second := newFakeSession(true), newFakeSession(true)
	p := &fakeProvider{sessions: []*fakeSession{first, second}}
	r := NewRegistry(p, Config{}, nil)

	if err := r.Connect(context.Background(), "g1", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Connect(context.Background(), "g1", "v2"); err != nil {
		t.Fatal(err)
	}

	if !first.Closed() {
		t.Error("Previous session should be closed on reconnect")
	}
	if second.Closed() || !r.IsConnected("g1") {
		t.Error("New session should be live")
	}
	if p.calls != 2 {
		t.Errorf("Expected 2 provider calls, got %d", p.calls)
	}
}

func TestRegistry_IdleTimeout(t *testing.T) {
	dir := t.TempDir()
	session := newFakeSession(true)
	r := NewRegistry(&fakeProvider{sessions: []*fakeSession{session}}, Config{IdleTimeout: 30 * time.Millisecond}, nil)
	if err := r.Connect(context.Background(), "g1", "v1"); err != nil {
		t.Fatal(err)
	}

	r.Enqueue("g1", Item{AudioPath: writeAudio(t, dir, "a.wav"), Text: "a"}) //nolint:errcheck

	waitFor(t, "idle disconnect", func() bool { return !r.IsConnected("g1") })
	if !session.Closed() {
		t.Error("Session should be closed by the idle timer")
	}
	if st := r.Stats(); st.IdleDisconnects != 1 {
		t.Errorf("Expected 1 idle disconnect, got %d", st.IdleDisconnects)
	}
}

func TestRegistry_ClearAndPause(t *testing.T) {
	dir := t.TempDir()
	session := newFakeSession(false)
	r := NewRegistry(&fakeProvider{sessions: []*fakeSession{session}}, Config{}, nil)

	if r.Clear("g1") || r.Pause("g1") {
		t.Error("Clear and Pause should fail when not connected")
	}
	if err := r.Connect(context.Background(), "g1", "v1"); err != nil {
		t.Fatal(err)
	}
	if r.Pause("g1") {
		t.Error("Pause should fail when nothing is playing")
	}

	for _, name := range []string{"a.wav", "b.wav", "c.wav"} {
		r.Enqueue("g1", Item{AudioPath: writeAudio(t, dir, name), Text: name}) //nolint:errcheck
	}
	current := nextPlay(t, session)

	if !r.Pause("g1") || !r.Resume("g1") {
		t.Error("Pause and Resume should pass through while playing")
	}
	if session.paused != 1 || session.resumed != 1 {
		t.Errorf("Session saw %d pauses and %d resumes", session.paused, session.resumed)
	}

	if !r.Clear("g1") {
		t.Fatal("Clear failed")
	}
	if n := r.Len("g1"); n != 0 {
		t.Errorf("Expected empty queue after clear, got %d", n)
	}
	if !r.Status("g1").Playing {
		t.Error("Current playback should continue after clear")
	}

	current.done <- nil
	waitFor(t, "idle guild", func() bool { return !r.Status("g1").Playing })
	if played := session.Played(); len(played) != 1 {
		t.Errorf("Cleared items were played: %v", played)
	}
}

func TestRegistry_GuildsAreIndependent(t *testing.T) {
	dir := t.TempDir()
	s1, s2 := newFakeSession(false), newFakeSession(true)
	r := NewRegistry(&fakeProvider{sessions: []*fakeSession{s1, s2}}, Config{}, nil)

	if err := r.Connect(context.Background(), "g1", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Connect(context.Background(), "g2", "v2"); err != nil {
		t.Fatal(err)
	}

	r.Enqueue("g1", Item{AudioPath: writeAudio(t, dir, "slow.wav"), Text: "slow"}) //nolint:errcheck
	blocked := nextPlay(t, s1)

	// g2 plays while g1 is stuck
	r.Enqueue("g2", Item{AudioPath: writeAudio(t, dir, "fast.wav"), Text: "fast"}) //nolint:errcheck
	waitFor(t, "g2 to play", func() bool { return len(s2.Played()) == 1 && !r.Status("g2").Playing })

	if len(r.Guilds()) != 2 {
		t.Errorf("Expected 2 connected guilds, got %v", r.Guilds())
	}

	blocked.done <- nil
	if err := r.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if r.IsConnected("g1") || r.IsConnected("g2") {
		t.Error("Close should disconnect every guild")
	}
}

package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/muesli/reflow/truncate"
)

// Item is one pending utterance.
type Item struct {
	AudioPath string
	Requester string // Optional
	Text      string // Source text, used for deduplication
}

// Outcome tells an enqueue that appended from one that was absorbed by an
// identical pending item.
type Outcome int

const (
	Enqueued Outcome = iota
	Deduplicated
)

// OK reports whether the item is, or already was, waiting to be played.
func (o Outcome) OK() bool {
	return o == Enqueued || o == Deduplicated
}

func (o Outcome) String() string {
	switch o {
	case Enqueued:
		return "enqueued"
	case Deduplicated:
		return "deduplicated"
	default:
		return "unknown"
	}
}

// Config holds configuration for the registry.
type Config struct {
	// ScratchDir is where synthesis writes its output. Played files inside it
	// are deleted, except those under CacheDir.
	ScratchDir string
	CacheDir   string

	// IdleTimeout disconnects a guild that has had nothing to play for this
	// long. 0 keeps idle sessions open.
	IdleTimeout time.Duration
}

// Stats tracks playback metrics across all guilds
type Stats struct {
	Connected       int   `json:"connected"`
	Playing         int   `json:"playing"`
	Pending         int   `json:"pending"`
	TotalEnqueued   int64 `json:"total_enqueued"`
	TotalDeduped    int64 `json:"total_deduped"`
	TotalPlayed     int64 `json:"total_played"`
	TotalSkipped    int64 `json:"total_skipped"` // Items whose file was gone
	TotalFailed     int64 `json:"total_failed"`
	TotalPanics     int64 `json:"total_panics"`
	IdleDisconnects int64 `json:"idle_disconnects"`
}

// GuildStatus is a point in time view of one guild.
type GuildStatus struct {
	Connected bool
	Playing   bool
	Pending   int
}

// guildState is the playback state of one guild. Every field is guarded by mu.
type guildState struct {
	mu      sync.Mutex
	id      string
	session Session
	queue   []Item
	playing bool
	cancel  context.CancelFunc
	idle    *time.Timer
	gen     uint64 // Bumped on every connect and disconnect
	logger  *log.Logger
}

// Registry owns the voice sessions and playback queues of all guilds.
type Registry struct {
	provider VoiceProvider
	config   Config
	logger   *log.Logger

	mu     sync.Mutex
	guilds map[string]*guildState
	wg     sync.WaitGroup

	enqueued, deduped, played, skipped, failed, panics, idled atomic.Int64
}

// NewRegistry creates a registry that opens sessions through provider.
func NewRegistry(provider VoiceProvider, config Config, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		provider: provider,
		config:   config,
		logger:   logger.WithPrefix("queue"),
		guilds:   make(map[string]*guildState),
	}
}

// guild returns the state for id, creating it on first use.
func (r *Registry) guild(id string) *guildState {
	r.mu.Lock()
	defer r.mu.Unlock()

	gs, ok := r.guilds[id]
	if !ok {
		gs = &guildState{id: id, logger: r.logger.With("guild", id)}
		r.guilds[id] = gs
	}
	return gs
}

// lookup returns the state for id without creating it.
func (r *Registry) lookup(id string) (*guildState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gs, ok := r.guilds[id]
	return gs, ok
}

// Connect opens a voice session for guild in channel. An existing session is
// torn down first.
func (r *Registry) Connect(ctx context.Context, guild, channel string) error {
	gs := r.guild(guild)
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.session != nil {
		if err := r.disconnectLocked(gs); err != nil {
			gs.logger.Warn("Failed to close previous session", "err", err)
		}
	}

	session, err := r.provider.Connect(ctx, guild, channel)
	if err != nil {
		return asVoiceError(guild, channel, err)
	}
	if session == nil {
		return &VoiceError{Guild: guild, Channel: channel, Kind: ErrConnectFailed}
	}

	gs.gen++
	gs.session = session
	gs.queue = nil
	gs.playing = false
	gs.logger.Info("Connected", "channel", channel)
	return nil
}

// Disconnect closes the guild's session, stops its driver and drops pending
// items. It succeeds when the guild is not connected.
func (r *Registry) Disconnect(guild string) error {
	gs, ok := r.lookup(guild)
	if !ok {
		return nil
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.session == nil {
		return nil
	}
	if err := r.disconnectLocked(gs); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	gs.logger.Info("Disconnected")
	return nil
}

func (r *Registry) disconnectLocked(gs *guildState) error {
	if gs.cancel != nil {
		gs.cancel()
		gs.cancel = nil
	}
	if gs.idle != nil {
		gs.idle.Stop()
		gs.idle = nil
	}
	session := gs.session
	gs.session = nil
	gs.queue = nil
	gs.playing = false
	gs.gen++

	if session == nil {
		return nil
	}
	return session.Disconnect()
}

// Enqueue appends item to the guild's queue and starts the driver when the
// guild is idle. An item whose text is already pending is dropped and
// reported as Deduplicated.
func (r *Registry) Enqueue(guild string, item Item) (Outcome, error) {
	gs, ok := r.lookup(guild)
	if !ok {
		return 0, &QueueError{Guild: guild, Err: ErrNotConnected}
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.session == nil {
		return 0, &QueueError{Guild: guild, Err: ErrNotConnected}
	}

	for _, pending := range gs.queue {
		if pending.Text == item.Text {
			r.deduped.Add(1)
			gs.logger.Debug("Dropped duplicate", "text", preview(item.Text))
			return Deduplicated, nil
		}
	}

	gs.queue = append(gs.queue, item)
	r.enqueued.Add(1)

	if gs.idle != nil {
		gs.idle.Stop()
		gs.idle = nil
	}

	if !gs.playing {
		gs.playing = true
		ctx, cancel := context.WithCancel(context.Background())
		gs.cancel = cancel
		r.wg.Add(1)
		go r.drive(ctx, gs, gs.session, gs.gen)
	}
	return Enqueued, nil
}

// drive plays the guild's queue until it is empty or the session it was
// started for is gone.
func (r *Registry) drive(ctx context.Context, gs *guildState, session Session, gen uint64) {
	defer r.wg.Done()

	for {
		gs.mu.Lock()
		if ctx.Err() != nil || gs.gen != gen {
			gs.mu.Unlock()
			return
		}
		if len(gs.queue) == 0 {
			gs.playing = false
			if gs.cancel != nil {
				gs.cancel()
				gs.cancel = nil
			}
			r.armIdleLocked(gs)
			gs.mu.Unlock()
			return
		}
		item := gs.queue[0]
		gs.queue = gs.queue[1:]
		gs.mu.Unlock()

		r.play(ctx, gs.logger, session, item)
	}
}

// play runs one item to completion. A panic inside the session is contained
// so the rest of the queue still plays.
func (r *Registry) play(ctx context.Context, logger *log.Logger, session Session, item Item) {
	defer func() {
		if p := recover(); p != nil {
			r.panics.Add(1)
			logger.Error("Recovered from playback panic", "panic", p, "path", item.AudioPath)
		}
	}()
	defer r.dispose(item.AudioPath)

	if _, err := os.Stat(item.AudioPath); err != nil {
		r.skipped.Add(1)
		logger.Warn("Audio file missing, skipping", "path", item.AudioPath)
		return
	}

	start := time.Now()
	done := session.Play(ctx, item.AudioPath)
	select {
	case err := <-done:
		if err != nil {
			r.failed.Add(1)
			logger.Error("Playback failed", "path", item.AudioPath, "err", err)
			return
		}
		r.played.Add(1)
		logger.Debug("Played", "text", preview(item.Text), "took", time.Since(start).Round(time.Millisecond))
	case <-ctx.Done():
		logger.Debug("Playback cancelled", "path", item.AudioPath)
	}
}

// dispose deletes a played scratch file. Cached artifacts and files outside
// the scratch directory are left alone.
func (r *Registry) dispose(path string) {
	if r.config.ScratchDir == "" || !within(r.config.ScratchDir, path) {
		return
	}
	if r.config.CacheDir != "" && within(r.config.CacheDir, path) {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("Failed to remove played file", "path", path, "err", err)
	}
}

func (r *Registry) armIdleLocked(gs *guildState) {
	if r.config.IdleTimeout <= 0 {
		return
	}
	gen := gs.gen
	gs.idle = time.AfterFunc(r.config.IdleTimeout, func() {
		gs.mu.Lock()
		defer gs.mu.Unlock()

		if gs.gen != gen || gs.playing || len(gs.queue) > 0 || gs.session == nil {
			return
		}
		if err := r.disconnectLocked(gs); err != nil {
			gs.logger.Warn("Idle disconnect failed", "err", err)
		}
		r.idled.Add(1)
		gs.logger.Info("Disconnected after idle timeout", "timeout", r.config.IdleTimeout)
	})
}

// Clear drops every pending item. The item currently playing is not
// interrupted.
func (r *Registry) Clear(guild string) bool {
	gs, ok := r.lookup(guild)
	if !ok {
		return false
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.session == nil {
		return false
	}
	for _, item := range gs.queue {
		r.dispose(item.AudioPath)
	}
	gs.queue = nil
	return true
}

// Pause suspends the current playback when the session supports it.
func (r *Registry) Pause(guild string) bool {
	return r.withPauser(guild, Pauser.Pause)
}

// Resume continues a paused playback.
func (r *Registry) Resume(guild string) bool {
	return r.withPauser(guild, Pauser.Resume)
}

func (r *Registry) withPauser(guild string, fn func(Pauser)) bool {
	gs, ok := r.lookup(guild)
	if !ok {
		return false
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()

	p, ok := gs.session.(Pauser)
	if !ok || !gs.playing {
		return false
	}
	fn(p)
	return true
}

// IsConnected reports whether guild has a voice session.
func (r *Registry) IsConnected(guild string) bool {
	return r.Status(guild).Connected
}

// Len returns the number of pending items for guild.
func (r *Registry) Len(guild string) int {
	return r.Status(guild).Pending
}

// Status returns the current state of guild.
func (r *Registry) Status(guild string) GuildStatus {
	gs, ok := r.lookup(guild)
	if !ok {
		return GuildStatus{}
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return GuildStatus{
		Connected: gs.session != nil,
		Playing:   gs.playing,
		Pending:   len(gs.queue),
	}
}

// Guilds returns the IDs of connected guilds.
func (r *Registry) Guilds() []string {
	r.mu.Lock()
	states := make([]*guildState, 0, len(r.guilds))
	for _, gs := range r.guilds {
		states = append(states, gs)
	}
	r.mu.Unlock()

	var ids []string
	for _, gs := range states {
		gs.mu.Lock()
		if gs.session != nil {
			ids = append(ids, gs.id)
		}
		gs.mu.Unlock()
	}
	return ids
}

// Stats returns playback statistics.
func (r *Registry) Stats() Stats {
	stats := Stats{
		TotalEnqueued:   r.enqueued.Load(),
		TotalDeduped:    r.deduped.Load(),
		TotalPlayed:     r.played.Load(),
		TotalSkipped:    r.skipped.Load(),
		TotalFailed:     r.failed.Load(),
		TotalPanics:     r.panics.Load(),
		IdleDisconnects: r.idled.Load(),
	}

	r.mu.Lock()
	states := make([]*guildState, 0, len(r.guilds))
	for _, gs := range r.guilds {
		states = append(states, gs)
	}
	r.mu.Unlock()

	for _, gs := range states {
		gs.mu.Lock()
		if gs.session != nil {
			stats.Connected++
		}
		if gs.playing {
			stats.Playing++
		}
		stats.Pending += len(gs.queue)
		gs.mu.Unlock()
	}
	return stats
}

// Close disconnects every guild and waits for the drivers to exit.
func (r *Registry) Close() error {
	var firstErr error
	for _, id := range r.Guilds() {
		if err := r.Disconnect(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.wg.Wait()
	return firstErr
}

func within(root, path string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func preview(text string) string {
	return truncate.StringWithTail(text, 40, "…")
}

package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
)

const (
	// CurrentFileName holds the latest counters, rewritten every interval
	CurrentFileName = "stats.json"

	snapshotPrefix = "stats_"
	snapshotSuffix = ".json.zst"
	snapshotLayout = "20060102_150405"
)

// ErrNoSnapshot is returned when a directory holds no snapshots.
var ErrNoSnapshot = errors.New("no stats snapshot found")

// Config holds configuration for the recorder.
type Config struct {
	Dir              string        // Directory for stats.json and snapshots
	Interval         time.Duration // How often stats.json is written (0 disables)
	SnapshotInterval time.Duration // How often a compressed snapshot is kept (0 disables)
	Retention        time.Duration // Snapshots older than this are removed (0 keeps all)
}

// DefaultConfig returns the default recorder configuration.
func DefaultConfig() Config {
	return Config{
		Dir:              "stats",
		Interval:         120 * time.Second,
		SnapshotInterval: time.Hour,
		Retention:        30 * 24 * time.Hour,
	}
}

// Recorder periodically persists counters.
type Recorder struct {
	counters *Counters
	config   Config
	logger   *log.Logger

	// presence is told about every status write
	presence func(Snapshot)
}

// NewRecorder creates a recorder for counters.
func NewRecorder(counters *Counters, config Config, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Default()
	}
	return &Recorder{
		counters: counters,
		config:   config,
		logger:   logger.WithPrefix("stats"),
	}
}

// OnStatus registers a callback run after every status write.
func (r *Recorder) OnStatus(fn func(Snapshot)) {
	r.presence = fn
}

// Run writes status on every interval and snapshots on every snapshot
// interval until ctx is cancelled. A final status write happens on exit.
func (r *Recorder) Run(ctx context.Context) error {
	if err := os.MkdirAll(r.config.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create stats directory: %w", err)
	}

	statusC, stopStatus := ticker(r.config.Interval)
	defer stopStatus()
	snapshotC, stopSnapshot := ticker(r.config.SnapshotInterval)
	defer stopSnapshot()

	r.status()

	for {
		select {
		case <-ctx.Done():
			if _, err := r.WriteCurrent(); err != nil {
				r.logger.Warn("Failed to write final stats", "err", err)
			}
			return nil
		case <-statusC:
			r.status()
		case <-snapshotC:
			if path, err := r.WriteSnapshot(); err != nil {
				r.logger.Warn("Failed to write snapshot", "err", err)
			} else {
				r.logger.Debug("Wrote snapshot", "path", path)
			}
			if n, err := PruneSnapshots(r.config.Dir, r.config.Retention, time.Now()); err != nil {
				r.logger.Warn("Failed to prune snapshots", "err", err)
			} else if n > 0 {
				r.logger.Info("Pruned old snapshots", "count", n)
			}
		}
	}
}

func (r *Recorder) status() {
	snap, err := r.WriteCurrent()
	if err != nil {
		r.logger.Warn("Failed to write stats", "err", err)
		return
	}
	r.logger.Debug("Status",
		"words", humanize.Comma(snap.WordsRead),
		"messages", humanize.Comma(snap.MessagesProcessed),
		"hit_ratio", fmt.Sprintf("%.1f%%", snap.HitRatio))
	if r.presence != nil {
		r.presence(snap)
	}
}

// WriteCurrent rewrites stats.json with the current counters.
func (r *Recorder) WriteCurrent() (Snapshot, error) {
	snap := r.counters.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return snap, fmt.Errorf("failed to marshal stats: %w", err)
	}
	path := filepath.Join(r.config.Dir, CurrentFileName)
	if err := writeAtomic(path, data); err != nil {
		return snap, err
	}
	return snap, nil
}

// WriteSnapshot stores the current counters as a zstd compressed snapshot and
// returns its path.
func (r *Recorder) WriteSnapshot() (string, error) {
	snap := r.counters.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return "", fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer enc.Close() //nolint:errcheck

	name := snapshotPrefix + snap.Timestamp.Format(snapshotLayout) + snapshotSuffix
	path := filepath.Join(r.config.Dir, name)
	if err := writeAtomic(path, enc.EncodeAll(data, nil)); err != nil {
		return "", err
	}
	return path, nil
}

// ReadSnapshot decodes one compressed snapshot.
func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot

	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return snap, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return snap, fmt.Errorf("failed to decompress %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return snap, nil
}

// ReadCurrent decodes stats.json from dir.
func ReadCurrent(dir string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(filepath.Join(dir, CurrentFileName))
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("failed to decode %s: %w", CurrentFileName, err)
	}
	return snap, nil
}

// LatestSnapshot decodes the newest snapshot in dir.
func LatestSnapshot(dir string) (Snapshot, error) {
	snaps, err := listSnapshots(dir)
	if err != nil {
		return Snapshot{}, err
	}
	if len(snaps) == 0 {
		return Snapshot{}, ErrNoSnapshot
	}
	return ReadSnapshot(snaps[len(snaps)-1].path)
}

// PruneSnapshots removes snapshots taken more than retention before now.
func PruneSnapshots(dir string, retention time.Duration, now time.Time) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	snaps, err := listSnapshots(dir)
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-retention)
	removed := 0
	for _, s := range snaps {
		if !s.taken.Before(cutoff) {
			continue
		}
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

type snapshotFile struct {
	path  string
	taken time.Time
}

// listSnapshots returns the snapshots in dir, oldest first. Files whose
// name does not parse are ignored.
func listSnapshots(dir string) ([]snapshotFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var snaps []snapshotFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix)
		taken, err := time.ParseInLocation(snapshotLayout, stamp, time.Local)
		if err != nil {
			continue
		}
		snaps = append(snaps, snapshotFile{path: filepath.Join(dir, name), taken: taken})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].taken.Before(snaps[j].taken) })
	return snaps, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ticker returns a ticker channel for d, or a nil channel that never fires
// when d is 0.
func ticker(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}

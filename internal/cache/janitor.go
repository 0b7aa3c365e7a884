package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Janitor runs the periodic cache housekeeping: age eviction, budget
// eviction, orphan removal and scratch cleanup.
type Janitor struct {
	store  *Store
	config Config
	logger *log.Logger

	mu    sync.Mutex
	stats JanitorStats
}

// JanitorStats tracks janitor activity.
type JanitorStats struct {
	Runs        int64
	LastRun     time.Time
	LastResult  SweepResult
	TotalEvicts int64
}

// SweepResult reports what a single pass removed.
type SweepResult struct {
	Stale    int
	Budget   int
	Orphans  int
	Scratch  int
	Duration time.Duration
}

// NewJanitor creates a janitor for store.
func NewJanitor(store *Store, config Config, logger *log.Logger) *Janitor {
	if logger == nil {
		logger = log.Default()
	}
	if config.ScratchMaxAge <= 0 {
		config.ScratchMaxAge = time.Hour
	}
	return &Janitor{
		store:  store,
		config: config,
		logger: logger.WithPrefix("janitor"),
	}
}

// Run sweeps once immediately and then on every interval until ctx is
// cancelled. The index is flushed before returning.
func (j *Janitor) Run(ctx context.Context) error {
	j.Sweep()

	var tick <-chan time.Time
	if j.config.Interval > 0 {
		ticker := time.NewTicker(j.config.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			j.Sweep()
		case <-ctx.Done():
			if err := j.store.Flush(); err != nil {
				j.logger.Warn("Could not flush cache index", "err", err)
			}
			j.logger.Debug("Janitor stopped")
			return nil
		}
	}
}

// Sweep performs one housekeeping pass.
func (j *Janitor) Sweep() SweepResult {
	start := time.Now()

	var res SweepResult

	// Remove entries not accessed within max age
	res.Stale = j.store.EvictStale(j.config.MaxAge)

	// Enforce the byte budget
	res.Budget = j.store.EvictToBudget(j.config.MaxBytes)

	res.Orphans = j.store.RemoveOrphans()

	if j.config.TempDir != "" {
		res.Scratch = sweepScratch(j.config.TempDir, j.config.ScratchMaxAge, j.store.Root())
	}

	if err := j.store.Flush(); err != nil {
		j.logger.Warn("Could not flush cache index", "err", err)
	}

	res.Duration = time.Since(start)

	j.mu.Lock()
	j.stats.Runs++
	j.stats.LastRun = start
	j.stats.LastResult = res
	j.stats.TotalEvicts += int64(res.Stale + res.Budget)
	j.mu.Unlock()

	if res.Stale+res.Budget+res.Orphans+res.Scratch > 0 {
		j.logger.Info("Cache cleanup finished",
			"stale", res.Stale,
			"budget", res.Budget,
			"orphans", res.Orphans,
			"scratch", res.Scratch,
			"took", res.Duration)
	} else {
		j.logger.Debug("Cache cleanup found nothing to do")
	}

	return res
}

// Stats returns janitor statistics.
func (j *Janitor) Stats() JanitorStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

// sweepScratch removes synthesis leftovers in dir older than maxAge. It does
// not descend into subdirectories, which keeps the cache directory safe even
// when it is nested inside dir.
func sweepScratch(dir string, maxAge time.Duration, cacheRoot string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if !strings.HasSuffix(name, ".wav") && !strings.HasSuffix(name, ".txt") {
			continue
		}
		path := filepath.Join(dir, name)
		if within(cacheRoot, path) {
			continue
		}
		info, err := de.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	return removed
}

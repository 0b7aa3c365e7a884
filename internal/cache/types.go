package cache

import (
	"errors"
	"time"
)

// Common errors for cache operations
var (
	// ErrCacheCorrupted is returned when the index document cannot be decoded
	ErrCacheCorrupted = errors.New("cache index corrupted")

	// ErrEmptyKey is returned when inserting without a key
	ErrEmptyKey = errors.New("cache key is empty")

	// ErrSourceMissing is returned when the artifact to insert does not exist
	ErrSourceMissing = errors.New("source artifact missing")
)

// IndexFileName is the name of the index document inside the cache directory.
const IndexFileName = "cache_info.json"

// budgetFloor is the fraction of the byte budget that EvictToBudget frees down to.
const budgetFloor = 0.8

// Entry describes one cached artifact.
type Entry struct {
	Key          string    `json:"-"`
	Text         string    `json:"text"`
	SpeakerID    int       `json:"speaker_id"`
	Path         string    `json:"path"`
	Size         int64     `json:"size,omitempty"`
	Created      time.Time `json:"created"`
	LastAccessed time.Time `json:"last_accessed"`
}

// indexDocument is the on-disk shape of the cache index.
type indexDocument struct {
	Files map[string]*Entry `json:"files"`
}

// Stats holds cache performance metrics
type Stats struct {
	Entries int   // Number of indexed artifacts
	Bytes   int64 // Recorded size of indexed artifacts

	Hits      int64
	Misses    int64
	Purged    int64 // Entries dropped because their file vanished
	Evictions int64

	LastEviction time.Time
	LastSave     time.Time
}

// HitRate returns hits / (hits + misses), or 0 before the first lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Config holds configuration for the store and its janitor.
type Config struct {
	Dir     string // Directory holding artifacts and the index
	TempDir string // Scratch directory swept for orphaned synthesis output

	MaxAge   time.Duration // Entries not accessed for this long are evicted (0 disables)
	MaxBytes int64         // Byte budget for indexed artifacts (0 disables)
	Interval time.Duration // How often the janitor runs (0 runs once)

	ScratchMaxAge time.Duration // Scratch files older than this are removed
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Dir:           "temp/cache",
		TempDir:       "temp",
		MaxAge:        30 * 24 * time.Hour,
		MaxBytes:      500 * 1024 * 1024, // 500MB
		Interval:      24 * time.Hour,
		ScratchMaxAge: time.Hour,
	}
}

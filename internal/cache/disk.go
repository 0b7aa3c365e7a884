package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/text/unicode/norm"
)

// Store is the disk-backed audio cache. All index mutations and index writes
// happen under mu, so two saves never interleave.
type Store struct {
	root   string
	logger *log.Logger

	// Index for lookups, persisted whole to root/cache_info.json
	index map[string]*Entry
	dirty bool // last_accessed changed since the last save

	mu    sync.Mutex
	stats Stats

	now func() time.Time
}

// Open creates the cache directory if needed and loads the index. A missing
// or unreadable index is not an error: the store starts empty.
func Open(root string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache directory: %w", err)
	}

	s := &Store{
		root:   abs,
		logger: logger.WithPrefix("cache"),
		index:  make(map[string]*Entry),
		now:    time.Now,
	}

	if err := s.load(); err != nil {
		// Non-fatal: just start with empty index
		s.logger.Warn("Could not load cache index, starting empty", "err", err)
		s.index = make(map[string]*Entry)
	}

	s.logger.Debug("Cache opened", "dir", s.root, "entries", len(s.index))
	return s, nil
}

// Key derives the cache key for text spoken by voice.
func Key(text string, voice int) string {
	sum := sha256.Sum256([]byte(norm.NFC.String(text) + "_" + strconv.Itoa(voice)))
	return hex.EncodeToString(sum[:])
}

// Root returns the absolute cache directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns where the artifact for key lives once inserted.
func (s *Store) Path(key string) string {
	return filepath.Join(s.root, key+".wav")
}

// Contains reports whether path lies inside the cache directory.
func (s *Store) Contains(path string) bool {
	return within(s.root, path)
}

// Lookup returns the cached artifact for (text, voice). An entry whose file
// has disappeared is purged and reported as a miss.
func (s *Store) Lookup(text string, voice int) (string, bool) {
	key := Key(text, voice)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.index[key]
	if !ok {
		s.stats.Misses++
		return "", false
	}

	if _, err := os.Stat(entry.Path); err != nil {
		// File missing, remove from index
		delete(s.index, key)
		s.stats.Purged++
		s.stats.Misses++
		s.logger.Debug("Purged entry with missing file", "key", shortKey(key), "path", entry.Path)
		if err := s.saveLocked(); err != nil {
			s.logger.Warn("Could not persist cache index", "err", err)
		}
		return "", false
	}

	entry.LastAccessed = s.now()
	s.dirty = true
	s.stats.Hits++

	return entry.Path, true
}

// Insert copies the artifact at src into the cache under key and persists the
// index. Inserting an existing key replaces the file and metadata in place.
func (s *Store) Insert(key, src, text string, voice int) error {
	if key == "" {
		return ErrEmptyKey
	}

	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSourceMissing, src)
	}

	dst := s.Path(key)

	// Copy outside the lock; only the rename and index update are serialized.
	var tmp string
	if filepath.Clean(src) != dst {
		tmp, err = s.copyToTemp(src)
		if err != nil {
			return fmt.Errorf("failed to copy artifact: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tmp != "" {
		if err := os.Rename(tmp, dst); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("failed to place artifact: %w", err)
		}
	}

	now := s.now()
	entry, ok := s.index[key]
	if !ok {
		entry = &Entry{Key: key, Created: now}
		s.index[key] = entry
	}
	if entry.Path != "" && entry.Path != dst {
		os.Remove(entry.Path)
	}

	entry.Text = text
	entry.SpeakerID = voice
	entry.Path = dst
	entry.Size = info.Size()
	entry.LastAccessed = now

	if err := s.saveLocked(); err != nil {
		return fmt.Errorf("failed to save cache index: %w", err)
	}

	s.logger.Debug("Cached artifact", "key", shortKey(key), "voice", voice, "size", humanize.IBytes(uint64(info.Size())))
	return nil
}

// EvictStale removes every entry whose last access is older than maxAge and
// returns how many were removed.
func (s *Store) EvictStale(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for key, entry := range s.index {
		if entry.LastAccessed.Before(cutoff) {
			s.removeLocked(key, entry)
			removed++
		}
	}

	if removed > 0 {
		s.stats.Evictions += int64(removed)
		s.stats.LastEviction = s.now()
		if err := s.saveLocked(); err != nil {
			s.logger.Warn("Could not persist cache index", "err", err)
		}
	}

	return removed
}

// EvictToBudget removes least recently accessed entries while the cache is
// larger than maxBytes, stopping as soon as usage is at or below 80% of the
// budget.
func (s *Store) EvictToBudget(maxBytes int64) int {
	if maxBytes <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Measure what is actually on disk
	entries := make([]*Entry, 0, len(s.index))
	var total int64
	purged := false
	for key, entry := range s.index {
		info, err := os.Stat(entry.Path)
		if err != nil {
			delete(s.index, key)
			s.stats.Purged++
			purged = true
			continue
		}
		entry.Size = info.Size()
		total += entry.Size
		entries = append(entries, entry)
	}

	if total <= maxBytes {
		if purged {
			if err := s.saveLocked(); err != nil {
				s.logger.Warn("Could not persist cache index", "err", err)
			}
		}
		return 0
	}

	// Oldest access first
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccessed.Before(entries[j].LastAccessed)
	})

	target := int64(float64(maxBytes) * budgetFloor)
	evicted := 0
	for _, entry := range entries {
		if total <= target {
			break
		}
		s.removeLocked(entry.Key, entry)
		total -= entry.Size
		evicted++
	}

	s.stats.Evictions += int64(evicted)
	s.stats.LastEviction = s.now()
	if err := s.saveLocked(); err != nil {
		s.logger.Warn("Could not persist cache index", "err", err)
	}

	s.logger.Info("Cache trimmed to budget",
		"evicted", evicted,
		"size", humanize.IBytes(uint64(total)),
		"budget", humanize.IBytes(uint64(maxBytes)))

	return evicted
}

// RemoveOrphans deletes artifacts and temp files in the cache directory that
// the index does not reference.
func (s *Store) RemoveOrphans() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := make(map[string]bool, len(s.index))
	for _, entry := range s.index {
		known[entry.Path] = true
	}

	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		s.logger.Warn("Could not list cache directory", "err", err)
		return 0
	}

	removed := 0
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		path := filepath.Join(s.root, name)
		switch {
		case strings.HasSuffix(name, ".wav") && !known[path]:
		case strings.HasPrefix(name, "artifact-") && strings.HasSuffix(name, ".tmp"):
			// Inserts copy outside the lock; leave recent temp files alone
			info, err := de.Info()
			if err != nil || s.now().Sub(info.ModTime()) < time.Hour {
				continue
			}
		default:
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}

	return removed
}

// Entries returns a copy of the index sorted by last access, oldest first.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.index))
	for _, entry := range s.index {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAccessed.Before(out[j].LastAccessed)
	})
	return out
}

// Stats returns cache statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Entries = len(s.index)
	for _, entry := range s.index {
		stats.Bytes += entry.Size
	}
	return stats
}

// Flush persists access times recorded by Lookup.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}
	return s.saveLocked()
}

// Close flushes the index.
func (s *Store) Close() error {
	return s.Flush()
}

// Private helper methods

func (s *Store) removeLocked(key string, entry *Entry) {
	if err := os.Remove(entry.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("Could not remove cached artifact", "path", entry.Path, "err", err)
	}
	delete(s.index, key)
}

func (s *Store) copyToTemp(src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.CreateTemp(s.root, "artifact-*.tmp")
	if err != nil {
		return "", err
	}

	_, err = io.Copy(out, in)
	closeErr := out.Close()

	if err != nil {
		os.Remove(out.Name())
		return "", err
	}
	if closeErr != nil {
		os.Remove(out.Name())
		return "", closeErr
	}

	return out.Name(), nil
}

func (s *Store) indexPath() string {
	return filepath.Join(s.root, IndexFileName)
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No index file yet
		}
		return err
	}

	var doc indexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheCorrupted, err)
	}

	for key, entry := range doc.Files {
		if entry == nil {
			continue
		}
		entry.Key = key
		if entry.Path == "" {
			entry.Path = s.Path(key)
		}
		s.index[key] = entry
	}

	return nil
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(indexDocument{Files: s.index}, "", "  ")
	if err != nil {
		return err
	}

	tempPath := s.indexPath() + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		os.Remove(tempPath)
		return err
	}

	// Atomic rename
	if err := os.Rename(tempPath, s.indexPath()); err != nil {
		os.Remove(tempPath)
		return err
	}

	s.dirty = false
	s.stats.LastSave = s.now()
	return nil
}

// within reports whether path is root itself or below it.
func within(root, path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

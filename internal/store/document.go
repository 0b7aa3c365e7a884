package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// ErrCorrupted is returned when a document cannot be decoded.
var ErrCorrupted = errors.New("document corrupted")

// Document is a JSON file mirrored in memory.
type Document[T any] struct {
	path   string
	logger *log.Logger

	mu    sync.RWMutex
	value T
	init  func() T

	// lastWrite is the modification time of our own last save, used to
	// ignore the watcher events it causes
	lastWrite time.Time

	onReload func()
	readFile func(string) ([]byte, error)
}

// Open loads the document at path. A missing file starts from init(). A
// file that cannot be decoded also starts from init(), and the error is
// returned alongside the usable document.
func Open[T any](path string, init func() T, logger *log.Logger) (*Document[T], error) {
	if logger == nil {
		logger = log.Default()
	}
	d := &Document[T]{
		path:     path,
		logger:   logger.WithPrefix("store").With("file", filepath.Base(path)),
		init:     init,
		value:    init(),
		readFile: os.ReadFile,
	}

	if err := d.load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return d, nil
		}
		d.logger.Warn("Starting from an empty document", "err", err)
		return d, err
	}
	return d, nil
}

// Path returns the file backing the document.
func (d *Document[T]) Path() string {
	return d.path
}

// Read calls fn with the current value under a read lock. fn must not keep
// references into the value.
func (d *Document[T]) Read(fn func(T)) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn(d.value)
}

// Update calls fn with the current value under the write lock and persists
// the result.
func (d *Document[T]) Update(fn func(*T) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := fn(&d.value); err != nil {
		return err
	}
	return d.saveLocked()
}

// OnReload registers a callback run after the file was reloaded from disk.
func (d *Document[T]) OnReload(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onReload = fn
}

// Reload rereads the file. On failure the in-memory value is kept.
func (d *Document[T]) Reload() error {
	return d.load()
}

// load replaces the value with the file contents. The write lock is held
// from read to swap so a concurrent Update lands either before the read or
// on top of the loaded value.
func (d *Document[T]) load() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := d.readFile(d.path)
	if err != nil {
		return err
	}

	value := d.init()
	if len(data) > 0 {
		if err := json.Unmarshal(data, &value); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorrupted, filepath.Base(d.path), err)
		}
	}
	d.value = value
	return nil
}

func (d *Document[T]) saveLocked() error {
	data, err := json.MarshalIndent(d.value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("failed to save document: %w", err)
	}

	if info, err := os.Stat(d.path); err == nil {
		d.lastWrite = info.ModTime()
	}
	return nil
}

// Watch reloads the document whenever its file is written by someone else,
// until ctx is cancelled.
func (d *Document[T]) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close() //nolint:errcheck

	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	d.logger.Debug("Watching for changes", "dir", dir)

	target := filepath.Clean(d.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if d.ownWrite() || emptyFile(d.path) {
				continue
			}

			if err := d.load(); err != nil {
				d.logger.Warn("Reload failed, keeping previous contents", "err", err)
				continue
			}
			d.logger.Info("Reloaded after external change")

			d.mu.RLock()
			fn := d.onReload
			d.mu.RUnlock()
			if fn != nil {
				fn()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Debug("Watcher error", "err", err)
		}
	}
}

// ownWrite reports whether the file on disk is the one we saved last.
func (d *Document[T]) ownWrite() bool {
	info, err := os.Stat(d.path)
	if err != nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.lastWrite.IsZero() && info.ModTime().Equal(d.lastWrite)
}

// emptyFile reports whether path is a zero length file, as seen between an
// editor truncating and rewriting it.
func emptyFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() == 0
}

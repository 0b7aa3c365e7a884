package prefs

import (
	"context"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// Watchable is a document that can follow changes on disk.
type Watchable interface {
	Watch(ctx context.Context) error
	Path() string
}

// WatchAll follows every document until ctx is cancelled.
func WatchAll(ctx context.Context, docs ...Watchable) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, d := range docs {
		g.Go(func() error { return d.Watch(ctx) })
	}
	return g.Wait()
}

func logOpenError(logger *log.Logger, name string, err error) {
	if logger == nil {
		logger = log.Default()
	}
	logger.Warn("Could not load preferences, starting empty", "file", name, "err", err)
}

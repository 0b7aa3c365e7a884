package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/truncate"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/yomiage/internal/cache"
)

var (
	cacheListLimit int

	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clean the audio cache",
		Args:  cobra.NoArgs,
	}

	cacheInfoCmd = &cobra.Command{
		Use:   "info",
		Short: "Show cache size and location",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			store, err := cache.Open(cfg.Paths.Cache, log.Default())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			printCacheInfo(os.Stdout, store.Root(), store.Stats(), cfg.CacheConfig())
			return nil
		},
	}

	cacheListCmd = &cobra.Command{
		Use:   "list",
		Short: "List cached phrases, most recently used first",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			store, err := cache.Open(cfg.Paths.Cache, log.Default())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			printCacheEntries(os.Stdout, store.Entries(), cacheListLimit)
			return nil
		},
	}

	cachePruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Evict stale entries and enforce the size budget now",
		Long:  paragraph(fmt.Sprintf("\n%s the same cleanup the bot runs on its interval: stale and over-budget entries, files missing from the index and old scratch files.", keyword("Run"))),
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			store, err := cache.Open(cfg.Paths.Cache, log.Default())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			res := cache.NewJanitor(store, cfg.CacheConfig(), log.Default()).Sweep()
			fmt.Printf("Removed %d stale, %d over budget, %d orphaned and %d scratch files in %s\n",
				res.Stale, res.Budget, res.Orphans, res.Scratch, res.Duration.Round(time.Millisecond))
			return nil
		},
	}
)

func printCacheInfo(w io.Writer, root string, st cache.Stats, c cache.Config) {
	row := func(label, value string) {
		fmt.Fprintf(w, "%s %s\n", render(headerStyle, runewidth.FillRight(label, 10)), value)
	}
	row("Directory", root)
	row("Entries", humanize.Comma(int64(st.Entries)))
	budget := "unlimited"
	if c.MaxBytes > 0 {
		budget = humanize.Bytes(uint64(c.MaxBytes))
	}
	row("Size", fmt.Sprintf("%s of %s", humanize.Bytes(uint64(st.Bytes)), budget))
	maxAge := "forever"
	if c.MaxAge > 0 {
		maxAge = c.MaxAge.String()
	}
	row("Keep", maxAge)
	if !st.LastSave.IsZero() {
		row("Saved", humanize.Time(st.LastSave))
	}
}

// printCacheEntries lists entries newest first. limit <= 0 lists all.
func printCacheEntries(w io.Writer, entries []cache.Entry, limit int) {
	if len(entries) == 0 {
		fmt.Fprintln(w, render(faintStyle, "The cache is empty."))
		return
	}
	shown := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && shown == limit {
			fmt.Fprintln(w, render(faintStyle, fmt.Sprintf("… %d more", i+1)))
			return
		}
		e := entries[i]
		fmt.Fprintf(w, "%s  %s  %s  %s\n",
			render(idStyle, fmt.Sprintf("%4d", e.SpeakerID)),
			runewidth.FillRight(humanize.Time(e.LastAccessed), 16),
			runewidth.FillLeft(humanize.Bytes(uint64(e.Size)), 8),
			truncate.StringWithTail(e.Text, 50, "…"))
		shown++
	}
}

func init() {
	cacheListCmd.Flags().IntVarP(&cacheListLimit, "limit", "n", 20, "number of entries to show, 0 for all")
	cacheCmd.AddCommand(cacheInfoCmd, cacheListCmd, cachePruneCmd)
}

package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/yomiage/internal/stats"
)

var (
	statsSnapshot bool

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show reading statistics",
		Long: paragraph(fmt.Sprintf("\n%s the statistics the running bot last wrote. With --snapshot the newest hourly snapshot is read instead.", keyword("Show"))),
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			snap, err := readStats(cfg.Paths.Stats, statsSnapshot)
			if err != nil {
				return err
			}
			printStats(os.Stdout, snap)
			return nil
		},
	}
)

// readStats reads stats.json from dir, or the newest snapshot when
// snapshot is set or stats.json does not exist yet.
func readStats(dir string, snapshot bool) (stats.Snapshot, error) {
	if !snapshot {
		snap, err := stats.ReadCurrent(dir)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return snap, err
		}
	}
	snap, err := stats.LatestSnapshot(dir)
	if errors.Is(err, stats.ErrNoSnapshot) || errors.Is(err, fs.ErrNotExist) {
		return snap, fmt.Errorf("no statistics in %s yet", dir)
	}
	return snap, err
}

func printStats(w io.Writer, s stats.Snapshot) {
	row := func(label, value string) {
		fmt.Fprintf(w, "%s %s\n", render(headerStyle, runewidth.FillRight(label, 12)), value)
	}
	row("Recorded", fmt.Sprintf("%s (%s)", s.Timestamp.Format("2006-01-02 15:04:05"), humanize.Time(s.Timestamp)))
	row("Uptime", s.Uptime().String())
	row("Words", humanize.Comma(s.WordsRead))
	row("Messages", humanize.Comma(s.MessagesProcessed))
	row("Synthesized", humanize.Comma(s.AudioGenerated))
	row("Cache", fmt.Sprintf("%s hits, %s misses (%.1f%%)",
		humanize.Comma(s.CacheHits), humanize.Comma(s.CacheMisses), s.HitRatio))
}

func init() {
	statsCmd.Flags().BoolVar(&statsSnapshot, "snapshot", false, "read the newest compressed snapshot")
}

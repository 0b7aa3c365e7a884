package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/yomiage/internal/audio"
	"github.com/dgnsrekt/yomiage/internal/cache"
	"github.com/dgnsrekt/yomiage/internal/queue"
	"github.com/dgnsrekt/yomiage/internal/relay"
	"github.com/dgnsrekt/yomiage/internal/tts"
)

// localGuild is the guild and channel the speaker command plays in.
const localGuild = "local"

var (
	speakVoice  int
	speakVolume float64

	speakCmd = &cobra.Command{
		Use:   "speak TEXT...",
		Short: "Read text aloud on this machine",
		Long: paragraph(fmt.Sprintf("\n%s text aloud on the local sound device through the same cache and queue the bot uses. Handy for trying voices.", keyword("Read"))),
		Example: paragraph("yomiage speak こんにちは\nyomiage speak --voice 3 おはようございます"),
		Args:    cobra.MinimumNArgs(1),
		RunE:    runSpeak,
	}
)

func runSpeak(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	logger := log.Default()

	store, err := cache.Open(cfg.Paths.Cache, logger)
	if err != nil {
		return fmt.Errorf("unable to open cache: %w", err)
	}
	defer func() { _ = store.Close() }()

	volume := cfg.Voice.Volume
	if cmd.Flags().Changed("volume") {
		volume = speakVolume
	}
	speaker := audio.NewSpeaker(nil, audio.SpeakerConfig{
		Volume:       volume,
		PollInterval: audio.DefaultSpeakerConfig().PollInterval,
	}, logger)

	qcfg := cfg.Queue()
	qcfg.IdleTimeout = 0
	registry := queue.NewRegistry(speaker, qcfg, logger)
	svc := relay.New(tts.New(cfg.TTS(), logger), store, registry, nil, nil, cfg.RelayConfig(), logger)
	defer func() { _ = svc.Close() }()

	if err := svc.JoinVoice(ctx, localGuild, localGuild); err != nil {
		return err
	}

	var voice *int
	if cmd.Flags().Changed("voice") {
		voice = &speakVoice
	}
	if err := svc.SubmitText(ctx, localGuild, "cli", strings.Join(args, " "), voice); err != nil {
		return err
	}
	return waitIdle(ctx, registry, localGuild)
}

// waitIdle blocks until guild has nothing left to play.
func waitIdle(ctx context.Context, registry *queue.Registry, guild string) error {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		st := registry.Status(guild)
		if !st.Connected || (!st.Playing && st.Pending == 0) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

func init() {
	speakCmd.Flags().IntVarP(&speakVoice, "voice", "v", 0, "voice ID (see 'yomiage voices')")
	speakCmd.Flags().Float64Var(&speakVolume, "volume", 1, "playback volume from 0.0 to 1.0")
}

// Package main provides the entry point for the yomiage bot.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/yomiage/internal/cache"
	"github.com/dgnsrekt/yomiage/internal/config"
	"github.com/dgnsrekt/yomiage/internal/discord"
	"github.com/dgnsrekt/yomiage/internal/health"
	"github.com/dgnsrekt/yomiage/internal/prefs"
	"github.com/dgnsrekt/yomiage/internal/queue"
	"github.com/dgnsrekt/yomiage/internal/relay"
	"github.com/dgnsrekt/yomiage/internal/stats"
	"github.com/dgnsrekt/yomiage/internal/tts"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	cfg        *config.Config
	logCloser  func() error

	rootCmd = &cobra.Command{
		Use:   "yomiage",
		Short: "Read Discord text channels aloud with VOICEVOX",
		Long: paragraph(
			fmt.Sprintf("\nRead Discord text channels %s in voice channels, voiced by a VOICEVOX engine.", keyword("aloud")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		Args:             cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
		RunE: runBot,
	}
)

// fileOnly commands run without a valid configuration.
var fileOnly = map[string]bool{"config": true, "man": true}

// loadConfig reads the config file, the environment and .env, then sets up
// logging. The config and man commands only need the file location.
func loadConfig(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(); err != nil {
		log.Warn("Ignoring .env", "err", err)
	}

	used, err := config.Setup(viper.GetViper(), configFile)
	if used != "" {
		configFile = used
	}
	if fileOnly[cmd.Name()] {
		return nil
	}
	if err != nil {
		return err
	}

	c, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	closer, err := setupLog(c.Log)
	if err != nil {
		return err
	}
	cfg = c
	logCloser = closer

	log.Debug("Loaded configuration", "file", configFile, "engine", c.Engine.URL, "data", c.Paths.Data)
	return nil
}

// signalContext is cancelled on interrupt or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runBot(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	logger := log.Default()

	session, err := discord.NewSession(cfg.Secrets.DiscordToken)
	if err != nil {
		return err
	}

	store, err := cache.Open(cfg.Paths.Cache, logger)
	if err != nil {
		return fmt.Errorf("unable to open cache: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to save cache index", "err", err)
		}
	}()

	client := tts.New(cfg.TTS(), logger)
	provider := discord.NewVoiceProvider(session, cfg.Engine.FFmpeg, logger)
	registry := queue.NewRegistry(provider, cfg.Queue(), logger)

	speakers := prefs.OpenSpeakers(cfg.Paths.Config, logger)
	channels := prefs.OpenChannels(cfg.Paths.Config, logger)
	permissions := prefs.OpenPermissions(cfg.Paths.Config, logger)

	counters := stats.NewCounters()
	svc := relay.New(client, store, registry, speakers, counters, cfg.RelayConfig(), logger)
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("Voice sessions closed with errors", "err", err)
		}
	}()

	bot := discord.New(session, discord.Deps{
		Relay:       svc,
		Speakers:    speakers,
		Channels:    channels,
		Permissions: permissions,
	}, cfg.Discord(), logger)

	recorder := stats.NewRecorder(counters, cfg.StatsConfig(), logger)
	recorder.OnStatus(bot.UpdatePresence)
	janitor := cache.NewJanitor(store, cfg.CacheConfig(), logger)

	if v, err := client.Version(ctx); err != nil {
		logger.Warn("VOICEVOX engine is not reachable yet", "url", client.BaseURL(), "err", err)
	} else {
		logger.Info("Using VOICEVOX engine", "url", client.BaseURL(), "version", v)
	}

	var docs []prefs.Watchable
	docs = append(docs, speakers.Documents()...)
	docs = append(docs, channels.Documents()...)
	docs = append(docs, permissions.Documents()...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bot.Run(ctx) })
	g.Go(func() error { return janitor.Run(ctx) })
	g.Go(func() error { return recorder.Run(ctx) })
	g.Go(func() error { return prefs.WatchAll(ctx, docs...) })
	if cfg.Health.Addr != "" {
		router := health.NewRouter(client, svc, logger)
		g.Go(func() error { return health.Serve(ctx, cfg.Health.Addr, router, logger) })
	}

	logger.Info("Starting", "version", Version, "cache", store.Root(), "config", cfg.Paths.Config)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("Shutting down")
	return err
}

func main() {
	err := rootCmd.Execute()
	if logCloser != nil {
		_ = logCloser()
	}
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Sum != "" {
			Version = info.Main.Version
		} else {
			Version = "unknown (built from source)"
		}
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", defaultConfigHint()))
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json, logfmt)")
	rootCmd.PersistentFlags().String("engine", "", "VOICEVOX engine URL")
	rootCmd.Flags().String("health", "", "address for the health endpoints, e.g. :8080")

	// Flags override the config file and the environment.
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("engine.url", rootCmd.PersistentFlags().Lookup("engine"))
	_ = viper.BindPFlag("health.addr", rootCmd.Flags().Lookup("health"))

	rootCmd.AddCommand(configCmd, manCmd, voicesCmd, speakCmd, cacheCmd, statsCmd)
}

func defaultConfigHint() string {
	dirs := config.ConfigDirs()
	if len(dirs) == 0 {
		return config.FileName
	}
	return filepath.Join(dirs[0], config.FileName)
}

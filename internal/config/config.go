// Package config loads yomiage's settings from the config file, the
// environment and a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/viper"

	"github.com/dgnsrekt/yomiage/internal/cache"
	"github.com/dgnsrekt/yomiage/internal/discord"
	"github.com/dgnsrekt/yomiage/internal/queue"
	"github.com/dgnsrekt/yomiage/internal/relay"
	"github.com/dgnsrekt/yomiage/internal/stats"
	"github.com/dgnsrekt/yomiage/internal/tts"
)

const (
	// AppName names the config file, env prefix and app directories
	AppName = "yomiage"

	// FileName is the config file looked up in the config directories
	FileName = AppName + ".yml"
)

// ByteSize is a byte count that decodes from "500MB" style strings.
type ByteSize int64

// Engine configures the VOICEVOX client.
type Engine struct {
	URL               string        `mapstructure:"url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	SplitThreshold    int           `mapstructure:"split_threshold"`
	FFmpeg            string        `mapstructure:"ffmpeg"`
}

// Paths are the directories yomiage writes to. Empty paths are derived
// from Data.
type Paths struct {
	Data   string `mapstructure:"data"`
	Temp   string `mapstructure:"temp"`
	Cache  string `mapstructure:"cache"`
	Config string `mapstructure:"config"`
	Stats  string `mapstructure:"stats"`
}

// Cache configures artifact retention.
type Cache struct {
	MaxAge   time.Duration `mapstructure:"max_age"`
	MaxBytes ByteSize      `mapstructure:"max_bytes"`
	Interval time.Duration `mapstructure:"interval"`
}

// Voice configures voice selection and sessions.
type Voice struct {
	Default     int           `mapstructure:"default"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	Volume      float64       `mapstructure:"volume"` // Local speaker only
}

// Relay configures message handling.
type Relay struct {
	MaxLength      int      `mapstructure:"max_length"`
	SayLength      int      `mapstructure:"say_length"`
	IgnorePrefixes []string `mapstructure:"ignore_prefixes"`
}

// Stats configures the statistics recorder.
type Stats struct {
	Interval         time.Duration `mapstructure:"interval"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	Retention        time.Duration `mapstructure:"retention"`
}

// Health configures the HTTP health server.
type Health struct {
	Addr string `mapstructure:"addr"`
}

// Log configures logging.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Secrets are read from the environment only.
type Secrets struct {
	DiscordToken string `env:"DISCORD_TOKEN"`
	VoicevoxURL  string `env:"VOICEVOX_API_URL"`
	DevGuild     string `env:"DISCORD_GUILD_ID"`
}

// Config is the full configuration.
type Config struct {
	Engine Engine `mapstructure:"engine"`
	Paths  Paths  `mapstructure:"paths"`
	Cache  Cache  `mapstructure:"cache"`
	Voice  Voice  `mapstructure:"voice"`
	Relay  Relay  `mapstructure:"relay"`
	Stats  Stats  `mapstructure:"stats"`
	Health Health `mapstructure:"health"`
	Log    Log    `mapstructure:"log"`

	Secrets Secrets `mapstructure:"-"`
}

// SetDefaults registers every key with its default value. Keys must be
// registered for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("engine.url", tts.DefaultBaseURL)
	v.SetDefault("engine.timeout", tts.DefaultTimeout.String())
	v.SetDefault("engine.requests_per_second", 0)
	v.SetDefault("engine.split_threshold", tts.DefaultSplitThreshold)
	v.SetDefault("engine.ffmpeg", "ffmpeg")

	v.SetDefault("paths.data", defaultDataDir())
	v.SetDefault("paths.temp", "")
	v.SetDefault("paths.cache", "")
	v.SetDefault("paths.config", "")
	v.SetDefault("paths.stats", "")

	v.SetDefault("cache.max_age", "720h")
	v.SetDefault("cache.max_bytes", "500MB")
	v.SetDefault("cache.interval", "24h")

	v.SetDefault("voice.default", relay.DefaultVoice)
	v.SetDefault("voice.idle_timeout", "0s")
	v.SetDefault("voice.volume", 1.0)

	v.SetDefault("relay.max_length", relay.DefaultMaxLength)
	v.SetDefault("relay.say_length", discord.DefaultSayLength)
	v.SetDefault("relay.ignore_prefixes", []string{})

	v.SetDefault("stats.interval", "120s")
	v.SetDefault("stats.snapshot_interval", "1h")
	v.SetDefault("stats.retention", "720h")

	v.SetDefault("health.addr", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
}

func defaultDataDir() string {
	dir, err := gap.NewScope(gap.User, AppName).DataPath("")
	if err != nil || dir == "" {
		return "."
	}
	return dir
}

// ConfigDirs returns the directories searched for the config file, most
// specific first.
func ConfigDirs() []string {
	dirs, err := gap.NewScope(gap.User, AppName).ConfigDirs()
	if err != nil {
		dirs = nil
	}
	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, AppName)}, dirs...)
	}
	if c := os.Getenv("YOMIAGE_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}
	return dirs
}

// Setup points v at the config file and the environment. An explicit path
// wins over the search directories. It returns the file that was read, or
// the path a new file should be written to when none exists. A file that
// fails to parse is still returned alongside the error.
func Setup(v *viper.Viper, explicit string) (string, error) {
	SetDefaults(v)

	v.SetEnvPrefix(AppName)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("yaml")

	dirs := ConfigDirs()
	if explicit != "" {
		path, err := homedir.Expand(explicit)
		if err != nil {
			return "", fmt.Errorf("unable to expand %s: %w", explicit, err)
		}
		v.SetConfigFile(path)
	} else {
		for _, d := range dirs {
			v.AddConfigPath(d)
		}
		v.SetConfigName(AppName)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return v.ConfigFileUsed(), fmt.Errorf("could not parse configuration file: %w", err)
		}
	}

	if used := v.ConfigFileUsed(); used != "" {
		return used, nil
	}
	if len(dirs) == 0 {
		return FileName, nil
	}
	return filepath.Join(dirs[0], FileName), nil
}

// LoadDotEnv loads variables from a .env file in the working directory if
// one exists. Variables already set are kept.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("unable to load .env: %w", err)
	}
	return nil
}

// Load decodes v and the environment secrets into a Config.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		byteSizeHook(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("unable to decode configuration: %w", err)
	}

	secrets, err := env.ParseAs[Secrets]()
	if err != nil {
		return nil, fmt.Errorf("unable to parse environment: %w", err)
	}
	cfg.Secrets = secrets
	if secrets.VoicevoxURL != "" {
		cfg.Engine.URL = secrets.VoicevoxURL
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func byteSizeHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(ByteSize(0))
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			n, err := humanize.ParseBytes(v)
			if err != nil {
				return nil, fmt.Errorf("invalid byte size %q: %w", v, err)
			}
			return ByteSize(n), nil //nolint:gosec
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// resolvePaths expands ~ and fills in paths derived from the data dir.
func (c *Config) resolvePaths() error {
	p := &c.Paths
	for _, s := range []*string{&p.Data, &p.Temp, &p.Cache, &p.Config, &p.Stats, &c.Log.File} {
		expanded, err := homedir.Expand(*s)
		if err != nil {
			return fmt.Errorf("unable to expand %s: %w", *s, err)
		}
		*s = expanded
	}

	if p.Data == "" {
		p.Data = "."
	}
	if p.Temp == "" {
		p.Temp = filepath.Join(p.Data, "temp")
	}
	if p.Cache == "" {
		p.Cache = filepath.Join(p.Temp, "cache")
	}
	if p.Config == "" {
		p.Config = filepath.Join(p.Data, "config")
	}
	if p.Stats == "" {
		p.Stats = filepath.Join(p.Data, "stats")
	}
	return nil
}

// Validate checks that values are in range.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Engine.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("engine url must be an http(s) URL, got %q", c.Engine.URL)
	}
	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("engine timeout must be positive, got %s", c.Engine.Timeout)
	}
	if c.Engine.RequestsPerSecond < 0 {
		return fmt.Errorf("engine requests_per_second must not be negative, got %v", c.Engine.RequestsPerSecond)
	}
	if c.Engine.SplitThreshold < 0 {
		return fmt.Errorf("engine split_threshold must not be negative, got %d", c.Engine.SplitThreshold)
	}
	if c.Cache.MaxAge < 0 || c.Cache.MaxBytes < 0 || c.Cache.Interval < 0 {
		return errors.New("cache max_age, max_bytes and interval must not be negative")
	}
	if c.Voice.Default < 0 {
		return fmt.Errorf("voice default must not be negative, got %d", c.Voice.Default)
	}
	if c.Voice.IdleTimeout < 0 {
		return fmt.Errorf("voice idle_timeout must not be negative, got %s", c.Voice.IdleTimeout)
	}
	if c.Voice.Volume < 0 || c.Voice.Volume > 1 {
		return fmt.Errorf("voice volume must be between 0.0 and 1.0, got %v", c.Voice.Volume)
	}
	if c.Relay.MaxLength < 0 {
		return fmt.Errorf("relay max_length must not be negative, got %d", c.Relay.MaxLength)
	}
	if c.Relay.SayLength < 1 || c.Relay.SayLength > 2000 {
		return fmt.Errorf("relay say_length must be between 1 and 2000, got %d", c.Relay.SayLength)
	}
	if c.Stats.Interval < 0 || c.Stats.SnapshotInterval < 0 || c.Stats.Retention < 0 {
		return errors.New("stats intervals and retention must not be negative")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("log format must be text, json or logfmt, got %q", c.Log.Format)
	}
	return nil
}

// TTS returns the synthesis client configuration.
func (c *Config) TTS() tts.Config {
	return tts.Config{
		BaseURL:           c.Engine.URL,
		Timeout:           c.Engine.Timeout,
		RequestsPerSecond: c.Engine.RequestsPerSecond,
		SplitThreshold:    c.Engine.SplitThreshold,
		TempDir:           c.Paths.Temp,
		FFmpeg:            c.Engine.FFmpeg,
	}
}

// CacheConfig returns the cache store and janitor configuration.
func (c *Config) CacheConfig() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.Dir = c.Paths.Cache
	cfg.TempDir = c.Paths.Temp
	cfg.MaxAge = c.Cache.MaxAge
	cfg.MaxBytes = int64(c.Cache.MaxBytes)
	cfg.Interval = c.Cache.Interval
	return cfg
}

// Queue returns the playback registry configuration.
func (c *Config) Queue() queue.Config {
	return queue.Config{
		ScratchDir:  c.Paths.Temp,
		CacheDir:    c.Paths.Cache,
		IdleTimeout: c.Voice.IdleTimeout,
	}
}

// RelayConfig returns the orchestrator configuration.
func (c *Config) RelayConfig() relay.Config {
	return relay.Config{
		DefaultVoice: c.Voice.Default,
		MaxLength:    c.Relay.MaxLength,
	}
}

// Discord returns the bot configuration.
func (c *Config) Discord() discord.Config {
	return discord.Config{
		DevGuild:       c.Secrets.DevGuild,
		SayLength:      c.Relay.SayLength,
		IgnorePrefixes: c.Relay.IgnorePrefixes,
	}
}

// StatsConfig returns the recorder configuration.
func (c *Config) StatsConfig() stats.Config {
	return stats.Config{
		Dir:              c.Paths.Stats,
		Interval:         c.Stats.Interval,
		SnapshotInterval: c.Stats.SnapshotInterval,
		Retention:        c.Stats.Retention,
	}
}

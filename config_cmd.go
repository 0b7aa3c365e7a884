package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
)

const defaultConfig = `# VOICEVOX engine
engine:
  # engine base URL (VOICEVOX_API_URL overrides this)
  url: "http://localhost:50021"
  # per request timeout
  timeout: "30s"
  # outbound request limit, 0 for none
  requests_per_second: 0
  # texts this many characters or longer are split into sentences
  split_threshold: 100
  # used to join split sentences and to encode voice audio
  ffmpeg: "ffmpeg"

# where files are kept; unset paths live under data
# paths:
#   data: "~/.local/share/yomiage"
#   temp: "~/.local/share/yomiage/temp"
#   cache: "~/.local/share/yomiage/temp/cache"
#   config: "~/.local/share/yomiage/config"
#   stats: "~/.local/share/yomiage/stats"

# synthesized audio cache
cache:
  # drop entries unused for this long
  max_age: "720h"
  # keep the cache under this size
  max_bytes: "500MB"
  # how often cleanup runs
  interval: "24h"

voice:
  # voice used when nobody picked one
  default: 1
  # leave a silent voice channel after this long, 0 to stay
  idle_timeout: "0s"
  # local speaker volume (0.0 to 1.0)
  volume: 1.0

relay:
  # longer messages are cut and end in "..."
  max_length: 100
  # longest text /say accepts
  say_length: 200
  # messages starting with these are not read
  ignore_prefixes: []

stats:
  # how often stats.json is written and the status updated
  interval: "120s"
  # how often a compressed snapshot is kept
  snapshot_interval: "1h"
  # snapshots older than this are removed
  retention: "720h"

health:
  # serve /healthz, /readyz and /stats here, empty to disable
  addr: ""

log:
  # debug, info, warn or error
  level: "info"
  # text, json or logfmt
  format: "text"
  # also write to this file
  file: ""
`

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the yomiage config file",
	Long:    paragraph(fmt.Sprintf("\n%s the yomiage config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("yomiage config\nyomiage config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(configFile); err != nil {
			return err
		}

		c, err := editor.Cmd("yomiage", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

// ensureConfigFile writes the default config to file unless it exists.
func ensureConfigFile(file string) error {
	if ext := path.Ext(file); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(file)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}

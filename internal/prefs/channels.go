package prefs

import (
	"path/filepath"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/yomiage/internal/store"
)

const ReadChannelsFile = "read_channels.json"

// ReadChannel is a text channel whose messages are read aloud.
type ReadChannel struct {
	ID          string    `json:"-"`
	Name        string    `json:"name"`
	Enabled     bool      `json:"enabled"`
	LastUpdated time.Time `json:"last_updated"`
}

type channelMap = map[string]map[string]*ReadChannel

func newChannelMap() channelMap { return channelMap{} }

// Channels stores which channels of each guild are read aloud.
type Channels struct {
	doc *store.Document[channelMap]
	now func() time.Time
}

// OpenChannels loads the channel settings from dir.
func OpenChannels(dir string, logger *log.Logger) *Channels {
	doc, err := store.Open(filepath.Join(dir, ReadChannelsFile), newChannelMap, logger)
	if err != nil {
		logOpenError(logger, ReadChannelsFile, err)
	}
	return &Channels{doc: doc, now: time.Now}
}

// Documents returns the backing document so it can be watched.
func (c *Channels) Documents() []Watchable {
	return []Watchable{c.doc}
}

// Enable starts reading channel aloud.
func (c *Channels) Enable(guild, channel, name string) error {
	return c.doc.Update(func(m *channelMap) error {
		if (*m)[guild] == nil {
			(*m)[guild] = map[string]*ReadChannel{}
		}
		(*m)[guild][channel] = &ReadChannel{Name: name, Enabled: true, LastUpdated: c.now()}
		return nil
	})
}

// Disable stops reading channel. It reports whether the channel was enabled.
func (c *Channels) Disable(guild, channel string) (bool, error) {
	var found bool
	err := c.doc.Update(func(m *channelMap) error {
		chans := (*m)[guild]
		if _, found = chans[channel]; !found {
			return nil
		}
		delete(chans, channel)
		if len(chans) == 0 {
			delete(*m, guild)
		}
		return nil
	})
	return found, err
}

// IsRead reports whether messages in channel are read aloud.
func (c *Channels) IsRead(guild, channel string) (read bool) {
	c.doc.Read(func(m channelMap) {
		if ch, ok := m[guild][channel]; ok && ch != nil {
			read = ch.Enabled
		}
	})
	return read
}

// List returns the guild's read channels ordered by name.
func (c *Channels) List(guild string) []ReadChannel {
	var out []ReadChannel
	c.doc.Read(func(m channelMap) {
		for id, ch := range m[guild] {
			if ch == nil {
				continue
			}
			rc := *ch
			rc.ID = id
			out = append(out, rc)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

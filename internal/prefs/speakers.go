package prefs

import (
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/yomiage/internal/store"
)

const (
	UserSpeakersFile   = "user_speakers.json"
	ServerSpeakersFile = "server_speakers.json"
)

type speakerMap = map[string]int

func newSpeakerMap() speakerMap { return speakerMap{} }

// Speakers stores preferred voices for users and guilds.
type Speakers struct {
	users  *store.Document[speakerMap]
	guilds *store.Document[speakerMap]
}

// OpenSpeakers loads the speaker preferences from dir. Unreadable documents
// are logged and start empty.
func OpenSpeakers(dir string, logger *log.Logger) *Speakers {
	users, err := store.Open(filepath.Join(dir, UserSpeakersFile), newSpeakerMap, logger)
	if err != nil {
		logOpenError(logger, UserSpeakersFile, err)
	}
	guilds, err := store.Open(filepath.Join(dir, ServerSpeakersFile), newSpeakerMap, logger)
	if err != nil {
		logOpenError(logger, ServerSpeakersFile, err)
	}
	return &Speakers{users: users, guilds: guilds}
}

// Documents returns the backing documents so they can be watched.
func (s *Speakers) Documents() []Watchable {
	return []Watchable{s.users, s.guilds}
}

// SetUser sets the voice used for a user's messages.
func (s *Speakers) SetUser(user string, voice int) error {
	return s.users.Update(func(m *speakerMap) error {
		(*m)[user] = voice
		return nil
	})
}

// ClearUser removes a user's preference.
func (s *Speakers) ClearUser(user string) error {
	return s.users.Update(func(m *speakerMap) error {
		delete(*m, user)
		return nil
	})
}

// SetGuild sets the default voice of a guild.
func (s *Speakers) SetGuild(guild string, voice int) error {
	return s.guilds.Update(func(m *speakerMap) error {
		(*m)[guild] = voice
		return nil
	})
}

// User returns a user's preferred voice.
func (s *Speakers) User(user string) (int, bool) {
	return lookupSpeaker(s.users, user)
}

// Guild returns a guild's default voice.
func (s *Speakers) Guild(guild string) (int, bool) {
	return lookupSpeaker(s.guilds, guild)
}

// Resolve picks the user's preference, then the guild's.
func (s *Speakers) Resolve(user, guild string) (int, bool) {
	if user != "" {
		if v, ok := s.User(user); ok {
			return v, true
		}
	}
	if guild != "" {
		if v, ok := s.Guild(guild); ok {
			return v, true
		}
	}
	return 0, false
}

func lookupSpeaker(doc *store.Document[speakerMap], id string) (voice int, ok bool) {
	doc.Read(func(m speakerMap) {
		voice, ok = m[id]
	})
	return voice, ok
}

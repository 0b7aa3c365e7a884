// Package prefs holds per-user and per-guild settings: preferred voices,
// channels read aloud and command permissions. Each is a JSON document in
// the config directory.
package prefs

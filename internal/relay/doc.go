// Package relay turns chat text into queued speech. It resolves the voice,
// serves audio from the cache when it can, synthesizes when it cannot and
// hands the result to the guild's playback queue.
package relay

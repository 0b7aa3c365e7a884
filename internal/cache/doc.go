// Package cache provides the content-addressed store for synthesized audio.
// Artifacts are keyed by (text, voice), copied under the cache directory and
// described by a single JSON index that is rewritten whole on every mutation.
// The cache is advisory: any failure degrades to a miss.
package cache

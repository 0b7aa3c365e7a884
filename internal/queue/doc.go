// Package queue plays audio artifacts into voice sessions, one guild at a
// time. Each connected guild owns an ordered queue of pending items and at
// most one playback driver that drains it.
package queue

// Package stats counts what the relay has read aloud and periodically
// persists the counters.
package stats

package stats

import (
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// Counters accumulates relay activity. It is safe for concurrent use.
type Counters struct {
	start time.Time
	now   func() time.Time

	messages    atomic.Int64
	words       atomic.Int64
	synthesized atomic.Int64
	hits        atomic.Int64
	misses      atomic.Int64
}

// NewCounters starts counting from now.
func NewCounters() *Counters {
	return &Counters{start: time.Now(), now: time.Now}
}

// RecordMessage counts one utterance and returns its word count.
func (c *Counters) RecordMessage(text string) int {
	words := CountWords(text)
	c.messages.Add(1)
	c.words.Add(int64(words))
	return words
}

// RecordHit counts a cache hit.
func (c *Counters) RecordHit() { c.hits.Add(1) }

// RecordMiss counts a cache miss.
func (c *Counters) RecordMiss() { c.misses.Add(1) }

// RecordSynthesis counts an artifact rendered by the engine.
func (c *Counters) RecordSynthesis() { c.synthesized.Add(1) }

// Snapshot returns the current counters.
func (c *Counters) Snapshot() Snapshot {
	now := c.now()
	s := Snapshot{
		Timestamp:         now,
		Started:           c.start,
		UptimeSeconds:     int64(now.Sub(c.start).Seconds()),
		MessagesProcessed: c.messages.Load(),
		WordsRead:         c.words.Load(),
		AudioGenerated:    c.synthesized.Load(),
		CacheHits:         c.hits.Load(),
		CacheMisses:       c.misses.Load(),
	}
	if total := s.CacheHits + s.CacheMisses; total > 0 {
		s.HitRatio = float64(s.CacheHits) / float64(total) * 100
	}
	return s
}

// Snapshot is the persisted form of the counters.
type Snapshot struct {
	Timestamp         time.Time `json:"timestamp"`
	Started           time.Time `json:"started"`
	UptimeSeconds     int64     `json:"uptime_seconds"`
	WordsRead         int64     `json:"words_read"`
	MessagesProcessed int64     `json:"messages_processed"`
	AudioGenerated    int64     `json:"audio_generated"`
	CacheHits         int64     `json:"cache_hits"`
	CacheMisses       int64     `json:"cache_misses"`
	HitRatio          float64   `json:"cache_hit_ratio"` // Percent
}

// Uptime returns the recorded uptime.
func (s Snapshot) Uptime() time.Duration {
	return time.Duration(s.UptimeSeconds) * time.Second
}

// CountWords approximates the number of words in text. Text containing ASCII
// letters or digits counts whitespace separated tokens; anything else, such
// as Japanese, counts one word per two characters and at least one.
func CountWords(text string) int {
	if hasASCIIAlnum(text) {
		return len(strings.Fields(text))
	}
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	if words := n / 2; words > 0 {
		return words
	}
	return 1
}

func hasASCIIAlnum(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') {
			return true
		}
	}
	return false
}

package tts

import (
	"strings"
	"unicode/utf8"
)

// segmentTerminators are the punctuation marks long text is split after.
// Japanese full stop and comma, their full-width Latin variants and both
// widths of exclamation and question marks.
var segmentTerminators = map[rune]bool{
	'。': true,
	'、': true,
	'．': true,
	'，': true,
	'!': true,
	'！': true,
	'?': true,
	'？': true,
}

// SplitSegments splits text after each terminator, keeping the punctuation
// with the clause before it. Blank segments are dropped.
func SplitSegments(text string) []string {
	var segments []string
	var current strings.Builder

	flush := func() {
		if segment := current.String(); strings.TrimSpace(segment) != "" {
			segments = append(segments, segment)
		}
		current.Reset()
	}

	for _, r := range text {
		current.WriteRune(r)
		if segmentTerminators[r] {
			flush()
		}
	}

	// Trailing text without punctuation
	flush()

	return segments
}

// needsSplit reports whether text is long enough to be synthesized in
// segments.
func needsSplit(text string, threshold int) bool {
	return threshold > 0 && utf8.RuneCountInString(text) >= threshold
}

package tts

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sahilm/fuzzy"
)

// Speaker is one character offered by the engine.
type Speaker struct {
	Name    string  `json:"name"`
	UUID    string  `json:"speaker_uuid"`
	Styles  []Style `json:"styles"`
	Version string  `json:"version,omitempty"`
}

// Style is a selectable voice of a speaker. Its ID is what the engine calls
// the speaker parameter.
type Style struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Voice is a flattened speaker style.
type Voice struct {
	ID      int
	Speaker string
	Style   string
}

// String renders the voice as "name (style)".
func (v Voice) String() string {
	return fmt.Sprintf("%s (%s)", v.Speaker, v.Style)
}

// Flatten lists every style of every speaker, ordered by ID.
func Flatten(speakers []Speaker) []Voice {
	var voices []Voice
	for _, sp := range speakers {
		for _, st := range sp.Styles {
			voices = append(voices, Voice{ID: st.ID, Speaker: sp.Name, Style: st.Name})
		}
	}
	sort.Slice(voices, func(i, j int) bool { return voices[i].ID < voices[j].ID })
	return voices
}

// FindVoice returns the voice with the given ID.
func FindVoice(voices []Voice, id int) (Voice, bool) {
	for _, v := range voices {
		if v.ID == id {
			return v, true
		}
	}
	return Voice{}, false
}

// Filter fuzzy matches pattern against voice labels, best match first. A
// numeric pattern naming an existing voice selects just that voice. An empty
// pattern keeps every voice.
func Filter(voices []Voice, pattern string) []Voice {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return voices
	}
	if id, err := strconv.Atoi(pattern); err == nil {
		if v, found := FindVoice(voices, id); found {
			return []Voice{v}
		}
	}

	labels := make([]string, len(voices))
	for i, v := range voices {
		labels[i] = v.String()
	}
	matches := fuzzy.Find(pattern, labels)
	out := make([]Voice, 0, len(matches))
	for _, m := range matches {
		out = append(out, voices[m.Index])
	}
	return out
}

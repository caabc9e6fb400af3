// Package mentions finds known entity names and aliases in free text with a
// single Aho-Corasick automaton, so co-occurring entities can be recorded
// without an extraction round trip.
package mentions

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/coregx/ahocorasick"
)

// ============================================================================
// Canonicalizer - shared by pattern compilation and text scanning
// ============================================================================

// isJoiner returns true for punctuation that commonly appears INSIDE names.
// Examples: "O'Brien", "Jean-Luc", "AT&T", "U.S."
func isJoiner(r rune) bool {
	switch r {
	case '\'', '-', '·', '.', '_', '/', '#', '&':
		return true
	default:
		return false
	}
}

// foldRune lower-cases r and folds typographic apostrophes and dashes.
func foldRune(r rune) rune {
	c := unicode.ToLower(r)
	switch c {
	case '’', '‘':
		return '\''
	case '–', '—':
		return '-'
	}
	return c
}

func keep(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || isJoiner(c)
}

// CanonicalizeForMatch lower-cases s, keeps letters, digits and joiners, and
// collapses every other run of characters into a single space.
func CanonicalizeForMatch(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	lastWasSpace := true
	for _, ch := range s {
		c := foldRune(ch)
		if keep(c) {
			out.WriteRune(c)
			lastWasSpace = false
		} else if !lastWasSpace {
			out.WriteRune(' ')
			lastWasSpace = true
		}
	}

	result := out.String()
	if len(result) > 0 && result[len(result)-1] == ' ' {
		result = result[:len(result)-1]
	}
	return result
}

// ============================================================================
// Dictionary
// ============================================================================

// Entry is one entity with the surface forms it may appear under.
type Entry struct {
	ID      int64
	Name    string
	Aliases []string
}

// Dictionary maps surface forms to entity ids.
type Dictionary struct {
	ac *ahocorasick.Automaton

	// Pattern index -> entity ids (aliases may be shared)
	patternToIDs [][]int64
	patternIndex map[string]int
	patterns     []string
}

// Compile builds a Dictionary from entries. An empty entry list yields a
// dictionary that never matches.
func Compile(entries []Entry) (*Dictionary, error) {
	d := &Dictionary{patternIndex: make(map[string]int)}

	for _, e := range entries {
		surfaces := append([]string{e.Name}, e.Aliases...)
		for _, surface := range surfaces {
			key := CanonicalizeForMatch(surface)
			if key == "" {
				continue
			}
			if idx, exists := d.patternIndex[key]; exists {
				d.patternToIDs[idx] = appendUnique(d.patternToIDs[idx], e.ID)
				continue
			}
			d.patternIndex[key] = len(d.patterns)
			d.patterns = append(d.patterns, key)
			d.patternToIDs = append(d.patternToIDs, []int64{e.ID})
		}
	}

	if len(d.patterns) == 0 {
		return d, nil
	}

	// Scan walks overlapping matches, so the match kind does not pick
	// between nested names; dropContained does.
	automaton, err := ahocorasick.NewBuilder().
		AddStrings(d.patterns).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, err
	}
	d.ac = automaton
	return d, nil
}

// Lookup returns the entity ids registered under surface.
func (d *Dictionary) Lookup(surface string) []int64 {
	idx, ok := d.patternIndex[CanonicalizeForMatch(surface)]
	if !ok {
		return nil
	}
	return d.patternToIDs[idx]
}

// Len returns the number of distinct surface forms.
func (d *Dictionary) Len() int {
	return len(d.patterns)
}

// Mention is one whole-word occurrence of a surface form in text.
type Mention struct {
	Start     int     // byte offset in the original text
	End       int     // exclusive
	Text      string  // original slice, casing preserved
	EntityIDs []int64 // entities registered under the matched form
}

// Scan finds all whole-word mentions in text. Offsets refer to the original
// text. Matches that begin or end inside a word are discarded, and a match
// nested inside a longer one ("Open AI" within "Open AI Foundation") is not
// reported.
func (d *Dictionary) Scan(text string) []Mention {
	if d.ac == nil {
		return nil
	}

	canonical := CanonicalizeForMatch(text)
	canonToOrig := buildOffsetMap(text)

	matches := d.ac.FindAllOverlapping([]byte(canonical))
	result := make([]Mention, 0, len(matches))
	for _, m := range matches {
		if !wordBoundary(canonical, m.Start, m.End) {
			continue
		}
		start := mapOffset(m.Start, canonToOrig, len(text))
		end := mapOffset(m.End, canonToOrig, len(text))
		if start >= len(text) || end > len(text) || start >= end {
			continue
		}
		result = append(result, Mention{
			Start:     start,
			End:       end,
			Text:      text[start:end],
			EntityIDs: d.patternToIDs[m.PatternID],
		})
	}

	return dropContained(result)
}

// dropContained orders mentions by start and removes those lying entirely
// within an earlier, longer mention.
func dropContained(ms []Mention) []Mention {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Start != ms[j].Start {
			return ms[i].Start < ms[j].Start
		}
		return ms[i].End > ms[j].End
	})
	out := ms[:0]
	reach := -1
	for _, m := range ms {
		if m.End <= reach {
			continue
		}
		out = append(out, m)
		reach = m.End
	}
	return out
}

// EntityIDs returns the distinct entity ids mentioned in text, in order of
// first appearance.
func (d *Dictionary) EntityIDs(text string) []int64 {
	var ids []int64
	for _, m := range d.Scan(text) {
		for _, id := range m.EntityIDs {
			ids = appendUnique(ids, id)
		}
	}
	return ids
}

func wordBoundary(s string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(s[:start])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if end < len(s) {
		r, _ := utf8.DecodeRuneInString(s[end:])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// buildOffsetMap maps each byte of the canonicalized text back to its byte
// position in the original.
func buildOffsetMap(original string) []int {
	mapping := make([]int, 0, len(original)+1)

	lastWasSpace := true
	origPos := 0
	for _, ch := range original {
		c := foldRune(ch)
		if keep(c) {
			// The folded rune may not have the original's byte width.
			for i := 0; i < utf8.RuneLen(c); i++ {
				mapping = append(mapping, origPos)
			}
			lastWasSpace = false
		} else if !lastWasSpace {
			mapping = append(mapping, origPos)
			lastWasSpace = true
		}
		origPos += utf8.RuneLen(ch)
	}
	mapping = append(mapping, origPos)

	return mapping
}

// mapOffset converts a canonicalized byte offset to an original byte offset.
// Offsets past the end of the mapping clamp to the original length.
func mapOffset(canonOffset int, mapping []int, originalLen int) int {
	if canonOffset >= len(mapping) {
		return originalLen
	}
	if canonOffset < 0 {
		return 0
	}
	return mapping[canonOffset]
}

func appendUnique(slice []int64, item int64) []int64 {
	for _, s := range slice {
		if s == item {
			return slice
		}
	}
	return append(slice, item)
}

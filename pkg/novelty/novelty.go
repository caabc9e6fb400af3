// Package novelty estimates how much new information a piece of text adds
// compared to text already seen, using keyword overlap instead of embeddings.
package novelty

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/orsinium-labs/stopwords"
)

// MinKeywordLength is the shortest word (in runes) counted as a keyword.
const MinKeywordLength = 4

// Band classifies an entropy score.
type Band string

const (
	HighNovelty     Band = "high_novelty"
	ModerateNovelty Band = "moderate_novelty"
	LowNovelty      Band = "low_novelty"
	Duplicate       Band = "duplicate_content"
)

// Recommendations attached to each band.
const (
	RecommendExpand   = "expand_branch"
	RecommendContinue = "continue"
	RecommendMonitor  = "monitor"
	RecommendStop     = "stop_exploration"
)

// Recommendation returns the action suggested for a band.
func (b Band) Recommendation() string {
	switch b {
	case HighNovelty:
		return RecommendExpand
	case ModerateNovelty:
		return RecommendContinue
	case LowNovelty:
		return RecommendMonitor
	case Duplicate:
		return RecommendStop
	}
	return RecommendStop
}

// Classify maps an entropy score in [0,1] to its band.
func Classify(entropy float64) Band {
	switch {
	case entropy > 0.7:
		return HighNovelty
	case entropy > 0.4:
		return ModerateNovelty
	case entropy > 0.2:
		return LowNovelty
	default:
		return Duplicate
	}
}

// fillerWords are common in research prose but carry no topical signal.
var fillerWords = []string{
	"according", "additionally", "approximately", "however", "including",
	"therefore", "although", "furthermore", "moreover", "overall",
}

// Tokenizer extracts keyword sets from free text.
type Tokenizer struct {
	checker *stopwords.Stopwords
	extra   map[string]bool
}

// NewTokenizer creates a tokenizer backed by the English stop-word list.
func NewTokenizer() *Tokenizer {
	t := &Tokenizer{
		checker: stopwords.MustGet("en"),
		extra:   make(map[string]bool, len(fillerWords)),
	}
	for _, w := range fillerWords {
		t.extra[w] = true
	}
	return t
}

// AddStopWord makes Keywords ignore word. Blank words are skipped.
func (t *Tokenizer) AddStopWord(word string) {
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return
	}
	t.extra[word] = true
}

// Keywords returns the distinct lower-cased keywords of text.
func (t *Tokenizer) Keywords(text string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})

	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if utf8.RuneCountInString(w) < MinKeywordLength {
			continue
		}
		if t.extra[w] || t.checker.Contains(w) {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

// Result is the outcome of comparing new text against existing text.
type Result struct {
	Entropy          float64  `json:"entropy"`
	NewKeywords      int      `json:"newKeywords"`
	ExistingKeywords int      `json:"existingKeywords"`
	NovelKeywords    []string `json:"novelKeywords"`
	Band             Band     `json:"classification"`
	Recommendation   string   `json:"recommendation"`
}

// maxNovelSample bounds the keyword sample returned in a Result.
const maxNovelSample = 20

// Compare computes |new − existing| / |new| over keyword sets. Text with no
// keywords at all scores zero.
func (t *Tokenizer) Compare(newText, existingText string) Result {
	fresh := t.Keywords(newText)
	seen := t.Keywords(existingText)

	var novel []string
	for w := range fresh {
		if _, ok := seen[w]; !ok {
			novel = append(novel, w)
		}
	}
	sort.Strings(novel)

	var entropy float64
	if len(fresh) > 0 {
		entropy = float64(len(novel)) / float64(len(fresh))
	}
	band := Classify(entropy)

	sample := novel
	if len(sample) > maxNovelSample {
		sample = sample[:maxNovelSample]
	}

	return Result{
		Entropy:          entropy,
		NewKeywords:      len(fresh),
		ExistingKeywords: len(seen),
		NovelKeywords:    sample,
		Band:             band,
		Recommendation:   band.Recommendation(),
	}
}

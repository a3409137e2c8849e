// Package phonetic detects uses of a practice target word in transcribed
// speech.
//
// Live transcription often misspells the very words a learner is practising
// ("efemeral" for "ephemeral"). A token counts as a use when it is the target
// or a regular inflection of it, or when it sounds like the target: its
// Double Metaphone codes overlap the target's and the Jaro-Winkler similarity
// clears the phonetic threshold. Tokens with no phonetic overlap still count
// above the stricter fuzzy threshold.
//
// Short targets (four letters or fewer) only match exactly, since nearly any
// short word sounds like another.
package phonetic

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.92
	shortWord                = 4
)

var suffixes = []string{"s", "es", "ed", "d", "ing", "ly"}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a token that
// shares a phonetic code with the target. Default: 0.80.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a token without
// phonetic overlap. Default: 0.92.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher finds target-word uses. It is read-only after construction and
// safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] with the supplied options applied.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Use is one detected occurrence of the target.
type Use struct {
	// Heard is the transcribed text that matched.
	Heard string
	// Score is 1 for exact and inflected matches, otherwise the
	// Jaro-Winkler similarity.
	Score float64
	Exact bool
}

// Uses returns every occurrence of target in utterance, in order.
// Multi-word targets ("give up") are matched against windows of the same
// number of tokens.
func (m *Matcher) Uses(utterance, target string) []Use {
	targetTokens := tokenize(target)
	if len(targetTokens) == 0 {
		return nil
	}
	tokens := tokenize(utterance)
	n := len(targetTokens)
	want := strings.Join(targetTokens, " ")
	wantCodes := codes(strings.Join(targetTokens, ""))

	var uses []Use
	for i := 0; i+n <= len(tokens); i++ {
		heard := strings.Join(tokens[i:i+n], " ")
		if use, ok := m.match(heard, want, wantCodes); ok {
			uses = append(uses, use)
			i += n - 1
		}
	}
	return uses
}

// Count returns the number of occurrences of target in utterance.
func (m *Matcher) Count(utterance, target string) int {
	return len(m.Uses(utterance, target))
}

func (m *Matcher) match(heard, want string, wantCodes map[string]struct{}) (Use, bool) {
	if heard == want || inflected(heard, want) {
		return Use{Heard: heard, Score: 1, Exact: true}, true
	}
	if utf8.RuneCountInString(want) <= shortWord {
		return Use{}, false
	}

	score := matchr.JaroWinkler(heard, want, false)
	flat := strings.ReplaceAll(heard, " ", "")
	if s := matchr.JaroWinkler(flat, strings.ReplaceAll(want, " ", ""), false); s > score {
		score = s
	}

	threshold := m.fuzzyThreshold
	if overlap(codes(flat), wantCodes) {
		threshold = m.phoneticThreshold
	}
	if score < threshold {
		return Use{}, false
	}
	return Use{Heard: heard, Score: score}, true
}

// inflected reports whether heard is want with a regular English suffix,
// including the dropped final "e" of "practise" → "practising".
func inflected(heard, want string) bool {
	rest, ok := strings.CutPrefix(heard, want)
	if !ok {
		stem, hasE := strings.CutSuffix(want, "e")
		if !hasE {
			return false
		}
		if rest, ok = strings.CutPrefix(heard, stem); !ok || rest != "ing" {
			return false
		}
		return true
	}
	for _, s := range suffixes {
		if rest == s {
			return true
		}
	}
	return false
}

// tokenize lowercases s and splits it into words. Apostrophes inside words
// are kept; a trailing possessive "'s" is dropped.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '’'
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "'’")
		f = strings.TrimSuffix(strings.TrimSuffix(f, "'s"), "’s")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// codes returns the non-empty Double Metaphone codes of word.
func codes(word string) map[string]struct{} {
	out := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(word)
	if p != "" {
		out[p] = struct{}{}
	}
	if s != "" {
		out[s] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) bool {
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// Package textnorm provides the name normalization and character-bigram
// similarity used to match ingredient names across source systems.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// stripped lists the punctuation and bracket runes removed by Normalize. Full-width
// ASCII punctuation is folded to half-width before this table is consulted, so only
// the half-width forms and CJK-specific marks need to appear here.
var stripped = map[rune]struct{}{
	'(': {}, ')': {}, '[': {}, ']': {}, '{': {}, '}': {}, '<': {}, '>': {},
	'【': {}, '】': {}, '「': {}, '」': {}, '『': {}, '』': {}, '《': {}, '》': {},
	'〈': {}, '〉': {}, '〔': {}, '〕': {},
	',': {}, '.': {}, ';': {}, ':': {}, '!': {}, '?': {}, '\'': {}, '"': {},
	'`': {}, '-': {}, '_': {}, '/': {}, '\\': {}, '|': {}, '*': {}, '#': {},
	'、': {}, '，': {}, '。': {}, '；': {}, '：': {}, '！': {}, '？': {},
	'·': {}, '・': {}, '‘': {}, '’': {}, '“': {}, '”': {}, '～': {}, '~': {},
}

// Normalize folds a display name into its matching key: full-width characters
// become half-width, letters are lower-cased, and whitespace plus the fixed
// punctuation table are removed.
func Normalize(name string) string {
	if name == "" {
		return ""
	}
	s := width.Fold.String(norm.NFC.String(name))

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		if _, ok := stripped[r]; ok {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// Bigrams returns the set of overlapping two-rune substrings of the normalized
// form of s. A single-rune string yields itself; an empty string yields an empty set.
func Bigrams(s string) map[string]struct{} {
	runes := []rune(Normalize(s))
	set := make(map[string]struct{}, len(runes))
	switch len(runes) {
	case 0:
		return set
	case 1:
		set[string(runes)] = struct{}{}
		return set
	}
	for i := 0; i+1 < len(runes); i++ {
		set[string(runes[i:i+2])] = struct{}{}
	}
	return set
}

// Jaccard computes |A∩B| / |A∪B| over the bigram sets of a and b. Two names that
// both normalize to empty are identical (1.0); exactly one empty name scores 0.
func Jaccard(a, b string) float64 {
	ba, bb := Bigrams(a), Bigrams(b)
	if len(ba) == 0 && len(bb) == 0 {
		return 1.0
	}
	if len(ba) == 0 || len(bb) == 0 {
		return 0.0
	}

	small, large := ba, bb
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for g := range small {
		if _, ok := large[g]; ok {
			inter++
		}
	}
	union := len(ba) + len(bb) - inter
	return float64(inter) / float64(union)
}

// PrefixFragment returns the leading two runes of an already-normalized name.
// Stores use it as the cheap substring pre-filter for fuzzy candidates, which
// misses matches whose similarity sits entirely after the first two characters.
func PrefixFragment(normalized string) string {
	runes := []rune(normalized)
	if len(runes) > 2 {
		runes = runes[:2]
	}
	return string(runes)
}

package cache

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize canonicalizes caller text for keying: NFKC, Unicode case folding,
// punctuation removed, whitespace collapsed.
func Normalize(input string) string {
	folded := cases.Fold().String(norm.NFKC.String(input))

	var b strings.Builder
	b.Grow(len(folded))
	pendingSpace := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
			continue
		}
		pendingSpace = true
	}
	return b.String()
}

// Fingerprint derives the cache key from already-normalized input, the
// language code and the workflow-state identifier.
func Fingerprint(normalized, languageCode, stateID string) string {
	h := xxhash.New()
	_, _ = h.WriteString(normalized)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(strings.ToLower(strings.TrimSpace(languageCode)))
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(stateID)
	return strconv.FormatUint(h.Sum64(), 16)
}

type gramSet map[string]struct{}

func trigrams(normalized string) gramSet {
	runes := []rune(" " + normalized + " ")
	out := make(gramSet, len(runes))
	if len(runes) < 3 {
		out[string(runes)] = struct{}{}
		return out
	}
	for i := 0; i+3 <= len(runes); i++ {
		out[string(runes[i:i+3])] = struct{}{}
	}
	return out
}

// dice returns the Sørensen–Dice coefficient of two trigram sets.
func dice(a, b gramSet) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	shared := 0
	for g := range small {
		if _, ok := large[g]; ok {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(a)+len(b))
}

// Similarity scores two normalized strings in [0, 1].
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	return dice(trigrams(a), trigrams(b))
}

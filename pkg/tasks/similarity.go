package tasks

import (
	"strings"
	"unicode"
)

// Normalize lowercases s, removes punctuation and collapses whitespace.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '/' || r == '_':
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Similar reports whether two titles describe the same task: equal after
// normalization, one contained in the other, or at least threshold of the
// smaller significant-word set shared.
func Similar(a, b string, threshold float64) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb || strings.Contains(na, nb) || strings.Contains(nb, na) {
		return true
	}
	return wordOverlap(na, nb) >= threshold
}

// wordOverlap is the share of the smaller significant-word set found in the
// other set. Words of two characters or fewer are ignored.
func wordOverlap(na, nb string) float64 {
	wa, wb := significantWords(na), significantWords(nb)
	small, large := wa, wb
	if len(wb) < len(wa) {
		small, large = wb, wa
	}
	if len(small) == 0 {
		return 0
	}
	shared := 0
	for w := range small {
		if _, ok := large[w]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}

func significantWords(normalized string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.Fields(normalized) {
		if len([]rune(w)) > 2 {
			out[w] = struct{}{}
		}
	}
	return out
}

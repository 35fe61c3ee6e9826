package consolidation

import (
	"math"
)

// shannonEntropy computes the character-distribution entropy of text in
// bits. Low-entropy payloads ("ok", "aaaa", bare punctuation) carry no
// consolidatable signal and are rejected before any model call is spent.
func shannonEntropy(text string) float64 {
	if text == "" {
		return 0
	}
	freq := make(map[rune]int)
	var total int
	for _, r := range text {
		freq[r]++
		total++
	}
	var h float64
	for _, n := range freq {
		p := float64(n) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

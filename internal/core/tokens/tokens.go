// Package tokens holds the shared token estimate used where no provider
// tokenizer is available.
package tokens

import "unicode/utf8"

// Estimate is a cheap token estimator (~4 runes ≈ 1 token).
func Estimate(s string) int {
	n := utf8.RuneCountInString(s)
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}

// Runes returns the rune budget that fits in n estimated tokens.
func Runes(n int) int {
	if n <= 0 {
		return 0
	}
	return n * 4
}

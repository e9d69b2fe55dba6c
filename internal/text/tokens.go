package text

import "unicode/utf8"

// CharsPerToken approximates the embedding model's tokenizer.
const CharsPerToken = 4

// EstimateTokens returns the approximate token count of s, rounding up.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + CharsPerToken - 1) / CharsPerToken
}

package util

import (
	"regexp"
	"strings"
)

var unsafeInputChars = regexp.MustCompile(`[<>"'\\]`)

// SanitizeInput strips characters usable for markup or quoting injection,
// truncates to maxLen runes and trims surrounding whitespace.
func SanitizeInput(text string, maxLen int) string {
	s := unsafeInputChars.ReplaceAllString(text, "")

	if r := []rune(s); maxLen > 0 && len(r) > maxLen {
		s = string(r[:maxLen])
	}

	return strings.TrimSpace(s)
}

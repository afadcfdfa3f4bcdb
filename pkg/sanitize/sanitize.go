// Package sanitize cleans free text that clients attach to calls.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

// MaxReasonLength caps end and reject reasons, in runes
const MaxReasonLength = 128

var htmlTag = regexp.MustCompile(`<[^>]*>`)

// Reason strips markup and control characters from a hang-up or reject
// reason, collapses whitespace and truncates it to MaxReasonLength runes.
func Reason(input string) string {
	input = htmlTag.ReplaceAllString(input, "")
	input = StripControlCharacters(input)
	input = strings.Join(strings.Fields(input), " ")

	runes := []rune(input)
	if len(runes) > MaxReasonLength {
		input = strings.TrimSpace(string(runes[:MaxReasonLength]))
	}
	return input
}

// StripControlCharacters removes control characters from string
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// ValidStringLength reports whether input has between minLen and maxLen runes
func ValidStringLength(input string, minLen, maxLen int) bool {
	n := len([]rune(input))
	return n >= minLen && n <= maxLen
}

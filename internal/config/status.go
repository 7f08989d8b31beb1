package config

import (
	"strconv"
	"strings"
)

// MatchesStatusCode reports whether a status code matches a pattern such as
// "200" or "4xx".
func MatchesStatusCode(statusCode int, pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if !ValidStatusPattern(pattern) {
		return false
	}

	code := strconv.Itoa(statusCode)
	if len(code) != 3 {
		return false
	}

	for i := 0; i < 3; i++ {
		if pattern[i] != 'x' && pattern[i] != code[i] {
			return false
		}
	}
	return true
}

// ValidStatusPattern reports whether pattern is three characters of digits or 'x'
func ValidStatusPattern(pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if len(pattern) != 3 {
		return false
	}
	for _, c := range pattern {
		if c != 'x' && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

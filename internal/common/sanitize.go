package common

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// SanitizeForJSON strips lone surrogates and null bytes from a string so it
// is safe for JSONB-style storage. Valid surrogate pairs survive because Go
// strings never contain them encoded as UTF-8; anything in the surrogate
// range or invalid UTF-8 is dropped.
func SanitizeForJSON(s string) string {
	if isCleanJSONString(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			i++
			continue
		}
		if r == 0 || utf16.IsSurrogate(r) {
			i += size
			continue
		}
		b.WriteRune(r)
		i += size
	}
	return b.String()
}

func isCleanJSONString(s string) bool {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			return false
		}
		if r == 0 || utf16.IsSurrogate(r) {
			return false
		}
		i += size
	}
	return true
}

// Package match selects storage keys with doublestar glob patterns and
// derives the narrowest list prefixes for a pattern set.
package match

import "strings"

// globEscapable are the characters a backslash may escape in a pattern.
const globEscapable = `*?[]{}\`

// NormalizePattern turns unescaped backslashes into forward slashes and
// keeps escape sequences for literal glob metacharacters.
//
//	"music\calm\*.mp3"   → "music/calm/*.mp3"
//	"music/take\*1.mp3"  → "music/take\*1.mp3"
func NormalizePattern(pattern string) string {
	if !strings.ContainsRune(pattern, '\\') {
		return pattern
	}

	var b strings.Builder
	b.Grow(len(pattern))
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(pattern) && strings.IndexByte(globEscapable, pattern[i+1]) >= 0 {
			b.WriteByte('\\')
			b.WriteByte(pattern[i+1])
			i++
			continue
		}
		b.WriteByte('/')
	}
	return b.String()
}

// IsHidden reports whether any '/'-separated segment of key starts with a
// dot, such as "music/.trash/a.mp3" or "music/._a.mp3".
func IsHidden(key string) bool {
	for _, seg := range strings.Split(key, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

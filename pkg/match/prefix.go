package match

import (
	"sort"
	"strings"
)

// DerivePrefix returns the static part of pattern up to the last '/' before
// its first unescaped metacharacter, with escapes removed. A pattern without
// metacharacters is its own prefix.
//
//	"music/calm/**/*.mp3" → "music/calm/"
//	"*.ts"                → ""
//	"music/take\*1.mp3"   → "music/take*1.mp3"
func DerivePrefix(pattern string) string {
	pattern = NormalizePattern(pattern)
	idx := firstMeta(pattern)
	switch {
	case idx < 0:
		return unescape(pattern)
	case idx == 0:
		return ""
	}
	slash := strings.LastIndex(pattern[:idx], "/")
	if slash < 0 {
		return ""
	}
	return unescape(pattern[:slash+1])
}

// firstMeta is the index of the first unescaped * ? [ or {, or -1.
func firstMeta(pattern string) int {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			if i+1 < len(pattern) {
				i++
			}
		case '*', '?', '[', '{':
			return i
		}
	}
	return -1
}

func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && strings.IndexByte(globEscapable, s[i+1]) >= 0 {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// DerivePrefixes derives one prefix per pattern and drops any prefix covered
// by a shorter one. The result is sorted; [""] means a full listing.
func DerivePrefixes(patterns []string) []string {
	if len(patterns) == 0 {
		return nil
	}
	prefixes := make([]string, 0, len(patterns))
	for _, p := range patterns {
		prefix := DerivePrefix(p)
		if prefix == "" {
			return []string{""}
		}
		prefixes = append(prefixes, prefix)
	}

	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) < len(prefixes[j]) })
	out := make([]string, 0, len(prefixes))
next:
	for _, p := range prefixes {
		for _, kept := range out {
			if strings.HasPrefix(p, kept) {
				continue next
			}
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

package match

import (
	"errors"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Errors returned by New.
var (
	ErrNoIncludes     = errors.New("at least one include pattern is required")
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError names the pattern that failed to compile.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Config configures a Matcher. A key matches when it matches at least one
// include and no exclude. Hidden keys are skipped unless IncludeHidden.
type Config struct {
	Includes      []string
	Excludes      []string
	IncludeHidden bool
}

// Matcher is immutable and safe for concurrent use.
type Matcher struct {
	includes      []string
	excludes      []string
	prefixes      []string
	includeHidden bool
}

func New(cfg Config) (*Matcher, error) {
	if len(cfg.Includes) == 0 {
		return nil, ErrNoIncludes
	}
	includes, err := compile(cfg.Includes)
	if err != nil {
		return nil, err
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}
	return &Matcher{
		includes:      includes,
		excludes:      excludes,
		prefixes:      DerivePrefixes(includes),
		includeHidden: cfg.IncludeHidden,
	}, nil
}

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		n := NormalizePattern(p)
		if !doublestar.ValidatePattern(n) {
			return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
		out = append(out, n)
	}
	return out, nil
}

// Match reports whether key is selected. Keys are matched as-is.
func (m *Matcher) Match(key string) bool {
	if !m.includeHidden && IsHidden(key) {
		return false
	}
	if !anyMatch(m.includes, key) {
		return false
	}
	return !anyMatch(m.excludes, key)
}

func anyMatch(patterns []string, key string) bool {
	for _, p := range patterns {
		// Patterns are validated in New, so Match cannot fail here.
		if ok, _ := doublestar.Match(p, key); ok {
			return true
		}
	}
	return false
}

// Filter returns the matching keys in lexical order.
func (m *Matcher) Filter(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if m.Match(k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Prefixes are the list prefixes that cover every include.
func (m *Matcher) Prefixes() []string {
	return m.prefixes
}

// IncludePatterns returns the normalized include patterns.
func (m *Matcher) IncludePatterns() []string {
	return append([]string(nil), m.includes...)
}

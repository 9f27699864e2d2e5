package jobs

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Timestamp is a lenient time value for persisted records.
//
// Older records carry naive ISO-8601 strings without a zone; those are read
// as UTC. A value that cannot be parsed is kept verbatim and reported invalid
// rather than failing the whole document, so expiry checks can fail open.
type Timestamp struct {
	t     time.Time
	raw   json.RawMessage
	valid bool
}

// NewTimestamp wraps t, normalized to UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t: t.UTC(), valid: true}
}

// Time returns the parsed instant and whether parsing succeeded.
func (ts Timestamp) Time() (time.Time, bool) {
	return ts.t, ts.valid
}

// IsZero reports whether the timestamp was never set.
func (ts Timestamp) IsZero() bool {
	return !ts.valid && len(ts.raw) == 0
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses RFC 3339 or a naive layout (read as UTC).
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.valid {
		return json.Marshal(ts.t.UTC().Format(time.RFC3339Nano))
	}
	if len(ts.raw) > 0 {
		return ts.raw, nil
	}
	return []byte("null"), nil
}

// UnmarshalJSON never fails on a well-formed JSON value.
func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	*ts = Timestamp{}
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		if t, ok := ParseTimestamp(s); ok {
			ts.t, ts.valid = t, true
			return nil
		}
	}
	ts.raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

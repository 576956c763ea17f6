// Package rfctime provides an RFC3339 time type for backend JSON payloads.
// The zero value marshals as null and unmarshals from null or empty string,
// so optional timestamps survive round trips without pointer juggling.
package rfctime

import (
	"fmt"
	"strings"
	"time"
)

// RFC3339 wraps time.Time with RFC3339 JSON marshaling.
type RFC3339 struct {
	time.Time
}

// looseFormats tried in order by ParseLoose and UnmarshalJSON
var looseFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// New makes RFC3339 from time.Time
func New(t time.Time) RFC3339 {
	return RFC3339{Time: t}
}

// ParseLoose parses s trying RFC3339 first and falling back to
// nano and date-only variants some backends emit.
func ParseLoose(s string) (RFC3339, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RFC3339{}, nil
	}
	for _, f := range looseFormats {
		if t, err := time.Parse(f, s); err == nil {
			return RFC3339{Time: t}, nil
		}
	}
	return RFC3339{}, fmt.Errorf("can't parse time %q", s)
}

// MarshalJSON emits the time in RFC3339, or null for the zero value
func (t RFC3339) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.Format(time.RFC3339) + `"`), nil
}

// UnmarshalJSON accepts an RFC3339 string, null or "" (both reset to zero)
func (t *RFC3339) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*t = RFC3339{}
		return nil
	}
	s = strings.Trim(s, `"`)
	parsed, err := ParseLoose(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// DateString returns the date component as YYYY-MM-DD, empty for the zero value.
// Used for date-range filtering which compares these strings lexicographically.
func (t RFC3339) DateString() string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

// EqualTime reports whether both represent the same instant
func (t RFC3339) EqualTime(o RFC3339) bool {
	return t.Time.Equal(o.Time)
}

func (t RFC3339) String() string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

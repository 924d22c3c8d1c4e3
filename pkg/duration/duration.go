// Package duration parses and formats the human-readable duration form used
// on the wire: space-separated "<number><unit>" terms, e.g. "30s", "1h 30m".
// Supported units: ms, s, m, h, d, w, M (30 days), y (365 days).
package duration

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
	year  = 365 * day
)

var units = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  day,
	"w":  week,
	"M":  month,
	"y":  year,
}

// Parse converts a human-readable duration into a time.Duration.
// Terms may be separated by whitespace: "1h 30m" equals "1h30m".
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	var total time.Duration
	i := 0
	for i < len(s) {
		for i < len(s) && unicode.IsSpace(rune(s[i])) {
			i++
		}
		if i >= len(s) {
			break
		}

		start := i
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == start {
			return 0, fmt.Errorf("invalid duration %q: expected digit at position %d", s, i)
		}
		var n int64
		for _, c := range s[start:i] {
			n = n*10 + int64(c-'0')
		}

		unitStart := i
		for i < len(s) && (unicode.IsLetter(rune(s[i]))) {
			i++
		}
		unit := s[unitStart:i]
		factor, ok := units[unit]
		if !ok {
			return 0, fmt.Errorf("invalid duration %q: unknown unit %q", s, unit)
		}
		total += time.Duration(n) * factor
	}
	return total, nil
}

// Format renders a duration in the human-readable form, using the largest
// units that divide it exactly. Zero renders as "0s".
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	if d < 0 {
		return "-" + Format(-d)
	}

	var parts []string
	for _, u := range []struct {
		name string
		size time.Duration
	}{
		{"y", year},
		{"M", month},
		{"w", week},
		{"d", day},
		{"h", time.Hour},
		{"m", time.Minute},
		{"s", time.Second},
		{"ms", time.Millisecond},
	} {
		if d >= u.size {
			n := d / u.size
			d -= n * u.size
			parts = append(parts, fmt.Sprintf("%d%s", n, u.name))
		}
	}
	if len(parts) == 0 {
		// Sub-millisecond remainder; round down to zero.
		return "0s"
	}
	return strings.Join(parts, " ")
}

// Package durationfmt parses and formats the restricted duration grammar
// used throughout workflow configuration: a decimal number followed by one
// of the units s, m, h, ms. Unlike time.ParseDuration, compound durations
// ("1h30m") and bare numbers are rejected — the grammar is intentionally
// narrow so that configuration authors can't reach for Go-specific syntax.
package durationfmt

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var grammar = regexp.MustCompile(`^(\d+(?:\.\d+)?)(ms|s|m|h)$`)

// Parse parses a duration string matching <number>(s|m|h|ms) into a
// time.Duration. The number may carry a single decimal point. An unknown or
// missing unit is rejected outright; there is no silent default here — the
// caller decides what a missing duration field means.
func Parse(s string) (time.Duration, error) {
	m := grammar.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("durationfmt: malformed duration %q: expected <number>(ms|s|m|h)", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("durationfmt: malformed duration %q: %w", s, err)
	}

	unit, ok := unitMultiplier(m[2])
	if !ok {
		return 0, fmt.Errorf("durationfmt: unknown unit in duration %q", s)
	}

	return time.Duration(value * float64(unit)), nil
}

func unitMultiplier(u string) (time.Duration, bool) {
	switch u {
	case "ms":
		return time.Millisecond, true
	case "s":
		return time.Second, true
	case "m":
		return time.Minute, true
	case "h":
		return time.Hour, true
	default:
		return 0, false
	}
}

// Format renders d in the largest unit from the grammar that represents it
// exactly, falling back to milliseconds. Parse(Format(d)) == d for any d
// that is a whole number of milliseconds. Format does not reproduce the
// string Parse was given: "1.5s" formats as "1500ms" and "60s" as "1m".
func Format(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return formatUnit(d, time.Hour, "h")
	case d%time.Minute == 0:
		return formatUnit(d, time.Minute, "m")
	case d%time.Second == 0:
		return formatUnit(d, time.Second, "s")
	default:
		return formatUnit(d, time.Millisecond, "ms")
	}
}

func formatUnit(d, unit time.Duration, suffix string) string {
	whole := d / unit
	remainder := d % unit
	if remainder == 0 {
		return strconv.FormatInt(int64(whole), 10) + suffix
	}
	value := float64(d) / float64(unit)
	return strconv.FormatFloat(value, 'f', -1, 64) + suffix
}

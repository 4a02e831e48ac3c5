package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that travels as an ISO-8601 duration
// ("PT12.5S"). Plain numbers are read as seconds.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Seconds returns the duration in seconds.
func (d Duration) Seconds() float64 { return time.Duration(d).Seconds() }

// ISO8601 formats the duration as PT<seconds>S, or P<days>DT<seconds>S past a day.
func (d Duration) ISO8601() string {
	td := time.Duration(d)
	neg := td < 0
	if neg {
		td = -td
	}
	days := td / (24 * time.Hour)
	rest := td - days*24*time.Hour
	secs := strconv.FormatFloat(rest.Seconds(), 'f', -1, 64)
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteByte('P')
	if days > 0 {
		fmt.Fprintf(&b, "%dD", days)
	}
	b.WriteString("T" + secs + "S")
	return b.String()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.ISO8601())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a number or string: %w", err)
	}
	parsed, err := ParseISO8601(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseISO8601 parses the day/time subset of ISO-8601 durations
// (PnDTnHnMnS), which is what registries emit.
func ParseISO8601(s string) (Duration, error) {
	orig := s
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", orig)
	}
	s = s[1:]
	var total float64
	inTime := false
	num := ""
	for _, r := range s {
		switch {
		case r == 'T':
			inTime = true
		case (r >= '0' && r <= '9') || r == '.':
			num += string(r)
		default:
			if num == "" {
				return 0, fmt.Errorf("invalid ISO-8601 duration %q", orig)
			}
			v, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", orig, err)
			}
			num = ""
			switch {
			case r == 'W' && !inTime:
				total += v * 7 * 86400
			case r == 'D' && !inTime:
				total += v * 86400
			case r == 'H' && inTime:
				total += v * 3600
			case r == 'M' && inTime:
				total += v * 60
			case r == 'S' && inTime:
				total += v
			default:
				return 0, fmt.Errorf("unsupported ISO-8601 designator %q in %q", r, orig)
			}
		}
	}
	if num != "" {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", orig)
	}
	if neg {
		total = -total
	}
	return Duration(total * float64(time.Second)), nil
}

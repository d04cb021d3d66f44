package cir

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Duration is an effort duration serialized as an ISO-8601 duration string
// of the form P[n]DT[n]H[n]M[n]S. Zero means unset.
type Duration time.Duration

var iso8601DurationRE = regexp.MustCompile(
	`^P(?:(\d+)D)?T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?$`,
)

// String formats the duration with all components spelled out, matching the
// wire form used by the sync-state snapshots.
func (d Duration) String() string {
	v := time.Duration(d)
	days := int64(v / (24 * time.Hour))
	v -= time.Duration(days) * 24 * time.Hour
	hours := int64(v / time.Hour)
	v -= time.Duration(hours) * time.Hour
	minutes := int64(v / time.Minute)
	v -= time.Duration(minutes) * time.Minute
	seconds := int64(v / time.Second)
	return fmt.Sprintf("P%dDT%dH%dM%dS", days, hours, minutes, seconds)
}

// ParseDuration parses an ISO-8601 duration string. Empty input parses to
// zero.
func ParseDuration(s string) (Duration, error) {
	if s == "" {
		return 0, nil
	}
	m := iso8601DurationRE.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	var total time.Duration
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", s, err)
		}
		total += time.Duration(n) * unit
	}
	return Duration(total), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = 0
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal duration: %w", err)
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

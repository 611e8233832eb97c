package loadtest

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses a test duration such as "2m", "30s" or "1h30m".
// A bare number is taken as seconds and an empty string as zero.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}

		return time.Duration(secs * float64(time.Second)), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", s, err)
	}

	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}

	return d, nil
}

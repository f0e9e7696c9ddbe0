package retry

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Venues phrase rate-limit waits inconsistently. The patterns below cover the
// shapes seen in practice: "retry after 3", "wait 5 seconds", "banned until
// ... 10s", "too many requests, 500ms".
var hintPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)retry\s+after\s+(\d+(?:\.\d+)?)\s*(ms|s|seconds?|m|minutes?)?`),
	regexp.MustCompile(`(?i)wait\s+(\d+(?:\.\d+)?)\s*(ms|s|seconds?|m|minutes?)?`),
	regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*(ms|s)\b`),
}

// ParseRateLimitHint extracts a suggested wait from venue error text. The
// second return is false when no hint was found. Hints are clamped to
// [100ms, 5m] so a malformed message cannot stall a caller.
func ParseRateLimitHint(msg string) (time.Duration, bool) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return 0, false
	}

	for _, re := range hintPatterns {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil || n <= 0 {
			continue
		}

		unit := time.Second
		if len(m) > 2 {
			switch strings.ToLower(m[2]) {
			case "ms":
				unit = time.Millisecond
			case "m", "minute", "minutes":
				unit = time.Minute
			}
		}

		d := time.Duration(n * float64(unit))
		if d < 100*time.Millisecond {
			d = 100 * time.Millisecond
		}
		if d > 5*time.Minute {
			d = 5 * time.Minute
		}
		return d, true
	}

	return 0, false
}

// Package timefmt renders and parses display-oriented holding durations.
package timefmt

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// UnknownDuration is the display token for a holding time that could not be
// determined (e.g. a close with no matching open in the window).
const UnknownDuration = "-"

var componentRe = regexp.MustCompile(`(\d+)\s*([dhm])`)

// FormatMinutes renders a duration in whole minutes as "1d 2h 3m".
// Zero-valued leading components are omitted; zero minutes render as "0m".
func FormatMinutes(minutes int64) string {
	if minutes < 0 {
		minutes = 0
	}
	days := minutes / (24 * 60)
	hours := (minutes % (24 * 60)) / 60
	mins := minutes % 60

	parts := make([]string, 0, 3)
	if days > 0 {
		parts = append(parts, strconv.FormatInt(days, 10)+"d")
	}
	if hours > 0 {
		parts = append(parts, strconv.FormatInt(hours, 10)+"h")
	}
	if mins > 0 || len(parts) == 0 {
		parts = append(parts, strconv.FormatInt(mins, 10)+"m")
	}
	return strings.Join(parts, " ")
}

// FormatDuration renders a time.Duration with minute granularity.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return FormatMinutes(int64(d / time.Minute))
}

// ParseMinutes parses a rendered holding duration back into whole minutes.
// Supports day/hour/minute components in any combination ("2d 4h", "45m",
// "1h 30m"). The unknown token and unparseable input yield (0, false).
func ParseMinutes(s string) (int64, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == UnknownDuration {
		return 0, false
	}
	matches := componentRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return 0, false
	}
	var total int64
	for _, m := range matches {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, false
		}
		switch m[2] {
		case "d":
			total += n * 24 * 60
		case "h":
			total += n * 60
		case "m":
			total += n
		}
	}
	return total, true
}

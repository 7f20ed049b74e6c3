package server

import (
	"strconv"
	"strings"
	"time"
)

const (
	secondsPerYear  = 31_557_600 // 365.25 days
	secondsPerMonth = 2_630_016  // 30.44 days
	secondsPerDay   = 86_400
)

// dateLayout renders instants on the status pages.
const dateLayout = "2006/01/02 15:04 UTC"

// FormatRelative renders a duration in seconds as e.g.
// "1 year 3 months 6 days 9h 26m 13s ". Zero renders as "just now".
func FormatRelative(secs int64) string {
	if secs == 0 {
		return "just now"
	}

	years := secs / secondsPerYear
	rem := secs % secondsPerYear
	months := rem / secondsPerMonth
	rem %= secondsPerMonth
	days := rem / secondsPerDay
	rem %= secondsPerDay

	var b strings.Builder
	word := func(n int64, unit string) {
		if n <= 0 {
			return
		}
		b.WriteString(strconv.FormatInt(n, 10))
		b.WriteByte(' ')
		b.WriteString(unit)
		if n > 1 {
			b.WriteByte('s')
		}
		b.WriteByte(' ')
	}
	short := func(n int64, unit string) {
		if n <= 0 {
			return
		}
		b.WriteString(strconv.FormatInt(n, 10))
		b.WriteString(unit)
		b.WriteByte(' ')
	}

	word(years, "year")
	word(months, "month")
	word(days, "day")
	short(rem/3600, "h")
	short(rem%3600/60, "m")
	short(rem%60, "s")
	return b.String()
}

func formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

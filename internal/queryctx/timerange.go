package queryctx

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"querydeck/internal/domain"
)

// Time ranges resolve to half-open windows: [from, to). A nil boundary means
// the window is open on that side.

var (
	relativeRange = regexp.MustCompile(`^(Last|Next)\s+(\d+)\s+(second|minute|hour|day|week|month|quarter|year)s?$`)
	bareDate      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	bareDateTime  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}$`)
)

// ResolveTimeRange parses a time_range expression into absolute UTC bounds.
//
// Supported forms: "No filter", "Last <N> <unit>", "Next <N> <unit>", "Today",
// "Yesterday", absolute "<start> : <end>" pairs (either side may be empty for
// an open bound), and date expressions DATETIME("..."), DATETRUNC(expr, grain)
// and DATEADD(expr, n, unit) on either side of the separator.
func ResolveTimeRange(timeRange string, now time.Time, loc *time.Location) (*time.Time, *time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)

	tr := strings.TrimSpace(timeRange)
	switch {
	case tr == "" || strings.EqualFold(tr, "No filter"):
		return nil, nil, nil

	case strings.EqualFold(tr, "Today"):
		from := truncateTime(now, "day")
		to := from.AddDate(0, 0, 1)
		return utcPtr(from), utcPtr(to), nil

	case strings.EqualFold(tr, "Yesterday"):
		to := truncateTime(now, "day")
		from := to.AddDate(0, 0, -1)
		return utcPtr(from), utcPtr(to), nil
	}

	if m := relativeRange.FindStringSubmatch(tr); m != nil {
		n, err := strconv.Atoi(m[2])
		if err != nil || n <= 0 {
			return nil, nil, domain.ErrValidationField("time_range", "invalid interval count %q", m[2])
		}
		if m[1] == "Last" {
			from := addUnits(now, -n, m[3])
			return utcPtr(from), utcPtr(now), nil
		}
		to := addUnits(now, n, m[3])
		return utcPtr(now), utcPtr(to), nil
	}

	start, end, ok := splitRange(tr)
	if !ok {
		return nil, nil, domain.ErrValidationField("time_range", "unrecognized time range %q", timeRange)
	}

	var from, to *time.Time
	if start != "" {
		t, err := evalDateExpr(start, now, loc)
		if err != nil {
			return nil, nil, err
		}
		from = utcPtr(t)
	}
	if end != "" {
		t, err := evalDateExpr(end, now, loc)
		if err != nil {
			return nil, nil, err
		}
		to = utcPtr(t)
	}
	if from != nil && to != nil && !from.Before(*to) {
		return nil, nil, domain.ErrValidationField("time_range", "start %s is not before end %s", from, to)
	}
	return from, to, nil
}

// splitRange splits "start : end" on the top-level separator, ignoring colons
// inside parentheses and inside time-of-day components.
func splitRange(tr string) (string, string, bool) {
	depth := 0
	for i := 0; i < len(tr); i++ {
		switch tr[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ':':
			if depth == 0 && i > 0 && i+1 < len(tr) && tr[i-1] == ' ' && tr[i+1] == ' ' {
				return strings.TrimSpace(tr[:i-1]), strings.TrimSpace(tr[i+2:]), true
			}
		}
	}
	return "", "", false
}

// evalDateExpr evaluates one side of an absolute range: a literal datetime or
// a DATETIME / DATETRUNC / DATEADD expression.
func evalDateExpr(expr string, now time.Time, loc *time.Location) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	upper := strings.ToUpper(expr)

	switch {
	case strings.HasPrefix(upper, "DATETIME(") && strings.HasSuffix(expr, ")"):
		inner := strings.TrimSpace(expr[len("DATETIME(") : len(expr)-1])
		return evalDateExpr(unquote(inner), now, loc)

	case strings.HasPrefix(upper, "DATETRUNC(") && strings.HasSuffix(expr, ")"):
		inner := expr[len("DATETRUNC(") : len(expr)-1]
		sub, grain, err := splitArgs2(inner)
		if err != nil {
			return time.Time{}, err
		}
		t, err := evalDateExpr(sub, now, loc)
		if err != nil {
			return time.Time{}, err
		}
		grain = strings.ToLower(strings.TrimSpace(unquote(grain)))
		if !validGrainWord(grain) {
			return time.Time{}, domain.ErrValidationField("time_range", "unknown DATETRUNC grain %q", grain)
		}
		return truncateTime(t.In(loc), grain), nil

	case strings.HasPrefix(upper, "DATEADD(") && strings.HasSuffix(expr, ")"):
		inner := expr[len("DATEADD(") : len(expr)-1]
		parts, err := splitArgs3(inner)
		if err != nil {
			return time.Time{}, err
		}
		t, err := evalDateExpr(parts[0], now, loc)
		if err != nil {
			return time.Time{}, err
		}
		n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return time.Time{}, domain.ErrValidationField("time_range", "DATEADD count %q is not an integer", parts[1])
		}
		unit := strings.ToLower(strings.TrimSpace(unquote(parts[2])))
		if !validGrainWord(unit) {
			return time.Time{}, domain.ErrValidationField("time_range", "unknown DATEADD unit %q", unit)
		}
		return addUnits(t, n, unit), nil

	case strings.EqualFold(expr, "now"):
		return now, nil

	case strings.EqualFold(expr, "today"):
		return truncateTime(now, "day"), nil
	}

	return parseDateTime(expr, loc)
}

func parseDateTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(unquote(s))
	switch {
	case bareDate.MatchString(s):
		return time.ParseInLocation("2006-01-02", s, loc)
	case bareDateTime.MatchString(s):
		normalized := strings.Replace(s, " ", "T", 1)
		return time.ParseInLocation("2006-01-02T15:04:05", normalized, loc)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, domain.ErrValidationField("time_range", "cannot parse datetime %q", s)
}

func addUnits(t time.Time, n int, unit string) time.Time {
	switch unit {
	case "second":
		return t.Add(time.Duration(n) * time.Second)
	case "minute":
		return t.Add(time.Duration(n) * time.Minute)
	case "hour":
		return t.Add(time.Duration(n) * time.Hour)
	case "day":
		return t.AddDate(0, 0, n)
	case "week":
		return t.AddDate(0, 0, 7*n)
	case "month":
		return t.AddDate(0, n, 0)
	case "quarter":
		return t.AddDate(0, 3*n, 0)
	case "year":
		return t.AddDate(n, 0, 0)
	}
	return t
}

// truncateTime floors t to the start of the grain. Weeks start on Monday.
func truncateTime(t time.Time, grain string) time.Time {
	switch grain {
	case "second":
		return t.Truncate(time.Second)
	case "minute":
		return t.Truncate(time.Minute)
	case "hour":
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	case "day":
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	case "week":
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case "month":
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	case "quarter":
		month := ((int(t.Month())-1)/3)*3 + 1
		return time.Date(t.Year(), time.Month(month), 1, 0, 0, 0, 0, t.Location())
	case "year":
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, t.Location())
	}
	return t
}

func validGrainWord(g string) bool {
	switch g {
	case "second", "minute", "hour", "day", "week", "month", "quarter", "year":
		return true
	}
	return false
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// splitArgs2 splits "a, b" at the last top-level comma.
func splitArgs2(s string) (string, string, error) {
	idx := lastTopLevelComma(s)
	if idx < 0 {
		return "", "", domain.ErrValidationField("time_range", "expected two arguments in %q", s)
	}
	return s[:idx], s[idx+1:], nil
}

// splitArgs3 splits "a, b, c" at the last two top-level commas.
func splitArgs3(s string) ([3]string, error) {
	var out [3]string
	last := lastTopLevelComma(s)
	if last < 0 {
		return out, domain.ErrValidationField("time_range", "expected three arguments in %q", s)
	}
	mid := lastTopLevelComma(s[:last])
	if mid < 0 {
		return out, domain.ErrValidationField("time_range", "expected three arguments in %q", s)
	}
	out[0], out[1], out[2] = s[:mid], s[mid+1:last], s[last+1:]
	return out, nil
}

func lastTopLevelComma(s string) int {
	depth := 0
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case ')':
			depth++
		case '(':
			depth--
		case ',':
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func utcPtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}

// FormatTimeRange renders absolute bounds back into the canonical range
// string form, the inverse of ResolveTimeRange for absolute inputs.
func FormatTimeRange(from, to *time.Time) string {
	if from == nil && to == nil {
		return "No filter"
	}
	var a, b string
	if from != nil {
		a = from.UTC().Format(time.RFC3339)
	}
	if to != nil {
		b = to.UTC().Format(time.RFC3339)
	}
	return a + " : " + b
}

package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Year bounds accepted in the optional seventh field.
const (
	minYear = 1970
	maxYear = 2099
)

// SecondOptional accepts both 5-field and 6-field (seconds first) specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a trigger expression. Supported forms:
//
//   - Quartz: "sec min hour day-of-month month day-of-week [year]", where
//     day-of-week numbers run 1-7 with SUN=1 and '?' means no specific value,
//     e.g. "0 0/5 * * * ?" or "0 15 10 ? * MON-FRI 2026"
//   - standard 5-field crontab, day-of-week 0-6 with SUN=0: "*/5 * * * *"
//   - descriptors: "@hourly", "@every 90s"
//
// A leading "TZ=Zone " or "CRON_TZ=Zone " selects the evaluation time zone.
// Quartz L, W and # modifiers are rejected.
func ParseCron(expr string) (cron.Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, errors.New("cron expression required")
	}
	prefix := ""
	if strings.HasPrefix(s, "TZ=") || strings.HasPrefix(s, "CRON_TZ=") {
		i := strings.IndexAny(s, " \t")
		if i < 0 {
			return nil, fmt.Errorf("cron expression %q has no fields after the time zone", expr)
		}
		prefix, s = s[:i]+" ", strings.TrimSpace(s[i:])
	}
	if strings.HasPrefix(s, "@") {
		return cronParser.Parse(prefix + s)
	}

	fields := strings.Fields(s)
	switch len(fields) {
	case 5:
		return cronParser.Parse(prefix + strings.Join(fields, " "))
	case 6, 7:
	default:
		return nil, fmt.Errorf("cron expression %q: expected 5, 6 or 7 fields, found %d", expr, len(fields))
	}

	dom, dow := fields[3], fields[5]
	if strings.ContainsAny(dom, "LW") {
		return nil, fmt.Errorf("cron expression %q: day-of-month modifiers L and W are not supported", expr)
	}
	if dom == "?" {
		fields[3] = "*"
	}
	tdow, err := quartzDOW(dow)
	if err != nil {
		return nil, fmt.Errorf("cron expression %q: %w", expr, err)
	}
	fields[5] = tdow

	sched, err := cronParser.Parse(prefix + strings.Join(fields[:6], " "))
	if err != nil {
		return nil, fmt.Errorf("cron expression %q: %w", expr, err)
	}
	if len(fields) == 7 {
		years, err := parseYears(fields[6])
		if err != nil {
			return nil, fmt.Errorf("cron expression %q: %w", expr, err)
		}
		if years != nil {
			return &yearFilter{base: sched, years: years}, nil
		}
	}
	return sched, nil
}

// quartzDOW rewrites a Quartz day-of-week field (1-7, SUN=1) to the 0-6 form.
func quartzDOW(field string) (string, error) {
	if field == "?" || field == "*" {
		return "*", nil
	}
	items := strings.Split(field, ",")
	for i, item := range items {
		if strings.Contains(item, "#") || strings.HasSuffix(strings.ToUpper(item), "L") {
			return "", fmt.Errorf("day-of-week modifiers L and # are not supported (%q)", item)
		}
		base, step, hasStep := strings.Cut(item, "/")
		lo, hi, isRange := strings.Cut(base, "-")
		var err error
		if lo, err = shiftDOW(lo); err != nil {
			return "", err
		}
		out := lo
		if isRange {
			if hi, err = shiftDOW(hi); err != nil {
				return "", err
			}
			out += "-" + hi
		}
		if hasStep {
			out += "/" + step
		}
		items[i] = out
	}
	return strings.Join(items, ","), nil
}

func shiftDOW(tok string) (string, error) {
	if tok == "*" || tok == "" {
		return tok, nil
	}
	n, err := strconv.Atoi(tok)
	if err != nil {
		// Names (MON, tue, ...) mean the same thing in both dialects.
		return tok, nil
	}
	if n < 1 || n > 7 {
		return "", fmt.Errorf("day-of-week %d out of range 1-7", n)
	}
	return strconv.Itoa(n - 1), nil
}

// parseYears returns the sorted allowed years, or nil for "every year".
func parseYears(field string) ([]int, error) {
	if field == "*" || field == "?" {
		return nil, nil
	}
	set := map[int]bool{}
	for _, item := range strings.Split(field, ",") {
		base, stepStr, hasStep := strings.Cut(item, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid year step %q", stepStr)
			}
			step = n
		}
		lo, hi := minYear, maxYear
		if base != "*" {
			a, b, isRange := strings.Cut(base, "-")
			var err error
			if lo, err = parseYear(a); err != nil {
				return nil, err
			}
			hi = lo
			if isRange {
				if hi, err = parseYear(b); err != nil {
					return nil, err
				}
			} else if hasStep {
				hi = maxYear
			}
		}
		if lo > hi {
			return nil, fmt.Errorf("invalid year range %q", item)
		}
		for y := lo; y <= hi; y += step {
			set[y] = true
		}
	}
	years := make([]int, 0, len(set))
	for y := range set {
		years = append(years, y)
	}
	sort.Ints(years)
	return years, nil
}

func parseYear(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid year %q", s)
	}
	if n < minYear || n > maxYear {
		return 0, fmt.Errorf("year %d out of range %d-%d", n, minYear, maxYear)
	}
	return n, nil
}

// yearFilter restricts a schedule to a set of years.
type yearFilter struct {
	base  cron.Schedule
	years []int
}

func (y *yearFilter) Next(t time.Time) time.Time {
	for {
		n := y.base.Next(t)
		if n.IsZero() {
			return n
		}
		i := sort.SearchInts(y.years, n.Year())
		if i < len(y.years) && y.years[i] == n.Year() {
			return n
		}
		if i >= len(y.years) {
			return time.Time{}
		}
		// Resume just before the next allowed year.
		t = time.Date(y.years[i], time.January, 1, 0, 0, 0, 0, n.Location()).Add(-time.Second)
	}
}

// NextFireTimes previews the next n fire times after from.
func NextFireTimes(expr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

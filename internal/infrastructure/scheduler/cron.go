package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CronExpression is a parsed 5-field cron expression
// (minute hour day-of-month month day-of-week) usable as a Schedule.
// Examples:
//   - "*/5 * * * *"  - every 5 minutes
//   - "0 3 * * *"    - every day at 03:00
//   - "0,30 8-18 * * 1-5" - every half hour during working hours
type CronExpression struct {
	raw      string
	minutes  []int // 0-59
	hours    []int // 0-23
	days     []int // 1-31
	months   []int // 1-12
	weekdays []int // 0-6 (0 = Sunday)
}

// ParseCronExpression parses a cron expression string.
// Each field supports *, */n, n, n-m, n-m/s and comma lists of those.
func ParseCronExpression(expr string) (*CronExpression, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("invalid cron expression: expected 5 fields, got %d", len(fields))
	}

	specs := []struct {
		name     string
		min, max int
		dst      *[]int
	}{
		{"minute", 0, 59, nil},
		{"hour", 0, 23, nil},
		{"day", 1, 31, nil},
		{"month", 1, 12, nil},
		{"weekday", 0, 6, nil},
	}

	ce := &CronExpression{raw: expr}
	specs[0].dst = &ce.minutes
	specs[1].dst = &ce.hours
	specs[2].dst = &ce.days
	specs[3].dst = &ce.months
	specs[4].dst = &ce.weekdays

	for i, spec := range specs {
		values, err := parseField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", spec.name, err)
		}
		*spec.dst = values
	}

	return ce, nil
}

// parseField expands one field into its sorted, de-duplicated values.
func parseField(field string, min, max int) ([]int, error) {
	set := make(map[int]struct{})

	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty list element in %q", field)
		}

		rangePart, step := part, 1
		if i := strings.IndexByte(part, '/'); i >= 0 {
			s, err := strconv.Atoi(part[i+1:])
			if err != nil || s <= 0 {
				return nil, fmt.Errorf("invalid step value: %s", part[i+1:])
			}
			rangePart, step = part[:i], s
		}

		start, end, err := parseRange(rangePart, min, max, step > 1)
		if err != nil {
			return nil, err
		}
		for v := start; v <= end; v += step {
			set[v] = struct{}{}
		}
	}

	values := make([]int, 0, len(set))
	for v := range set {
		values = append(values, v)
	}
	sort.Ints(values)
	return values, nil
}

// parseRange parses "*", "n" or "n-m". A single value followed by a step
// runs to max, as in "5/15".
func parseRange(s string, min, max int, stepped bool) (int, int, error) {
	if s == "*" {
		return min, max, nil
	}

	atoi := func(v string) (int, error) {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value: %s", v)
		}
		if n < min || n > max {
			return 0, fmt.Errorf("value out of range [%d-%d]: %d", min, max, n)
		}
		return n, nil
	}

	if lo, hi, ok := strings.Cut(s, "-"); ok {
		start, err := atoi(lo)
		if err != nil {
			return 0, 0, err
		}
		end, err := atoi(hi)
		if err != nil {
			return 0, 0, err
		}
		if start > end {
			return 0, 0, fmt.Errorf("invalid range: %s", s)
		}
		return start, end, nil
	}

	v, err := atoi(s)
	if err != nil {
		return 0, 0, err
	}
	if stepped {
		return v, max, nil
	}
	return v, v, nil
}

// String returns the original cron expression.
func (ce *CronExpression) String() string {
	return ce.raw
}

// Next returns the first matching minute strictly after the given time, or
// the zero time if nothing matches within a year.
func (ce *CronExpression) Next(after time.Time) time.Time {
	t := after.Add(time.Minute).Truncate(time.Minute)

	const maxIterations = 366 * 24 * 60
	for i := 0; i < maxIterations; i++ {
		if ce.matches(t) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}

func (ce *CronExpression) matches(t time.Time) bool {
	return contains(ce.minutes, t.Minute()) &&
		contains(ce.hours, t.Hour()) &&
		contains(ce.days, t.Day()) &&
		contains(ce.months, int(t.Month())) &&
		contains(ce.weekdays, int(t.Weekday()))
}

func contains(sorted []int, val int) bool {
	i := sort.SearchInts(sorted, val)
	return i < len(sorted) && sorted[i] == val
}

// ParseSchedule accepts either a cron expression or a Go duration such as
// "30s" or "5m" (an interval schedule).
func ParseSchedule(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("interval must be positive: %s", spec)
		}
		return NewIntervalSchedule(d), nil
	}
	return ParseCronExpression(spec)
}

package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronSpec is a parsed five-field cron expression
// (minute hour day-of-month month day-of-week). Supported syntax:
// "*", "*/n", single values, ranges "a-b", and comma lists.
type cronSpec struct {
	minute [60]bool
	hour   [24]bool
	dom    [32]bool // 1-31
	month  [13]bool // 1-12
	dow    [7]bool  // 0-6, Sunday = 0
	anyDom bool
	anyDow bool
}

func parseCron(expr string) (*cronSpec, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression %q must have 5 fields", expr)
	}

	spec := &cronSpec{}
	parts := []struct {
		field string
		set   []bool
		min   int
		max   int
	}{
		{fields[0], spec.minute[:], 0, 59},
		{fields[1], spec.hour[:], 0, 23},
		{fields[2], spec.dom[:], 1, 31},
		{fields[3], spec.month[:], 1, 12},
		{fields[4], spec.dow[:], 0, 6},
	}
	for _, p := range parts {
		if err := parseCronField(p.field, p.set, p.min, p.max); err != nil {
			return nil, fmt.Errorf("cron expression %q: %w", expr, err)
		}
	}
	spec.anyDom = fields[2] == "*"
	spec.anyDow = fields[4] == "*"
	return spec, nil
}

func parseCronField(field string, set []bool, min, max int) error {
	for _, part := range strings.Split(field, ",") {
		step := 1
		if i := strings.IndexByte(part, '/'); i >= 0 {
			n, err := strconv.Atoi(part[i+1:])
			if err != nil || n <= 0 {
				return fmt.Errorf("bad step in %q", part)
			}
			step = n
			part = part[:i]
		}

		lo, hi := min, max
		switch {
		case part == "*":
			// full range
		case strings.ContainsRune(part, '-'):
			bounds := strings.SplitN(part, "-", 2)
			a, errA := strconv.Atoi(bounds[0])
			b, errB := strconv.Atoi(bounds[1])
			if errA != nil || errB != nil || a > b {
				return fmt.Errorf("bad range %q", part)
			}
			lo, hi = a, b
		default:
			n, err := strconv.Atoi(part)
			if err != nil {
				return fmt.Errorf("bad value %q", part)
			}
			lo, hi = n, n
		}

		if lo < min || hi > max {
			return fmt.Errorf("value out of range in %q", part)
		}
		for v := lo; v <= hi; v += step {
			set[v] = true
		}
	}
	return nil
}

// nextAfter returns the first matching minute strictly after t. Cron
// semantics for day fields: when both day-of-month and day-of-week are
// restricted, either matching suffices.
func (s *cronSpec) nextAfter(t time.Time) time.Time {
	// Advance to the next whole minute.
	next := t.Truncate(time.Minute).Add(time.Minute)
	// Four years bounds the search even for degenerate specs like Feb 30.
	limit := next.AddDate(4, 0, 0)

	for next.Before(limit) {
		if !s.month[int(next.Month())] {
			next = time.Date(next.Year(), next.Month(), 1, 0, 0, 0, 0, next.Location()).AddDate(0, 1, 0)
			continue
		}
		if !s.dayMatches(next) {
			next = time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, next.Location()).AddDate(0, 0, 1)
			continue
		}
		if !s.hour[next.Hour()] {
			next = time.Date(next.Year(), next.Month(), next.Day(), next.Hour(), 0, 0, 0, next.Location()).Add(time.Hour)
			continue
		}
		if !s.minute[next.Minute()] {
			next = next.Add(time.Minute)
			continue
		}
		return next
	}
	return limit
}

func (s *cronSpec) dayMatches(t time.Time) bool {
	domOK := s.dom[t.Day()]
	dowOK := s.dow[int(t.Weekday())]
	switch {
	case s.anyDom && s.anyDow:
		return true
	case s.anyDom:
		return dowOK
	case s.anyDow:
		return domOK
	default:
		return domOK || dowOK
	}
}

package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// maxLookahead bounds Next; expressions that never fire within it have no next run.
const maxLookahead = 366 * 24 * time.Hour

type field struct {
	name     string
	min, max int
}

var fields = [5]field{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// Schedule is a parsed five-field cron expression. Every field must match
// for a minute to fire; day-of-month and day-of-week are not OR-ed.
type Schedule struct {
	expr   string
	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64
}

// Parse accepts "m h dom mon dow". A six-field expression has its leading
// seconds field dropped. Supported per field: *, a, a-b, */n, a-b/n, a/n and
// comma-separated lists of those. Day-of-week 7 is Sunday.
func Parse(expr string) (Schedule, error) {
	parts := strings.Fields(expr)
	switch len(parts) {
	case 5:
	case 6:
		parts = parts[1:]
	default:
		return Schedule{}, fmt.Errorf("cron %q: expected 5 fields, got %d", expr, len(parts))
	}

	var masks [5]uint64
	for i, part := range parts {
		mask, err := parseField(part, fields[i])
		if err != nil {
			return Schedule{}, fmt.Errorf("cron %q: %w", expr, err)
		}
		masks[i] = mask
	}
	// Fold Sunday=7 onto 0.
	if masks[4]&(1<<7) != 0 {
		masks[4] = masks[4]&^(1<<7) | 1
	}
	return Schedule{
		expr:   strings.Join(parts, " "),
		minute: masks[0],
		hour:   masks[1],
		dom:    masks[2],
		month:  masks[3],
		dow:    masks[4],
	}, nil
}

func parseField(spec string, f field) (uint64, error) {
	var mask uint64
	for _, item := range strings.Split(spec, ",") {
		if item == "" {
			return 0, fmt.Errorf("%s: empty list item", f.name)
		}
		lo, hi, step := f.min, f.max, 1

		rangePart := item
		if i := strings.IndexByte(item, '/'); i >= 0 {
			n, err := strconv.Atoi(item[i+1:])
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("%s: invalid step in %q", f.name, item)
			}
			step = n
			rangePart = item[:i]
		}

		switch {
		case rangePart == "*":
		case strings.Contains(rangePart, "-"):
			bounds := strings.SplitN(rangePart, "-", 2)
			a, errA := strconv.Atoi(bounds[0])
			b, errB := strconv.Atoi(bounds[1])
			if errA != nil || errB != nil {
				return 0, fmt.Errorf("%s: invalid range %q", f.name, rangePart)
			}
			lo, hi = a, b
		default:
			v, err := strconv.Atoi(rangePart)
			if err != nil {
				return 0, fmt.Errorf("%s: invalid value %q", f.name, rangePart)
			}
			lo = v
			// A bare value only spans to max when stepped ("5/15").
			if !strings.Contains(item, "/") {
				hi = v
			}
		}

		if lo < f.min || hi > f.max || lo > hi {
			return 0, fmt.Errorf("%s: %q out of range %d-%d", f.name, item, f.min, f.max)
		}
		for v := lo; v <= hi; v += step {
			mask |= 1 << uint(v)
		}
	}
	return mask, nil
}

// String returns the normalised five-field expression.
func (s Schedule) String() string { return s.expr }

// Matches reports whether the minute containing t fires.
func (s Schedule) Matches(t time.Time) bool {
	return has(s.minute, t.Minute()) &&
		has(s.hour, t.Hour()) &&
		has(s.dom, t.Day()) &&
		has(s.month, int(t.Month())) &&
		has(s.dow, int(t.Weekday()))
}

// Next returns the first firing minute strictly after after, in after's
// location. ok is false when nothing fires within a year.
func (s Schedule) Next(after time.Time) (next time.Time, ok bool) {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(maxLookahead)
	loc := t.Location()

	for !t.After(limit) {
		switch {
		case !has(s.month, int(t.Month())):
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
		case !has(s.dom, t.Day()) || !has(s.dow, int(t.Weekday())):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
		case !has(s.hour, t.Hour()):
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
		case !has(s.minute, t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t, true
		}
	}
	return time.Time{}, false
}

func has(mask uint64, v int) bool {
	return mask&(1<<uint(v)) != 0
}

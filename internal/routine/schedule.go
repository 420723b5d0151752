package routine

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// Schedule is a compiled cron trigger. Each field is a bitset: bit N set
// means value N fires. Bitsets make Matches a handful of AND operations
// and let Next skip whole days instead of walking minutes.
type Schedule struct {
	minutes  uint64 // 0-59
	hours    uint64 // 0-23
	days     uint64 // 1-31
	months   uint64 // 1-12
	weekdays uint64 // 0-6, Sunday = 0
}

// scheduleFields pairs each cron position with its bounds, in order.
var scheduleFields = []struct {
	name   string
	lo, hi int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ParseSchedule compiles a 5-field cron expression (minute, hour,
// day-of-month, month, day-of-week; supports *, lists, ranges, and /step)
// into a Schedule.
func ParseSchedule(expr string) (*Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(scheduleFields) {
		return nil, fmt.Errorf("schedule %q: want 5 fields, got %d", expr, len(parts))
	}

	var sets [5]uint64
	for i, part := range parts {
		f := scheduleFields[i]
		set, err := parseFieldSet(part, f.lo, f.hi)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %s: %w", expr, f.name, err)
		}
		sets[i] = set
	}

	return &Schedule{
		minutes:  sets[0],
		hours:    sets[1],
		days:     sets[2],
		months:   sets[3],
		weekdays: sets[4],
	}, nil
}

// parseFieldSet compiles one comma-separated field into a bitset.
// Each term is "*", "N", "A-B", optionally with a "/step" suffix.
func parseFieldSet(field string, lo, hi int) (uint64, error) {
	var set uint64
	for _, term := range strings.Split(field, ",") {
		rangePart, stepPart, hasStep := strings.Cut(term, "/")

		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepPart)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("bad step in %q", term)
			}
			step = n
		}

		from, to := lo, hi
		switch {
		case rangePart == "*":
			// full range
		case strings.Contains(rangePart, "-"):
			a, b, _ := strings.Cut(rangePart, "-")
			var err1, err2 error
			from, err1 = strconv.Atoi(a)
			to, err2 = strconv.Atoi(b)
			if err1 != nil || err2 != nil {
				return 0, fmt.Errorf("bad range %q", term)
			}
		default:
			n, err := strconv.Atoi(rangePart)
			if err != nil {
				return 0, fmt.Errorf("bad value %q", term)
			}
			from, to = n, n
			if hasStep {
				// "N/step" runs from N to the field's upper bound.
				to = hi
			}
		}

		if from < lo || to > hi || from > to {
			return 0, fmt.Errorf("%q out of bounds [%d,%d]", term, lo, hi)
		}
		for v := from; v <= to; v += step {
			set |= 1 << uint(v)
		}
	}
	if set == 0 {
		return 0, fmt.Errorf("empty field")
	}
	return set, nil
}

func (s *Schedule) has(set uint64, v int) bool {
	return set&(1<<uint(v)) != 0
}

// dayMatches reports whether the date part of t can fire.
func (s *Schedule) dayMatches(t time.Time) bool {
	return s.has(s.months, int(t.Month())) &&
		s.has(s.days, t.Day()) &&
		s.has(s.weekdays, int(t.Weekday()))
}

// Matches reports whether t (to minute precision) fires.
func (s *Schedule) Matches(t time.Time) bool {
	return s.dayMatches(t) &&
		s.has(s.hours, t.Hour()) &&
		s.has(s.minutes, t.Minute())
}

// nextScheduleDays bounds the Next search: past two years of days with
// no firing date, the schedule is unsatisfiable (e.g. Feb 30).
const nextScheduleDays = 2 * 366

// Next returns the first firing time strictly after t, or the zero time
// if none exists within the search horizon. Days that cannot fire are
// skipped whole; within a firing day the hour and minute come straight
// from the bitsets.
func (s *Schedule) Next(t time.Time) time.Time {
	cursor := t.Truncate(time.Minute).Add(time.Minute)

	for i := 0; i < nextScheduleDays; i++ {
		if !s.dayMatches(cursor) {
			cursor = nextMidnight(cursor)
			continue
		}
		for hour := cursor.Hour(); hour <= 23; hour++ {
			if !s.has(s.hours, hour) {
				continue
			}
			floor := 0
			if hour == cursor.Hour() {
				floor = cursor.Minute()
			}
			if minute, ok := lowestFrom(s.minutes, floor); ok {
				return time.Date(cursor.Year(), cursor.Month(), cursor.Day(),
					hour, minute, 0, 0, cursor.Location())
			}
		}
		cursor = nextMidnight(cursor)
	}
	return time.Time{}
}

// lowestFrom returns the lowest set bit at or above floor.
func lowestFrom(set uint64, floor int) (int, bool) {
	masked := set >> uint(floor) << uint(floor)
	if masked == 0 {
		return 0, false
	}
	return bits.TrailingZeros64(masked), true
}

func nextMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
}

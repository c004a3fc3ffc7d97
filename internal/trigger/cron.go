package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// LookAhead bounds how far NextOccurrence searches before giving up.
const LookAhead = 2 * 365 * 24 * time.Hour

const (
	fieldMinute = iota
	fieldHour
	fieldDom
	fieldMonth
	fieldDow
	fieldCount
)

var fieldNames = [fieldCount]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

// fieldRange is one parsed cron field: "*", a single value, or lo-hi.
type fieldRange struct {
	raw    string
	any    bool
	lo, hi int
}

// Trigger is a parsed, validated cron expression.
type Trigger struct {
	expr   string
	fields [fieldCount]fieldRange
	spec   *cron.SpecSchedule
}

// String returns the normalized expression.
func (t Trigger) String() string {
	return t.expr
}

// Parse validates expr against the supported grammar. Every field must be
// "*", a single integer or one contiguous range "a-b"; lists, steps, names
// and descriptors are rejected with ErrInvalidCron.
func Parse(expr string) (Trigger, error) {
	parts := strings.Fields(expr)
	if len(parts) != fieldCount {
		return Trigger{}, fmt.Errorf("%w: expected %d fields, got %d in %q", ErrInvalidCron, fieldCount, len(parts), expr)
	}

	var t Trigger
	for i, p := range parts {
		f, err := parseField(p)
		if err != nil {
			return Trigger{}, fmt.Errorf("%w: %s field: %v", ErrInvalidCron, fieldNames[i], err)
		}
		t.fields[i] = f
	}
	t.expr = strings.Join(parts, " ")

	sched, err := cron.ParseStandard(t.expr)
	if err != nil {
		return Trigger{}, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return Trigger{}, fmt.Errorf("%w: unsupported schedule %q", ErrInvalidCron, expr)
	}
	t.spec = spec

	return t, nil
}

func parseField(s string) (fieldRange, error) {
	if s == "*" {
		return fieldRange{raw: s, any: true}, nil
	}

	lo, hi, isRange := strings.Cut(s, "-")
	from, err := parseNumber(lo)
	if err != nil {
		return fieldRange{}, err
	}
	if !isRange {
		return fieldRange{raw: s, lo: from, hi: from}, nil
	}

	to, err := parseNumber(hi)
	if err != nil {
		return fieldRange{}, err
	}
	if from > to {
		return fieldRange{}, fmt.Errorf("range %q is reversed", s)
	}
	return fieldRange{raw: s, lo: from, hi: to}, nil
}

func parseNumber(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("unsupported token %q", s)
		}
	}
	return strconv.Atoi(s)
}

// Validate reports whether expr parses and fires at least once within the
// look-ahead window starting at from.
func Validate(expr string, from time.Time) error {
	_, err := NextOccurrence(expr, from)
	return err
}

// NextOccurrence returns the first time strictly after from at which expr
// fires, evaluated in from's location. All five fields must match; unlike
// classic cron, a restricted day-of-month and a restricted day-of-week are
// ANDed, which is what the week-of-month encoding relies on.
func NextOccurrence(expr string, from time.Time) (time.Time, error) {
	t, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return t.Next(from)
}

// Next is NextOccurrence for an already parsed trigger.
func (t Trigger) Next(from time.Time) (time.Time, error) {
	if t.spec == nil {
		return time.Time{}, fmt.Errorf("%w: trigger not parsed", ErrInvalidCron)
	}

	loc := from.Location()
	deadline := from.Add(LookAhead)
	cur := time.Date(from.Year(), from.Month(), from.Day(), from.Hour(), from.Minute(), 0, 0, loc).Add(time.Minute)

	for !cur.After(deadline) {
		y, m, d := cur.Date()
		switch {
		case !bitSet(t.spec.Month, int(m)):
			cur = stepTo(cur, time.Date(y, m+1, 1, 0, 0, 0, 0, loc))
		case !bitSet(t.spec.Dom, d) || !bitSet(t.spec.Dow, int(cur.Weekday())):
			cur = stepTo(cur, time.Date(y, m, d+1, 0, 0, 0, 0, loc))
		case !bitSet(t.spec.Hour, cur.Hour()):
			cur = stepTo(cur, time.Date(y, m, d, cur.Hour()+1, 0, 0, 0, loc))
		case !bitSet(t.spec.Minute, cur.Minute()):
			cur = stepTo(cur, cur.Add(time.Minute))
		default:
			return cur, nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q within %s of %s", ErrUnsatisfiable, t.expr, LookAhead, from.Format(time.RFC3339))
}

// stepTo moves the search to next, or an hour on when next is not later
// than cur. A wall time that falls in a DST gap (midnight in zones that
// switch at 00:00) resolves to before cur, and the search must still advance.
func stepTo(cur, next time.Time) time.Time {
	if next.After(cur) {
		return next
	}
	return cur.Add(time.Hour)
}

func bitSet(bits uint64, n int) bool {
	return bits&(1<<uint(n)) != 0
}

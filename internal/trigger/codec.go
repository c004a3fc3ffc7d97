package trigger

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRecurrence is returned when a recurrence cannot be encoded.
	ErrInvalidRecurrence = errors.New("invalid recurrence")
	// ErrInvalidCron is returned for cron expressions outside the supported grammar.
	ErrInvalidCron = errors.New("invalid cron expression")
	// ErrUnsatisfiable is returned when a cron expression has no occurrence
	// within the look-ahead window.
	ErrUnsatisfiable = errors.New("cron expression has no upcoming occurrence")
)

// daysPerOrdinal is the width of one "week of month" bucket.
const daysPerOrdinal = 7

// Encode converts r into its canonical cron expression.
// Manual recurrences have no trigger and encode to the empty string.
//
// MonthlyNth is encoded as a day-of-month range combined with a day-of-week
// filter: First Monday is "0 0 1-8 * 1". Both fields must match for the
// trigger to fire (see NextOccurrence).
func Encode(r Recurrence) (string, error) {
	switch v := r.(type) {
	case nil, Manual:
		return "", nil
	case Weekly:
		if !validWeekday(v.Weekday) {
			return "", fmt.Errorf("%w: weekday %d out of range", ErrInvalidRecurrence, int(v.Weekday))
		}
		return fmt.Sprintf("0 0 * * %d", int(v.Weekday)), nil
	case MonthlyNth:
		if !validWeekday(v.Weekday) {
			return "", fmt.Errorf("%w: weekday %d out of range", ErrInvalidRecurrence, int(v.Weekday))
		}
		if !v.Ordinal.Valid() {
			return "", fmt.Errorf("%w: ordinal %d out of range", ErrInvalidRecurrence, int(v.Ordinal))
		}
		start := int(v.Ordinal)*daysPerOrdinal + 1
		end := start + daysPerOrdinal
		return fmt.Sprintf("0 0 %d-%d * %d", start, end, int(v.Weekday)), nil
	default:
		return "", fmt.Errorf("%w: unsupported recurrence %T", ErrInvalidRecurrence, r)
	}
}

// EncodeSpec is Encode for the wire form.
func EncodeSpec(s Spec) (string, error) {
	r, err := s.Recurrence()
	if err != nil {
		return "", err
	}
	return Encode(r)
}

// Decode converts a cron expression back into a Recurrence. The empty
// expression decodes to Manual. Triggers fire at midnight only, so minute
// and hour must both be "0", and the month field must be "*".
func Decode(expr string) (Recurrence, error) {
	if expr == "" {
		return Manual{}, nil
	}

	t, err := Parse(expr)
	if err != nil {
		return nil, err
	}

	for _, f := range []int{fieldMinute, fieldHour} {
		if r := t.fields[f]; r.any || r.lo != 0 || r.hi != 0 {
			return nil, fmt.Errorf("%w: %s must be 0 in %q", ErrInvalidCron, fieldNames[f], expr)
		}
	}
	if !t.fields[fieldMonth].any {
		return nil, fmt.Errorf("%w: month must be '*' in %q", ErrInvalidCron, expr)
	}

	dow := t.fields[fieldDow]
	if !dow.any && dow.lo != dow.hi {
		return nil, fmt.Errorf("%w: day-of-week range not supported in %q", ErrInvalidCron, expr)
	}

	dom := t.fields[fieldDom]
	switch {
	case dom.any && dow.any:
		return Manual{}, nil
	case dom.any:
		return Weekly{Weekday: time.Weekday(dow.lo)}, nil
	}

	if dom.lo == dom.hi || dom.hi != dom.lo+daysPerOrdinal || (dom.lo-1)%daysPerOrdinal != 0 {
		return nil, fmt.Errorf("%w: day-of-month %q is not a week-of-month range", ErrInvalidCron, dom.raw)
	}
	ord := Ordinal((dom.lo - 1) / daysPerOrdinal)
	if !ord.Valid() {
		return nil, fmt.Errorf("%w: day-of-month %q is past the fourth week", ErrInvalidCron, dom.raw)
	}
	if dow.any {
		return nil, fmt.Errorf("%w: week-of-month range without a weekday in %q", ErrInvalidCron, expr)
	}

	return MonthlyNth{Weekday: time.Weekday(dow.lo), Ordinal: ord}, nil
}

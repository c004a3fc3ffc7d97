// Package trigger converts rollout recurrences to and from canonical cron
// expressions and computes when a cron expression fires next.
package trigger

import (
	"fmt"
	"time"
)

// Mode identifies the kind of recurrence.
type Mode string

const (
	// ModeManual means phases only advance on explicit operator action.
	ModeManual Mode = "manual"
	// ModeWeekly fires once a week on a single weekday.
	ModeWeekly Mode = "weekly"
	// ModeMonthlyNth fires on the nth occurrence of a weekday in the month.
	ModeMonthlyNth Mode = "monthly_nth"
)

// Ordinal is the week of the month used by MonthlyNth (First=0 ... Fourth=3).
type Ordinal int

const (
	First Ordinal = iota
	Second
	Third
	Fourth
)

// String returns the lower-case ordinal name.
func (o Ordinal) String() string {
	switch o {
	case First:
		return "first"
	case Second:
		return "second"
	case Third:
		return "third"
	case Fourth:
		return "fourth"
	default:
		return fmt.Sprintf("ordinal(%d)", int(o))
	}
}

// Valid reports whether o is one of First..Fourth.
func (o Ordinal) Valid() bool {
	return o >= First && o <= Fourth
}

// Recurrence is a closed sum type over Manual, Weekly and MonthlyNth.
// Only types in this package implement it.
type Recurrence interface {
	Mode() Mode
	isRecurrence()
}

// Manual carries no recurrence.
type Manual struct{}

// Weekly fires every week on Weekday.
type Weekly struct {
	Weekday time.Weekday
}

// MonthlyNth fires on the Ordinal-th Weekday of every month.
type MonthlyNth struct {
	Weekday time.Weekday
	Ordinal Ordinal
}

func (Manual) Mode() Mode     { return ModeManual }
func (Weekly) Mode() Mode     { return ModeWeekly }
func (MonthlyNth) Mode() Mode { return ModeMonthlyNth }

func (Manual) isRecurrence()     {}
func (Weekly) isRecurrence()     {}
func (MonthlyNth) isRecurrence() {}

func validWeekday(d time.Weekday) bool {
	return d >= time.Sunday && d <= time.Saturday
}

// Describe returns a short human readable form of r, e.g. "first Monday of the month".
func Describe(r Recurrence) string {
	switch v := r.(type) {
	case nil, Manual:
		return "manual"
	case Weekly:
		return "every " + v.Weekday.String()
	case MonthlyNth:
		return fmt.Sprintf("%s %s of the month", v.Ordinal, v.Weekday)
	default:
		return "unknown"
	}
}

// Spec is the wire form of a Recurrence used by the API and CLI.
// Weekday and Ordinal are pointers so that a missing value can be told
// apart from Sunday or First.
type Spec struct {
	Mode    Mode          `json:"mode" yaml:"mode"`
	Weekday *time.Weekday `json:"weekday,omitempty" yaml:"weekday,omitempty"`
	Ordinal *Ordinal      `json:"ordinal,omitempty" yaml:"ordinal,omitempty"`
}

// Recurrence converts the wire form into a Recurrence.
func (s Spec) Recurrence() (Recurrence, error) {
	switch s.Mode {
	case ModeManual, "":
		return Manual{}, nil
	case ModeWeekly:
		if s.Weekday == nil {
			return nil, fmt.Errorf("%w: weekly recurrence requires a weekday", ErrInvalidRecurrence)
		}
		return Weekly{Weekday: *s.Weekday}, nil
	case ModeMonthlyNth:
		if s.Weekday == nil {
			return nil, fmt.Errorf("%w: monthly recurrence requires a weekday", ErrInvalidRecurrence)
		}
		if s.Ordinal == nil {
			return nil, fmt.Errorf("%w: monthly recurrence requires an ordinal", ErrInvalidRecurrence)
		}
		return MonthlyNth{Weekday: *s.Weekday, Ordinal: *s.Ordinal}, nil
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidRecurrence, s.Mode)
	}
}

// SpecOf returns the wire form of r.
func SpecOf(r Recurrence) Spec {
	switch v := r.(type) {
	case Weekly:
		wd := v.Weekday
		return Spec{Mode: ModeWeekly, Weekday: &wd}
	case MonthlyNth:
		wd, ord := v.Weekday, v.Ordinal
		return Spec{Mode: ModeMonthlyNth, Weekday: &wd, Ordinal: &ord}
	default:
		return Spec{Mode: ModeManual}
	}
}

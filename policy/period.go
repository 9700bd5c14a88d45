/*
period.go - Loan periods and calendar arithmetic

PURPOSE:
  A Period is a duration plus an interval ("14 Days", "3 Weeks", "1 Months")
  as configured in a loan policy. Policy documents are not trusted: an
  unknown interval, a fractional duration or a missing period are all
  representable and only fail when the period is actually added to a date,
  so the failure can be reported as a policy error instead of a crash.

ARITHMETIC:
  Minutes and hours are exact clock additions. Days and weeks are calendar
  additions (a day is a calendar day, not 24h, across DST changes). A month
  addition that lands past the end of the target month is clamped to the
  last instant of that month:

    Jan 15 10:00 + 1 Months = Feb 15 10:00
    Jan 31 10:00 + 1 Months = Feb 29 23:59:59.999999999 (2024)
    Mar 31 00:00 + 1 Months = Apr 30 23:59:59.999999999

  Clamping to the end of the day keeps AddTo monotonic: a later base never
  yields an earlier date, even across the clamped days.

FAILURES (checked in this order):
  1. MissingPeriodError  - no interval or no duration configured
  2. DurationError       - duration is not a positive integer
  3. IntervalError       - interval id is not recognised

  All three unwrap to circulation.ErrPolicyConfiguration.
*/
package policy

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// INTERVAL
// =============================================================================

// Interval is the unit of a Period.
type Interval int

const (
	IntervalIncorrect Interval = iota
	IntervalMinutes
	IntervalHours
	IntervalDays
	IntervalWeeks
	IntervalMonths
)

var intervalNames = map[Interval]string{
	IntervalMinutes: "Minutes",
	IntervalHours:   "Hours",
	IntervalDays:    "Days",
	IntervalWeeks:   "Weeks",
	IntervalMonths:  "Months",
}

// ParseInterval returns IntervalIncorrect for any unrecognised id.
func ParseInterval(id string) Interval {
	for interval, name := range intervalNames {
		if name == id {
			return interval
		}
	}
	return IntervalIncorrect
}

func (i Interval) String() string {
	if name, ok := intervalNames[i]; ok {
		return name
	}
	return "Incorrect"
}

// =============================================================================
// PERIOD
// =============================================================================

// Period is an immutable duration and interval. The zero value is an
// unconfigured period.
type Period struct {
	duration      int
	durationText  string
	durationValid bool
	interval      Interval
	intervalID    string
	field         string
	configured    bool
}

// NewPeriod builds a period from already typed values.
func NewPeriod(duration int, interval Interval) Period {
	return Period{
		duration:      duration,
		durationText:  strconv.Itoa(duration),
		durationValid: true,
		interval:      interval,
		intervalID:    interval.String(),
		configured:    true,
	}
}

// ParsePeriod builds a period from policy document text. field names the
// policy field the period was read from and is carried into any error.
// Nothing is validated here; see AddTo.
func ParsePeriod(durationText, intervalID, field string) Period {
	p := Period{
		durationText: durationText,
		interval:     ParseInterval(intervalID),
		intervalID:   intervalID,
		field:        field,
		configured:   durationText != "" && intervalID != "",
	}

	d, err := decimal.NewFromString(durationText)
	if err == nil && d.IsInteger() &&
		d.GreaterThanOrEqual(decimal.NewFromInt(math.MinInt32)) &&
		d.LessThanOrEqual(decimal.NewFromInt(math.MaxInt32)) {
		p.duration = int(d.IntPart())
		p.durationValid = true
	}
	return p
}

func (p Period) Duration() int        { return p.duration }
func (p Period) Interval() Interval   { return p.interval }
func (p Period) IntervalID() string   { return p.intervalID }
func (p Period) DurationText() string { return p.durationText }
func (p Period) Field() string        { return p.field }
func (p Period) IsConfigured() bool   { return p.configured }

func (p Period) String() string {
	if !p.configured {
		return "<none>"
	}
	return p.durationText + " " + p.intervalID
}

// AddTo adds the period to base.
func (p Period) AddTo(base time.Time) (time.Time, error) {
	if !p.configured {
		return time.Time{}, &MissingPeriodError{Field: p.field}
	}
	if !p.durationValid || p.duration <= 0 {
		return time.Time{}, &DurationError{Duration: p.durationText, Field: p.field}
	}

	switch p.interval {
	case IntervalMinutes:
		return addClock(base, p.duration, 24*60, time.Minute), nil
	case IntervalHours:
		return addClock(base, p.duration, 24, time.Hour), nil
	case IntervalDays:
		return base.AddDate(0, 0, p.duration), nil
	case IntervalWeeks:
		return base.AddDate(0, 0, 7*p.duration), nil
	case IntervalMonths:
		return addMonths(base, p.duration), nil
	default:
		return time.Time{}, &IntervalError{IntervalID: p.intervalID, Field: p.field}
	}
}

// addClock adds n units, moving whole days through the calendar so large
// durations cannot overflow time.Duration.
func addClock(base time.Time, n, perDay int, unit time.Duration) time.Time {
	days, rest := n/perDay, n%perDay
	return base.AddDate(0, 0, days).Add(time.Duration(rest) * unit)
}

func addMonths(t time.Time, n int) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month+time.Month(n), 1,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); day > last {
		return time.Date(first.Year(), first.Month(), last, 23, 59, 59, 999999999, t.Location())
	}
	return first.AddDate(0, 0, day-1)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// =============================================================================
// PERIOD ERRORS
// =============================================================================

// MissingPeriodError is returned when no period is configured.
type MissingPeriodError struct {
	Field string
}

func (e *MissingPeriodError) Error() string {
	if e.Field == "" {
		return "period is not configured"
	}
	return fmt.Sprintf("period %q is not configured", e.Field)
}

func (e *MissingPeriodError) Unwrap() error { return circulation.ErrPolicyConfiguration }

// DurationError is returned when the duration is not a positive integer.
type DurationError struct {
	Duration string
	Field    string
}

func (e *DurationError) Error() string {
	return fmt.Sprintf("duration %q in %q is invalid", e.Duration, e.Field)
}

func (e *DurationError) Unwrap() error { return circulation.ErrPolicyConfiguration }

// IntervalError is returned when the interval id is not recognised.
type IntervalError struct {
	IntervalID string
	Field      string
}

func (e *IntervalError) Error() string {
	return fmt.Sprintf("interval %q in %q is not recognised", e.IntervalID, e.Field)
}

func (e *IntervalError) Unwrap() error { return circulation.ErrPolicyConfiguration }

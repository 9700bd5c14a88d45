package policy

import (
	"time"
)

// =============================================================================
// FIXED DUE DATE SCHEDULE - Date ranges mapped to fixed due dates
// =============================================================================

// ScheduleEntry maps loans made strictly between From and To to Due.
type ScheduleEntry struct {
	From time.Time
	To   time.Time
	Due  time.Time
}

// Contains uses exclusive bounds: a date equal to From or To is outside.
func (e ScheduleEntry) Contains(date time.Time) bool {
	return date.After(e.From) && date.Before(e.To)
}

// FixedDueDateSchedule is an ordered list of entries. Entries may overlap;
// the first matching entry in configured order wins.
//
// The zero value is the "not configured" schedule. It never matches, and
// the strategies skip truncation against it. A configured schedule with no
// entries is different: it also never matches, but truncation against it
// fails.
type FixedDueDateSchedule struct {
	ID   string
	Name string

	entries    []ScheduleEntry
	configured bool
}

// NewFixedDueDateSchedule builds a configured schedule. entries is copied.
func NewFixedDueDateSchedule(id, name string, entries []ScheduleEntry) FixedDueDateSchedule {
	copied := make([]ScheduleEntry, len(entries))
	copy(copied, entries)
	return FixedDueDateSchedule{ID: id, Name: name, entries: copied, configured: true}
}

// Configured returns false for the empty "no schedule" variant.
func (s FixedDueDateSchedule) Configured() bool { return s.configured }

// Entries returns a copy of the configured entries.
func (s FixedDueDateSchedule) Entries() []ScheduleEntry {
	out := make([]ScheduleEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// FindDueDateFor returns the due date of the first entry containing date.
func (s FixedDueDateSchedule) FindDueDateFor(date time.Time) (time.Time, bool) {
	for _, e := range s.entries {
		if e.Contains(date) {
			return e.Due, true
		}
	}
	return time.Time{}, false
}

// TruncateDueDate caps dueDate at the limit of the entry containing
// reference. When no entry contains reference the result of onNoMatch is
// returned.
func (s FixedDueDateSchedule) TruncateDueDate(dueDate, reference time.Time, onNoMatch func() error) (time.Time, error) {
	limit, ok := s.FindDueDateFor(reference)
	if !ok {
		return time.Time{}, onNoMatch()
	}
	if limit.Before(dueDate) {
		return limit, nil
	}
	return dueDate, nil
}

// DueDates lists every configured due date moved to the last millisecond of
// its day and expressed in UTC.
func (s FixedDueDateSchedule) DueDates() []time.Time {
	out := make([]time.Time, len(s.entries))
	for i, e := range s.entries {
		y, m, d := e.Due.Date()
		out[i] = time.Date(y, m, d, 23, 59, 59, int(999*time.Millisecond), e.Due.Location()).UTC()
	}
	return out
}

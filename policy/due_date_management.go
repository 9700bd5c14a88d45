package policy

// DueDateManagement is what happens to a due date that falls when the
// library is closed.
type DueDateManagement string

const (
	KeepCurrentDueDate                     DueDateManagement = "CURRENT_DUE_DATE"
	MoveToEndOfPreviousOpenDay             DueDateManagement = "END_OF_THE_PREVIOUS_OPEN_DAY"
	MoveToEndOfNextOpenDay                 DueDateManagement = "END_OF_THE_NEXT_OPEN_DAY"
	MoveToEndOfCurrentServicePointHours    DueDateManagement = "END_OF_THE_CURRENT_SERVICE_POINT_HOURS"
	MoveToBeginningOfNextServicePointHours DueDateManagement = "BEGINNING_OF_THE_NEXT_OPEN_SERVICE_POINT_HOURS"
	KeepCurrentDueDateTime                 DueDateManagement = "CURRENT_DUE_DATE_TIME"
)

// ParseDueDateManagement falls back to KeepCurrentDueDate for unknown ids.
func ParseDueDateManagement(id string) DueDateManagement {
	switch m := DueDateManagement(id); m {
	case KeepCurrentDueDate,
		MoveToEndOfPreviousOpenDay,
		MoveToEndOfNextOpenDay,
		MoveToEndOfCurrentServicePointHours,
		MoveToBeginningOfNextServicePointHours,
		KeepCurrentDueDateTime:
		return m
	default:
		return KeepCurrentDueDate
	}
}

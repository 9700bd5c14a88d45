/*
Package circulation provides the domain values of the circulation engine.

PURPOSE:
  Loans, items, users, requests and request queues as immutable values.
  Every "mutation" (renew, recall, reposition) returns a new value so that
  concurrent computations never observe each other's in-progress state.

KEY CONCEPTS IN THIS FILE (types.go):
  - Loan: an item lent to a patron, with due date and renewal count
  - Item: a physical copy with a circulation status
  - User: a patron, identified by a patron group for policy resolution

SEE ALSO:
  - request.go: Request and RequestQueue
  - errors.go: Validation/server error taxonomy
  - policy package: due-date computation over these values
*/
package circulation

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// LOAN
// =============================================================================

type LoanStatus string

const (
	LoanOpen   LoanStatus = "Open"
	LoanClosed LoanStatus = "Closed"
)

// Loan actions recorded on the loan as its action history.
const (
	ActionCheckedOut             = "checkedout"
	ActionCheckedIn              = "checkedin"
	ActionRenewed                = "renewed"
	ActionRenewedThroughOverride = "renewedThroughOverride"
	ActionHoldRequested          = "holdrequested"
	ActionRecallRequested        = "recallrequested"
)

type Loan struct {
	ID           string
	ItemID       string
	UserID       string
	ProxyUserID  string
	LoanDate     time.Time
	DueDate      time.Time
	ReturnDate   *time.Time
	RenewalCount int
	Status       LoanStatus

	// Action history
	Action        string
	ActionComment string

	// Policy the current due date is based upon
	LoanPolicyID string
}

// IsOpen returns true if the loan has not been checked in.
func (l Loan) IsOpen() bool { return l.Status == LoanOpen }

// Renew returns the loan with a new due date and one more renewal.
func (l Loan) Renew(dueDate time.Time, policyID string) Loan {
	l.DueDate = dueDate
	l.RenewalCount++
	l.Action = ActionRenewed
	l.ActionComment = ""
	l.LoanPolicyID = policyID
	return l
}

// OverrideRenewal returns the loan renewed by an operator override.
func (l Loan) OverrideRenewal(dueDate time.Time, policyID, comment string) Loan {
	l.DueDate = dueDate
	l.RenewalCount++
	l.Action = ActionRenewedThroughOverride
	l.ActionComment = comment
	l.LoanPolicyID = policyID
	return l
}

// ChangeDueDate returns the loan with only its due date replaced.
func (l Loan) ChangeDueDate(dueDate time.Time) Loan {
	l.DueDate = dueDate
	return l
}

// ChangeAction returns the loan with a new action history entry.
func (l Loan) ChangeAction(action string) Loan {
	l.Action = action
	l.ActionComment = ""
	return l
}

// CheckIn returns the loan closed at the given return date.
func (l Loan) CheckIn(returnDate time.Time) Loan {
	l.ReturnDate = &returnDate
	l.Status = LoanClosed
	l.Action = ActionCheckedIn
	l.ActionComment = ""
	return l
}

// =============================================================================
// ITEM
// =============================================================================

type ItemStatus string

const (
	ItemAvailable          ItemStatus = "Available"
	ItemCheckedOut         ItemStatus = "Checked out"
	ItemCheckedOutHeld     ItemStatus = "Checked out - Held"
	ItemCheckedOutRecalled ItemStatus = "Checked out - Recalled"
	ItemAwaitingPickup     ItemStatus = "Awaiting pickup"
	ItemInTransit          ItemStatus = "In transit"
	ItemPaged              ItemStatus = "Paged"
	ItemMissing            ItemStatus = "Missing"
)

// IsCheckedOut returns true for every checked out variant.
func (s ItemStatus) IsCheckedOut() bool {
	switch s {
	case ItemCheckedOut, ItemCheckedOutHeld, ItemCheckedOutRecalled:
		return true
	default:
		return false
	}
}

type Item struct {
	ID               string
	Title            string
	Barcode          string
	Status           ItemStatus
	MaterialTypeID   string
	LoanTypeID       string
	LocationID       string
	HoldingsRecordID string
}

// ChangeStatus returns the item with a new status.
func (i Item) ChangeStatus(status ItemStatus) Item {
	i.Status = status
	return i
}

// =============================================================================
// USER
// =============================================================================

type User struct {
	ID            string
	Barcode       string
	PatronGroupID string
	FirstName     string
	LastName      string
	Active        bool
}

// PersonalName returns "Last, First", or whichever part is present.
func (u User) PersonalName() string {
	switch {
	case u.LastName != "" && u.FirstName != "":
		return fmt.Sprintf("%s, %s", u.LastName, u.FirstName)
	default:
		return strings.TrimSpace(u.LastName + u.FirstName)
	}
}

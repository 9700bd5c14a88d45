package requests

import (
	"fmt"

	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// REQUEST EFFECTS - What a new request does to the item and its loan
// =============================================================================

// ItemStatusOnRequest returns the item status after a request of type t is
// placed on an item in status current.
func ItemStatusOnRequest(t circulation.RequestType, current circulation.ItemStatus) circulation.ItemStatus {
	switch {
	case t == circulation.RequestHold && current == circulation.ItemCheckedOut:
		return circulation.ItemCheckedOutHeld
	case t == circulation.RequestRecall && current.IsCheckedOut():
		return circulation.ItemCheckedOutRecalled
	case t == circulation.RequestPage:
		return circulation.ItemPaged
	default:
		return current
	}
}

// CheckedOutStatus returns the status of an item on loan with the given
// queue behind it: Recalled while any recall is open, Held while any hold
// is open, plain Checked out otherwise.
func CheckedOutStatus(queue circulation.RequestQueue) circulation.ItemStatus {
	status := circulation.ItemCheckedOut
	for _, r := range queue.Requests() {
		if !r.Status.IsOpen() || r.Type == circulation.RequestPage {
			continue
		}
		status = ItemStatusOnRequest(r.Type, status)
	}
	return status
}

// LoanActionOnRequest returns the loan action recorded when a request of
// type t is placed on a loaned item. Pages never touch a loan.
func LoanActionOnRequest(t circulation.RequestType) (string, bool) {
	switch t {
	case circulation.RequestHold:
		return circulation.ActionHoldRequested, true
	case circulation.RequestRecall:
		return circulation.ActionRecallRequested, true
	default:
		return "", false
	}
}

// =============================================================================
// CHECKOUT VALIDATION
// =============================================================================

// RefuseWhenAwaitingPickupForOtherPatron refuses a checkout to user while
// the item is waiting on the hold shelf for someone else.
func RefuseWhenAwaitingPickupForOtherPatron(item circulation.Item, user circulation.User, queue circulation.RequestQueue) error {
	if !queue.HasAwaitingPickupRequestForOtherPatron(user.ID) {
		return nil
	}
	return circulation.FailedValidation(
		fmt.Sprintf("%s (Barcode: %s) cannot be checked out to user %s because it is awaiting pickup by another patron",
			item.Title, item.Barcode, user.PersonalName()),
		"userBarcode", user.Barcode)
}

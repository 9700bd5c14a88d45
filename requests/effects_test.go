package requests_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/requests"
)

func TestItemStatusOnRequest(t *testing.T) {
	tests := []struct {
		requestType circulation.RequestType
		current     circulation.ItemStatus
		want        circulation.ItemStatus
	}{
		{circulation.RequestHold, circulation.ItemCheckedOut, circulation.ItemCheckedOutHeld},
		{circulation.RequestHold, circulation.ItemCheckedOutRecalled, circulation.ItemCheckedOutRecalled},
		{circulation.RequestRecall, circulation.ItemCheckedOut, circulation.ItemCheckedOutRecalled},
		{circulation.RequestRecall, circulation.ItemCheckedOutHeld, circulation.ItemCheckedOutRecalled},
		{circulation.RequestPage, circulation.ItemAvailable, circulation.ItemPaged},
	}

	for _, tt := range tests {
		t.Run(string(tt.requestType)+"/"+string(tt.current), func(t *testing.T) {
			assert.Equal(t, tt.want, requests.ItemStatusOnRequest(tt.requestType, tt.current))
		})
	}
}

func TestCheckedOutStatus(t *testing.T) {
	hold := circulation.Request{ID: "h", Type: circulation.RequestHold, Status: circulation.RequestOpenNotYetFilled}
	recall := circulation.Request{ID: "r", Type: circulation.RequestRecall, Status: circulation.RequestOpenNotYetFilled}
	page := circulation.Request{ID: "p", Type: circulation.RequestPage, Status: circulation.RequestOpenNotYetFilled}
	closed := circulation.Request{ID: "c", Type: circulation.RequestRecall, Status: circulation.RequestClosedCancelled}

	tests := []struct {
		name  string
		queue []circulation.Request
		want  circulation.ItemStatus
	}{
		{"empty", nil, circulation.ItemCheckedOut},
		{"hold", []circulation.Request{hold}, circulation.ItemCheckedOutHeld},
		{"recall", []circulation.Request{recall}, circulation.ItemCheckedOutRecalled},
		{"recall behind hold", []circulation.Request{hold.ChangePosition(1), recall.ChangePosition(2)}, circulation.ItemCheckedOutRecalled},
		{"page is ignored", []circulation.Request{page}, circulation.ItemCheckedOut},
		{"closed is ignored", []circulation.Request{closed}, circulation.ItemCheckedOut},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, requests.CheckedOutStatus(circulation.NewRequestQueue(tt.queue)))
		})
	}
}

func TestLoanActionOnRequest(t *testing.T) {
	action, ok := requests.LoanActionOnRequest(circulation.RequestRecall)
	assert.True(t, ok)
	assert.Equal(t, "recallrequested", action)

	action, ok = requests.LoanActionOnRequest(circulation.RequestHold)
	assert.True(t, ok)
	assert.Equal(t, "holdrequested", action)

	_, ok = requests.LoanActionOnRequest(circulation.RequestPage)
	assert.False(t, ok)
}

func TestRefuseWhenAwaitingPickupForOtherPatron(t *testing.T) {
	item := circulation.Item{ID: "item-1", Title: "Dune", Barcode: "036000291452"}
	queue := circulation.NewRequestQueue([]circulation.Request{
		{ID: "r1", RequesterID: "user-1", Status: circulation.RequestOpenAwaitingPickup, Position: 1},
	})

	assert.NoError(t, requests.RefuseWhenAwaitingPickupForOtherPatron(item, circulation.User{ID: "user-1"}, queue))

	err := requests.RefuseWhenAwaitingPickupForOtherPatron(item,
		circulation.User{ID: "user-2", FirstName: "Ada", LastName: "Lovelace"}, queue)

	errs, ok := circulation.ValidationErrorsOf(err)
	assert.True(t, ok)
	assert.Equal(t,
		"Dune (Barcode: 036000291452) cannot be checked out to user Lovelace, Ada because it is awaiting pickup by another patron",
		errs[0].Message)
}

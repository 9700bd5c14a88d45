package circulation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/circulation"
)

func request(id, requester string, status circulation.RequestStatus, position int) circulation.Request {
	return circulation.Request{
		ID:          id,
		ItemID:      "item-1",
		RequesterID: requester,
		Type:        circulation.RequestHold,
		Status:      status,
		Position:    position,
	}
}

// =============================================================================
// ORDERING AND POSITIONS
// =============================================================================

func TestRequestQueue_SortedOnConstruction(t *testing.T) {
	input := []circulation.Request{
		request("c", "u3", circulation.RequestOpenNotYetFilled, 3),
		request("a", "u1", circulation.RequestOpenAwaitingPickup, 1),
		request("b", "u2", circulation.RequestOpenNotYetFilled, 2),
	}

	queue := circulation.NewRequestQueue(input)

	ids := []string{}
	for _, r := range queue.Requests() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, "c", input[0].ID, "input left untouched")
}

func TestRequestQueue_NextAvailablePosition(t *testing.T) {
	assert.Equal(t, 1, circulation.RequestQueue{}.NextAvailablePosition())

	queue := circulation.NewRequestQueue([]circulation.Request{
		request("a", "u1", circulation.RequestOpenNotYetFilled, 1),
		request("b", "u2", circulation.RequestOpenNotYetFilled, 4),
	})
	assert.Equal(t, 5, queue.NextAvailablePosition())
}

func TestRequestQueue_AddAppendsAtNextPosition(t *testing.T) {
	queue := circulation.NewRequestQueue([]circulation.Request{
		request("a", "u1", circulation.RequestOpenNotYetFilled, 1),
	})

	updated, added := queue.Add(request("b", "u2", circulation.RequestOpenNotYetFilled, 0))

	assert.Equal(t, 2, added.Position)
	assert.Equal(t, 2, updated.Len())
	assert.Equal(t, 1, queue.Len(), "original queue untouched")
	assert.True(t, updated.Contains("b"))
}

func TestRequestQueue_RemoveRenumbers(t *testing.T) {
	// GIVEN: Three queued requests
	queue := circulation.NewRequestQueue([]circulation.Request{
		request("a", "u1", circulation.RequestOpenNotYetFilled, 1),
		request("b", "u2", circulation.RequestOpenNotYetFilled, 2),
		request("c", "u3", circulation.RequestOpenNotYetFilled, 3),
	})

	// WHEN: The head is removed
	updated, moved := queue.Remove("a")

	// THEN: Remaining requests are renumbered 1..N
	require.Equal(t, 2, updated.Len())
	first, _ := updated.At(0)
	second, _ := updated.At(1)
	assert.Equal(t, "b", first.ID)
	assert.Equal(t, 1, first.Position)
	assert.Equal(t, 2, second.Position)
	assert.Len(t, moved, 2)
	assert.False(t, updated.Contains("a"))
}

func TestRequestQueue_RemoveUnknownIsNoop(t *testing.T) {
	queue := circulation.NewRequestQueue([]circulation.Request{
		request("a", "u1", circulation.RequestOpenNotYetFilled, 1),
	})

	updated, moved := queue.Remove("zzz")

	assert.Equal(t, 1, updated.Len())
	assert.Empty(t, moved)
}

// =============================================================================
// QUEUE INSPECTION
// =============================================================================

func TestRequestQueue_HasAwaitingPickupRequestForOtherPatron(t *testing.T) {
	queue := circulation.NewRequestQueue([]circulation.Request{
		request("a", "u1", circulation.RequestOpenAwaitingPickup, 1),
		request("b", "u2", circulation.RequestOpenNotYetFilled, 2),
	})

	assert.False(t, queue.HasAwaitingPickupRequestForOtherPatron("u1"))
	assert.True(t, queue.HasAwaitingPickupRequestForOtherPatron("u2"))
	assert.False(t, circulation.RequestQueue{}.HasAwaitingPickupRequestForOtherPatron("u1"))
}

func TestRequestQueue_HighestPriorityAndOutstanding(t *testing.T) {
	_, ok := circulation.RequestQueue{}.HighestPriorityRequest()
	assert.False(t, ok)

	queue := circulation.NewRequestQueue([]circulation.Request{
		request("b", "u2", circulation.RequestClosedCancelled, 2),
		request("a", "u1", circulation.RequestClosedFilled, 1),
	})
	head, ok := queue.HighestPriorityRequest()
	require.True(t, ok)
	assert.Equal(t, "a", head.ID)
	assert.False(t, queue.HasOutstandingRequests())

	queue, _ = queue.Add(request("c", "u3", circulation.RequestOpenNotYetFilled, 0))
	assert.True(t, queue.HasOutstandingRequests())
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

func TestRequestType_AllowedForItemStatus(t *testing.T) {
	tests := []struct {
		requestType circulation.RequestType
		status      circulation.ItemStatus
		allowed     bool
	}{
		{circulation.RequestHold, circulation.ItemCheckedOut, true},
		{circulation.RequestHold, circulation.ItemCheckedOutHeld, true},
		{circulation.RequestRecall, circulation.ItemCheckedOutRecalled, true},
		{circulation.RequestHold, circulation.ItemAvailable, false},
		{circulation.RequestRecall, circulation.ItemAwaitingPickup, false},
		{circulation.RequestPage, circulation.ItemAvailable, true},
		{circulation.RequestPage, circulation.ItemCheckedOut, false},
		{circulation.RequestType("Delivery"), circulation.ItemAvailable, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.requestType)+"/"+string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.requestType.AllowedForItemStatus(tt.status))
		})
	}
}

func TestParseRequestType(t *testing.T) {
	rt, ok := circulation.ParseRequestType("Recall")
	assert.True(t, ok)
	assert.Equal(t, circulation.RequestRecall, rt)

	_, ok = circulation.ParseRequestType("recall")
	assert.False(t, ok)
}

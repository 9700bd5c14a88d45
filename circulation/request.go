package circulation

import (
	"sort"
	"time"
)

// =============================================================================
// REQUEST - A patron's hold, recall or page on an item
// =============================================================================

type RequestType string

const (
	RequestHold   RequestType = "Hold"
	RequestRecall RequestType = "Recall"
	RequestPage   RequestType = "Page"
)

// ParseRequestType returns the request type for a name, and false when the
// name is not a known type.
func ParseRequestType(s string) (RequestType, bool) {
	switch RequestType(s) {
	case RequestHold, RequestRecall, RequestPage:
		return RequestType(s), true
	default:
		return "", false
	}
}

// AllowedForItemStatus reports whether a request of this type may be placed
// on an item in the given status. Holds and recalls are for items already on
// loan; pages are for items on the shelf.
func (t RequestType) AllowedForItemStatus(status ItemStatus) bool {
	switch t {
	case RequestHold, RequestRecall:
		return status.IsCheckedOut()
	case RequestPage:
		return status == ItemAvailable
	default:
		return false
	}
}

type RequestStatus string

const (
	RequestOpenNotYetFilled    RequestStatus = "Open - Not yet filled"
	RequestOpenAwaitingPickup  RequestStatus = "Open - Awaiting pickup"
	RequestOpenInTransit       RequestStatus = "Open - In transit"
	RequestClosedFilled        RequestStatus = "Closed - Filled"
	RequestClosedCancelled     RequestStatus = "Closed - Cancelled"
	RequestClosedUnfilled      RequestStatus = "Closed - Unfilled"
	RequestClosedPickupExpired RequestStatus = "Closed - Pickup expired"
)

// IsOpen returns true for every open status.
func (s RequestStatus) IsOpen() bool {
	switch s {
	case RequestOpenNotYetFilled, RequestOpenAwaitingPickup, RequestOpenInTransit:
		return true
	default:
		return false
	}
}

type Request struct {
	ID                   string
	ItemID               string
	RequesterID          string
	ProxyUserID          string
	Type                 RequestType
	Status               RequestStatus
	Position             int
	RequestDate          time.Time
	FulfilmentPreference string

	CancelledDate      *time.Time
	CancellationReason string
}

// ChangePosition returns the request at a new queue position.
func (r Request) ChangePosition(position int) Request {
	r.Position = position
	return r
}

// ChangeStatus returns the request with a new status.
func (r Request) ChangeStatus(status RequestStatus) Request {
	r.Status = status
	return r
}

// Cancel returns the request closed as cancelled at the given time.
func (r Request) Cancel(at time.Time, reason string) Request {
	r.Status = RequestClosedCancelled
	r.CancelledDate = &at
	r.CancellationReason = reason
	return r
}

// =============================================================================
// REQUEST QUEUE - Outstanding requests for one item, by position
// =============================================================================

// RequestQueue is the ordered sequence of requests for a single item.
// The zero value is an empty queue.
type RequestQueue struct {
	requests []Request
}

// NewRequestQueue builds a queue ordered by position ascending.
// The input slice is not modified.
func NewRequestQueue(requests []Request) RequestQueue {
	sorted := make([]Request, len(requests))
	copy(sorted, requests)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Position < sorted[j].Position
	})
	return RequestQueue{requests: sorted}
}

// Requests returns a copy of the queued requests in position order.
func (q RequestQueue) Requests() []Request {
	out := make([]Request, len(q.requests))
	copy(out, q.requests)
	return out
}

func (q RequestQueue) Len() int { return len(q.requests) }

// At returns the request at a zero-based index.
func (q RequestQueue) At(index int) (Request, bool) {
	if index < 0 || index >= len(q.requests) {
		return Request{}, false
	}
	return q.requests[index], true
}

// NextAvailablePosition is max(position)+1, or 1 for an empty queue.
func (q RequestQueue) NextAvailablePosition() int {
	highest := 0
	for _, r := range q.requests {
		if r.Position > highest {
			highest = r.Position
		}
	}
	return highest + 1
}

// HasAwaitingPickupRequestForOtherPatron reports whether an item has been
// pulled for a patron other than userID.
func (q RequestQueue) HasAwaitingPickupRequestForOtherPatron(userID string) bool {
	for _, r := range q.requests {
		if r.Status == RequestOpenAwaitingPickup && r.RequesterID != userID {
			return true
		}
	}
	return false
}

// HighestPriorityRequest returns the request at the head of the queue.
func (q RequestQueue) HighestPriorityRequest() (Request, bool) {
	return q.At(0)
}

// HasOutstandingRequests returns true when any request is still open.
func (q RequestQueue) HasOutstandingRequests() bool {
	for _, r := range q.requests {
		if r.Status.IsOpen() {
			return true
		}
	}
	return false
}

// Contains reports whether a request with the given id is queued.
func (q RequestQueue) Contains(requestID string) bool {
	for _, r := range q.requests {
		if r.ID == requestID {
			return true
		}
	}
	return false
}

// Add returns a queue with the request appended at the next position.
func (q RequestQueue) Add(r Request) (RequestQueue, Request) {
	r = r.ChangePosition(q.NextAvailablePosition())
	requests := append(q.Requests(), r)
	return RequestQueue{requests: requests}, r
}

// Remove returns a queue without the given request, renumbered 1..N.
// The second value holds every request whose position changed.
func (q RequestQueue) Remove(requestID string) (RequestQueue, []Request) {
	var (
		remaining []Request
		moved     []Request
	)
	for _, r := range q.requests {
		if r.ID == requestID {
			continue
		}
		position := len(remaining) + 1
		if r.Position != position {
			r = r.ChangePosition(position)
			moved = append(moved, r)
		}
		remaining = append(remaining, r)
	}
	return RequestQueue{requests: remaining}, moved
}

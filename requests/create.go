/*
create.go - Request creation pipeline

PURPOSE:
  Decides whether a hold, recall or page request may be placed on an item
  and, if so, where it goes in the item's queue. Validation steps are pure
  functions of the gathered records; everything that touches storage is a
  collaborator injected into CreateRequestService.

PIPELINE (stops at the first failure):
  ┌──────────────────────────────────────────────────────────────────────┐
  │                                                                      │
  │  1. item exists         ──▶  "Item does not exist"                   │
  │  2. requester + group   ──▶  "A valid user and patron group ..."     │
  │  3. type vs item status ──▶  "<Type> requests are not allowed for    │
  │                               <status> item status combination"      │
  │  4. request policy      ──▶  (lookup collaborator)                   │
  │     allows the type     ──▶  "<Type> requests are not allowed for    │
  │                               this patron and item combination"      │
  │  5. position            =    queue.NextAvailablePosition()           │
  │  6. item status, loan action history, loan (recall), persist         │
  │                                                                      │
  └──────────────────────────────────────────────────────────────────────┘

KEY COMPONENTS:
  Records:              The request plus every record the pipeline needs
  CreateRequestService: Runs the pipeline over its collaborators

EXAMPLE:
  svc := &requests.CreateRequestService{
      Policies: lookup, Items: items, LoanActions: actions,
      Loans: loans, Requests: repo,
  }
  created, err := svc.CreateRequest(ctx, records)
*/
package requests

import (
	"context"
	"fmt"

	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/policy"
)

// =============================================================================
// RECORDS - Everything the pipeline reads and produces
// =============================================================================

// Records is the request being created together with its related records.
type Records struct {
	Request circulation.Request

	// Nil when the referenced record does not exist.
	Item      *circulation.Item
	Requester *circulation.User

	// The item's outstanding requests, not including Request.
	Queue circulation.RequestQueue

	// The item's open loan, if it is on loan.
	Loan *circulation.Loan

	// Resolved during the pipeline.
	RequestPolicy policy.RequestPolicy
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// RequestPolicyLookup resolves the request policy for an item and requester.
type RequestPolicyLookup interface {
	LookupRequestPolicy(ctx context.Context, item circulation.Item, requester circulation.User) (policy.RequestPolicy, error)
}

// ItemUpdater changes the item's status for the new request.
type ItemUpdater interface {
	OnRequestCreation(ctx context.Context, records Records) (Records, error)
}

// LoanActionHistoryUpdater records the request on the item's open loan.
type LoanActionHistoryUpdater interface {
	OnRequestCreation(ctx context.Context, records Records) (Records, error)
}

// LoanUpdater applies the request to the item's open loan (recalls).
type LoanUpdater interface {
	OnRequestCreation(ctx context.Context, records Records) (Records, error)
}

// Repository persists the new request.
type Repository interface {
	Create(ctx context.Context, records Records) (Records, error)
}

// =============================================================================
// CREATE REQUEST SERVICE
// =============================================================================

type CreateRequestService struct {
	Policies    RequestPolicyLookup
	Items       ItemUpdater
	LoanActions LoanActionHistoryUpdater
	Loans       LoanUpdater
	Requests    Repository
}

// CreateRequest validates the request and, when every rule passes, places
// it at the end of the item's queue and hands it to the collaborators.
// Rule violations are returned as circulation.ValidationErrors.
func (s *CreateRequestService) CreateRequest(ctx context.Context, records Records) (Records, error) {
	for _, refuse := range []func(Records) error{
		refuseWhenItemDoesNotExist,
		refuseWhenInvalidUserAndPatronGroup,
		refuseWhenItemIsNotValid,
	} {
		if err := refuse(records); err != nil {
			return Records{}, err
		}
	}

	requestPolicy, err := s.Policies.LookupRequestPolicy(ctx, *records.Item, *records.Requester)
	if err != nil {
		return Records{}, fmt.Errorf("failed to look up request policy: %w", err)
	}
	records.RequestPolicy = requestPolicy

	if err := refuseWhenRequestCannotBeFulfilled(records); err != nil {
		return Records{}, err
	}

	records.Request = records.Request.ChangePosition(records.Queue.NextAvailablePosition())

	for _, step := range []struct {
		name string
		run  func(context.Context, Records) (Records, error)
	}{
		{"update item", s.Items.OnRequestCreation},
		{"update loan action history", s.LoanActions.OnRequestCreation},
		{"update loan", s.Loans.OnRequestCreation},
		{"create request", s.Requests.Create},
	} {
		if records, err = step.run(ctx, records); err != nil {
			return Records{}, fmt.Errorf("failed to %s: %w", step.name, err)
		}
	}
	return records, nil
}

// =============================================================================
// VALIDATION STEPS
// =============================================================================

func refuseWhenItemDoesNotExist(r Records) error {
	if r.Item == nil {
		return circulation.FailedValidation("Item does not exist", "itemId", r.Request.ItemID)
	}
	return nil
}

func refuseWhenInvalidUserAndPatronGroup(r Records) error {
	switch {
	case r.Requester == nil:
		return circulation.FailedValidation(
			"A valid user and patron group are required. User is null", "userId", r.Request.RequesterID)
	case r.Requester.PatronGroupID == "":
		return circulation.FailedValidation(
			"A valid patron group is required. PatronGroup ID is null", "PatronGroupId", "")
	default:
		return nil
	}
}

func refuseWhenItemIsNotValid(r Records) error {
	if r.Request.Type.AllowedForItemStatus(r.Item.Status) {
		return nil
	}
	return circulation.FailedValidation(
		fmt.Sprintf("%s requests are not allowed for %s item status combination", r.Request.Type, r.Item.Status),
		string(r.Request.Type), r.Request.ItemID)
}

func refuseWhenRequestCannotBeFulfilled(r Records) error {
	if r.RequestPolicy.Allows(r.Request.Type) {
		return nil
	}
	return circulation.FailedValidation(
		fmt.Sprintf("%s requests are not allowed for this patron and item combination", r.Request.Type),
		"requestType", string(r.Request.Type))
}

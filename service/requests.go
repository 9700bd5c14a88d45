package service

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/policy"
	"github.com/warp/circulation-engine/requests"
	"github.com/warp/circulation-engine/rules"
	"go.opentelemetry.io/otel/attribute"
)

// RequestInput describes a new hold, recall or page.
type RequestInput struct {
	ItemID               string
	RequesterID          string
	ProxyUserID          string
	Type                 string
	FulfilmentPreference string

	// Zero means now.
	RequestDate time.Time
}

// =============================================================================
// CREATE REQUEST
// =============================================================================

// CreateRequest validates and queues a request. Placing a recall shortens
// the item's open loan.
func (s *Service) CreateRequest(ctx context.Context, in RequestInput) (request circulation.Request, err error) {
	ctx, span := s.startSpan(ctx, "create_request",
		attribute.String("item.id", in.ItemID),
		attribute.String("request.type", in.Type))
	defer func() { endSpan(span, err) }()
	defer func() { s.logOutcome(ctx, "create_request", err, "item_id", in.ItemID, "type", in.Type) }()

	requestType, ok := circulation.ParseRequestType(in.Type)
	if !ok {
		return circulation.Request{}, circulation.FailedValidation(
			fmt.Sprintf("%q is not a valid request type", in.Type), "requestType", in.Type)
	}
	requestDate := in.RequestDate
	if requestDate.IsZero() {
		requestDate = s.now()
	}

	err = s.store.WithTx(ctx, func(st circulation.Store) error {
		if err := refuseInvalidProxy(ctx, st, in.ProxyUserID); err != nil {
			return err
		}

		records, err := s.requestRecords(ctx, st, circulation.Request{
			ID:                   s.newID(),
			ItemID:               in.ItemID,
			RequesterID:          in.RequesterID,
			ProxyUserID:          in.ProxyUserID,
			Type:                 requestType,
			Status:               circulation.RequestOpenNotYetFilled,
			RequestDate:          requestDate,
			FulfilmentPreference: in.FulfilmentPreference,
		})
		if err != nil {
			return err
		}

		pipeline := &requests.CreateRequestService{
			Policies:    requestPolicyLookup{s: s, docs: st},
			Items:       itemUpdater{store: st},
			LoanActions: loanActionHistoryUpdater{},
			Loans:       loanUpdater{s: s, store: st},
			Requests:    requestRepository{store: st},
		}
		created, err := pipeline.CreateRequest(ctx, records)
		if err != nil {
			return err
		}
		request = created.Request
		span.SetAttributes(
			attribute.Int("request.position", request.Position),
			attribute.String("request_policy.id", created.RequestPolicy.ID))
		return nil
	})
	if err != nil {
		return circulation.Request{}, err
	}

	s.log.InfoContext(ctx, "request created",
		"request_id", request.ID, "item_id", request.ItemID, "type", request.Type, "position", request.Position)
	return request, nil
}

// requestRecords gathers the records the pipeline validates. Missing item
// or requester are left nil for the pipeline to report.
func (s *Service) requestRecords(ctx context.Context, st circulation.Store, r circulation.Request) (requests.Records, error) {
	records := requests.Records{Request: r}

	item, err := st.GetItem(ctx, r.ItemID)
	switch {
	case err == nil:
		records.Item = &item
	case !circulation.IsNotFound(err):
		return requests.Records{}, err
	}

	user, err := st.GetUser(ctx, r.RequesterID)
	switch {
	case err == nil:
		records.Requester = &user
	case !circulation.IsNotFound(err):
		return requests.Records{}, err
	}

	if records.Queue, err = s.queue(ctx, st, r.ItemID); err != nil {
		return requests.Records{}, err
	}

	loan, err := st.OpenLoanForItem(ctx, r.ItemID)
	switch {
	case err == nil:
		records.Loan = &loan
	case !circulation.IsNotFound(err):
		return requests.Records{}, err
	}
	return records, nil
}

// =============================================================================
// PIPELINE COLLABORATORS
// =============================================================================

type requestPolicyLookup struct {
	s    *Service
	docs circulation.DocumentStore
}

func (l requestPolicyLookup) LookupRequestPolicy(ctx context.Context, item circulation.Item, requester circulation.User) (policy.RequestPolicy, error) {
	id, err := l.s.resolver.RequestPolicyID(ctx, rules.CriteriaFor(item, requester))
	if err != nil {
		return policy.RequestPolicy{}, err
	}
	return l.s.requestPolicy(ctx, l.docs, id)
}

type itemUpdater struct {
	store circulation.ItemStore
}

func (u itemUpdater) OnRequestCreation(ctx context.Context, r requests.Records) (requests.Records, error) {
	status := requests.ItemStatusOnRequest(r.Request.Type, r.Item.Status)
	if status == r.Item.Status {
		return r, nil
	}
	item := r.Item.ChangeStatus(status)
	if err := u.store.SaveItem(ctx, item); err != nil {
		return requests.Records{}, err
	}
	r.Item = &item
	return r, nil
}

// loanActionHistoryUpdater only records the action; loanUpdater saves the loan.
type loanActionHistoryUpdater struct{}

func (loanActionHistoryUpdater) OnRequestCreation(_ context.Context, r requests.Records) (requests.Records, error) {
	if r.Loan == nil {
		return r, nil
	}
	if action, ok := requests.LoanActionOnRequest(r.Request.Type); ok {
		loan := r.Loan.ChangeAction(action)
		r.Loan = &loan
	}
	return r, nil
}

type loanUpdater struct {
	s     *Service
	store circulation.Store
}

func (u loanUpdater) OnRequestCreation(ctx context.Context, r requests.Records) (requests.Records, error) {
	if r.Loan == nil {
		return r, nil
	}
	loan := *r.Loan

	if r.Request.Type == circulation.RequestRecall {
		lp, err := u.loanPolicyFor(ctx, loan, *r.Item)
		if err != nil {
			return requests.Records{}, err
		}
		if loan, err = lp.Recall(loan, u.s.now()); err != nil {
			return requests.Records{}, err
		}
	}

	if err := u.store.SaveLoan(ctx, loan); err != nil {
		return requests.Records{}, err
	}
	r.Loan = &loan
	return r, nil
}

// loanPolicyFor prefers the policy recorded on the loan over resolving again.
func (u loanUpdater) loanPolicyFor(ctx context.Context, loan circulation.Loan, item circulation.Item) (policy.LoanPolicy, error) {
	if loan.LoanPolicyID != "" {
		return u.s.loanPolicy(ctx, u.store, loan.LoanPolicyID)
	}
	borrower, err := u.store.GetUser(ctx, loan.UserID)
	if err != nil {
		return policy.LoanPolicy{}, err
	}
	return u.s.resolveLoanPolicy(ctx, u.store, item, borrower)
}

type requestRepository struct {
	store circulation.RequestStore
}

func (repo requestRepository) Create(ctx context.Context, r requests.Records) (requests.Records, error) {
	if err := repo.store.SaveRequest(ctx, r.Request); err != nil {
		return requests.Records{}, err
	}
	return r, nil
}

// =============================================================================
// CANCEL REQUEST
// =============================================================================

// CancelRequest closes an open request as cancelled and moves the requests
// behind it up the queue. The item status is recomputed from what is left.
func (s *Service) CancelRequest(ctx context.Context, requestID, reason string) (request circulation.Request, err error) {
	ctx, span := s.startSpan(ctx, "cancel_request", attribute.String("request.id", requestID))
	defer func() { endSpan(span, err) }()
	defer func() { s.logOutcome(ctx, "cancel_request", err, "request_id", requestID) }()

	err = s.store.WithTx(ctx, func(st circulation.Store) error {
		current, err := st.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if !current.Status.IsOpen() {
			return circulation.FailedValidation(
				fmt.Sprintf("Request is already closed (%s)", current.Status), "requestId", requestID)
		}
		item, err := st.GetItem(ctx, current.ItemID)
		if err != nil {
			return err
		}
		queue, err := s.queue(ctx, st, current.ItemID)
		if err != nil {
			return err
		}

		request = current.Cancel(s.now(), reason)
		remaining, err := closeRequest(ctx, st, queue, request)
		if err != nil {
			return err
		}

		status, err := statusAfterCancel(ctx, st, item.Status, current, remaining)
		if err != nil {
			return err
		}
		if status == item.Status {
			return nil
		}
		span.SetAttributes(attribute.String("item.status", string(status)))
		return st.SaveItem(ctx, item.ChangeStatus(status))
	})
	if err != nil {
		return circulation.Request{}, err
	}

	s.log.InfoContext(ctx, "request cancelled", "request_id", request.ID, "item_id", request.ItemID)
	return request, nil
}

// statusAfterCancel hands a hold shelf item to the next request when the
// cancelled one was waiting for it.
func statusAfterCancel(ctx context.Context, st circulation.RequestStore, current circulation.ItemStatus, cancelled circulation.Request, remaining circulation.RequestQueue) (circulation.ItemStatus, error) {
	switch {
	case current.IsCheckedOut():
		return requests.CheckedOutStatus(remaining), nil
	case current == circulation.ItemAwaitingPickup && cancelled.Status == circulation.RequestOpenAwaitingPickup:
		head, ok := remaining.HighestPriorityRequest()
		if !ok {
			return circulation.ItemAvailable, nil
		}
		if err := st.SaveRequest(ctx, head.ChangeStatus(circulation.RequestOpenAwaitingPickup)); err != nil {
			return "", err
		}
		return circulation.ItemAwaitingPickup, nil
	case current == circulation.ItemPaged && cancelled.Type == circulation.RequestPage:
		return circulation.ItemAvailable, nil
	default:
		return current, nil
	}
}

// =============================================================================
// QUERIES
// =============================================================================

// RequestQueue returns the open requests of an existing item.
func (s *Service) RequestQueue(ctx context.Context, itemID string) (circulation.RequestQueue, error) {
	if _, err := s.store.GetItem(ctx, itemID); err != nil {
		return circulation.RequestQueue{}, err
	}
	return s.queue(ctx, s.store, itemID)
}

// ExplainLoanPolicy lists every rule whose loan policy applies, winner first.
func (s *Service) ExplainLoanPolicy(ctx context.Context, c rules.Criteria) (matches []rules.Match, err error) {
	ctx, span := s.startSpan(ctx, "explain_loan_policy")
	defer func() { endSpan(span, err) }()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return s.resolver.LoanPolicyMatches(ctx, c)
}

// LoanPolicyID resolves the loan policy for a combination.
func (s *Service) LoanPolicyID(ctx context.Context, c rules.Criteria) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	return s.resolver.LoanPolicyID(ctx, c)
}

// =============================================================================
// RECORDS
// =============================================================================

func (s *Service) SaveItem(ctx context.Context, item circulation.Item) error {
	if item.Status == "" {
		item.Status = circulation.ItemAvailable
	}
	return s.store.SaveItem(ctx, item)
}

func (s *Service) SaveUser(ctx context.Context, user circulation.User) error {
	return s.store.SaveUser(ctx, user)
}

func (s *Service) Loan(ctx context.Context, id string) (circulation.Loan, error) {
	return s.store.GetLoan(ctx, id)
}

func (s *Service) Loans(ctx context.Context, filter circulation.LoanFilter) ([]circulation.Loan, error) {
	return s.store.ListLoans(ctx, filter)
}

func (s *Service) Request(ctx context.Context, id string) (circulation.Request, error) {
	return s.store.GetRequest(ctx, id)
}

func (s *Service) Requests(ctx context.Context, filter circulation.RequestFilter) ([]circulation.Request, error) {
	return s.store.ListRequests(ctx, filter)
}

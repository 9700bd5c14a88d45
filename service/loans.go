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

// CheckOutInput identifies the item, the borrower and the loan date.
type CheckOutInput struct {
	ItemID      string
	UserID      string
	ProxyUserID string

	// Zero means now.
	LoanDate time.Time
}

// =============================================================================
// CHECK OUT
// =============================================================================

// CheckOut lends an item. When the borrower's own request heads the queue
// it is closed as filled and the rest of the queue moves up.
func (s *Service) CheckOut(ctx context.Context, in CheckOutInput) (loan circulation.Loan, err error) {
	ctx, span := s.startSpan(ctx, "checkout",
		attribute.String("item.id", in.ItemID),
		attribute.String("user.id", in.UserID))
	defer func() { endSpan(span, err) }()
	defer func() { s.logOutcome(ctx, "checkout", err, "item_id", in.ItemID, "user_id", in.UserID) }()

	loanDate := in.LoanDate
	if loanDate.IsZero() {
		loanDate = s.now()
	}

	err = s.store.WithTx(ctx, func(st circulation.Store) error {
		item, user, err := s.checkOutRecords(ctx, st, in)
		if err != nil {
			return err
		}

		queue, err := s.queue(ctx, st, item.ID)
		if err != nil {
			return err
		}
		if err := refuseCheckOut(item, user, queue); err != nil {
			return err
		}

		lp, err := s.resolveLoanPolicy(ctx, st, item, user)
		if err != nil {
			return err
		}
		if !lp.Loanable {
			return notLoanable(lp)
		}

		loan = circulation.Loan{
			ID:           s.newID(),
			ItemID:       item.ID,
			UserID:       user.ID,
			ProxyUserID:  in.ProxyUserID,
			LoanDate:     loanDate,
			Status:       circulation.LoanOpen,
			Action:       circulation.ActionCheckedOut,
			LoanPolicyID: lp.ID,
		}

		due, err := lp.CalculateInitialDueDate(loan, queue)
		if err != nil {
			return err
		}
		loan = loan.ChangeDueDate(due)
		span.SetAttributes(
			attribute.String("policy.id", lp.ID),
			attribute.String("strategy.kind", string(lp.Strategy(queue, false, loanDate).Kind())))

		if err := st.SaveLoan(ctx, loan); err != nil {
			return err
		}
		remaining, err := fulfilRequest(ctx, st, queue, user.ID)
		if err != nil {
			return err
		}
		return st.SaveItem(ctx, item.ChangeStatus(requests.CheckedOutStatus(remaining)))
	})
	if err != nil {
		return circulation.Loan{}, err
	}

	s.log.InfoContext(ctx, "item checked out",
		"loan_id", loan.ID, "item_id", loan.ItemID, "policy_id", loan.LoanPolicyID, "due_date", loan.DueDate)
	return loan, nil
}

func (s *Service) checkOutRecords(ctx context.Context, st circulation.Store, in CheckOutInput) (circulation.Item, circulation.User, error) {
	item, err := st.GetItem(ctx, in.ItemID)
	if circulation.IsNotFound(err) {
		return circulation.Item{}, circulation.User{}, circulation.FailedValidation(
			fmt.Sprintf("No item with ID %s could be found", in.ItemID), "itemId", in.ItemID)
	}
	if err != nil {
		return circulation.Item{}, circulation.User{}, err
	}

	user, err := st.GetUser(ctx, in.UserID)
	if circulation.IsNotFound(err) {
		return circulation.Item{}, circulation.User{}, circulation.FailedValidation(
			fmt.Sprintf("Could not find user with ID %s", in.UserID), "userId", in.UserID)
	}
	if err != nil {
		return circulation.Item{}, circulation.User{}, err
	}
	if !user.Active {
		return circulation.Item{}, circulation.User{}, circulation.FailedValidation(
			"Cannot check out to inactive user", "userBarcode", user.Barcode)
	}

	if err := refuseInvalidProxy(ctx, st, in.ProxyUserID); err != nil {
		return circulation.Item{}, circulation.User{}, err
	}
	return item, user, nil
}

func refuseInvalidProxy(ctx context.Context, st circulation.UserStore, proxyUserID string) error {
	if proxyUserID == "" {
		return nil
	}
	proxy, err := st.GetUser(ctx, proxyUserID)
	if circulation.IsNotFound(err) || (err == nil && !proxy.Active) {
		return circulation.FailedValidation("proxyUserId is not valid", "proxyUserId", proxyUserID)
	}
	return err
}

func refuseCheckOut(item circulation.Item, user circulation.User, queue circulation.RequestQueue) error {
	if err := requests.RefuseWhenAwaitingPickupForOtherPatron(item, user, queue); err != nil {
		return err
	}
	switch {
	case item.Status.IsCheckedOut():
		return circulation.FailedValidation("Item is already checked out", "itemBarcode", item.Barcode)
	case item.Status == circulation.ItemMissing:
		return circulation.FailedValidation(
			fmt.Sprintf("%s (Barcode: %s) has the item status Missing and cannot be checked out", item.Title, item.Barcode),
			"itemBarcode", item.Barcode)
	}
	return nil
}

func notLoanable(lp policy.LoanPolicy) error {
	return circulation.ValidationErrors{{
		Message: "Item is not loanable",
		Parameters: []circulation.Parameter{
			{Key: "loanPolicyId", Value: lp.ID},
			{Key: "loanPolicyName", Value: lp.Name},
		},
	}}
}

// fulfilRequest closes the head of the queue when it belongs to userID and
// returns the queue left behind.
func fulfilRequest(ctx context.Context, st circulation.RequestStore, queue circulation.RequestQueue, userID string) (circulation.RequestQueue, error) {
	head, ok := queue.HighestPriorityRequest()
	if !ok || head.RequesterID != userID {
		return queue, nil
	}
	return closeRequest(ctx, st, queue, head.ChangeStatus(circulation.RequestClosedFilled))
}

// closeRequest saves a closed request and renumbers the rest of its queue.
func closeRequest(ctx context.Context, st circulation.RequestStore, queue circulation.RequestQueue, closed circulation.Request) (circulation.RequestQueue, error) {
	if err := st.SaveRequest(ctx, closed); err != nil {
		return circulation.RequestQueue{}, err
	}
	remaining, moved := queue.Remove(closed.ID)
	for _, r := range moved {
		if err := st.SaveRequest(ctx, r); err != nil {
			return circulation.RequestQueue{}, err
		}
	}
	return remaining, nil
}

// =============================================================================
// RENEW
// =============================================================================

// Renew renews a loan under its current loan policy.
func (s *Service) Renew(ctx context.Context, loanID string) (loan circulation.Loan, err error) {
	ctx, span := s.startSpan(ctx, "renew", attribute.String("loan.id", loanID))
	defer func() { endSpan(span, err) }()
	defer func() { s.logOutcome(ctx, "renew", err, "loan_id", loanID) }()

	err = s.store.WithTx(ctx, func(st circulation.Store) error {
		current, lp, queue, err := s.renewalRecords(ctx, st, loanID)
		if err != nil {
			return err
		}
		if recall, ok := activeRecall(queue); ok {
			return circulation.FailedValidation(
				"items cannot be renewed when there is an active recall request", "request id", recall.ID)
		}

		span.SetAttributes(attribute.String("policy.id", lp.ID))
		loan, err = lp.Renew(current, s.now())
		if err != nil {
			return err
		}
		return st.SaveLoan(ctx, loan)
	})
	if err != nil {
		return circulation.Loan{}, err
	}

	s.log.InfoContext(ctx, "loan renewed", "loan_id", loan.ID, "renewal_count", loan.RenewalCount, "due_date", loan.DueDate)
	return loan, nil
}

// OverrideRenewal renews a loan an operator has decided to force. dueDate
// is required when the policy cannot compute one.
func (s *Service) OverrideRenewal(ctx context.Context, loanID string, dueDate *time.Time, comment string) (loan circulation.Loan, err error) {
	ctx, span := s.startSpan(ctx, "override_renewal", attribute.String("loan.id", loanID))
	defer func() { endSpan(span, err) }()
	defer func() { s.logOutcome(ctx, "override_renewal", err, "loan_id", loanID) }()

	if comment == "" {
		return circulation.Loan{}, circulation.FailedValidation(
			"Override renewal request must have a comment", "comment", "")
	}

	err = s.store.WithTx(ctx, func(st circulation.Store) error {
		current, lp, _, err := s.renewalRecords(ctx, st, loanID)
		if err != nil {
			return err
		}

		span.SetAttributes(attribute.String("policy.id", lp.ID))
		loan, err = lp.OverrideRenewal(current, s.now(), dueDate, comment)
		if err != nil {
			return err
		}
		return st.SaveLoan(ctx, loan)
	})
	if err != nil {
		return circulation.Loan{}, err
	}

	s.log.InfoContext(ctx, "loan renewed through override", "loan_id", loan.ID, "due_date", loan.DueDate)
	return loan, nil
}

func (s *Service) renewalRecords(ctx context.Context, st circulation.Store, loanID string) (circulation.Loan, policy.LoanPolicy, circulation.RequestQueue, error) {
	loan, err := s.openLoan(ctx, st, loanID)
	if err != nil {
		return circulation.Loan{}, policy.LoanPolicy{}, circulation.RequestQueue{}, err
	}
	item, err := st.GetItem(ctx, loan.ItemID)
	if err != nil {
		return circulation.Loan{}, policy.LoanPolicy{}, circulation.RequestQueue{}, err
	}
	user, err := st.GetUser(ctx, loan.UserID)
	if err != nil {
		return circulation.Loan{}, policy.LoanPolicy{}, circulation.RequestQueue{}, err
	}
	lp, err := s.resolveLoanPolicy(ctx, st, item, user)
	if err != nil {
		return circulation.Loan{}, policy.LoanPolicy{}, circulation.RequestQueue{}, err
	}
	queue, err := s.queue(ctx, st, item.ID)
	if err != nil {
		return circulation.Loan{}, policy.LoanPolicy{}, circulation.RequestQueue{}, err
	}
	return loan, lp, queue, nil
}

func activeRecall(queue circulation.RequestQueue) (circulation.Request, bool) {
	for _, r := range queue.Requests() {
		if r.Type == circulation.RequestRecall && r.Status.IsOpen() {
			return r, true
		}
	}
	return circulation.Request{}, false
}

// =============================================================================
// CHECK IN
// =============================================================================

// CheckIn closes a loan. An item with outstanding requests goes to
// Awaiting pickup for the head of the queue, otherwise it becomes Available.
func (s *Service) CheckIn(ctx context.Context, loanID string) (loan circulation.Loan, err error) {
	ctx, span := s.startSpan(ctx, "checkin", attribute.String("loan.id", loanID))
	defer func() { endSpan(span, err) }()
	defer func() { s.logOutcome(ctx, "checkin", err, "loan_id", loanID) }()

	err = s.store.WithTx(ctx, func(st circulation.Store) error {
		current, err := s.openLoan(ctx, st, loanID)
		if err != nil {
			return err
		}
		item, err := st.GetItem(ctx, current.ItemID)
		if err != nil {
			return err
		}
		queue, err := s.queue(ctx, st, item.ID)
		if err != nil {
			return err
		}

		loan = current.CheckIn(s.now())
		if err := st.SaveLoan(ctx, loan); err != nil {
			return err
		}

		status := circulation.ItemAvailable
		if head, ok := queue.HighestPriorityRequest(); ok && queue.HasOutstandingRequests() {
			status = circulation.ItemAwaitingPickup
			if head.Status == circulation.RequestOpenNotYetFilled {
				if err := st.SaveRequest(ctx, head.ChangeStatus(circulation.RequestOpenAwaitingPickup)); err != nil {
					return err
				}
			}
		}
		span.SetAttributes(attribute.String("item.status", string(status)))
		return st.SaveItem(ctx, item.ChangeStatus(status))
	})
	if err != nil {
		return circulation.Loan{}, err
	}

	s.log.InfoContext(ctx, "item checked in", "loan_id", loan.ID, "item_id", loan.ItemID)
	return loan, nil
}

func (s *Service) openLoan(ctx context.Context, st circulation.LoanStore, loanID string) (circulation.Loan, error) {
	loan, err := st.GetLoan(ctx, loanID)
	if err != nil {
		return circulation.Loan{}, err
	}
	if !loan.IsOpen() {
		return circulation.Loan{}, circulation.FailedValidation("Loan is closed", "loanId", loanID)
	}
	return loan, nil
}

// =============================================================================
// PREVIEW
// =============================================================================

// DueDatePreview is what a checkout would do now.
type DueDatePreview struct {
	DueDate  time.Time
	Policy   policy.LoanPolicy
	Strategy policy.StrategyKind
}

// PreviewDueDate computes the due date a checkout would get without
// changing anything.
func (s *Service) PreviewDueDate(ctx context.Context, itemID, userID string, loanDate time.Time) (preview DueDatePreview, err error) {
	ctx, span := s.startSpan(ctx, "preview_due_date",
		attribute.String("item.id", itemID),
		attribute.String("user.id", userID))
	defer func() { endSpan(span, err) }()

	if loanDate.IsZero() {
		loanDate = s.now()
	}

	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return DueDatePreview{}, err
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return DueDatePreview{}, err
	}
	queue, err := s.queue(ctx, s.store, itemID)
	if err != nil {
		return DueDatePreview{}, err
	}
	lp, err := s.resolveLoanPolicy(ctx, s.store, item, user)
	if err != nil {
		return DueDatePreview{}, err
	}

	loan := circulation.Loan{ItemID: itemID, UserID: userID, LoanDate: loanDate, Status: circulation.LoanOpen}
	due, err := lp.CalculateInitialDueDate(loan, queue)
	if err != nil {
		return DueDatePreview{}, err
	}
	return DueDatePreview{DueDate: due, Policy: lp, Strategy: lp.Strategy(queue, false, loanDate).Kind()}, nil
}

// =============================================================================
// SHARED LOOKUPS
// =============================================================================

func (s *Service) queue(ctx context.Context, st circulation.RequestStore, itemID string) (circulation.RequestQueue, error) {
	open, err := st.OpenRequestsForItem(ctx, itemID)
	if err != nil {
		return circulation.RequestQueue{}, err
	}
	return circulation.NewRequestQueue(open), nil
}

func (s *Service) resolveLoanPolicy(ctx context.Context, docs circulation.DocumentStore, item circulation.Item, user circulation.User) (policy.LoanPolicy, error) {
	id, err := s.resolver.LoanPolicyID(ctx, rules.CriteriaFor(item, user))
	if err != nil {
		return policy.LoanPolicy{}, fmt.Errorf("failed to resolve loan policy: %w", err)
	}
	lp, err := s.loanPolicy(ctx, docs, id)
	if err != nil {
		return policy.LoanPolicy{}, err
	}
	s.log.DebugContext(ctx, "loan policy resolved", "item_id", item.ID, "policy_id", lp.ID)
	return lp, nil
}

/*
loan_policy.go - Loan policy and the checkout/renew/override/recall rules

PURPOSE:
  A LoanPolicy is the immutable configuration of how an item circulates:
  whether it may be loaned and renewed, how long for (Rolling profile) or
  until when (Fixed profile), how many renewals, and how holds and recalls
  shorten a loan. The operations here are pure: they take the loan, the
  request queue and the system date as inputs and return a new loan or an
  error. Nothing reads the clock.

OPERATIONS:
  CalculateInitialDueDate  checkout due date, consulting the request queue
  Renew                    ordinary renewal, accumulating every violated rule
  OverrideRenewal          operator renewal bypassing limits
  Recall                   shortened due date, bounded by a minimum guarantee

RENEW RULES (all reported together):
  - item is not loanable / loan is not renewable (reported alone)
  - any error from the renewal strategy
  - renewal would not change the due date
  - loan at maximum renewal number

OVERRIDE RENEWAL:
  ┌────────────────────────────────┬───────────────────────────────────────┐
  │ not loanable or not renewable  │ use the given due date (required)     │
  │ strategy failed, Fixed         │ use the given due date (required)     │
  │ strategy failed, Rolling       │ recompute without schedule truncation │
  │ strategy ok, at renewal limit  │ use the computed due date             │
  │ anything else                  │ rejected: ordinary renewal applies    │
  └────────────────────────────────┴───────────────────────────────────────┘

  The two computed paths re-check "renewal would not change the due date".

SEE ALSO:
  - strategy.go: the strategy variants
  - factory package: builds LoanPolicy values from policy documents
*/
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/circulation-engine/circulation"
)

const (
	ProfileRolling = "Rolling"
	ProfileFixed   = "Fixed"
)

const (
	msgNotLoanable           = "item is not loanable"
	msgNotRenewable          = "loan is not renewable"
	msgWouldNotChangeDueDate = "renewal would not change the due date"
	msgMaximumRenewals       = "loan at maximum renewal number"
	msgOverrideDueDate       = "New due date must be specified when due date calculation fails"
	msgOverrideNotMatching   = "Override renewal does not match any of expected cases: " +
		"item is not loanable, " +
		"item is not renewable, " +
		"reached number of renewals limit or " +
		"renewal date falls outside of the date ranges in the loan policy"
)

// Recall period keys, used in recall error messages.
const (
	KeyMinimumGuaranteedLoanPeriod = "minimumGuaranteedLoanPeriod"
	KeyRecallReturnInterval        = "recallReturnInterval"
)

// =============================================================================
// LOAN POLICY
// =============================================================================

type LoanPolicy struct {
	ID          string
	Name        string
	Description string
	Loanable    bool
	Renewable   bool

	// Nil when the policy has no loans section.
	Loans *LoansPolicy

	Renewals RenewalsPolicy
	Holds    HoldsPolicy
	Recalls  RecallsPolicy

	// Resolved from Loans.FixedDueDateScheduleID and
	// Renewals.AlternateFixedDueDateScheduleID. Zero when not configured.
	Schedules                 FixedDueDateSchedule
	AlternateRenewalSchedules FixedDueDateSchedule
}

type LoansPolicy struct {
	ProfileID                        string
	Period                           Period
	FixedDueDateScheduleID           string
	ClosedLibraryDueDateManagementID string
}

type RenewalsPolicy struct {
	Unlimited                       bool
	NumberAllowed                   int
	DifferentPeriod                 bool
	RenewFromID                     string
	Period                          Period
	AlternateFixedDueDateScheduleID string
}

type HoldsPolicy struct {
	AlternateCheckoutLoanPeriod *Period
}

type RecallsPolicy struct {
	MinimumGuaranteedLoanPeriod *Period
	RecallReturnInterval        *Period
}

// WithSchedules returns a copy using the given checkout schedule.
func (p LoanPolicy) WithSchedules(s FixedDueDateSchedule) LoanPolicy {
	p.Schedules = s
	return p
}

// WithAlternateRenewalSchedules returns a copy using the given renewal schedule.
func (p LoanPolicy) WithAlternateRenewalSchedules(s FixedDueDateSchedule) LoanPolicy {
	p.AlternateRenewalSchedules = s
	return p
}

func (p LoanPolicy) ref() policyRef { return policyRef{id: p.ID, name: p.Name} }

func (p LoanPolicy) isProfile(profile string) bool {
	return p.Loans != nil && strings.EqualFold(p.Loans.ProfileID, profile)
}

func (p LoanPolicy) IsRolling() bool { return p.isProfile(ProfileRolling) }
func (p LoanPolicy) IsFixed() bool   { return p.isProfile(ProfileFixed) }

func (p LoanPolicy) UnlimitedRenewals() bool { return p.Renewals.Unlimited }
func (p LoanPolicy) RenewalLimit() int       { return p.Renewals.NumberAllowed }

func (p LoanPolicy) reachedRenewalLimit(loan circulation.Loan) bool {
	return !p.Renewals.Unlimited && loan.RenewalCount >= p.Renewals.NumberAllowed
}

func (p LoanPolicy) failure(message string) error {
	return p.ref().fail(message)
}

// =============================================================================
// STRATEGY SELECTION
// =============================================================================

// IsAlternateDueDateSchedule reports whether a hold is waiting behind the
// request currently being served: an alternate checkout period is
// configured and the second request in the queue is an unfilled hold.
func (p LoanPolicy) IsAlternateDueDateSchedule(queue circulation.RequestQueue) bool {
	if p.Holds.AlternateCheckoutLoanPeriod == nil {
		return false
	}
	next, ok := queue.At(1)
	if !ok {
		return false
	}
	return next.Type == circulation.RequestHold && next.Status == circulation.RequestOpenNotYetFilled
}

// Strategy selects the due date strategy for a checkout or renewal.
func (p LoanPolicy) Strategy(queue circulation.RequestQueue, isRenewal bool, systemDate time.Time) DueDateStrategy {
	ref := p.ref()

	if p.Loans == nil {
		return unknown{policyRef: ref, isRenewal: isRenewal}
	}

	switch {
	case p.IsRolling():
		if isRenewal {
			return p.rollingRenewal(systemDate, false)
		}
		period := p.Loans.Period
		if p.IsAlternateDueDateSchedule(queue) {
			period = *p.Holds.AlternateCheckoutLoanPeriod
		}
		return rollingCheckout{policyRef: ref, period: period, schedule: p.Schedules}

	case p.IsFixed():
		if isRenewal {
			return fixedRenewal{policyRef: ref, schedule: p.renewalFixedSchedules(), systemDate: systemDate}
		}
		if p.IsAlternateDueDateSchedule(queue) {
			return rollingCheckout{policyRef: ref, period: *p.Holds.AlternateCheckoutLoanPeriod, schedule: p.Schedules}
		}
		return fixedCheckout{policyRef: ref, schedule: p.Schedules}

	default:
		return unknown{policyRef: ref, profileID: p.Loans.ProfileID, isRenewal: isRenewal}
	}
}

func (p LoanPolicy) rollingRenewal(systemDate time.Time, override bool) rollingRenewal {
	return rollingRenewal{
		policyRef:      p.ref(),
		period:         p.renewalPeriod(),
		renewFrom:      p.Renewals.RenewFromID,
		systemDate:     systemDate,
		schedule:       p.renewalLimitSchedules(),
		skipTruncation: override,
	}
}

func (p LoanPolicy) renewalPeriod() Period {
	if p.Renewals.DifferentPeriod {
		return p.Renewals.Period
	}
	return p.Loans.Period
}

// renewalLimitSchedules caps rolling renewals. The alternate renewal
// schedule applies only when a different renewal period is used and the
// schedule is configured.
func (p LoanPolicy) renewalLimitSchedules() FixedDueDateSchedule {
	if p.Renewals.DifferentPeriod && p.AlternateRenewalSchedules.Configured() {
		return p.AlternateRenewalSchedules
	}
	return p.Schedules
}

func (p LoanPolicy) renewalFixedSchedules() FixedDueDateSchedule {
	if p.Renewals.DifferentPeriod {
		return p.AlternateRenewalSchedules
	}
	return p.Schedules
}

// ScheduleLimit returns the fixed schedule limit that applies to a loan
// made at loanDate, if any.
func (p LoanPolicy) ScheduleLimit(loanDate time.Time, isRenewal bool, systemDate time.Time) (time.Time, bool) {
	switch {
	case p.IsRolling() && isRenewal:
		return p.renewalLimitSchedules().FindDueDateFor(loanDate)
	case p.IsRolling(), p.IsFixed() && !isRenewal:
		return p.Schedules.FindDueDateFor(loanDate)
	case p.IsFixed():
		return p.renewalFixedSchedules().FindDueDateFor(systemDate)
	default:
		return time.Time{}, false
	}
}

// DueDateManagement returns what happens to a due date that falls on a
// closed day.
func (p LoanPolicy) DueDateManagement() DueDateManagement {
	if p.Loans == nil {
		return KeepCurrentDueDateTime
	}
	return ParseDueDateManagement(p.Loans.ClosedLibraryDueDateManagementID)
}

// =============================================================================
// CHECKOUT
// =============================================================================

// CalculateInitialDueDate computes the due date of a new loan.
func (p LoanPolicy) CalculateInitialDueDate(loan circulation.Loan, queue circulation.RequestQueue) (due time.Time, err error) {
	defer func() { circulation.RecoverServerError(recover(), &err) }()

	return p.Strategy(queue, false, loan.LoanDate).CalculateDueDate(loan)
}

// =============================================================================
// RENEWAL
// =============================================================================

// Renew renews the loan at systemDate. Every violated rule is returned in
// one circulation.ValidationErrors.
func (p LoanPolicy) Renew(loan circulation.Loan, systemDate time.Time) (renewed circulation.Loan, err error) {
	defer func() { circulation.RecoverServerError(recover(), &err) }()

	if !p.Loanable {
		return circulation.Loan{}, p.failure(msgNotLoanable)
	}
	if !p.Renewable {
		return circulation.Loan{}, p.failure(msgNotRenewable)
	}

	proposed, calcErr := p.Strategy(circulation.RequestQueue{}, true, systemDate).CalculateDueDate(loan)

	var errs circulation.ValidationErrors
	if calcErr != nil {
		strategyErrs, ok := circulation.ValidationErrorsOf(calcErr)
		if !ok {
			return circulation.Loan{}, &circulation.ServerError{Cause: calcErr}
		}
		errs = append(errs, strategyErrs...)
	} else if !proposed.After(loan.DueDate) {
		errs = append(errs, p.ref().validationError(msgWouldNotChangeDueDate, nil))
	}

	if p.reachedRenewalLimit(loan) {
		errs = append(errs, p.ref().validationError(msgMaximumRenewals, nil))
	}

	if len(errs) > 0 {
		return circulation.Loan{}, errs
	}
	return loan.Renew(proposed, p.ID), nil
}

// OverrideRenewal renews the loan on an operator's behalf. overrideDueDate
// is required whenever the due date cannot be computed from the policy.
func (p LoanPolicy) OverrideRenewal(loan circulation.Loan, systemDate time.Time, overrideDueDate *time.Time, comment string) (renewed circulation.Loan, err error) {
	defer func() { circulation.RecoverServerError(recover(), &err) }()

	if !p.Loanable || !p.Renewable {
		return p.overrideToDueDate(loan, overrideDueDate, comment)
	}

	proposed, calcErr := p.Strategy(circulation.RequestQueue{}, true, systemDate).CalculateDueDate(loan)

	switch {
	case calcErr != nil && p.IsFixed():
		return p.overrideToDueDate(loan, overrideDueDate, comment)

	case calcErr != nil && p.IsRolling():
		due, overrideErr := p.rollingRenewal(systemDate, true).CalculateDueDate(loan)
		return p.processOverride(loan, due, overrideErr, comment)

	case calcErr == nil && p.reachedRenewalLimit(loan):
		return p.processOverride(loan, proposed, nil, comment)

	default:
		return circulation.Loan{}, p.failure(msgOverrideNotMatching)
	}
}

func (p LoanPolicy) overrideToDueDate(loan circulation.Loan, dueDate *time.Time, comment string) (circulation.Loan, error) {
	if dueDate == nil {
		return circulation.Loan{}, circulation.FailedValidation(msgOverrideDueDate, "dueDate", "null")
	}
	return loan.OverrideRenewal(*dueDate, p.ID, comment), nil
}

func (p LoanPolicy) processOverride(loan circulation.Loan, due time.Time, err error, comment string) (circulation.Loan, error) {
	if err != nil {
		return circulation.Loan{}, err
	}
	if !due.After(loan.DueDate) {
		return circulation.Loan{}, p.failure(msgWouldNotChangeDueDate)
	}
	return loan.OverrideRenewal(due, p.ID, comment), nil
}

// =============================================================================
// RECALL
// =============================================================================

// Recall shortens the loan to systemDate plus the recall return interval,
// but never before loan date plus the minimum guaranteed loan period.
// An unset return interval recalls to systemDate; an unset minimum puts no
// bound on the recall.
func (p LoanPolicy) Recall(loan circulation.Loan, systemDate time.Time) (recalled circulation.Loan, err error) {
	defer func() { circulation.RecoverServerError(recover(), &err) }()

	minimum, minimumErr := p.recallDate(KeyMinimumGuaranteedLoanPeriod,
		p.Recalls.MinimumGuaranteedLoanPeriod, loan.LoanDate, nil)
	recall, recallErr := p.recallDate(KeyRecallReturnInterval,
		p.Recalls.RecallReturnInterval, systemDate, &systemDate)

	var errs circulation.ValidationErrors
	for _, e := range []error{recallErr, minimumErr} {
		if e == nil {
			continue
		}
		verrs, ok := circulation.ValidationErrorsOf(e)
		if !ok {
			return circulation.Loan{}, &circulation.ServerError{Cause: e}
		}
		errs = append(errs, verrs...)
	}
	if len(errs) > 0 {
		return circulation.Loan{}, errs
	}

	due := *recall
	if minimum != nil && !recall.After(*minimum) {
		due = *minimum
	}
	return loan.ChangeDueDate(due), nil
}

func (p LoanPolicy) recallDate(key string, period *Period, base time.Time, fallback *time.Time) (*time.Time, error) {
	if period == nil {
		return fallback, nil
	}
	due, err := period.AddTo(base)
	if err == nil {
		return &due, nil
	}

	message := fmt.Sprintf("the %q in the loan policy is not recognized", key)
	switch e := err.(type) {
	case *IntervalError:
		message = fmt.Sprintf("the interval %q in %q is not recognized", e.IntervalID, key)
	case *DurationError:
		message = fmt.Sprintf("the duration %q in %q is invalid", e.Duration, key)
	}
	return nil, circulation.ValidationErrors{p.ref().validationError(message, err)}
}

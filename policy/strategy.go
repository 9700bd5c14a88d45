/*
strategy.go - Due date strategies

PURPOSE:
  A DueDateStrategy turns a loan into a due date, or into a policy error.
  The set of strategies is closed; LoanPolicy.Strategy picks one from the
  policy profile, whether this is a renewal, and whether a hold is waiting.

SELECTION:
  ┌──────────┬───────────┬───────────┬──────────────────────────────────────┐
  │ profile  │ renewal   │ alternate │ strategy                             │
  ├──────────┼───────────┼───────────┼──────────────────────────────────────┤
  │ Rolling  │ no        │ no        │ rollingCheckout(loan period)         │
  │ Rolling  │ no        │ yes       │ rollingCheckout(alternate period)    │
  │ Rolling  │ yes       │ -         │ rollingRenewal                       │
  │ Fixed    │ no        │ no        │ fixedCheckout                        │
  │ Fixed    │ no        │ yes       │ rollingCheckout(alternate period)    │
  │ Fixed    │ yes       │ -         │ fixedRenewal                         │
  │ other    │ any       │ -         │ unknown (always fails)               │
  └──────────┴───────────┴───────────┴──────────────────────────────────────┘

  The override renewal path uses rollingRenewal with truncation skipped.

ERRORS:
  Every failure is a circulation.ValidationErrors holding one error with
  the loanPolicyId and loanPolicyName parameters.
*/
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/warp/circulation-engine/circulation"
)

// StrategyKind names a strategy variant.
type StrategyKind string

const (
	KindRollingCheckout        StrategyKind = "RollingCheckout"
	KindFixedCheckout          StrategyKind = "FixedCheckout"
	KindRollingRenewal         StrategyKind = "RollingRenewal"
	KindRollingRenewalOverride StrategyKind = "RollingRenewalOverride"
	KindFixedRenewal           StrategyKind = "FixedRenewal"
	KindUnknown                StrategyKind = "Unknown"
)

// Renew-from ids of a renewals policy.
const (
	RenewFromSystemDate     = "SYSTEM_DATE"
	RenewFromCurrentDueDate = "CURRENT_DUE_DATE"
)

const (
	msgCheckoutOutsideSchedule = "loan date falls outside of the date ranges in the loan policy"
	msgRenewalOutsideSchedule  = "renewal date falls outside of the date ranges in the loan policy"
	msgUnknownRenewFrom        = "cannot determine when to renew from"
	msgMissingLoanPeriod       = "the loan period in the loan policy is not recognised"
)

// DueDateStrategy computes a due date for a loan.
type DueDateStrategy interface {
	Kind() StrategyKind
	CalculateDueDate(loan circulation.Loan) (time.Time, error)
}

// =============================================================================
// POLICY REFERENCE - Identifies the policy in every error
// =============================================================================

type policyRef struct {
	id   string
	name string
}

func (r policyRef) validationError(message string, cause error) *circulation.ValidationError {
	return &circulation.ValidationError{
		Message: message,
		Parameters: []circulation.Parameter{
			{Key: "loanPolicyId", Value: r.id},
			{Key: "loanPolicyName", Value: r.name},
		},
		Cause: cause,
	}
}

func (r policyRef) fail(message string) error {
	return circulation.ValidationErrors{r.validationError(message, nil)}
}

// periodFailure converts a period error into the loan policy message.
func (r policyRef) periodFailure(err error) error {
	var (
		intervalErr *IntervalError
		durationErr *DurationError
	)
	message := msgMissingLoanPeriod
	switch {
	case errors.As(err, &intervalErr):
		message = fmt.Sprintf("the interval %q in the loan policy is not recognised", intervalErr.IntervalID)
	case errors.As(err, &durationErr):
		message = fmt.Sprintf("the duration %q in the loan policy is invalid", durationErr.Duration)
	}
	return circulation.ValidationErrors{r.validationError(message, err)}
}

// =============================================================================
// STRATEGIES
// =============================================================================

type rollingCheckout struct {
	policyRef
	period   Period
	schedule FixedDueDateSchedule
}

func (s rollingCheckout) Kind() StrategyKind { return KindRollingCheckout }

func (s rollingCheckout) CalculateDueDate(loan circulation.Loan) (time.Time, error) {
	due, err := s.period.AddTo(loan.LoanDate)
	if err != nil {
		return time.Time{}, s.periodFailure(err)
	}
	if !s.schedule.Configured() {
		return due, nil
	}
	return s.schedule.TruncateDueDate(due, loan.LoanDate, func() error {
		return s.fail(msgCheckoutOutsideSchedule)
	})
}

type fixedCheckout struct {
	policyRef
	schedule FixedDueDateSchedule
}

func (s fixedCheckout) Kind() StrategyKind { return KindFixedCheckout }

func (s fixedCheckout) CalculateDueDate(loan circulation.Loan) (time.Time, error) {
	if due, ok := s.schedule.FindDueDateFor(loan.LoanDate); ok {
		return due, nil
	}
	return time.Time{}, s.fail(msgCheckoutOutsideSchedule)
}

type rollingRenewal struct {
	policyRef
	period     Period
	renewFrom  string
	systemDate time.Time
	schedule   FixedDueDateSchedule

	// Set on the override path: the schedule limit is ignored.
	skipTruncation bool
}

func (s rollingRenewal) Kind() StrategyKind {
	if s.skipTruncation {
		return KindRollingRenewalOverride
	}
	return KindRollingRenewal
}

func (s rollingRenewal) CalculateDueDate(loan circulation.Loan) (time.Time, error) {
	var base time.Time
	switch s.renewFrom {
	case RenewFromSystemDate:
		base = s.systemDate
	case RenewFromCurrentDueDate:
		base = loan.DueDate
	default:
		return time.Time{}, s.fail(msgUnknownRenewFrom)
	}

	due, err := s.period.AddTo(base)
	if err != nil {
		return time.Time{}, s.periodFailure(err)
	}
	if s.skipTruncation || !s.schedule.Configured() {
		return due, nil
	}
	return s.schedule.TruncateDueDate(due, s.systemDate, func() error {
		return s.fail(msgRenewalOutsideSchedule)
	})
}

type fixedRenewal struct {
	policyRef
	schedule   FixedDueDateSchedule
	systemDate time.Time
}

func (s fixedRenewal) Kind() StrategyKind { return KindFixedRenewal }

func (s fixedRenewal) CalculateDueDate(circulation.Loan) (time.Time, error) {
	if due, ok := s.schedule.FindDueDateFor(s.systemDate); ok {
		return due, nil
	}
	return time.Time{}, s.fail(msgRenewalOutsideSchedule)
}

type unknown struct {
	policyRef
	profileID string
	isRenewal bool
}

func (s unknown) Kind() StrategyKind { return KindUnknown }

func (s unknown) CalculateDueDate(circulation.Loan) (time.Time, error) {
	action := "checked out"
	if s.isRenewal {
		action = "renewed"
	}
	return time.Time{}, s.fail(fmt.Sprintf(
		"Item can't be %s as profile %q in the loan policy is not recognised", action, s.profileID))
}

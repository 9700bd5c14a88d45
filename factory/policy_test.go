package factory_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/factory"
	"github.com/warp/circulation-engine/policy"
)

const rollingPolicyJSON = `{
  "id": "d9cd0bed-1b49-4b5e-a7bd-064b8d177231",
  "name": "Two week loans",
  "loanable": true,
  "renewable": true,
  "loansPolicy": {
    "profileId": "Rolling",
    "period": {"duration": 14, "intervalId": "Days"},
    "fixedDueDateScheduleId": "sched-term",
    "closedLibraryDueDateManagementId": "END_OF_THE_NEXT_OPEN_DAY"
  },
  "renewalsPolicy": {
    "unlimited": false,
    "numberAllowed": 3,
    "renewFromId": "CURRENT_DUE_DATE",
    "differentPeriod": true,
    "period": {"duration": "7", "intervalId": "Days"},
    "alternateFixedDueDateScheduleId": "sched-renewal"
  },
  "requestManagement": {
    "holds": {"alternateCheckoutLoanPeriod": {"duration": 2, "intervalId": "Days"}},
    "recalls": {
      "minimumGuaranteedLoanPeriod": {"duration": 1, "intervalId": "Weeks"},
      "recallReturnInterval": {"duration": 3, "intervalId": "Days"}
    }
  }
}`

const scheduleJSON = `{
  "id": "sched-term",
  "name": "Winter term",
  "schedules": [
    {"from": "2024-01-01T00:00:00Z", "to": "2024-02-01T00:00:00Z", "due": "2024-02-05T00:00:00Z"}
  ]
}`

func TestParseLoanPolicy_FullDocument(t *testing.T) {
	f := factory.NewPolicyFactory()

	p, err := f.ParseLoanPolicy([]byte(rollingPolicyJSON))

	require.NoError(t, err)
	assert.Equal(t, "Two week loans", p.Name)
	assert.True(t, p.IsRolling())
	require.NotNil(t, p.Loans)
	assert.Equal(t, "14 Days", p.Loans.Period.String())
	assert.Equal(t, "loansPolicy.period", p.Loans.Period.Field())
	assert.Equal(t, 7, p.Renewals.Period.Duration())
	assert.Equal(t, 3, p.RenewalLimit())
	assert.Equal(t, policy.MoveToEndOfNextOpenDay, p.DueDateManagement())
	require.NotNil(t, p.Holds.AlternateCheckoutLoanPeriod)
	assert.Equal(t, policy.IntervalDays, p.Holds.AlternateCheckoutLoanPeriod.Interval())
	require.NotNil(t, p.Recalls.MinimumGuaranteedLoanPeriod)
	assert.Equal(t, policy.IntervalWeeks, p.Recalls.MinimumGuaranteedLoanPeriod.Interval())
	assert.False(t, p.Schedules.Configured(), "schedules attached separately")
	assert.Equal(t, []string{"sched-term", "sched-renewal"}, f.ScheduleIDs(p))
}

func TestParseLoanPolicy_BadPeriodFailsOnlyWhenUsed(t *testing.T) {
	// GIVEN: A policy with a fractional duration
	doc := `{"id": "p1", "name": "odd", "loanable": true,
	         "loansPolicy": {"profileId": "Rolling", "period": {"duration": 1.5, "intervalId": "Days"}}}`

	// WHEN
	p, err := factory.NewPolicyFactory().ParseLoanPolicy([]byte(doc))

	// THEN: Loading succeeds, checkout fails with a policy error
	require.NoError(t, err)
	_, err = p.CalculateInitialDueDate(circulation.Loan{LoanDate: time.Now()}, circulation.RequestQueue{})
	errs, ok := circulation.ValidationErrorsOf(err)
	require.True(t, ok)
	assert.Equal(t, []string{`the duration "1.5" in the loan policy is invalid`}, errs.Messages())
}

func TestParseLoanPolicy_Rejections(t *testing.T) {
	f := factory.NewPolicyFactory()

	_, err := f.ParseLoanPolicy([]byte(`{"name": "no id"}`))
	assert.True(t, errors.Is(err, factory.ErrInvalidDocument))

	_, err = f.ParseLoanPolicy([]byte(`{not json`))
	assert.Error(t, err)
}

func TestAttachSchedules(t *testing.T) {
	f := factory.NewPolicyFactory()
	p, err := f.ParseLoanPolicy([]byte(rollingPolicyJSON))
	require.NoError(t, err)
	s, err := f.ParseSchedule([]byte(scheduleJSON))
	require.NoError(t, err)

	p = f.AttachSchedules(p, map[string]policy.FixedDueDateSchedule{s.ID: s})

	assert.True(t, p.Schedules.Configured())
	assert.Equal(t, "Winter term", p.Schedules.Name)
	assert.False(t, p.AlternateRenewalSchedules.Configured(), "unknown id left unconfigured")

	due, err := p.CalculateInitialDueDate(circulation.Loan{
		LoanDate: time.Date(2024, time.January, 28, 0, 0, 0, 0, time.UTC),
	}, circulation.RequestQueue{})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.February, 5, 0, 0, 0, 0, time.UTC), due)
}

func TestLoanPolicyToJSON_RoundTripsThroughDocument(t *testing.T) {
	f := factory.NewPolicyFactory()
	original, err := f.ParseLoanPolicy([]byte(rollingPolicyJSON))
	require.NoError(t, err)

	data, err := json.Marshal(f.LoanPolicyToJSON(original))
	require.NoError(t, err)
	reparsed, err := f.ParseLoanPolicy(data)
	require.NoError(t, err)

	assert.Equal(t, original, reparsed)
}

func TestParseSchedule(t *testing.T) {
	s, err := factory.NewPolicyFactory().ParseSchedule([]byte(scheduleJSON))

	require.NoError(t, err)
	require.Len(t, s.Entries(), 1)
	due, ok := s.FindDueDateFor(time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC))
	assert.True(t, ok)
	assert.Equal(t, time.Date(2024, time.February, 5, 0, 0, 0, 0, time.UTC), due)

	_, err = factory.NewPolicyFactory().ParseSchedule([]byte(`{"schedules": []}`))
	assert.ErrorIs(t, err, factory.ErrInvalidDocument)
}

func TestParseRequestPolicy(t *testing.T) {
	f := factory.NewPolicyFactory()

	rp, err := f.ParseRequestPolicy([]byte(`{"id": "rp1", "name": "Holds only", "requestTypes": ["Hold"]}`))
	require.NoError(t, err)
	assert.True(t, rp.Allows(circulation.RequestHold))
	assert.False(t, rp.Allows(circulation.RequestPage))
	assert.Equal(t, []string{"Hold"}, f.RequestPolicyToJSON(rp).RequestTypes)

	_, err = f.ParseRequestPolicy([]byte(`{"id": "rp2", "requestTypes": ["Delivery"]}`))
	assert.ErrorIs(t, err, factory.ErrInvalidDocument)
}

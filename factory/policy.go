/*
Package factory provides JSON to Go policy conversion.

PURPOSE:
  Converts loan policy, request policy and fixed due date schedule
  documents into immutable policy values, and back again. Circulation
  staff configure policies as JSON documents; the engine never sees JSON.

LOAN POLICY SCHEMA:
  {
    "id": "e3b1...",
    "name": "Two week loans",
    "loanable": true,
    "renewable": true,
    "loansPolicy": {
      "profileId": "Rolling",
      "period": {"duration": 14, "intervalId": "Days"},
      "fixedDueDateScheduleId": "6c7f...",
      "closedLibraryDueDateManagementId": "CURRENT_DUE_DATE"
    },
    "renewalsPolicy": {
      "unlimited": false,
      "numberAllowed": 3,
      "renewFromId": "CURRENT_DUE_DATE",
      "differentPeriod": true,
      "period": {"duration": 7, "intervalId": "Days"},
      "alternateFixedDueDateScheduleId": "9a2d..."
    },
    "requestManagement": {
      "holds":   {"alternateCheckoutLoanPeriod": {"duration": 2, "intervalId": "Days"}},
      "recalls": {"minimumGuaranteedLoanPeriod": {"duration": 1, "intervalId": "Weeks"},
                  "recallReturnInterval":        {"duration": 3, "intervalId": "Days"}}
    }
  }

TOLERANCE:
  Periods are carried as text. A duration of "1.5" or an interval of
  "Fortnights" parses fine and only fails when a due date is computed, so a
  bad policy yields a policy error at checkout instead of being unloadable.

USAGE:
  factory := NewPolicyFactory()
  loanPolicy, err := factory.ParseLoanPolicy(doc)
  schedule, err := factory.ParseSchedule(scheduleDoc)
  loanPolicy = factory.AttachSchedules(loanPolicy, map[string]policy.FixedDueDateSchedule{
      schedule.ID: schedule,
  })

SEE ALSO:
  - policy/loan_policy.go: LoanPolicy type definition
*/
package factory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/policy"
)

// ErrInvalidDocument is returned for documents that cannot be used at all.
var ErrInvalidDocument = errors.New("invalid policy document")

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// LoanPolicyJSON is the JSON representation of a loan policy.
type LoanPolicyJSON struct {
	ID                string                 `json:"id"`
	Name              string                 `json:"name"`
	Description       string                 `json:"description,omitempty"`
	Loanable          bool                   `json:"loanable"`
	Renewable         bool                   `json:"renewable"`
	LoansPolicy       *LoansPolicyJSON       `json:"loansPolicy,omitempty"`
	RenewalsPolicy    *RenewalsPolicyJSON    `json:"renewalsPolicy,omitempty"`
	RequestManagement *RequestManagementJSON `json:"requestManagement,omitempty"`
}

type LoansPolicyJSON struct {
	ProfileID                        string      `json:"profileId,omitempty"`
	Period                           *PeriodJSON `json:"period,omitempty"`
	FixedDueDateScheduleID           string      `json:"fixedDueDateScheduleId,omitempty"`
	ClosedLibraryDueDateManagementID string      `json:"closedLibraryDueDateManagementId,omitempty"`
}

type RenewalsPolicyJSON struct {
	Unlimited                       bool        `json:"unlimited"`
	NumberAllowed                   int         `json:"numberAllowed,omitempty"`
	RenewFromID                     string      `json:"renewFromId,omitempty"`
	DifferentPeriod                 bool        `json:"differentPeriod"`
	Period                          *PeriodJSON `json:"period,omitempty"`
	AlternateFixedDueDateScheduleID string      `json:"alternateFixedDueDateScheduleId,omitempty"`
}

type RequestManagementJSON struct {
	Holds   *HoldsJSON   `json:"holds,omitempty"`
	Recalls *RecallsJSON `json:"recalls,omitempty"`
}

type HoldsJSON struct {
	AlternateCheckoutLoanPeriod *PeriodJSON `json:"alternateCheckoutLoanPeriod,omitempty"`
}

type RecallsJSON struct {
	MinimumGuaranteedLoanPeriod *PeriodJSON `json:"minimumGuaranteedLoanPeriod,omitempty"`
	RecallReturnInterval        *PeriodJSON `json:"recallReturnInterval,omitempty"`
}

// PeriodJSON is a duration and interval id.
type PeriodJSON struct {
	Duration   DurationText `json:"duration,omitempty"`
	IntervalID string       `json:"intervalId,omitempty"`
}

// DurationText accepts a JSON number or string and keeps its text.
type DurationText string

func (d *DurationText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*d = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*d = DurationText(s)
		return nil
	}
	*d = DurationText(data)
	return nil
}

func (d DurationText) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(d), 10, 64); err == nil {
		return []byte(d), nil
	}
	return json.Marshal(string(d))
}

// ScheduleJSON is the JSON representation of a fixed due date schedule.
type ScheduleJSON struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Schedules   []ScheduleEntryJSON `json:"schedules"`
}

type ScheduleEntryJSON struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
	Due  time.Time `json:"due"`
}

// RequestPolicyJSON is the JSON representation of a request policy.
type RequestPolicyJSON struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	RequestTypes []string `json:"requestTypes"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON documents to policy values.
type PolicyFactory struct{}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParseLoanPolicy parses a loan policy document. Schedules are not
// attached; see AttachSchedules.
func (f *PolicyFactory) ParseLoanPolicy(data []byte) (policy.LoanPolicy, error) {
	var pj LoanPolicyJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return policy.LoanPolicy{}, fmt.Errorf("failed to parse loan policy JSON: %w", err)
	}
	if pj.ID == "" {
		return policy.LoanPolicy{}, fmt.Errorf("%w: loan policy id is required", ErrInvalidDocument)
	}
	return f.LoanPolicyFromJSON(pj), nil
}

// LoanPolicyFromJSON converts LoanPolicyJSON to a policy.LoanPolicy.
func (f *PolicyFactory) LoanPolicyFromJSON(pj LoanPolicyJSON) policy.LoanPolicy {
	p := policy.LoanPolicy{
		ID:          pj.ID,
		Name:        pj.Name,
		Description: pj.Description,
		Loanable:    pj.Loanable,
		Renewable:   pj.Renewable,
	}

	if lj := pj.LoansPolicy; lj != nil {
		p.Loans = &policy.LoansPolicy{
			ProfileID:                        lj.ProfileID,
			Period:                           parsePeriod(lj.Period, "loansPolicy.period"),
			FixedDueDateScheduleID:           lj.FixedDueDateScheduleID,
			ClosedLibraryDueDateManagementID: lj.ClosedLibraryDueDateManagementID,
		}
	}

	if rj := pj.RenewalsPolicy; rj != nil {
		p.Renewals = policy.RenewalsPolicy{
			Unlimited:                       rj.Unlimited,
			NumberAllowed:                   rj.NumberAllowed,
			DifferentPeriod:                 rj.DifferentPeriod,
			RenewFromID:                     rj.RenewFromID,
			Period:                          parsePeriod(rj.Period, "renewalsPolicy.period"),
			AlternateFixedDueDateScheduleID: rj.AlternateFixedDueDateScheduleID,
		}
	}

	if rm := pj.RequestManagement; rm != nil {
		if rm.Holds != nil {
			p.Holds.AlternateCheckoutLoanPeriod = optionalPeriod(rm.Holds.AlternateCheckoutLoanPeriod,
				"alternateCheckoutLoanPeriod")
		}
		if rm.Recalls != nil {
			p.Recalls.MinimumGuaranteedLoanPeriod = optionalPeriod(rm.Recalls.MinimumGuaranteedLoanPeriod,
				policy.KeyMinimumGuaranteedLoanPeriod)
			p.Recalls.RecallReturnInterval = optionalPeriod(rm.Recalls.RecallReturnInterval,
				policy.KeyRecallReturnInterval)
		}
	}

	return p
}

// LoanPolicyToJSON converts a policy.LoanPolicy back to its document form.
func (f *PolicyFactory) LoanPolicyToJSON(p policy.LoanPolicy) LoanPolicyJSON {
	pj := LoanPolicyJSON{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Loanable:    p.Loanable,
		Renewable:   p.Renewable,
		RenewalsPolicy: &RenewalsPolicyJSON{
			Unlimited:                       p.Renewals.Unlimited,
			NumberAllowed:                   p.Renewals.NumberAllowed,
			RenewFromID:                     p.Renewals.RenewFromID,
			DifferentPeriod:                 p.Renewals.DifferentPeriod,
			Period:                          periodJSON(&p.Renewals.Period),
			AlternateFixedDueDateScheduleID: p.Renewals.AlternateFixedDueDateScheduleID,
		},
	}

	if p.Loans != nil {
		pj.LoansPolicy = &LoansPolicyJSON{
			ProfileID:                        p.Loans.ProfileID,
			Period:                           periodJSON(&p.Loans.Period),
			FixedDueDateScheduleID:           p.Loans.FixedDueDateScheduleID,
			ClosedLibraryDueDateManagementID: p.Loans.ClosedLibraryDueDateManagementID,
		}
	}

	holds := periodJSON(p.Holds.AlternateCheckoutLoanPeriod)
	minimum := periodJSON(p.Recalls.MinimumGuaranteedLoanPeriod)
	recall := periodJSON(p.Recalls.RecallReturnInterval)
	if holds != nil || minimum != nil || recall != nil {
		pj.RequestManagement = &RequestManagementJSON{}
		if holds != nil {
			pj.RequestManagement.Holds = &HoldsJSON{AlternateCheckoutLoanPeriod: holds}
		}
		if minimum != nil || recall != nil {
			pj.RequestManagement.Recalls = &RecallsJSON{
				MinimumGuaranteedLoanPeriod: minimum,
				RecallReturnInterval:        recall,
			}
		}
	}

	return pj
}

// AttachSchedules resolves the policy's schedule ids against schedules.
// Unknown or empty ids leave the corresponding schedule unconfigured.
func (f *PolicyFactory) AttachSchedules(p policy.LoanPolicy, schedules map[string]policy.FixedDueDateSchedule) policy.LoanPolicy {
	if p.Loans != nil {
		if s, ok := schedules[p.Loans.FixedDueDateScheduleID]; ok && p.Loans.FixedDueDateScheduleID != "" {
			p = p.WithSchedules(s)
		}
	}
	if id := p.Renewals.AlternateFixedDueDateScheduleID; id != "" {
		if s, ok := schedules[id]; ok {
			p = p.WithAlternateRenewalSchedules(s)
		}
	}
	return p
}

// ScheduleIDs returns the schedule ids the policy refers to.
func (f *PolicyFactory) ScheduleIDs(p policy.LoanPolicy) []string {
	var ids []string
	if p.Loans != nil && p.Loans.FixedDueDateScheduleID != "" {
		ids = append(ids, p.Loans.FixedDueDateScheduleID)
	}
	if id := p.Renewals.AlternateFixedDueDateScheduleID; id != "" {
		ids = append(ids, id)
	}
	return ids
}

// =============================================================================
// SCHEDULES
// =============================================================================

// ParseSchedule parses a fixed due date schedule document.
func (f *PolicyFactory) ParseSchedule(data []byte) (policy.FixedDueDateSchedule, error) {
	var sj ScheduleJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return policy.FixedDueDateSchedule{}, fmt.Errorf("failed to parse schedule JSON: %w", err)
	}
	if sj.ID == "" {
		return policy.FixedDueDateSchedule{}, fmt.Errorf("%w: schedule id is required", ErrInvalidDocument)
	}
	return f.ScheduleFromJSON(sj), nil
}

func (f *PolicyFactory) ScheduleFromJSON(sj ScheduleJSON) policy.FixedDueDateSchedule {
	entries := make([]policy.ScheduleEntry, len(sj.Schedules))
	for i, e := range sj.Schedules {
		entries[i] = policy.ScheduleEntry{From: e.From, To: e.To, Due: e.Due}
	}
	return policy.NewFixedDueDateSchedule(sj.ID, sj.Name, entries)
}

func (f *PolicyFactory) ScheduleToJSON(s policy.FixedDueDateSchedule) ScheduleJSON {
	sj := ScheduleJSON{ID: s.ID, Name: s.Name, Schedules: []ScheduleEntryJSON{}}
	for _, e := range s.Entries() {
		sj.Schedules = append(sj.Schedules, ScheduleEntryJSON{From: e.From, To: e.To, Due: e.Due})
	}
	return sj
}

// =============================================================================
// REQUEST POLICIES
// =============================================================================

// ParseRequestPolicy parses a request policy document.
func (f *PolicyFactory) ParseRequestPolicy(data []byte) (policy.RequestPolicy, error) {
	var rj RequestPolicyJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return policy.RequestPolicy{}, fmt.Errorf("failed to parse request policy JSON: %w", err)
	}
	if rj.ID == "" {
		return policy.RequestPolicy{}, fmt.Errorf("%w: request policy id is required", ErrInvalidDocument)
	}
	return f.RequestPolicyFromJSON(rj)
}

func (f *PolicyFactory) RequestPolicyFromJSON(rj RequestPolicyJSON) (policy.RequestPolicy, error) {
	rp := policy.RequestPolicy{ID: rj.ID, Name: rj.Name, Description: rj.Description}
	for _, name := range rj.RequestTypes {
		t, ok := circulation.ParseRequestType(name)
		if !ok {
			return policy.RequestPolicy{}, fmt.Errorf("%w: unknown request type %q", ErrInvalidDocument, name)
		}
		rp.RequestTypes = append(rp.RequestTypes, t)
	}
	return rp, nil
}

func (f *PolicyFactory) RequestPolicyToJSON(rp policy.RequestPolicy) RequestPolicyJSON {
	rj := RequestPolicyJSON{ID: rp.ID, Name: rp.Name, Description: rp.Description, RequestTypes: []string{}}
	for _, t := range rp.RequestTypes {
		rj.RequestTypes = append(rj.RequestTypes, string(t))
	}
	return rj
}

// =============================================================================
// HELPERS
// =============================================================================

func parsePeriod(pj *PeriodJSON, field string) policy.Period {
	if pj == nil {
		return policy.Period{}
	}
	return policy.ParsePeriod(string(pj.Duration), pj.IntervalID, field)
}

func optionalPeriod(pj *PeriodJSON, field string) *policy.Period {
	if pj == nil {
		return nil
	}
	p := parsePeriod(pj, field)
	return &p
}

func periodJSON(p *policy.Period) *PeriodJSON {
	if p == nil || (p.DurationText() == "" && p.IntervalID() == "") {
		return nil
	}
	return &PeriodJSON{Duration: DurationText(p.DurationText()), IntervalID: p.IntervalID()}
}

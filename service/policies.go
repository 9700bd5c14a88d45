package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/policy"
)

// =============================================================================
// POLICY DOCUMENTS
// =============================================================================

// SaveLoanPolicy stores a loan policy document under id and refreshes the
// cache. The document's own id must match.
func (s *Service) SaveLoanPolicy(ctx context.Context, id string, body []byte) (policy.LoanPolicy, error) {
	p, err := s.factory.ParseLoanPolicy(body)
	if err != nil {
		return policy.LoanPolicy{}, invalidDocument(circulation.DocumentLoanPolicy, id, err)
	}
	if p.ID != id {
		return policy.LoanPolicy{}, idMismatch(id, p.ID)
	}
	if err := s.saveDocument(ctx, circulation.DocumentLoanPolicy, id, body); err != nil {
		return policy.LoanPolicy{}, err
	}
	return s.loanPolicy(ctx, s.store, id)
}

// SaveRequestPolicy stores a request policy document under id.
func (s *Service) SaveRequestPolicy(ctx context.Context, id string, body []byte) (policy.RequestPolicy, error) {
	p, err := s.factory.ParseRequestPolicy(body)
	if err != nil {
		return policy.RequestPolicy{}, invalidDocument(circulation.DocumentRequestPolicy, id, err)
	}
	if p.ID != id {
		return policy.RequestPolicy{}, idMismatch(id, p.ID)
	}
	if err := s.saveDocument(ctx, circulation.DocumentRequestPolicy, id, body); err != nil {
		return policy.RequestPolicy{}, err
	}
	return p, nil
}

// SaveSchedule stores a fixed due date schedule document under id. Loan
// policies referring to it pick it up on the refresh that follows.
func (s *Service) SaveSchedule(ctx context.Context, id string, body []byte) (policy.FixedDueDateSchedule, error) {
	schedule, err := s.factory.ParseSchedule(body)
	if err != nil {
		return policy.FixedDueDateSchedule{}, invalidDocument(circulation.DocumentSchedule, id, err)
	}
	if schedule.ID != id {
		return policy.FixedDueDateSchedule{}, idMismatch(id, schedule.ID)
	}
	if err := s.saveDocument(ctx, circulation.DocumentSchedule, id, body); err != nil {
		return policy.FixedDueDateSchedule{}, err
	}
	return schedule, nil
}

func (s *Service) saveDocument(ctx context.Context, kind circulation.DocumentKind, id string, body []byte) error {
	if err := s.store.SaveDocument(ctx, kind, id, body); err != nil {
		return err
	}
	return s.RefreshPolicies(ctx)
}

func invalidDocument(kind circulation.DocumentKind, id string, err error) error {
	return circulation.ValidationErrors{{
		Message:    fmt.Sprintf("invalid %s: %v", kind, err),
		Parameters: []circulation.Parameter{{Key: "id", Value: id}},
		Cause:      err,
	}}
}

func idMismatch(pathID, documentID string) error {
	return circulation.FailedValidation(
		fmt.Sprintf("id %q in the document does not match %q", documentID, pathID), "id", documentID)
}

// LoanPolicies returns the cached loan policies ordered by name.
func (s *Service) LoanPolicies() []policy.LoanPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]policy.LoanPolicy, 0, len(s.loanPolicies))
	for _, p := range s.loanPolicies {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// LoanPolicy returns a loan policy with its schedules attached.
func (s *Service) LoanPolicy(ctx context.Context, id string) (policy.LoanPolicy, error) {
	return s.loanPolicy(ctx, s.store, id)
}

// =============================================================================
// CACHE
// =============================================================================

// RefreshPolicies reparses every stored policy and schedule and replaces
// the cache. Documents that no longer parse are skipped with a warning.
func (s *Service) RefreshPolicies(ctx context.Context) (err error) {
	ctx, span := s.startSpan(ctx, "refresh_policies")
	defer func() { endSpan(span, err) }()

	schedules, err := s.loadSchedules(ctx, s.store)
	if err != nil {
		return err
	}

	loanDocs, err := s.store.ListDocuments(ctx, circulation.DocumentLoanPolicy)
	if err != nil {
		return fmt.Errorf("failed to list loan policies: %w", err)
	}
	loanPolicies := make(map[string]policy.LoanPolicy, len(loanDocs))
	for id, body := range loanDocs {
		p, err := s.factory.ParseLoanPolicy(body)
		if err != nil {
			s.log.WarnContext(ctx, "skipping invalid loan policy", "policy_id", id, "error", err)
			continue
		}
		loanPolicies[p.ID] = s.factory.AttachSchedules(p, schedules)
	}

	requestDocs, err := s.store.ListDocuments(ctx, circulation.DocumentRequestPolicy)
	if err != nil {
		return fmt.Errorf("failed to list request policies: %w", err)
	}
	requestPolicies := make(map[string]policy.RequestPolicy, len(requestDocs))
	for id, body := range requestDocs {
		p, err := s.factory.ParseRequestPolicy(body)
		if err != nil {
			s.log.WarnContext(ctx, "skipping invalid request policy", "policy_id", id, "error", err)
			continue
		}
		requestPolicies[p.ID] = p
	}

	s.mu.Lock()
	s.loanPolicies = loanPolicies
	s.requestPolicies = requestPolicies
	s.generation++
	s.mu.Unlock()

	s.log.DebugContext(ctx, "policies refreshed",
		"loan_policies", len(loanPolicies),
		"request_policies", len(requestPolicies),
		"schedules", len(schedules))
	return nil
}

func (s *Service) loadSchedules(ctx context.Context, docs circulation.DocumentStore) (map[string]policy.FixedDueDateSchedule, error) {
	bodies, err := docs.ListDocuments(ctx, circulation.DocumentSchedule)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	schedules := make(map[string]policy.FixedDueDateSchedule, len(bodies))
	for id, body := range bodies {
		schedule, err := s.factory.ParseSchedule(body)
		if err != nil {
			s.log.WarnContext(ctx, "skipping invalid schedule", "schedule_id", id, "error", err)
			continue
		}
		schedules[schedule.ID] = schedule
	}
	return schedules, nil
}

// loanPolicy reads through the cache to docs.
func (s *Service) loanPolicy(ctx context.Context, docs circulation.DocumentStore, id string) (policy.LoanPolicy, error) {
	s.mu.RLock()
	p, ok := s.loanPolicies[id]
	generation := s.generation
	s.mu.RUnlock()
	if ok {
		return p, nil
	}

	body, err := docs.GetDocument(ctx, circulation.DocumentLoanPolicy, id)
	if err != nil {
		return policy.LoanPolicy{}, fmt.Errorf("loan policy: %w", err)
	}
	p, err = s.factory.ParseLoanPolicy(body)
	if err != nil {
		return policy.LoanPolicy{}, &circulation.ServerError{Cause: fmt.Errorf("stored loan policy %q: %w", id, err)}
	}

	schedules := make(map[string]policy.FixedDueDateSchedule)
	for _, scheduleID := range s.factory.ScheduleIDs(p) {
		body, err := docs.GetDocument(ctx, circulation.DocumentSchedule, scheduleID)
		if circulation.IsNotFound(err) {
			continue
		}
		if err != nil {
			return policy.LoanPolicy{}, fmt.Errorf("fixed due date schedule: %w", err)
		}
		schedule, err := s.factory.ParseSchedule(body)
		if err != nil {
			s.log.WarnContext(ctx, "ignoring invalid schedule", "schedule_id", scheduleID, "error", err)
			continue
		}
		schedules[scheduleID] = schedule
	}
	p = s.factory.AttachSchedules(p, schedules)

	s.mu.Lock()
	if s.generation == generation {
		s.loanPolicies[id] = p
	}
	s.mu.Unlock()
	return p, nil
}

func (s *Service) requestPolicy(ctx context.Context, docs circulation.DocumentStore, id string) (policy.RequestPolicy, error) {
	s.mu.RLock()
	p, ok := s.requestPolicies[id]
	generation := s.generation
	s.mu.RUnlock()
	if ok {
		return p, nil
	}

	body, err := docs.GetDocument(ctx, circulation.DocumentRequestPolicy, id)
	if err != nil {
		return policy.RequestPolicy{}, fmt.Errorf("request policy: %w", err)
	}
	p, err = s.factory.ParseRequestPolicy(body)
	if err != nil {
		return policy.RequestPolicy{}, &circulation.ServerError{Cause: fmt.Errorf("stored request policy %q: %w", id, err)}
	}

	s.mu.Lock()
	if s.generation == generation {
		s.requestPolicies[id] = p
	}
	s.mu.Unlock()
	return p, nil
}

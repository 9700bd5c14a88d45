/*
rules.go - Circulation rule resolution

PURPOSE:
  Decides which loan policy and request policy apply to an item and patron
  combination. The engine treats this as an opaque lookup; Table is a simple
  ordered rule table that serves development, tests and single-library
  deployments.

MATCHING:
  Rules are evaluated top to bottom. A rule matches when every criterion it
  names equals the corresponding value. An empty criterion (or "*") matches
  anything. The first matching rule that names the wanted policy wins; the
  fallback applies when no rule matches.

FILE FORMAT (YAML):
  rules:
    - name: Reserve items
      item_type: 1a54b431-2e4f-452d-9cae-9cee66c9a892
      location: fcd64ce1-6995-48f0-840e-89ffa2288371
      loan_policy: 4d0b9c89-0000-4000-8000-000000000001
      request_policy: 4d0b9c89-0000-4000-8000-000000000002
  fallback:
    loan_policy: ...
    request_policy: ...

  LineNumber in a Match is the YAML line of the rule, so operators can find
  the rule that decided an outcome.
*/
package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/warp/circulation-engine/circulation"
	"gopkg.in/yaml.v3"
)

// ErrNoMatchingRule is returned when neither a rule nor the fallback names a policy.
var ErrNoMatchingRule = errors.New("no circulation rule matches")

// Criteria identifies the item and patron being circulated.
type Criteria struct {
	ItemTypeID    string
	LoanTypeID    string
	PatronGroupID string
	LocationID    string
}

// CriteriaFor builds criteria from an item and its borrower or requester.
func CriteriaFor(item circulation.Item, user circulation.User) Criteria {
	return Criteria{
		ItemTypeID:    item.MaterialTypeID,
		LoanTypeID:    item.LoanTypeID,
		PatronGroupID: user.PatronGroupID,
		LocationID:    item.LocationID,
	}
}

// Validate checks that every id is a UUID.
func (c Criteria) Validate() error {
	for _, f := range []struct{ key, value string }{
		{"item_type_id", c.ItemTypeID},
		{"loan_type_id", c.LoanTypeID},
		{"patron_type_id", c.PatronGroupID},
		{"shelving_location_id", c.LocationID},
	} {
		if _, err := uuid.Parse(f.value); err != nil {
			return circulation.FailedValidation(
				fmt.Sprintf("%s is not a valid UUID", f.key), f.key, f.value)
		}
	}
	return nil
}

// Match is one rule that applies to the criteria.
type Match struct {
	PolicyID   string `json:"loanPolicyId"`
	LineNumber int    `json:"circulationRuleLine"`
}

// Resolver decides which policies apply.
type Resolver interface {
	LoanPolicyID(ctx context.Context, c Criteria) (string, error)
	RequestPolicyID(ctx context.Context, c Criteria) (string, error)

	// LoanPolicyMatches lists every applicable loan policy, winner first.
	LoanPolicyMatches(ctx context.Context, c Criteria) ([]Match, error)
}

// =============================================================================
// RULE TABLE
// =============================================================================

// Rule is one line of the table.
type Rule struct {
	Name          string `yaml:"name"`
	ItemType      string `yaml:"item_type"`
	LoanType      string `yaml:"loan_type"`
	PatronGroup   string `yaml:"patron_group"`
	Location      string `yaml:"location"`
	LoanPolicy    string `yaml:"loan_policy"`
	RequestPolicy string `yaml:"request_policy"`

	Line int `yaml:"-"`
}

func (r Rule) matches(c Criteria) bool {
	return matchField(r.ItemType, c.ItemTypeID) &&
		matchField(r.LoanType, c.LoanTypeID) &&
		matchField(r.PatronGroup, c.PatronGroupID) &&
		matchField(r.Location, c.LocationID)
}

func matchField(want, got string) bool {
	return want == "" || want == "*" || want == got
}

// Table is an ordered rule table. Safe for concurrent use; Reload swaps the
// rules atomically.
type Table struct {
	mu       sync.RWMutex
	rules    []Rule
	fallback Rule
}

// NewTable builds a table from rules in priority order.
func NewTable(rules []Rule, fallback Rule) *Table {
	return &Table{rules: append([]Rule(nil), rules...), fallback: fallback}
}

type document struct {
	Rules    []yaml.Node `yaml:"rules"`
	Fallback yaml.Node   `yaml:"fallback"`
}

// Parse reads a YAML rule table.
func Parse(data []byte) (*Table, error) {
	rules, fallback, err := parse(data)
	if err != nil {
		return nil, err
	}
	return NewTable(rules, fallback), nil
}

// Load reads a YAML rule table from a file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return Parse(data)
}

// Reload replaces the rules with the contents of a file. On error the
// current rules stay in place.
func (t *Table) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read rules file: %w", err)
	}
	rules, fallback, err := parse(data)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = rules
	t.fallback = fallback
	return nil
}

func parse(data []byte) ([]Rule, Rule, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, Rule{}, fmt.Errorf("failed to parse rules: %w", err)
	}

	rules := make([]Rule, 0, len(doc.Rules))
	for i := range doc.Rules {
		var r Rule
		if err := doc.Rules[i].Decode(&r); err != nil {
			return nil, Rule{}, fmt.Errorf("rule at line %d: %w", doc.Rules[i].Line, err)
		}
		if r.LoanPolicy == "" && r.RequestPolicy == "" {
			return nil, Rule{}, fmt.Errorf("rule at line %d names no policy", doc.Rules[i].Line)
		}
		r.Line = doc.Rules[i].Line
		rules = append(rules, r)
	}

	var fallback Rule
	if doc.Fallback.Kind != 0 {
		if err := doc.Fallback.Decode(&fallback); err != nil {
			return nil, Rule{}, fmt.Errorf("fallback at line %d: %w", doc.Fallback.Line, err)
		}
		fallback.Line = doc.Fallback.Line
	}
	return rules, fallback, nil
}

// Rules returns a copy of the rules in priority order.
func (t *Table) Rules() []Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Rule(nil), t.rules...)
}

func (t *Table) LoanPolicyID(ctx context.Context, c Criteria) (string, error) {
	return t.first(c, func(r Rule) string { return r.LoanPolicy }, "loan")
}

func (t *Table) RequestPolicyID(ctx context.Context, c Criteria) (string, error) {
	return t.first(c, func(r Rule) string { return r.RequestPolicy }, "request")
}

func (t *Table) LoanPolicyMatches(ctx context.Context, c Criteria) ([]Match, error) {
	return t.all(c, func(r Rule) string { return r.LoanPolicy }), nil
}

func (t *Table) first(c Criteria, policyOf func(Rule) string, kind string) (string, error) {
	matches := t.all(c, policyOf)
	if len(matches) == 0 {
		return "", fmt.Errorf("%s policy: %w", kind, ErrNoMatchingRule)
	}
	return matches[0].PolicyID, nil
}

func (t *Table) all(c Criteria, policyOf func(Rule) string) []Match {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var matches []Match
	for _, r := range t.rules {
		if id := policyOf(r); id != "" && r.matches(c) {
			matches = append(matches, Match{PolicyID: id, LineNumber: r.Line})
		}
	}
	if id := policyOf(t.fallback); id != "" {
		matches = append(matches, Match{PolicyID: id, LineNumber: t.fallback.Line})
	}
	return matches
}

var _ Resolver = (*Table)(nil)

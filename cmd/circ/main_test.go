package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/rules"
)

const policyDoc = `{
  "id": "p-3w",
  "name": "Three weeks",
  "loanable": true,
  "renewable": true,
  "loansPolicy": {"profileId": "Rolling", "period": {"duration": 3, "intervalId": "Weeks"}},
  "renewalsPolicy": {"numberAllowed": 2, "renewFromId": "CURRENT_DUE_DATE"},
  "requestManagement": {"holds": {"alternateCheckoutLoanPeriod": {"duration": 3, "intervalId": "Days"}}}
}`

const rulesDoc = `rules:
  - name: Books
    item_type: 1a54b431-2e4f-452d-9cae-9cee66c9a892
    loan_policy: p-3w
fallback:
  loan_policy: p-default
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDueDate_Checkout(t *testing.T) {
	policyFile := writeFile(t, "policy.json", policyDoc)

	out, err := execute(t, "due-date", "--json", "--policy", policyFile, "--loan-date", "2024-04-01T12:00:00Z")

	require.NoError(t, err)
	var result dueDateResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, time.Date(2024, 4, 22, 12, 0, 0, 0, time.UTC), result.DueDate)
	assert.Equal(t, "RollingCheckout", result.Strategy)
}

func TestDueDate_HoldWaitingUsesAlternatePeriod(t *testing.T) {
	policyFile := writeFile(t, "policy.json", policyDoc)

	result, err := computeDueDate(dueDateOptions{
		policyFile:  policyFile,
		loanDate:    "2024-04-01T12:00:00Z",
		holdWaiting: true,
	})

	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 4, 12, 0, 0, 0, time.UTC), result.DueDate)
}

func TestDueDate_Renew(t *testing.T) {
	policyFile := writeFile(t, "policy.json", policyDoc)

	result, err := computeDueDate(dueDateOptions{
		policyFile: policyFile,
		loanDate:   "2024-04-01T12:00:00Z",
		renew:      true,
		dueDate:    "2024-04-22T12:00:00Z",
		systemDate: "2024-04-20T09:00:00Z",
	})

	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 13, 12, 0, 0, 0, time.UTC), result.DueDate)
	assert.Equal(t, 1, result.RenewalCount)

	_, err = computeDueDate(dueDateOptions{policyFile: policyFile, renew: true})
	assert.ErrorContains(t, err, "--due-date")
}

func TestDueDate_TableOutput(t *testing.T) {
	policyFile := writeFile(t, "policy.json", policyDoc)

	out, err := execute(t, "due-date", "--policy", policyFile, "--loan-date", "2024-04-01T12:00:00Z")

	require.NoError(t, err)
	assert.Contains(t, out, "Three weeks (p-3w)")
	assert.Contains(t, out, "2024-04-22T12:00:00Z")
}

func TestRulesExplain(t *testing.T) {
	rulesFile := writeFile(t, "rules.yaml", rulesDoc)

	out, err := execute(t, "rules", "explain", "--json", "--rules", rulesFile,
		"--item-type", "1a54b431-2e4f-452d-9cae-9cee66c9a892")

	require.NoError(t, err)
	var matches []rules.Match
	require.NoError(t, json.Unmarshal([]byte(out), &matches))
	require.Len(t, matches, 2)
	assert.Equal(t, rules.Match{PolicyID: "p-3w", LineNumber: 2}, matches[0])
	assert.Equal(t, "p-default", matches[1].PolicyID)

	out, err = execute(t, "rules", "explain", "--rules", rulesFile, "--item-type", "other")
	require.NoError(t, err)
	assert.Contains(t, out, "p-default")
	assert.Contains(t, out, "applies")
}

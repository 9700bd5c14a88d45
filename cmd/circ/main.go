// Command circ evaluates loan policies and circulation rules offline, from
// the same documents the server stores.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/factory"
	"github.com/warp/circulation-engine/policy"
	"github.com/warp/circulation-engine/rules"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "circ",
		Short:         "Circulation policy tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Bool("json", false, "output JSON")
	root.AddCommand(dueDateCmd(), rulesCmd())
	return root
}

// =============================================================================
// DUE DATE
// =============================================================================

type dueDateOptions struct {
	policyFile    string
	scheduleFiles []string
	loanDate      string
	renew         bool
	override      bool
	comment       string
	dueDate       string
	renewals      int
	systemDate    string
	holdWaiting   bool
}

type dueDateResult struct {
	PolicyID     string    `json:"loanPolicyId"`
	PolicyName   string    `json:"loanPolicyName"`
	Strategy     string    `json:"strategy"`
	LoanDate     time.Time `json:"loanDate"`
	DueDate      time.Time `json:"dueDate"`
	RenewalCount int       `json:"renewalCount"`
}

func dueDateCmd() *cobra.Command {
	var opts dueDateOptions
	cmd := &cobra.Command{
		Use:   "due-date",
		Short: "Compute a checkout or renewal due date from a loan policy document",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := computeDueDate(opts)
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd.OutOrStdout(), result)
			}
			renderDueDate(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.policyFile, "policy", "", "loan policy JSON file")
	cmd.Flags().StringSliceVar(&opts.scheduleFiles, "schedule", nil, "fixed due date schedule JSON file (repeatable)")
	cmd.Flags().StringVar(&opts.loanDate, "loan-date", "", "loan date, RFC 3339 (default now)")
	cmd.Flags().BoolVar(&opts.renew, "renew", false, "renew an existing loan instead of checking out")
	cmd.Flags().BoolVar(&opts.override, "override", false, "renew through override (implies --renew)")
	cmd.Flags().StringVar(&opts.comment, "comment", "", "override comment")
	cmd.Flags().StringVar(&opts.dueDate, "due-date", "", "current due date of the loan being renewed, RFC 3339")
	cmd.Flags().IntVar(&opts.renewals, "renewals", 0, "renewals already made")
	cmd.Flags().StringVar(&opts.systemDate, "system-date", "", "date of the renewal, RFC 3339 (default now)")
	cmd.Flags().BoolVar(&opts.holdWaiting, "hold-waiting", false, "another patron's hold waits behind the borrower")
	_ = cmd.MarkFlagRequired("policy")
	return cmd
}

func computeDueDate(opts dueDateOptions) (dueDateResult, error) {
	lp, err := readLoanPolicy(opts.policyFile, opts.scheduleFiles)
	if err != nil {
		return dueDateResult{}, err
	}

	now := time.Now().UTC()
	loanDate, err := parseTime("loan-date", opts.loanDate, now)
	if err != nil {
		return dueDateResult{}, err
	}
	systemDate, err := parseTime("system-date", opts.systemDate, now)
	if err != nil {
		return dueDateResult{}, err
	}

	loan := circulation.Loan{
		ID:           "preview",
		LoanDate:     loanDate,
		RenewalCount: opts.renewals,
		Status:       circulation.LoanOpen,
	}
	queue := circulation.RequestQueue{}
	if opts.holdWaiting {
		queue = circulation.NewRequestQueue([]circulation.Request{
			{ID: "borrower", Type: circulation.RequestHold, Status: circulation.RequestOpenAwaitingPickup, Position: 1},
			{ID: "waiting", Type: circulation.RequestHold, Status: circulation.RequestOpenNotYetFilled, Position: 2},
		})
	}

	result := dueDateResult{PolicyID: lp.ID, PolicyName: lp.Name, LoanDate: loanDate}

	if !opts.renew && !opts.override {
		due, err := lp.CalculateInitialDueDate(loan, queue)
		if err != nil {
			return dueDateResult{}, err
		}
		result.Strategy = string(lp.Strategy(queue, false, loanDate).Kind())
		result.DueDate = due
		return result, nil
	}

	if loan.DueDate, err = parseTime("due-date", opts.dueDate, time.Time{}); err != nil {
		return dueDateResult{}, err
	}
	if loan.DueDate.IsZero() {
		return dueDateResult{}, fmt.Errorf("--due-date is required when renewing")
	}

	var renewed circulation.Loan
	if opts.override {
		renewed, err = lp.OverrideRenewal(loan, systemDate, nil, opts.comment)
	} else {
		renewed, err = lp.Renew(loan, systemDate)
	}
	if err != nil {
		return dueDateResult{}, err
	}
	result.Strategy = string(lp.Strategy(queue, true, systemDate).Kind())
	result.DueDate = renewed.DueDate
	result.RenewalCount = renewed.RenewalCount
	return result, nil
}

func readLoanPolicy(policyFile string, scheduleFiles []string) (policy.LoanPolicy, error) {
	f := factory.NewPolicyFactory()

	data, err := os.ReadFile(policyFile)
	if err != nil {
		return policy.LoanPolicy{}, err
	}
	lp, err := f.ParseLoanPolicy(data)
	if err != nil {
		return policy.LoanPolicy{}, fmt.Errorf("%s: %w", policyFile, err)
	}

	schedules := make(map[string]policy.FixedDueDateSchedule, len(scheduleFiles))
	for _, path := range scheduleFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return policy.LoanPolicy{}, err
		}
		s, err := f.ParseSchedule(data)
		if err != nil {
			return policy.LoanPolicy{}, fmt.Errorf("%s: %w", path, err)
		}
		schedules[s.ID] = s
	}
	return f.AttachSchedules(lp, schedules), nil
}

func renderDueDate(w io.Writer, r dueDateResult) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Policy", "Strategy", "Loan date", "Due date", "Renewals"})
	tw.AppendRow(table.Row{
		fmt.Sprintf("%s (%s)", r.PolicyName, r.PolicyID),
		r.Strategy,
		r.LoanDate.Format(time.RFC3339),
		r.DueDate.Format(time.RFC3339),
		r.RenewalCount,
	})
	tw.Render()
}

// =============================================================================
// RULES
// =============================================================================

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect circulation rules",
	}
	cmd.AddCommand(rulesExplainCmd())
	return cmd
}

func rulesExplainCmd() *cobra.Command {
	var (
		rulesFile string
		criteria  rules.Criteria
	)
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "List every rule that applies to an item and patron, winner first",
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl, err := rules.Load(rulesFile)
			if err != nil {
				return err
			}
			matches, err := tbl.LoanPolicyMatches(context.Background(), criteria)
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd.OutOrStdout(), matches)
			}
			renderMatches(cmd.OutOrStdout(), matches)
			return nil
		},
	}
	cmd.Flags().StringVar(&rulesFile, "rules", "rules.yaml", "circulation rules YAML file")
	cmd.Flags().StringVar(&criteria.ItemTypeID, "item-type", "", "material type id")
	cmd.Flags().StringVar(&criteria.LoanTypeID, "loan-type", "", "loan type id")
	cmd.Flags().StringVar(&criteria.PatronGroupID, "patron-group", "", "patron group id")
	cmd.Flags().StringVar(&criteria.LocationID, "location", "", "location id")
	return cmd
}

func renderMatches(w io.Writer, matches []rules.Match) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"#", "Line", "Loan policy", ""})
	for i, m := range matches {
		mark := ""
		if i == 0 {
			mark = "applies"
		}
		tw.AppendRow(table.Row{i + 1, m.LineNumber, m.PolicyID, mark})
	}
	if len(matches) == 0 {
		tw.AppendFooter(table.Row{"", "", "no rule matches", ""})
	}
	tw.Render()
}

// =============================================================================
// HELPERS
// =============================================================================

func parseTime(flag, value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", flag, err)
	}
	return t, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/reports"
	"github.com/odyssey-erp/odyssey-ledger/internal/reporting"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

// WriteTrialBalance renders a trial balance in major units with the given scale.
func WriteTrialBalance(w io.Writer, tb reports.TrialBalance, scale int32) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "CODE\tNAME\tDEBIT\tCREDIT\tBALANCE\t")
	for _, grp := range tb.Groups {
		for _, acc := range grp.Accounts {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n", acc.Code, acc.Name,
				acc.Debit.Format(scale), acc.Credit.Format(scale), acc.Balance.Format(scale))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\t\n", grp.Key, "subtotal", grp.Debit.Format(scale), grp.Credit.Format(scale))
	}
	fmt.Fprintf(tw, "\t%s\t%s\t%s\t\t\n", "TOTAL", tb.TotalDebit.Format(scale), tb.TotalCredit.Format(scale))
	if err := tw.Flush(); err != nil {
		return err
	}
	status := "balanced"
	if !tb.Balanced() {
		status = "NOT balanced"
	}
	_, err := fmt.Fprintln(w, status)
	return err
}

// WriteReconciliation renders the inventory reconciliation outcome.
func WriteReconciliation(w io.Writer, rec reporting.Reconciliation, scale int32) error {
	state := "matched"
	if !rec.Matched() {
		state = "MISMATCH"
	}
	_, err := fmt.Fprintf(w, "account %s: ledger %s, layers %s, difference %s (%s)\n",
		rec.AccountCode, rec.LedgerBalance.Format(scale), rec.LayerValue.Format(scale), rec.Difference.Format(scale), state)
	return err
}

// WriteIntegrity renders an integrity report as a violation list.
func WriteIntegrity(w io.Writer, report jobs.IntegrityReport, scale int32) error {
	fmt.Fprintf(w, "tenant %s: %d entries, debit %s, credit %s\n", report.TenantID, report.Entries,
		report.TotalDebit.Format(scale), report.TotalCredit.Format(scale))
	if len(report.Violations) == 0 {
		_, err := fmt.Fprintln(w, "no violations")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tSUBJECT\tDETAIL")
	for _, v := range report.Violations {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", v.Kind, v.Subject, v.Detail)
	}
	return tw.Flush()
}

// WriteJSON prints v indented.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ParseAsOf reads a YYYY-MM-DD date as the inclusive end of that day in UTC.
// An empty value means all time.
func ParseAsOf(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	day, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, use YYYY-MM-DD: %w", value, err)
	}
	return day.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
}

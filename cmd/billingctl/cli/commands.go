package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/carebook/carebook/internal/billing"
	"github.com/carebook/carebook/jobs"
)

type periodFlags struct {
	org       string
	branch    string
	from      string
	to        string
	issueDate string
}

func (f *periodFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.org, "org", "", "Organization id (required)")
	cmd.Flags().StringVar(&f.branch, "branch", "", "Branch id (required)")
	cmd.Flags().StringVar(&f.from, "from", "", "First service date, YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&f.to, "to", "", "Last service date, YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&f.issueDate, "issue-date", "", "Invoice issue date, YYYY-MM-DD (default: today)")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("branch")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
}

func (f *periodFlags) payload() jobs.BillingPeriodRunPayload {
	return jobs.BillingPeriodRunPayload{
		OrganizationID: f.org,
		BranchID:       f.branch,
		From:           f.from,
		To:             f.to,
		IssueDate:      f.issueDate,
		RequestedAt:    time.Now().UTC(),
	}
}

func newRunCommand(open Openers) *cobra.Command {
	var (
		flags  periodFlags
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate invoices for a branch and date range",
		Example: `  billingctl run --org 6d0c... --branch 1f2e... --from 2025-01-01 --to 2025-01-31
  billingctl run --org 6d0c... --branch 1f2e... --from 2025-01-01 --to 2025-01-31 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := billing.PeriodRequestFromPayload(flags.payload())
			if err != nil {
				return fmt.Errorf("invalid period: %w", err)
			}
			backend, err := open.Backend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			stderr := cmd.ErrOrStderr()
			req.Progress = func(p billing.Progress) {
				fmt.Fprintf(stderr, "[%d/%d] %s\n", p.Current, p.Total, p.ClientName)
			}
			summary, err := backend.GenerateForPeriod(cmd.Context(), req)
			if err != nil {
				return err
			}
			return writeSummary(cmd.OutOrStdout(), summary, asJSON)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the summary as JSON")
	return cmd
}

func newEnqueueCommand(open Openers) *cobra.Command {
	var flags periodFlags
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an invoice run for the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := flags.payload()
			if _, err := billing.PeriodRequestFromPayload(payload); err != nil {
				return fmt.Errorf("invalid period: %w", err)
			}
			queue, err := open.Queue(cmd.Context())
			if err != nil {
				return err
			}
			defer queue.Close()
			info, err := queue.EnqueuePeriodRun(cmd.Context(), payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued task %s on %s\n", info.ID, info.Queue)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newReconcileCommand(open Openers) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair invoiced flags of billed visits and extra time",
		RunE: func(cmd *cobra.Command, args []string) error {
			if batch <= 0 {
				return fmt.Errorf("batch must be positive")
			}
			backend, err := open.Backend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()
			result, err := backend.Reconcile(cmd.Context(), batch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "repaired %d visits, %d extra-time records\n", result.Visits, result.ExtraTime)
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 500, "Maximum records of each kind to repair")
	return cmd
}

func newHolidaysCommand(open Openers) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "holidays",
		Short: "Manage the bank-holiday calendar cache",
	}
	var years []int
	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Drop cached bank-holiday calendars so the next run reloads them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(years) == 0 {
				years = []int{time.Now().Year()}
			}
			for _, y := range years {
				if y < 1900 || y > 9999 {
					return fmt.Errorf("invalid year %d", y)
				}
			}
			backend, err := open.Backend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()
			for _, y := range years {
				if err := backend.RefreshHolidays(cmd.Context(), y); err != nil {
					return fmt.Errorf("refresh %d: %w", y, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "bank holidays for %d will reload on next use\n", y)
			}
			return nil
		},
	}
	refresh.Flags().IntSliceVar(&years, "year", nil, "Calendar year to refresh, repeatable (default: current year)")
	cmd.AddCommand(refresh)
	return cmd
}

func newQueueCommand(open Openers) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show billing queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := open.Queue(cmd.Context())
			if err != nil {
				return err
			}
			defer queue.Close()
			stats, err := queue.InspectQueue(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(stats)
			}
			fmt.Fprintf(out, "queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d paused=%t\n",
				stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived, stats.Paused)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print statistics as JSON")
	return cmd
}

type summaryJSON struct {
	RunID        string              `json:"run_id"`
	SuccessCount int                 `json:"success_count"`
	ErrorCount   int                 `json:"error_count"`
	TotalAmount  string              `json:"total_amount"`
	Invoices     []summaryInvoiceRow `json:"invoices"`
	Errors       []summaryErrorRow   `json:"errors"`
}

type summaryInvoiceRow struct {
	Client string `json:"client"`
	Number string `json:"number"`
	Visits int    `json:"visits"`
	Total  string `json:"total"`
	Due    string `json:"due_date"`
}

type summaryErrorRow struct {
	Client string `json:"client"`
	Visits int    `json:"visits"`
	Reason string `json:"reason"`
}

func writeSummary(w io.Writer, s billing.PeriodSummary, asJSON bool) error {
	doc := summaryJSON{
		RunID:        s.RunID.String(),
		SuccessCount: s.SuccessCount,
		ErrorCount:   s.ErrorCount,
		TotalAmount:  s.TotalAmount.StringFixed(2),
		Invoices:     make([]summaryInvoiceRow, 0, len(s.Invoices)),
		Errors:       make([]summaryErrorRow, 0, len(s.Errors)),
	}
	for _, ci := range s.Invoices {
		doc.Invoices = append(doc.Invoices, summaryInvoiceRow{
			Client: ci.ClientName,
			Number: ci.Invoice.Number,
			Visits: ci.VisitCount,
			Total:  ci.Invoice.TotalAmount.StringFixed(2),
			Due:    ci.Invoice.DueDate.Format(time.DateOnly),
		})
	}
	for _, ce := range s.Errors {
		doc.Errors = append(doc.Errors, summaryErrorRow{Client: ce.ClientName, Visits: ce.VisitCount, Reason: ce.Reason})
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}

	fmt.Fprintf(w, "run %s: %d invoiced, %d failed, total %s\n", doc.RunID, doc.SuccessCount, doc.ErrorCount, doc.TotalAmount)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if len(doc.Invoices) > 0 {
		fmt.Fprintln(tw, "CLIENT\tNUMBER\tVISITS\tTOTAL\tDUE")
		for _, row := range doc.Invoices {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", row.Client, row.Number, row.Visits, row.Total, row.Due)
		}
	}
	if len(doc.Errors) > 0 {
		fmt.Fprintln(tw, "CLIENT\tVISITS\tREASON")
		for _, row := range doc.Errors {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", row.Client, row.Visits, row.Reason)
		}
	}
	return tw.Flush()
}

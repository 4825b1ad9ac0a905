package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueBilling holds invoice runs so they never starve behind housekeeping.
	QueueBilling = "billing"

	// TaskBillingPeriodRun generates invoices for a branch and date range.
	TaskBillingPeriodRun = "billing:period_run"
	// TaskBillingReconcile repairs invoiced flags from line items.
	TaskBillingReconcile = "billing:reconcile"
)

// BillingPeriodRunPayload describes a queued bulk invoice run.
type BillingPeriodRunPayload struct {
	OrganizationID string    `json:"organization_id"`
	BranchID       string    `json:"branch_id"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	IssueDate      string    `json:"issue_date,omitempty"`
	RequestedAt    time.Time `json:"requested_at"`
}

// NewBillingPeriodRunTask constructs an Asynq task for a bulk invoice run.
func NewBillingPeriodRunTask(payload BillingPeriodRunPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingPeriodRun, body, asynq.Queue(QueueBilling), asynq.MaxRetry(3)), nil
}

// BillingReconcilePayload carries scheduling metadata for the reconciler.
type BillingReconcilePayload struct {
	Batch        int       `json:"batch"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewBillingReconcileTask constructs an Asynq task for flag reconciliation.
func NewBillingReconcileTask(batch int, at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(BillingReconcilePayload{Batch: batch, ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingReconcile, body, asynq.Queue(QueueDefault)), nil
}

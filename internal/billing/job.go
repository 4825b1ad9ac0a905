package billing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/carebook/carebook/jobs"
)

// PeriodRunJob processes queued bulk invoice runs.
type PeriodRunJob struct {
	service *Service
	logger  *slog.Logger
}

// NewPeriodRunJob constructs a job handler.
func NewPeriodRunJob(service *Service, logger *slog.Logger) *PeriodRunJob {
	return &PeriodRunJob{service: service, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *PeriodRunJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload jobs.BillingPeriodRunPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	req, err := PeriodRequestFromPayload(payload)
	if err != nil {
		return asynq.SkipRetry
	}
	summary, err := j.service.GenerateForPeriod(ctx, req)
	if err != nil {
		if errors.Is(err, ErrPrecondition) {
			return asynq.SkipRetry
		}
		if j.logger != nil {
			j.logger.Error("billing period run",
				slog.String("organization_id", payload.OrganizationID),
				slog.String("branch_id", payload.BranchID),
				slog.Any("error", err))
		}
		return err
	}
	if j.logger != nil {
		j.logger.Info("billing period run finished",
			slog.String("run_id", summary.RunID.String()),
			slog.Int("invoices", summary.SuccessCount),
			slog.Int("errors", summary.ErrorCount))
	}
	return nil
}

// PeriodRequestFromPayload parses a queued run into a PeriodRequest.
func PeriodRequestFromPayload(p jobs.BillingPeriodRunPayload) (PeriodRequest, error) {
	org, err := uuid.Parse(p.OrganizationID)
	if err != nil {
		return PeriodRequest{}, err
	}
	branch, err := uuid.Parse(p.BranchID)
	if err != nil {
		return PeriodRequest{}, err
	}
	from, err := time.Parse(time.DateOnly, p.From)
	if err != nil {
		return PeriodRequest{}, err
	}
	to, err := time.Parse(time.DateOnly, p.To)
	if err != nil {
		return PeriodRequest{}, err
	}
	req := PeriodRequest{OrganizationID: org, BranchID: branch, From: from, To: to}
	if p.IssueDate != "" {
		if req.IssueDate, err = time.Parse(time.DateOnly, p.IssueDate); err != nil {
			return PeriodRequest{}, err
		}
	}
	return req, nil
}

// ReconcileJob runs the reconciler from the scheduler.
type ReconcileJob struct {
	reconciler *Reconciler
	batch      int
	logger     *slog.Logger
}

// NewReconcileJob constructs the handler. batch applies when the payload has none.
func NewReconcileJob(reconciler *Reconciler, batch int, logger *slog.Logger) *ReconcileJob {
	return &ReconcileJob{reconciler: reconciler, batch: batch, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *ReconcileJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload jobs.BillingReconcilePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	batch := payload.Batch
	if batch <= 0 {
		batch = j.batch
	}
	if _, err := j.reconciler.Run(ctx, batch); err != nil {
		if j.logger != nil {
			j.logger.Error("billing reconcile", slog.Any("error", err))
		}
		return err
	}
	return nil
}

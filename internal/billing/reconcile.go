package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	jobmetrics "github.com/carebook/carebook/internal/jobs"
)

const (
	defaultReconcileBatch = 500
	reconcileJobName      = "billing_reconcile"
)

// FlagRepair pairs a billed source record with the invoice holding its line item.
type FlagRepair struct {
	InvoiceID uuid.UUID
	SourceID  uuid.UUID
}

// ReconcileStore is the persistence port of the reconciler.
type ReconcileStore interface {
	UnflaggedVisitLines(ctx context.Context, limit int) ([]FlagRepair, error)
	UnflaggedExtraTimeLines(ctx context.Context, limit int) ([]FlagRepair, error)
	MarkVisitsInvoiced(ctx context.Context, invoiceID uuid.UUID, visitIDs []uuid.UUID) error
	MarkExtraTimeInvoiced(ctx context.Context, invoiceID uuid.UUID, extraTimeIDs []uuid.UUID) error
}

// ReconcileResult counts repaired flags.
type ReconcileResult struct {
	Visits    int
	ExtraTime int
}

// Reconciler repairs invoiced flags that were not set after an invoice was
// written. Line items are the source of truth.
type Reconciler struct {
	store   ReconcileStore
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewReconciler constructs the reconciler.
func NewReconciler(store ReconcileStore, metrics *jobmetrics.Metrics, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, metrics: metrics, logger: logger.With(slog.String("component", "billing_reconcile"))}
}

// Run repairs up to batch visits and batch extra-time records.
func (r *Reconciler) Run(ctx context.Context, batch int) (result ReconcileResult, err error) {
	if batch <= 0 {
		batch = defaultReconcileBatch
	}
	tracker := r.metrics.Track(reconcileJobName)
	defer func() { err = tracker.End(err) }()

	visits, err := r.store.UnflaggedVisitLines(ctx, batch)
	if err != nil {
		return result, fmt.Errorf("find unflagged visits: %w", err)
	}
	for invoiceID, ids := range groupByInvoice(visits) {
		if err := r.store.MarkVisitsInvoiced(ctx, invoiceID, ids); err != nil {
			return result, fmt.Errorf("flag visits of invoice %s: %w", invoiceID, err)
		}
		result.Visits += len(ids)
	}

	extras, err := r.store.UnflaggedExtraTimeLines(ctx, batch)
	if err != nil {
		return result, fmt.Errorf("find unflagged extra time: %w", err)
	}
	for invoiceID, ids := range groupByInvoice(extras) {
		if err := r.store.MarkExtraTimeInvoiced(ctx, invoiceID, ids); err != nil {
			return result, fmt.Errorf("flag extra time of invoice %s: %w", invoiceID, err)
		}
		result.ExtraTime += len(ids)
	}

	r.metrics.AddReconciled("visit", result.Visits)
	r.metrics.AddReconciled("extra_time", result.ExtraTime)
	if result.Visits > 0 || result.ExtraTime > 0 {
		r.logger.Warn("repaired invoiced flags",
			slog.Int("visits", result.Visits),
			slog.Int("extra_time", result.ExtraTime),
		)
	}
	return result, nil
}

func groupByInvoice(repairs []FlagRepair) map[uuid.UUID][]uuid.UUID {
	out := make(map[uuid.UUID][]uuid.UUID)
	for _, fr := range repairs {
		out[fr.InvoiceID] = append(out[fr.InvoiceID], fr.SourceID)
	}
	return out
}

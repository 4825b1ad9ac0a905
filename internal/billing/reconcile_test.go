package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/carebook/carebook/internal/jobs"
)

func TestReconcilerRepairsMissingFlags(t *testing.T) {
	store := newMemStore()
	alice := newClient(store, "Alice", "15", 14)
	store.private[alice.id].ChargeExtraTime = ptr(true)
	first := store.addVisit(completedVisit(alice.id, alice.name, monday, "09:00", "10:00"))
	second := store.addVisit(completedVisit(alice.id, alice.name, monday.AddDate(0, 0, 1), "09:00", "10:00"))
	extra := store.addExtra(ExtraTimeRecord{ClientID: alice.id, ClientName: alice.name, WorkDate: monday, Minutes: 15, TotalCost: dec("5")})
	store.markErr = errors.New("flag write lost")

	summary, err := newTestService(store, nil).GenerateForPeriod(context.Background(), periodRequest())
	require.NoError(t, err)
	require.Len(t, summary.Invoices, 1)
	invoiceID := summary.Invoices[0].Invoice.ID
	store.markErr = nil

	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	reconciler := NewReconciler(store, metrics, nil)

	result, err := reconciler.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Visits: 2, ExtraTime: 1}, result)
	repaired := store.visit(first.ID)
	assert.True(t, repaired.Invoiced)
	require.NotNil(t, repaired.InvoiceID)
	assert.Equal(t, invoiceID, *repaired.InvoiceID)
	assert.True(t, store.visit(second.ID).Invoiced)
	store.mu.Lock()
	assert.True(t, store.extras[extra.ID].Invoiced)
	store.mu.Unlock()

	series, err := testutil.GatherAndCount(registry, "carebook_billing_reconciled_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series, "one series per record kind")

	again, err := reconciler.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{}, again)
}

func TestReconcilerRespectsBatch(t *testing.T) {
	store := newMemStore()
	alice := newClient(store, "Alice", "15", 14)
	for day := 0; day < 3; day++ {
		store.addVisit(completedVisit(alice.id, alice.name, monday.AddDate(0, 0, day), "09:00", "10:00"))
	}
	store.markErr = errors.New("flag write lost")
	_, err := newTestService(store, nil).GenerateForPeriod(context.Background(), periodRequest())
	require.NoError(t, err)
	store.markErr = nil

	reconciler := NewReconciler(store, nil, nil)
	result, err := reconciler.Run(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Visits)

	result, err = reconciler.Run(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Visits)
}

func TestReconcilerSurfacesStoreErrors(t *testing.T) {
	store := newMemStore()
	alice := newClient(store, "Alice", "15", 14)
	store.addVisit(completedVisit(alice.id, alice.name, monday, "09:00", "10:00"))
	store.markErr = errors.New("flag write lost")
	_, err := newTestService(store, nil).GenerateForPeriod(context.Background(), periodRequest())
	require.NoError(t, err)

	_, err = NewReconciler(store, nil, nil).Run(context.Background(), 10)
	assert.ErrorContains(t, err, "flag write lost")
}

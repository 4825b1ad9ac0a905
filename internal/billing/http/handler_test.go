package billinghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebook/carebook/internal/billing"
	"github.com/carebook/carebook/internal/shared"
	"github.com/carebook/carebook/jobs"
)

var (
	orgID    = uuid.MustParse("6f0f4d2e-2b1c-4a7e-9a8c-1d2e3f4a5b6c")
	branchID = uuid.MustParse("0c9b8a7d-6e5f-4a3b-8c2d-1e0f9a8b7c6d")
)

type stubService struct {
	visitResult billing.VisitResult
	summary     billing.PeriodSummary
	preview     billing.Preview
	config      billing.BillingConfig
	rules       []billing.RateRule
	err         error

	lastVisit  billing.VisitRequest
	lastPeriod billing.PeriodRequest
	periodRuns int
}

func (s *stubService) GenerateForVisit(ctx context.Context, req billing.VisitRequest) (billing.VisitResult, error) {
	s.lastVisit = req
	return s.visitResult, s.err
}

func (s *stubService) GenerateForPeriod(ctx context.Context, req billing.PeriodRequest) (billing.PeriodSummary, error) {
	s.lastPeriod = req
	s.periodRuns++
	return s.summary, s.err
}

func (s *stubService) Preview(ctx context.Context, req billing.PreviewRequest) (billing.Preview, error) {
	return s.preview, s.err
}

func (s *stubService) ClientConfig(ctx context.Context, clientID uuid.UUID) (billing.BillingConfig, error) {
	return s.config, s.err
}

func (s *stubService) ClientRates(ctx context.Context, clientID uuid.UUID) ([]billing.RateRule, error) {
	return s.rules, s.err
}

type stubQueue struct {
	payload jobs.BillingPeriodRunPayload
	batch   int
	err     error
}

func (q *stubQueue) EnqueueBillingPeriodRun(ctx context.Context, payload jobs.BillingPeriodRunPayload) (*asynq.TaskInfo, error) {
	q.payload = payload
	if q.err != nil {
		return nil, q.err
	}
	return &asynq.TaskInfo{ID: "task-1", Queue: jobs.QueueBilling}, nil
}

func (q *stubQueue) EnqueueBillingReconcile(ctx context.Context, batch int) (*asynq.TaskInfo, error) {
	q.batch = batch
	if q.err != nil {
		return nil, q.err
	}
	return &asynq.TaskInfo{ID: "task-2", Queue: jobs.QueueDefault}, nil
}

type memIdempotency struct {
	keys    map[string]string
	deleted []string
}

func (m *memIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if m.keys == nil {
		m.keys = make(map[string]string)
	}
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = module
	return nil
}

func (m *memIdempotency) Delete(ctx context.Context, key string) error {
	delete(m.keys, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	h.MountRoutes(r)
	return r
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(shared.OrganizationHeader, orgID.String())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func sampleInvoice() billing.Invoice {
	return billing.Invoice{
		ID:             uuid.New(),
		OrganizationID: orgID,
		ClientID:       uuid.New(),
		Number:         "INV-2025-02-0001",
		NetAmount:      dec("22.5"),
		VATAmount:      dec("0"),
		TotalAmount:    dec("22.5"),
		IssueDate:      time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC),
		DueDate:        time.Date(2025, 2, 17, 0, 0, 0, 0, time.UTC),
		Status:         billing.InvoiceDraft,
		Payer:          billing.PayerPrivate,
	}
}

func TestRequiresOrganizationHeader(t *testing.T) {
	h := NewHandler(nil, &stubService{}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/clients/"+uuid.NewString()+"/config", nil)
	rr := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestInvoiceVisitCreated(t *testing.T) {
	inv := sampleInvoice()
	service := &stubService{visitResult: billing.VisitResult{Outcome: billing.OutcomeCreated, Invoice: &inv}}
	visitID := uuid.New()

	rr := doJSON(t, newRouter(NewHandler(nil, service, nil, nil)), http.MethodPost, "/visits/"+visitID.String()+"/invoice",
		map[string]string{"issue_date": "2025-02-03"}, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var body visitResultDTO
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "created", body.Outcome)
	require.NotNil(t, body.Invoice)
	assert.Equal(t, "22.50", body.Invoice.TotalAmount)
	assert.Equal(t, "2025-02-17", body.Invoice.DueDate)
	assert.Equal(t, orgID, service.lastVisit.OrganizationID)
	assert.Equal(t, visitID, service.lastVisit.VisitID)
	assert.Equal(t, time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC), service.lastVisit.IssueDate)
}

func TestInvoiceVisitSkippedReturnsOK(t *testing.T) {
	service := &stubService{visitResult: billing.VisitResult{Outcome: billing.OutcomeSkipped, Reason: billing.ErrNoActiveRates.Error()}}
	rr := doJSON(t, newRouter(NewHandler(nil, service, nil, nil)), http.MethodPost, "/visits/"+uuid.NewString()+"/invoice", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"outcome":"skipped"`)
	assert.Contains(t, rr.Body.String(), billing.ErrNoActiveRates.Error())
}

func TestInvoiceVisitErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{err: billing.ErrVisitNotFound, status: http.StatusNotFound},
		{err: billing.ErrPrecondition, status: http.StatusBadRequest},
		{err: context.Canceled, status: http.StatusServiceUnavailable},
		{err: errors.New("boom"), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		service := &stubService{err: tc.err}
		rr := doJSON(t, newRouter(NewHandler(nil, service, nil, nil)), http.MethodPost, "/visits/"+uuid.NewString()+"/invoice", nil, nil)
		assert.Equal(t, tc.status, rr.Code, tc.err.Error())
	}

	rr := doJSON(t, newRouter(NewHandler(nil, &stubService{}, nil, nil)), http.MethodPost, "/visits/not-a-uuid/invoice", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRunPeriod(t *testing.T) {
	clientID := uuid.New()
	service := &stubService{summary: billing.PeriodSummary{
		RunID:        uuid.New(),
		SuccessCount: 1,
		ErrorCount:   1,
		TotalAmount:  dec("22.5"),
		Invoices:     []billing.ClientInvoice{{ClientID: clientID, ClientName: "Alice", Invoice: sampleInvoice(), VisitCount: 1}},
		Errors:       []billing.ClientError{{ClientID: uuid.New(), ClientName: "Bob", Reason: billing.ErrNoActiveRates.Error(), VisitCount: 2}},
	}}
	body := map[string]string{"branch_id": branchID.String(), "from": "2025-01-01", "to": "2025-01-31"}

	rr := doJSON(t, newRouter(NewHandler(nil, service, nil, nil)), http.MethodPost, "/runs", body, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var summary summaryDTO
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 1, summary.ErrorCount)
	assert.Equal(t, "22.50", summary.TotalAmount)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "Bob", summary.Errors[0].ClientName)
	assert.Equal(t, branchID, service.lastPeriod.BranchID)
	assert.Equal(t, time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC), service.lastPeriod.To)
	assert.True(t, service.lastPeriod.IssueDate.IsZero())
}

func TestRunPeriodValidation(t *testing.T) {
	h := newRouter(NewHandler(nil, &stubService{}, nil, nil))
	cases := []map[string]any{
		{"from": "2025-01-01", "to": "2025-01-31"},
		{"branch_id": "north", "from": "2025-01-01", "to": "2025-01-31"},
		{"branch_id": branchID.String(), "from": "01/01/2025", "to": "2025-01-31"},
		{"branch_id": branchID.String(), "from": "2025-02-01", "to": "2025-01-31"},
		{"branch_id": branchID.String(), "from": "2025-01-01", "to": "2025-01-31", "extra": true},
	}
	for _, body := range cases {
		rr := doJSON(t, h, http.MethodPost, "/runs", body, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "%v", body)
	}
}

func TestRunPeriodIdempotencyKey(t *testing.T) {
	service := &stubService{summary: billing.PeriodSummary{TotalAmount: dec("0")}}
	guard := &memIdempotency{}
	h := newRouter(NewHandler(nil, service, nil, guard))
	body := map[string]string{"branch_id": branchID.String(), "from": "2025-01-01", "to": "2025-01-31"}
	headers := map[string]string{idempotencyHeader: "run-42"}

	first := doJSON(t, h, http.MethodPost, "/runs", body, headers)
	require.Equal(t, http.StatusOK, first.Code)
	second := doJSON(t, h, http.MethodPost, "/runs", body, headers)
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Equal(t, 1, service.periodRuns)
	assert.Equal(t, idempotencyModule, guard.keys[orgID.String()+":run-42"])
}

func TestRunPeriodReleasesKeyOnFailure(t *testing.T) {
	service := &stubService{err: billing.ErrRunInProgress}
	guard := &memIdempotency{}
	h := newRouter(NewHandler(nil, service, nil, guard))
	body := map[string]string{"branch_id": branchID.String(), "from": "2025-01-01", "to": "2025-01-31"}

	rr := doJSON(t, h, http.MethodPost, "/runs", body, map[string]string{idempotencyHeader: "run-43"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, []string{orgID.String() + ":run-43"}, guard.deleted)
	assert.Empty(t, guard.keys)
}

func TestEnqueuePeriod(t *testing.T) {
	queue := &stubQueue{}
	h := newRouter(NewHandler(nil, &stubService{}, queue, nil))
	body := map[string]string{"branch_id": branchID.String(), "from": "2025-01-01", "to": "2025-01-31", "issue_date": "2025-02-03"}

	rr := doJSON(t, h, http.MethodPost, "/runs/async", body, nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"task_id":"task-1"`)
	assert.Equal(t, orgID.String(), queue.payload.OrganizationID)
	assert.Equal(t, "2025-02-03", queue.payload.IssueDate)

	rr = doJSON(t, newRouter(NewHandler(nil, &stubService{}, nil, nil)), http.MethodPost, "/runs/async", body, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestEnqueueReconcile(t *testing.T) {
	queue := &stubQueue{}
	h := newRouter(NewHandler(nil, &stubService{}, queue, nil))

	rr := doJSON(t, h, http.MethodPost, "/reconcile", map[string]int{"batch": 200}, nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"task_id":"task-2"`)
	assert.Equal(t, 200, queue.batch)

	rr = doJSON(t, h, http.MethodPost, "/reconcile", nil, nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, 0, queue.batch)

	rr = doJSON(t, h, http.MethodPost, "/reconcile", map[string]int{"batch": -1}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPreview(t *testing.T) {
	visitID := uuid.New()
	service := &stubService{preview: billing.Preview{
		Config: billing.BillingConfig{Payer: billing.PayerPrivate, TimeBasis: billing.TimeBasisPlanned, CreditPeriodDays: 30, VATRate: dec("0.2")},
		Rules:  []billing.RateRule{{ID: uuid.New()}},
		Calculation: billing.Calculation{
			Unpriced: []billing.UnpricedVisit{{VisitID: visitID, Date: time.Date(2025, 1, 11, 0, 0, 0, 0, time.UTC), Reason: "no rate rule matches visit date and time"}},
			Net:      dec("0"),
			VAT:      dec("0"),
			Total:    dec("0"),
		},
	}}
	body := map[string]string{"client_id": uuid.NewString(), "from": "2025-01-01", "to": "2025-01-31"}

	rr := doJSON(t, newRouter(NewHandler(nil, service, nil, nil)), http.MethodPost, "/preview", body, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var preview previewDTO
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &preview))
	assert.Equal(t, 1, preview.RuleCount)
	assert.Equal(t, "0.00", preview.TotalAmount)
	require.Len(t, preview.Unpriced, 1)
	assert.Equal(t, visitID.String(), preview.Unpriced[0].VisitID)
	assert.Equal(t, "2025-01-11", preview.Unpriced[0].Date)
}

func TestClientConfigAndRates(t *testing.T) {
	ruleID := uuid.New()
	service := &stubService{
		config: billing.BillingConfig{Payer: billing.PayerAuthority, TimeBasis: billing.TimeBasisActual, CreditPeriodDays: 14, VATRate: dec("0.2")},
		rules: []billing.RateRule{{
			ID:                    ruleID,
			EffectiveFrom:         time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			Days:                  billing.DayOf(time.Saturday) | billing.DayOf(time.Sunday),
			From:                  8 * 60,
			Until:                 billing.EndOfDay,
			Strategy:              billing.StrategyHourly,
			BaseRate:              dec("21.5"),
			BankHolidayMultiplier: dec("1.5"),
		}},
	}
	h := newRouter(NewHandler(nil, service, nil, nil))
	clientID := uuid.NewString()

	rr := doJSON(t, h, http.MethodGet, "/clients/"+clientID+"/config", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var cfg configDTO
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cfg))
	assert.Equal(t, "authority", cfg.Payer)
	assert.Equal(t, "actual", cfg.TimeBasis)
	assert.Equal(t, 14, cfg.CreditPeriodDays)

	rr = doJSON(t, h, http.MethodGet, "/clients/"+clientID+"/rates", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var rates struct {
		Rules []rateRuleDTO `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rates))
	require.Len(t, rates.Rules, 1)
	assert.Equal(t, ruleID.String(), rates.Rules[0].ID)
	assert.Equal(t, "sat,sun", rates.Rules[0].Days)
	assert.Equal(t, "08:00", rates.Rules[0].From)
	assert.Equal(t, "24:00", rates.Rules[0].Until)
	assert.Equal(t, "rate_per_hour", rates.Rules[0].ChargeType)

	rr = doJSON(t, h, http.MethodGet, "/clients/nope/rates", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

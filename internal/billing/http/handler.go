package billinghttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/carebook/carebook/internal/billing"
	"github.com/carebook/carebook/internal/platform/httpx"
	"github.com/carebook/carebook/internal/shared"
	"github.com/carebook/carebook/jobs"
)

const (
	idempotencyHeader = "Idempotency-Key"
	idempotencyModule = "billing.period_run"
)

// BillingService is the orchestrator surface used by the handler.
type BillingService interface {
	GenerateForVisit(ctx context.Context, req billing.VisitRequest) (billing.VisitResult, error)
	GenerateForPeriod(ctx context.Context, req billing.PeriodRequest) (billing.PeriodSummary, error)
	Preview(ctx context.Context, req billing.PreviewRequest) (billing.Preview, error)
	ClientConfig(ctx context.Context, clientID uuid.UUID) (billing.BillingConfig, error)
	ClientRates(ctx context.Context, clientID uuid.UUID) ([]billing.RateRule, error)
}

// RunQueue enqueues bulk runs for the worker.
type RunQueue interface {
	EnqueueBillingPeriodRun(ctx context.Context, payload jobs.BillingPeriodRunPayload) (*asynq.TaskInfo, error)
	EnqueueBillingReconcile(ctx context.Context, batch int) (*asynq.TaskInfo, error)
}

// IdempotencyGuard records request keys.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Handler exposes the billing JSON API.
type Handler struct {
	logger      *slog.Logger
	service     BillingService
	queue       RunQueue
	idempotency IdempotencyGuard
	validator   *validator.Validate
}

// NewHandler constructs the handler. queue and idempotency may be nil.
func NewHandler(logger *slog.Logger, service BillingService, queue RunQueue, idempotency IdempotencyGuard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		service:     service,
		queue:       queue,
		idempotency: idempotency,
		validator:   validator.New(),
	}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(requireOrganization)
		r.Post("/visits/{id}/invoice", h.invoiceVisit)
		r.Post("/runs", h.runPeriod)
		r.Post("/runs/async", h.enqueuePeriod)
		r.Post("/reconcile", h.enqueueReconcile)
		r.Post("/preview", h.preview)
		r.Get("/clients/{id}/config", h.clientConfig)
		r.Get("/clients/{id}/rates", h.clientRates)
	})
}

func requireOrganization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID, err := shared.OrganizationFromRequest(r)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithOrganization(r.Context(), orgID)))
	})
}

type visitInvoiceRequest struct {
	IssueDate string `json:"issue_date" validate:"omitempty,datetime=2006-01-02"`
}

func (h *Handler) invoiceVisit(w http.ResponseWriter, r *http.Request) {
	orgID, _ := shared.OrganizationFromContext(r.Context())
	visitID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: visit id must be a uuid", httpx.ErrValidation))
		return
	}
	var body visitInvoiceRequest
	if !h.decode(w, r, &body) {
		return
	}
	result, err := h.service.GenerateForVisit(r.Context(), billing.VisitRequest{
		OrganizationID: orgID,
		VisitID:        visitID,
		IssueDate:      parseDate(body.IssueDate),
	})
	if err != nil {
		h.respondError(w, "generate visit invoice", err)
		return
	}
	status := http.StatusOK
	if result.Outcome == billing.OutcomeCreated {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, toVisitResultDTO(result))
}

type periodRunRequest struct {
	BranchID  string `json:"branch_id" validate:"required,uuid"`
	From      string `json:"from" validate:"required,datetime=2006-01-02"`
	To        string `json:"to" validate:"required,datetime=2006-01-02"`
	IssueDate string `json:"issue_date" validate:"omitempty,datetime=2006-01-02"`
}

func (req periodRunRequest) toPeriodRequest(orgID uuid.UUID) (billing.PeriodRequest, error) {
	from, to := parseDate(req.From), parseDate(req.To)
	if to.Before(from) {
		return billing.PeriodRequest{}, fmt.Errorf("%w: to must not be before from", httpx.ErrValidation)
	}
	return billing.PeriodRequest{
		OrganizationID: orgID,
		BranchID:       uuid.MustParse(req.BranchID),
		From:           from,
		To:             to,
		IssueDate:      parseDate(req.IssueDate),
	}, nil
}

func (h *Handler) runPeriod(w http.ResponseWriter, r *http.Request) {
	orgID, _ := shared.OrganizationFromContext(r.Context())
	var body periodRunRequest
	if !h.decode(w, r, &body) {
		return
	}
	req, err := body.toPeriodRequest(orgID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key != "" && h.idempotency != nil {
		key = orgID.String() + ":" + key
		if err := h.idempotency.CheckAndInsert(r.Context(), key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrDuplicate, err))
				return
			}
			h.respondError(w, "check idempotency key", err)
			return
		}
	}

	summary, err := h.service.GenerateForPeriod(r.Context(), req)
	if err != nil {
		if key != "" && h.idempotency != nil {
			if delErr := h.idempotency.Delete(context.WithoutCancel(r.Context()), key); delErr != nil {
				h.logger.Warn("release idempotency key", slog.Any("error", delErr))
			}
		}
		h.respondError(w, "generate period invoices", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSummaryDTO(summary))
}

func (h *Handler) enqueuePeriod(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		httpx.RespondError(w, fmt.Errorf("%w: job queue not configured", httpx.ErrUnavailable))
		return
	}
	orgID, _ := shared.OrganizationFromContext(r.Context())
	var body periodRunRequest
	if !h.decode(w, r, &body) {
		return
	}
	if _, err := body.toPeriodRequest(orgID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	info, err := h.queue.EnqueueBillingPeriodRun(r.Context(), jobs.BillingPeriodRunPayload{
		OrganizationID: orgID.String(),
		BranchID:       body.BranchID,
		From:           body.From,
		To:             body.To,
		IssueDate:      body.IssueDate,
		RequestedAt:    time.Now().UTC(),
	})
	if err != nil {
		h.respondError(w, "enqueue period run", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"task_id": info.ID, "queue": info.Queue})
}

type reconcileRequest struct {
	Batch int `json:"batch" validate:"omitempty,min=1,max=10000"`
}

func (h *Handler) enqueueReconcile(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		httpx.RespondError(w, fmt.Errorf("%w: job queue not configured", httpx.ErrUnavailable))
		return
	}
	var body reconcileRequest
	if !h.decode(w, r, &body) {
		return
	}
	info, err := h.queue.EnqueueBillingReconcile(r.Context(), body.Batch)
	if err != nil {
		h.respondError(w, "enqueue reconcile", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"task_id": info.ID, "queue": info.Queue})
}

type previewRequest struct {
	ClientID string `json:"client_id" validate:"required,uuid"`
	From     string `json:"from" validate:"required,datetime=2006-01-02"`
	To       string `json:"to" validate:"required,datetime=2006-01-02"`
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	orgID, _ := shared.OrganizationFromContext(r.Context())
	var body previewRequest
	if !h.decode(w, r, &body) {
		return
	}
	preview, err := h.service.Preview(r.Context(), billing.PreviewRequest{
		OrganizationID: orgID,
		ClientID:       uuid.MustParse(body.ClientID),
		From:           parseDate(body.From),
		To:             parseDate(body.To),
	})
	if err != nil {
		h.respondError(w, "preview invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPreviewDTO(preview))
}

func (h *Handler) clientConfig(w http.ResponseWriter, r *http.Request) {
	clientID, ok := clientParam(w, r)
	if !ok {
		return
	}
	cfg, err := h.service.ClientConfig(r.Context(), clientID)
	if err != nil {
		h.respondError(w, "resolve billing config", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toConfigDTO(cfg))
}

func (h *Handler) clientRates(w http.ResponseWriter, r *http.Request) {
	clientID, ok := clientParam(w, r)
	if !ok {
		return
	}
	rules, err := h.service.ClientRates(r.Context(), clientID)
	if err != nil {
		h.respondError(w, "resolve rate rules", err)
		return
	}
	out := make([]rateRuleDTO, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toRateRuleDTO(rule))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rules": out})
}

func clientParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: client id must be a uuid", httpx.ErrValidation))
		return uuid.Nil, false
	}
	return id, true
}

// decode reads and validates a JSON body, writing a problem response on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed JSON body", httpx.ErrValidation))
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fields []string
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields = append(fields, strings.ToLower(fe.Field())+" "+fe.Tag())
			}
		}
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, strings.Join(fields, ", ")))
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, billing.ErrPrecondition):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	case errors.Is(err, billing.ErrVisitNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
	case errors.Is(err, billing.ErrRunInProgress):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrConflict, err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn(op, slog.Any("error", err))
		httpx.RespondError(w, fmt.Errorf("%w: request cancelled", httpx.ErrUnavailable))
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func parseDate(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

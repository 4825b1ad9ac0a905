package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/carebook/carebook/internal/jobs"
	"github.com/carebook/carebook/internal/shared"
)

const (
	maxNumberAttempts = 3
	defaultRunLockTTL = 15 * time.Minute
	periodRunJobName  = "billing_period_run"
)

// Store is the persistence port used by the orchestrator.
type Store interface {
	GetVisit(ctx context.Context, organizationID, visitID uuid.UUID) (*Visit, error)
	ListBillableVisits(ctx context.Context, organizationID, branchID uuid.UUID, from, to time.Time) ([]Visit, error)
	ListClientBillableVisits(ctx context.Context, organizationID, clientID uuid.UUID, from, to time.Time) ([]Visit, error)
	ListPendingExtraTime(ctx context.Context, organizationID, branchID uuid.UUID, from, to time.Time) ([]ExtraTimeRecord, error)
	BilledVisitIDs(ctx context.Context, visitIDs []uuid.UUID) (map[uuid.UUID]uuid.UUID, error)
	BilledExtraTimeIDs(ctx context.Context, extraTimeIDs []uuid.UUID) (map[uuid.UUID]uuid.UUID, error)
	CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	CreateLineItems(ctx context.Context, invoiceID uuid.UUID, lines []LineItem) error
	DeleteInvoice(ctx context.Context, invoiceID uuid.UUID) error
	MarkVisitsInvoiced(ctx context.Context, invoiceID uuid.UUID, visitIDs []uuid.UUID) error
	MarkExtraTimeInvoiced(ctx context.Context, invoiceID uuid.UUID, extraTimeIDs []uuid.UUID) error
}

// Locker serializes bulk runs per organization.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// ServiceConfig collects the orchestrator's collaborators.
type ServiceConfig struct {
	Store    Store
	Settings SettingsSource
	Rates    RateSource
	Holidays *HolidayOracle
	Numbers  SequenceStore
	Locker   Locker
	LockTTL  time.Duration
	Metrics  *jobmetrics.Metrics
	Logger   *slog.Logger
}

// Service generates invoices for single visits and whole billing periods.
type Service struct {
	store    Store
	settings *ConfigResolver
	rates    *RateResolver
	holidays *HolidayOracle
	numbers  *NumberAllocator
	locker   Locker
	lockTTL  time.Duration
	metrics  *jobmetrics.Metrics
	logger   *slog.Logger
	runs     runGroup
	now      func() time.Time
}

// NewService wires the orchestrator.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = defaultRunLockTTL
	}
	holidays := cfg.Holidays
	if holidays == nil {
		holidays = NewHolidayOracle(nil, nil, 0)
	}
	return &Service{
		store:    cfg.Store,
		settings: NewConfigResolver(cfg.Settings),
		rates:    NewRateResolver(cfg.Rates, logger),
		holidays: holidays,
		numbers:  NewNumberAllocator(cfg.Numbers),
		locker:   cfg.Locker,
		lockTTL:  ttl,
		metrics:  cfg.Metrics,
		logger:   logger.With(slog.String("component", "billing")),
		now:      time.Now,
	}
}

// VisitOutcome describes what single-visit generation did.
type VisitOutcome string

const (
	OutcomeCreated         VisitOutcome = "created"
	OutcomeSkipped         VisitOutcome = "skipped"
	OutcomeAlreadyInvoiced VisitOutcome = "already_invoiced"
)

// VisitRequest asks for an invoice covering one visit.
type VisitRequest struct {
	OrganizationID uuid.UUID
	VisitID        uuid.UUID
	IssueDate      time.Time
}

// VisitResult reports the single-visit outcome.
type VisitResult struct {
	Outcome VisitOutcome
	Invoice *Invoice
	Lines   []LineItem
	Reason  string
}

// GenerateForVisit invoices a single visit. Business-rule non-matches return
// a skipped result; only precondition and persistence failures return errors.
func (s *Service) GenerateForVisit(ctx context.Context, req VisitRequest) (VisitResult, error) {
	if req.OrganizationID == uuid.Nil {
		return VisitResult{}, fmt.Errorf("%w: organization required", ErrPrecondition)
	}
	if req.VisitID == uuid.Nil {
		return VisitResult{}, fmt.Errorf("%w: visit required", ErrPrecondition)
	}
	logger := s.logger.With(slog.String("visit_id", req.VisitID.String()))

	visit, err := s.store.GetVisit(ctx, req.OrganizationID, req.VisitID)
	if err != nil {
		return VisitResult{}, fmt.Errorf("load visit: %w", err)
	}
	if visit.Invoiced || visit.InvoiceID != nil {
		return VisitResult{Outcome: OutcomeAlreadyInvoiced, Reason: "visit already invoiced"}, nil
	}
	if !visit.Status.Completed() {
		return VisitResult{Outcome: OutcomeSkipped, Reason: fmt.Sprintf("%s: status %q", ErrVisitNotCompleted, visit.Status)}, nil
	}
	billed, err := s.store.BilledVisitIDs(ctx, []uuid.UUID{visit.ID})
	if err != nil {
		return VisitResult{}, fmt.Errorf("check billed visits: %w", err)
	}
	if invoiceID, ok := billed[visit.ID]; ok {
		logger.Warn("visit billed but not flagged", slog.String("invoice_id", invoiceID.String()))
		return VisitResult{Outcome: OutcomeAlreadyInvoiced, Reason: "visit already has a line item"}, nil
	}

	cfg, err := s.settings.Resolve(ctx, visit.ClientID)
	if err != nil {
		return VisitResult{}, err
	}
	rules, err := s.rates.Resolve(ctx, visit.ClientID)
	if err != nil {
		return VisitResult{}, err
	}
	if len(rules) == 0 {
		return VisitResult{Outcome: OutcomeSkipped, Reason: ErrNoActiveRates.Error()}, nil
	}
	visits := []Visit{*visit}
	if err := s.holidays.Annotate(ctx, visits); err != nil {
		return VisitResult{}, err
	}
	calc := NewCalculator(rules, cfg).Price(visits)
	if len(calc.Lines) == 0 {
		return VisitResult{Outcome: OutcomeSkipped, Reason: ErrNoBillableLines.Error() + ": " + unpricedDetail(calc)}, nil
	}

	issue := s.issueDate(req.IssueDate)
	draft := Invoice{
		OrganizationID:   req.OrganizationID,
		BranchID:         nonNil(visit.BranchID),
		ClientID:         visit.ClientID,
		Description:      fmt.Sprintf("Care visit on %s", visit.Date.Format("02 Jan 2006")),
		NetAmount:        calc.Net,
		VATAmount:        calc.VAT,
		TotalAmount:      calc.Total,
		IssueDate:        issue,
		DueDate:          issue.AddDate(0, 0, cfg.CreditPeriodDays),
		Status:           InvoiceDraft,
		BookedMinutes:    calc.BookedMinutes,
		BookingGenerated: true,
	}
	applyPayer(&draft, cfg)

	inv, lines, err := s.persist(ctx, draft, calc.Lines)
	if err != nil {
		return VisitResult{}, err
	}
	if err := s.store.MarkVisitsInvoiced(ctx, inv.ID, []uuid.UUID{visit.ID}); err != nil {
		logger.Warn("mark visit invoiced", slog.String("invoice_id", inv.ID.String()), slog.Any("error", err))
	}
	logger.Info("visit invoiced",
		slog.String("invoice_id", inv.ID.String()),
		slog.String("invoice_number", inv.Number),
		slog.String("total", inv.TotalAmount.StringFixed(2)),
	)
	return VisitResult{Outcome: OutcomeCreated, Invoice: &inv, Lines: lines}, nil
}

// Progress is reported before each client of a bulk run is processed.
type Progress struct {
	Current    int
	Total      int
	ClientID   uuid.UUID
	ClientName string
}

// PeriodRequest asks for invoices covering a branch and date range.
type PeriodRequest struct {
	OrganizationID uuid.UUID
	BranchID       uuid.UUID
	From           time.Time
	To             time.Time
	IssueDate      time.Time
	Progress       func(Progress)
}

// ClientInvoice is a per-client success record.
type ClientInvoice struct {
	ClientID       uuid.UUID
	ClientName     string
	Invoice        Invoice
	VisitCount     int
	ExtraTimeCount int
	Unpriced       []UnpricedVisit
}

// ClientError is a per-client failure record.
type ClientError struct {
	ClientID   uuid.UUID
	ClientName string
	Reason     string
	VisitCount int
}

// PeriodSummary is returned by GenerateForPeriod.
type PeriodSummary struct {
	RunID        uuid.UUID
	SuccessCount int
	ErrorCount   int
	TotalAmount  decimal.Decimal
	Invoices     []ClientInvoice
	Errors       []ClientError
}

// GenerateForPeriod invoices every completed, un-invoiced visit of a branch in
// [From, To]. Clients are processed one at a time; a failing client is
// recorded in the summary and the run continues.
func (s *Service) GenerateForPeriod(ctx context.Context, req PeriodRequest) (PeriodSummary, error) {
	if err := validatePeriod(req); err != nil {
		return PeriodSummary{}, err
	}
	req.IssueDate = s.issueDate(req.IssueDate)
	return s.runs.do(ctx, periodRunKey(req), req.Progress, func(runCtx context.Context, report func(Progress)) (PeriodSummary, error) {
		run := req
		run.Progress = report
		return s.runPeriod(runCtx, run)
	})
}

// periodRunKey identifies runs that would produce identical invoices.
func periodRunKey(req PeriodRequest) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", req.OrganizationID, req.BranchID,
		req.From.Format(time.DateOnly), req.To.Format(time.DateOnly), req.IssueDate.Format(time.DateOnly))
}

func (s *Service) runPeriod(ctx context.Context, req PeriodRequest) (summary PeriodSummary, err error) {
	summary = PeriodSummary{RunID: uuid.New(), TotalAmount: decimal.Zero}
	tracker := s.metrics.Track(periodRunJobName)
	defer func() {
		err = tracker.End(err)
		s.metrics.AddInvoices(summary.SuccessCount)
		s.metrics.AddInvoicedAmount(summary.TotalAmount.InexactFloat64())
		s.metrics.AddClientErrors(summary.ErrorCount)
	}()

	logger := s.logger.With(
		slog.String("run_id", summary.RunID.String()),
		slog.String("organization_id", req.OrganizationID.String()),
		slog.String("branch_id", req.BranchID.String()),
		slog.String("from", req.From.Format(time.DateOnly)),
		slog.String("to", req.To.Format(time.DateOnly)),
	)

	if s.locker != nil {
		release, lockErr := s.locker.Acquire(ctx, shared.BillingRunLockKey(req.OrganizationID), s.lockTTL)
		if lockErr != nil {
			if errors.Is(lockErr, shared.ErrLockHeld) {
				return summary, ErrRunInProgress
			}
			return summary, lockErr
		}
		defer func() {
			if relErr := release(context.WithoutCancel(ctx)); relErr != nil {
				logger.Warn("release run lock", slog.Any("error", relErr))
			}
		}()
	}

	batches, err := s.loadBatches(ctx, req)
	if err != nil {
		return summary, err
	}
	logger.Info("starting invoice run", slog.Int("clients", len(batches)))

	issue := s.issueDate(req.IssueDate)
	for i, batch := range batches {
		if ctxErr := ctx.Err(); ctxErr != nil {
			summary.SuccessCount = len(summary.Invoices)
			summary.ErrorCount = len(summary.Errors)
			logger.Warn("invoice run cancelled", slog.Int("processed", i), slog.Any("error", ctxErr))
			return summary, ctxErr
		}
		if req.Progress != nil {
			req.Progress(Progress{Current: i + 1, Total: len(batches), ClientID: batch.clientID, ClientName: batch.clientName})
		}
		result, clientErr := s.invoiceClient(ctx, req, issue, batch)
		if clientErr != nil {
			summary.Errors = append(summary.Errors, ClientError{
				ClientID:   batch.clientID,
				ClientName: batch.clientName,
				Reason:     clientErr.Error(),
				VisitCount: len(batch.visits),
			})
			logger.Warn("client not invoiced",
				slog.String("client_id", batch.clientID.String()),
				slog.Int("visits", len(batch.visits)),
				slog.Any("error", clientErr),
			)
			continue
		}
		summary.Invoices = append(summary.Invoices, result)
		summary.TotalAmount = summary.TotalAmount.Add(result.Invoice.TotalAmount)
	}
	summary.SuccessCount = len(summary.Invoices)
	summary.ErrorCount = len(summary.Errors)

	logger.Info("completed invoice run",
		slog.Int("invoices", summary.SuccessCount),
		slog.Int("errors", summary.ErrorCount),
		slog.String("total", summary.TotalAmount.StringFixed(2)),
	)
	return summary, nil
}

type clientBatch struct {
	clientID   uuid.UUID
	clientName string
	visits     []Visit
	extras     []ExtraTimeRecord
}

func (s *Service) loadBatches(ctx context.Context, req PeriodRequest) ([]*clientBatch, error) {
	visits, err := s.store.ListBillableVisits(ctx, req.OrganizationID, req.BranchID, req.From, req.To)
	if err != nil {
		return nil, fmt.Errorf("load visits: %w", err)
	}
	extras, err := s.store.ListPendingExtraTime(ctx, req.OrganizationID, req.BranchID, req.From, req.To)
	if err != nil {
		return nil, fmt.Errorf("load extra time: %w", err)
	}

	visitIDs := make([]uuid.UUID, 0, len(visits))
	for _, v := range visits {
		visitIDs = append(visitIDs, v.ID)
	}
	billedVisits, err := s.store.BilledVisitIDs(ctx, visitIDs)
	if err != nil {
		return nil, fmt.Errorf("check billed visits: %w", err)
	}
	extraIDs := make([]uuid.UUID, 0, len(extras))
	for _, e := range extras {
		extraIDs = append(extraIDs, e.ID)
	}
	billedExtras, err := s.store.BilledExtraTimeIDs(ctx, extraIDs)
	if err != nil {
		return nil, fmt.Errorf("check billed extra time: %w", err)
	}

	byClient := make(map[uuid.UUID]*clientBatch)
	batchFor := func(clientID uuid.UUID, name string) *clientBatch {
		b, ok := byClient[clientID]
		if !ok {
			b = &clientBatch{clientID: clientID, clientName: name}
			byClient[clientID] = b
		}
		if b.clientName == "" {
			b.clientName = name
		}
		return b
	}
	for _, v := range visits {
		if v.Invoiced || !v.Status.Completed() {
			continue
		}
		if _, ok := billedVisits[v.ID]; ok {
			continue
		}
		b := batchFor(v.ClientID, v.ClientName)
		b.visits = append(b.visits, v)
	}
	for _, e := range extras {
		if e.Invoiced || e.Status != ExtraTimeApproved {
			continue
		}
		if _, ok := billedExtras[e.ID]; ok {
			continue
		}
		b := batchFor(e.ClientID, e.ClientName)
		b.extras = append(b.extras, e)
	}

	batches := make([]*clientBatch, 0, len(byClient))
	for _, b := range byClient {
		batches = append(batches, b)
	}
	sort.Slice(batches, func(i, j int) bool {
		if batches[i].clientName != batches[j].clientName {
			return batches[i].clientName < batches[j].clientName
		}
		return batches[i].clientID.String() < batches[j].clientID.String()
	})
	return batches, nil
}

func (s *Service) invoiceClient(ctx context.Context, req PeriodRequest, issue time.Time, batch *clientBatch) (ClientInvoice, error) {
	cfg, err := s.settings.Resolve(ctx, batch.clientID)
	if err != nil {
		return ClientInvoice{}, err
	}
	rules, err := s.rates.Resolve(ctx, batch.clientID)
	if err != nil {
		return ClientInvoice{}, err
	}
	if len(rules) == 0 {
		return ClientInvoice{}, ErrNoActiveRates
	}
	if err := s.holidays.Annotate(ctx, batch.visits); err != nil {
		return ClientInvoice{}, err
	}
	calc := NewCalculator(rules, cfg).Price(batch.visits)
	if len(calc.Lines) == 0 {
		return ClientInvoice{}, fmt.Errorf("%w: %s", ErrNoBillableLines, unpricedDetail(calc))
	}

	lines := calc.Lines
	net := calc.Net
	minutes := calc.BookedMinutes
	var extraIDs []uuid.UUID
	if cfg.ExtraTimeEnabled {
		for _, e := range batch.extras {
			lines = append(lines, extraTimeLine(e))
			net = net.Add(round2(e.TotalCost))
			minutes += e.Minutes
			extraIDs = append(extraIDs, e.ID)
		}
	}

	from, to := civilDate(req.From), civilDate(req.To)
	draft := Invoice{
		OrganizationID:   req.OrganizationID,
		BranchID:         nonNil(req.BranchID),
		ClientID:         batch.clientID,
		Description:      fmt.Sprintf("Care services %s to %s", from.Format("02 Jan 2006"), to.Format("02 Jan 2006")),
		NetAmount:        net,
		VATAmount:        calc.VAT,
		TotalAmount:      net.Add(calc.VAT),
		IssueDate:        issue,
		DueDate:          issue.AddDate(0, 0, cfg.CreditPeriodDays),
		PeriodStart:      &from,
		PeriodEnd:        &to,
		Status:           InvoicePending,
		BookedMinutes:    minutes,
		BookingGenerated: true,
	}
	applyPayer(&draft, cfg)

	inv, _, err := s.persist(ctx, draft, lines)
	if err != nil {
		return ClientInvoice{}, err
	}

	pricedIDs := make([]uuid.UUID, 0, len(calc.Lines))
	for _, l := range calc.Lines {
		pricedIDs = append(pricedIDs, *l.VisitID)
	}
	if err := s.store.MarkVisitsInvoiced(ctx, inv.ID, pricedIDs); err != nil {
		s.logger.Warn("mark visits invoiced", slog.String("invoice_id", inv.ID.String()), slog.Any("error", err))
	}
	if len(extraIDs) > 0 {
		if err := s.store.MarkExtraTimeInvoiced(ctx, inv.ID, extraIDs); err != nil {
			s.logger.Warn("mark extra time invoiced", slog.String("invoice_id", inv.ID.String()), slog.Any("error", err))
		}
	}
	return ClientInvoice{
		ClientID:       batch.clientID,
		ClientName:     batch.clientName,
		Invoice:        inv,
		VisitCount:     len(calc.Lines),
		ExtraTimeCount: len(extraIDs),
		Unpriced:       calc.Unpriced,
	}, nil
}

// persist allocates a number and writes the header and its line items. A
// failure after the header is written deletes the header again.
func (s *Service) persist(ctx context.Context, draft Invoice, lines []LineItem) (Invoice, []LineItem, error) {
	var (
		inv Invoice
		err error
	)
	for attempt := 1; attempt <= maxNumberAttempts; attempt++ {
		draft.Number, err = s.numbers.Allocate(ctx, draft.OrganizationID, draft.IssueDate)
		if err != nil {
			return Invoice{}, nil, err
		}
		inv, err = s.store.CreateInvoice(ctx, draft)
		if errors.Is(err, ErrDuplicateInvoiceNumber) {
			s.metrics.IncNumberCollision()
			s.logger.Warn("invoice number collision", slog.String("number", draft.Number), slog.Int("attempt", attempt))
			continue
		}
		break
	}
	if err != nil {
		return Invoice{}, nil, fmt.Errorf("create invoice: %w", err)
	}

	out := make([]LineItem, len(lines))
	copy(out, lines)
	for i := range out {
		out[i].InvoiceID = inv.ID
	}
	if err := s.store.CreateLineItems(ctx, inv.ID, out); err != nil {
		if delErr := s.store.DeleteInvoice(context.WithoutCancel(ctx), inv.ID); delErr != nil {
			s.logger.Error("delete orphaned invoice", slog.String("invoice_id", inv.ID.String()), slog.Any("error", delErr))
			return Invoice{}, nil, fmt.Errorf("create line items: %w", errors.Join(err, delErr))
		}
		return Invoice{}, nil, fmt.Errorf("create line items: %w", err)
	}
	return inv, out, nil
}

// PreviewRequest asks for a dry-run pricing of one client's visits.
type PreviewRequest struct {
	OrganizationID uuid.UUID
	ClientID       uuid.UUID
	From           time.Time
	To             time.Time
}

// Preview is a priced but unpersisted view of a client's billable visits.
type Preview struct {
	Config      BillingConfig
	Rules       []RateRule
	Calculation Calculation
}

// Preview prices a client's un-invoiced visits without writing anything.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (Preview, error) {
	if req.OrganizationID == uuid.Nil || req.ClientID == uuid.Nil {
		return Preview{}, fmt.Errorf("%w: organization and client required", ErrPrecondition)
	}
	if req.From.IsZero() || req.To.IsZero() || req.To.Before(req.From) {
		return Preview{}, fmt.Errorf("%w: valid date range required", ErrPrecondition)
	}
	cfg, err := s.settings.Resolve(ctx, req.ClientID)
	if err != nil {
		return Preview{}, err
	}
	rules, err := s.rates.Resolve(ctx, req.ClientID)
	if err != nil {
		return Preview{}, err
	}
	visits, err := s.store.ListClientBillableVisits(ctx, req.OrganizationID, req.ClientID, req.From, req.To)
	if err != nil {
		return Preview{}, fmt.Errorf("load visits: %w", err)
	}
	if err := s.holidays.Annotate(ctx, visits); err != nil {
		return Preview{}, err
	}
	return Preview{Config: cfg, Rules: rules, Calculation: NewCalculator(rules, cfg).Price(visits)}, nil
}

// ClientConfig returns the resolved billing config of a client.
func (s *Service) ClientConfig(ctx context.Context, clientID uuid.UUID) (BillingConfig, error) {
	return s.settings.Resolve(ctx, clientID)
}

// ClientRates returns the normalized rate rules of a client.
func (s *Service) ClientRates(ctx context.Context, clientID uuid.UUID) ([]RateRule, error) {
	return s.rates.Resolve(ctx, clientID)
}

func validatePeriod(req PeriodRequest) error {
	if req.OrganizationID == uuid.Nil {
		return fmt.Errorf("%w: organization required", ErrPrecondition)
	}
	if req.BranchID == uuid.Nil {
		return fmt.Errorf("%w: branch required", ErrPrecondition)
	}
	if req.From.IsZero() || req.To.IsZero() {
		return fmt.Errorf("%w: date range required", ErrPrecondition)
	}
	if req.To.Before(req.From) {
		return fmt.Errorf("%w: range end before start", ErrPrecondition)
	}
	return nil
}

func (s *Service) issueDate(requested time.Time) time.Time {
	if !requested.IsZero() {
		return civilDate(requested)
	}
	return civilDate(s.now())
}

func applyPayer(inv *Invoice, cfg BillingConfig) {
	inv.Payer = cfg.Payer
	if cfg.Payer == PayerAuthority {
		inv.AuthorityID = cfg.AuthorityID
		inv.AuthorityReference = cfg.AuthorityReference
	}
}

func extraTimeLine(e ExtraTimeRecord) LineItem {
	id := e.ID
	cost := round2(e.TotalCost)
	desc := "Extra time"
	if e.Reason != "" {
		desc = "Extra time: " + e.Reason
	}
	return LineItem{
		ExtraTimeID: &id,
		Description: desc,
		ServiceDate: civilDate(e.WorkDate),
		Minutes:     e.Minutes,
		Strategy:    StrategyFlat,
		UnitRate:    cost,
		Quantity:    decimal.NewFromInt(int64(e.Minutes)).Div(sixty).Round(4),
		Multiplier:  one,
		LineTotal:   cost,
		VATAmount:   decimal.Zero,
		DayType:     DayExtraTime,
	}
}

func unpricedDetail(calc Calculation) string {
	if len(calc.Unpriced) > 0 {
		return calc.Unpriced[0].Reason
	}
	return "no completed visits"
}

func nonNil(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

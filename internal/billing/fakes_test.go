package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carebook/carebook/internal/shared"
)

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

type memStore struct {
	mu sync.Mutex

	visits   map[uuid.UUID]*Visit
	extras   map[uuid.UUID]*ExtraTimeRecord
	invoices map[uuid.UUID]Invoice
	lines    map[uuid.UUID][]LineItem

	general     map[uuid.UUID]*GeneralSettings
	private     map[uuid.UUID]*PrivateSettings
	authority   map[uuid.UUID]*AuthoritySettings
	schedules   map[uuid.UUID][]RateScheduleRecord
	assignments map[uuid.UUID][]RateAssignmentRecord
	holidays    []time.Time
	sequences   map[string]int64

	holidayCalls   int
	scheduleCalls  int
	assignmentCall int
	deleted        []uuid.UUID

	// Error injection
	createInvoiceErr error
	lineErrByClient  map[uuid.UUID]error
	deleteErr        error
	markErr          error
	listErr          error
}

func newMemStore() *memStore {
	return &memStore{
		visits:          make(map[uuid.UUID]*Visit),
		extras:          make(map[uuid.UUID]*ExtraTimeRecord),
		invoices:        make(map[uuid.UUID]Invoice),
		lines:           make(map[uuid.UUID][]LineItem),
		general:         make(map[uuid.UUID]*GeneralSettings),
		private:         make(map[uuid.UUID]*PrivateSettings),
		authority:       make(map[uuid.UUID]*AuthoritySettings),
		schedules:       make(map[uuid.UUID][]RateScheduleRecord),
		assignments:     make(map[uuid.UUID][]RateAssignmentRecord),
		sequences:       make(map[string]int64),
		lineErrByClient: make(map[uuid.UUID]error),
	}
}

func (m *memStore) addVisit(v Visit) Visit {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.Status == "" {
		v.Status = VisitCompleted
	}
	copied := v
	m.visits[v.ID] = &copied
	return v
}

func (m *memStore) addExtra(e ExtraTimeRecord) ExtraTimeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = ExtraTimeApproved
	}
	copied := e
	m.extras[e.ID] = &copied
	return e
}

func (m *memStore) visit(id uuid.UUID) Visit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.visits[id]
}

func (m *memStore) invoiceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.invoices)
}

func (m *memStore) linesOf(invoiceID uuid.UUID) []LineItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LineItem(nil), m.lines[invoiceID]...)
}

func (m *memStore) GetVisit(ctx context.Context, organizationID, visitID uuid.UUID) (*Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visits[visitID]
	if !ok || v.OrganizationID != organizationID {
		return nil, ErrVisitNotFound
	}
	copied := *v
	return &copied, nil
}

func (m *memStore) ListBillableVisits(ctx context.Context, organizationID, branchID uuid.UUID, from, to time.Time) ([]Visit, error) {
	return m.listVisits(func(v *Visit) bool {
		return v.OrganizationID == organizationID && v.BranchID == branchID && inRange(v.Date, from, to)
	})
}

func (m *memStore) ListClientBillableVisits(ctx context.Context, organizationID, clientID uuid.UUID, from, to time.Time) ([]Visit, error) {
	return m.listVisits(func(v *Visit) bool {
		return v.OrganizationID == organizationID && v.ClientID == clientID && inRange(v.Date, from, to)
	})
}

func (m *memStore) listVisits(match func(*Visit) bool) ([]Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []Visit
	for _, v := range m.visits {
		if match(v) && !v.Invoiced && v.Status.Completed() {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *memStore) ListPendingExtraTime(ctx context.Context, organizationID, branchID uuid.UUID, from, to time.Time) ([]ExtraTimeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ExtraTimeRecord
	for _, e := range m.extras {
		if !e.Invoiced && e.Status == ExtraTimeApproved && inRange(e.WorkDate, from, to) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memStore) BilledVisitIDs(ctx context.Context, visitIDs []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	return m.billed(visitIDs, func(l LineItem) *uuid.UUID { return l.VisitID })
}

func (m *memStore) BilledExtraTimeIDs(ctx context.Context, extraTimeIDs []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	return m.billed(extraTimeIDs, func(l LineItem) *uuid.UUID { return l.ExtraTimeID })
}

func (m *memStore) billed(ids []uuid.UUID, source func(LineItem) *uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	out := make(map[uuid.UUID]uuid.UUID)
	for invoiceID, lines := range m.lines {
		for _, l := range lines {
			if id := source(l); id != nil {
				if _, ok := wanted[*id]; ok {
					out[*id] = invoiceID
				}
			}
		}
	}
	return out, nil
}

func (m *memStore) CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createInvoiceErr != nil {
		return Invoice{}, m.createInvoiceErr
	}
	for _, existing := range m.invoices {
		if existing.OrganizationID == inv.OrganizationID && existing.Number == inv.Number {
			return Invoice{}, ErrDuplicateInvoiceNumber
		}
	}
	inv.ID = uuid.New()
	inv.CreatedAt = time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	m.invoices[inv.ID] = inv
	return inv, nil
}

func (m *memStore) CreateLineItems(ctx context.Context, invoiceID uuid.UUID, lines []LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[invoiceID]
	if !ok {
		return errors.New("invoice missing")
	}
	if err := m.lineErrByClient[inv.ClientID]; err != nil {
		return err
	}
	m.lines[invoiceID] = append(m.lines[invoiceID], lines...)
	return nil
}

func (m *memStore) DeleteInvoice(ctx context.Context, invoiceID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.invoices, invoiceID)
	delete(m.lines, invoiceID)
	m.deleted = append(m.deleted, invoiceID)
	return nil
}

func (m *memStore) MarkVisitsInvoiced(ctx context.Context, invoiceID uuid.UUID, visitIDs []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	for _, id := range visitIDs {
		if v, ok := m.visits[id]; ok {
			v.Invoiced = true
			ref := invoiceID
			v.InvoiceID = &ref
		}
	}
	return nil
}

func (m *memStore) MarkExtraTimeInvoiced(ctx context.Context, invoiceID uuid.UUID, extraTimeIDs []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	for _, id := range extraTimeIDs {
		if e, ok := m.extras[id]; ok {
			e.Invoiced = true
			ref := invoiceID
			e.InvoiceID = &ref
		}
	}
	return nil
}

func (m *memStore) UnflaggedVisitLines(ctx context.Context, limit int) ([]FlagRepair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FlagRepair
	for invoiceID, lines := range m.lines {
		for _, l := range lines {
			if l.VisitID == nil {
				continue
			}
			if v, ok := m.visits[*l.VisitID]; ok && !v.Invoiced && len(out) < limit {
				out = append(out, FlagRepair{InvoiceID: invoiceID, SourceID: v.ID})
			}
		}
	}
	return out, nil
}

func (m *memStore) UnflaggedExtraTimeLines(ctx context.Context, limit int) ([]FlagRepair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FlagRepair
	for invoiceID, lines := range m.lines {
		for _, l := range lines {
			if l.ExtraTimeID == nil {
				continue
			}
			if e, ok := m.extras[*l.ExtraTimeID]; ok && !e.Invoiced && len(out) < limit {
				out = append(out, FlagRepair{InvoiceID: invoiceID, SourceID: e.ID})
			}
		}
	}
	return out, nil
}

func (m *memStore) GeneralSettings(ctx context.Context, clientID uuid.UUID) (*GeneralSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.general[clientID], nil
}

func (m *memStore) PrivateSettings(ctx context.Context, clientID uuid.UUID) (*PrivateSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.private[clientID], nil
}

func (m *memStore) AuthoritySettings(ctx context.Context, clientID uuid.UUID) (*AuthoritySettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authority[clientID], nil
}

func (m *memStore) ActiveRateSchedules(ctx context.Context, clientID uuid.UUID) ([]RateScheduleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleCalls++
	return m.schedules[clientID], nil
}

func (m *memStore) RateAssignments(ctx context.Context, clientID uuid.UUID) ([]RateAssignmentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignmentCall++
	return m.assignments[clientID], nil
}

func (m *memStore) BankHolidays(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holidayCalls++
	var out []time.Time
	for _, h := range m.holidays {
		if inRange(h, from, to) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memStore) ReserveInvoiceSequence(ctx context.Context, organizationID uuid.UUID, period string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := organizationID.String() + ":" + period
	m.sequences[key]++
	return m.sequences[key], nil
}

func inRange(d, from, to time.Time) bool {
	d = civilDate(d)
	return !d.Before(civilDate(from)) && !d.After(civilDate(to))
}

// ============================================================================
// LOCKER
// ============================================================================

type stubLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired int
	released int
}

func (l *stubLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return nil, shared.ErrLockHeld
	}
	l.held[key] = true
	l.acquired++
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		l.released++
		return nil
	}, nil
}

// ============================================================================
// FIXTURES
// ============================================================================

var (
	testOrg    = uuid.MustParse("6f0f4d2e-2b1c-4a7e-9a8c-1d2e3f4a5b6c")
	testBranch = uuid.MustParse("0c9b8a7d-6e5f-4a3b-8c2d-1e0f9a8b7c6d")
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func ptr[T any](v T) *T { return &v }

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func clock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func hourlySchedule(clientID uuid.UUID, rate string) RateScheduleRecord {
	return RateScheduleRecord{
		ID:          uuid.New(),
		ClientID:    clientID,
		StartDate:   date(2024, time.January, 1),
		DaysCovered: []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun", "bank_holiday"},
		ChargeType:  "rate_per_hour",
		BaseRate:    dec(rate),
		IsVATable:   false,
		IsActive:    true,
	}
}

func completedVisit(clientID uuid.UUID, name string, day time.Time, start, end string) Visit {
	return Visit{
		OrganizationID: testOrg,
		BranchID:       testBranch,
		ClientID:       clientID,
		ClientName:     name,
		Date:           day,
		PlannedStart:   clock(start),
		PlannedEnd:     clock(end),
		Status:         VisitCompleted,
	}
}

func newTestService(store *memStore, locker Locker) *Service {
	svc := NewService(ServiceConfig{
		Store:    store,
		Settings: store,
		Rates:    store,
		Holidays: NewHolidayOracle(store, nil, time.Hour),
		Numbers:  store,
		Locker:   locker,
	})
	svc.now = func() time.Time { return time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC) }
	return svc
}

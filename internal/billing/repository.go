package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/carebook/carebook/internal/platform/db"
)

const uniqueViolation = "23505"

// Repository provides PostgreSQL backed persistence for billing.
type Repository struct {
	pool *pgxpool.Pool
}

var (
	_ Store          = (*Repository)(nil)
	_ SettingsSource = (*Repository)(nil)
	_ RateSource     = (*Repository)(nil)
	_ HolidaySource  = (*Repository)(nil)
	_ SequenceStore  = (*Repository)(nil)
	_ ReconcileStore = (*Repository)(nil)
)

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const visitColumns = `
	v.id, v.organization_id, v.branch_id, v.client_id, c.name, v.visit_date,
	v.planned_start, v.planned_end, v.actual_start, v.actual_end,
	v.status, v.is_invoiced, v.invoice_id`

// GetVisit loads a visit scoped to an organization.
func (r *Repository) GetVisit(ctx context.Context, organizationID, visitID uuid.UUID) (*Visit, error) {
	row := r.pool.QueryRow(ctx, `SELECT`+visitColumns+`
		FROM visits v JOIN clients c ON c.id = v.client_id
		WHERE v.organization_id = $1 AND v.id = $2`, organizationID, visitID)
	v, err := scanVisit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVisitNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListBillableVisits returns completed, un-invoiced visits of a branch in [from, to].
func (r *Repository) ListBillableVisits(ctx context.Context, organizationID, branchID uuid.UUID, from, to time.Time) ([]Visit, error) {
	rows, err := r.pool.Query(ctx, `SELECT`+visitColumns+`
		FROM visits v JOIN clients c ON c.id = v.client_id
		WHERE v.organization_id = $1 AND v.branch_id = $2
		  AND v.visit_date BETWEEN $3 AND $4
		  AND v.status IN ('done', 'completed')
		  AND v.is_invoiced = FALSE
		ORDER BY c.name, v.client_id, v.visit_date, v.planned_start, v.id`,
		organizationID, branchID, civilDate(from), civilDate(to))
	if err != nil {
		return nil, err
	}
	return collectVisits(rows)
}

// ListClientBillableVisits returns completed, un-invoiced visits of one client.
func (r *Repository) ListClientBillableVisits(ctx context.Context, organizationID, clientID uuid.UUID, from, to time.Time) ([]Visit, error) {
	rows, err := r.pool.Query(ctx, `SELECT`+visitColumns+`
		FROM visits v JOIN clients c ON c.id = v.client_id
		WHERE v.organization_id = $1 AND v.client_id = $2
		  AND v.visit_date BETWEEN $3 AND $4
		  AND v.status IN ('done', 'completed')
		  AND v.is_invoiced = FALSE
		  AND NOT EXISTS (SELECT 1 FROM invoice_line_items li WHERE li.visit_id = v.id)
		ORDER BY v.visit_date, v.planned_start, v.id`,
		organizationID, clientID, civilDate(from), civilDate(to))
	if err != nil {
		return nil, err
	}
	return collectVisits(rows)
}

func collectVisits(rows pgx.Rows) ([]Visit, error) {
	defer rows.Close()
	var visits []Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

func scanVisit(row pgx.Row) (Visit, error) {
	var (
		v                        Visit
		plannedStart, plannedEnd pgtype.Time
		actualStart, actualEnd   pgtype.Time
		status                   string
		invoiceID                pgtype.UUID
	)
	if err := row.Scan(&v.ID, &v.OrganizationID, &v.BranchID, &v.ClientID, &v.ClientName, &v.Date,
		&plannedStart, &plannedEnd, &actualStart, &actualEnd,
		&status, &v.Invoiced, &invoiceID); err != nil {
		return Visit{}, err
	}
	v.Date = civilDate(v.Date)
	v.PlannedStart = clockFromPg(plannedStart)
	v.PlannedEnd = clockFromPg(plannedEnd)
	if actualStart.Valid && actualEnd.Valid {
		s, e := clockFromPg(actualStart), clockFromPg(actualEnd)
		v.ActualStart, v.ActualEnd = &s, &e
	}
	v.Status = VisitStatus(status)
	v.InvoiceID = uuidPtr(invoiceID)
	return v, nil
}

// ListPendingExtraTime returns approved, un-invoiced extra time of a branch in [from, to].
func (r *Repository) ListPendingExtraTime(ctx context.Context, organizationID, branchID uuid.UUID, from, to time.Time) ([]ExtraTimeRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT e.id, e.client_id, c.name, e.work_date, e.minutes, e.total_cost, e.reason,
		       e.status, e.is_invoiced, e.invoice_id
		FROM extra_time_records e JOIN clients c ON c.id = e.client_id
		WHERE e.organization_id = $1 AND e.branch_id = $2
		  AND e.work_date BETWEEN $3 AND $4
		  AND e.status = 'approved'
		  AND e.is_invoiced = FALSE
		ORDER BY e.work_date, e.id`,
		organizationID, branchID, civilDate(from), civilDate(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []ExtraTimeRecord
	for rows.Next() {
		var (
			rec       ExtraTimeRecord
			status    string
			invoiceID pgtype.UUID
		)
		if err := rows.Scan(&rec.ID, &rec.ClientID, &rec.ClientName, &rec.WorkDate, &rec.Minutes,
			&rec.TotalCost, &rec.Reason, &status, &rec.Invoiced, &invoiceID); err != nil {
			return nil, err
		}
		rec.Status = ExtraTimeStatus(status)
		rec.InvoiceID = uuidPtr(invoiceID)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// BilledVisitIDs maps the given visits that already carry a line item to their invoice.
func (r *Repository) BilledVisitIDs(ctx context.Context, visitIDs []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	return r.billedSources(ctx, "visit_id", visitIDs)
}

// BilledExtraTimeIDs maps the given extra-time records that carry a line item to their invoice.
func (r *Repository) BilledExtraTimeIDs(ctx context.Context, extraTimeIDs []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	return r.billedSources(ctx, "extra_time_id", extraTimeIDs)
}

func (r *Repository) billedSources(ctx context.Context, column string, ids []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	out := make(map[uuid.UUID]uuid.UUID)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %[1]s, invoice_id FROM invoice_line_items
		WHERE %[1]s = ANY($1::uuid[])`, column), uuidStrings(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var source, invoice uuid.UUID
		if err := rows.Scan(&source, &invoice); err != nil {
			return nil, err
		}
		out[source] = invoice
	}
	return out, rows.Err()
}

// CreateInvoice inserts an invoice header. A taken number yields ErrDuplicateInvoiceNumber.
func (r *Repository) CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO invoices (
			organization_id, branch_id, client_id, invoice_number, description,
			net_amount, vat_amount, total_amount, issue_date, due_date,
			period_start, period_end, status, payer, authority_id, authority_reference,
			booked_minutes, booking_generated, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW())
		RETURNING id, created_at`,
		inv.OrganizationID,
		pgUUID(inv.BranchID),
		inv.ClientID,
		inv.Number,
		inv.Description,
		inv.NetAmount,
		inv.VATAmount,
		inv.TotalAmount,
		inv.IssueDate,
		inv.DueDate,
		pgDate(inv.PeriodStart),
		pgDate(inv.PeriodEnd),
		string(inv.Status),
		string(inv.Payer),
		pgUUID(inv.AuthorityID),
		inv.AuthorityReference,
		inv.BookedMinutes,
		inv.BookingGenerated,
	).Scan(&inv.ID, &inv.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Invoice{}, ErrDuplicateInvoiceNumber
		}
		return Invoice{}, err
	}
	return inv, nil
}

// CreateLineItems inserts all line items of an invoice in one transaction.
func (r *Repository) CreateLineItems(ctx context.Context, invoiceID uuid.UUID, lines []LineItem) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, l := range lines {
			batch.Queue(`
				INSERT INTO invoice_line_items (
					invoice_id, visit_id, extra_time_id, rate_rule_id, description, service_date,
					minutes, charge_type, unit_rate, quantity, multiplier, line_total, vat_amount, day_type
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
				invoiceID,
				pgUUID(l.VisitID),
				pgUUID(l.ExtraTimeID),
				pgUUID(l.RuleID),
				l.Description,
				l.ServiceDate,
				l.Minutes,
				string(l.Strategy),
				l.UnitRate,
				l.Quantity,
				l.Multiplier,
				l.LineTotal,
				l.VATAmount,
				string(l.DayType),
			)
		}
		results := tx.SendBatch(ctx, batch)
		for range lines {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				if isUniqueViolation(err) {
					return fmt.Errorf("line item source already billed: %w", err)
				}
				return err
			}
		}
		return results.Close()
	})
}

// DeleteInvoice removes an invoice header and, by cascade, its line items.
func (r *Repository) DeleteInvoice(ctx context.Context, invoiceID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM invoices WHERE id = $1`, invoiceID)
	return err
}

// MarkVisitsInvoiced flips the invoiced flag of visits and links them to an invoice.
func (r *Repository) MarkVisitsInvoiced(ctx context.Context, invoiceID uuid.UUID, visitIDs []uuid.UUID) error {
	if len(visitIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE visits SET is_invoiced = TRUE, invoice_id = $1, updated_at = NOW()
		WHERE id = ANY($2::uuid[])`, invoiceID, uuidStrings(visitIDs))
	return err
}

// MarkExtraTimeInvoiced flips the invoiced flag of extra-time records.
func (r *Repository) MarkExtraTimeInvoiced(ctx context.Context, invoiceID uuid.UUID, extraTimeIDs []uuid.UUID) error {
	if len(extraTimeIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE extra_time_records SET is_invoiced = TRUE, invoice_id = $1, updated_at = NOW()
		WHERE id = ANY($2::uuid[])`, invoiceID, uuidStrings(extraTimeIDs))
	return err
}

// UnflaggedVisitLines lists visits referenced by a line item but not flagged invoiced.
func (r *Repository) UnflaggedVisitLines(ctx context.Context, limit int) ([]FlagRepair, error) {
	return r.unflagged(ctx, `
		SELECT li.invoice_id, v.id FROM invoice_line_items li
		JOIN visits v ON v.id = li.visit_id
		WHERE v.is_invoiced = FALSE
		ORDER BY li.invoice_id, v.id
		LIMIT $1`, limit)
}

// UnflaggedExtraTimeLines lists extra time referenced by a line item but not flagged invoiced.
func (r *Repository) UnflaggedExtraTimeLines(ctx context.Context, limit int) ([]FlagRepair, error) {
	return r.unflagged(ctx, `
		SELECT li.invoice_id, e.id FROM invoice_line_items li
		JOIN extra_time_records e ON e.id = li.extra_time_id
		WHERE e.is_invoiced = FALSE
		ORDER BY li.invoice_id, e.id
		LIMIT $1`, limit)
}

func (r *Repository) unflagged(ctx context.Context, query string, limit int) ([]FlagRepair, error) {
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var repairs []FlagRepair
	for rows.Next() {
		var fr FlagRepair
		if err := rows.Scan(&fr.InvoiceID, &fr.SourceID); err != nil {
			return nil, err
		}
		repairs = append(repairs, fr)
	}
	return repairs, rows.Err()
}

// GeneralSettings implements SettingsSource.
func (r *Repository) GeneralSettings(ctx context.Context, clientID uuid.UUID) (*GeneralSettings, error) {
	var (
		s   GeneralSettings
		vat decimal.NullDecimal
	)
	err := r.pool.QueryRow(ctx, `
		SELECT service_payer, vat_rate FROM client_billing_settings WHERE client_id = $1`, clientID).
		Scan(&s.ServicePayer, &vat)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.VATRate = decimalPtr(vat)
	return &s, nil
}

// PrivateSettings implements SettingsSource.
func (r *Repository) PrivateSettings(ctx context.Context, clientID uuid.UUID) (*PrivateSettings, error) {
	var (
		actual, extra pgtype.Bool
		credit        pgtype.Int4
	)
	err := r.pool.QueryRow(ctx, `
		SELECT use_actual_time, credit_period_days, charge_extra_time
		FROM client_private_settings WHERE client_id = $1`, clientID).
		Scan(&actual, &credit, &extra)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &PrivateSettings{
		UseActualTime:    boolPtr(actual),
		CreditPeriodDays: intPtr(credit),
		ChargeExtraTime:  boolPtr(extra),
	}, nil
}

// AuthoritySettings implements SettingsSource.
func (r *Repository) AuthoritySettings(ctx context.Context, clientID uuid.UUID) (*AuthoritySettings, error) {
	var (
		s             AuthoritySettings
		authorityID   pgtype.UUID
		actual, extra pgtype.Bool
		credit        pgtype.Int4
	)
	err := r.pool.QueryRow(ctx, `
		SELECT authority_id, reference, use_actual_time, charge_extra_time, credit_period_days
		FROM client_authority_settings WHERE client_id = $1`, clientID).
		Scan(&authorityID, &s.Reference, &actual, &extra, &credit)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.AuthorityID = uuidPtr(authorityID)
	s.UseActualTime = boolPtr(actual)
	s.ChargeExtraTime = boolPtr(extra)
	s.CreditPeriodDays = intPtr(credit)
	return &s, nil
}

// ActiveRateSchedules implements RateSource.
func (r *Repository) ActiveRateSchedules(ctx context.Context, clientID uuid.UUID) ([]RateScheduleRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, client_id, start_date, end_date, days_covered, time_from::text, time_until::text,
		       charge_type, base_rate, rate_15, rate_30, rate_45, rate_60,
		       bank_holiday_multiplier, is_vatable, is_active
		FROM client_rate_schedules
		WHERE client_id = $1 AND is_active = TRUE
		ORDER BY start_date, id`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []RateScheduleRecord
	for rows.Next() {
		var (
			rec                    RateScheduleRecord
			endDate                pgtype.Date
			from, until            pgtype.Text
			r15, r30, r45, r60, bh decimal.NullDecimal
		)
		if err := rows.Scan(&rec.ID, &rec.ClientID, &rec.StartDate, &endDate, &rec.DaysCovered, &from, &until,
			&rec.ChargeType, &rec.BaseRate, &r15, &r30, &r45, &r60, &bh, &rec.IsVATable, &rec.IsActive); err != nil {
			return nil, err
		}
		rec.EndDate = datePtr(endDate)
		rec.TimeFrom = textPtr(from)
		rec.TimeUntil = textPtr(until)
		rec.Rate15, rec.Rate30, rec.Rate45, rec.Rate60 = decimalPtr(r15), decimalPtr(r30), decimalPtr(r45), decimalPtr(r60)
		rec.BankHolidayMultiplier = decimalPtr(bh)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RateAssignments implements RateSource.
func (r *Repository) RateAssignments(ctx context.Context, clientID uuid.UUID) ([]RateAssignmentRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.client_id, a.assigned_from, a.assigned_until, a.is_active,
		       s.id, s.name, s.rate_type, s.amount, s.applicable_days, s.start_time::text, s.end_time::text,
		       s.rate_15, s.rate_30, s.rate_45, s.rate_60, s.bank_holiday_multiplier, s.is_vatable
		FROM client_rate_assignments a JOIN shared_rates s ON s.id = a.shared_rate_id
		WHERE a.client_id = $1
		ORDER BY a.assigned_from, a.id`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []RateAssignmentRecord
	for rows.Next() {
		var (
			rec                    RateAssignmentRecord
			until                  pgtype.Date
			start, end             pgtype.Text
			r15, r30, r45, r60, bh decimal.NullDecimal
		)
		if err := rows.Scan(&rec.ID, &rec.ClientID, &rec.AssignedFrom, &until, &rec.IsActive,
			&rec.Rate.ID, &rec.Rate.Name, &rec.Rate.RateType, &rec.Rate.Amount, &rec.Rate.ApplicableDays, &start, &end,
			&r15, &r30, &r45, &r60, &bh, &rec.Rate.VATApplicable); err != nil {
			return nil, err
		}
		rec.AssignedUntil = datePtr(until)
		rec.Rate.StartTime = textPtr(start)
		rec.Rate.EndTime = textPtr(end)
		rec.Rate.Rate15, rec.Rate.Rate30, rec.Rate.Rate45, rec.Rate.Rate60 = decimalPtr(r15), decimalPtr(r30), decimalPtr(r45), decimalPtr(r60)
		rec.Rate.BankHolidayMultiplier = decimalPtr(bh)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// BankHolidays implements HolidaySource.
func (r *Repository) BankHolidays(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT holiday_date FROM bank_holidays
		WHERE is_active = TRUE AND holiday_date BETWEEN $1 AND $2
		ORDER BY holiday_date`, civilDate(from), civilDate(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, civilDate(d))
	}
	return dates, rows.Err()
}

// ReserveInvoiceSequence implements SequenceStore with a single atomic upsert.
func (r *Repository) ReserveInvoiceSequence(ctx context.Context, organizationID uuid.UUID, period string) (int64, error) {
	var next int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO invoice_sequences (organization_id, period, last_value, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (organization_id, period)
		DO UPDATE SET last_value = invoice_sequences.last_value + 1, updated_at = NOW()
		RETURNING last_value`, organizationID, period).Scan(&next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func clockFromPg(t pgtype.Time) Clock {
	if !t.Valid {
		return 0
	}
	return Clock(t.Microseconds / int64(time.Minute/time.Microsecond))
}

func uuidPtr(v pgtype.UUID) *uuid.UUID {
	if !v.Valid {
		return nil
	}
	id := uuid.UUID(v.Bytes)
	return &id
}

func pgUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil || *id == uuid.Nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

func pgDate(t *time.Time) pgtype.Date {
	if t == nil {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: civilDate(*t), Valid: true}
}

func datePtr(d pgtype.Date) *time.Time {
	if !d.Valid {
		return nil
	}
	t := civilDate(d.Time)
	return &t
}

func textPtr(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	s := t.String
	return &s
}

func boolPtr(b pgtype.Bool) *bool {
	if !b.Valid {
		return nil
	}
	v := b.Bool
	return &v
}

func intPtr(i pgtype.Int4) *int {
	if !i.Valid {
		return nil
	}
	v := int(i.Int32)
	return &v
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

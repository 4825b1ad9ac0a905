package billinghttp

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/carebook/carebook/internal/billing"
)

type invoiceDTO struct {
	ID                 string  `json:"id"`
	Number             string  `json:"number"`
	ClientID           string  `json:"client_id"`
	Description        string  `json:"description"`
	NetAmount          string  `json:"net_amount"`
	VATAmount          string  `json:"vat_amount"`
	TotalAmount        string  `json:"total_amount"`
	IssueDate          string  `json:"issue_date"`
	DueDate            string  `json:"due_date"`
	PeriodStart        *string `json:"period_start,omitempty"`
	PeriodEnd          *string `json:"period_end,omitempty"`
	Status             string  `json:"status"`
	Payer              string  `json:"payer"`
	AuthorityID        *string `json:"authority_id,omitempty"`
	AuthorityReference string  `json:"authority_reference,omitempty"`
	BookedMinutes      int     `json:"booked_minutes"`
}

type lineItemDTO struct {
	VisitID     *string `json:"visit_id,omitempty"`
	ExtraTimeID *string `json:"extra_time_id,omitempty"`
	RuleID      *string `json:"rule_id,omitempty"`
	Description string  `json:"description"`
	ServiceDate string  `json:"service_date"`
	Minutes     int     `json:"minutes"`
	ChargeType  string  `json:"charge_type"`
	UnitRate    string  `json:"unit_rate"`
	Quantity    string  `json:"quantity"`
	Multiplier  string  `json:"multiplier"`
	LineTotal   string  `json:"line_total"`
	VATAmount   string  `json:"vat_amount"`
	DayType     string  `json:"day_type"`
}

type visitResultDTO struct {
	Outcome string        `json:"outcome"`
	Reason  string        `json:"reason,omitempty"`
	Invoice *invoiceDTO   `json:"invoice,omitempty"`
	Lines   []lineItemDTO `json:"lines,omitempty"`
}

type clientInvoiceDTO struct {
	ClientID       string     `json:"client_id"`
	ClientName     string     `json:"client_name"`
	VisitCount     int        `json:"visit_count"`
	ExtraTimeCount int        `json:"extra_time_count"`
	UnpricedCount  int        `json:"unpriced_count"`
	Invoice        invoiceDTO `json:"invoice"`
}

type clientErrorDTO struct {
	ClientID   string `json:"client_id"`
	ClientName string `json:"client_name"`
	Reason     string `json:"reason"`
	VisitCount int    `json:"visit_count"`
}

type summaryDTO struct {
	RunID        string             `json:"run_id"`
	SuccessCount int                `json:"success_count"`
	ErrorCount   int                `json:"error_count"`
	TotalAmount  string             `json:"total_amount"`
	Invoices     []clientInvoiceDTO `json:"invoices"`
	Errors       []clientErrorDTO   `json:"errors"`
}

type configDTO struct {
	Payer              string  `json:"payer"`
	TimeBasis          string  `json:"time_basis"`
	CreditPeriodDays   int     `json:"credit_period_days"`
	ExtraTimeEnabled   bool    `json:"extra_time_enabled"`
	AuthorityID        *string `json:"authority_id,omitempty"`
	AuthorityReference string  `json:"authority_reference,omitempty"`
	VATRate            string  `json:"vat_rate"`
}

type rateRuleDTO struct {
	ID                    string  `json:"id"`
	Name                  string  `json:"name,omitempty"`
	EffectiveFrom         string  `json:"effective_from"`
	EffectiveTo           *string `json:"effective_to,omitempty"`
	Days                  string  `json:"days"`
	From                  string  `json:"from"`
	Until                 string  `json:"until"`
	ChargeType            string  `json:"charge_type"`
	BaseRate              string  `json:"base_rate"`
	BankHolidayMultiplier string  `json:"bank_holiday_multiplier"`
	VATApplicable         bool    `json:"vat_applicable"`
}

type unpricedDTO struct {
	VisitID string `json:"visit_id"`
	Date    string `json:"date"`
	Reason  string `json:"reason"`
}

type previewDTO struct {
	Config        configDTO     `json:"config"`
	RuleCount     int           `json:"rule_count"`
	Lines         []lineItemDTO `json:"lines"`
	Unpriced      []unpricedDTO `json:"unpriced"`
	BookedMinutes int           `json:"booked_minutes"`
	NetAmount     string        `json:"net_amount"`
	VATAmount     string        `json:"vat_amount"`
	TotalAmount   string        `json:"total_amount"`
}

func toInvoiceDTO(inv billing.Invoice) invoiceDTO {
	return invoiceDTO{
		ID:                 inv.ID.String(),
		Number:             inv.Number,
		ClientID:           inv.ClientID.String(),
		Description:        inv.Description,
		NetAmount:          money(inv.NetAmount),
		VATAmount:          money(inv.VATAmount),
		TotalAmount:        money(inv.TotalAmount),
		IssueDate:          inv.IssueDate.Format(time.DateOnly),
		DueDate:            inv.DueDate.Format(time.DateOnly),
		PeriodStart:        dateString(inv.PeriodStart),
		PeriodEnd:          dateString(inv.PeriodEnd),
		Status:             string(inv.Status),
		Payer:              string(inv.Payer),
		AuthorityID:        idString(inv.AuthorityID),
		AuthorityReference: inv.AuthorityReference,
		BookedMinutes:      inv.BookedMinutes,
	}
}

func toLineItemDTOs(lines []billing.LineItem) []lineItemDTO {
	out := make([]lineItemDTO, 0, len(lines))
	for _, l := range lines {
		out = append(out, lineItemDTO{
			VisitID:     idString(l.VisitID),
			ExtraTimeID: idString(l.ExtraTimeID),
			RuleID:      idString(l.RuleID),
			Description: l.Description,
			ServiceDate: l.ServiceDate.Format(time.DateOnly),
			Minutes:     l.Minutes,
			ChargeType:  string(l.Strategy),
			UnitRate:    l.UnitRate.String(),
			Quantity:    l.Quantity.String(),
			Multiplier:  l.Multiplier.String(),
			LineTotal:   money(l.LineTotal),
			VATAmount:   money(l.VATAmount),
			DayType:     string(l.DayType),
		})
	}
	return out
}

func toVisitResultDTO(res billing.VisitResult) visitResultDTO {
	dto := visitResultDTO{Outcome: string(res.Outcome), Reason: res.Reason}
	if res.Invoice != nil {
		inv := toInvoiceDTO(*res.Invoice)
		dto.Invoice = &inv
		dto.Lines = toLineItemDTOs(res.Lines)
	}
	return dto
}

func toSummaryDTO(s billing.PeriodSummary) summaryDTO {
	dto := summaryDTO{
		RunID:        s.RunID.String(),
		SuccessCount: s.SuccessCount,
		ErrorCount:   s.ErrorCount,
		TotalAmount:  money(s.TotalAmount),
		Invoices:     make([]clientInvoiceDTO, 0, len(s.Invoices)),
		Errors:       make([]clientErrorDTO, 0, len(s.Errors)),
	}
	for _, ci := range s.Invoices {
		dto.Invoices = append(dto.Invoices, clientInvoiceDTO{
			ClientID:       ci.ClientID.String(),
			ClientName:     ci.ClientName,
			VisitCount:     ci.VisitCount,
			ExtraTimeCount: ci.ExtraTimeCount,
			UnpricedCount:  len(ci.Unpriced),
			Invoice:        toInvoiceDTO(ci.Invoice),
		})
	}
	for _, ce := range s.Errors {
		dto.Errors = append(dto.Errors, clientErrorDTO{
			ClientID:   ce.ClientID.String(),
			ClientName: ce.ClientName,
			Reason:     ce.Reason,
			VisitCount: ce.VisitCount,
		})
	}
	return dto
}

func toConfigDTO(cfg billing.BillingConfig) configDTO {
	return configDTO{
		Payer:              string(cfg.Payer),
		TimeBasis:          string(cfg.TimeBasis),
		CreditPeriodDays:   cfg.CreditPeriodDays,
		ExtraTimeEnabled:   cfg.ExtraTimeEnabled,
		AuthorityID:        idString(cfg.AuthorityID),
		AuthorityReference: cfg.AuthorityReference,
		VATRate:            cfg.VATRate.String(),
	}
}

func toRateRuleDTO(rule billing.RateRule) rateRuleDTO {
	return rateRuleDTO{
		ID:                    rule.ID.String(),
		Name:                  rule.Name,
		EffectiveFrom:         rule.EffectiveFrom.Format(time.DateOnly),
		EffectiveTo:           dateString(rule.EffectiveTo),
		Days:                  rule.Days.String(),
		From:                  rule.From.String(),
		Until:                 rule.Until.String(),
		ChargeType:            string(rule.Strategy),
		BaseRate:              rule.BaseRate.String(),
		BankHolidayMultiplier: rule.BankHolidayMultiplier.String(),
		VATApplicable:         rule.VATApplicable,
	}
}

func toPreviewDTO(p billing.Preview) previewDTO {
	dto := previewDTO{
		Config:        toConfigDTO(p.Config),
		RuleCount:     len(p.Rules),
		Lines:         toLineItemDTOs(p.Calculation.Lines),
		Unpriced:      make([]unpricedDTO, 0, len(p.Calculation.Unpriced)),
		BookedMinutes: p.Calculation.BookedMinutes,
		NetAmount:     money(p.Calculation.Net),
		VATAmount:     money(p.Calculation.VAT),
		TotalAmount:   money(p.Calculation.Total),
	}
	for _, u := range p.Calculation.Unpriced {
		dto.Unpriced = append(dto.Unpriced, unpricedDTO{
			VisitID: u.VisitID.String(),
			Date:    u.Date.Format(time.DateOnly),
			Reason:  u.Reason,
		})
	}
	return dto
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func dateString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.DateOnly)
	return &s
}

func idString[T interface{ String() string }](id *T) *string {
	if id == nil {
		return nil
	}
	s := (*id).String()
	return &s
}

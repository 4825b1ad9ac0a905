package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultBankHolidayMultiplier applies when a rule leaves the multiplier unset.
var DefaultBankHolidayMultiplier = decimal.NewFromFloat(1.5)

// RateScheduleRecord is a row of the client rate schedule table.
type RateScheduleRecord struct {
	ID                    uuid.UUID
	ClientID              uuid.UUID
	StartDate             time.Time
	EndDate               *time.Time
	DaysCovered           []string
	TimeFrom              *string
	TimeUntil             *string
	ChargeType            string
	BaseRate              decimal.Decimal
	Rate15                *decimal.Decimal
	Rate30                *decimal.Decimal
	Rate45                *decimal.Decimal
	Rate60                *decimal.Decimal
	BankHolidayMultiplier *decimal.Decimal
	IsVATable             bool
	IsActive              bool
}

// SharedRate is a rate definition shared between clients through assignments.
type SharedRate struct {
	ID                    uuid.UUID
	Name                  string
	RateType              string
	Amount                decimal.Decimal
	ApplicableDays        []string
	StartTime             *string
	EndTime               *string
	Rate15                *decimal.Decimal
	Rate30                *decimal.Decimal
	Rate45                *decimal.Decimal
	Rate60                *decimal.Decimal
	BankHolidayMultiplier *decimal.Decimal
	VATApplicable         bool
}

// RateAssignmentRecord links a client to a shared rate for a date range.
type RateAssignmentRecord struct {
	ID            uuid.UUID
	ClientID      uuid.UUID
	AssignedFrom  time.Time
	AssignedUntil *time.Time
	IsActive      bool
	Rate          SharedRate
}

// RateSource loads both legacy rate shapes.
type RateSource interface {
	ActiveRateSchedules(ctx context.Context, clientID uuid.UUID) ([]RateScheduleRecord, error)
	RateAssignments(ctx context.Context, clientID uuid.UUID) ([]RateAssignmentRecord, error)
}

// rateShape is the common view over both storage shapes.
type rateShape struct {
	id         uuid.UUID
	clientID   uuid.UUID
	name       string
	from       time.Time
	to         *time.Time
	days       []string
	timeFrom   *string
	timeUntil  *string
	chargeType string
	base       decimal.Decimal
	tiers      TierRates
	multiplier *decimal.Decimal
	vat        bool
	active     bool
}

func (r RateScheduleRecord) shape() rateShape {
	return rateShape{
		id:         r.ID,
		clientID:   r.ClientID,
		from:       r.StartDate,
		to:         r.EndDate,
		days:       r.DaysCovered,
		timeFrom:   r.TimeFrom,
		timeUntil:  r.TimeUntil,
		chargeType: r.ChargeType,
		base:       r.BaseRate,
		tiers:      TierRates{Min15: r.Rate15, Min30: r.Rate30, Min45: r.Rate45, Min60: r.Rate60},
		multiplier: r.BankHolidayMultiplier,
		vat:        r.IsVATable,
		active:     r.IsActive,
	}
}

func (a RateAssignmentRecord) shape() rateShape {
	return rateShape{
		id:         a.ID,
		clientID:   a.ClientID,
		name:       a.Rate.Name,
		from:       a.AssignedFrom,
		to:         a.AssignedUntil,
		days:       a.Rate.ApplicableDays,
		timeFrom:   a.Rate.StartTime,
		timeUntil:  a.Rate.EndTime,
		chargeType: a.Rate.RateType,
		base:       a.Rate.Amount,
		tiers:      TierRates{Min15: a.Rate.Rate15, Min30: a.Rate.Rate30, Min45: a.Rate.Rate45, Min60: a.Rate.Rate60},
		multiplier: a.Rate.BankHolidayMultiplier,
		vat:        a.Rate.VATApplicable,
		active:     a.IsActive,
	}
}

// NormalizeSchedule converts a rate schedule row into a RateRule.
func NormalizeSchedule(rec RateScheduleRecord) (RateRule, error) {
	return normalize(rec.shape())
}

// NormalizeAssignment converts a rate assignment into a RateRule.
func NormalizeAssignment(rec RateAssignmentRecord) (RateRule, error) {
	return normalize(rec.shape())
}

func normalize(s rateShape) (RateRule, error) {
	strategy, err := ParseChargeStrategy(s.chargeType)
	if err != nil {
		return RateRule{}, err
	}
	days, err := ParseDaySet(s.days)
	if err != nil {
		return RateRule{}, err
	}
	if days == 0 {
		days = AllDays
	}
	from, until := Clock(0), EndOfDay
	if s.timeFrom != nil && *s.timeFrom != "" {
		if from, err = ParseClock(*s.timeFrom); err != nil {
			return RateRule{}, err
		}
	}
	if s.timeUntil != nil && *s.timeUntil != "" {
		if until, err = ParseClock(*s.timeUntil); err != nil {
			return RateRule{}, err
		}
	}
	// "00:00" as an upper bound means midnight at the end of the day.
	if until == 0 {
		until = EndOfDay
	}
	if s.from.IsZero() {
		return RateRule{}, fmt.Errorf("billing: rate %s has no effective date", s.id)
	}
	multiplier := DefaultBankHolidayMultiplier
	if s.multiplier != nil && s.multiplier.IsPositive() {
		multiplier = *s.multiplier
	}
	rule := RateRule{
		ID:                    s.id,
		ClientID:              s.clientID,
		Name:                  s.name,
		EffectiveFrom:         civilDate(s.from),
		Days:                  days,
		From:                  from,
		Until:                 until,
		Strategy:              strategy,
		BaseRate:              s.base,
		Tiers:                 s.tiers,
		BankHolidayMultiplier: multiplier,
		VATApplicable:         s.vat,
		Active:                s.active,
	}
	if s.to != nil {
		to := civilDate(*s.to)
		rule.EffectiveTo = &to
	}
	return rule, nil
}

// RateResolver returns the active, normalized rate rules of a client.
type RateResolver struct {
	source RateSource
	logger *slog.Logger
}

// NewRateResolver constructs the resolver.
func NewRateResolver(source RateSource, logger *slog.Logger) *RateResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateResolver{source: source, logger: logger}
}

// Resolve reads explicit schedules first and falls back to rate assignments.
// An empty result means the client cannot be billed.
func (r *RateResolver) Resolve(ctx context.Context, clientID uuid.UUID) ([]RateRule, error) {
	schedules, err := r.source.ActiveRateSchedules(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("load rate schedules: %w", err)
	}
	var rules []RateRule
	for _, rec := range schedules {
		if !rec.IsActive {
			continue
		}
		rule, err := NormalizeSchedule(rec)
		if err != nil {
			r.logger.Warn("skip rate schedule", slog.String("rate_id", rec.ID.String()), slog.Any("error", err))
			continue
		}
		rules = append(rules, rule)
	}
	if len(rules) == 0 {
		assignments, err := r.source.RateAssignments(ctx, clientID)
		if err != nil {
			return nil, fmt.Errorf("load rate assignments: %w", err)
		}
		for _, rec := range assignments {
			if !rec.IsActive {
				continue
			}
			rule, err := NormalizeAssignment(rec)
			if err != nil {
				r.logger.Warn("skip rate assignment", slog.String("assignment_id", rec.ID.String()), slog.Any("error", err))
				continue
			}
			rules = append(rules, rule)
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		if !rules[i].EffectiveFrom.Equal(rules[j].EffectiveFrom) {
			return rules[i].EffectiveFrom.Before(rules[j].EffectiveFrom)
		}
		return rules[i].ID.String() < rules[j].ID.String()
	})
	return rules, nil
}

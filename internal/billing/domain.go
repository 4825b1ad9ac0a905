package billing

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ChargeStrategy enumerates the pricing formulas a rate rule can apply.
type ChargeStrategy string

const (
	// StrategyHourly charges the base rate per hour of billed time.
	StrategyHourly ChargeStrategy = "rate_per_hour"
	// StrategyFlat charges the base rate once regardless of duration.
	StrategyFlat ChargeStrategy = "flat_rate"
	// StrategyPerMinute charges the base rate per billed minute.
	StrategyPerMinute ChargeStrategy = "pro_rata"
	// StrategyTiered charges the configured 15/30/45/60 minute amounts.
	StrategyTiered ChargeStrategy = "duration_tiered"
)

var strategyAliases = map[string]ChargeStrategy{
	"rate_per_hour":    StrategyHourly,
	"hourly":           StrategyHourly,
	"per_hour":         StrategyHourly,
	"flat_rate":        StrategyFlat,
	"flat":             StrategyFlat,
	"fixed":            StrategyFlat,
	"pro_rata":         StrategyPerMinute,
	"per_minute":       StrategyPerMinute,
	"rate_per_minute":  StrategyPerMinute,
	"duration_tiered":  StrategyTiered,
	"tiered":           StrategyTiered,
	"rate_per_15":      StrategyTiered,
	"fixed_increments": StrategyTiered,
}

// ParseChargeStrategy maps a stored charge-type tag onto the closed strategy set.
func ParseChargeStrategy(tag string) (ChargeStrategy, error) {
	key := strings.ToLower(strings.TrimSpace(tag))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if s, ok := strategyAliases[key]; ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, tag)
}

// Label returns a human readable strategy name.
func (s ChargeStrategy) Label() string {
	switch s {
	case StrategyHourly:
		return "rate per hour"
	case StrategyFlat:
		return "flat rate"
	case StrategyPerMinute:
		return "pro-rata per minute"
	case StrategyTiered:
		return "duration tiered"
	}
	return string(s)
}

// Clock is a wall-clock time of day expressed in minutes after midnight.
type Clock int

// EndOfDay is the exclusive upper bound of a full-day window.
const EndOfDay Clock = 24 * 60

// ParseClock parses "HH:MM" or "HH:MM:SS" values. "24:00" is accepted as EndOfDay.
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	return Clock(h*60 + m), nil
}

// ClockOf returns the time of day of t in its own location.
func ClockOf(t time.Time) Clock {
	return Clock(t.Hour()*60 + t.Minute())
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// DaySet is a bitmask of weekdays plus the bank-holiday pseudo-day.
type DaySet uint8

// BankHolidayDay marks a rule as applicable on bank holidays.
const BankHolidayDay DaySet = 1 << 7

// AllDays covers every weekday and bank holidays.
const AllDays DaySet = 0x7f | BankHolidayDay

// DayOf returns the set containing a single weekday.
func DayOf(w time.Weekday) DaySet {
	return DaySet(1) << uint(w)
}

// Has reports whether the set contains the weekday.
func (d DaySet) Has(w time.Weekday) bool {
	return d&DayOf(w) != 0
}

// CoversBankHoliday reports whether the bank-holiday pseudo-day is set.
func (d DaySet) CoversBankHoliday() bool {
	return d&BankHolidayDay != 0
}

// Count returns the number of days in the set, bank holidays included.
func (d DaySet) Count() int {
	return bits.OnesCount8(uint8(d))
}

// String lists the days in the set as short tags, Monday first.
func (d DaySet) String() string {
	order := []struct {
		day DaySet
		tag string
	}{
		{DayOf(time.Monday), "mon"}, {DayOf(time.Tuesday), "tue"}, {DayOf(time.Wednesday), "wed"},
		{DayOf(time.Thursday), "thu"}, {DayOf(time.Friday), "fri"}, {DayOf(time.Saturday), "sat"},
		{DayOf(time.Sunday), "sun"}, {BankHolidayDay, "bank_holiday"},
	}
	var tags []string
	for _, o := range order {
		if d&o.day != 0 {
			tags = append(tags, o.tag)
		}
	}
	return strings.Join(tags, ",")
}

var dayTags = map[string]DaySet{
	"sun": DayOf(time.Sunday), "sunday": DayOf(time.Sunday),
	"mon": DayOf(time.Monday), "monday": DayOf(time.Monday),
	"tue": DayOf(time.Tuesday), "tuesday": DayOf(time.Tuesday),
	"wed": DayOf(time.Wednesday), "wednesday": DayOf(time.Wednesday),
	"thu": DayOf(time.Thursday), "thursday": DayOf(time.Thursday),
	"fri": DayOf(time.Friday), "friday": DayOf(time.Friday),
	"sat": DayOf(time.Saturday), "saturday": DayOf(time.Saturday),
	"bank_holiday": BankHolidayDay, "bankholiday": BankHolidayDay, "bh": BankHolidayDay,
}

// ParseDaySet converts stored day tags into a DaySet. Unknown tags are rejected.
func ParseDaySet(tags []string) (DaySet, error) {
	var set DaySet
	for _, raw := range tags {
		key := strings.ToLower(strings.TrimSpace(raw))
		key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
		if key == "" {
			continue
		}
		day, ok := dayTags[key]
		if !ok {
			return 0, fmt.Errorf("billing: unknown day tag %q", raw)
		}
		set |= day
	}
	return set, nil
}

// VisitStatus mirrors the scheduling subsystem's visit states.
type VisitStatus string

const (
	VisitScheduled  VisitStatus = "scheduled"
	VisitInProgress VisitStatus = "in_progress"
	VisitDone       VisitStatus = "done"
	VisitCompleted  VisitStatus = "completed"
	VisitCancelled  VisitStatus = "cancelled"
)

// Completed reports whether the status counts as a delivered service.
func (s VisitStatus) Completed() bool {
	return s == VisitDone || s == VisitCompleted
}

// Visit is a scheduled service occurrence read from the scheduling subsystem.
type Visit struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	BranchID       uuid.UUID
	ClientID       uuid.UUID
	ClientName     string
	Date           time.Time
	PlannedStart   Clock
	PlannedEnd     Clock
	ActualStart    *Clock
	ActualEnd      *Clock
	Status         VisitStatus
	BankHoliday    bool
	Invoiced       bool
	InvoiceID      *uuid.UUID
}

// TierRates holds the optional duration-tiered flat amounts.
type TierRates struct {
	Min15 *decimal.Decimal
	Min30 *decimal.Decimal
	Min45 *decimal.Decimal
	Min60 *decimal.Decimal
}

// RateRule is the canonical billing rule used by the calculator.
type RateRule struct {
	ID                    uuid.UUID
	ClientID              uuid.UUID
	Name                  string
	EffectiveFrom         time.Time
	EffectiveTo           *time.Time
	Days                  DaySet
	From                  Clock
	Until                 Clock
	Strategy              ChargeStrategy
	BaseRate              decimal.Decimal
	Tiers                 TierRates
	BankHolidayMultiplier decimal.Decimal
	VATApplicable         bool
	Active                bool
}

// ExtraTimeStatus enumerates extra-time approval states.
type ExtraTimeStatus string

// ExtraTimeApproved marks a record ready for invoicing.
const ExtraTimeApproved ExtraTimeStatus = "approved"

// ExtraTimeRecord is an approved surcharge for work beyond a visit's schedule.
type ExtraTimeRecord struct {
	ID         uuid.UUID
	ClientID   uuid.UUID
	ClientName string
	WorkDate   time.Time
	Minutes    int
	TotalCost  decimal.Decimal
	Reason     string
	Status     ExtraTimeStatus
	Invoiced   bool
	InvoiceID  *uuid.UUID
}

// InvoiceStatus enumerates invoice states set by this engine.
type InvoiceStatus string

const (
	InvoiceDraft   InvoiceStatus = "draft"
	InvoicePending InvoiceStatus = "pending"
)

// DayType tags a line item with the kind of day it was delivered on.
type DayType string

const (
	DayWeekday     DayType = "weekday"
	DaySaturday    DayType = "saturday"
	DaySunday      DayType = "sunday"
	DayBankHoliday DayType = "bank_holiday"
	DayExtraTime   DayType = "extra_time"
)

// Invoice is the persisted invoice header.
type Invoice struct {
	ID                 uuid.UUID
	OrganizationID     uuid.UUID
	BranchID           *uuid.UUID
	ClientID           uuid.UUID
	Number             string
	Description        string
	NetAmount          decimal.Decimal
	VATAmount          decimal.Decimal
	TotalAmount        decimal.Decimal
	IssueDate          time.Time
	DueDate            time.Time
	PeriodStart        *time.Time
	PeriodEnd          *time.Time
	Status             InvoiceStatus
	Payer              Payer
	AuthorityID        *uuid.UUID
	AuthorityReference string
	BookedMinutes      int
	BookingGenerated   bool
	CreatedAt          time.Time
}

// LineItem is one priced visit or one included extra-time record.
type LineItem struct {
	ID          uuid.UUID
	InvoiceID   uuid.UUID
	VisitID     *uuid.UUID
	ExtraTimeID *uuid.UUID
	RuleID      *uuid.UUID
	Description string
	ServiceDate time.Time
	Minutes     int
	Strategy    ChargeStrategy
	UnitRate    decimal.Decimal
	Quantity    decimal.Decimal
	Multiplier  decimal.Decimal
	LineTotal   decimal.Decimal
	VATAmount   decimal.Decimal
	DayType     DayType
}

var (
	// ErrPrecondition indicates a missing organization, branch or visit identifier.
	ErrPrecondition = errors.New("billing: precondition failed")
	// ErrVisitNotFound occurs when the visit does not exist.
	ErrVisitNotFound = errors.New("billing: visit not found")
	// ErrVisitNotCompleted indicates a visit whose status is not a delivered service.
	ErrVisitNotCompleted = errors.New("billing: visit not completed")
	// ErrNoActiveRates indicates a client has no usable rate rules.
	ErrNoActiveRates = errors.New("billing: no active rates")
	// ErrNoBillableLines indicates rate matching produced no line items.
	ErrNoBillableLines = errors.New("billing: no billable line items")
	// ErrRunInProgress occurs when another bulk run holds the organization lock.
	ErrRunInProgress = errors.New("billing: invoice run already in progress")
	// ErrUnknownStrategy indicates an unsupported charge-type tag.
	ErrUnknownStrategy = errors.New("billing: unknown charge strategy")
	// ErrInvalidClock indicates a malformed time-of-day value.
	ErrInvalidClock = errors.New("billing: invalid time of day")
)

// civilDate truncates t to midnight UTC of its calendar date.
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

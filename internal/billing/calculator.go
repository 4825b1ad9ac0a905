package billing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	sixty = decimal.NewFromInt(60)
	one   = decimal.NewFromInt(1)

	errNoMatchingRule = errors.New("no rate rule matches visit date and time")
	errInvalidWindow  = errors.New("visit end is not after start")
	errNoTier         = errors.New("no duration tier configured for billed minutes")
)

// UnpricedVisit reports a visit the calculator could not price.
type UnpricedVisit struct {
	VisitID uuid.UUID
	Date    time.Time
	Reason  string
}

// Calculation is the priced result for a set of visits.
type Calculation struct {
	Lines         []LineItem
	Unpriced      []UnpricedVisit
	BookedMinutes int
	Net           decimal.Decimal
	VAT           decimal.Decimal
	Total         decimal.Decimal
}

// Calculator prices visits against a client's rate rules. It holds no state
// beyond its inputs and never performs I/O.
type Calculator struct {
	rules     []RateRule
	timeBasis TimeBasis
	vatRate   decimal.Decimal
}

// NewCalculator builds a calculator from resolved rules and config.
func NewCalculator(rules []RateRule, cfg BillingConfig) *Calculator {
	copied := make([]RateRule, len(rules))
	copy(copied, rules)
	return &Calculator{rules: copied, timeBasis: cfg.TimeBasis, vatRate: cfg.VATRate}
}

// Price prices every visit and aggregates net, VAT and total amounts. Visits
// are priced in date, start time and id order so storage order never leaks
// into the output.
func (c *Calculator) Price(visits []Visit) Calculation {
	ordered := make([]Visit, len(visits))
	copy(ordered, visits)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Date.Equal(ordered[j].Date) {
			return ordered[i].Date.Before(ordered[j].Date)
		}
		if ordered[i].PlannedStart != ordered[j].PlannedStart {
			return ordered[i].PlannedStart < ordered[j].PlannedStart
		}
		return ordered[i].ID.String() < ordered[j].ID.String()
	})

	result := Calculation{Net: decimal.Zero, VAT: decimal.Zero}
	for _, v := range ordered {
		line, err := c.PriceVisit(v)
		if err != nil {
			result.Unpriced = append(result.Unpriced, UnpricedVisit{VisitID: v.ID, Date: v.Date, Reason: err.Error()})
			continue
		}
		result.Lines = append(result.Lines, line)
		result.BookedMinutes += line.Minutes
		result.Net = result.Net.Add(line.LineTotal)
		result.VAT = result.VAT.Add(line.VATAmount)
	}
	result.Total = result.Net.Add(result.VAT)
	return result
}

// PriceVisit prices a single visit.
func (c *Calculator) PriceVisit(v Visit) (LineItem, error) {
	start, end := c.window(v)
	minutes := int(end - start)
	if minutes <= 0 {
		return LineItem{}, errInvalidWindow
	}
	rule, ok := c.Match(v, start)
	if !ok {
		return LineItem{}, errNoMatchingRule
	}
	amount, unitRate, err := ChargeAmount(rule, minutes)
	if err != nil {
		return LineItem{}, err
	}
	multiplier := one
	if v.BankHoliday {
		multiplier = rule.BankHolidayMultiplier
		if !multiplier.IsPositive() {
			multiplier = DefaultBankHolidayMultiplier
		}
	}
	total := round2(amount.Mul(multiplier))
	vat := decimal.Zero
	if rule.VATApplicable {
		vat = round2(total.Mul(c.vatRate))
	}
	visitID := v.ID
	ruleID := rule.ID
	dayType := DayTypeOf(v)
	return LineItem{
		VisitID:     &visitID,
		RuleID:      &ruleID,
		Description: describeVisit(dayType, start, end, rule.Strategy),
		ServiceDate: civilDate(v.Date),
		Minutes:     minutes,
		Strategy:    rule.Strategy,
		UnitRate:    unitRate,
		Quantity:    decimal.NewFromInt(int64(minutes)).Div(sixty).Round(4),
		Multiplier:  multiplier,
		LineTotal:   total,
		VATAmount:   vat,
		DayType:     dayType,
	}, nil
}

// window picks the billable start and end for a visit.
func (c *Calculator) window(v Visit) (Clock, Clock) {
	if c.timeBasis == TimeBasisActual && v.ActualStart != nil && v.ActualEnd != nil {
		return *v.ActualStart, *v.ActualEnd
	}
	return v.PlannedStart, v.PlannedEnd
}

// Match selects the rule applying to a visit starting at start. On a bank
// holiday, rules covering bank holidays win over plain weekday rules, and among
// those the rule naming the fewest days wins, so a dedicated bank-holiday rule
// beats one that covers every day. Remaining ties are broken by the narrowest
// time window, then the latest effective date, then the lowest rule id.
func (c *Calculator) Match(v Visit, start Clock) (RateRule, bool) {
	date := civilDate(v.Date)
	var holiday, weekday []RateRule
	for _, rule := range c.rules {
		if !rule.Active || !rule.effectiveOn(date) || !rule.coversTime(start) {
			continue
		}
		if v.BankHoliday && rule.Days.CoversBankHoliday() {
			holiday = append(holiday, rule)
			continue
		}
		if rule.Days.Has(date.Weekday()) {
			weekday = append(weekday, rule)
		}
	}
	candidates, bySpecificity := weekday, false
	if len(holiday) > 0 {
		candidates, bySpecificity = holiday, true
	}
	if len(candidates) == 0 {
		return RateRule{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if bySpecificity && a.Days.Count() != b.Days.Count() {
			return a.Days.Count() < b.Days.Count()
		}
		if a.windowLength() != b.windowLength() {
			return a.windowLength() < b.windowLength()
		}
		if !a.EffectiveFrom.Equal(b.EffectiveFrom) {
			return a.EffectiveFrom.After(b.EffectiveFrom)
		}
		return a.ID.String() < b.ID.String()
	})
	return candidates[0], true
}

func (r RateRule) effectiveOn(date time.Time) bool {
	if date.Before(r.EffectiveFrom) {
		return false
	}
	return r.EffectiveTo == nil || !date.After(*r.EffectiveTo)
}

// coversTime reports whether start lies in [From, Until). A window whose
// upper bound is before its lower bound wraps past midnight.
func (r RateRule) coversTime(start Clock) bool {
	until := r.Until
	if until == 0 {
		until = EndOfDay
	}
	if r.From <= until {
		return start >= r.From && start < until
	}
	return start >= r.From || start < until
}

func (r RateRule) windowLength() int {
	until := r.Until
	if until == 0 {
		until = EndOfDay
	}
	if r.From <= until {
		return int(until - r.From)
	}
	return int(EndOfDay-r.From) + int(until)
}

// ChargeAmount computes the pre-multiplier amount and the unit rate reported
// on the line for a rule and a billed duration.
func ChargeAmount(rule RateRule, minutes int) (amount, unitRate decimal.Decimal, err error) {
	mins := decimal.NewFromInt(int64(minutes))
	switch rule.Strategy {
	case StrategyHourly:
		return rule.BaseRate.Mul(mins).Div(sixty), rule.BaseRate, nil
	case StrategyFlat:
		return rule.BaseRate, rule.BaseRate, nil
	case StrategyPerMinute:
		return rule.BaseRate.Mul(mins), rule.BaseRate, nil
	case StrategyTiered:
		amt, ok := TierAmount(rule.Tiers, minutes)
		if !ok {
			return decimal.Zero, decimal.Zero, errNoTier
		}
		return amt, amt, nil
	}
	return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownStrategy, rule.Strategy)
}

// TierAmount selects the smallest configured tier at or above minutes. An
// exact boundary belongs to its own tier, so 15 minutes bills the 15 tier and
// 16 minutes the 30 tier. Durations above an hour bill whole hours at the 60
// tier plus the tier of the remaining minutes.
func TierAmount(t TierRates, minutes int) (decimal.Decimal, bool) {
	if minutes <= 0 {
		return decimal.Zero, false
	}
	total := decimal.Zero
	rem := minutes
	if minutes > 60 {
		if t.Min60 == nil {
			return decimal.Zero, false
		}
		hours := minutes / 60
		rem = minutes % 60
		total = t.Min60.Mul(decimal.NewFromInt(int64(hours)))
	}
	if rem == 0 {
		return total, true
	}
	tiers := []struct {
		limit int
		rate  *decimal.Decimal
	}{{15, t.Min15}, {30, t.Min30}, {45, t.Min45}, {60, t.Min60}}
	for _, tier := range tiers {
		if tier.rate == nil || rem > tier.limit {
			continue
		}
		return total.Add(*tier.rate), true
	}
	return decimal.Zero, false
}

// DayTypeOf classifies the day a visit was delivered on.
func DayTypeOf(v Visit) DayType {
	if v.BankHoliday {
		return DayBankHoliday
	}
	switch v.Date.Weekday() {
	case time.Saturday:
		return DaySaturday
	case time.Sunday:
		return DaySunday
	}
	return DayWeekday
}

func describeVisit(day DayType, start, end Clock, strategy ChargeStrategy) string {
	// Casers are stateful; build one per call.
	label := cases.Title(language.BritishEnglish).String(strings.ReplaceAll(string(day), "_", " "))
	return fmt.Sprintf("%s visit %s-%s (%s)", label, start, end, strategy.Label())
}

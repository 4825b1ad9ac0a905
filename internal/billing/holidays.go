package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const holidayCacheKeyPrefix = "billing:bank_holidays"

// HolidaySource lists active bank holidays in an inclusive date range.
type HolidaySource interface {
	BankHolidays(ctx context.Context, from, to time.Time) ([]time.Time, error)
}

// HolidayOracle answers bank-holiday questions against the reference calendar.
// Calendar years are cached in Redis when a client is configured.
type HolidayOracle struct {
	source HolidaySource
	client *redis.Client
	ttl    time.Duration
}

// NewHolidayOracle constructs the oracle. client may be nil to disable caching.
func NewHolidayOracle(source HolidaySource, client *redis.Client, ttl time.Duration) *HolidayOracle {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &HolidayOracle{source: source, client: client, ttl: ttl}
}

// IsBankHoliday reports whether date is a bank holiday.
func (o *HolidayOracle) IsBankHoliday(ctx context.Context, date time.Time) (bool, error) {
	set, err := o.year(ctx, date.Year())
	if err != nil {
		return false, err
	}
	_, ok := set[civilDate(date).Format(time.DateOnly)]
	return ok, nil
}

// Annotate sets the BankHoliday flag of every visit in place.
func (o *HolidayOracle) Annotate(ctx context.Context, visits []Visit) error {
	years := make(map[int]map[string]struct{})
	for i := range visits {
		y := visits[i].Date.Year()
		set, ok := years[y]
		if !ok {
			var err error
			set, err = o.year(ctx, y)
			if err != nil {
				return err
			}
			years[y] = set
		}
		_, visits[i].BankHoliday = set[civilDate(visits[i].Date).Format(time.DateOnly)]
	}
	return nil
}

// Invalidate drops the cached calendar for a year.
func (o *HolidayOracle) Invalidate(ctx context.Context, year int) error {
	if o == nil || o.client == nil {
		return nil
	}
	return o.client.Del(ctx, holidayCacheKey(year)).Err()
}

func (o *HolidayOracle) year(ctx context.Context, year int) (map[string]struct{}, error) {
	if o == nil || o.source == nil {
		return map[string]struct{}{}, nil
	}
	key := holidayCacheKey(year)
	if o.client != nil {
		raw, err := o.client.Get(ctx, key).Bytes()
		if err == nil {
			var dates []string
			if err := json.Unmarshal(raw, &dates); err == nil {
				return toSet(dates), nil
			}
		} else if !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("holiday cache: %w", err)
		}
	}

	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC)
	holidays, err := o.source.BankHolidays(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load bank holidays: %w", err)
	}
	dates := make([]string, 0, len(holidays))
	for _, h := range holidays {
		dates = append(dates, civilDate(h).Format(time.DateOnly))
	}
	if o.client != nil {
		raw, err := json.Marshal(dates)
		if err != nil {
			return nil, err
		}
		if err := o.client.Set(ctx, key, raw, o.ttl).Err(); err != nil {
			return nil, fmt.Errorf("holiday cache: %w", err)
		}
	}
	return toSet(dates), nil
}

func holidayCacheKey(year int) string {
	return fmt.Sprintf("%s:%d", holidayCacheKeyPrefix, year)
}

func toSet(dates []string) map[string]struct{} {
	set := make(map[string]struct{}, len(dates))
	for _, d := range dates {
		set[d] = struct{}{}
	}
	return set
}

package billing

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestHolidayOracleCachesCalendarYear(t *testing.T) {
	store := newMemStore()
	store.holidays = []time.Time{date(2025, time.December, 25), date(2025, time.December, 26)}
	mr, client := newTestRedis(t)
	oracle := NewHolidayOracle(store, client, time.Hour)
	ctx := context.Background()

	ok, err := oracle.IsBankHoliday(ctx, time.Date(2025, 12, 25, 18, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = oracle.IsBankHoliday(ctx, date(2025, time.December, 24))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, store.holidayCalls, "second lookup served from cache")
	assert.True(t, mr.Exists(holidayCacheKey(2025)))
	assert.Equal(t, time.Hour, mr.TTL(holidayCacheKey(2025)))

	require.NoError(t, oracle.Invalidate(ctx, 2025))
	_, err = oracle.IsBankHoliday(ctx, date(2025, time.December, 24))
	require.NoError(t, err)
	assert.Equal(t, 2, store.holidayCalls)
}

func TestHolidayOracleAnnotate(t *testing.T) {
	store := newMemStore()
	store.holidays = []time.Time{date(2025, time.December, 25), date(2026, time.January, 1)}
	oracle := NewHolidayOracle(store, nil, 0)

	visits := []Visit{
		{Date: date(2025, time.December, 24)},
		{Date: date(2025, time.December, 25)},
		{Date: date(2026, time.January, 1), BankHoliday: false},
		{Date: date(2026, time.January, 2), BankHoliday: true},
	}
	require.NoError(t, oracle.Annotate(context.Background(), visits))
	assert.False(t, visits[0].BankHoliday)
	assert.True(t, visits[1].BankHoliday)
	assert.True(t, visits[2].BankHoliday)
	assert.False(t, visits[3].BankHoliday, "stale flags are overwritten")
	assert.Equal(t, 2, store.holidayCalls, "one lookup per calendar year")
}

func TestHolidayOracleWithoutSource(t *testing.T) {
	oracle := NewHolidayOracle(nil, nil, 0)
	ok, err := oracle.IsBankHoliday(context.Background(), date(2025, time.December, 25))
	require.NoError(t, err)
	assert.False(t, ok)
}

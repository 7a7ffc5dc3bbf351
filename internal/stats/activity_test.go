package stats

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/helix-identity/helix/internal/shared"
	_ "github.com/helix-identity/helix/testing"
)

func newTestAggregator(t *testing.T) (*Aggregator, *shared.FixedClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clock := &shared.FixedClock{T: time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)}
	return NewAggregator(client, clock), clock
}

func TestRecordActiveIsIdempotent(t *testing.T) {
	agg, clock := newTestAggregator(t)
	ctx := context.Background()

	require.NoError(t, agg.RecordActive(ctx, 1))
	require.NoError(t, agg.RecordActive(ctx, 1))
	require.NoError(t, agg.RecordActive(ctx, 2))

	count, err := agg.CountActive(ctx, clock.Now())
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestCountActiveEmptyDay(t *testing.T) {
	agg, clock := newTestAggregator(t)

	count, err := agg.CountActive(context.Background(), clock.Now().AddDate(0, 0, -3))
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestRollingAverageIncludesEmptyDays(t *testing.T) {
	agg, clock := newTestAggregator(t)
	ctx := context.Background()

	// Two users active yesterday, one two days ago, nothing else this week.
	clock.Advance(-24 * time.Hour)
	require.NoError(t, agg.RecordActive(ctx, 1))
	require.NoError(t, agg.RecordActive(ctx, 2))
	clock.Advance(-24 * time.Hour)
	require.NoError(t, agg.RecordActive(ctx, 3))
	clock.Advance(48 * time.Hour)

	avg, err := agg.RollingAverage(ctx, 7)
	require.NoError(t, err)
	require.InDelta(t, 3.0/7.0, avg, 1e-9)
}

func TestLastWeekCountsMostRecentFirst(t *testing.T) {
	agg, clock := newTestAggregator(t)
	ctx := context.Background()

	clock.Advance(-24 * time.Hour)
	require.NoError(t, agg.RecordActive(ctx, 1))
	require.NoError(t, agg.RecordActive(ctx, 2))
	clock.Advance(24 * time.Hour)

	counts, err := agg.LastWeekCounts(ctx)
	require.NoError(t, err)
	require.Len(t, counts, 7)
	require.Equal(t, int64(2), counts[0])
	for _, c := range counts[1:] {
		require.Equal(t, int64(0), c)
	}
}

func TestDayBoundaryIsUTC(t *testing.T) {
	agg, clock := newTestAggregator(t)
	ctx := context.Background()

	require.NoError(t, agg.RecordActive(ctx, 1))
	// Eight hours later it is still the same UTC day.
	clock.Advance(8 * time.Hour)
	require.NoError(t, agg.RecordActive(ctx, 2))

	count, err := agg.CountActive(ctx, clock.Now())
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

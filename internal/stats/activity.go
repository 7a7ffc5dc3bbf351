// Package stats tracks daily active users in Redis sets and derives rolling
// statistics from them.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/helix-identity/helix/internal/shared"
)

// DayFormat is the calendar-day key format, always in UTC so every process
// agrees on day boundaries.
const DayFormat = "2006-01-02"

// Aggregator records per-day active-user sets.
type Aggregator struct {
	client *redis.Client
	clock  shared.Clock
}

// NewAggregator constructs an Aggregator.
func NewAggregator(client *redis.Client, clock shared.Clock) *Aggregator {
	return &Aggregator{client: client, clock: clock}
}

// DayKey returns the Redis key for a calendar day.
func DayKey(day time.Time) string {
	return "active:user:" + day.UTC().Format(DayFormat)
}

// RecordActive adds the user to today's active set. Set semantics make
// repeat calls within a day idempotent.
func (a *Aggregator) RecordActive(ctx context.Context, userID int64) error {
	if err := a.client.SAdd(ctx, DayKey(a.clock.Now()), userID).Err(); err != nil {
		return fmt.Errorf("stats: record active: %w", err)
	}
	return nil
}

// CountActive returns the cardinality of a day's active set. Days with no
// recorded activity count zero.
func (a *Aggregator) CountActive(ctx context.Context, day time.Time) (int64, error) {
	count, err := a.client.SCard(ctx, DayKey(day)).Result()
	if err != nil {
		return 0, fmt.Errorf("stats: count active: %w", err)
	}
	return count, nil
}

// LastWeekCounts returns the seven trailing daily counts ending yesterday,
// most recent first. Today's set is still filling and is excluded.
func (a *Aggregator) LastWeekCounts(ctx context.Context) ([]int64, error) {
	return a.trailingCounts(ctx, 7)
}

// RollingAverage returns the mean daily active count over the trailing days
// window ending yesterday. Empty days contribute zero.
func (a *Aggregator) RollingAverage(ctx context.Context, days int) (float64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("stats: days must be positive, got %d", days)
	}
	counts, err := a.trailingCounts(ctx, days)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, c := range counts {
		total += c
	}
	return float64(total) / float64(days), nil
}

func (a *Aggregator) trailingCounts(ctx context.Context, days int) ([]int64, error) {
	today := a.clock.Now().UTC()
	counts := make([]int64, 0, days)
	for i := 0; i < days; i++ {
		day := today.AddDate(0, 0, -(i + 1))
		count, err := a.CountActive(ctx, day)
		if err != nil {
			return nil, err
		}
		counts = append(counts, count)
	}
	return counts, nil
}

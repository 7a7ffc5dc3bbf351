package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/helix-identity/helix/internal/shared"
	"github.com/helix-identity/helix/internal/stats"
)

// StatsSnapshotJob periodically records the rolling active-user average.
type StatsSnapshotJob struct {
	Activity *stats.Aggregator
	Logger   *slog.Logger
}

// NewStatsSnapshotJob wires dependencies for the snapshot handler.
func NewStatsSnapshotJob(activity *stats.Aggregator, logger *slog.Logger) *StatsSnapshotJob {
	return &StatsSnapshotJob{Activity: activity, Logger: logger}
}

// Handle processes stats snapshot tasks.
func (j *StatsSnapshotJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Activity == nil {
		return errors.New("stats snapshot: handler not configured")
	}
	var payload StatsSnapshotPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Days <= 0 {
		payload.Days = 7
	}

	avg, err := j.Activity.RollingAverage(ctx, payload.Days)
	if err != nil {
		return err
	}
	counts, err := j.Activity.LastWeekCounts(ctx)
	if err != nil {
		return err
	}
	j.Logger.Info("activity snapshot",
		slog.Int("days", payload.Days),
		slog.Float64("rolling_average", avg),
		slog.Any("last_week", counts),
	)
	return nil
}

// ActivityCleanupJob puts a TTL on daily active sets older than retention so
// they age out of Redis instead of accumulating forever.
type ActivityCleanupJob struct {
	Redis  *redis.Client
	Clock  shared.Clock
	Logger *slog.Logger
}

// NewActivityCleanupJob wires dependencies for the cleanup handler.
func NewActivityCleanupJob(client *redis.Client, clock shared.Clock, logger *slog.Logger) *ActivityCleanupJob {
	return &ActivityCleanupJob{Redis: client, Clock: clock, Logger: logger}
}

// Handle processes activity cleanup tasks. It sweeps a bounded range of days
// beyond retention; repeated runs converge.
func (j *ActivityCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Redis == nil {
		return errors.New("activity cleanup: handler not configured")
	}
	var payload ActivityCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.RetentionDays <= 0 {
		payload.RetentionDays = 90
	}

	today := j.Clock.Now().UTC()
	expired := 0
	for i := payload.RetentionDays; i < payload.RetentionDays+30; i++ {
		day := today.AddDate(0, 0, -i)
		key := stats.DayKey(day)
		ok, err := j.Redis.Expire(ctx, key, time.Hour).Result()
		if err != nil {
			return err
		}
		if ok {
			expired++
		}
	}
	j.Logger.Info("activity retention sweep", slog.Int("expired_sets", expired))
	return nil
}

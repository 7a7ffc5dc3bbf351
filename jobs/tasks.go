package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskStatsSnapshot logs the rolling active-user average for dashboards
	// scraping worker output.
	TaskStatsSnapshot = "stats:snapshot"

	// TaskActivityCleanup expires daily active-user sets past retention.
	TaskActivityCleanup = "activity:cleanup"
)

// StatsSnapshotPayload parameterises a snapshot run.
type StatsSnapshotPayload struct {
	Days int `json:"days"`
}

// NewStatsSnapshotTask constructs a stats snapshot task.
func NewStatsSnapshotTask(payload StatsSnapshotPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStatsSnapshot, data), nil
}

// ActivityCleanupPayload parameterises a retention sweep.
type ActivityCleanupPayload struct {
	RetentionDays int `json:"retention_days"`
}

// NewActivityCleanupTask constructs an activity cleanup task.
func NewActivityCleanupTask(payload ActivityCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskActivityCleanup, data), nil
}

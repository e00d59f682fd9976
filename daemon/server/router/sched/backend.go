package sched

import (
	"context"

	"github.com/imagevault/imagevault/api/types"
)

// Backend exposes the scheduled-job definitions and their run history.
type Backend interface {
	ScheduledJobs(ctx context.Context) ([]types.ScheduledJob, error)
	SetScheduledJobEnabled(ctx context.Context, id string, enabled bool) error
	ScheduledJobRuns(ctx context.Context, id string, offset, limit int64) ([]types.ScheduledJobRun, error)
}

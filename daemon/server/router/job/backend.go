package job

import (
	"context"

	"github.com/imagevault/imagevault/api/types"
)

// Backend exposes background-job status and cancellation.
type Backend interface {
	Job(ctx context.Context, id string) (*types.BackgroundJob, error)
	CancelJob(ctx context.Context, id string) error
	RunningJobs(ctx context.Context) ([]types.BackgroundJob, error)
}

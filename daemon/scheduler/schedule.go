// Package scheduler fires periodic jobs. Definitions live in the catalog;
// a compare-and-set claim on the job status keeps concurrent scheduler
// processes from double-firing.
package scheduler

import (
	"time"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/imagevault/imagevault/daemon/catalog"
)

// NextRun computes when a scheduled job should fire next.
//
// Interval schedules anchor on the last run so a slow executor does not
// drift the cadence; a job that never ran is due immediately. Cron
// schedules use the standard five-field expression and fire at the next
// matching instant after max(lastRunAt, now).
func NextRun(job *catalog.ScheduledJob, now time.Time) (time.Time, error) {
	switch job.ScheduleKind {
	case catalog.ScheduleInterval:
		if job.IntervalMin <= 0 {
			return time.Time{}, errors.Wrapf(errdefs.ErrInvalidArgument, "scheduled job %s: interval %d minutes", job.ID, job.IntervalMin)
		}
		if job.LastRunAt == nil {
			return now, nil
		}
		return job.LastRunAt.Add(time.Duration(job.IntervalMin) * time.Minute), nil
	case catalog.ScheduleCron:
		sched, err := cron.ParseStandard(job.CronExpr)
		if err != nil {
			return time.Time{}, errors.Wrapf(errdefs.ErrInvalidArgument, "scheduled job %s: cron %q: %v", job.ID, job.CronExpr, err)
		}
		after := now
		if job.LastRunAt != nil && job.LastRunAt.After(now) {
			after = *job.LastRunAt
		}
		return sched.Next(after), nil
	}
	return time.Time{}, errors.Wrapf(errdefs.ErrInvalidArgument, "scheduled job %s: schedule kind %q", job.ID, job.ScheduleKind)
}

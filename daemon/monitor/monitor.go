// Package monitor reconciles background-job state that no single consumer
// owns: completing fan-out jobs once every child reported, timing out jobs
// whose producer died, and freeing scheduled jobs whose run went stale.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/imagevault/imagevault/daemon/catalog"
	"github.com/imagevault/imagevault/daemon/placement"
)

// Jobs is the background-job surface the monitor reconciles.
type Jobs interface {
	ListRunning(ctx context.Context) ([]catalog.BackgroundJob, error)
	Transition(ctx context.Context, id string, from, to catalog.JobStatus) error
	Fail(ctx context.Context, id, reason string) error
	Get(ctx context.Context, id string) (*catalog.BackgroundJob, error)
}

// Scheduled is the scheduled-run surface for stale-run recovery.
type Scheduled interface {
	Get(ctx context.Context, id string) (*catalog.ScheduledJob, error)
	StaleRuns(ctx context.Context, olderThan time.Time) ([]catalog.ScheduledJobRun, error)
	CloseRun(ctx context.Context, runID string, status catalog.JobStatus, errMsg string) error
	ForceIdle(ctx context.Context, id string) error
}

// Auditor reconciles cache-root accounting on the slow cadence.
type Auditor interface {
	Audit(ctx context.Context) ([]placement.AuditReport, error)
}

// Sink receives lifecycle updates for the event stream.
type Sink interface {
	Publish(job *catalog.BackgroundJob)
}

// Config tunes the reconciliation cadences.
type Config struct {
	// Interval is the job reconciliation cadence.
	Interval time.Duration
	// AuditEvery is the cache-root audit cadence.
	AuditEvery time.Duration
	// MaxRunAge declares a scheduled run dead when its executor never
	// closed it and the owning job carries no timeout of its own.
	MaxRunAge time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:   5 * time.Second,
		AuditEvery: time.Hour,
		MaxRunAge:  2 * time.Hour,
	}
}

// Monitor runs the reconciliation loops.
type Monitor struct {
	jobs  Jobs
	sched Scheduled
	audit Auditor
	sink  Sink
	cfg   Config
}

func New(jobs Jobs, sched Scheduled, audit Auditor, sink Sink, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.AuditEvery <= 0 {
		cfg.AuditEvery = time.Hour
	}
	if cfg.MaxRunAge <= 0 {
		cfg.MaxRunAge = 2 * time.Hour
	}
	return &Monitor{jobs: jobs, sched: sched, audit: audit, sink: sink, cfg: cfg}
}

// Run loops until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	auditTicker := time.NewTicker(m.cfg.AuditEvery)
	defer auditTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.reconcileJobs(ctx)
			m.reconcileRuns(ctx)
		case <-auditTicker.C:
			if m.audit != nil {
				if _, err := m.audit.Audit(ctx); err != nil {
					log.G(ctx).WithError(err).Warn("periodic cache audit failed")
				}
			}
		}
	}
}

// ReconcileOnce runs a single reconciliation pass. The loop and tests
// share it.
func (m *Monitor) ReconcileOnce(ctx context.Context) {
	m.reconcileJobs(ctx)
	m.reconcileRuns(ctx)
}

func (m *Monitor) reconcileJobs(ctx context.Context) {
	jobs, err := m.jobs.ListRunning(ctx)
	if err != nil {
		log.G(ctx).WithError(err).Warn("listing running jobs failed")
		return
	}
	now := time.Now().UTC()
	for i := range jobs {
		job := jobs[i]
		switch {
		case job.Total > 0 && job.Done+job.Failed >= job.Total:
			// All children reported. A job with failures still completes;
			// the failed counter and lastError carry the detail.
			if err := m.jobs.Transition(ctx, job.ID, catalog.JobRunning, catalog.JobCompleted); err != nil {
				if !errdefs.IsConflict(err) {
					log.G(ctx).WithError(err).WithField("job", job.ID).Warn("completing job failed")
				}
				continue
			}
			m.publish(ctx, job.ID)
		case job.TimeoutSec > 0 && now.Sub(job.StartedAt) > time.Duration(job.TimeoutSec)*time.Second:
			reason := fmt.Sprintf("timed out after %ds (%d/%d done)", job.TimeoutSec, job.Done+job.Failed, job.Total)
			if err := m.jobs.Fail(ctx, job.ID, reason); err != nil {
				log.G(ctx).WithError(err).WithField("job", job.ID).Warn("failing timed-out job failed")
				continue
			}
			log.G(ctx).WithFields(log.Fields{"job": job.ID, "kind": job.Kind}).Warn("background job timed out")
			m.publish(ctx, job.ID)
		}
	}
}

func (m *Monitor) reconcileRuns(ctx context.Context) {
	now := time.Now().UTC()
	runs, err := m.sched.StaleRuns(ctx, now)
	if err != nil {
		log.G(ctx).WithError(err).Warn("listing stale scheduled runs failed")
		return
	}
	for i := range runs {
		run := runs[i]
		// Each run is judged against its own job's timeout; jobs without
		// one fall back to MaxRunAge.
		deadAfter := m.cfg.MaxRunAge
		if job, err := m.sched.Get(ctx, run.ScheduledJobID); err == nil && job.TimeoutMin > 0 {
			deadAfter = time.Duration(job.TimeoutMin) * time.Minute
		}
		if now.Sub(run.StartedAt) <= deadAfter {
			continue
		}
		if err := m.sched.CloseRun(ctx, run.ID, catalog.JobFailed, "run abandoned, executor never completed"); err != nil {
			log.G(ctx).WithError(err).WithField("run", run.ID).Warn("closing stale run failed")
			continue
		}
		if err := m.sched.ForceIdle(ctx, run.ScheduledJobID); err != nil {
			log.G(ctx).WithError(err).WithField("scheduledJob", run.ScheduledJobID).Warn("freeing scheduled job failed")
		}
		log.G(ctx).WithFields(log.Fields{"run": run.ID, "scheduledJob": run.ScheduledJobID}).Warn("stale scheduled run recovered")
	}
}

func (m *Monitor) publish(ctx context.Context, jobID string) {
	if m.sink == nil {
		return
	}
	job, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return
	}
	m.sink.Publish(job)
}

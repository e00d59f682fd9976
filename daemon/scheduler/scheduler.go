package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/imagevault/imagevault/daemon/catalog"
)

// Store is the scheduled-job persistence surface.
type Store interface {
	Due(ctx context.Context, now time.Time) ([]catalog.ScheduledJob, error)
	Claim(ctx context.Context, id string, now time.Time) (*catalog.ScheduledJob, error)
	Release(ctx context.Context, id string, succeeded bool, nextRunAt time.Time) error
	SetNextRun(ctx context.Context, id string, at time.Time) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	CreateRun(ctx context.Context, scheduledJobID, triggeredBy string, startedAt time.Time) (*catalog.ScheduledJobRun, error)
	CloseRun(ctx context.Context, runID string, status catalog.JobStatus, errMsg string) error
}

// Runner executes one claimed firing.
type Runner interface {
	Execute(ctx context.Context, job *catalog.ScheduledJob) error
}

// Config tunes the firing loop.
type Config struct {
	// Tick is the poll cadence.
	Tick time.Duration
	// DefaultTimeout bounds a firing whose definition carries no
	// timeoutMin.
	DefaultTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{Tick: time.Second, DefaultTimeout: 30 * time.Minute}
}

// Scheduler polls for due jobs and fires them. Many schedulers may share
// one catalog; the claim CAS elects a single winner per firing.
type Scheduler struct {
	store  Store
	runner Runner
	cfg    Config

	wg sync.WaitGroup
}

func New(store Store, runner Runner, cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Minute
	}
	return &Scheduler{store: store, runner: runner, cfg: cfg}
}

// Run polls until the context is cancelled, then waits for in-flight
// firings to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.Due(ctx, now)
	if err != nil {
		log.G(ctx).WithError(err).Warn("listing due scheduled jobs failed")
		return
	}
	for i := range due {
		job := due[i]
		if job.NextRunAt == nil {
			// First sighting since creation or re-enable: compute the fire
			// time, do not fire yet.
			s.prime(ctx, &job, now)
			continue
		}
		s.fire(ctx, &job, now)
	}
}

// prime stores the initial nextRunAt for a job that never had one. A
// definition whose schedule cannot be parsed is disabled rather than
// retried every tick.
func (s *Scheduler) prime(ctx context.Context, job *catalog.ScheduledJob, now time.Time) {
	next, err := NextRun(job, now)
	if err != nil {
		log.G(ctx).WithError(err).WithField("scheduledJob", job.ID).Warn("unschedulable job, disabling")
		if derr := s.store.SetEnabled(ctx, job.ID, false); derr != nil {
			log.G(ctx).WithError(derr).WithField("scheduledJob", job.ID).Warn("disabling job failed")
		}
		return
	}
	if err := s.store.SetNextRun(ctx, job.ID, next); err != nil {
		log.G(ctx).WithError(err).WithField("scheduledJob", job.ID).Warn("storing next run failed")
	}
}

// fire claims the job and executes it asynchronously so a long firing does
// not stall the tick loop.
func (s *Scheduler) fire(ctx context.Context, job *catalog.ScheduledJob, now time.Time) {
	claimed, err := s.store.Claim(ctx, job.ID, now)
	if err != nil {
		if errdefs.IsConflict(err) {
			// Another scheduler won, or the job was disabled between Due
			// and Claim.
			return
		}
		log.G(ctx).WithError(err).WithField("scheduledJob", job.ID).Warn("claiming scheduled job failed")
		return
	}

	run, err := s.store.CreateRun(ctx, claimed.ID, "schedule", now)
	if err != nil {
		log.G(ctx).WithError(err).WithField("scheduledJob", claimed.ID).Warn("recording run failed")
		s.release(ctx, claimed, false, now)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(ctx, claimed, run)
	}()
}

func (s *Scheduler) execute(ctx context.Context, job *catalog.ScheduledJob, run *catalog.ScheduledJobRun) {
	timeout := s.cfg.DefaultTimeout
	if job.TimeoutMin > 0 {
		timeout = time.Duration(job.TimeoutMin) * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := log.G(ctx).WithFields(log.Fields{"scheduledJob": job.ID, "kind": job.Kind, "run": run.ID})
	err := s.runner.Execute(runCtx, job)

	status := catalog.JobCompleted
	msg := ""
	if err != nil {
		status = catalog.JobFailed
		msg = err.Error()
		logger.WithError(err).Warn("scheduled job firing failed")
	} else {
		logger.Info("scheduled job fired")
	}
	if cerr := s.store.CloseRun(ctx, run.ID, status, msg); cerr != nil {
		logger.WithError(cerr).Warn("closing run failed")
	}
	s.release(ctx, job, err == nil, time.Now().UTC())
}

// release returns the definition to idle with a fresh nextRunAt. The
// claim stamped lastRunAt, so interval schedules anchor on the claim time
// rather than on completion.
func (s *Scheduler) release(ctx context.Context, job *catalog.ScheduledJob, succeeded bool, now time.Time) {
	next, err := NextRun(job, now)
	if err != nil {
		next = now.Add(time.Hour)
	}
	if err := s.store.Release(ctx, job.ID, succeeded, next); err != nil {
		log.G(ctx).WithError(err).WithField("scheduledJob", job.ID).Warn("releasing scheduled job failed")
	}
}

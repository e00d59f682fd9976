package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/imagevault/imagevault/daemon/catalog"
	"github.com/imagevault/imagevault/daemon/placement"
)

type fakeJobs struct {
	running     []catalog.BackgroundJob
	transitions map[string]catalog.JobStatus
	failed      map[string]string
	transErr    error
}

func newFakeJobs(running ...catalog.BackgroundJob) *fakeJobs {
	return &fakeJobs{
		running:     running,
		transitions: map[string]catalog.JobStatus{},
		failed:      map[string]string{},
	}
}

func (f *fakeJobs) ListRunning(ctx context.Context) ([]catalog.BackgroundJob, error) {
	return f.running, nil
}

func (f *fakeJobs) Transition(ctx context.Context, id string, from, to catalog.JobStatus) error {
	if f.transErr != nil {
		return f.transErr
	}
	f.transitions[id] = to
	return nil
}

func (f *fakeJobs) Fail(ctx context.Context, id, reason string) error {
	f.failed[id] = reason
	return nil
}

func (f *fakeJobs) Get(ctx context.Context, id string) (*catalog.BackgroundJob, error) {
	for i := range f.running {
		if f.running[i].ID == id {
			return &f.running[i], nil
		}
	}
	return nil, errors.Wrap(errdefs.ErrNotFound, id)
}

type fakeScheduled struct {
	jobs   map[string]*catalog.ScheduledJob
	stale  []catalog.ScheduledJobRun
	closed map[string]catalog.JobStatus
	idled  []string
}

func newFakeScheduled(stale ...catalog.ScheduledJobRun) *fakeScheduled {
	return &fakeScheduled{
		jobs:   map[string]*catalog.ScheduledJob{},
		stale:  stale,
		closed: map[string]catalog.JobStatus{},
	}
}

func (f *fakeScheduled) Get(ctx context.Context, id string) (*catalog.ScheduledJob, error) {
	if job, ok := f.jobs[id]; ok {
		return job, nil
	}
	return nil, errors.Wrap(errdefs.ErrNotFound, id)
}

func (f *fakeScheduled) StaleRuns(ctx context.Context, olderThan time.Time) ([]catalog.ScheduledJobRun, error) {
	return f.stale, nil
}

func (f *fakeScheduled) CloseRun(ctx context.Context, runID string, status catalog.JobStatus, errMsg string) error {
	f.closed[runID] = status
	return nil
}

func (f *fakeScheduled) ForceIdle(ctx context.Context, id string) error {
	f.idled = append(f.idled, id)
	return nil
}

type fakeSink struct {
	published []string
}

func (f *fakeSink) Publish(job *catalog.BackgroundJob) {
	f.published = append(f.published, job.ID)
}

type nopAuditor struct{}

func (nopAuditor) Audit(ctx context.Context) ([]placement.AuditReport, error) { return nil, nil }

func testConfig() Config {
	return Config{Interval: time.Second, AuditEvery: time.Hour, MaxRunAge: 2 * time.Hour}
}

func TestReconcileCompletesFinishedJob(t *testing.T) {
	jobs := newFakeJobs(
		catalog.BackgroundJob{ID: "done", Status: catalog.JobRunning, Total: 10, Done: 8, Failed: 2, StartedAt: time.Now()},
		catalog.BackgroundJob{ID: "busy", Status: catalog.JobRunning, Total: 10, Done: 3, StartedAt: time.Now()},
	)
	sink := &fakeSink{}
	m := New(jobs, newFakeScheduled(), nopAuditor{}, sink, testConfig())

	m.ReconcileOnce(context.Background())

	assert.Check(t, is.Equal(jobs.transitions["done"], catalog.JobCompleted))
	_, touched := jobs.transitions["busy"]
	assert.Check(t, !touched)
	assert.DeepEqual(t, sink.published, []string{"done"})
}

func TestReconcileLostTransitionRaceIsSilent(t *testing.T) {
	jobs := newFakeJobs(
		catalog.BackgroundJob{ID: "done", Status: catalog.JobRunning, Total: 1, Done: 1, StartedAt: time.Now()},
	)
	jobs.transErr = errors.Wrap(errdefs.ErrConflict, "already completed")
	sink := &fakeSink{}
	m := New(jobs, newFakeScheduled(), nopAuditor{}, sink, testConfig())

	m.ReconcileOnce(context.Background())
	assert.Check(t, is.Len(sink.published, 0))
}

func TestReconcileTimesOutStuckJob(t *testing.T) {
	jobs := newFakeJobs(
		catalog.BackgroundJob{
			ID: "stuck", Status: catalog.JobRunning, Total: 100, Done: 4,
			TimeoutSec: 60, StartedAt: time.Now().Add(-5 * time.Minute),
		},
		catalog.BackgroundJob{
			ID: "fresh", Status: catalog.JobRunning, Total: 100, Done: 4,
			TimeoutSec: 600, StartedAt: time.Now(),
		},
	)
	sink := &fakeSink{}
	m := New(jobs, newFakeScheduled(), nopAuditor{}, sink, testConfig())

	m.ReconcileOnce(context.Background())

	assert.Check(t, is.Contains(jobs.failed["stuck"], "timed out after 60s"))
	_, touched := jobs.failed["fresh"]
	assert.Check(t, !touched)
	assert.DeepEqual(t, sink.published, []string{"stuck"})
}

func TestReconcileZeroTotalJobNotCompleted(t *testing.T) {
	// A fan-out job whose producer has not grown the total yet must not be
	// completed at 0/0.
	jobs := newFakeJobs(
		catalog.BackgroundJob{ID: "empty", Status: catalog.JobRunning, Total: 0, Done: 0, StartedAt: time.Now()},
	)
	m := New(jobs, newFakeScheduled(), nopAuditor{}, &fakeSink{}, testConfig())

	m.ReconcileOnce(context.Background())
	assert.Check(t, is.Len(jobs.transitions, 0))
}

func TestReconcileRecoversStaleRuns(t *testing.T) {
	sched := newFakeScheduled(
		catalog.ScheduledJobRun{ID: "run-1", ScheduledJobID: "s1", Status: catalog.JobRunning},
	)
	m := New(newFakeJobs(), sched, nopAuditor{}, &fakeSink{}, testConfig())

	m.ReconcileOnce(context.Background())

	assert.Check(t, is.Equal(sched.closed["run-1"], catalog.JobFailed))
	assert.DeepEqual(t, sched.idled, []string{"s1"})
}

func TestReconcileRunsUsePerJobTimeout(t *testing.T) {
	// Both runs started ten minutes ago; only the job with the five-minute
	// timeout is declared dead. The generous one keeps running well under
	// the MaxRunAge fallback.
	started := time.Now().UTC().Add(-10 * time.Minute)
	sched := newFakeScheduled(
		catalog.ScheduledJobRun{ID: "run-fast", ScheduledJobID: "s-fast", Status: catalog.JobRunning, StartedAt: started},
		catalog.ScheduledJobRun{ID: "run-slow", ScheduledJobID: "s-slow", Status: catalog.JobRunning, StartedAt: started},
		catalog.ScheduledJobRun{ID: "run-orphan", ScheduledJobID: "s-gone", Status: catalog.JobRunning, StartedAt: started},
	)
	sched.jobs["s-fast"] = &catalog.ScheduledJob{ID: "s-fast", TimeoutMin: 5}
	sched.jobs["s-slow"] = &catalog.ScheduledJob{ID: "s-slow", TimeoutMin: 120}
	m := New(newFakeJobs(), sched, nopAuditor{}, &fakeSink{}, testConfig())

	m.ReconcileOnce(context.Background())

	assert.Check(t, is.Equal(sched.closed["run-fast"], catalog.JobFailed))
	assert.DeepEqual(t, sched.idled, []string{"s-fast"})
	_, closed := sched.closed["run-slow"]
	assert.Check(t, !closed)
	// A run whose definition vanished falls back to MaxRunAge.
	_, closed = sched.closed["run-orphan"]
	assert.Check(t, !closed)
}

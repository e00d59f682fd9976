package daemon

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/imagevault/imagevault/api/types"
	"github.com/imagevault/imagevault/daemon/bus"
	"github.com/imagevault/imagevault/daemon/catalog"
)

// ScanCollection enqueues a reconciliation of one collection and returns
// the aggregating job id.
func (d *Daemon) ScanCollection(ctx context.Context, collectionID string, force bool) (string, error) {
	col, err := d.store.Collections.Get(ctx, collectionID)
	if err != nil {
		return "", err
	}
	parent, err := d.store.Jobs.Create(ctx, "collection.scan", 1, map[string]string{
		"collectionId": col.ID,
		"force":        strconv.FormatBool(force),
	})
	if err != nil {
		return "", err
	}
	env, err := bus.NewEnvelope(bus.KindCollectionScan, parent.ID, bus.CollectionScanMessage{
		CollectionID: col.ID,
		Path:         col.Path,
		Kind:         string(col.Kind),
		ForceRescan:  force,
	})
	if err != nil {
		return "", err
	}
	if err := d.bus.PublishKind(ctx, env); err != nil {
		_ = d.store.Jobs.Fail(ctx, parent.ID, err.Error())
		return "", err
	}
	return parent.ID, nil
}

// ScanLibrary enqueues a bulk rescan covering every collection of one
// library.
func (d *Daemon) ScanLibrary(ctx context.Context, libraryID string, force bool) (string, error) {
	if _, err := d.store.Libraries.Get(ctx, libraryID); err != nil {
		return "", err
	}
	parent, err := d.store.Jobs.Create(ctx, "library.scan", 1, map[string]string{
		"libraryId": libraryID,
		"force":     strconv.FormatBool(force),
	})
	if err != nil {
		return "", err
	}
	env, err := bus.NewEnvelope(bus.KindBulkOperation, parent.ID, bus.BulkOperationMessage{
		Operation:  bus.BulkRescanLibrary,
		LibraryID:  libraryID,
		Parameters: map[string]string{"force": strconv.FormatBool(force)},
	})
	if err != nil {
		return "", err
	}
	if err := d.bus.PublishKind(ctx, env); err != nil {
		_ = d.store.Jobs.Fail(ctx, parent.ID, err.Error())
		return "", err
	}
	return parent.ID, nil
}

// Job returns the status of one background job.
func (d *Daemon) Job(ctx context.Context, id string) (*types.BackgroundJob, error) {
	job, err := d.store.Jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := toAPIJob(job)
	return &out, nil
}

// RunningJobs lists every job still in flight.
func (d *Daemon) RunningJobs(ctx context.Context) ([]types.BackgroundJob, error) {
	jobs, err := d.store.Jobs.ListRunning(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.BackgroundJob, 0, len(jobs))
	for i := range jobs {
		out = append(out, toAPIJob(&jobs[i]))
	}
	return out, nil
}

// CancelJob requests cancellation; in-flight messages drain.
func (d *Daemon) CancelJob(ctx context.Context, id string) error {
	if err := d.store.Jobs.RequestCancel(ctx, id); err != nil {
		return err
	}
	if job, err := d.store.Jobs.Get(ctx, id); err == nil {
		d.ev.Publish(job)
	}
	return nil
}

// ScheduledJobs lists the schedule definitions.
func (d *Daemon) ScheduledJobs(ctx context.Context) ([]types.ScheduledJob, error) {
	jobs, err := d.store.ScheduledJobs.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.ScheduledJob, 0, len(jobs))
	for i := range jobs {
		j := &jobs[i]
		out = append(out, types.ScheduledJob{
			ID:           j.ID,
			Kind:         j.Kind,
			ScheduleKind: string(j.ScheduleKind),
			CronExpr:     j.CronExpr,
			IntervalMin:  j.IntervalMin,
			Enabled:      j.Enabled,
			Status:       string(j.Status),
			Priority:     j.Priority,
			LastRunAt:    j.LastRunAt,
			NextRunAt:    j.NextRunAt,
			RunCount:     j.RunCount,
			SuccessCount: j.SuccessCount,
			FailureCount: j.FailureCount,
		})
	}
	return out, nil
}

// SetScheduledJobEnabled toggles a schedule.
func (d *Daemon) SetScheduledJobEnabled(ctx context.Context, id string, enabled bool) error {
	return d.store.ScheduledJobs.SetEnabled(ctx, id, enabled)
}

// ScheduledJobRuns pages through a schedule's run history.
func (d *Daemon) ScheduledJobRuns(ctx context.Context, id string, offset, limit int64) ([]types.ScheduledJobRun, error) {
	if _, err := d.store.ScheduledJobs.Get(ctx, id); err != nil {
		return nil, err
	}
	runs, err := d.store.ScheduledJobs.ListRuns(ctx, id, offset, limit)
	if err != nil {
		return nil, err
	}
	out := make([]types.ScheduledJobRun, 0, len(runs))
	for i := range runs {
		r := &runs[i]
		out = append(out, types.ScheduledJobRun{
			ID:          r.ID,
			Status:      string(r.Status),
			StartedAt:   r.StartedAt,
			CompletedAt: r.CompletedAt,
			DurationMs:  r.DurationMs,
			Error:       r.Error,
			TriggeredBy: r.TriggeredBy,
		})
	}
	return out, nil
}

// CacheRoots lists the configured artifact directories.
func (d *Daemon) CacheRoots(ctx context.Context) ([]types.CacheRoot, error) {
	roots, err := d.store.CacheRoots.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.CacheRoot, 0, len(roots))
	for i := range roots {
		out = append(out, toAPIRoot(&roots[i]))
	}
	return out, nil
}

// CreateCacheRoot validates the candidate path and registers it.
func (d *Daemon) CreateCacheRoot(ctx context.Context, req types.CacheRootCreateRequest) (*types.CacheRoot, error) {
	v, err := d.place.ValidatePath(ctx, req.Path)
	if err != nil {
		return nil, err
	}
	if !v.Valid {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, v.Reason)
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, err.Error())
	}
	name := req.Name
	if name == "" {
		name = filepath.Base(abs)
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	root := &catalog.CacheRoot{
		Name:         name,
		AbsolutePath: abs,
		Priority:     req.Priority,
		MaxBytes:     req.MaxBytes,
		Active:       active,
	}
	if err := d.store.CacheRoots.Insert(ctx, root); err != nil {
		return nil, err
	}
	out := toAPIRoot(root)
	return &out, nil
}

// UpdateCacheRoot rewrites the configurable fields of a root. The path is
// immutable; move artifacts by adding a new root and deleting the old one.
func (d *Daemon) UpdateCacheRoot(ctx context.Context, id string, req types.CacheRootCreateRequest) (*types.CacheRoot, error) {
	root, err := d.store.CacheRoots.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Path != "" && req.Path != root.AbsolutePath {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "cache root path cannot be changed")
	}
	name := req.Name
	if name == "" {
		name = root.Name
	}
	active := root.Active
	if req.Active != nil {
		active = *req.Active
	}
	if err := d.store.CacheRoots.Update(ctx, id, name, req.Priority, req.MaxBytes, active); err != nil {
		return nil, err
	}
	fresh, err := d.store.CacheRoots.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := toAPIRoot(fresh)
	return &out, nil
}

// DeleteCacheRoot detaches every entry referencing the root and removes
// its document. Files stay on disk for the operator to reclaim.
func (d *Daemon) DeleteCacheRoot(ctx context.Context, id string) error {
	if _, err := d.store.CacheRoots.Get(ctx, id); err != nil {
		return err
	}
	refs, err := d.store.Collections.EntriesByRoot(ctx, id)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := d.store.Collections.DetachEntry(ctx, ref); err != nil {
			log.G(ctx).WithError(err).WithField("path", ref.Path).Warn("detaching entry failed")
		}
	}
	return d.store.CacheRoots.Delete(ctx, id)
}

// ValidateCachePath checks a candidate directory without registering it.
func (d *Daemon) ValidateCachePath(ctx context.Context, path string) (*types.PathValidation, error) {
	v, err := d.place.ValidatePath(ctx, path)
	if err != nil {
		return nil, err
	}
	return &types.PathValidation{
		Valid:       v.Valid,
		Exists:      v.Exists,
		Writable:    v.Writable,
		IsDirectory: v.IsDirectory,
		FreeBytes:   v.FreeBytes,
		Reason:      v.Reason,
	}, nil
}

func toAPIJob(job *catalog.BackgroundJob) types.BackgroundJob {
	return types.BackgroundJob{
		ID:          job.ID,
		Kind:        job.Kind,
		Status:      string(job.Status),
		Total:       job.Total,
		Done:        job.Done,
		Failed:      job.Failed,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		LastError:   job.LastError,
	}
}

func toAPIRoot(root *catalog.CacheRoot) types.CacheRoot {
	return types.CacheRoot{
		ID:           root.ID,
		Name:         root.Name,
		Path:         root.AbsolutePath,
		Priority:     root.Priority,
		MaxBytes:     root.MaxBytes,
		CurrentBytes: root.CurrentBytes,
		FileCount:    root.FileCount,
		Active:       root.Active,
		CreatedAt:    root.CreatedAt,
	}
}

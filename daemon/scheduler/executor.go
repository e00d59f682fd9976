package scheduler

import (
	"context"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/imagevault/imagevault/daemon/bus"
	"github.com/imagevault/imagevault/daemon/catalog"
	"github.com/imagevault/imagevault/daemon/placement"
)

// Schedule kinds the stock executor understands.
const (
	KindLibraryScan  = "library.scan"
	KindCacheAudit   = "cache.audit"
	KindCacheCleanup = "cache.cleanup"
)

// Collections is the catalog slice the executor expands scans over.
type Collections interface {
	ListByLibrary(ctx context.Context, libraryID string) ([]catalog.Collection, error)
	ListAll(ctx context.Context) ([]catalog.Collection, error)
}

// Jobs creates the parent background job that aggregates the progress of
// the messages one firing emits.
type Jobs interface {
	Create(ctx context.Context, kind string, total int64, params map[string]string) (*catalog.BackgroundJob, error)
}

// Publisher emits messages under their canonical routing key.
type Publisher interface {
	PublishKind(ctx context.Context, env *bus.Envelope) error
}

// Maintainer is the placement surface the audit and cleanup kinds invoke
// inline rather than through the queue.
type Maintainer interface {
	Audit(ctx context.Context) ([]placement.AuditReport, error)
	Cleanup(ctx context.Context) error
}

// Executor translates one claimed firing into work.
type Executor struct {
	collections Collections
	jobs        Jobs
	pub         Publisher
	maint       Maintainer
}

func NewExecutor(collections Collections, jobs Jobs, pub Publisher, maint Maintainer) *Executor {
	return &Executor{collections: collections, jobs: jobs, pub: pub, maint: maint}
}

// Execute runs one firing to completion under the caller's deadline.
func (e *Executor) Execute(ctx context.Context, job *catalog.ScheduledJob) error {
	switch job.Kind {
	case KindLibraryScan:
		return e.libraryScan(ctx, job)
	case KindCacheAudit:
		_, err := e.maint.Audit(ctx)
		return err
	case KindCacheCleanup:
		return e.maint.Cleanup(ctx)
	}
	return errors.Errorf("unknown scheduled job kind %q", job.Kind)
}

// libraryScan expands to one scan message per collection, all correlated
// to a fresh background job so the API can watch aggregate progress.
func (e *Executor) libraryScan(ctx context.Context, job *catalog.ScheduledJob) error {
	libraryID := job.Parameters["libraryId"]
	force := job.Parameters["force"] == "true"

	var (
		cols []catalog.Collection
		err  error
	)
	if libraryID != "" {
		cols, err = e.collections.ListByLibrary(ctx, libraryID)
	} else {
		cols, err = e.collections.ListAll(ctx)
	}
	if err != nil {
		return err
	}

	parent, err := e.jobs.Create(ctx, KindLibraryScan, int64(len(cols)), map[string]string{
		"scheduledJobId": job.ID,
		"libraryId":      libraryID,
	})
	if err != nil {
		return err
	}

	for i := range cols {
		col := &cols[i]
		env, err := bus.NewEnvelope(bus.KindCollectionScan, parent.ID, bus.CollectionScanMessage{
			CollectionID: col.ID,
			Path:         col.Path,
			Kind:         string(col.Kind),
			ForceRescan:  force,
		})
		if err != nil {
			return err
		}
		if err := e.pub.PublishKind(ctx, env); err != nil {
			return errors.Wrapf(err, "queueing scan of collection %s", col.ID)
		}
	}
	log.G(ctx).WithFields(log.Fields{
		"scheduledJob": job.ID,
		"job":          parent.ID,
		"collections":  len(cols),
	}).Info("library scan expanded")
	return nil
}
